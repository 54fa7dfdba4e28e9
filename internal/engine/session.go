package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/applier"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/handshake"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/manifest"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// State is a sync session's position in its lifecycle.
type State string

const (
	StateHandshaking        State = "handshaking"
	StateExchangingManifest State = "exchanging_manifest"
	StatePulling            State = "pulling"
	StatePushing            State = "pushing"
	StateFinalizing         State = "finalizing"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// FailedDelta records one delta that could not be transferred or applied.
// The session carries on past it; the entity catches up on a later sync.
type FailedDelta struct {
	EntityType string
	EntityID   string
	Err        error
}

// Report summarizes one session. PartialFailure means the session ran to
// completion but some deltas failed; the checkpoint still advances so the
// healthy entities do not re-sync.
type Report struct {
	PeerDeviceID   string
	PeerDeviceName string
	Pulled         int
	Pushed         int
	Conflicts      int
	Failed         []FailedDelta
	PartialFailure bool
	StartedAt      time.Time
	FinishedAt     time.Time
}

// session is one initiator-side sync run over a channel.
type session struct {
	e     *Engine
	ch    transport.MessageChannel
	state State
}

func (s *session) setState(ctx context.Context, next State) {
	s.e.logger.Debug(ctx, "sync session state change",
		"from", string(s.state), "to", string(next))
	s.state = next
}

// run drives the full initiator flow: handshake, manifest exchange, pull,
// push, finalize. A failure in any step before finalize abandons the
// session without advancing the checkpoint.
func (s *session) run(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	s.setState(ctx, StateHandshaking)
	sess, peer, err := s.e.hs.Establish(ctx, s.ch)
	if err != nil {
		s.setState(ctx, StateFailed)
		return report, err
	}
	defer sess.Close()
	report.PeerDeviceID = peer.DeviceID
	report.PeerDeviceName = peer.DeviceName

	release, err := s.e.registry.Acquire(peer.DeviceID)
	if err != nil {
		s.setState(ctx, StateFailed)
		return report, err
	}
	defer release()

	err = s.exchange(ctx, sess, peer, report)
	report.FinishedAt = time.Now()

	if hErr := s.e.recordHistory(ctx, peer.DeviceID, report, err); hErr != nil {
		s.e.logger.Warn(ctx, "failed to record sync history", "error", hErr)
	}
	if err != nil {
		s.setState(ctx, StateFailed)
		return report, err
	}

	s.setState(ctx, StateCompleted)
	return report, nil
}

func (s *session) exchange(ctx context.Context, sess *cipher.Session, peer *handshake.Peer, report *Report) error {
	d := transport.NewDispatcher(s.ch, s.e.logger)
	d.Start(ctx)

	since := time.UnixMilli(0)
	if state, err := s.e.syncState.Get(ctx, peer.DeviceID); err == nil {
		since = state.LastSyncAt
	} else if !errors.Is(err, common.ErrNotFound) {
		return err
	}

	s.setState(ctx, StateExchangingManifest)
	m, err := manifest.Fetch(ctx, d, since, s.e.timeouts.Manifest)
	if err != nil {
		return err
	}

	s.setState(ctx, StatePulling)
	if err := s.pull(ctx, d, sess, m, report); err != nil {
		return err
	}

	s.setState(ctx, StatePushing)
	if err := s.push(ctx, d, sess, report); err != nil {
		return err
	}

	s.setState(ctx, StateFinalizing)
	return s.finalize(ctx, d, peer, report)
}

// pull requests and applies every delta the peer's manifest names. Apply
// failures and peer-side errors skip the one delta; transport timeouts
// abort the session.
func (s *session) pull(ctx context.Context, d *transport.Dispatcher, sess *cipher.Session, m *wire.Manifest, report *Report) error {
	for _, e := range manifest.Order(m.Changes) {
		requestID := uuid.NewString()
		resp, err := d.RoundTrip(ctx, requestID, &wire.GetDelta{
			RequestID:  requestID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
		}, s.e.timeouts.Pull)
		if err != nil {
			var peerErr *transport.PeerError
			if errors.As(err, &peerErr) {
				s.failDelta(ctx, report, e.EntityType, e.EntityID, err)
				continue
			}
			if errors.Is(err, common.ErrTimeout) {
				return common.NewStepTimeout(common.StepPull)
			}
			return err
		}
		dr, ok := resp.(*wire.DeltaResponse)
		if !ok {
			return fmt.Errorf("%w: expected delta response, got %T", common.ErrProtocolViolation, resp)
		}

		res, err := s.e.applier.Apply(ctx, sess, &dr.Delta)
		if err != nil {
			s.failDelta(ctx, report, e.EntityType, e.EntityID, err)
			continue
		}
		switch res.Outcome {
		case applier.OutcomeApplied:
			report.Pulled++
		case applier.OutcomeConflictResolved:
			report.Pulled++
			report.Conflicts++
		}
	}
	return nil
}

// push offers every pending outbox change and marks each one synced only
// after the peer acknowledges it.
func (s *session) push(ctx context.Context, d *transport.Dispatcher, sess *cipher.Session, report *Report) error {
	pending, err := s.e.outbox.Pending(ctx)
	if err != nil {
		return err
	}

	for i := range pending {
		c := &pending[i]
		delta, err := buildDelta(sess, c)
		if err != nil {
			s.failDelta(ctx, report, string(c.EntityType), c.EntityID, err)
			continue
		}

		requestID := uuid.NewString()
		resp, err := d.RoundTrip(ctx, requestID, &wire.PushDelta{
			RequestID: requestID,
			Delta:     *delta,
		}, s.e.timeouts.Push)
		if err != nil {
			var peerErr *transport.PeerError
			if errors.As(err, &peerErr) {
				s.failDelta(ctx, report, string(c.EntityType), c.EntityID, err)
				continue
			}
			if errors.Is(err, common.ErrTimeout) {
				return common.NewStepTimeout(common.StepPush)
			}
			return err
		}
		ack, ok := resp.(*wire.PushAck)
		if !ok {
			return fmt.Errorf("%w: expected push ack, got %T", common.ErrProtocolViolation, resp)
		}
		if ack.ChangeID != c.ID {
			return fmt.Errorf("%w: ack for change %q, pushed %q", common.ErrProtocolViolation, ack.ChangeID, c.ID)
		}

		if err := s.e.outbox.MarkSynced(ctx, []string{c.ID}); err != nil {
			return err
		}
		report.Pushed++
	}
	return nil
}

// finalize advances the checkpoint, notes the peer contact, and says
// goodbye. The checkpoint moves to the session start time so changes made
// while the session ran are picked up next time.
func (s *session) finalize(ctx context.Context, d *transport.Dispatcher, peer *handshake.Peer, report *Report) error {
	report.PartialFailure = len(report.Failed) > 0

	err := s.e.syncState.Record(ctx, peer.DeviceID, peer.DeviceName,
		report.StartedAt, DirectionBidirectional, int64(report.Pulled+report.Pushed))
	if err != nil {
		return err
	}
	if err := s.e.trust.RecordSync(ctx, peer.DeviceID); err != nil {
		s.e.logger.Warn(ctx, "failed to record peer contact", "error", err)
	}

	// Best effort: the sync is already durable.
	if data, err := wire.Encode(&wire.Bye{}); err == nil {
		if err := s.ch.Send(ctx, data); err != nil {
			s.e.logger.Debug(ctx, "bye not delivered", "error", err)
		}
	}
	return nil
}

func (s *session) failDelta(ctx context.Context, report *Report, entityType, entityID string, err error) {
	s.e.logger.Warn(ctx, "delta failed, continuing session",
		"entity_type", entityType, "entity_id", entityID, "error", err)
	report.Failed = append(report.Failed, FailedDelta{
		EntityType: entityType,
		EntityID:   entityID,
		Err:        err,
	})
}
