package engine

import (
	"context"
	"errors"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/applier"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/manifest"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// responder serves one incoming session: it accepts the handshake and then
// answers the initiator's requests until a bye or channel teardown.
type responder struct {
	e  *Engine
	ch transport.MessageChannel
}

// serve runs the responder loop. Per-request failures (unknown entity, bad
// delta) are reported to the initiator under the request id; the loop keeps
// going. Only channel errors and context cancellation end it.
func (r *responder) serve(ctx context.Context) (*Report, error) {
	report := &Report{StartedAt: time.Now()}

	sess, peer, err := r.e.hs.Accept(ctx, r.ch)
	if err != nil {
		return report, err
	}
	defer sess.Close()
	report.PeerDeviceID = peer.DeviceID
	report.PeerDeviceName = peer.DeviceName

	release, err := r.e.registry.Acquire(peer.DeviceID)
	if err != nil {
		r.sendError(ctx, "", err)
		return report, err
	}
	defer release()

	err = r.loop(ctx, sess, report)
	report.FinishedAt = time.Now()
	report.PartialFailure = len(report.Failed) > 0

	if err == nil {
		if sErr := r.e.syncState.Record(ctx, peer.DeviceID, peer.DeviceName,
			report.StartedAt, DirectionBidirectional, int64(report.Pulled+report.Pushed)); sErr != nil {
			r.e.logger.Warn(ctx, "failed to record sync state", "error", sErr)
		}
		if tErr := r.e.trust.RecordSync(ctx, peer.DeviceID); tErr != nil {
			r.e.logger.Warn(ctx, "failed to record peer contact", "error", tErr)
		}
	}
	if hErr := r.e.recordHistory(ctx, peer.DeviceID, report, err); hErr != nil {
		r.e.logger.Warn(ctx, "failed to record sync history", "error", hErr)
	}
	return report, err
}

func (r *responder) loop(ctx context.Context, sess *cipher.Session, report *Report) error {
	for {
		data, err := r.ch.Receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrChannelClosed) || errors.Is(err, context.Canceled) {
				// Initiator went away without a bye; what was synced stays.
				return nil
			}
			return err
		}
		msg, err := wire.Decode(data)
		if err != nil {
			r.sendError(ctx, "", err)
			continue
		}

		switch m := msg.(type) {
		case *wire.GetManifest:
			r.handleGetManifest(ctx, m)
		case *wire.GetDelta:
			r.handleGetDelta(ctx, sess, m)
		case *wire.PushDelta:
			r.handlePushDelta(ctx, sess, m, report)
		case *wire.Bye:
			return nil
		default:
			id, _ := wire.RequestID(msg)
			r.sendError(ctx, id, common.ErrProtocolViolation)
		}
	}
}

func (r *responder) handleGetManifest(ctx context.Context, m *wire.GetManifest) {
	built, err := manifest.Build(ctx, r.e.outbox, time.UnixMilli(m.Since))
	if err != nil {
		r.sendError(ctx, m.RequestID, err)
		return
	}
	built.Changes = manifest.Order(built.Changes)
	r.send(ctx, &wire.ManifestResponse{RequestID: m.RequestID, Manifest: *built})
}

func (r *responder) handleGetDelta(ctx context.Context, sess *cipher.Session, m *wire.GetDelta) {
	typ, err := entity.ParseType(m.EntityType)
	if err != nil {
		r.sendError(ctx, m.RequestID, err)
		return
	}
	change, err := r.e.outbox.Latest(ctx, typ, m.EntityID)
	if err != nil {
		r.sendError(ctx, m.RequestID, err)
		return
	}
	delta, err := buildDelta(sess, change)
	if err != nil {
		r.sendError(ctx, m.RequestID, err)
		return
	}
	r.send(ctx, &wire.DeltaResponse{RequestID: m.RequestID, Delta: *delta})
}

func (r *responder) handlePushDelta(ctx context.Context, sess *cipher.Session, m *wire.PushDelta, report *Report) {
	res, err := r.e.applier.Apply(ctx, sess, &m.Delta)
	if err != nil {
		report.Failed = append(report.Failed, FailedDelta{
			EntityType: m.Delta.EntityType,
			EntityID:   m.Delta.EntityID,
			Err:        err,
		})
		r.sendError(ctx, m.RequestID, err)
		return
	}
	switch res.Outcome {
	case applier.OutcomeApplied:
		report.Pulled++
	case applier.OutcomeConflictResolved:
		report.Pulled++
		report.Conflicts++
	}
	// Stale deltas are acked too: the initiator should stop resending them.
	r.send(ctx, &wire.PushAck{RequestID: m.RequestID, ChangeID: m.Delta.ChangeID})
}

func (r *responder) send(ctx context.Context, msg any) {
	data, err := wire.Encode(msg)
	if err != nil {
		r.e.logger.Error(ctx, "failed to encode response", "error", err)
		return
	}
	if err := r.ch.Send(ctx, data); err != nil {
		r.e.logger.Debug(ctx, "response not delivered", "error", err)
	}
}

func (r *responder) sendError(ctx context.Context, requestID string, cause error) {
	r.send(ctx, &wire.Error{RequestID: requestID, Message: cause.Error()})
}
