package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/applier"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/dbx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/entity"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/handshake"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/outbox"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/trust"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"
)

// ErrShutdown is returned for operations after Shutdown.
var ErrShutdown = errors.New("sync engine shut down")

// Timeouts bounds the individual protocol steps of a session.
type Timeouts struct {
	Handshake time.Duration
	Manifest  time.Duration
	Pull      time.Duration
	Push      time.Duration
}

// DefaultTimeouts are used where a Timeouts field is zero.
var DefaultTimeouts = Timeouts{
	Handshake: handshake.DefaultTimeout,
	Manifest:  10 * time.Second,
	Pull:      10 * time.Second,
	Push:      10 * time.Second,
}

// Config wires an Engine.
type Config struct {
	DB       *sql.DB
	Identity *handshake.Identity
	Trust    trust.Repository
	Logger   logging.Logger
	// Dial opens channels to peers for SyncWithDevice. Optional when only
	// Sync/Serve over pre-opened channels is used.
	Dial     transport.ChannelFactory
	Timeouts Timeouts
}

// Engine is the sync engine for one device. It is an explicit value: create
// it with New, pass it where it is needed, and call Shutdown when done.
type Engine struct {
	db        *sql.DB
	identity  *handshake.Identity
	logger    logging.Logger
	trust     trust.Repository
	hs        *handshake.Manager
	applier   *applier.Applier
	outbox    outbox.Repository
	syncState *SyncStateRepository
	history   *HistoryRepository
	registry  *Registry
	dial      transport.ChannelFactory
	timeouts  Timeouts

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// New builds an Engine from the config.
func New(cfg Config) (*Engine, error) {
	if cfg.DB == nil || cfg.Identity == nil || cfg.Trust == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("db, identity, trust, and logger are required: %w", common.ErrInvalidArgument)
	}
	t := cfg.Timeouts
	if t.Handshake <= 0 {
		t.Handshake = DefaultTimeouts.Handshake
	}
	if t.Manifest <= 0 {
		t.Manifest = DefaultTimeouts.Manifest
	}
	if t.Pull <= 0 {
		t.Pull = DefaultTimeouts.Pull
	}
	if t.Push <= 0 {
		t.Push = DefaultTimeouts.Push
	}

	logger := cfg.Logger.With("device_id", cfg.Identity.DeviceID)
	return &Engine{
		db:        cfg.DB,
		identity:  cfg.Identity,
		logger:    logger,
		trust:     cfg.Trust,
		hs:        handshake.NewManager(cfg.Identity, cfg.Trust, logger).WithTimeout(t.Handshake),
		applier:   applier.NewApplier(cfg.DB, cfg.Identity.DeviceID, logger),
		outbox:    outbox.NewSQLiteRepository(cfg.DB),
		syncState: NewSyncStateRepository(cfg.DB),
		history:   NewHistoryRepository(cfg.DB),
		registry:  NewRegistry(),
		dial:      cfg.Dial,
		timeouts:  t,
	}, nil
}

// DeviceID returns the local device id.
func (e *Engine) DeviceID() string {
	return e.identity.DeviceID
}

// OnEntityApplied registers a hook invoked whenever a remote delta lands
// locally, so the app can refresh views or indexes.
func (e *Engine) OnEntityApplied(fn applier.Applied) {
	e.applier.OnApplied(fn)
}

// EnqueueChange records a local mutation: the entity row, its ticked vector
// clock, and the outbox entry are written in one transaction. This is the
// only way local changes enter the sync pipeline.
func (e *Engine) EnqueueChange(ctx context.Context, typ entity.Type, op entity.Operation, entityID string, fields entity.Fields) error {
	if _, err := entity.ParseType(string(typ)); err != nil {
		return err
	}
	if _, err := entity.ParseOperation(string(op)); err != nil {
		return err
	}
	if entityID == "" {
		return fmt.Errorf("%w: empty", common.ErrInvalidEntityID)
	}

	payload := tombstonePayload
	if op != entity.OpDelete {
		var err error
		payload, err = entity.EncodePayload(typ, fields)
		if err != nil {
			return err
		}
	}
	now := time.Now()

	return dbx.WithTx(ctx, e.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		versions := applier.NewVersionRepository(tx)
		clock := vclock.New()
		if v, err := versions.Get(ctx, typ, entityID); err == nil {
			clock = v.Clock
		} else if !errors.Is(err, common.ErrNotFound) {
			return err
		}
		clock = clock.Tick(e.identity.DeviceID)

		store := applier.NewStore(tx)
		if op == entity.OpDelete {
			if err := store.Delete(ctx, typ, entityID); err != nil {
				return err
			}
		} else {
			if err := store.Upsert(ctx, typ, entityID, fields); err != nil {
				return err
			}
		}

		if err := versions.Upsert(ctx, &applier.Version{
			EntityType: typ,
			EntityID:   entityID,
			Clock:      clock,
			UpdatedAt:  now,
			Deleted:    op == entity.OpDelete,
		}); err != nil {
			return err
		}

		return outbox.NewSQLiteRepository(tx).Enqueue(ctx, &outbox.Change{
			ID:         uuid.NewString(),
			EntityType: typ,
			EntityID:   entityID,
			Operation:  op,
			Payload:    payload,
			Clock:      clock,
			CreatedAt:  now,
		})
	})
}

// Sync runs an initiator session over an already-open channel. The channel
// is closed when the session ends.
func (e *Engine) Sync(ctx context.Context, ch transport.MessageChannel) (*Report, error) {
	defer ch.Close()
	done, err := e.track()
	if err != nil {
		return nil, err
	}
	defer done()

	s := &session{e: e, ch: ch, state: StateHandshaking}
	report, err := s.run(ctx)
	if err != nil {
		e.logger.Warn(ctx, "sync session failed",
			"peer_device_id", report.PeerDeviceID, "error", err)
		return report, err
	}
	e.logger.Info(ctx, "sync session completed",
		"peer_device_id", report.PeerDeviceID,
		"pulled", report.Pulled, "pushed", report.Pushed,
		"conflicts", report.Conflicts, "failed", len(report.Failed))
	return report, nil
}

// SyncWithDevice dials a peer and runs a session against it.
func (e *Engine) SyncWithDevice(ctx context.Context, address string, port int) (*Report, error) {
	if e.dial == nil {
		return nil, fmt.Errorf("no channel factory configured: %w", common.ErrInvalidArgument)
	}
	ch, err := e.dial(ctx, address, port)
	if err != nil {
		return nil, fmt.Errorf("dialing %s:%d: %w", address, port, err)
	}
	return e.Sync(ctx, ch)
}

// Serve answers one incoming session on the channel. Transport listeners
// call this once per accepted connection. The channel is closed when the
// session ends.
func (e *Engine) Serve(ctx context.Context, ch transport.MessageChannel) (*Report, error) {
	defer ch.Close()
	done, err := e.track()
	if err != nil {
		return nil, err
	}
	defer done()

	r := &responder{e: e, ch: ch}
	report, err := r.serve(ctx)
	if err != nil {
		e.logger.Warn(ctx, "incoming sync session failed",
			"peer_device_id", report.PeerDeviceID, "error", err)
		return report, err
	}
	e.logger.Info(ctx, "incoming sync session completed",
		"peer_device_id", report.PeerDeviceID,
		"received", report.Pulled, "conflicts", report.Conflicts)
	return report, nil
}

// Shutdown refuses new sessions and waits for running ones, up to the
// context deadline.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	waited := make(chan struct{})
	go func() {
		e.sessions.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) track() (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShutdown
	}
	e.sessions.Add(1)
	return func() { e.sessions.Done() }, nil
}

func (e *Engine) recordHistory(ctx context.Context, deviceID string, report *Report, sessionErr error) error {
	entry := &HistoryEntry{
		ID:                uuid.NewString(),
		DeviceID:          deviceID,
		SyncTime:          report.StartedAt,
		Direction:         DirectionBidirectional,
		EntitiesPushed:    int64(report.Pushed),
		EntitiesPulled:    int64(report.Pulled),
		ConflictsDetected: int64(report.Conflicts),
		Success:           sessionErr == nil,
	}
	switch {
	case sessionErr != nil:
		entry.ErrorMessage = sessionErr.Error()
	case report.PartialFailure:
		entry.ErrorMessage = fmt.Sprintf("partial failure: %d deltas failed", len(report.Failed))
	}
	return e.history.Insert(ctx, entry)
}
