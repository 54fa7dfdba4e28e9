package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// PeerError is a wire-level error message returned by the peer in place of
// the expected response.
type PeerError struct {
	Message string
}

func (e *PeerError) Error() string {
	return fmt.Sprintf("peer error: %s", e.Message)
}

// Dispatcher multiplexes request/response exchanges over one channel. A
// single reader goroutine decodes inbound messages and resolves the future
// registered under the message's request_id; responses with an unknown or
// stale request_id are ignored, which defends against duplicate and
// delayed messages without tearing the session down.
type Dispatcher struct {
	ch  MessageChannel
	log logging.Logger

	mu      sync.Mutex
	pending map[string]chan any
	readErr error

	done      chan struct{}
	startOnce sync.Once
}

// NewDispatcher wraps an established channel. Call Start before RoundTrip.
func NewDispatcher(ch MessageChannel, log logging.Logger) *Dispatcher {
	return &Dispatcher{
		ch:      ch,
		log:     log,
		pending: make(map[string]chan any),
		done:    make(chan struct{}),
	}
}

// Start launches the single inbound reader. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.readLoop(ctx)
	})
}

func (d *Dispatcher) readLoop(ctx context.Context) {
	defer close(d.done)

	for {
		data, err := d.ch.Receive(ctx)
		if err != nil {
			d.mu.Lock()
			d.readErr = err
			d.mu.Unlock()
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			d.log.Warn(ctx, "ignoring undecodable message", "err", err)
			continue
		}

		id, ok := wire.RequestID(msg)
		if !ok {
			d.log.Debug(ctx, "ignoring message outside request exchange", "type", fmt.Sprintf("%T", msg))
			continue
		}

		d.mu.Lock()
		future, ok := d.pending[id]
		if ok {
			delete(d.pending, id)
		}
		d.mu.Unlock()

		if !ok {
			d.log.Debug(ctx, "ignoring stale response", "request_id", id)
			continue
		}
		future <- msg
	}
}

// RoundTrip sends a request and blocks for the response registered under
// requestID, up to the timeout. A *wire.Error response is returned as a
// *PeerError. On timeout the future is abandoned: a late response will be
// ignored by the read loop, never delivered twice.
func (d *Dispatcher) RoundTrip(ctx context.Context, requestID string, msg any, timeout time.Duration) (any, error) {
	future := make(chan any, 1)

	d.mu.Lock()
	if d.readErr != nil {
		err := d.readErr
		d.mu.Unlock()
		return nil, err
	}
	d.pending[requestID] = future
	d.mu.Unlock()

	cancelPending := func() {
		d.mu.Lock()
		delete(d.pending, requestID)
		d.mu.Unlock()
	}

	data, err := wire.Encode(msg)
	if err != nil {
		cancelPending()
		return nil, err
	}
	if err := d.ch.Send(ctx, data); err != nil {
		cancelPending()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-future:
		if werr, ok := resp.(*wire.Error); ok {
			return nil, &PeerError{Message: werr.Message}
		}
		return resp, nil
	case <-timer.C:
		cancelPending()
		return nil, common.ErrTimeout
	case <-ctx.Done():
		cancelPending()
		return nil, ctx.Err()
	case <-d.done:
		cancelPending()
		d.mu.Lock()
		err := d.readErr
		d.mu.Unlock()
		if err == nil {
			err = ErrChannelClosed
		}
		return nil, err
	}
}
