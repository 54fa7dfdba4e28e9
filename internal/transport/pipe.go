package transport

import (
	"context"
	"errors"
	"sync"
)

// ErrChannelClosed is returned by pipe channels after Close.
var ErrChannelClosed = errors.New("channel closed")

// pipeChannel is an in-memory MessageChannel half, used to exercise the
// protocol in tests without a network.
type pipeChannel struct {
	send chan []byte
	recv chan []byte

	closeOnce sync.Once
	done      chan struct{}
	peerDone  chan struct{}
}

// Pipe returns two connected in-memory channels: messages sent on one are
// received on the other, in order.
func Pipe() (MessageChannel, MessageChannel) {
	ab := make(chan []byte, 32)
	ba := make(chan []byte, 32)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &pipeChannel{send: ab, recv: ba, done: aDone, peerDone: bDone}
	b := &pipeChannel{send: ba, recv: ab, done: bDone, peerDone: aDone}
	return a, b
}

func (p *pipeChannel) Send(ctx context.Context, data []byte) error {
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-p.done:
		return ErrChannelClosed
	case <-p.peerDone:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case p.send <- msg:
		return nil
	}
}

func (p *pipeChannel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.done:
		return nil, ErrChannelClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-p.recv:
		if !ok {
			return nil, ErrChannelClosed
		}
		return msg, nil
	case <-p.peerDone:
		// Drain anything already buffered before reporting closure.
		select {
		case msg := <-p.recv:
			return msg, nil
		default:
			return nil, ErrChannelClosed
		}
	}
}

func (p *pipeChannel) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}
