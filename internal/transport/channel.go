// Package transport carries discrete wire messages between peers. The sync
// protocol only requires ordered, reliable delivery of whole messages; the
// default implementation rides on a WebSocket connection, and tests use an
// in-memory pipe.
package transport

import "context"

// MessageChannel is a duplex channel of discrete messages. Send and Receive
// honor context cancellation and deadlines. Implementations must preserve
// message boundaries and ordering.
type MessageChannel interface {
	// Send transmits one encoded message.
	Send(ctx context.Context, data []byte) error
	// Receive blocks for the next message.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears the channel down; blocked calls return errors.
	Close() error
}

// ChannelFactory opens a channel to a discovered peer address. Discovery
// itself (mDNS etc.) is out of scope; callers supply the address and port.
type ChannelFactory func(ctx context.Context, address string, port int) (MessageChannel, error)
