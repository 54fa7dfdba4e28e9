// Package common defines shared constants and sentinel errors used across
// the sync engine. Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")

	// Handshake and session errors. Handshake failures are fatal to the
	// whole session; nothing past the handshake runs without an
	// authenticated peer.
	ErrHandshakeTimeout       = errors.New("handshake timeout")
	ErrProtocolViolation      = errors.New("protocol violation")
	ErrUnauthenticatedSession = errors.New("unauthenticated session")
	ErrSessionAlreadyActive   = errors.New("session already active")
	ErrPeerNotTrusted         = errors.New("peer not trusted")
	ErrPeerKeyChanged         = errors.New("peer identity key changed")

	// Crypto errors. Never retried automatically; surfaced as security
	// events.
	ErrDecryptFailed  = errors.New("decrypt failed")
	ErrTamperDetected = errors.New("tamper detected")

	// Per-delta validation errors. The offending delta is rejected and the
	// session continues with other deltas.
	ErrInvalidOperation  = errors.New("invalid operation")
	ErrUnknownEntityType = errors.New("unknown entity type")
	ErrInvalidEntityID   = errors.New("invalid entity id")
	ErrSchemaViolation   = errors.New("schema violation")

	// ErrTimeout is the base error every per-step timeout wraps.
	ErrTimeout = errors.New("timeout")
)

// Sync protocol steps, used to attribute timeouts.
const (
	StepHandshake = "handshake"
	StepManifest  = "manifest"
	StepPull      = "pull"
	StepPush      = "push"
)

// StepTimeoutError reports which protocol step timed out. It matches
// ErrTimeout under errors.Is.
type StepTimeoutError struct {
	Step string
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("timeout during %s", e.Step)
}

func (e *StepTimeoutError) Unwrap() error {
	return ErrTimeout
}

// NewStepTimeout returns a timeout error attributed to the given step.
func NewStepTimeout(step string) error {
	return &StepTimeoutError{Step: step}
}
