// Package cipher wraps the AEAD and MAC primitives behind a session-scoped
// API. It owns the ciphertext framing (nonce‖ciphertext‖tag), the minimum
// length checks, and the policy that no cryptographic operation proceeds on
// a session whose peer was not authenticated during the handshake.
package cipher

import (
	"crypto/aes"
	aeadcipher "crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/shared"
)

const (
	// KeySize is the session key length (AES-256).
	KeySize = 32
	// NonceSize is the AES-GCM nonce length prefixed to every ciphertext.
	NonceSize = 12
	// TagSize is the GCM authentication tag length appended by Seal.
	TagSize = 16
	// SignatureSize is the HMAC-SHA256 signature length.
	SignatureSize = sha256.Size
)

// Session holds a derived session key and the peer-authentication verdict
// from the handshake. The key is never persisted; Close wipes it.
type Session struct {
	key           []byte
	peerDeviceID  string
	authenticated bool
	closed        bool
}

// NewSession wraps a derived session key. Sessions constructed with
// authenticated=false refuse every operation; there is no bypass.
func NewSession(key []byte, peerDeviceID string, authenticated bool) (*Session, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("session key must be %d bytes, got %d", KeySize, len(key))
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &Session{key: k, peerDeviceID: peerDeviceID, authenticated: authenticated}, nil
}

// PeerDeviceID returns the authenticated peer's device id.
func (s *Session) PeerDeviceID() string {
	return s.peerDeviceID
}

// Authenticated reports whether the peer identity was verified during the
// handshake.
func (s *Session) Authenticated() bool {
	return s.authenticated
}

// Close wipes the session key. Any operation after Close fails. Close is
// called on every session exit path: success, failure, and cancellation.
func (s *Session) Close() {
	shared.WipeByteArray(s.key)
	s.closed = true
}

func (s *Session) usable() error {
	if s.closed {
		return fmt.Errorf("%w: session closed", common.ErrUnauthenticatedSession)
	}
	if !s.authenticated {
		return common.ErrUnauthenticatedSession
	}
	return nil
}

// Encrypt seals plaintext under the session key and returns
// nonce‖ciphertext‖tag. A fresh random nonce is drawn from the system CSPRNG
// on every call; nonce reuse under one key breaks GCM entirely.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	// Seal appends ciphertext+tag after the nonce prefix.
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt authenticates and opens a blob produced by Encrypt. Any failure,
// short blob or tag mismatch alike, is reported as the single
// common.ErrDecryptFailed so the error does not leak where verification
// failed.
func (s *Session) Decrypt(blob []byte) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	if len(blob) < NonceSize+TagSize {
		return nil, common.ErrDecryptFailed
	}

	aead, err := s.aead()
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, blob[:NonceSize], blob[NonceSize:], nil)
	if err != nil {
		return nil, common.ErrDecryptFailed
	}
	return plaintext, nil
}

// Sign computes a detached HMAC-SHA256 signature over blob.
func (s *Session) Sign(blob []byte) ([]byte, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(blob)
	return mac.Sum(nil), nil
}

// Verify checks a detached signature in constant time.
func (s *Session) Verify(blob, signature []byte) (bool, error) {
	if err := s.usable(); err != nil {
		return false, err
	}
	expected, err := s.Sign(blob)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, signature), nil
}

func (s *Session) aead() (aeadcipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, err
	}
	return aeadcipher.NewGCM(block)
}
