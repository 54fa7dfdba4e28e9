package handshake

import (
	"context"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/logging"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/shared"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/trust"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// DefaultTimeout bounds the whole handshake on either side.
const DefaultTimeout = 10 * time.Second

// Peer describes the device on the other end of an established session.
type Peer struct {
	DeviceID    string
	DeviceName  string
	Fingerprint string
}

// Manager runs the handshake protocol for a local identity.
type Manager struct {
	identity *Identity
	trust    trust.Repository
	logger   logging.Logger
	timeout  time.Duration
}

// NewManager returns a Manager using DefaultTimeout.
func NewManager(identity *Identity, tr trust.Repository, logger logging.Logger) *Manager {
	return &Manager{identity: identity, trust: tr, logger: logger, timeout: DefaultTimeout}
}

// WithTimeout overrides the handshake timeout, mainly for tests.
func (m *Manager) WithTimeout(d time.Duration) *Manager {
	m.timeout = d
	return m
}

// Establish runs the initiator side over ch. On success the returned session
// is authenticated and bound to the peer; on any failure no session exists.
func (m *Manager) Establish(ctx context.Context, ch transport.MessageChannel) (*cipher.Session, *Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephPub := eph.PublicKey().Bytes()

	req := &wire.Handshake{
		DeviceID:    m.identity.DeviceID,
		DeviceName:  m.identity.DeviceName,
		Version:     wire.Version,
		PublicKey:   ephPub,
		IdentityKey: m.identity.PublicKey(),
		Proof:       m.identity.Prove(ephPub),
	}
	if err := m.send(ctx, ch, req); err != nil {
		return nil, nil, err
	}

	msg, err := m.receive(ctx, ch)
	if err != nil {
		return nil, nil, err
	}
	switch resp := msg.(type) {
	case *wire.Error:
		return nil, nil, fmt.Errorf("peer rejected handshake: %s: %w", resp.Message, common.ErrPeerNotTrusted)
	case *wire.HandshakeResponse:
		peer, err := m.authenticate(ctx, resp.DeviceID, resp.DeviceName, resp.IdentityKey, resp.PublicKey, resp.Proof)
		if err != nil {
			return nil, nil, err
		}
		session, err := m.deriveSession(eph, resp.PublicKey, peer.DeviceID)
		if err != nil {
			return nil, nil, err
		}
		m.logger.Info(ctx, "session established",
			"peer_device_id", peer.DeviceID, "peer_device_name", peer.DeviceName)
		return session, peer, nil
	default:
		return nil, nil, fmt.Errorf("%w: unexpected handshake reply %T", common.ErrProtocolViolation, msg)
	}
}

// Accept runs the responder side over ch. Rejections are reported to the
// peer with a wire error before returning.
func (m *Manager) Accept(ctx context.Context, ch transport.MessageChannel) (*cipher.Session, *Peer, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	msg, err := m.receive(ctx, ch)
	if err != nil {
		return nil, nil, err
	}
	req, ok := msg.(*wire.Handshake)
	if !ok {
		return nil, nil, m.reject(ctx, ch, fmt.Errorf("%w: expected handshake, got %T", common.ErrProtocolViolation, msg))
	}
	if req.Version != wire.Version {
		return nil, nil, m.reject(ctx, ch,
			fmt.Errorf("%w: protocol version %q, want %q", common.ErrProtocolViolation, req.Version, wire.Version))
	}

	peer, err := m.authenticate(ctx, req.DeviceID, req.DeviceName, req.IdentityKey, req.PublicKey, req.Proof)
	if err != nil {
		return nil, nil, m.reject(ctx, ch, err)
	}

	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating ephemeral key: %w", err)
	}
	ephPub := eph.PublicKey().Bytes()

	session, err := m.deriveSession(eph, req.PublicKey, peer.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	resp := &wire.HandshakeResponse{
		DeviceID:    m.identity.DeviceID,
		DeviceName:  m.identity.DeviceName,
		PublicKey:   ephPub,
		IdentityKey: m.identity.PublicKey(),
		Proof:       m.identity.Prove(ephPub),
	}
	if err := m.send(ctx, ch, resp); err != nil {
		session.Close()
		return nil, nil, err
	}

	m.logger.Info(ctx, "session accepted",
		"peer_device_id", peer.DeviceID, "peer_device_name", peer.DeviceName)
	return session, peer, nil
}

// authenticate verifies the identity proof and consults the trust store. A
// changed key is a security event: it is logged and the handshake fails.
func (m *Manager) authenticate(ctx context.Context, deviceID, deviceName string, identityKey, ephemeralPub, proof []byte) (*Peer, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("%w: missing peer device id", common.ErrProtocolViolation)
	}
	if !VerifyProof(ed25519.PublicKey(identityKey), deviceID, ephemeralPub, proof) {
		m.logger.Error(ctx, "handshake proof verification failed", "peer_device_id", deviceID)
		return nil, fmt.Errorf("identity proof invalid: %w", common.ErrTamperDetected)
	}

	level, err := m.trust.Verify(ctx, deviceID, deviceName, identityKey)
	if err != nil {
		return nil, fmt.Errorf("trust lookup: %w", err)
	}
	switch {
	case level == trust.LevelKeyChanged:
		m.logger.Error(ctx, "peer identity key changed, sync blocked",
			"peer_device_id", deviceID, "fingerprint", trust.Fingerprint(identityKey))
		return nil, common.ErrPeerKeyChanged
	case !level.AllowsSync():
		return nil, fmt.Errorf("trust level %q: %w", level, common.ErrPeerNotTrusted)
	}

	return &Peer{
		DeviceID:    deviceID,
		DeviceName:  deviceName,
		Fingerprint: trust.Fingerprint(identityKey),
	}, nil
}

// deriveSession computes the ECDH shared secret and derives the session key.
// Both intermediates are wiped before returning.
func (m *Manager) deriveSession(eph *ecdh.PrivateKey, peerPub []byte, peerDeviceID string) (*cipher.Session, error) {
	remote, err := ecdh.X25519().NewPublicKey(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ephemeral key: %v", common.ErrProtocolViolation, err)
	}
	secret, err := eph.ECDH(remote)
	if err != nil {
		return nil, fmt.Errorf("key exchange: %w", err)
	}
	defer shared.WipeByteArray(secret)

	key, err := cipher.DeriveSessionKey(secret, m.identity.DeviceID, peerDeviceID)
	if err != nil {
		return nil, err
	}
	defer shared.WipeByteArray(key)

	return cipher.NewSession(key, peerDeviceID, true)
}

// reject reports the failure to the peer before surfacing it locally. The
// send is best effort; the handshake error wins.
func (m *Manager) reject(ctx context.Context, ch transport.MessageChannel, cause error) error {
	data, err := wire.Encode(&wire.Error{Message: cause.Error()})
	if err == nil {
		if err := ch.Send(ctx, data); err != nil {
			m.logger.Debug(ctx, "handshake rejection not delivered", "error", err)
		}
	}
	return cause
}

func (m *Manager) send(ctx context.Context, ch transport.MessageChannel, msg any) error {
	data, err := wire.Encode(msg)
	if err != nil {
		return err
	}
	if err := ch.Send(ctx, data); err != nil {
		return m.timeoutOr(ctx, fmt.Errorf("sending handshake: %w", err))
	}
	return nil
}

func (m *Manager) receive(ctx context.Context, ch transport.MessageChannel) (any, error) {
	data, err := ch.Receive(ctx)
	if err != nil {
		return nil, m.timeoutOr(ctx, fmt.Errorf("awaiting handshake: %w", err))
	}
	return wire.Decode(data)
}

func (m *Manager) timeoutOr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return common.ErrHandshakeTimeout
	}
	return err
}
