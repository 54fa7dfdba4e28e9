// Package handshake establishes an authenticated, encrypted session between
// two devices. Each side proves control of its long-lived identity key by
// signing its ephemeral key exchange key; the identity key itself is pinned
// by the trust store. There is no unauthenticated mode.
package handshake

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// identityContext namespaces the identity key derivation from the vault key.
const identityContext = "noteece/sync v1 identity key"

// Identity is a device's long-lived signing identity. The private key is
// derived deterministically from the vault key, so it never needs separate
// storage and is recoverable from the vault passphrase alone.
type Identity struct {
	DeviceID   string
	DeviceName string
	priv       ed25519.PrivateKey
}

// NewIdentity wraps an existing Ed25519 private key.
func NewIdentity(deviceID, deviceName string, priv ed25519.PrivateKey) (*Identity, error) {
	if deviceID == "" {
		return nil, fmt.Errorf("device id required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity key must be %d bytes, got %d", ed25519.PrivateKeySize, len(priv))
	}
	return &Identity{DeviceID: deviceID, DeviceName: deviceName, priv: priv}, nil
}

// IdentityFromVaultKey derives the device identity from the unlocked vault
// key with HKDF-SHA256. The device id is part of the derivation so two
// devices sharing a vault still have distinct identities.
func IdentityFromVaultKey(vaultKey []byte, deviceID, deviceName string) (*Identity, error) {
	if len(vaultKey) == 0 {
		return nil, fmt.Errorf("empty vault key")
	}
	info := []byte(identityContext + "|" + deviceID)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, vaultKey, nil, info), seed); err != nil {
		return nil, fmt.Errorf("deriving identity seed: %w", err)
	}
	return NewIdentity(deviceID, deviceName, ed25519.NewKeyFromSeed(seed))
}

// PublicKey returns the identity public key shared during handshakes.
func (id *Identity) PublicKey() ed25519.PublicKey {
	return id.priv.Public().(ed25519.PublicKey)
}

// Prove signs an ephemeral key exchange key, binding it to this identity.
func (id *Identity) Prove(ephemeralPub []byte) []byte {
	return ed25519.Sign(id.priv, proofMessage(id.DeviceID, ephemeralPub))
}

// VerifyProof checks that proof binds ephemeralPub to the identity key of
// the named device.
func VerifyProof(identityKey ed25519.PublicKey, deviceID string, ephemeralPub, proof []byte) bool {
	if len(identityKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(identityKey, proofMessage(deviceID, ephemeralPub), proof)
}

func proofMessage(deviceID string, ephemeralPub []byte) []byte {
	msg := []byte("noteece/sync v1 handshake proof|" + deviceID + "|")
	return append(msg, ephemeralPub...)
}
