// Package wire defines the JSON messages exchanged between peers over a
// MessageChannel. Byte fields ([]byte) are carried as standard base64
// strings by encoding/json, so ciphertext stays binary-safe end-to-end.
package wire

import "github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/vclock"

// Version is the sync protocol version carried in the handshake.
const Version = "1.0.0"

// MsgType discriminates wire messages.
type MsgType string

const (
	MsgHandshake         MsgType = "handshake"
	MsgHandshakeResponse MsgType = "handshake_response"
	MsgGetManifest       MsgType = "get_manifest"
	MsgManifestResponse  MsgType = "manifest_response"
	MsgGetDelta          MsgType = "get_delta"
	MsgDeltaResponse     MsgType = "delta_response"
	MsgPushDelta         MsgType = "push_delta"
	MsgPushAck           MsgType = "push_ack"
	MsgError             MsgType = "error"
	MsgBye               MsgType = "bye"
)

// Handshake opens a session: the initiator's identity, an ephemeral X25519
// public key, and an Ed25519 proof binding the ephemeral key to the pinned
// identity key.
type Handshake struct {
	Type        MsgType `json:"type"`
	DeviceID    string  `json:"device_id"`
	DeviceName  string  `json:"device_name"`
	Version     string  `json:"version"`
	PublicKey   []byte  `json:"public_key"`
	IdentityKey []byte  `json:"identity_key"`
	Proof       []byte  `json:"proof"`
}

// HandshakeResponse mirrors Handshake for the responder side.
type HandshakeResponse struct {
	Type        MsgType `json:"type"`
	DeviceID    string  `json:"device_id"`
	DeviceName  string  `json:"device_name"`
	PublicKey   []byte  `json:"public_key"`
	IdentityKey []byte  `json:"identity_key"`
	Proof       []byte  `json:"proof"`
}

// GetManifest asks the peer for changes it has seen after the checkpoint.
type GetManifest struct {
	Type      MsgType `json:"type"`
	RequestID string  `json:"request_id"`
	Since     int64   `json:"since"`
}

// ManifestResponse answers GetManifest.
type ManifestResponse struct {
	Type      MsgType  `json:"type"`
	RequestID string   `json:"request_id"`
	Manifest  Manifest `json:"manifest"`
}

// GetDelta asks for the signed, encrypted delta of one entity.
type GetDelta struct {
	Type       MsgType `json:"type"`
	RequestID  string  `json:"request_id"`
	EntityType string  `json:"entity_type"`
	EntityID   string  `json:"entity_id"`
}

// DeltaResponse answers GetDelta.
type DeltaResponse struct {
	Type      MsgType `json:"type"`
	RequestID string  `json:"request_id"`
	Delta     Delta   `json:"delta"`
}

// PushDelta offers one local change to the peer.
type PushDelta struct {
	Type      MsgType `json:"type"`
	RequestID string  `json:"request_id"`
	Delta     Delta   `json:"delta"`
}

// PushAck confirms the peer accepted and committed a pushed delta. The
// sender marks the change synced only after receiving this.
type PushAck struct {
	Type      MsgType `json:"type"`
	RequestID string  `json:"request_id"`
	ChangeID  string  `json:"change_id"`
}

// Error reports a failure to the peer. RequestID is empty for failures
// outside a request/response exchange (e.g. handshake rejection).
type Error struct {
	Type      MsgType `json:"type"`
	RequestID string  `json:"request_id,omitempty"`
	Message   string  `json:"message"`
}

// Bye signals the initiator is done with the session.
type Bye struct {
	Type MsgType `json:"type"`
}

// Delta is one encrypted, signed unit of change for a single entity. The
// payload is ciphertext produced by the session cipher; the signature is a
// detached MAC over that ciphertext and must be verified before decrypting.
type Delta struct {
	ChangeID         string       `json:"change_id"`
	EntityType       string       `json:"entity_type"`
	EntityID         string       `json:"entity_id"`
	Operation        string       `json:"operation"`
	EncryptedPayload []byte       `json:"encrypted_payload"`
	Clock            vclock.Clock `json:"clock"`
	Timestamp        int64        `json:"timestamp"`
	Signature        []byte       `json:"signature"`
}

// EntityRef identifies one entity inside manifests and failure reports.
type EntityRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
}

// ChangeEntry is one manifest line: an entity the responder believes the
// requester is missing, plus the entities that must land before it.
type ChangeEntry struct {
	EntityType      string      `json:"entity_type"`
	EntityID        string      `json:"entity_id"`
	Operation       string      `json:"operation"`
	Timestamp       int64       `json:"timestamp"`
	DependencyChain []EntityRef `json:"dependency_chain,omitempty"`
}

// Manifest is the list of changes a peer believes the other side needs.
type Manifest struct {
	Changes []ChangeEntry `json:"changes"`
}
