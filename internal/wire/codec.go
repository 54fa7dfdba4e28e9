package wire

import (
	"encoding/json"
	"fmt"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
)

// Encode serializes a wire message, stamping its type discriminator.
func Encode(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *Handshake:
		m.Type = MsgHandshake
	case *HandshakeResponse:
		m.Type = MsgHandshakeResponse
	case *GetManifest:
		m.Type = MsgGetManifest
	case *ManifestResponse:
		m.Type = MsgManifestResponse
	case *GetDelta:
		m.Type = MsgGetDelta
	case *DeltaResponse:
		m.Type = MsgDeltaResponse
	case *PushDelta:
		m.Type = MsgPushDelta
	case *PushAck:
		m.Type = MsgPushAck
	case *Error:
		m.Type = MsgError
	case *Bye:
		m.Type = MsgBye
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", common.ErrProtocolViolation, msg)
	}
	return json.Marshal(msg)
}

// Decode parses a wire message by its type discriminator. Unknown types and
// malformed JSON are protocol violations.
func Decode(data []byte) (any, error) {
	var head struct {
		Type MsgType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocolViolation, err)
	}

	var msg any
	switch head.Type {
	case MsgHandshake:
		msg = &Handshake{}
	case MsgHandshakeResponse:
		msg = &HandshakeResponse{}
	case MsgGetManifest:
		msg = &GetManifest{}
	case MsgManifestResponse:
		msg = &ManifestResponse{}
	case MsgGetDelta:
		msg = &GetDelta{}
	case MsgDeltaResponse:
		msg = &DeltaResponse{}
	case MsgPushDelta:
		msg = &PushDelta{}
	case MsgPushAck:
		msg = &PushAck{}
	case MsgError:
		msg = &Error{}
	case MsgBye:
		msg = &Bye{}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", common.ErrProtocolViolation, string(head.Type))
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrProtocolViolation, err)
	}
	return msg, nil
}

// RequestID extracts the request id from request/response messages, with
// ok=false for messages outside a request exchange.
func RequestID(msg any) (string, bool) {
	switch m := msg.(type) {
	case *GetManifest:
		return m.RequestID, true
	case *ManifestResponse:
		return m.RequestID, true
	case *GetDelta:
		return m.RequestID, true
	case *DeltaResponse:
		return m.RequestID, true
	case *PushDelta:
		return m.RequestID, true
	case *PushAck:
		return m.RequestID, true
	case *Error:
		return m.RequestID, m.RequestID != ""
	default:
		return "", false
	}
}
