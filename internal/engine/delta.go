package engine

import (
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/cipher"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/outbox"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// tombstonePayload ships with deletes so every delta carries a ciphertext
// and a signature, whatever the operation.
var tombstonePayload = []byte("{}")

// buildDelta turns a queued change into a wire delta for one session: the
// payload is encrypted under the session key and the ciphertext signed. The
// clock is the change's enqueue-time snapshot; both sides of a concurrent
// edit must compare the same clock pair to converge on the same winner.
func buildDelta(sess *cipher.Session, c *outbox.Change) (*wire.Delta, error) {
	payload := c.Payload
	if len(payload) == 0 {
		payload = tombstonePayload
	}
	blob, err := sess.Encrypt(payload)
	if err != nil {
		return nil, err
	}
	sig, err := sess.Sign(blob)
	if err != nil {
		return nil, err
	}

	return &wire.Delta{
		ChangeID:         c.ID,
		EntityType:       string(c.EntityType),
		EntityID:         c.EntityID,
		Operation:        string(c.Operation),
		EncryptedPayload: blob,
		Clock:            c.Clock,
		Timestamp:        c.CreatedAt.UnixMilli(),
		Signature:        sig,
	}, nil
}
