package manifest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/transport"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/wire"
)

// DefaultTimeout bounds one manifest round trip.
const DefaultTimeout = 10 * time.Second

// Fetch asks the peer for its manifest of changes after the checkpoint.
// Timeouts are attributed to the manifest step.
func Fetch(ctx context.Context, d *transport.Dispatcher, since time.Time, timeout time.Duration) (*wire.Manifest, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	requestID := uuid.NewString()
	resp, err := d.RoundTrip(ctx, requestID, &wire.GetManifest{
		RequestID: requestID,
		Since:     since.UnixMilli(),
	}, timeout)
	if err != nil {
		if errors.Is(err, common.ErrTimeout) {
			return nil, common.NewStepTimeout(common.StepManifest)
		}
		return nil, err
	}

	m, ok := resp.(*wire.ManifestResponse)
	if !ok {
		return nil, fmt.Errorf("%w: expected manifest response, got %T", common.ErrProtocolViolation, resp)
	}
	return &m.Manifest, nil
}
