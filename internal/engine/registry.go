package engine

import (
	"sync"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/common"
)

// Registry enforces at most one live session per peer device. A second
// session with a peer that is already syncing is refused rather than queued;
// the peer retries on its own schedule.
type Registry struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]struct{})}
}

// Acquire claims the slot for a peer. The returned release function must be
// called exactly once when the session ends, on every exit path.
func (r *Registry) Acquire(peerDeviceID string) (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[peerDeviceID]; ok {
		return nil, common.ErrSessionAlreadyActive
	}
	r.active[peerDeviceID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.active, peerDeviceID)
			r.mu.Unlock()
		})
	}, nil
}

// Active returns the number of live sessions.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
