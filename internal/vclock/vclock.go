// Package vclock implements the per-device vector clock used to order
// concurrent edits without a global clock. Each entity carries a clock
// mapping device id to a monotonically increasing counter; the local
// counter is incremented on every local mutation and clocks are merged by
// element-wise maximum when a remote state is accepted.
package vclock

import "encoding/json"

// Clock maps device id to that device's logical counter. The zero value
// (nil map) behaves as an empty clock for reads; use New or Tick to obtain
// a writable clock.
type Clock map[string]uint64

// Ordering is the result of comparing two clocks.
type Ordering int

const (
	// Equal means every counter matches.
	Equal Ordering = iota
	// DominatesLocal means the first clock dominates the second.
	DominatesLocal
	// DominatesRemote means the second clock dominates the first.
	DominatesRemote
	// Concurrent means neither clock dominates: the states were produced
	// without knowledge of each other and conflict.
	Concurrent
)

// New returns an empty clock.
func New() Clock {
	return Clock{}
}

// Tick returns a copy of c with deviceID's counter incremented. The
// receiver is not modified.
func (c Clock) Tick(deviceID string) Clock {
	out := c.clone()
	out[deviceID]++
	return out
}

// Merge returns the element-wise maximum of c and other. Neither input is
// modified. The merged clock of a resolved conflict is always this maximum,
// regardless of which side's payload won.
func (c Clock) Merge(other Clock) Clock {
	out := c.clone()
	for device, counter := range other {
		if counter > out[device] {
			out[device] = counter
		}
	}
	return out
}

// Get returns deviceID's counter, zero when absent.
func (c Clock) Get(deviceID string) uint64 {
	return c[deviceID]
}

// Compare orders local against remote. Absent devices count as zero, so
// {A:1} and {A:1,B:0} are Equal while {A:1} and {B:1} are Concurrent.
func Compare(local, remote Clock) Ordering {
	localAhead := false
	remoteAhead := false

	for device, lv := range local {
		rv := remote[device]
		if lv > rv {
			localAhead = true
		} else if lv < rv {
			remoteAhead = true
		}
	}
	for device, rv := range remote {
		if _, seen := local[device]; seen {
			continue
		}
		if rv > 0 {
			remoteAhead = true
		}
	}

	switch {
	case localAhead && remoteAhead:
		return Concurrent
	case localAhead:
		return DominatesLocal
	case remoteAhead:
		return DominatesRemote
	default:
		return Equal
	}
}

func (c Clock) clone() Clock {
	out := make(Clock, len(c)+1)
	for device, counter := range c {
		out[device] = counter
	}
	return out
}

// MarshalText encodes the clock as JSON for storage in a TEXT column.
func (c Clock) MarshalText() ([]byte, error) {
	if c == nil {
		c = Clock{}
	}
	return json.Marshal(map[string]uint64(c))
}

// UnmarshalText decodes a clock stored by MarshalText.
func (c *Clock) UnmarshalText(data []byte) error {
	if len(data) == 0 {
		*c = Clock{}
		return nil
	}
	var m map[string]uint64
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if m == nil {
		m = map[string]uint64{}
	}
	*c = Clock(m)
	return nil
}
