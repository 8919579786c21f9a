// internal/status/tracker.go
package status

import (
	"context"
	"sync"
	"time"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/query"
)

// Tracker owns the status snapshot of every device. Poll outcomes arrive
// from scheduler goroutines; seconds in error advance on a 1Hz tick.
// onChange receives every snapshot that differs from the last one, outside
// the lock.
type Tracker struct {
	mu    sync.Mutex
	snaps map[string]*Snapshot
	order []string

	onChange func(Snapshot)
}

func NewTracker(onChange func(Snapshot)) *Tracker {
	if onChange == nil {
		onChange = func(Snapshot) {}
	}
	return &Tracker{
		snaps:    make(map[string]*Snapshot),
		onChange: onChange,
	}
}

// Add registers a device in the unknown state and reports it.
func (t *Tracker) Add(name string) {
	t.mu.Lock()
	if _, ok := t.snaps[name]; ok {
		t.mu.Unlock()
		return
	}
	s := &Snapshot{DeviceName: name, Health: HealthUnknown}
	t.snaps[name] = s
	t.order = append(t.order, name)
	snap := *s
	t.mu.Unlock()

	t.onChange(snap)
}

// Update applies one poll cycle outcome.
func (t *Tracker) Update(name string, err error, disconnected bool) {
	t.mu.Lock()
	s, ok := t.snaps[name]
	if !ok {
		s = &Snapshot{DeviceName: name}
		t.snaps[name] = s
		t.order = append(t.order, name)
	}

	changed := false
	if err == nil {
		// Recovery / OK
		if s.Health != HealthOK {
			s.Health = HealthOK
			changed = true
		}
		if s.LastErrorCode != 0 {
			s.LastErrorCode = 0
			changed = true
		}
		if s.SecondsInError != 0 {
			s.SecondsInError = 0
			changed = true
		}
	} else {
		health := HealthError
		if disconnected {
			health = HealthStale
		}
		if s.Health != health {
			s.Health = health
			changed = true
		}
		if code := ErrorCode(err); s.LastErrorCode != code {
			s.LastErrorCode = code
			changed = true
		}
		// NOTE: seconds_in_error increments on the 1Hz ticker only.
	}
	snap := *s
	t.mu.Unlock()

	if changed {
		t.onChange(snap)
	}
}

// Tick advances seconds in error of every device that is not OK.
func (t *Tracker) Tick() {
	var out []Snapshot

	t.mu.Lock()
	for _, name := range t.order {
		s := t.snaps[name]
		if s.Health == HealthOK {
			continue
		}
		if s.SecondsInError < 65535 {
			s.SecondsInError++
			out = append(out, *s)
		}
	}
	t.mu.Unlock()

	for _, s := range out {
		t.onChange(s)
	}
}

// Snapshot returns the current state of one device.
func (t *Tracker) Snapshot(name string) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.snaps[name]
	if !ok {
		return Snapshot{}, false
	}
	return *s, true
}

// All returns every snapshot in registration order.
func (t *Tracker) All() []Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Snapshot, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, *t.snaps[name])
	}
	return out
}

// Run ticks once per second until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	secTicker := time.NewTicker(time.Second)
	defer secTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-secTicker.C:
			t.Tick()
		}
	}
}

// ------------------------------------------------------------
// scheduler.Observer
// ------------------------------------------------------------

func (t *Tracker) DeviceDone(dev *device.Device, err error) {
	t.Update(dev.Name(), err, dev.IsDisconnected())
}

func (t *Tracker) QueryDone(*device.Device, *query.Query, time.Duration) {}

func (t *Tracker) Reconnected(*device.Device) {}
