// internal/status/tracker_test.go
package status

import (
	"errors"
	"fmt"
	"testing"

	"github.com/tamzrod/meter-poller/internal/device"
)

type sink struct {
	got []Snapshot
}

func (s *sink) push(snap Snapshot) { s.got = append(s.got, snap) }

func (s *sink) last(t *testing.T) Snapshot {
	t.Helper()
	if len(s.got) == 0 {
		t.Fatalf("no snapshot delivered")
	}
	return s.got[len(s.got)-1]
}

func TestTracker_StartsUnknown(t *testing.T) {
	var s sink
	tr := NewTracker(s.push)
	tr.Add("m1")
	tr.Add("m1")

	if len(s.got) != 1 {
		t.Fatalf("expected one initial snapshot, got %d", len(s.got))
	}
	if got := s.last(t); got.Health != HealthUnknown || got.DeviceName != "m1" {
		t.Fatalf("initial snapshot: %+v", got)
	}
}

func TestTracker_ErrorThenRecovery(t *testing.T) {
	var s sink
	tr := NewTracker(s.push)
	tr.Add("m1")

	tr.Update("m1", device.Transientf("invalid crc"), false)
	got := s.last(t)
	if got.Health != HealthError || got.LastErrorCode != 0x100+uint16(device.Transient) {
		t.Fatalf("after error: %+v", got)
	}

	// same error again: nothing new to deliver
	n := len(s.got)
	tr.Update("m1", device.Transientf("invalid crc"), false)
	if len(s.got) != n {
		t.Fatalf("unchanged snapshot delivered")
	}

	tr.Tick()
	tr.Tick()
	if got := s.last(t); got.SecondsInError != 2 {
		t.Fatalf("seconds in error: %+v", got)
	}

	tr.Update("m1", nil, false)
	got = s.last(t)
	if got.Health != HealthOK || got.LastErrorCode != 0 || got.SecondsInError != 0 {
		t.Fatalf("after recovery: %+v", got)
	}

	n = len(s.got)
	tr.Tick()
	if len(s.got) != n {
		t.Fatalf("healthy device must not tick")
	}
}

func TestTracker_Stale(t *testing.T) {
	var s sink
	tr := NewTracker(s.push)
	tr.Update("m1", errors.New("i/o timeout"), true)

	got := s.last(t)
	if got.Health != HealthStale || got.LastErrorCode != 1 {
		t.Fatalf("stale snapshot: %+v", got)
	}
	if snap, ok := tr.Snapshot("m1"); !ok || snap != got {
		t.Fatalf("Snapshot: %+v %v", snap, ok)
	}
}

func TestErrorCode(t *testing.T) {
	if ErrorCode(nil) != 0 {
		t.Fatalf("nil error must map to 0")
	}
	if ErrorCode(errors.New("x")) != 1 {
		t.Fatalf("plain error must map to 1")
	}
	wrapped := fmt.Errorf("poll: %w", device.Unsupportedf("illegal address"))
	if got := ErrorCode(wrapped); got != 0x100+uint16(device.Unsupported) {
		t.Fatalf("wrapped device error: got %#x", got)
	}
}
