// internal/history/history_test.go
package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/register"
)

func openTemp(t *testing.T, queue int) *Recorder {
	t.Helper()
	r, err := Open(filepath.Join(t.TempDir(), "history.db"), queue)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func runUntilDrained(t *testing.T, r *Recorder) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("recorder did not stop")
	}
}

func TestRecorder_ChangedValuesAndErrors(t *testing.T) {
	rec := openTemp(t, 16)

	tab := register.NewTable(nil)
	reg, err := tab.Add(0, "m1", register.Config{
		Name:  "u1",
		Space: memory.Space{Name: "holding", Width: 2},
	}, memory.NewInterner())
	if err != nil {
		t.Fatal(err)
	}

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	rec.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	reg.Handler.AcceptDeviceValue(229, true)
	rec.OnRead("rs485", reg, true)
	rec.OnRead("rs485", reg, false) // unchanged: not recorded
	reg.Handler.AcceptDeviceValue(231, true)
	rec.OnRead("rs485", reg, true)
	rec.OnError("rs485", reg, register.ReadError)

	runUntilDrained(t, rec)

	all, err := rec.Since(context.Background(), "m1", base)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(all))
	}
	if all[0].Value != "229" || all[1].Value != "231" || all[2].Error != "r" {
		t.Fatalf("samples: %+v", all)
	}

	last, err := rec.Latest(context.Background(), "m1", "u1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if last.Error != "r" || last.Port != "rs485" {
		t.Fatalf("latest: %+v", last)
	}
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	rec := openTemp(t, 1)

	rec.Record(Sample{Device: "m1", Register: "a", Value: "1"})
	rec.Record(Sample{Device: "m1", Register: "a", Value: "2"})

	if rec.Dropped() != 1 {
		t.Fatalf("dropped: got %d", rec.Dropped())
	}

	runUntilDrained(t, rec)

	last, err := rec.Latest(context.Background(), "m1", "a")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if last.Value != "1" {
		t.Fatalf("kept sample: %+v", last)
	}
}

func TestRecorder_LatestMissing(t *testing.T) {
	rec := openTemp(t, 1)
	if _, err := rec.Latest(context.Background(), "nope", "x"); err == nil {
		t.Fatalf("expected not found error")
	}
}
