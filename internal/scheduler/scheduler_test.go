// internal/scheduler/scheduler_test.go
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/query"
	"github.com/tamzrod/meter-poller/internal/register"
)

var holding = memory.Space{Name: "holding", Width: 2}

// fakeProto is a register file with optional failures.
type fakeProto struct {
	mu          sync.Mutex
	mem         map[uint32]uint64
	unsupported map[uint32]bool
	err         error
	reads       int
	writes      []uint32
	wrote       chan struct{}

	// onWrite runs after every successful write, outside the lock.
	onWrite func(start uint32)
}

func newFakeProto() *fakeProto {
	return &fakeProto{
		mem:         make(map[uint32]uint64),
		unsupported: make(map[uint32]bool),
		wrote:       make(chan struct{}, 16),
	}
}

func (f *fakeProto) ReadBlocks(space memory.Space, start uint32, count int) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]uint64, count)
	for i := range out {
		a := start + uint32(i)
		if f.unsupported[a] {
			return nil, device.Unsupportedf("illegal data address")
		}
		out[i] = f.mem[a]
	}
	return out, nil
}

func (f *fakeProto) WriteBlocks(space memory.Space, start uint32, values []uint64) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	for i, v := range values {
		f.mem[start+uint32(i)] = v
	}
	f.writes = append(f.writes, start)
	hook := f.onWrite
	f.mu.Unlock()

	select {
	case f.wrote <- struct{}{}:
	default:
	}
	if hook != nil {
		hook(start)
	}
	return nil
}

func (f *fakeProto) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

type nopPort struct{}

func (nopPort) WriteBytes([]byte) error { return nil }
func (nopPort) ReadFrame([]byte, time.Duration, time.Duration, func([]byte) bool) (int, error) {
	return 0, nil
}
func (nopPort) SkipNoise() error { return nil }
func (nopPort) Sleep(time.Duration) {}
func (nopPort) Close() error { return nil }

type event struct {
	reg     string
	changed bool
	state   register.ErrorState
}

type recorder struct {
	reads  []event
	errors []event

	queries     int
	deviceErrs  []error
	reconnected int
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnRead: func(reg *register.Register, changed bool) {
			r.reads = append(r.reads, event{reg: reg.Config.Name, changed: changed})
		},
		OnError: func(reg *register.Register, state register.ErrorState) {
			r.errors = append(r.errors, event{reg: reg.Config.Name, state: state})
		},
	}
}

func (r *recorder) QueryDone(*device.Device, *query.Query, time.Duration) { r.queries++ }
func (r *recorder) DeviceDone(_ *device.Device, err error) { r.deviceErrs = append(r.deviceErrs, err) }
func (r *recorder) Reconnected(*device.Device) { r.reconnected++ }

type fixture struct {
	s     *Scheduler
	dev   *device.Device
	proto *fakeProto
	rec   *recorder
	clock time.Time
}

func newFixture(t *testing.T, dcfg device.Config) *fixture {
	t.Helper()
	f := &fixture{proto: newFakeProto(), rec: &recorder{}, clock: time.Unix(1000, 0)}
	f.s = New(Config{Name: "test"}, nopPort{})
	f.s.now = func() time.Time { return f.clock }
	f.s.SetCallbacks(f.rec.callbacks())
	f.s.SetObserver(f.rec)

	if dcfg.Name == "" {
		dcfg.Name = "meter"
	}
	if dcfg.DeviceTimeout == 0 {
		dcfg.DeviceTimeout = time.Hour
	}
	if dcfg.Limits.MaxBlocks == 0 {
		dcfg.Limits = query.Limits{MaxBlocks: 10, MaxHole: 10}
	}
	f.dev = device.New(0, dcfg, f.proto, nil)
	if err := f.s.AddDevice(f.dev); err != nil {
		t.Fatalf("AddDevice err=%v", err)
	}
	return f
}

func (f *fixture) reg(t *testing.T, name string, addr uint32) *register.Register {
	t.Helper()
	r, err := f.s.AddRegister(f.dev, register.Config{Name: name, Space: holding, Address: addr}, time.Hour)
	if err != nil {
		t.Fatalf("AddRegister err=%v", err)
	}
	return r
}

// cycle runs one cycle at a clock past every deadline.
func (f *fixture) cycle(t *testing.T) {
	t.Helper()
	f.clock = f.clock.Add(2 * time.Hour)
	if err := f.s.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle err=%v", err)
	}
}

func TestCycle_ReadsAndReportsChanges(t *testing.T) {
	f := newFixture(t, device.Config{})
	f.proto.mem[0] = 10
	f.proto.mem[1] = 20
	a := f.reg(t, "a", 0)
	f.reg(t, "b", 1)

	f.cycle(t)
	if len(f.rec.reads) != 2 || !f.rec.reads[0].changed || !f.rec.reads[1].changed {
		t.Fatalf("first cycle reads %+v", f.rec.reads)
	}
	if f.s.GetTextValue(a) != "10" || !f.s.DidRead(a) {
		t.Fatalf("a=%q", f.s.GetTextValue(a))
	}
	if f.proto.reads != 1 {
		t.Fatalf("expected one query, got %d", f.proto.reads)
	}

	f.rec.reads = nil
	f.proto.mem[1] = 21
	f.cycle(t)
	if f.rec.reads[0].changed || !f.rec.reads[1].changed {
		t.Fatalf("second cycle reads %+v", f.rec.reads)
	}
	if len(f.rec.deviceErrs) != 2 || f.rec.deviceErrs[1] != nil {
		t.Fatalf("device results %v", f.rec.deviceErrs)
	}
}

func TestCycle_WrittenValueIsFlushedAndReadBack(t *testing.T) {
	f := newFixture(t, device.Config{})
	f.proto.mem[0] = 100
	r := f.reg(t, "setpoint", 0)

	f.cycle(t)
	if err := f.s.SetTextValue(r, "3905"); err != nil {
		t.Fatalf("SetTextValue err=%v", err)
	}
	if !r.Handler.NeedToFlush() {
		t.Fatalf("value must be pending")
	}

	f.cycle(t)
	if len(f.proto.writes) != 1 || f.proto.mem[0] != 3905 {
		t.Fatalf("writes=%v mem=%d", f.proto.writes, f.proto.mem[0])
	}
	if got := f.s.GetTextValue(r); got != "3905" {
		t.Fatalf("value %q", got)
	}
	if r.Handler.ErrorState() != register.NoError {
		t.Fatalf("state %v", r.Handler.ErrorState())
	}
}

func TestCycle_FlushOrderIsFIFO(t *testing.T) {
	f := newFixture(t, device.Config{})
	a := f.reg(t, "a", 0)
	b := f.reg(t, "b", 5)
	f.cycle(t)

	_ = f.s.SetTextValue(b, "2")
	_ = f.s.SetTextValue(a, "1")
	_ = f.s.SetTextValue(b, "3")

	f.cycle(t)
	if len(f.proto.writes) != 2 || f.proto.writes[0] != 5 || f.proto.writes[1] != 0 {
		t.Fatalf("writes %v", f.proto.writes)
	}
	if f.proto.mem[5] != 3 {
		t.Fatalf("latest value not written: %d", f.proto.mem[5])
	}
}

func TestCycle_UnsupportedRegisterIsIsolated(t *testing.T) {
	f := newFixture(t, device.Config{})
	f.proto.unsupported[2] = true
	for i, n := range []string{"r0", "r1", "r2", "r3"} {
		f.reg(t, n, uint32(i))
	}

	f.cycle(t)

	read := map[string]bool{}
	for _, e := range f.rec.reads {
		read[e.reg] = true
	}
	if !read["r0"] || !read["r1"] || !read["r3"] || read["r2"] {
		t.Fatalf("reads %+v", f.rec.reads)
	}
	if len(f.rec.errors) != 1 || f.rec.errors[0].reg != "r2" || f.rec.errors[0].state != register.ReadError {
		t.Fatalf("errors %+v", f.rec.errors)
	}
}

func TestCycle_PermanentFailureIsNotSplit(t *testing.T) {
	f := newFixture(t, device.Config{})
	for i, n := range []string{"r0", "r1", "r2", "r3"} {
		f.reg(t, n, uint32(i))
	}
	f.proto.setErr(device.Permanentf("register address out of range"))

	f.cycle(t)
	if f.proto.reads != 1 {
		t.Fatalf("permanent failure re-executed: %d reads", f.proto.reads)
	}
	if len(f.rec.errors) != 4 {
		t.Fatalf("error edges %+v", f.rec.errors)
	}
	if len(f.rec.deviceErrs) != 1 || device.KindOf(f.rec.deviceErrs[0]) != device.Permanent {
		t.Fatalf("device results %v", f.rec.deviceErrs)
	}
}

func TestCycle_FlushCapDoesNotStarvePolls(t *testing.T) {
	f := newFixture(t, device.Config{})
	f.s.cfg.MaxFlushesWhenPollIsDue = 2

	// one range per interval, all due on the first cycle
	const ranges = 6
	for i := 0; i < ranges; i++ {
		name := string(rune('a' + i))
		if _, err := f.s.AddRegister(f.dev, register.Config{Name: name, Space: holding, Address: uint32(i)}, time.Duration(i+1)*time.Hour); err != nil {
			t.Fatalf("AddRegister err=%v", err)
		}
	}
	cmd, err := f.s.AddRegister(f.dev, register.Config{Name: "cmd", Space: holding, Address: 100, WriteOnly: true}, time.Hour)
	if err != nil {
		t.Fatalf("AddRegister err=%v", err)
	}

	// every write makes the register dirty again
	f.proto.onWrite = func(uint32) {
		if err := f.s.SetTextValue(cmd, "1"); err != nil {
			t.Errorf("SetTextValue err=%v", err)
		}
	}
	if err := f.s.SetTextValue(cmd, "1"); err != nil {
		t.Fatalf("SetTextValue err=%v", err)
	}

	f.cycle(t)

	// one pass before polling plus at most the cap between ranges
	if n := len(f.proto.writes); n != 1+f.s.cfg.MaxFlushesWhenPollIsDue {
		t.Fatalf("flush passes %d, want %d", n, 1+f.s.cfg.MaxFlushesWhenPollIsDue)
	}

	read := map[string]bool{}
	for _, e := range f.rec.reads {
		read[e.reg] = true
	}
	if len(read) != ranges {
		t.Fatalf("ranges read %v, want %d", read, ranges)
	}
}

func TestCycle_TransientFailureSetsReadError(t *testing.T) {
	f := newFixture(t, device.Config{DeviceTimeout: time.Hour})
	r := f.reg(t, "a", 0)
	f.proto.setErr(device.Transientf("timeout"))

	f.cycle(t)
	if r.Handler.ErrorState() != register.ReadError {
		t.Fatalf("state %v", r.Handler.ErrorState())
	}
	if len(f.rec.deviceErrs) != 1 || f.rec.deviceErrs[0] == nil {
		t.Fatalf("device results %v", f.rec.deviceErrs)
	}

	f.proto.setErr(nil)
	f.cycle(t)
	if r.Handler.ErrorState() != register.NoError {
		t.Fatalf("state after recovery %v", r.Handler.ErrorState())
	}
	if len(f.rec.errors) != 2 || f.rec.errors[1].state != register.NoError {
		t.Fatalf("error edges %+v", f.rec.errors)
	}
}

func TestCycle_SetupWrittenOnStartAndReconnect(t *testing.T) {
	f := newFixture(t, device.Config{DeviceTimeout: time.Nanosecond})
	f.reg(t, "a", 0)
	if err := f.s.AddSetup(f.dev, "mode", register.Config{Space: holding, Address: 40}, "7"); err != nil {
		t.Fatalf("AddSetup err=%v", err)
	}

	f.cycle(t)
	if len(f.proto.writes) != 1 || f.proto.mem[40] != 7 {
		t.Fatalf("setup not written on start: %v", f.proto.writes)
	}

	f.proto.setErr(device.Transientf("timeout"))
	f.cycle(t)
	time.Sleep(time.Millisecond)
	f.cycle(t)
	if !f.dev.IsDisconnected() {
		t.Fatalf("device must be disconnected")
	}

	f.proto.setErr(nil)
	f.proto.mem[40] = 0
	f.cycle(t)
	if f.rec.reconnected != 1 {
		t.Fatalf("reconnects %d", f.rec.reconnected)
	}
	if f.proto.mem[40] != 7 {
		t.Fatalf("setup not rewritten after reconnect")
	}
}

func TestCycle_WakeFlushesWhileWaiting(t *testing.T) {
	f := newFixture(t, device.Config{})
	r := f.reg(t, "a", 0)
	f.cycle(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- f.s.Cycle(ctx) }()

	if err := r.Handler.SetTextValue("42"); err != nil {
		t.Fatalf("SetTextValue err=%v", err)
	}
	select {
	case <-f.proto.wrote:
	case <-ctx.Done():
		t.Fatalf("write not flushed while waiting")
	}

	cancel()
	if err := <-done; err == nil {
		t.Fatalf("expected cancellation error")
	}
}

func TestSetTextValue_ReadOnly(t *testing.T) {
	f := newFixture(t, device.Config{})
	r, err := f.s.AddRegister(f.dev, register.Config{Name: "ro", Space: holding, Address: 1, ReadOnly: true}, time.Hour)
	if err != nil {
		t.Fatalf("AddRegister err=%v", err)
	}
	if err := f.s.SetTextValue(r, "1"); err == nil {
		t.Fatalf("expected read-only error")
	}
}

func TestPlan_RangesByDeviceAndInterval(t *testing.T) {
	f := newFixture(t, device.Config{})
	f.reg(t, "a", 0)
	f.reg(t, "b", 1)
	if _, err := f.s.AddRegister(f.dev, register.Config{Name: "slow", Space: holding, Address: 2}, time.Minute); err != nil {
		t.Fatalf("AddRegister err=%v", err)
	}

	rs := f.s.Plan().Ranges()
	if len(rs) != 2 || len(rs[0].Registers) != 2 || rs[1].Interval != time.Minute {
		t.Fatalf("ranges %+v", rs)
	}
}
