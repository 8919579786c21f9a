// internal/scheduler/builder_test.go
package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	cfg "github.com/tamzrod/meter-poller/internal/config"
	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/port"
	"github.com/tamzrod/meter-poller/internal/query"
)

type builtDevice struct {
	cfg   device.Config
	proto *fakeProto
}

func testRegistry(t *testing.T, built *[]builtDevice) *device.Registry {
	t.Helper()
	reg := device.NewRegistry()
	err := reg.Register(device.Entry{
		Name:   "fake",
		Spaces: []memory.Space{holding, {Name: "coil", Width: 0}},
		Limits: query.Limits{MaxBlocks: 50, MaxHole: 3},
		New: func(c device.Config, p port.Port) (device.Protocol, error) {
			fp := newFakeProto()
			*built = append(*built, builtDevice{cfg: c, proto: fp})
			return fp, nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func testPort() cfg.PortConfig {
	four := 4
	scale := 0.1
	return cfg.PortConfig{
		ID:                    "rs485",
		MaxFlushesWhenPollDue: 5,
		Devices: []cfg.DeviceConfig{
			{
				Name:              "m1",
				Protocol:          "fake",
				SlaveID:           "1",
				Password:          []int{1, 2, 3, 4, 5, 6},
				ResponseTimeoutMs: 700,
				GuardIntervalUs:   1500,
				DeviceTimeoutMs:   3000,
				MaxReadRegisters:  &four,
				Setup: []cfg.SetupConfig{
					{Title: "mode", Address: 40, Value: "3"},
				},
				Registers: []cfg.RegisterConfig{
					{Name: "u", Address: 1, Scale: &scale, PollIntervalMs: 1000},
					{Name: "relay", Type: "coil", Address: 7, PollIntervalMs: 500},
					{Name: "cmd", Address: 9, WriteOnly: true, PollIntervalMs: 1000},
					{Name: "spare", Address: 11, Disabled: true, PollIntervalMs: 1000},
				},
			},
			{
				Name:      "m2",
				Protocol:  "fake",
				SlaveID:   "2",
				Registers: []cfg.RegisterConfig{{Name: "u", Address: 1, PollIntervalMs: 1000}},
			},
		},
	}
}

func TestBuild_WiresDevicesAndRegisters(t *testing.T) {
	var built []builtDevice
	s, err := BuildOn(testPort(), testRegistry(t, &built), nopPort{}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	if len(s.Devices()) != 2 || len(built) != 2 {
		t.Fatalf("devices: got %d built %d", len(s.Devices()), len(built))
	}

	c := built[0].cfg
	if c.ResponseTimeout != 700*time.Millisecond || c.GuardInterval != 1500*time.Microsecond {
		t.Fatalf("timings: %+v", c)
	}
	if string(c.Password) != "\x01\x02\x03\x04\x05\x06" {
		t.Fatalf("password: %v", c.Password)
	}
	// explicit limit overrides the protocol default, the rest is kept
	if c.Limits.MaxBlocks != 4 || c.Limits.MaxHole != 3 {
		t.Fatalf("limits: %+v", c.Limits)
	}
	if built[1].cfg.Limits.MaxBlocks != 50 {
		t.Fatalf("default limits: %+v", built[1].cfg.Limits)
	}

	r, ok := s.Lookup("m1", "relay")
	if !ok || r.Config.Space.Name != "coil" {
		t.Fatalf("relay register: %v %v", r, ok)
	}
	r, ok = s.Lookup("m1", "u")
	if !ok || r.Config.Space.Name != "holding" || r.Config.Scale != 0.1 {
		t.Fatalf("u register: %+v", r)
	}
	if spare, _ := s.Lookup("m1", "spare"); spare.Handler.Enabled() {
		t.Fatalf("disabled register is enabled")
	}
	if len(s.Registers()) != 5 {
		t.Fatalf("registers: got %d", len(s.Registers()))
	}

	// m1 has two intervals among polled registers, m2 one; cmd is write-only
	if n := len(s.Plan().Ranges()); n != 3 {
		t.Fatalf("plan ranges: got %d", n)
	}
}

func TestBuild_SetupWrittenOnFirstCycle(t *testing.T) {
	var built []builtDevice
	s, err := BuildOn(testPort(), testRegistry(t, &built), nopPort{}, false)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := s.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	fp := built[0].proto
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if fp.mem[40] != 3 {
		t.Fatalf("setup register not written: %v", fp.mem)
	}
}

func TestBuild_Errors(t *testing.T) {
	var built []builtDevice
	reg := testRegistry(t, &built)

	p := testPort()
	p.Devices[0].Protocol = "dlms"
	if _, err := BuildOn(p, reg, nopPort{}, false); err == nil || !strings.Contains(err.Error(), "unknown serial protocol") {
		t.Fatalf("unknown protocol: got %v", err)
	}

	p = testPort()
	p.Devices[0].Registers[0].Type = "input"
	if _, err := BuildOn(p, reg, nopPort{}, false); err == nil || !strings.Contains(err.Error(), "unknown register type") {
		t.Fatalf("unknown space: got %v", err)
	}

	p = testPort()
	one := 1
	p.Devices[0].MaxReadRegisters = &one
	p.Devices[0].Registers[0].Format = "u32"
	if _, err := BuildOn(p, reg, nopPort{}, false); err == nil {
		t.Fatalf("expected limit error for a register wider than the request cap")
	}
}
