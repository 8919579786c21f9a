// internal/config/validate.go
package config

import (
	"fmt"

	"github.com/tamzrod/meter-poller/internal/register"
)

// Validate checks configuration correctness.
// It performs declarative validation only.
// It MUST NOT mutate configuration.
//
// Protocol names and address space names are resolved later,
// against the protocol registry, when ports are built.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if len(cfg.Ports) == 0 {
		return fmt.Errorf("config: no ports defined")
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt: qos must be 0, 1 or 2 (got %d)", cfg.MQTT.QoS)
	}
	if cfg.MQTT.StatusIntervalMs < 0 {
		return fmt.Errorf("mqtt: status_interval_ms must be >= 0")
	}
	if cfg.History.Queue < 0 {
		return fmt.Errorf("history: queue must be >= 0")
	}

	ports := make(map[string]bool)

	// device names are topic components and must be unique across ports
	devices := make(map[string]string)

	for pi, p := range cfg.Ports {
		if p.ID == "" {
			return fmt.Errorf("ports[%d]: id is required", pi)
		}
		if ports[p.ID] {
			return fmt.Errorf("port %q: duplicate id", p.ID)
		}
		ports[p.ID] = true

		if err := validatePort(p); err != nil {
			return err
		}

		for _, d := range p.Devices {
			if err := validateDevice(p.ID, d); err != nil {
				return err
			}

			if prev, exists := devices[d.Name]; exists {
				return fmt.Errorf(
					"device name collision: %q used on ports %q and %q",
					d.Name,
					prev,
					p.ID,
				)
			}
			devices[d.Name] = p.ID
		}
	}

	return nil
}

func validatePort(p PortConfig) error {
	switch p.Type {
	case "", "serial":
		if p.Path == "" {
			return fmt.Errorf("port %q: serial port requires path", p.ID)
		}
		switch p.Parity {
		case "", "N", "E", "O":
		default:
			return fmt.Errorf("port %q: parity must be N, E or O (got %q)", p.ID, p.Parity)
		}
		if p.BaudRate < 0 || p.DataBits < 0 || p.StopBits < 0 {
			return fmt.Errorf("port %q: negative line settings", p.ID)
		}

	case "tcp":
		if p.Address == "" {
			return fmt.Errorf("port %q: tcp port requires address", p.ID)
		}

	default:
		return fmt.Errorf("port %q: unknown type %q", p.ID, p.Type)
	}

	if p.ResponseTimeoutMs < 0 || p.PollIntervalMs < 0 || p.MaxFlushesWhenPollDue < 0 {
		return fmt.Errorf("port %q: timings must be >= 0", p.ID)
	}
	return nil
}

func validateDevice(portID string, d DeviceConfig) error {
	if d.Name == "" {
		return fmt.Errorf("port %q: device name is required", portID)
	}

	// device name sanity (ASCII only, no topic separators)
	for i := 0; i < len(d.Name); i++ {
		c := d.Name[i]
		if c > 0x7F || c == '/' || c == '+' || c == '#' {
			return fmt.Errorf(
				"device %q: name must be ASCII without '/', '+' or '#'",
				d.Name,
			)
		}
	}

	if d.Protocol == "" {
		return fmt.Errorf("device %q: protocol is required", d.Name)
	}
	if d.SlaveID == "" {
		return fmt.Errorf("device %q: slave_id is required", d.Name)
	}

	for _, b := range d.Password {
		if b < 0 || b > 0xFF {
			return fmt.Errorf("device %q: password bytes must be 0..255", d.Name)
		}
	}

	if d.DelayMs < 0 ||
		d.GuardIntervalUs < 0 ||
		d.FrameTimeoutMs < 0 ||
		d.ResponseTimeoutMs < 0 ||
		d.DeviceTimeoutMs < 0 ||
		d.PollIntervalMs < 0 {
		return fmt.Errorf("device %q: timings must be >= 0", d.Name)
	}

	for _, v := range []*int{d.MaxReadRegisters, d.MaxRegHole, d.MaxBitHole} {
		if v != nil && *v < 0 {
			return fmt.Errorf("device %q: request limits must be >= 0", d.Name)
		}
	}
	if d.MaxReadRegisters != nil && *d.MaxReadRegisters == 0 {
		return fmt.Errorf("device %q: max_read_registers must be > 0", d.Name)
	}

	for i, s := range d.Setup {
		if s.Title == "" {
			return fmt.Errorf("device %q: setup[%d]: title is required", d.Name, i)
		}
		if _, err := register.ParseFormat(s.Format); err != nil {
			return fmt.Errorf("device %q: setup %q: %w", d.Name, s.Title, err)
		}
	}

	names := make(map[string]bool)

	for i, r := range d.Registers {
		if r.Name == "" {
			return fmt.Errorf("device %q: registers[%d]: name is required", d.Name, i)
		}
		if names[r.Name] {
			return fmt.Errorf("device %q: duplicate register %q", d.Name, r.Name)
		}
		names[r.Name] = true

		if err := validateRegister(r); err != nil {
			return fmt.Errorf("device %q: %w", d.Name, err)
		}
	}

	return nil
}

func validateRegister(r RegisterConfig) error {
	if _, err := register.ParseFormat(r.Format); err != nil {
		return fmt.Errorf("register %q: %w", r.Name, err)
	}
	if _, err := register.ParseWordOrder(r.WordOrder); err != nil {
		return fmt.Errorf("register %q: %w", r.Name, err)
	}

	// an explicit zero scale would make every written value infinite
	if r.Scale != nil && *r.Scale == 0 {
		return fmt.Errorf("register %q: scale must not be 0", r.Name)
	}
	if r.RoundTo < 0 {
		return fmt.Errorf("register %q: round_to must be >= 0", r.Name)
	}
	if r.BitOffset < 0 || r.BitWidth < 0 || r.Size < 0 {
		return fmt.Errorf("register %q: bit_offset, bit_width and size must be >= 0", r.Name)
	}
	if r.PollIntervalMs < 0 {
		return fmt.Errorf("register %q: poll_interval_ms must be >= 0", r.Name)
	}
	if r.ReadOnly && r.WriteOnly {
		return fmt.Errorf("register %q: readonly and writeonly are exclusive", r.Name)
	}

	return nil
}
