// internal/scheduler/builder.go
package scheduler

import (
	"fmt"
	"time"

	cfg "github.com/tamzrod/meter-poller/internal/config"
	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/port"
	"github.com/tamzrod/meter-poller/internal/register"
)

// Build constructs the scheduler of one port from normalized configuration.
// The line itself is opened lazily on the first exchange and reopened by the
// stream after it dies, so a missing adapter does not stop startup.
func Build(p cfg.PortConfig, reg *device.Registry, debug bool) (*Scheduler, error) {
	var open port.OpenFunc
	switch p.Type {
	case "tcp":
		open = port.TCP(p.Address, 0)
	default:
		open = port.Serial(port.SerialConfig{
			Path:     p.Path,
			BaudRate: p.BaudRate,
			DataBits: p.DataBits,
			StopBits: p.StopBits,
			Parity:   p.Parity,
		})
	}
	return BuildOn(p, reg, port.NewStream(open), debug)
}

// BuildOn is Build over an already constructed port.
func BuildOn(p cfg.PortConfig, reg *device.Registry, pt port.Port, debug bool) (*Scheduler, error) {
	s := New(Config{
		Name:                    p.ID,
		MaxFlushesWhenPollIsDue: p.MaxFlushesWhenPollDue,
		Debug:                   debug,
	}, pt)

	for i, dc := range p.Devices {
		entry, err := reg.Lookup(dc.Protocol)
		if err != nil {
			return nil, fmt.Errorf("port %s: device %s: %w", p.ID, dc.Name, err)
		}

		dcfg := deviceConfig(dc, entry)
		proto, err := entry.New(dcfg, pt)
		if err != nil {
			return nil, fmt.Errorf("port %s: device %s: %w", p.ID, dc.Name, err)
		}

		dev := device.New(i, dcfg, proto, pt)
		if err := s.AddDevice(dev); err != nil {
			return nil, err
		}

		for _, sc := range dc.Setup {
			rc, err := setupConfig(sc, entry)
			if err != nil {
				return nil, fmt.Errorf("device %s: setup %s: %w", dc.Name, sc.Title, err)
			}
			if err := s.AddSetup(dev, sc.Title, rc, sc.Value); err != nil {
				return nil, err
			}
		}

		for _, rcfg := range dc.Registers {
			rc, err := registerConfig(rcfg, entry)
			if err != nil {
				return nil, fmt.Errorf("device %s: %w", dc.Name, err)
			}
			r, err := s.AddRegister(dev, rc, rc.PollInterval)
			if err != nil {
				return nil, err
			}
			if rcfg.Disabled {
				s.SetEnabled(r, false)
			}
		}
	}

	return s, nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func deviceConfig(dc cfg.DeviceConfig, entry device.Entry) device.Config {
	limits := entry.Limits
	if dc.MaxReadRegisters != nil {
		limits.MaxBlocks = *dc.MaxReadRegisters
	}
	if dc.MaxRegHole != nil {
		limits.MaxHole = *dc.MaxRegHole
	}
	if dc.MaxBitHole != nil {
		limits.MaxBitHole = *dc.MaxBitHole
	}

	var pw []byte
	for _, b := range dc.Password {
		pw = append(pw, byte(b))
	}

	return device.Config{
		Name:            dc.Name,
		Protocol:        dc.Protocol,
		SlaveID:         dc.SlaveID,
		AccessLevel:     dc.AccessLevel,
		Password:        pw,
		ResponseTimeout: ms(dc.ResponseTimeoutMs),
		FrameTimeout:    ms(dc.FrameTimeoutMs),
		DeviceTimeout:   ms(dc.DeviceTimeoutMs),
		Delay:           ms(dc.DelayMs),
		GuardInterval:   time.Duration(dc.GuardIntervalUs) * time.Microsecond,
		Limits:          limits,
	}
}

func registerConfig(rc cfg.RegisterConfig, entry device.Entry) (register.Config, error) {
	space, err := entry.Space(rc.Type)
	if err != nil {
		return register.Config{}, fmt.Errorf("register %s: %w", rc.Name, err)
	}
	format, err := register.ParseFormat(rc.Format)
	if err != nil {
		return register.Config{}, err
	}
	order, err := register.ParseWordOrder(rc.WordOrder)
	if err != nil {
		return register.Config{}, err
	}

	out := register.Config{
		Name:         rc.Name,
		Space:        space,
		Address:      rc.Address,
		Format:       format,
		WordOrder:    order,
		BitOffset:    rc.BitOffset,
		BitWidth:     rc.BitWidth,
		Size:         rc.Size,
		Offset:       rc.Offset,
		RoundTo:      rc.RoundTo,
		PollInterval: ms(rc.PollIntervalMs),
		ReadOnly:     rc.ReadOnly,
		WriteOnly:    rc.WriteOnly,
	}
	if rc.Scale != nil {
		out.Scale = *rc.Scale
	}
	if rc.ErrorValue != nil {
		out.HasErrorValue = true
		out.ErrorValue = *rc.ErrorValue
	}
	return out, nil
}

func setupConfig(sc cfg.SetupConfig, entry device.Entry) (register.Config, error) {
	space, err := entry.Space(sc.Type)
	if err != nil {
		return register.Config{}, err
	}
	format, err := register.ParseFormat(sc.Format)
	if err != nil {
		return register.Config{}, err
	}
	return register.Config{
		Name:      sc.Title,
		Space:     space,
		Address:   sc.Address,
		Format:    format,
		WriteOnly: true,
	}, nil
}
