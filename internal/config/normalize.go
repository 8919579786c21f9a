// internal/config/normalize.go
package config

const (
	DefaultPollIntervalMs   = 1000
	DefaultDeviceTimeoutMs  = 3000
	DefaultMaxFlushes       = 20
	DefaultTopicPrefix      = "/devices"
	DefaultStatusIntervalMs = 1000
	DefaultHistoryQueue     = 256
)

// Normalize applies post-validation normalization.
// It is allowed to mutate configuration.
// It MUST be called only after Validate().
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}

	// ------------------------------------------------------------
	// OUTPUTS
	// ------------------------------------------------------------

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if cfg.MQTT.StatusIntervalMs == 0 {
		cfg.MQTT.StatusIntervalMs = DefaultStatusIntervalMs
	}
	if cfg.History.Queue == 0 {
		cfg.History.Queue = DefaultHistoryQueue
	}

	for pi := range cfg.Ports {
		p := &cfg.Ports[pi]

		// ------------------------------------------------------------
		// PORT
		// ------------------------------------------------------------

		if p.Type == "" {
			p.Type = "serial"
		}
		if p.PollIntervalMs == 0 {
			p.PollIntervalMs = DefaultPollIntervalMs
		}
		if p.MaxFlushesWhenPollDue == 0 {
			p.MaxFlushesWhenPollDue = DefaultMaxFlushes
		}

		for di := range p.Devices {
			d := &p.Devices[di]

			// ------------------------------------------------------------
			// DEVICE
			// ------------------------------------------------------------

			// Poll interval precedence: register > device > port.
			if d.PollIntervalMs == 0 {
				d.PollIntervalMs = p.PollIntervalMs
			}
			if d.DeviceTimeoutMs == 0 {
				d.DeviceTimeoutMs = DefaultDeviceTimeoutMs
			}

			// Response timeout stays 0 when unset on both levels so
			// the protocol can apply its own default.
			if d.ResponseTimeoutMs == 0 {
				d.ResponseTimeoutMs = p.ResponseTimeoutMs
			}

			for ri := range d.Registers {
				r := &d.Registers[ri]
				if r.PollIntervalMs == 0 {
					r.PollIntervalMs = d.PollIntervalMs
				}
			}
		}
	}
}
