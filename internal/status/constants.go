// internal/status/constants.go
package status

// Health codes published for every device.
const (
	HealthUnknown uint16 = 0 // boot state, nothing polled yet
	HealthOK      uint16 = 1
	HealthError   uint16 = 2

	// HealthStale marks a device that stopped answering for longer than
	// its device timeout.
	HealthStale uint16 = 3
)
