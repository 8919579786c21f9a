// internal/status/snapshot.go
package status

// Snapshot represents exactly what the publisher is allowed to deliver.
// It contains no logic and no memory of the past beyond current state.
type Snapshot struct {
	DeviceName     string
	Health         uint16
	LastErrorCode  uint16
	SecondsInError uint16
}

// HealthName is the text form used in published status.
func HealthName(h uint16) string {
	switch h {
	case HealthOK:
		return "ok"
	case HealthError:
		return "error"
	case HealthStale:
		return "stale"
	}
	return "unknown"
}
