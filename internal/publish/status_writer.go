// internal/publish/status_writer.go
package publish

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/tamzrod/meter-poller/internal/status"
)

// statusWriter publishes one device's status block as retained per-field
// topics. Only changed fields are published; any failure makes the next call
// re-assert every field.
type statusWriter struct {
	cli    Client
	topics Topics
	device string

	mu       sync.Mutex
	needFull bool
	last     status.Snapshot
}

func newStatusWriter(cli Client, topics Topics, device string) *statusWriter {
	return &statusWriter{
		cli:      cli,
		topics:   topics,
		device:   device,
		needFull: true, // full re-assert on first write
	}
}

func (sw *statusWriter) invalidate() {
	sw.mu.Lock()
	sw.needFull = true
	sw.mu.Unlock()
}

// WriteStatus delivers a device status snapshot.
func (sw *statusWriter) WriteStatus(s status.Snapshot) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	// ------------------------------------------------------------
	// Full re-assert (identity included)
	// ------------------------------------------------------------
	if sw.needFull {
		fields := []struct{ name, value string }{
			{"name", sw.device},
			{"health", status.HealthName(s.Health)},
			{"last_error_code", strconv.Itoa(int(s.LastErrorCode))},
			{"seconds_in_error", strconv.Itoa(int(s.SecondsInError))},
		}
		for _, f := range fields {
			if err := sw.publish(f.name, f.value); err != nil {
				return err
			}
		}
		sw.needFull = false
		sw.last = s
		return nil
	}

	var errs []string

	if sw.last.Health != s.Health {
		if err := sw.publish("health", status.HealthName(s.Health)); err != nil {
			errs = append(errs, err.Error())
		} else {
			sw.last.Health = s.Health
		}
	}

	if sw.last.LastErrorCode != s.LastErrorCode {
		if err := sw.publish("last_error_code", strconv.Itoa(int(s.LastErrorCode))); err != nil {
			errs = append(errs, err.Error())
		} else {
			sw.last.LastErrorCode = s.LastErrorCode
		}
	}

	if sw.last.SecondsInError != s.SecondsInError {
		if err := sw.publish("seconds_in_error", strconv.Itoa(int(s.SecondsInError))); err != nil {
			errs = append(errs, err.Error())
		} else {
			sw.last.SecondsInError = s.SecondsInError
		}
	}

	if len(errs) > 0 {
		// Any partial failure introduces doubt: re-assert on next call.
		sw.needFull = true
		return errors.New("status writer: " + strings.Join(errs, " | "))
	}
	return nil
}

func (sw *statusWriter) publish(field, value string) error {
	return sw.cli.Publish(sw.topics.Status(sw.device, field), true, value)
}
