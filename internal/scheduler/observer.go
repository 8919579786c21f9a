// internal/scheduler/observer.go
package scheduler

import (
	"time"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/query"
)

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) QueryDone(dev *device.Device, q *query.Query, elapsed time.Duration) {
	for _, x := range o {
		x.QueryDone(dev, q, elapsed)
	}
}

func (o Observers) DeviceDone(dev *device.Device, err error) {
	for _, x := range o {
		x.DeviceDone(dev, err)
	}
}

func (o Observers) Reconnected(dev *device.Device) {
	for _, x := range o {
		x.Reconnected(dev)
	}
}
