// internal/publish/bridge.go
package publish

import (
	"log"
	"sync"

	"github.com/tamzrod/meter-poller/internal/register"
	"github.com/tamzrod/meter-poller/internal/status"
)

// Bridge moves register values and device status to the broker and routes
// writes from the broker back to the owning scheduler.
type Bridge struct {
	cli    Client
	topics Topics

	mu     sync.Mutex
	status map[string]*statusWriter
}

func NewBridge(cli Client, topics Topics) *Bridge {
	return &Bridge{
		cli:    cli,
		topics: topics,
		status: make(map[string]*statusWriter),
	}
}

// Attach subscribes to the write topic of every writable register of t.
func (b *Bridge) Attach(t Target) error {
	for _, r := range t.Registers() {
		r := r
		if !r.Config.Writable() {
			continue
		}
		err := b.cli.Subscribe(b.topics.On(r), func(_ string, payload string) {
			if err := t.SetTextValue(r, payload); err != nil {
				log.Printf("write rejected (port=%s register=%s value=%q): %v", t.Name(), r, payload, err)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// OnRead publishes changed values. It runs on the scheduler goroutine.
func (b *Bridge) OnRead(r *register.Register, changed bool) {
	if !changed {
		return
	}
	if err := b.cli.Publish(b.topics.Value(r), true, r.Handler.TextValue()); err != nil {
		log.Printf("publish failed (register=%s): %v", r, err)
	}
}

// OnError publishes the new error flags of r.
func (b *Bridge) OnError(r *register.Register, state register.ErrorState) {
	if err := b.cli.Publish(b.topics.Error(r), true, state.Flags()); err != nil {
		log.Printf("publish failed (register=%s): %v", r, err)
	}
}

// WriteStatus delivers a device status snapshot.
func (b *Bridge) WriteStatus(s status.Snapshot) {
	b.mu.Lock()
	sw, ok := b.status[s.DeviceName]
	if !ok {
		sw = newStatusWriter(b.cli, b.topics, s.DeviceName)
		b.status[s.DeviceName] = sw
	}
	b.mu.Unlock()

	if err := sw.WriteStatus(s); err != nil {
		log.Printf("status publish failed (device=%s): %v", s.DeviceName, err)
	}
}

// Reasserted forces a full status publish on the next snapshot of every
// device, e.g. after the broker connection was re-established.
func (b *Bridge) Reasserted() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sw := range b.status {
		sw.invalidate()
	}
}
