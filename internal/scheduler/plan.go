// internal/scheduler/plan.go
package scheduler

import (
	"time"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/register"
)

// Range is the set of registers of one device that share a poll interval.
type Range struct {
	Device    *device.Device
	Interval  time.Duration
	Registers []*register.Register

	next time.Time
}

// Next is the deadline of the range. Zero means due now.
func (r *Range) Next() time.Time { return r.next }

type rangeKey struct {
	device   int
	interval time.Duration
}

// Plan holds the poll ranges in insertion order.
type Plan struct {
	ranges []*Range
	index  map[rangeKey]*Range
}

func NewPlan() *Plan {
	return &Plan{index: make(map[rangeKey]*Range)}
}

// Add puts r into the range of (dev, interval).
func (p *Plan) Add(dev *device.Device, r *register.Register, interval time.Duration) {
	k := rangeKey{device: dev.ID, interval: interval}
	rg, ok := p.index[k]
	if !ok {
		rg = &Range{Device: dev, Interval: interval}
		p.index[k] = rg
		p.ranges = append(p.ranges, rg)
	}
	rg.Registers = append(rg.Registers, r)
}

func (p *Plan) Ranges() []*Range { return p.ranges }

// NextDeadline is the earliest range deadline. ok is false for an empty plan.
func (p *Plan) NextDeadline() (t time.Time, ok bool) {
	for i, rg := range p.ranges {
		if i == 0 || rg.next.Before(t) {
			t = rg.next
		}
	}
	return t, len(p.ranges) > 0
}

// Due returns the ranges whose deadline has passed, in plan order.
func (p *Plan) Due(now time.Time) []*Range {
	var out []*Range
	for _, rg := range p.ranges {
		if !rg.next.After(now) {
			out = append(out, rg)
		}
	}
	return out
}

// Done schedules the next poll of rg.
func (p *Plan) Done(rg *Range, now time.Time) {
	rg.next = now.Add(rg.Interval)
}
