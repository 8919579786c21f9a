// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/port"
	"github.com/tamzrod/meter-poller/internal/query"
	"github.com/tamzrod/meter-poller/internal/register"
)

// DefaultMaxFlushesWhenPollIsDue bounds the flush passes done while polls
// are overdue.
const DefaultMaxFlushesWhenPollIsDue = 20

// Callbacks deliver register events to the publish layer. They run on the
// scheduler goroutine.
type Callbacks struct {
	OnRead  func(r *register.Register, changed bool)
	OnError func(r *register.Register, state register.ErrorState)
}

// Observer receives per-query and per-device outcomes (metrics, status).
type Observer interface {
	QueryDone(dev *device.Device, q *query.Query, elapsed time.Duration)
	// DeviceDone is called once per polled device per cycle with the first
	// read error of the cycle, or nil.
	DeviceDone(dev *device.Device, err error)
	Reconnected(dev *device.Device)
}

type Config struct {
	Name                    string
	MaxFlushesWhenPollIsDue int
	Debug                   bool
}

type setupItem struct {
	title string
	reg   *register.Register
	value uint64
}

// devState is what the scheduler tracks per device across cycles.
type devState struct {
	needSetup bool
	cycleErr  error
	polled    bool
}

// Scheduler owns one port and every device on it. Cycle and Run must be
// called from a single goroutine; SetTextValue and GetTextValue are safe
// from any goroutine.
type Scheduler struct {
	cfg  Config
	port port.Port

	table    *register.Table
	interner *memory.Interner
	setupTab *register.Table

	devices []*device.Device
	state   map[int]*devState
	setup   map[int][]setupItem

	plan  *Plan
	queue *flushQueue

	cb  Callbacks
	obs Observer
	now func() time.Time

	lastAccessed *device.Device
	flushesLeft  int
	reported     map[register.ID]bool
}

func New(cfg Config, p port.Port) *Scheduler {
	if cfg.MaxFlushesWhenPollIsDue <= 0 {
		cfg.MaxFlushesWhenPollIsDue = DefaultMaxFlushesWhenPollIsDue
	}
	s := &Scheduler{
		cfg:      cfg,
		port:     p,
		interner: memory.NewInterner(),
		setupTab: register.NewTable(nil),
		state:    make(map[int]*devState),
		setup:    make(map[int][]setupItem),
		plan:     NewPlan(),
		queue:    newFlushQueue(),
		now:      time.Now,
		reported: make(map[register.ID]bool),
	}
	s.table = register.NewTable(s.queue.Push)
	return s
}

func (s *Scheduler) Name() string { return s.cfg.Name }

// SetCallbacks must be called before Run.
func (s *Scheduler) SetCallbacks(cb Callbacks) { s.cb = cb }

// SetObserver must be called before Run.
func (s *Scheduler) SetObserver(o Observer) { s.obs = o }

// ------------------------------------------------------------
// CONSTRUCTION
// ------------------------------------------------------------

// AddDevice attaches dev. Its ID must be the next free index.
func (s *Scheduler) AddDevice(dev *device.Device) error {
	if dev.ID != len(s.devices) {
		return fmt.Errorf("scheduler %s: device %s has id %d, want %d", s.cfg.Name, dev.Name(), dev.ID, len(s.devices))
	}
	s.devices = append(s.devices, dev)
	s.state[dev.ID] = &devState{needSetup: true}
	return nil
}

// AddRegister adds a register of dev, polled every interval.
func (s *Scheduler) AddRegister(dev *device.Device, cfg register.Config, interval time.Duration) (*register.Register, error) {
	r, err := s.table.Add(dev.ID, dev.Name(), cfg, s.interner)
	if err != nil {
		return nil, err
	}
	if err := query.CheckLimits(r, dev.Limits()); err != nil {
		return nil, err
	}
	if r.Config.Polled() {
		s.plan.Add(dev, r, interval)
	}
	return r, nil
}

// AddSetup adds a value written to dev on first contact and after every
// reconnect.
func (s *Scheduler) AddSetup(dev *device.Device, title string, cfg register.Config, value string) error {
	if cfg.Name == "" {
		cfg.Name = title
	}
	r, err := s.setupTab.Add(dev.ID, dev.Name(), cfg, s.interner)
	if err != nil {
		return err
	}
	v, err := r.Config.Encode(value)
	if err != nil {
		return fmt.Errorf("setup %s/%s: %w", dev.Name(), title, err)
	}
	s.setup[dev.ID] = append(s.setup[dev.ID], setupItem{title: title, reg: r, value: v})
	return nil
}

func (s *Scheduler) Devices() []*device.Device { return s.devices }
func (s *Scheduler) Registers() []*register.Register { return s.table.All() }
func (s *Scheduler) Plan() *Plan { return s.plan }

func (s *Scheduler) Lookup(dev, name string) (*register.Register, bool) {
	return s.table.Lookup(dev, name)
}

// ------------------------------------------------------------
// EXTERNAL API
// ------------------------------------------------------------

// SetTextValue queues a write of text to r and wakes the loop.
func (s *Scheduler) SetTextValue(r *register.Register, text string) error {
	if !r.Config.Writable() {
		return fmt.Errorf("register %s is read-only", r)
	}
	return r.Handler.SetTextValue(text)
}

func (s *Scheduler) GetTextValue(r *register.Register) string { return r.Handler.TextValue() }

// SetEnabled switches polling of r; safe from any goroutine.
func (s *Scheduler) SetEnabled(r *register.Register, on bool) { r.Handler.SetEnabled(on) }

func (s *Scheduler) DidRead(r *register.Register) bool { return r.Handler.DidRead() }

// ------------------------------------------------------------
// CYCLE
// ------------------------------------------------------------

// Cycle waits until a poll is due (flushing writes meanwhile) and polls
// every due range once. It returns ctx.Err() when cancelled while waiting.
func (s *Scheduler) Cycle(ctx context.Context) error {
	if err := s.waitForPollAndFlush(ctx); err != nil {
		return err
	}
	s.flushesLeft = s.cfg.MaxFlushesWhenPollIsDue

	var polled []*device.Device
	for _, rg := range s.plan.Due(s.now()) {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.maybeFlushAvoidingPollStarvationButDontWait()

		st := s.state[rg.Device.ID]
		if !st.polled {
			st.polled = true
			st.cycleErr = nil
			polled = append(polled, rg.Device)
		}

		s.pollRange(rg)
		s.plan.Done(rg, s.now())
	}

	for _, dev := range polled {
		s.endPollCycle(dev)
	}
	return nil
}

func (s *Scheduler) waitForPollAndFlush(ctx context.Context) error {
	for {
		s.flush()

		deadline, ok := s.plan.NextDeadline()
		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if ok {
			wait := deadline.Sub(s.now())
			if wait <= 0 {
				return nil
			}
			timer = time.NewTimer(wait)
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return ctx.Err()
		case <-s.queue.wake:
			stopTimer(timer)
		case <-timeout:
			return nil
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Scheduler) maybeFlushAvoidingPollStarvationButDontWait() {
	if s.flushesLeft <= 0 || s.queue.Len() == 0 {
		return
	}
	s.flushesLeft--
	s.flush()
}

func (s *Scheduler) endPollCycle(dev *device.Device) {
	st := s.state[dev.ID]
	st.polled = false

	if err := dev.EndPollCycle(); err != nil {
		log.Printf("end of poll cycle failed (port=%s device=%s): %v", s.cfg.Name, dev, err)
	}
	if s.obs != nil {
		s.obs.DeviceDone(dev, st.cycleErr)
	}
}

// prepareToAccess runs the device's preparation when the scheduler turns
// to a different device, and writes setup values when they are due.
func (s *Scheduler) prepareToAccess(dev *device.Device) {
	if s.lastAccessed != dev {
		s.lastAccessed = dev
		if err := dev.Prepare(); err != nil {
			log.Printf("device prepare failed (port=%s device=%s): %v", s.cfg.Name, dev, err)
		}
	}
	if s.state[dev.ID].needSetup {
		s.writeSetupRegisters(dev)
	}
}

func (s *Scheduler) writeSetupRegisters(dev *device.Device) {
	s.state[dev.ID].needSetup = false
	for _, item := range s.setup[dev.ID] {
		q := query.BuildWrite(item.reg, item.value)
		if err := dev.Execute(q); err != nil {
			log.Printf("setup item failed (port=%s device=%s item=%s): %v", s.cfg.Name, dev, item.title, err)
			continue
		}
		log.Printf("setup item written (device=%s item=%s value=%d)", dev, item.title, item.value)
	}
}

// ------------------------------------------------------------
// FLUSH
// ------------------------------------------------------------

func (s *Scheduler) flush() {
	for _, id := range s.queue.Drain() {
		r := s.table.Get(id)
		if r == nil || !r.Handler.NeedToFlush() {
			continue
		}
		dev := s.devices[r.Device]
		s.prepareToAccess(dev)

		state, changed, err := r.Handler.Flush(func(v uint64) error {
			q := query.BuildWrite(r, v)
			start := s.now()
			err := dev.Execute(q)
			if s.obs != nil {
				s.obs.QueryDone(dev, q, s.now().Sub(start))
			}
			return err
		})
		if err != nil {
			log.Printf("write failed (port=%s register=%s): %v", s.cfg.Name, r, err)
		}
		if changed && s.cb.OnError != nil {
			s.cb.OnError(r, state)
		}
	}
}

// ------------------------------------------------------------
// POLL
// ------------------------------------------------------------

func (s *Scheduler) pollRange(rg *Range) {
	dev := rg.Device

	regs := make([]*register.Register, 0, len(rg.Registers))
	for _, r := range rg.Registers {
		if r.Handler.NeedToPoll() {
			regs = append(regs, r)
		}
	}
	if len(regs) == 0 {
		return
	}

	qs, err := query.Build(regs, query.Read, dev.Limits())
	if err != nil {
		log.Printf("query build failed (port=%s device=%s): %v", s.cfg.Name, dev, err)
		return
	}

	s.prepareToAccess(dev)

	for len(qs) > 0 {
		q := qs[0]
		qs = qs[1:]

		wasDisconnected := dev.IsDisconnected()
		start := s.now()
		err := dev.Execute(q)
		if s.obs != nil {
			s.obs.QueryDone(dev, q, s.now().Sub(start))
		}
		s.trackConnection(dev, wasDisconnected)

		switch q.Status {
		case query.Ok:
			s.acceptQuery(q)

		case query.Invalid:
			if parts := query.Split(q); parts != nil {
				qs = append(parts, qs...)
				continue
			}
			s.noteCycleError(dev, err)
			s.reportUnsupported(dev, q, err)
			s.failQuery(q)

		case query.PermanentError:
			s.noteCycleError(dev, err)
			log.Printf("poll failed permanently (port=%s query=%s device=%s): %v", s.cfg.Name, q, dev, err)
			s.failQuery(q)

		default:
			s.noteCycleError(dev, err)
			if !dev.IsDisconnected() {
				log.Printf("poll failed (port=%s query=%s device=%s): %v", s.cfg.Name, q, dev, err)
			}
			s.failQuery(q)
		}
	}
}

func (s *Scheduler) trackConnection(dev *device.Device, was bool) {
	now := dev.IsDisconnected()

	switch {
	case !was && now:
		log.Printf("device disconnected (port=%s device=%s)", s.cfg.Name, dev)
	case was && !now:
		log.Printf("device reconnected (port=%s device=%s)", s.cfg.Name, dev)
		if s.obs != nil {
			s.obs.Reconnected(dev)
		}
		s.writeSetupRegisters(dev)
	}
}

func (s *Scheduler) noteCycleError(dev *device.Device, err error) {
	if err == nil {
		err = errors.New("query failed")
	}
	if st := s.state[dev.ID]; st.cycleErr == nil {
		st.cycleErr = err
	}
}

func (s *Scheduler) reportUnsupported(dev *device.Device, q *query.Query, err error) {
	for _, r := range q.Registers {
		if s.reported[r.ID] {
			continue
		}
		s.reported[r.ID] = true
		log.Printf("register not supported by device (port=%s register=%s): %v", s.cfg.Name, r, err)
	}
}

func (s *Scheduler) acceptQuery(q *query.Query) {
	for _, r := range q.Registers {
		v, ok := r.Compose()
		changed, state, stateChanged := r.Handler.AcceptDeviceValue(v, ok)
		if s.cfg.Debug {
			log.Printf("read %s = %s (changed=%v)", r, r.Handler.TextValue(), changed)
		}
		if s.cb.OnRead != nil {
			s.cb.OnRead(r, changed)
		}
		if stateChanged && s.cb.OnError != nil {
			s.cb.OnError(r, state)
		}
	}
}

func (s *Scheduler) failQuery(q *query.Query) {
	for _, r := range q.Registers {
		_, state, stateChanged := r.Handler.AcceptDeviceValue(0, false)
		if stateChanged && s.cb.OnError != nil {
			s.cb.OnError(r, state)
		}
	}
}
