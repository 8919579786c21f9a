// internal/device/device.go
package device

import (
	"fmt"
	"time"

	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/query"
)

// Protocol is the capability set a wire protocol offers for one device.
// ReadBlocks returns one raw value per block in [start, start+count).
type Protocol interface {
	ReadBlocks(space memory.Space, start uint32, count int) ([]uint64, error)
	WriteBlocks(space memory.Space, start uint32, values []uint64) error
}

// Preparer is implemented by protocols that need a handshake before the
// scheduler switches to their device.
type Preparer interface {
	Prepare() error
}

// CycleEnder is implemented by protocols that close a session after every
// poll cycle.
type CycleEnder interface {
	EndPollCycle() error
}

// Sleeper is the part of a port the device uses for delays.
type Sleeper interface {
	Sleep(d time.Duration)
}

// Config is the runtime configuration of one device.
type Config struct {
	Name     string
	Protocol string
	SlaveID  string

	AccessLevel int
	Password    []byte

	ResponseTimeout time.Duration
	FrameTimeout    time.Duration
	DeviceTimeout   time.Duration
	Delay           time.Duration
	GuardInterval   time.Duration

	Limits query.Limits
}

// Device binds a protocol instance to a slave and tracks reachability.
type Device struct {
	ID int

	cfg     Config
	proto   Protocol
	sleeper Sleeper
	now     func() time.Time

	lastSuccess  time.Time
	disconnected bool
}

// New creates a device. sleeper may be nil.
func New(id int, cfg Config, proto Protocol, sleeper Sleeper) *Device {
	return &Device{
		ID:      id,
		cfg:     cfg,
		proto:   proto,
		sleeper: sleeper,
		now:     time.Now,
	}
}

func (d *Device) Name() string { return d.cfg.Name }
func (d *Device) Config() Config { return d.cfg }
func (d *Device) Limits() query.Limits { return d.cfg.Limits }
func (d *Device) Protocol() Protocol { return d.proto }

func (d *Device) String() string {
	return fmt.Sprintf("%s(%s)", d.cfg.Name, d.cfg.SlaveID)
}

func (d *Device) sleep(v time.Duration) {
	if v <= 0 {
		return
	}
	if d.sleeper != nil {
		d.sleeper.Sleep(v)
		return
	}
	time.Sleep(v)
}

// Prepare runs before the first exchange after switching devices.
func (d *Device) Prepare() error {
	d.sleep(d.cfg.Delay)
	if p, ok := d.proto.(Preparer); ok {
		return p.Prepare()
	}
	return nil
}

// EndPollCycle notifies the protocol that every range of this device was
// polled in the current pass.
func (d *Device) EndPollCycle() error {
	if c, ok := d.proto.(CycleEnder); ok {
		return c.EndPollCycle()
	}
	return nil
}

// ------------------------------------------------------------
// QUERY EXECUTION
// ------------------------------------------------------------

// Execute runs q and sets its status. The returned error is classified;
// it never aborts the caller's cycle.
func (d *Device) Execute(q *query.Query) error {
	if q.Op == query.Write {
		return d.write(q)
	}
	return d.read(q)
}

func (d *Device) read(q *query.Query) error {
	d.sleep(d.cfg.GuardInterval)

	values, err := d.proto.ReadBlocks(q.Space, q.Start(), q.Count())
	if err == nil {
		if ferr := q.FinalizeRead(values); ferr != nil {
			err = Wrap(Transient, "device "+d.cfg.Name, ferr)
		}
	}
	if err != nil {
		q.InvalidateRead()
		q.Status = statusFor(err)
		d.OnFailedRead()
		return err
	}

	d.OnSuccessfulRead()
	return nil
}

func (d *Device) write(q *query.Query) error {
	if q.Space.ReadOnly {
		q.Status = query.PermanentError
		return Permanentf("device %s: space %s is read-only", d.cfg.Name, q.Space.Name)
	}

	d.sleep(d.cfg.GuardInterval)

	if err := d.proto.WriteBlocks(q.Space, q.Start(), q.Values); err != nil {
		q.Status = statusFor(err)
		return err
	}
	q.FinalizeWrite()
	return nil
}

func statusFor(err error) query.Status {
	switch KindOf(err) {
	case Unsupported:
		return query.Invalid
	case Permanent:
		return query.PermanentError
	}
	return query.DeviceError
}

// ------------------------------------------------------------
// DISCONNECT DETECTION
// ------------------------------------------------------------

// OnSuccessfulRead records a good exchange and clears the disconnected flag.
func (d *Device) OnSuccessfulRead() {
	d.lastSuccess = d.now()
	d.disconnected = false
}

// OnFailedRead flips the device to disconnected once failures outlast the
// device timeout. A device that never answered starts its clock at the
// first failure.
func (d *Device) OnFailedRead() {
	now := d.now()
	if d.lastSuccess.IsZero() {
		d.lastSuccess = now
	}
	if now.Sub(d.lastSuccess) > d.cfg.DeviceTimeout {
		d.disconnected = true
	}
}

// IsDisconnected reports the current reachability verdict.
func (d *Device) IsDisconnected() bool { return d.disconnected }
