// internal/port/port.go
package port

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/goburrow/serial"
)

// Port is a byte pipe to a bus of devices. It is used from the scheduler
// goroutine only.
type Port interface {
	WriteBytes(b []byte) error
	// ReadFrame fills buf with one frame. It waits up to responseTimeout for
	// the first byte; the frame ends when complete returns true, after
	// frameTimeout of silence, or when buf is full.
	ReadFrame(buf []byte, responseTimeout, frameTimeout time.Duration, complete func([]byte) bool) (int, error)
	// SkipNoise discards whatever is pending on the line.
	SkipNoise() error
	Sleep(d time.Duration)
	Close() error
}

var (
	ErrTimeout = errors.New("port: response timeout")
	ErrClosed  = errors.New("port: closed")
)

const (
	noiseTimeout = 10 * time.Millisecond
	readChunk    = 256
)

// OpenFunc opens the underlying connection. It is called again after the
// connection dies.
type OpenFunc func() (io.ReadWriteCloser, error)

// conn is one generation of the underlying connection.
type conn struct {
	rwc  io.ReadWriteCloser
	in   chan []byte
	dead chan struct{}

	once sync.Once
	err  error
}

func (c *conn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.dead)
	})
}

// Stream implements Port over a byte stream. A background goroutine reads
// chunks so that frame timing can be done with timers.
type Stream struct {
	open OpenFunc

	mu      sync.Mutex
	c       *conn
	pending []byte
	closed  bool
}

// NewStream creates a stream. The connection is opened on first write.
func NewStream(open OpenFunc) *Stream {
	return &Stream{open: open}
}

func (s *Stream) current() (*conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.c != nil {
		select {
		case <-s.c.dead:
			_ = s.c.rwc.Close()
			s.c = nil
			s.pending = nil
		default:
			return s.c, nil
		}
	}

	rwc, err := s.open()
	if err != nil {
		return nil, err
	}
	c := &conn{
		rwc:  rwc,
		in:   make(chan []byte, 64),
		dead: make(chan struct{}),
	}
	go readLoop(c)
	s.c = c
	return c, nil
}

func readLoop(c *conn) {
	buf := make([]byte, readChunk)
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.in <- chunk:
			case <-c.dead:
				return
			}
		}
		if err != nil {
			if isTimeout(err) {
				continue
			}
			c.fail(err)
			return
		}
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, serial.ErrTimeout) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteBytes sends b, reopening the connection if it died.
func (s *Stream) WriteBytes(b []byte) error {
	c, err := s.current()
	if err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := c.rwc.Write(b)
		if err != nil {
			c.fail(err)
			return err
		}
		b = b[n:]
	}
	return nil
}

func (s *Stream) ReadFrame(buf []byte, responseTimeout, frameTimeout time.Duration, complete func([]byte) bool) (int, error) {
	c, err := s.current()
	if err != nil {
		return 0, err
	}

	n := 0
	timeout := responseTimeout
	for n < len(buf) {
		if len(s.pending) > 0 {
			k := copy(buf[n:], s.pending)
			s.pending = s.pending[k:]
			n += k
			if complete != nil && complete(buf[:n]) {
				return n, nil
			}
			timeout = frameTimeout
			continue
		}

		timer := time.NewTimer(timeout)
		select {
		case chunk := <-c.in:
			timer.Stop()
			s.pending = chunk
		case <-c.dead:
			timer.Stop()
			return n, c.err
		case <-timer.C:
			if n == 0 {
				return 0, ErrTimeout
			}
			return n, nil
		}
	}
	return n, nil
}

func (s *Stream) SkipNoise() error {
	s.pending = nil

	s.mu.Lock()
	c := s.c
	s.mu.Unlock()
	if c == nil {
		return nil
	}

	for {
		timer := time.NewTimer(noiseTimeout)
		select {
		case <-c.in:
			timer.Stop()
		case <-c.dead:
			timer.Stop()
			return c.err
		case <-timer.C:
			return nil
		}
	}
}

func (s *Stream) Sleep(d time.Duration) { time.Sleep(d) }

func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.c == nil {
		return nil
	}
	s.c.fail(ErrClosed)
	err := s.c.rwc.Close()
	s.c = nil
	return err
}

// ------------------------------------------------------------
// OPENERS
// ------------------------------------------------------------

// SerialConfig describes an RS-485 line.
type SerialConfig struct {
	Path     string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

func (c *SerialConfig) defaults() {
	if c.BaudRate == 0 {
		c.BaudRate = 9600
	}
	if c.DataBits == 0 {
		c.DataBits = 8
	}
	if c.StopBits == 0 {
		c.StopBits = 1
	}
	if c.Parity == "" {
		c.Parity = "N"
	}
}

// Serial returns the opener of a serial line. Reads time out regularly so
// that the read loop notices a closed port.
func Serial(cfg SerialConfig) OpenFunc {
	cfg.defaults()
	return func() (io.ReadWriteCloser, error) {
		return serial.Open(&serial.Config{
			Address:  cfg.Path,
			BaudRate: cfg.BaudRate,
			DataBits: cfg.DataBits,
			StopBits: cfg.StopBits,
			Parity:   cfg.Parity,
			Timeout:  100 * time.Millisecond,
		})
	}
}

// TCP returns the opener of a serial-over-TCP gateway.
func TCP(address string, dialTimeout time.Duration) OpenFunc {
	if dialTimeout <= 0 {
		dialTimeout = 2 * time.Second
	}
	return func() (io.ReadWriteCloser, error) {
		return net.DialTimeout("tcp", address, dialTimeout)
	}
}
