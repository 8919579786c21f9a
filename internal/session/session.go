// internal/session/session.go
package session

import (
	"log"
	"time"

	"github.com/knieriem/hash/crc16"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/port"
)

// MaxFrameLen bounds both directions.
const MaxFrameLen = 64

// Exception is the class of an exception reply.
type Exception int

const (
	NoError Exception = iota
	// NoOpenSession asks the master to log in again.
	NoOpenSession
	// Unsupported rejects the function or address for good.
	Unsupported
	Other
)

// Protocol supplies the meter specific parts of a session.
type Protocol interface {
	// ConnectionSetup logs in to the slave using WriteCommand and
	// ReadResponse. false means the meter refused.
	ConnectionSetup(s *Session) (bool, error)
	// CheckForException inspects a full frame (slave id to crc).
	CheckForException(frame []byte) (Exception, string)
}

type Config struct {
	SlaveID uint32
	// SlaveIDWidth is 1 or 4 bytes.
	SlaveIDWidth    int
	ResponseTimeout time.Duration
	FrameTimeout    time.Duration
}

// Session is the request/response envelope shared by meters that need a
// login before reads. Frames are
//
//	[slave id, LSB first][cmd][payload][crc hi][crc lo]
type Session struct {
	port  port.Port
	proto Protocol
	cfg   Config

	connected bool
}

func New(p port.Port, proto Protocol, cfg Config) *Session {
	if cfg.SlaveIDWidth <= 0 {
		cfg.SlaveIDWidth = 1
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 500 * time.Millisecond
	}
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = 20 * time.Millisecond
	}
	return &Session{port: p, proto: proto, cfg: cfg}
}

func (s *Session) Config() Config { return s.cfg }

var crcTab = crc16.MakeTable(crc16.IBMCRC)

// CRC is the frame checksum with the high byte first on the wire.
func CRC(b []byte) uint16 {
	c := crc16.Checksum(b, crcTab)
	return c<<8 | c>>8
}

// ------------------------------------------------------------
// FRAMING
// ------------------------------------------------------------

// WriteCommand sends one frame.
func (s *Session) WriteCommand(cmd byte, payload []byte) error {
	w := s.cfg.SlaveIDWidth
	if w+1+len(payload)+2 > MaxFrameLen {
		return device.Permanentf("session: outgoing command too long")
	}

	buf := make([]byte, 0, MaxFrameLen)
	for i := 0; i < w; i++ {
		buf = append(buf, byte(s.cfg.SlaveID>>(8*i)))
	}
	buf = append(buf, cmd)
	buf = append(buf, payload...)
	crc := CRC(buf)
	buf = append(buf, byte(crc>>8), byte(crc))

	return s.port.WriteBytes(buf)
}

// ReadResponse reads and checks one frame. expectedCmd < 0 skips the
// command byte check; respLen < 0 accepts any payload size. ok is false
// when the slave reports no open session.
func (s *Session) ReadResponse(expectedCmd, respLen int, complete func([]byte) bool) (payload []byte, ok bool, err error) {
	buf := make([]byte, MaxFrameLen)
	n, err := s.port.ReadFrame(buf, s.cfg.ResponseTimeout, s.cfg.FrameTimeout, complete)
	if err != nil {
		return nil, false, device.Wrap(device.Transient, "session: read", err)
	}
	frame := buf[:n]

	w := s.cfg.SlaveIDWidth
	if n < w+3 {
		return nil, false, device.Transientf("session: frame too short")
	}

	crc := CRC(frame[:n-2])
	if frame[n-2] != byte(crc>>8) || frame[n-1] != byte(crc) {
		return nil, false, device.Transientf("session: invalid crc")
	}

	for i := 0; i < w; i++ {
		if frame[i] != byte(s.cfg.SlaveID>>(8*i)) {
			return nil, false, device.Transientf("session: invalid slave id")
		}
	}

	switch exc, msg := s.proto.CheckForException(frame); exc {
	case NoOpenSession:
		return nil, false, nil
	case Unsupported:
		return nil, false, device.Unsupportedf("session: %s", msg)
	case Other:
		return nil, false, device.Transientf("session: %s", msg)
	}

	p := w
	if expectedCmd >= 0 {
		if frame[p] != byte(expectedCmd) {
			return nil, false, device.Transientf("session: invalid command code in the response")
		}
		p++
	}

	body := frame[p : n-2]
	if respLen >= 0 && len(body) != respLen {
		return nil, false, device.Transientf("session: unexpected frame size")
	}

	out := make([]byte, len(body))
	copy(out, body)
	return out, true, nil
}

// ------------------------------------------------------------
// SESSION
// ------------------------------------------------------------

// EnsureConnected logs in unless a session is believed open. force drops
// the belief first.
func (s *Session) EnsureConnected(force bool) error {
	if s.connected && !force {
		return nil
	}
	s.connected = false

	_ = s.port.SkipNoise()

	ok, err := s.proto.ConnectionSetup(s)
	if err != nil && device.KindOf(err) != device.Transient {
		return err
	}
	if err != nil || !ok {
		return device.Transientf("session: failed to establish meter connection")
	}

	s.connected = true
	return nil
}

// Disconnect forgets the open session.
func (s *Session) Disconnect() { s.connected = false }

// Connected reports whether a session is believed open.
func (s *Session) Connected() bool { return s.connected }

// Talk sends a command and returns the response payload. A no-open-session
// reply triggers one login and one resend; a second such reply is a
// transient failure.
func (s *Session) Talk(cmd byte, payload []byte, expectedCmd, respLen int, complete func([]byte) bool) ([]byte, error) {
	resp, err := s.talk(cmd, payload, expectedCmd, respLen, complete)
	if err != nil && device.KindOf(err) == device.Transient {
		_ = s.port.SkipNoise()
	}
	return resp, err
}

func (s *Session) talk(cmd byte, payload []byte, expectedCmd, respLen int, complete func([]byte) bool) ([]byte, error) {
	if err := s.EnsureConnected(false); err != nil {
		return nil, err
	}

	if err := s.WriteCommand(cmd, payload); err != nil {
		return nil, err
	}
	resp, ok, err := s.ReadResponse(expectedCmd, respLen, complete)
	if err != nil || ok {
		return resp, err
	}

	log.Printf("session: slave %d reports no open session, reconnecting", s.cfg.SlaveID)
	if err := s.EnsureConnected(true); err != nil {
		return nil, err
	}
	if err := s.WriteCommand(cmd, payload); err != nil {
		return nil, err
	}
	resp, ok, err = s.ReadResponse(expectedCmd, respLen, complete)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.connected = false
		return nil, device.Transientf("session: no open session after reconnect")
	}
	return resp, nil
}
