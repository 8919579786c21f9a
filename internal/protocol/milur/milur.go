// internal/protocol/milur/milur.go
package milur

import (
	"fmt"
	"strconv"
	"time"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/port"
	"github.com/tamzrod/meter-poller/internal/query"
	"github.com/tamzrod/meter-poller/internal/session"
)

const (
	Name = "milur"

	cmdRead  byte = 0x01
	cmdLogin byte = 0x08

	defaultAccessLevel = 1
	passwordSize       = 6

	DefaultResponseTimeout = 1000 * time.Millisecond
	DefaultFrameTimeout    = 50 * time.Millisecond
)

// Address spaces. Width is the value size in bytes on the wire.
var (
	Param       = memory.Space{Name: "param", Width: 3, ReadOnly: true}
	Power       = memory.Space{Name: "power", Width: 4, ReadOnly: true}
	Energy      = memory.Space{Name: "energy", Width: 4, ReadOnly: true}
	Freq        = memory.Space{Name: "freq", Width: 2, ReadOnly: true}
	PowerFactor = memory.Space{Name: "power_factor", Width: 2, ReadOnly: true}
)

// Entry registers the protocol. Every register is its own exchange.
func Entry() device.Entry {
	return device.Entry{
		Name:   Name,
		Spaces: []memory.Space{Param, Power, Energy, Freq, PowerFactor},
		Limits: query.Limits{MaxBlocks: 1},
		New:    New,
	}
}

// Protocol talks to one Milur meter.
type Protocol struct {
	s           *session.Session
	idWidth     int
	accessLevel byte
	password    []byte
}

func New(cfg device.Config, p port.Port) (device.Protocol, error) {
	id, err := strconv.ParseUint(cfg.SlaveID, 0, 32)
	if err != nil {
		return nil, fmt.Errorf("milur: invalid slave id %q", cfg.SlaveID)
	}

	m := &Protocol{idWidth: 1, accessLevel: defaultAccessLevel}
	if id > 0xff {
		m.idWidth = 4
	}
	if cfg.AccessLevel != 0 {
		m.accessLevel = byte(cfg.AccessLevel)
	}

	switch len(cfg.Password) {
	case 0:
		m.password = []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	case passwordSize:
		m.password = append([]byte(nil), cfg.Password...)
	default:
		return nil, fmt.Errorf("milur: invalid password size (%d bytes expected)", passwordSize)
	}

	rt, ft := cfg.ResponseTimeout, cfg.FrameTimeout
	if rt <= 0 {
		rt = DefaultResponseTimeout
	}
	if ft <= 0 {
		ft = DefaultFrameTimeout
	}

	m.s = session.New(p, m, session.Config{
		SlaveID:         uint32(id),
		SlaveIDWidth:    m.idWidth,
		ResponseTimeout: rt,
		FrameTimeout:    ft,
	})
	return m, nil
}

// ------------------------------------------------------------
// session.Protocol
// ------------------------------------------------------------

func (m *Protocol) ConnectionSetup(s *session.Session) (bool, error) {
	payload := append([]byte{m.accessLevel}, m.password...)
	if err := s.WriteCommand(cmdLogin, payload); err != nil {
		return false, err
	}
	resp, ok, err := s.ReadResponse(int(cmdLogin), 1, nil)
	if err != nil || !ok {
		return false, err
	}
	return resp[0] == m.accessLevel, nil
}

var exceptions = [...]struct {
	kind session.Exception
	msg  string
}{
	0x01: {session.Unsupported, "illegal function"},
	0x02: {session.Unsupported, "illegal data address"},
	0x03: {session.Other, "illegal data value"},
	0x04: {session.Other, "slave device failure"},
	0x05: {session.Other, "acknowledge"},
	0x06: {session.Other, "slave device busy"},
	0x07: {session.Other, "EEPROM access error"},
	0x08: {session.NoOpenSession, "session closed"},
	0x09: {session.Other, "access denied"},
	0x0a: {session.Other, "CRC error"},
	0x0b: {session.Other, "frame incorrect"},
	0x0c: {session.Other, "jumper absent"},
	0x0d: {session.Other, "password incorrect"},
}

// CheckForException recognizes [id][cmd|0x80][code][crc][crc].
func (m *Protocol) CheckForException(frame []byte) (session.Exception, string) {
	if len(frame) != m.idWidth+4 || frame[m.idWidth]&0x80 == 0 {
		return session.NoError, ""
	}
	code := int(frame[m.idWidth+1])
	if code == 0 || code >= len(exceptions) {
		return session.Other, "invalid exception code"
	}
	e := exceptions[code]
	return e.kind, e.msg
}

// ------------------------------------------------------------
// device.Protocol
// ------------------------------------------------------------

// ReadBlocks reads every address with its own exchange. The response is
// [addr][size][value, little-endian].
func (m *Protocol) ReadBlocks(space memory.Space, start uint32, count int) ([]uint64, error) {
	out := make([]uint64, count)
	for i := range out {
		addr := start + uint32(i)
		if addr > 0xff {
			return nil, device.Permanentf("milur: register address %d out of range", addr)
		}

		resp, err := m.s.Talk(cmdRead, []byte{byte(addr)}, int(cmdRead), space.Width+2, nil)
		if err != nil {
			return nil, err
		}
		if resp[0] != byte(addr) {
			return nil, device.Transientf("milur: bad register address in the response")
		}
		if int(resp[1]) != space.Width {
			return nil, device.Transientf("milur: bad register size in the response")
		}

		var v uint64
		for j := space.Width - 1; j >= 0; j-- {
			v = v<<8 | uint64(resp[2+j])
		}
		out[i] = v
	}
	return out, nil
}

func (m *Protocol) WriteBlocks(memory.Space, uint32, []uint64) error {
	return device.Permanentf("milur: writing to registers not supported")
}
