// internal/protocol/modbus/client.go
package modbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/tamzrod/meter-poller/internal/device"
	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/port"
	"github.com/tamzrod/meter-poller/internal/query"
)

const (
	NameRTU = "modbus"
	NameTCP = "modbus_tcp"

	DefaultResponseTimeout = 500 * time.Millisecond
	DefaultFrameTimeout    = 20 * time.Millisecond

	maxADU = 260
)

var (
	Holding  = memory.Space{Name: "holding", Width: 2}
	Input    = memory.Space{Name: "input", Width: 2, ReadOnly: true}
	Coil     = memory.Space{Name: "coil"}
	Discrete = memory.Space{Name: "discrete", ReadOnly: true}

	spaces = []memory.Space{Holding, Input, Coil, Discrete}
	limits = query.Limits{MaxBlocks: 125}
)

func EntryRTU() device.Entry {
	return device.Entry{Name: NameRTU, Spaces: spaces, Limits: limits, New: NewRTU}
}

func EntryTCP() device.Entry {
	return device.Entry{Name: NameTCP, Spaces: spaces, Limits: limits, New: NewTCP}
}

// Client implements device.Protocol for one Modbus slave. goburrow does the
// PDU and ADU work; bytes travel over the shared port.
type Client struct {
	mu     sync.Mutex
	port   port.Port
	client modbus.Client
}

// NewRTU builds an RTU client.
func NewRTU(cfg device.Config, p port.Port) (device.Protocol, error) {
	id, err := slaveID(cfg.SlaveID)
	if err != nil {
		return nil, err
	}
	h := modbus.NewRTUClientHandler("")
	h.SlaveId = id
	return newClient(h, p, cfg, rtuComplete), nil
}

// NewTCP builds a client for Modbus TCP gateways.
func NewTCP(cfg device.Config, p port.Port) (device.Protocol, error) {
	id, err := slaveID(cfg.SlaveID)
	if err != nil {
		return nil, err
	}
	h := modbus.NewTCPClientHandler("")
	h.SlaveId = id
	return newClient(h, p, cfg, tcpComplete), nil
}

func slaveID(s string) (byte, error) {
	id, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("modbus: invalid slave id %q", s)
	}
	return byte(id), nil
}

func newClient(pk modbus.Packager, p port.Port, cfg device.Config, complete func([]byte) bool) *Client {
	tr := &transporter{
		port:            p,
		responseTimeout: cfg.ResponseTimeout,
		frameTimeout:    cfg.FrameTimeout,
		complete:        complete,
	}
	if tr.responseTimeout <= 0 {
		tr.responseTimeout = DefaultResponseTimeout
	}
	if tr.frameTimeout <= 0 {
		tr.frameTimeout = DefaultFrameTimeout
	}
	return &Client{port: p, client: modbus.NewClient2(pk, tr)}
}

// ------------------------------------------------------------
// device.Protocol
// ------------------------------------------------------------

func (c *Client) ReadBlocks(space memory.Space, start uint32, count int) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, qty := uint16(start), uint16(count)

	var (
		raw []byte
		err error
	)
	switch space.Name {
	case Holding.Name:
		raw, err = c.client.ReadHoldingRegisters(addr, qty)
	case Input.Name:
		raw, err = c.client.ReadInputRegisters(addr, qty)
	case Coil.Name:
		raw, err = c.client.ReadCoils(addr, qty)
	case Discrete.Name:
		raw, err = c.client.ReadDiscreteInputs(addr, qty)
	default:
		return nil, device.Permanentf("modbus: unknown space %s", space.Name)
	}
	if err != nil {
		return nil, c.classify(err)
	}

	var out []uint64
	if space.IsBit() {
		for _, b := range unpackBits(raw, count) {
			if b {
				out = append(out, 1)
			} else {
				out = append(out, 0)
			}
		}
	} else {
		for _, r := range unpackRegisters(raw) {
			out = append(out, uint64(r))
		}
	}
	if len(out) != count {
		return nil, device.Transientf("modbus: got %d values for %d blocks", len(out), count)
	}
	return out, nil
}

func (c *Client) WriteBlocks(space memory.Space, start uint32, values []uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	addr, qty := uint16(start), uint16(len(values))

	var err error
	switch space.Name {
	case Holding.Name:
		if len(values) == 1 {
			_, err = c.client.WriteSingleRegister(addr, uint16(values[0]))
			break
		}
		regs := make([]uint16, len(values))
		for i, v := range values {
			regs[i] = uint16(v)
		}
		_, err = c.client.WriteMultipleRegisters(addr, qty, packRegisters(regs))
	case Coil.Name:
		if len(values) == 1 {
			var v uint16
			if values[0] != 0 {
				v = 0xFF00
			}
			_, err = c.client.WriteSingleCoil(addr, v)
			break
		}
		bits := make([]bool, len(values))
		for i, v := range values {
			bits[i] = v != 0
		}
		_, err = c.client.WriteMultipleCoils(addr, qty, packBits(bits))
	default:
		return device.Permanentf("modbus: space %s is read-only", space.Name)
	}
	if err != nil {
		return c.classify(err)
	}
	return nil
}

// classify maps illegal function/address exceptions to Unsupported. Other
// failures are transient; line garbage is skipped before the next attempt.
func (c *Client) classify(err error) error {
	var me *modbus.ModbusError
	if errors.As(err, &me) {
		switch me.ExceptionCode {
		case modbus.ExceptionCodeIllegalFunction, modbus.ExceptionCodeIllegalDataAddress:
			return device.Wrap(device.Unsupported, "modbus", err)
		}
		return device.Wrap(device.Transient, "modbus", err)
	}
	_ = c.port.SkipNoise()
	return device.Wrap(device.Transient, "modbus", err)
}

// ------------------------------------------------------------
// transport over port.Port
// ------------------------------------------------------------

type transporter struct {
	port            port.Port
	responseTimeout time.Duration
	frameTimeout    time.Duration
	complete        func([]byte) bool
}

// Send implements modbus.Transporter.
func (t *transporter) Send(adu []byte) ([]byte, error) {
	if err := t.port.WriteBytes(adu); err != nil {
		return nil, err
	}
	buf := make([]byte, maxADU)
	n, err := t.port.ReadFrame(buf, t.responseTimeout, t.frameTimeout, t.complete)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// rtuComplete reports a full RTU response: [id][fc][...][crc lo][crc hi].
func rtuComplete(b []byte) bool {
	if len(b) < 2 {
		return false
	}
	fc := b[1]
	if fc&0x80 != 0 {
		return len(b) >= 5
	}
	switch fc {
	case 1, 2, 3, 4:
		return len(b) >= 3 && len(b) >= 3+int(b[2])+2
	case 5, 6, 15, 16:
		return len(b) >= 8
	}
	return false
}

// tcpComplete uses the MBAP length field.
func tcpComplete(b []byte) bool {
	if len(b) < 6 {
		return false
	}
	return len(b) >= 6+int(binary.BigEndian.Uint16(b[4:6]))
}

// ------------------------------------------------------------
// helpers
// ------------------------------------------------------------

func unpackBits(data []byte, count int) []bool {
	out := make([]bool, count)
	for i := 0; i < count; i++ {
		byteIdx := i / 8
		if byteIdx >= len(data) {
			continue
		}
		out[i] = data[byteIdx]&(1<<uint(i%8)) != 0
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	n := len(data) / 2
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = uint16(data[2*i])<<8 | uint16(data[2*i+1])
	}
	return out
}

func packBits(bits []bool) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, v := range bits {
		if v {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		out[2*i] = byte(r >> 8)
		out[2*i+1] = byte(r)
	}
	return out
}
