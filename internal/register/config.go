// internal/register/config.go
package register

import (
	"errors"
	"fmt"
	"time"

	"github.com/tamzrod/meter-poller/internal/memory"
)

// Config describes one logical value on a device.
type Config struct {
	Name    string
	Space   memory.Space
	Address uint32

	Format    Format
	WordOrder WordOrder

	// Optional sub-field, counted from the least significant bit
	// of the concatenated blocks after word-order correction.
	BitOffset int
	BitWidth  int

	// Size is the byte length of String values.
	Size int

	Scale   float64
	Offset  float64
	RoundTo float64

	PollInterval time.Duration
	ReadOnly     bool
	WriteOnly    bool

	HasErrorValue bool
	ErrorValue    uint64
}

// NewConfig fills defaults and checks that the value fits the blocks it spans.
func NewConfig(c Config) (Config, error) {
	if c.Name == "" {
		return c, errors.New("register: name required")
	}
	if _, ok := formatNames[c.Format]; !ok {
		return c, fmt.Errorf("register %s: unknown format", c.Name)
	}
	if c.Scale == 0 {
		c.Scale = 1
	}
	if c.RoundTo < 0 {
		return c, fmt.Errorf("register %s: round_to must be >= 0", c.Name)
	}
	if c.BitOffset < 0 || c.BitWidth < 0 {
		return c, fmt.Errorf("register %s: negative bit offset/width", c.Name)
	}

	if c.Space.IsBit() {
		if !c.Format.Integer() {
			return c, fmt.Errorf("register %s: format %s not allowed in bit space %s", c.Name, c.Format, c.Space.Name)
		}
		if c.BitOffset != 0 || c.BitWidth > 1 {
			return c, fmt.Errorf("register %s: bit fields not allowed in bit space %s", c.Name, c.Space.Name)
		}
		return c, nil
	}

	if c.Format == String {
		if c.Size == 0 {
			c.Size = c.Space.Width
		}
		if c.Size < 1 || c.Size > 8 {
			return c, fmt.Errorf("register %s: string size must be 1..8 bytes", c.Name)
		}
		if c.BitOffset != 0 || c.BitWidth != 0 {
			return c, fmt.Errorf("register %s: bit fields not allowed on strings", c.Name)
		}
	}

	bits := c.formatBits()
	if bits == 0 || bits%8 != 0 {
		return c, fmt.Errorf("register %s: unsupported value width %d", c.Name, bits)
	}

	total := c.totalBits()
	if total > 64 {
		return c, fmt.Errorf("register %s: value spans %d bits, max 64", c.Name, total)
	}
	if c.WordOrder == LittleEndian && total%16 != 0 {
		return c, fmt.Errorf("register %s: little-endian word order needs whole 16-bit words, value spans %d bits", c.Name, total)
	}

	if c.BitOffset > 0 && c.BitWidth == 0 {
		c.BitWidth = bits - c.BitOffset
		if c.BitWidth <= 0 {
			return c, fmt.Errorf("register %s: bit offset %d outside %d-bit value", c.Name, c.BitOffset, bits)
		}
	}
	if c.BitWidth > 0 {
		if c.BitWidth > bits {
			return c, fmt.Errorf("register %s: bit width %d exceeds format width %d", c.Name, c.BitWidth, bits)
		}
		if c.BitOffset+c.BitWidth > total {
			return c, fmt.Errorf("register %s: bit field %d:%d does not fit in %d bits", c.Name, c.BitOffset, c.BitWidth, total)
		}
	}
	return c, nil
}

func (c *Config) formatBits() int {
	if c.Format == String {
		return c.Size * 8
	}
	return c.Format.Bits()
}

// ValueBits is the number of significant bits of the value.
func (c *Config) ValueBits() int {
	switch {
	case c.Space.IsBit():
		return 1
	case c.BitWidth > 0:
		return c.BitWidth
	}
	return c.formatBits()
}

// BlockCount is the number of consecutive blocks the value occupies.
func (c *Config) BlockCount() int {
	if c.Space.IsBit() {
		return 1
	}
	bb := c.Space.BlockBits()
	return (c.formatBits() + bb - 1) / bb
}

// totalBits is the width of the concatenated blocks.
func (c *Config) totalBits() int {
	return c.BlockCount() * c.Space.BlockBits()
}

// valueShift is the position of the least significant value bit within the
// concatenated blocks. Strings start at the first byte of the first block.
func (c *Config) valueShift() uint {
	if c.Format == String {
		return uint(c.totalBits() - c.Size*8)
	}
	return uint(c.BitOffset)
}

// extract picks the value out of the concatenated blocks, already in
// big-endian word order.
func (c *Config) extract(raw uint64) uint64 {
	return (raw >> c.valueShift()) & mask(c.ValueBits())
}

// insert places v into raw, keeping the bits outside the value.
func (c *Config) insert(raw, v uint64) uint64 {
	m := mask(c.ValueBits()) << c.valueShift()
	return raw&^m | (v<<c.valueShift())&m
}

// Writable reports whether values may be sent to the device.
func (c *Config) Writable() bool {
	return !c.ReadOnly && !c.Space.ReadOnly
}

// Polled reports whether the register takes part in scheduled reads.
func (c *Config) Polled() bool { return !c.WriteOnly }
