// internal/register/codec.go
package register

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/x448/float16"
)

// Decode renders a device value as text.
func (c *Config) Decode(v uint64) string {
	return c.fromSlave(v)
}

// Encode parses text into the device value.
func (c *Config) Encode(text string) (uint64, error) {
	v, err := c.fromMaster(text)
	if err != nil {
		return 0, fmt.Errorf("register %s: invalid value %q: %w", c.Name, text, err)
	}
	return v, nil
}

// invertWordOrder swaps the order of the 16-bit words spanned by the
// register's blocks when it is little-endian. Applying it twice is the
// identity.
func (c *Config) invertWordOrder(v uint64) uint64 {
	if c.WordOrder == BigEndian || c.totalBits() <= 16 {
		return v
	}
	var out uint64
	for i := 0; i < c.totalBits()/16; i++ {
		out = out<<16 | v&0xffff
		v >>= 16
	}
	return out
}

func (c *Config) fromSlave(v uint64) string {
	switch c.Format {
	case S8:
		return c.scaledInt(int64(int8(v)))
	case S16:
		return c.scaledInt(int64(int16(v)))
	case S24:
		u := uint32(v & 0xffffff)
		if u&0x800000 != 0 {
			u |= 0xff000000
		}
		return c.scaledInt(int64(int32(u)))
	case S32:
		return c.scaledInt(int64(int32(v)))
	case S64:
		return c.scaledInt(int64(v))
	case BCD8, BCD16, BCD24, BCD32:
		return c.scaledUint(PackedBCDToInt(v, c.Format.Bits()))
	case Float:
		return c.scaledFloat(float64(math.Float32frombits(uint32(v))), 32)
	case Double:
		return c.scaledFloat(math.Float64frombits(v), 64)
	case Half:
		return c.scaledFloat(float64(float16.Frombits(uint16(v)).Float32()), 32)
	case Char8:
		return string([]byte{byte(v)})
	case String:
		b := make([]byte, c.Size)
		for i := c.Size - 1; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
		return strings.TrimRight(string(b), "\x00")
	}
	return c.scaledUint(v & mask(c.ValueBits()))
}

func (c *Config) fromMaster(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch c.Format {
	case S8, S16, S24, S32, S64:
		v, err := c.parseInt(s)
		return uint64(v) & mask(c.Format.Bits()), err
	case U8, U16, U24, U32, U64:
		v, err := c.parseUint(s)
		return v & mask(c.ValueBits()), err
	case Float:
		f, err := c.parseFloat(s)
		return uint64(math.Float32bits(float32(f))), err
	case Double:
		f, err := c.parseFloat(s)
		return math.Float64bits(f), err
	case Half:
		f, err := c.parseFloat(s)
		return uint64(float16.Fromfloat32(float32(f)).Bits()), err
	case BCD8, BCD16, BCD24, BCD32:
		bits := c.Format.Bits()
		v, err := c.parseUint(s)
		return IntToPackedBCD(v&mask(bits), bits), err
	case Char8:
		if s == "" {
			return 0, nil
		}
		return uint64(s[0]), nil
	case String:
		var v uint64
		for i := 0; i < c.Size; i++ {
			v <<= 8
			if i < len(s) {
				v |= uint64(s[i])
			}
		}
		return v, nil
	}
	return c.parseUint(s)
}

// ---- scaling ----

func (c *Config) plain() bool {
	return c.Scale == 1 && c.Offset == 0 && c.RoundTo == 0
}

func (c *Config) scale(v float64) float64 {
	v = v*c.Scale + c.Offset
	if c.RoundTo > 0 {
		v = math.Round(v/c.RoundTo) * c.RoundTo
	}
	return v
}

func (c *Config) unscale(v float64) float64 {
	if c.RoundTo > 0 {
		v = math.Round(v/c.RoundTo) * c.RoundTo
	}
	return (v - c.Offset) / c.Scale
}

func (c *Config) scaledInt(v int64) string {
	if c.plain() {
		return strconv.FormatInt(v, 10)
	}
	return strconv.FormatFloat(c.scale(float64(v)), 'g', 15, 64)
}

func (c *Config) scaledUint(v uint64) string {
	if c.plain() {
		return strconv.FormatUint(v, 10)
	}
	return strconv.FormatFloat(c.scale(float64(v)), 'g', 15, 64)
}

func (c *Config) scaledFloat(v float64, bitSize int) string {
	if c.plain() {
		return strconv.FormatFloat(v, 'g', -1, bitSize)
	}
	return strconv.FormatFloat(c.scale(v), 'g', 15, 64)
}

func (c *Config) parseInt(s string) (int64, error) {
	if c.plain() {
		return strconv.ParseInt(s, 10, 64)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(c.unscale(f))), nil
}

func (c *Config) parseUint(s string) (uint64, error) {
	if c.plain() {
		v, err := strconv.ParseUint(s, 10, 64)
		if err == nil {
			return v, nil
		}
		// negative input wraps like an unsigned cast
		if i, ierr := strconv.ParseInt(s, 10, 64); ierr == nil {
			return uint64(i), nil
		}
		return 0, err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	r := math.Round(c.unscale(f))
	if r < 0 {
		return uint64(int64(r)), nil
	}
	return uint64(r), nil
}

func (c *Config) parseFloat(s string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if c.plain() {
		return f, nil
	}
	return c.unscale(f), nil
}

// ---- packed BCD ----

// PackedBCDToInt reads bits/4 decimal digits, most significant nibble first.
func PackedBCDToInt(v uint64, bits int) uint64 {
	var out uint64
	for i := bits/4 - 1; i >= 0; i-- {
		out = out*10 + (v>>(4*uint(i)))&0xf
	}
	return out
}

// IntToPackedBCD packs the low bits/4 decimal digits of v.
func IntToPackedBCD(v uint64, bits int) uint64 {
	var out uint64
	for i := 0; i < bits/4; i++ {
		out |= (v % 10) << (4 * uint(i))
		v /= 10
	}
	return out
}

func mask(bits int) uint64 {
	if bits >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(bits) - 1
}
