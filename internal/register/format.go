// internal/register/format.go
package register

import (
	"fmt"
	"strings"
)

// Format is the wire representation of a register value.
type Format int

const (
	U16 Format = iota
	S16
	U8
	S8
	U24
	S24
	U32
	S32
	U64
	S64
	Float
	Double
	Half
	BCD8
	BCD16
	BCD24
	BCD32
	Char8
	String
)

var formatNames = map[Format]string{
	U8: "u8", S8: "s8", U16: "u16", S16: "s16", U24: "u24", S24: "s24",
	U32: "u32", S32: "s32", U64: "u64", S64: "s64",
	Float: "float", Double: "double", Half: "half",
	BCD8: "bcd8", BCD16: "bcd16", BCD24: "bcd24", BCD32: "bcd32",
	Char8: "char8", String: "string",
}

// ParseFormat maps a config name to a Format. Empty means u16.
func ParseFormat(name string) (Format, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return U16, nil
	}
	for f, n := range formatNames {
		if n == name {
			return f, nil
		}
	}
	return 0, fmt.Errorf("register: unknown format %q", name)
}

func (f Format) String() string {
	if n, ok := formatNames[f]; ok {
		return n
	}
	return fmt.Sprintf("format(%d)", int(f))
}

// Bits is the natural value width. String reports 0: its width comes from Config.Size.
func (f Format) Bits() int {
	switch f {
	case U8, S8, BCD8, Char8:
		return 8
	case U16, S16, BCD16, Half:
		return 16
	case U24, S24, BCD24:
		return 24
	case U32, S32, BCD32, Float:
		return 32
	case U64, S64, Double:
		return 64
	}
	return 0
}

// Integer reports plain signed/unsigned integer formats.
func (f Format) Integer() bool {
	switch f {
	case U8, S8, U16, S16, U24, S24, U32, S32, U64, S64:
		return true
	}
	return false
}

// WordOrder is the order of 16-bit words in multi-word values.
type WordOrder int

const (
	BigEndian WordOrder = iota
	LittleEndian
)

func ParseWordOrder(name string) (WordOrder, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "big_endian":
		return BigEndian, nil
	case "little_endian":
		return LittleEndian, nil
	}
	return 0, fmt.Errorf("register: unknown word order %q", name)
}

func (o WordOrder) String() string {
	if o == LittleEndian {
		return "little_endian"
	}
	return "big_endian"
}
