// internal/memory/block.go
package memory

import "fmt"

// Space is one address space of a protocol (holding registers, coils,
// a meter's energy table). Width is the block size in bytes; 0 means
// single-bit blocks.
type Space struct {
	Name     string
	Width    int
	ReadOnly bool
}

// IsBit reports whether blocks of this space hold a single bit.
func (s Space) IsBit() bool { return s.Width == 0 }

// BlockBits is the number of value bits carried by one block.
func (s Space) BlockBits() int {
	if s.IsBit() {
		return 1
	}
	return s.Width * 8
}

// Block is one fixed-width addressable unit on a device.
// Blocks are interned: one instance per (device, space, address, width).
// The cached value is owned by the scheduler loop of the device's port.
type Block struct {
	Device  int
	Space   Space
	Address uint32

	value uint64
	valid bool
}

// Width is the byte width of the block (0 for bit blocks).
func (b *Block) Width() int { return b.Space.Width }

// Value returns the cached raw value and whether it was ever filled.
func (b *Block) Value() (uint64, bool) { return b.value, b.valid }

// Set stores a raw value read from (or written to) the device.
func (b *Block) Set(v uint64) {
	if bits := b.Space.BlockBits(); bits < 64 {
		v &= 1<<uint(bits) - 1
	}
	b.value = v
	b.valid = true
}

// Invalidate drops the cached value.
func (b *Block) Invalidate() { b.valid = false }

func (b *Block) String() string {
	return fmt.Sprintf("%s[%d]", b.Space.Name, b.Address)
}

// Less orders blocks by address, then width.
func Less(a, b *Block) bool {
	if a.Address != b.Address {
		return a.Address < b.Address
	}
	return a.Width() < b.Width()
}

// Equal reports whether a and b denote the same wire location.
func Equal(a, b *Block) bool {
	return a.Device == b.Device &&
		a.Space.Name == b.Space.Name &&
		a.Address == b.Address &&
		a.Width() == b.Width()
}
