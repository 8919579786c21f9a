// internal/register/table.go
package register

import (
	"fmt"

	"github.com/tamzrod/meter-poller/internal/memory"
)

// ID is an index handle into a Table.
type ID int

// Register is a polled value bound to one device and its memory blocks.
type Register struct {
	ID         ID
	Device     int
	DeviceName string
	Config     *Config
	Blocks     []*memory.Block
	Handler    *Handler
}

func (r *Register) String() string {
	return fmt.Sprintf("%s/%s", r.DeviceName, r.Config.Name)
}

// Start is the address of the first block.
func (r *Register) Start() uint32 { return r.Blocks[0].Address }

// End is the address of the last block.
func (r *Register) End() uint32 { return r.Blocks[len(r.Blocks)-1].Address }

// Compose assembles the value from the cached blocks: first block most
// significant, word order applied over the whole span, then the value bits
// picked out. ok is false if any block was never filled.
func (r *Register) Compose() (v uint64, ok bool) {
	raw, ok := r.blocksValue()
	return r.Config.extract(r.Config.invertWordOrder(raw)), ok
}

func (r *Register) blocksValue() (raw uint64, ok bool) {
	bb := uint(r.Config.Space.BlockBits())
	ok = true
	for _, b := range r.Blocks {
		bv, valid := b.Value()
		if !valid {
			ok = false
		}
		raw = raw<<bb | bv
	}
	return raw, ok
}

// Decompose splits v into per-block values. Bits outside a bit field keep
// their cached block contents.
func (r *Register) Decompose(v uint64) []uint64 {
	c := r.Config
	bb := uint(c.Space.BlockBits())

	var raw uint64
	if c.BitWidth > 0 {
		cached, _ := r.blocksValue()
		raw = c.invertWordOrder(cached)
	}
	raw = c.invertWordOrder(c.insert(raw, v))

	out := make([]uint64, len(r.Blocks))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = raw & mask(int(bb))
		raw >>= bb
	}
	return out
}

// ------------------------------------------------------------
// TABLE (arena)
// ------------------------------------------------------------

// Table owns all registers. Registers are addressed by ID.
type Table struct {
	regs   []*Register
	byName map[string]ID
	notify func(ID)
}

// NewTable creates a table. notify is invoked with the register ID every
// time a value is set for writing.
func NewTable(notify func(ID)) *Table {
	return &Table{byName: make(map[string]ID), notify: notify}
}

// Add validates cfg, interns its blocks and stores the register.
func (t *Table) Add(device int, deviceName string, cfg Config, in *memory.Interner) (*Register, error) {
	c, err := NewConfig(cfg)
	if err != nil {
		return nil, err
	}

	key := deviceName + "/" + c.Name
	if _, dup := t.byName[key]; dup {
		return nil, fmt.Errorf("register %s: duplicate name", key)
	}

	id := ID(len(t.regs))
	r := &Register{
		ID:         id,
		Device:     device,
		DeviceName: deviceName,
		Config:     &c,
	}
	for i := 0; i < c.BlockCount(); i++ {
		r.Blocks = append(r.Blocks, in.Intern(device, c.Space, c.Address+uint32(i)))
	}
	r.Handler = NewHandler(r.Config, func() {
		if t.notify != nil {
			t.notify(id)
		}
	})

	t.regs = append(t.regs, r)
	t.byName[key] = id
	return r, nil
}

// Get returns the register for id, or nil.
func (t *Table) Get(id ID) *Register {
	if id < 0 || int(id) >= len(t.regs) {
		return nil
	}
	return t.regs[id]
}

// Lookup finds a register by device and register name.
func (t *Table) Lookup(device, name string) (*Register, bool) {
	id, ok := t.byName[device+"/"+name]
	if !ok {
		return nil, false
	}
	return t.regs[id], true
}

// All returns registers in insertion order.
func (t *Table) All() []*Register {
	out := make([]*Register, len(t.regs))
	copy(out, t.regs)
	return out
}

func (t *Table) Len() int { return len(t.regs) }
