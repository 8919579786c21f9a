// internal/memory/intern.go
package memory

import "sync"

type key struct {
	device  int
	space   string
	address uint32
	width   int
}

// Interner hands out the canonical Block for a wire location.
type Interner struct {
	mu     sync.Mutex
	blocks map[key]*Block
}

func NewInterner() *Interner {
	return &Interner{blocks: make(map[key]*Block)}
}

// Intern returns the shared block for (device, space, address),
// creating it on first use.
func (in *Interner) Intern(device int, space Space, address uint32) *Block {
	in.mu.Lock()
	defer in.mu.Unlock()

	k := key{device: device, space: space.Name, address: address, width: space.Width}
	if b, ok := in.blocks[k]; ok {
		return b
	}
	b := &Block{Device: device, Space: space, Address: address}
	in.blocks[k] = b
	return b
}

// Len is the number of distinct blocks.
func (in *Interner) Len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.blocks)
}
