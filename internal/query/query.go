// internal/query/query.go
package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/register"
)

// Operation is the direction of a query.
type Operation int

const (
	Read Operation = iota
	Write
)

func (o Operation) String() string {
	if o == Write {
		return "write"
	}
	return "read"
}

// Status is the execution result of a query.
type Status int

const (
	NotExecuted Status = iota
	Ok
	DeviceError
	// Invalid queries were rejected by the device and may succeed in
	// smaller parts.
	Invalid
	// PermanentError queries cannot succeed as configured.
	PermanentError
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case DeviceError:
		return "device error"
	case Invalid:
		return "invalid"
	case PermanentError:
		return "permanent error"
	}
	return "not executed"
}

// Query is one device transaction over a span of blocks of one space.
// It lives for a single scheduling pass.
type Query struct {
	Device int
	Space  memory.Space
	Op     Operation

	// Blocks is sorted by address and deduplicated.
	Blocks []*memory.Block
	// Registers are fully covered by Blocks, in address order.
	Registers []*register.Register
	// Values holds one raw value per block for write queries.
	Values []uint64

	HasHoles bool
	Status   Status

	ableToSplit bool
}

func newQuery(op Operation, regs []*register.Register) *Query {
	q := &Query{
		Device:      regs[0].Device,
		Space:       regs[0].Config.Space,
		Op:          op,
		Registers:   regs,
		ableToSplit: op == Read,
	}

	seen := make(map[*memory.Block]bool)
	for _, r := range regs {
		for _, b := range r.Blocks {
			if !seen[b] {
				seen[b] = true
				q.Blocks = append(q.Blocks, b)
			}
		}
	}
	sort.Slice(q.Blocks, func(i, j int) bool { return memory.Less(q.Blocks[i], q.Blocks[j]) })

	q.HasHoles = q.Count() != len(q.Blocks)
	return q
}

// Start is the first block address.
func (q *Query) Start() uint32 { return q.Blocks[0].Address }

// Count is the number of blocks spanned, holes included.
func (q *Query) Count() int {
	return int(q.Blocks[len(q.Blocks)-1].Address-q.Blocks[0].Address) + 1
}

// Size is the byte size of the span.
func (q *Query) Size() int {
	if q.Space.IsBit() {
		return (q.Count() + 7) / 8
	}
	return q.Count() * q.Space.Width
}

// AbleToSplit reports whether the query may still be subdivided.
func (q *Query) AbleToSplit() bool { return q.ableToSplit }

func (q *Query) SetAbleToSplit(v bool) { q.ableToSplit = v }

// FinalizeRead stores values (one per spanned block, holes included) into
// the block cache and marks the query Ok.
func (q *Query) FinalizeRead(values []uint64) error {
	if len(values) != q.Count() {
		return fmt.Errorf("query: %s: got %d values for %d blocks", q, len(values), q.Count())
	}
	start := q.Start()
	for _, b := range q.Blocks {
		b.Set(values[b.Address-start])
	}
	q.Status = Ok
	return nil
}

// FinalizeWrite commits the written values to the block cache.
func (q *Query) FinalizeWrite() {
	for i, b := range q.Blocks {
		b.Set(q.Values[i])
	}
	q.Status = Ok
}

// InvalidateRead drops cached values after a failed read.
func (q *Query) InvalidateRead() {
	for _, b := range q.Blocks {
		b.Invalidate()
	}
}

func (q *Query) String() string {
	names := make([]string, 0, len(q.Registers))
	for _, r := range q.Registers {
		names = append(names, r.Config.Name)
	}
	return fmt.Sprintf("%s %s[%d..%d] {%s}",
		q.Op, q.Space.Name, q.Start(), q.Start()+uint32(q.Count())-1, strings.Join(names, ","))
}
