// internal/query/builder.go
package query

import (
	"fmt"
	"sort"

	"github.com/tamzrod/meter-poller/internal/register"
)

// Limits are the per-device request bounds.
type Limits struct {
	// MaxBlocks caps the span of one request. 0 means unbounded.
	MaxBlocks int
	// MaxHole is the largest gap, in blocks, bridged inside one request.
	MaxHole int
	// MaxBitHole is the same bound for single-bit spaces.
	MaxBitHole int
}

func (l Limits) hole(bit bool) int {
	if bit {
		return l.MaxBitHole
	}
	return l.MaxHole
}

// CheckLimits reports a register that can never be read in one request.
func CheckLimits(r *register.Register, l Limits) error {
	if n := len(r.Blocks); l.MaxBlocks > 0 && n > l.MaxBlocks {
		return fmt.Errorf("query: register %s spans %d blocks, device allows %d", r, n, l.MaxBlocks)
	}
	return nil
}

type groupKey struct {
	device int
	space  string
}

// Build groups registers into the smallest list of read (or write-batch)
// queries that respects l. Output order follows the first appearance of
// each (device, space) in regs, then address.
func Build(regs []*register.Register, op Operation, l Limits) ([]*Query, error) {
	var order []groupKey
	groups := make(map[groupKey][]*register.Register)

	for _, r := range regs {
		if err := CheckLimits(r, l); err != nil {
			return nil, err
		}
		k := groupKey{device: r.Device, space: r.Config.Space.Name}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}

	var out []*Query
	for _, k := range order {
		out = append(out, buildGroup(groups[k], op, l)...)
	}
	return out, nil
}

func buildGroup(regs []*register.Register, op Operation, l Limits) []*Query {
	sorted := make([]*register.Register, len(regs))
	copy(sorted, regs)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start() != sorted[j].Start() {
			return sorted[i].Start() < sorted[j].Start()
		}
		return sorted[i].End() < sorted[j].End()
	})

	hole := uint32(l.hole(sorted[0].Config.Space.IsBit()))

	var out []*Query
	var cur []*register.Register
	var start, end uint32

	for _, r := range sorted {
		if len(cur) == 0 {
			cur = []*register.Register{r}
			start, end = r.Start(), r.End()
			continue
		}

		newEnd := end
		if r.End() > newEnd {
			newEnd = r.End()
		}
		var gap uint32
		if r.Start() > end+1 {
			gap = r.Start() - end - 1
		}

		tooWide := l.MaxBlocks > 0 && int(newEnd-start)+1 > l.MaxBlocks
		if gap > hole || tooWide {
			out = append(out, newQuery(op, cur))
			cur = []*register.Register{r}
			start, end = r.Start(), r.End()
			continue
		}

		cur = append(cur, r)
		end = newEnd
	}
	if len(cur) > 0 {
		out = append(out, newQuery(op, cur))
	}
	return out
}

// BuildWrite makes the write query for one register carrying value v.
// Write queries are never split.
func BuildWrite(r *register.Register, v uint64) *Query {
	q := newQuery(Write, []*register.Register{r})
	q.Values = r.Decompose(v)
	return q
}

// Split bisects a rejected read query. A single-register query cannot be
// split: it is marked so and nil is returned.
func Split(q *Query) []*Query {
	if q.Op != Read || len(q.Registers) < 2 {
		q.ableToSplit = false
		return nil
	}
	half := len(q.Registers) / 2
	return []*Query{
		newQuery(q.Op, q.Registers[:half]),
		newQuery(q.Op, q.Registers[half:]),
	}
}
