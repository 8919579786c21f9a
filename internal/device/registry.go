// internal/device/registry.go
package device

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tamzrod/meter-poller/internal/memory"
	"github.com/tamzrod/meter-poller/internal/port"
	"github.com/tamzrod/meter-poller/internal/query"
)

// Factory builds the protocol instance of one device on a port.
type Factory func(cfg Config, p port.Port) (Protocol, error)

// Entry describes one protocol.
type Entry struct {
	Name string
	// Spaces lists the address spaces; the first one is the default.
	Spaces []memory.Space
	// Limits are used when the device config does not set its own.
	Limits query.Limits
	New    Factory
}

// Space resolves a space by name. Empty selects the default space.
func (e Entry) Space(name string) (memory.Space, error) {
	if len(e.Spaces) == 0 {
		return memory.Space{}, fmt.Errorf("protocol %s: no address spaces", e.Name)
	}
	if name == "" {
		return e.Spaces[0], nil
	}
	for _, s := range e.Spaces {
		if s.Name == name {
			return s, nil
		}
	}
	return memory.Space{}, fmt.Errorf("protocol %s: unknown register type %q", e.Name, name)
}

// Registry maps protocol names to entries. It is built once at startup and
// handed to whoever creates devices.
type Registry struct {
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Register adds e. Names must be unique.
func (r *Registry) Register(e Entry) error {
	if e.Name == "" || e.New == nil {
		return errors.New("registry: protocol name and factory required")
	}
	if _, dup := r.entries[e.Name]; dup {
		return fmt.Errorf("registry: protocol %s already registered", e.Name)
	}
	r.entries[e.Name] = e
	return nil
}

// Lookup returns the entry for name.
func (r *Registry) Lookup(name string) (Entry, error) {
	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("unknown serial protocol: %s", name)
	}
	return e, nil
}

// Names lists registered protocols, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.entries))
	for n := range r.entries {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
