// internal/register/handler.go
package register

import (
	"sync"
	"time"
)

// ErrorState is the externally visible error condition of a register.
type ErrorState int

const (
	NoError ErrorState = iota
	ReadError
	WriteError
	ReadWriteError
)

func (s ErrorState) String() string {
	switch s {
	case ReadError:
		return "read error"
	case WriteError:
		return "write error"
	case ReadWriteError:
		return "read+write error"
	}
	return "no error"
}

// Flags is the compact form used on the wire ("r", "w", "rw", "").
func (s ErrorState) Flags() string {
	switch s {
	case ReadError:
		return "r"
	case WriteError:
		return "w"
	case ReadWriteError:
		return "rw"
	}
	return ""
}

// Handler keeps the cached value, dirty flag and error state of one register.
// The mutex guards only these fields and is never held across device I/O.
type Handler struct {
	cfg  *Config
	wake func()

	mu       sync.Mutex
	value    uint64
	dirty    bool
	state    ErrorState
	didRead  bool
	lastPoll time.Time
	disabled bool
}

// NewHandler creates a handler. wake is called after every SetTextValue.
func NewHandler(cfg *Config, wake func()) *Handler {
	if wake == nil {
		wake = func() {}
	}
	return &Handler{cfg: cfg, wake: wake}
}

// ------------------------------------------------------------
// ERROR STATE
// ------------------------------------------------------------

// UpdateReadError sets or clears the read-error bit.
// changed is false when the state did not move.
func (h *Handler) UpdateReadError(failed bool) (state ErrorState, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateReadError(failed)
}

// UpdateWriteError sets or clears the write-error bit.
func (h *Handler) UpdateWriteError(failed bool) (state ErrorState, changed bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.updateWriteError(failed)
}

func (h *Handler) updateReadError(failed bool) (ErrorState, bool) {
	hasWrite := h.state == WriteError || h.state == ReadWriteError
	next := NoError
	switch {
	case failed && hasWrite:
		next = ReadWriteError
	case failed:
		next = ReadError
	case hasWrite:
		next = WriteError
	}
	return h.setState(next)
}

func (h *Handler) updateWriteError(failed bool) (ErrorState, bool) {
	hasRead := h.state == ReadError || h.state == ReadWriteError
	next := NoError
	switch {
	case failed && hasRead:
		next = ReadWriteError
	case failed:
		next = WriteError
	case hasRead:
		next = ReadError
	}
	return h.setState(next)
}

func (h *Handler) setState(next ErrorState) (ErrorState, bool) {
	if h.state == next {
		return next, false
	}
	h.state = next
	return next, true
}

// ErrorState returns the current state.
func (h *Handler) ErrorState() ErrorState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ------------------------------------------------------------
// READ PATH
// ------------------------------------------------------------

// NeedToPoll reports whether the register is due for reads at all:
// write-only, disabled and dirty registers are left out of read queries.
func (h *Handler) NeedToPoll() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg.Polled() && !h.dirty && !h.disabled
}

// SetEnabled switches polling of the register on or off. Pending writes
// are still flushed.
func (h *Handler) SetEnabled(on bool) {
	h.mu.Lock()
	h.disabled = !on
	h.mu.Unlock()
}

func (h *Handler) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.disabled
}

// AcceptDeviceValue takes a value read from the device. ok=false means the
// read failed. A pending write is never overwritten; such a read counts as
// a read error.
func (h *Handler) AcceptDeviceValue(v uint64, ok bool) (changed bool, state ErrorState, stateChanged bool) {
	if !h.cfg.Polled() {
		return false, h.ErrorState(), false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastPoll = time.Now()

	if h.dirty || !ok {
		state, stateChanged = h.updateReadError(true)
		return false, state, stateChanged
	}

	first := !h.didRead
	h.didRead = true

	if h.cfg.HasErrorValue && h.cfg.ErrorValue == v {
		state, stateChanged = h.updateReadError(true)
		return false, state, stateChanged
	}

	if h.value != v {
		h.value = v
		changed = true
	} else {
		changed = first
	}
	state, stateChanged = h.updateReadError(false)
	return changed, state, stateChanged
}

// DidRead reports whether at least one value was accepted.
func (h *Handler) DidRead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.didRead
}

// LastPoll is the time of the last accepted read attempt.
func (h *Handler) LastPoll() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastPoll
}

// TextValue renders the cached value.
func (h *Handler) TextValue() string {
	return h.cfg.Decode(h.RawValue())
}

// RawValue is the cached value as assembled from the device blocks.
func (h *Handler) RawValue() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// ------------------------------------------------------------
// WRITE PATH
// ------------------------------------------------------------

// SetTextValue parses text, stores it as the pending value and wakes the
// flush loop.
func (h *Handler) SetTextValue(text string) error {
	v, err := h.cfg.Encode(text)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.value = v
	h.dirty = true
	h.mu.Unlock()

	h.wake()
	return nil
}

// NeedToFlush reports a pending write.
func (h *Handler) NeedToFlush() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirty
}

// Flush sends the pending value through write. Any failure becomes a write
// error; the caller keeps going.
func (h *Handler) Flush(write func(v uint64) error) (state ErrorState, stateChanged bool, err error) {
	h.mu.Lock()
	if !h.dirty {
		s := h.state
		h.mu.Unlock()
		return s, false, nil
	}
	h.dirty = false
	v := h.value
	h.mu.Unlock()

	err = write(v)

	h.mu.Lock()
	defer h.mu.Unlock()
	state, stateChanged = h.updateWriteError(err != nil)
	return state, stateChanged, err
}
