// Package scoreboard implements the physical-register readiness view shared
// by Rename and the LSU: a per-register-file bitmask of ready physical
// registers with "wait for bits set" callbacks.
package scoreboard

import "github.com/sarchlab/rvcore/internal/inst"

// Bitmask selects a set of physical registers. Bit p of word p/64 selects
// physical register p.
type Bitmask []uint64

// NewBitmask creates an all-zero mask covering numPhys registers.
func NewBitmask(numPhys int) Bitmask {
	return make(Bitmask, (numPhys+63)/64)
}

// MaskOf builds a mask with exactly the given register bits set.
func MaskOf(numPhys int, regs ...uint32) Bitmask {
	m := NewBitmask(numPhys)
	for _, r := range regs {
		m.SetBit(r)
	}
	return m
}

// SetBit sets bit r.
func (m Bitmask) SetBit(r uint32) { m[r/64] |= 1 << (r % 64) }

// ClearBit clears bit r.
func (m Bitmask) ClearBit(r uint32) { m[r/64] &^= 1 << (r % 64) }

// Any reports whether any bit is set.
func (m Bitmask) Any() bool {
	for _, w := range m {
		if w != 0 {
			return true
		}
	}
	return false
}

// callback is one registered "wake me when these bits are all ready" entry.
type callback struct {
	mask Bitmask
	uid  inst.ID
	fn   func()
}

// Scoreboard tracks readiness of one register file's physical registers.
// A set bit means the register's value is (logically) available; Rename
// clears a bit when it allocates the register as a new destination, and the
// producing unit sets it ready on completion.
type Scoreboard struct {
	ready     Bitmask
	numPhys   int
	callbacks []*callback
}

// New creates a scoreboard for numPhys physical registers with every bit
// ready (the initial architectural mappings are all "produced").
func New(numPhys int) *Scoreboard {
	s := &Scoreboard{ready: NewBitmask(numPhys), numPhys: numPhys}
	for p := 0; p < numPhys; p++ {
		s.ready.SetBit(uint32(p))
	}
	return s
}

// NumPhys returns the number of registers this scoreboard covers.
func (s *Scoreboard) NumPhys() int { return s.numPhys }

// IsSet reports whether every bit in mask is ready.
func (s *Scoreboard) IsSet(mask Bitmask) bool {
	for i, w := range mask {
		if s.ready[i]&w != w {
			return false
		}
	}
	return true
}

// Set marks the bits in mask ready without notifying waiters. Used for
// state that is ready by construction (e.g. the x0 data operand).
func (s *Scoreboard) Set(mask Bitmask) {
	for i, w := range mask {
		s.ready[i] |= w
	}
}

// Clear marks the bits in mask not-ready. Rename calls this when it
// allocates a fresh destination register.
func (s *Scoreboard) Clear(mask Bitmask) {
	for i, w := range mask {
		s.ready[i] &^= w
	}
}

// SetReady marks the bits in mask ready and fires every registered callback
// whose full mask is now satisfied. This is the producer-side completion
// path (e.g. a load delivering its destination).
func (s *Scoreboard) SetReady(mask Bitmask) {
	s.Set(mask)

	kept := s.callbacks[:0]
	var fire []*callback
	for _, cb := range s.callbacks {
		if s.IsSet(cb.mask) {
			fire = append(fire, cb)
		} else {
			kept = append(kept, cb)
		}
	}
	s.callbacks = kept
	for _, cb := range fire {
		cb.fn()
	}
}

// RegisterReadyCallback arranges for fn to run once every bit in mask is
// ready. If mask is already satisfied, fn runs immediately. uid identifies
// the waiting instruction so ClearCallbacks can drop its registrations on a
// flush.
func (s *Scoreboard) RegisterReadyCallback(mask Bitmask, uid inst.ID, fn func()) {
	if s.IsSet(mask) {
		fn()
		return
	}
	cp := make(Bitmask, len(mask))
	copy(cp, mask)
	s.callbacks = append(s.callbacks, &callback{mask: cp, uid: uid, fn: fn})
}

// ClearCallbacks drops every callback registered under uid; flushed
// instructions must never be woken.
func (s *Scoreboard) ClearCallbacks(uid inst.ID) {
	kept := s.callbacks[:0]
	for _, cb := range s.callbacks {
		if cb.uid != uid {
			kept = append(kept, cb)
		}
	}
	s.callbacks = kept
}

// PendingCallbacks reports the number of registered, unfired callbacks.
func (s *Scoreboard) PendingCallbacks() int { return len(s.callbacks) }
