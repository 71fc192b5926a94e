package inst

import "github.com/sarchlab/rvcore/internal/simerr"

// ID is a monotonic instruction identifier assigned at fetch. Strictly
// increasing along program order; used both as a unique-id and, combined
// with a UopID, as the total order for LSU age comparisons.
type ID uint64

// Arena owns every live Instruction by (index, generation). Strong handles
// (ROB slots, the simulator's pending-uop buffer and id-to-handle table)
// index into the arena directly; weak references (rename's in-flight queue,
// a reference-count table's "producer" field) store only the ID, which the
// simulator maps back to a handle for Arena.Get, so no
// reference cycle can keep an Instruction alive after every strong handle
// has released it.
type Arena struct {
	slots []slot
	free  []uint32
}

type slot struct {
	gen  uint32
	live bool
	inst Instruction
}

// Handle is a strong reference to one arena slot. The zero Handle is
// invalid (Arena treats index 0 generation 0 as never-allocated by
// reserving slot 0 at construction).
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever returned by Arena.Alloc.
func (h Handle) Valid() bool { return h.gen != 0 }

// NewArena creates an empty instruction arena.
func NewArena() *Arena {
	a := &Arena{}
	// Reserve slot 0 so the zero Handle is always invalid.
	a.slots = append(a.slots, slot{})
	return a
}

// Alloc creates a new Instruction with the given id and returns a strong
// handle to it.
func (a *Arena) Alloc(id ID) Handle {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
		a.slots[idx].gen++
		a.slots[idx].live = true
		a.slots[idx].inst = Instruction{ID: id}
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot{gen: 1, live: true, inst: Instruction{ID: id}})
	}
	return Handle{index: idx, gen: a.slots[idx].gen}
}

// Get resolves a handle to its Instruction, or nil if the handle is stale
// (the instruction was already released).
func (a *Arena) Get(h Handle) *Instruction {
	if int(h.index) >= len(a.slots) {
		return nil
	}
	s := &a.slots[h.index]
	if !s.live || s.gen != h.gen {
		return nil
	}
	return &s.inst
}

// Release returns the slot to the free list. The caller (the last
// releaser — per the ownership rule, whichever stage drops the final
// strong handle) must not use any handle to this instruction afterward.
func (a *Arena) Release(h Handle) {
	s := &a.slots[h.index]
	simerr.Assert("inst.Arena", s.live && s.gen == h.gen, "double release of instruction handle")
	s.live = false
	s.inst = Instruction{}
	a.free = append(a.free, h.index)
}

// Live reports the number of currently allocated instructions.
func (a *Arena) Live() int {
	n := 0
	for i := 1; i < len(a.slots); i++ {
		if a.slots[i].live {
			n++
		}
	}
	return n
}
