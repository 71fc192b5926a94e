// Package rename implements the rename stage: a per-register-file map
// table, free list, reference-count table, move elimination, and the
// stall-reason taxonomy surfaced as counters.
package rename

import (
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/scoreboard"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// StallReason names why a cycle's rename width fell short.
type StallReason int

const (
	NotStalled StallReason = iota
	NoDecodeInsts
	NoDispatchCredits
	NoIntegerRenames
	NoFloatRenames
	NoVectorRenames
)

func (s StallReason) String() string {
	switch s {
	case NoDecodeInsts:
		return "no_decode_insts"
	case NoDispatchCredits:
		return "no_dispatch_credits"
	case NoIntegerRenames:
		return "no_integer_renames"
	case NoFloatRenames:
		return "no_float_renames"
	case NoVectorRenames:
		return "no_vector_renames"
	default:
		return "not_stalled"
	}
}

// refEntry is one reference-count table row: how many live references the
// physical register has, plus the producing instruction's identity so a
// consumer can ask whether its operand comes from a load (the LSU's replay
// policy needs this).
type refEntry struct {
	cnt            uint32
	producer       inst.ID // weak: the id alone, re-resolved by whoever needs more
	producerIsLoad bool
}

// fileState is the per-register-file map table, free list, and reference
// counts. Physical register 0 is permanently mapped to architectural x0 on
// the integer file and is never issued by the free list.
type fileState struct {
	mapTable []uint32
	freeList []uint32
	refs     []refEntry
	numPhys  int
}

func newFileState(numArch, numPhys int) *fileState {
	fs := &fileState{
		mapTable: make([]uint32, numArch),
		refs:     make([]refEntry, numPhys),
		numPhys:  numPhys,
	}
	for i := 0; i < numArch; i++ {
		fs.mapTable[i] = uint32(i)
		fs.refs[i].cnt = 1
	}
	for p := numArch; p < numPhys; p++ {
		fs.freeList = append(fs.freeList, uint32(p))
	}
	return fs
}

func (fs *fileState) allocate() (uint32, bool) {
	if len(fs.freeList) == 0 {
		return 0, false
	}
	n := len(fs.freeList)
	p := fs.freeList[n-1]
	fs.freeList = fs.freeList[:n-1]
	fs.refs[p] = refEntry{cnt: 1}
	return p, true
}

func (fs *fileState) incref(p uint32) { fs.refs[p].cnt++ }

func (fs *fileState) decref(p uint32) {
	simerr.Assert("rename", fs.refs[p].cnt > 0, "reference count underflow on phys reg %d", p)
	fs.refs[p].cnt--
	if fs.refs[p].cnt == 0 {
		fs.refs[p] = refEntry{}
		fs.freeList = append(fs.freeList, p)
	}
}

// Unit is the rename stage.
type Unit struct {
	cfg    config.RenameConfig
	files  [coretypes.NumRegFiles]*fileState
	boards [coretypes.NumRegFiles]*scoreboard.Scoreboard

	// inflight is the program-ordered queue of renamed, not-yet-retired
	// instruction ids. Retire pops the head; a flush walks it from the
	// tail back to the first surviving instruction.
	inflight []inst.ID

	stats *report.StatSet
}

// NewUnit builds a rename unit sized per cfg: each file gets
// NumArchRegs + {NumIntegerRenames,NumFloatRenames,NumVectorRenames} extra
// physical registers, with one scoreboard per file tracking readiness.
func NewUnit(cfg config.RenameConfig, boards [coretypes.NumRegFiles]*scoreboard.Scoreboard) *Unit {
	extra := [coretypes.NumRegFiles]int{cfg.NumIntegerRenames, cfg.NumFloatRenames, cfg.NumVectorRenames}
	u := &Unit{cfg: cfg, boards: boards, stats: report.NewStatSet("rename")}
	for f := 0; f < int(coretypes.NumRegFiles); f++ {
		u.files[f] = newFileState(coretypes.NumArchRegs, coretypes.NumArchRegs+extra[f])
	}
	return u
}

// Scoreboard returns the readiness scoreboard for register file f.
func (u *Unit) Scoreboard(f coretypes.RegFile) *scoreboard.Scoreboard { return u.boards[f] }

// canAllocate reports whether every destination operand in dests can be
// rename-mapped right now, without side effects.
func (u *Unit) canAllocate(dests []inst.Operand) (StallReason, bool) {
	need := [coretypes.NumRegFiles]int{}
	for _, d := range dests {
		if d.IsX0 {
			continue
		}
		need[d.RegFile]++
	}
	for f, n := range need {
		if n > 0 && len(u.files[f].freeList) < n {
			switch coretypes.RegFile(f) {
			case coretypes.RegFileInteger:
				return NoIntegerRenames, false
			case coretypes.RegFileFloat:
				return NoFloatRenames, false
			default:
				return NoVectorRenames, false
			}
		}
	}
	return NotStalled, true
}

// RenameGroup renames up to cfg.NumToRename instructions from group, in
// order. With partial_rename enabled, it stops at the first instruction
// that cannot be renamed this cycle and reports how many succeeded; with it
// disabled, the whole group must be allocatable up front or none renames.
// The per-cycle rename width is recorded in the "rename_width" histogram.
func (u *Unit) RenameGroup(group []*inst.Instruction) (n int, reason StallReason) {
	limit := u.cfg.NumToRename
	if limit <= 0 || limit > len(group) {
		limit = len(group)
	}

	if len(group) == 0 {
		u.stats.Histogram("rename_width").Observe(0)
		return 0, NoDecodeInsts
	}

	if !u.cfg.PartialRename {
		if reason, ok := u.CanAllocateGroup(group[:limit]); !ok {
			u.stats.Histogram("rename_width").Observe(0)
			return 0, reason
		}
	}

	reason = NotStalled
	for _, in := range group[:limit] {
		if r, ok := u.Rename(in); !ok {
			reason = r
			break
		}
		n++
	}
	u.stats.Histogram("rename_width").Observe(n)
	return n, reason
}

// CanAllocateGroup reports whether the whole group's cumulative free-list
// demand fits right now, without side effects; the full-group (non-partial)
// rename mode gates on this.
func (u *Unit) CanAllocateGroup(group []*inst.Instruction) (StallReason, bool) {
	need := [coretypes.NumRegFiles]int{}
	for _, in := range group {
		for _, d := range in.Desc.Dests {
			if !d.IsX0 {
				need[d.RegFile]++
			}
		}
	}
	for f, n := range need {
		if n > len(u.files[f].freeList) {
			switch coretypes.RegFile(f) {
			case coretypes.RegFileInteger:
				return NoIntegerRenames, false
			case coretypes.RegFileFloat:
				return NoFloatRenames, false
			default:
				return NoVectorRenames, false
			}
		}
	}
	return NotStalled, true
}

// ObserveRenameWidth records one cycle's achieved rename width in the
// rename_width histogram; callers driving Rename directly (rather than
// through RenameGroup) use this.
func (u *Unit) ObserveRenameWidth(n int) {
	u.stats.Histogram("rename_width").Observe(n)
}

// Rename maps every source and destination operand of in in place. Each
// destination's prior mapping (PrevDest) is recorded but not decremented
// here — it stays protected until this instruction's own Retire or Flush
// releases it, which is what lets a same-register source/dest pair (e.g.
// "addi x1, x1, 1") keep reading the old mapping this cycle while the new
// one is being installed. Returns the stall reason if the instruction
// cannot be renamed this cycle.
func (u *Unit) Rename(in *inst.Instruction) (StallReason, bool) {
	if reason, ok := u.canAllocate(in.Desc.Dests); !ok {
		return reason, false
	}

	for f := range in.Rename.Sources {
		in.Rename.Sources[f] = in.Rename.Sources[f][:0]
		in.Rename.Dests[f] = in.Rename.Dests[f][:0]
	}
	in.Rename.HasDataReg = false

	// Sources are looked up but not reference-counted: only destinations
	// touch refs at rename time. A source's physical
	// register stays protected because the *displaced* mapping it may
	// later become (as someone else's PrevDest) is what refs tracks.
	for _, s := range in.Desc.Sources {
		phys := s.RegNum
		if !s.IsX0 {
			phys = u.files[s.RegFile].mapTable[s.RegNum]
		}
		in.Rename.Sources[s.RegFile] = append(in.Rename.Sources[s.RegFile], inst.RenamedOperand{Phys: phys, OpInfo: s})

		if in.IsLoadStore && !s.IsX0 && u.files[s.RegFile].refs[phys].producerIsLoad {
			in.LoadProducer = true
		}
	}

	// A store's data operand renames into the separate data-register slot
	// rather than the address-source list. x0 data is always ready and
	// never consults the scoreboard.
	if in.Desc.HasDataOperand {
		d := in.Desc.DataOperand
		phys := d.RegNum
		if !d.IsX0 {
			phys = u.files[d.RegFile].mapTable[d.RegNum]
		}
		in.Rename.HasDataReg = true
		in.Rename.DataReg = inst.RenamedOperand{Phys: phys, OpInfo: d}
	}

	moveElim := u.cfg.MoveElimination && in.Desc.IsMove && len(in.Desc.Sources) == 1 && len(in.Desc.Dests) == 1 &&
		in.Desc.Sources[0].RegFile == in.Desc.Dests[0].RegFile

	for _, d := range in.Desc.Dests {
		if d.IsX0 {
			in.Rename.Dests[d.RegFile] = append(in.Rename.Dests[d.RegFile], inst.RenamedOperand{Phys: 0, OpInfo: d, PrevDest: 0})
			continue
		}
		fs := u.files[d.RegFile]
		prev := fs.mapTable[d.RegNum]

		var phys uint32
		eliminated := false
		if moveElim {
			// Move elimination: the destination simply aliases the
			// already-renamed source's physical register instead of
			// allocating a new one; the source's refcount absorbs the
			// destination's reference too. The scoreboard is untouched —
			// the aliased register's readiness is the source producer's.
			phys = in.Rename.Sources[d.RegFile][0].Phys
			fs.incref(phys)
			eliminated = true
		} else {
			p, ok := fs.allocate()
			simerr.Assert("rename", ok, "allocate() invariant violated after canAllocate() passed")
			phys = p
			fs.refs[phys].producer = in.ID
			fs.refs[phys].producerIsLoad = in.IsLoadStore && !in.IsStore
			if u.boards[d.RegFile] != nil {
				u.boards[d.RegFile].Clear(scoreboard.MaskOf(fs.numPhys, phys))
			}
		}

		// prev is NOT decremented here: it stays protected until this
		// instruction's own retire or flush-restore releases it (spec
		// §4.5's retire/flush steps, not rename).
		fs.mapTable[d.RegNum] = phys
		in.Rename.Dests[d.RegFile] = append(in.Rename.Dests[d.RegFile], inst.RenamedOperand{Phys: phys, OpInfo: d, PrevDest: prev, MoveEliminated: eliminated})
	}

	in.IsMove = moveElim
	in.RetireAtRename = moveElim
	in.Status = inst.Renamed
	u.inflight = append(u.inflight, in.ID)
	u.stats.Counter("renamed").Inc()
	if moveElim {
		u.stats.Counter("move_eliminated").Inc()
	}
	return NotStalled, true
}

// Flush restores every destination mapping in in back to its PrevDest and
// decrements the refcount Rename gave to that destination's own physical
// register (the allocation or move-elim incref this instruction
// contributed). Sources were never
// reference-counted, so nothing is touched for them here. The instruction
// is also removed from the in-flight queue; because flushes cover a
// contiguous youngest suffix of the queue, the removal always comes off the
// tail region.
func (u *Unit) Flush(in *inst.Instruction) {
	for f := range in.Rename.Dests {
		for _, d := range in.Rename.Dests[f] {
			if d.OpInfo.IsX0 {
				continue
			}
			fs := u.files[f]
			if fs.mapTable[d.OpInfo.RegNum] == d.Phys {
				fs.mapTable[d.OpInfo.RegNum] = d.PrevDest
			}
			fs.decref(d.Phys)
			if !d.MoveEliminated && u.boards[f] != nil {
				// A never-produced destination must not leave a stale
				// not-ready bit behind once the register is reclaimable.
				u.boards[f].Set(scoreboard.MaskOf(fs.numPhys, d.Phys))
			}
		}
		if u.boards[f] != nil {
			u.boards[f].ClearCallbacks(in.ID)
		}
	}
	u.removeInflight(in.ID)
}

// FlushIncluded walks the in-flight queue from newest to oldest, flushing
// every instruction included by the criterion and stopping at the first
// survivor. resolve maps an id back to its
// instruction record (the caller owns that table).
func (u *Unit) FlushIncluded(included func(inst.ID) bool, resolve func(inst.ID) *inst.Instruction) int {
	n := 0
	for i := len(u.inflight) - 1; i >= 0; i-- {
		id := u.inflight[i]
		if !included(id) {
			break
		}
		if in := resolve(id); in != nil {
			u.Flush(in)
		} else {
			u.inflight = append(u.inflight[:i], u.inflight[i+1:]...)
		}
		n++
	}
	return n
}

func (u *Unit) removeInflight(id inst.ID) {
	for i := len(u.inflight) - 1; i >= 0; i-- {
		if u.inflight[i] == id {
			u.inflight = append(u.inflight[:i], u.inflight[i+1:]...)
			return
		}
	}
}

// Retire drops the reference each destination's displaced mapping held:
// for each dest in the retired instruction, decrement
// refs[f][prev_dest], pushing it onto the free list if it hits zero.
// Sources are not touched at retire. The instruction is popped from the
// in-flight queue head (retirement is in order).
func (u *Unit) Retire(in *inst.Instruction) {
	for f := range in.Rename.Dests {
		for _, d := range in.Rename.Dests[f] {
			if !d.OpInfo.IsX0 {
				u.files[f].decref(d.PrevDest)
			}
		}
	}
	if len(u.inflight) > 0 && u.inflight[0] == in.ID {
		u.inflight = u.inflight[1:]
	} else {
		u.removeInflight(in.ID)
	}
}

// InflightIDs returns a copy of the program-ordered in-flight queue, for
// the monotonicity property test.
func (u *Unit) InflightIDs() []inst.ID {
	out := make([]inst.ID, len(u.inflight))
	copy(out, u.inflight)
	return out
}

// FreeListDepth reports the number of free physical registers in file f,
// for the rename-conservation test.
func (u *Unit) FreeListDepth(f coretypes.RegFile) int { return len(u.files[f].freeList) }

// RefCount reports the current reference count of physical register p in
// file f, for the conservation property tests.
func (u *Unit) RefCount(f coretypes.RegFile, p uint32) uint32 { return u.files[f].refs[p].cnt }

// NumPhys reports the number of physical registers in file f.
func (u *Unit) NumPhys(f coretypes.RegFile) int { return u.files[f].numPhys }

// Stats exposes the rename unit's counters.
func (u *Unit) Stats() *report.StatSet { return u.stats }
