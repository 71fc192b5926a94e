// Package rob implements the in-order retirement buffer: a bounded FIFO of
// in-flight instruction handles, retired num_to_retire at a time once their
// status reaches Completed (or RetireAtRename), plus the forward-progress
// watchdog that raises simerr.LockupError when retirement stalls too long.
package rob

import (
	"fmt"

	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/flush"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// slot is one ROB entry: the instruction id and its arena handle (the ROB
// never copies Instruction state out, it always looks it up fresh through
// its arena so other stages' in-place updates are visible).
type slot struct {
	id     inst.ID
	handle inst.Handle
}

// ROB is the retirement buffer.
type ROB struct {
	sched *sim.Scheduler
	arena *inst.Arena
	flushMgr *flush.Manager

	entries []slot
	cap     int
	numToRetire int

	idleCycles uint64
	timeout    uint64

	// budget is the remaining retire bandwidth for the current cycle; the
	// Tick-phase attempt resets it, and a late-completion wake-up retries
	// within whatever bandwidth is left.
	budget int
	wake   *sim.UniqueEvent

	heartbeat    uint64
	totalRetired uint64

	onRetire   func(*inst.Instruction)
	lsuDump    func() string
	retireGate func() bool

	stats *report.StatSet
}

// NewROB builds a ROB sized and paced from cfg, wired to the scheduler's
// Tick phase for its retire attempt (which also advances the watchdog) and
// a PostTick wake-up event for late completions.
func NewROB(s *sim.Scheduler, arena *inst.Arena, fm *flush.Manager, cfg config.ROBConfig) *ROB {
	r := &ROB{
		sched:       s,
		arena:       arena,
		flushMgr:    fm,
		cap:         cfg.RetireQueueDepth,
		numToRetire: cfg.NumToRetire,
		timeout:     uint64(cfg.RetireTimeoutInterval),
		heartbeat:   uint64(cfg.RetireHeartbeat),
		stats:       report.NewStatSet("rob"),
	}
	r.wake = sim.NewUniqueEvent(s, sim.PhasePostTick, func() { r.retireSome() })
	s.RegisterPhaseHandler(sim.PhaseTick, r.retireCycle)
	return r
}

// WakeOnComplete implements inst.RetireWaker: a late completion (e.g. a
// cache-miss load finishing after this cycle's Tick) re-arms a retire
// attempt in PostTick of the same cycle, within the cycle's remaining
// retire bandwidth. Repeated wakes within one cycle coalesce.
func (r *ROB) WakeOnComplete(inst.ID) {
	r.wake.Schedule()
}

// OnRetire installs the callback invoked once per retired instruction, in
// program order, before its handle is released back to the arena.
func (r *ROB) OnRetire(fn func(*inst.Instruction)) { r.onRetire = fn }

// SetLSUDump installs the LSU state renderer included in a lockup report.
func (r *ROB) SetLSUDump(fn func() string) { r.lsuDump = fn }

// SetRetireGate installs a predicate consulted before each retirement; the
// run-control loop uses it to stop exactly at num_insts_to_retire instead
// of overshooting within a retire group.
func (r *ROB) SetRetireGate(fn func() bool) { r.retireGate = fn }

// Len reports the number of in-flight (not yet retired) instructions.
func (r *ROB) Len() int { return len(r.entries) }

// CanAccept reports whether the ROB has room for n more dispatched
// instructions.
func (r *ROB) CanAccept(n int) bool { return len(r.entries)+n <= r.cap }

// Allocate reserves a ROB slot for h, called by Dispatch once an
// instruction is sent to its execution unit.
func (r *ROB) Allocate(id inst.ID, h inst.Handle) {
	simerr.Assert("rob", len(r.entries) < r.cap, "ROB overflow")
	r.entries = append(r.entries, slot{id: id, handle: h})
}

func (r *ROB) retireCycle() {
	r.budget = r.numToRetire
	retiredThisCycle := r.retireSome()

	if retiredThisCycle > 0 {
		r.idleCycles = 0
	} else if len(r.entries) > 0 {
		r.idleCycles++
		if r.timeout > 0 && r.idleCycles >= r.timeout {
			lsu := "<no lsu dump wired>"
			if r.lsuDump != nil {
				lsu = r.lsuDump()
			}
			panic(&simerr.LockupError{
				Cycle:      r.sched.Now(),
				IdleCycles: r.idleCycles,
				ROBDump:    r.dump(),
				LSUDump:    lsu,
			})
		}
	}
	r.stats.Histogram("retire_width").Observe(retiredThisCycle)
}

// retireSome retires as many head instructions as the cycle's remaining
// budget and their completion status allow.
func (r *ROB) retireSome() int {
	retiredThisCycle := 0
	for r.budget > 0 && len(r.entries) > 0 {
		if r.retireGate != nil && !r.retireGate() {
			return retiredThisCycle
		}
		head := r.entries[0]
		in := r.arena.Get(head.handle)
		if in == nil {
			// Already released by a flush; drop the stale slot silently.
			r.entries = r.entries[1:]
			continue
		}
		if in.IsFlushed {
			r.entries = r.entries[1:]
			r.arena.Release(head.handle)
			continue
		}
		if !(in.Status == inst.Completed || in.RetireAtRename) {
			break
		}

		simerr.Assert("rob", !in.IsSpeculative, "retiring a still-speculative instruction")

		r.entries = r.entries[1:]
		if r.onRetire != nil {
			r.onRetire(in)
		}
		in.Status = inst.Retired
		r.totalRetired++
		if r.heartbeat > 0 && r.totalRetired%r.heartbeat == 0 {
			r.stats.Counter("heartbeats").Inc()
		}

		// A retired instruction targeting the ROB itself (system class)
		// redirects fetch past it: everything younger is refetched from
		// target+4.
		if in.Desc.TargetsROB && r.flushMgr != nil {
			r.flushMgr.Raise(flush.Request{
				Cause:      flush.POST_SYNC,
				AffectedID: in.ID,
				RedirectPC: in.TargetVAddr + 4,
			})
		}

		r.arena.Release(head.handle)
		r.stats.Counter("retired").Inc()
		retiredThisCycle++
		r.budget--
	}
	if retiredThisCycle > 0 {
		r.idleCycles = 0
	}
	return retiredThisCycle
}

func (r *ROB) dump() string {
	s := fmt.Sprintf("%d in-flight entries\n", len(r.entries))
	for i, e := range r.entries {
		if i >= 8 {
			s += "...\n"
			break
		}
		in := r.arena.Get(e.handle)
		if in == nil {
			continue
		}
		s += fmt.Sprintf("  [%d] id=%d pc=%#x status=%s\n", i, in.ID, in.PC, in.Status)
	}
	return s
}

// Stats exposes the ROB's counters and histograms.
func (r *ROB) Stats() *report.StatSet { return r.stats }
