// Package fetch implements the Fetch stage: it pulls instructions from the
// trace source in cache-line-sized groups (a taken branch closes its group,
// and a non-branch change-of-flow instruction never shares a group; a
// conditional branch can share a group with the instructions before it),
// requests each group's
// line from the non-blocking ICache, holds the group until the line is
// resident, and releases instructions downstream one at a time under
// decode-side backpressure. Predicted targets from the BPU's FTQ are
// consumed alongside, and demand blocks feed the configured prefetch
// engine.
package fetch

import (
	"github.com/sarchlab/rvcore/extern/trace"
	"github.com/sarchlab/rvcore/internal/bpu"
	"github.com/sarchlab/rvcore/internal/prefetch"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// group is one in-flight fetch group: instructions co-resident in a single
// I-cache line, held until that line is resident.
type group struct {
	block uint64
	recs  []trace.Record
	ready bool
}

// Unit is the Fetch stage.
type Unit struct {
	sched      *sim.Scheduler
	bpu        *bpu.Unit
	icache     *ICache
	prefetcher *prefetch.Unit

	src    trace.Source
	nextPC uint64

	peeked  trace.Record
	hasPeek bool

	groups   []*group
	queueCap int

	// deliver hands one resident instruction downstream; returning false
	// signals decode-side backpressure and leaves the rest of the group
	// (and everything behind it) buffered for the next cycle.
	deliver func(trace.Record) bool

	// pfCredits hold the prefetcher's ingress-queue grant; one credit is
	// taken per demand observation sent and refunded as the prefetcher
	// consumes its queue.
	pfCredits sim.CreditCounter

	stats *report.StatSet
}

// NewUnit builds a Fetch unit wired to the scheduler's Tick phase, reading
// from src starting at startPC.
func NewUnit(s *sim.Scheduler, bp *bpu.Unit, ic *ICache, pf *prefetch.Unit, src trace.Source, startPC uint64, queueCap int) *Unit {
	u := &Unit{
		sched:      s,
		bpu:        bp,
		icache:     ic,
		prefetcher: pf,
		src:        src,
		nextPC:     startPC,
		queueCap:   queueCap,
		stats:      report.NewStatSet("fetch"),
	}
	ic.OnLineReady(u.onLineReady)
	if pf != nil {
		pf.BindUpstreamCredits(&u.pfCredits)
	}
	s.RegisterPhaseHandler(sim.PhaseTick, u.tick)
	return u
}

// OnDeliver installs the downstream consumer. fn returns false to stall
// delivery (out of decode credits) without losing the instruction.
func (u *Unit) OnDeliver(fn func(trace.Record) bool) { u.deliver = fn }

// Buffered reports the number of fetched-but-undelivered instructions.
func (u *Unit) Buffered() int {
	n := 0
	for _, g := range u.groups {
		n += len(g.recs)
	}
	return n
}

func (u *Unit) tick() {
	// Drain one predicted target per cycle; the prediction pipeline runs
	// ahead of the trace-driven instruction stream and only steers it on a
	// mismatch flush.
	u.bpu.PopForFetch()

	u.deliverReady()
	u.formGroup()
}

// deliverReady releases resident instructions in order, stopping at the
// first backpressured one or the first group still waiting on its line.
func (u *Unit) deliverReady() {
	for len(u.groups) > 0 {
		g := u.groups[0]
		if !g.ready {
			return
		}
		for len(g.recs) > 0 {
			if u.deliver == nil || !u.deliver(g.recs[0]) {
				return
			}
			g.recs = g.recs[1:]
			u.stats.Counter("delivered").Inc()
		}
		u.groups = u.groups[1:]
	}
}

// formGroup pulls the next batch of trace instructions sharing one I-cache
// line and requests that line. A non-branch change-of-flow instruction (a
// jump) always forms a group of its own, and a taken branch closes its group.
func (u *Unit) formGroup() {
	if len(u.groups) >= u.queueCap || u.src == nil {
		return
	}

	first, ok := u.next()
	if !ok {
		return
	}
	g := &group{block: u.icache.BlockAddr(first.PC)}

	if first.Desc.IsChangeOfFlow && !first.Desc.IsBranch {
		first.LastInBlock = true
		g.recs = append(g.recs, first)
	} else {
		g.recs = append(g.recs, first)
		closed := first.HasTaken && first.Taken
		for !closed {
			rec, ok := u.peek()
			if !ok || u.icache.BlockAddr(rec.PC) != g.block || (rec.Desc.IsChangeOfFlow && !rec.Desc.IsBranch) {
				break
			}
			rec, _ = u.next()
			g.recs = append(g.recs, rec)
			closed = rec.HasTaken && rec.Taken
		}
		g.recs[len(g.recs)-1].LastInBlock = true
	}

	for _, rec := range g.recs {
		if rec.Desc.IsBranch && u.bpu.CanRequest() {
			u.bpu.Request(bpu.Request{PC: rec.PC})
		}
	}

	u.groups = append(u.groups, g)
	u.stats.Counter("groups_formed").Inc()
	u.icache.Request(g.block)

	if u.prefetcher != nil && u.pfCredits.CanSend() {
		u.pfCredits.Take(1)
		u.prefetcher.Access(g.recs[0].PC, g.block)
	}
}

// next pulls the next trace record, assigning it its sequential PC.
func (u *Unit) next() (trace.Record, bool) {
	if u.hasPeek {
		u.hasPeek = false
		return u.peeked, true
	}
	rec, ok := u.src.NextInstruction(u.sched.Now())
	if !ok {
		return trace.Record{}, false
	}
	rec.PC = u.nextPC
	u.nextPC += 4
	return rec, true
}

// peek looks one record ahead without consuming it.
func (u *Unit) peek() (trace.Record, bool) {
	if u.hasPeek {
		return u.peeked, true
	}
	rec, ok := u.src.NextInstruction(u.sched.Now())
	if !ok {
		return trace.Record{}, false
	}
	rec.PC = u.nextPC
	u.nextPC += 4
	u.peeked = rec
	u.hasPeek = true
	return rec, true
}

func (u *Unit) onLineReady(block uint64) {
	for _, g := range u.groups {
		if g.block == block && !g.ready {
			g.ready = true
			u.stats.Counter("groups_ready").Inc()
			return
		}
	}
}

// Flush drops every fetched-but-undelivered instruction and rewinds the
// trace source to the oldest one dropped, so a post-flush refetch replays
// them; wired by the Flush Manager's lower fan-out.
func (u *Unit) Flush() {
	oldest := -1
	dropped := 0
	if u.hasPeek {
		oldest = u.peeked.Index
		u.hasPeek = false
		dropped++
	}
	for _, g := range u.groups {
		for _, rec := range g.recs {
			if oldest < 0 || rec.Index < oldest {
				oldest = rec.Index
			}
			dropped++
		}
	}
	u.groups = nil
	if oldest >= 0 {
		u.src.Reset(oldest, false)
		// PCs are synthetic-sequential; rewinding keeps the replayed
		// records' numbering identical to their first fetch.
		u.nextPC -= 4 * uint64(dropped)
		u.stats.Counter("flushes").Inc()
	}
}

// ResumeAt re-aims the synthetic PC sequence; used when an upper-pipeline
// flush rewinds the trace source beneath fetch to an instruction older than
// anything fetch itself still buffered.
func (u *Unit) ResumeAt(pc uint64) { u.nextPC = pc }

// Done reports whether the trace is exhausted and every buffered
// instruction has been delivered.
func (u *Unit) Done() bool {
	return (u.src == nil || u.src.IsDone()) && !u.hasPeek && len(u.groups) == 0
}

// Stats exposes the Fetch stage's counters.
func (u *Unit) Stats() *report.StatSet { return u.stats }
