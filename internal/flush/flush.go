// Package flush implements the Flush Manager: the single arbiter that
// decides, each cycle, which in-flight instructions must be squashed and
// which pipeline stages must be notified.
package flush

import (
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// Cause enumerates why a flush was raised.
type Cause int

const (
	TRAP Cause = iota
	MISPREDICTION
	TARGET_MISPREDICTION
	MISFETCH
	POST_SYNC
)

// String names a cause for diagnostics.
func (c Cause) String() string {
	switch c {
	case TRAP:
		return "TRAP"
	case MISPREDICTION:
		return "MISPREDICTION"
	case TARGET_MISPREDICTION:
		return "TARGET_MISPREDICTION"
	case MISFETCH:
		return "MISFETCH"
	case POST_SYNC:
		return "POST_SYNC"
	default:
		return "UNKNOWN"
	}
}

// Request is one flush candidate raised by a unit this cycle.
type Request struct {
	Cause      Cause
	AffectedID inst.ID // oldest instruction id no longer valid
	RedirectPC uint64
}

// NamedInstructionIncluded reports whether the instruction that identified
// the flush (the "named" instruction) is itself squashed. TRAP and
// MISFETCH remove the named instruction; MISPREDICTION,
// TARGET_MISPREDICTION and POST_SYNC retain it (the named instruction is the
// branch that resolved correctly enough to redirect from, not a victim).
func NamedInstructionIncluded(cause Cause) bool {
	return cause == TRAP || cause == MISFETCH
}

// IncludedInFlush reports whether an instruction with the given id is
// squashed by a flush whose oldest affected instruction is affectedID: any
// instruction at or after affectedID in program order is included, except
// the named instruction itself when cause retains it.
func IncludedInFlush(id, affectedID inst.ID, cause Cause) bool {
	if id == affectedID {
		return NamedInstructionIncluded(cause)
	}
	return id > affectedID
}

// Manager collects flush requests raised during a cycle's Flush phase,
// picks the single oldest-affected one, and fans it out exclusively:
// MISFETCH goes only to out_flush_lower (the fetch-adjacent units); every
// other cause goes only to out_flush_upper (rename/dispatch/execute/LSU/ROB).
type Manager struct {
	sched *sim.Scheduler

	pending []Request

	outUpper []func(Request)
	outLower []func(Request)

	stats *report.StatSet
}

// NewManager creates a flush manager wired to the scheduler's Flush phase.
func NewManager(s *sim.Scheduler) *Manager {
	m := &Manager{sched: s, stats: report.NewStatSet("flush")}
	s.RegisterPhaseHandler(sim.PhaseFlush, m.arbitrate)
	return m
}

// Raise records a flush candidate for arbitration. A request raised before
// this cycle's PhaseFlush is arbitrated this cycle; one raised later in the
// cycle (the ROB raises from Tick) waits for the next cycle's PhaseFlush.
func (m *Manager) Raise(req Request) {
	m.pending = append(m.pending, req)
}

// OnUpper registers a consumer of every non-MISFETCH flush (rename,
// dispatch, execute units, LSU, ROB).
func (m *Manager) OnUpper(fn func(Request)) {
	m.outUpper = append(m.outUpper, fn)
}

// OnLower registers a consumer of every MISFETCH flush (the fetch side).
func (m *Manager) OnLower(fn func(Request)) {
	m.outLower = append(m.outLower, fn)
}

func (m *Manager) arbitrate() {
	if len(m.pending) == 0 {
		return
	}
	winner := m.pending[0]
	for _, r := range m.pending[1:] {
		if r.AffectedID < winner.AffectedID {
			winner = r
		}
	}
	m.pending = m.pending[:0]

	simerr.Assert("flush", winner.Cause >= TRAP && winner.Cause <= POST_SYNC,
		"unknown flush cause %d", int(winner.Cause))
	m.stats.Counter("flushes").Inc()
	m.stats.Counter("cause_" + winner.Cause.String()).Inc()

	if winner.Cause == MISFETCH {
		for _, fn := range m.outLower {
			fn(winner)
		}
	} else {
		for _, fn := range m.outUpper {
			fn(winner)
		}
	}
}

// Stats exposes the flush manager's counters.
func (m *Manager) Stats() *report.StatSet { return m.stats }
