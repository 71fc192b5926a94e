// Package dispatch implements per-execution-unit credit-counted dispatch
// queues: renamed instructions are routed to the execution unit named by
// their decoded mnemonic class, and a unit only accepts instructions while
// it holds dispatch credit from the corresponding issue queue.
package dispatch

import (
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// UnitClass names one of the dispatch targets.
type UnitClass int

const (
	ClassInteger UnitClass = iota
	ClassFloat
	ClassVector
	ClassLoadStore
	ClassBranch
	ClassROB // ROB-direct: system instructions and vset{i}vli
	numClasses
)

// Queue is one execution unit's dispatch-credit queue.
type Queue struct {
	class      UnitClass
	credits    sim.CreditCounter
	outCredits *sim.CreditPort

	acceptedThisCycle bool

	onDispatch func(*inst.Instruction)
}

// NewQueue builds a dispatch queue for class, refunding credits to the
// producer with the given delay.
func NewQueue(s *sim.Scheduler, class UnitClass, refundDelay uint64) *Queue {
	return &Queue{class: class, outCredits: sim.NewCreditPort(s, refundDelay)}
}

// OnDispatch installs the callback invoked when an instruction is
// successfully dispatched to this queue.
func (q *Queue) OnDispatch(fn func(*inst.Instruction)) { q.onDispatch = fn }

// Grant adds n credits to the queue's own counter (called by the execution
// unit at startup and whenever it frees a slot).
func (q *Queue) Grant(n int) { q.credits.Add(n) }

// CanAccept reports whether the queue has a free slot this cycle. The
// per-cycle acceptance flag is reset once per cycle in the Collection
// phase rather than re-derived on every probe, so a unit that peeks
// CanAccept multiple times in the same cycle before committing sees a
// stable answer.
func (q *Queue) CanAccept() bool {
	return !q.acceptedThisCycle && q.credits.CanSend()
}

// ResetCycle clears the per-cycle acceptance flag; wired by the owning
// Dispatcher to the scheduler's Collection phase.
func (q *Queue) ResetCycle() { q.acceptedThisCycle = false }

// Dispatch commits in to this queue: consumes one credit, marks the queue
// busy for the rest of this cycle (scalar dispatch width of 1 per unit per
// cycle), and invokes the dispatch callback.
func (q *Queue) Dispatch(in *inst.Instruction) {
	q.credits.Take(1)
	q.acceptedThisCycle = true
	in.Status = inst.Dispatched
	if q.onDispatch != nil {
		q.onDispatch(in)
	}
}

// classOf maps a decoded instruction to its dispatch target.
func classOf(in *inst.Instruction) UnitClass {
	switch {
	case in.Desc.TargetsROB || in.Desc.IsVectorConfig:
		return ClassROB
	case in.IsLoadStore:
		return ClassLoadStore
	case in.IsBranch:
		return ClassBranch
	case in.Desc.IsVector:
		return ClassVector
	case len(in.Desc.Dests) > 0 && in.Desc.Dests[0].RegFile == coretypes.RegFileFloat:
		return ClassFloat
	default:
		return ClassInteger
	}
}

// Dispatcher fans renamed instructions out to one Queue per UnitClass.
type Dispatcher struct {
	queues [numClasses]*Queue
	stats  *report.StatSet
}

// NewDispatcher builds a dispatcher wired to the scheduler's Collection
// phase for its per-cycle credit-flag reset.
func NewDispatcher(s *sim.Scheduler) *Dispatcher {
	d := &Dispatcher{stats: report.NewStatSet("dispatch")}
	s.RegisterPhaseHandler(sim.PhaseCollection, d.resetCycle)
	return d
}

// Bind installs the queue serving class.
func (d *Dispatcher) Bind(class UnitClass, q *Queue) { d.queues[class] = q }

func (d *Dispatcher) resetCycle() {
	for _, q := range d.queues {
		if q != nil {
			q.ResetCycle()
		}
	}
}

// CanAccept reports whether in's target queue has room this cycle.
func (d *Dispatcher) CanAccept(in *inst.Instruction) bool {
	q := d.queues[classOf(in)]
	return q != nil && q.CanAccept()
}

// Dispatch routes in to its target queue. The caller must have already
// checked CanAccept this cycle.
func (d *Dispatcher) Dispatch(in *inst.Instruction) {
	q := d.queues[classOf(in)]
	q.Dispatch(in)
	d.stats.Counter("dispatched").Inc()
}

// Refund returns in's dispatch credit once the execution unit has freed the
// slot (retire or flush); one credit per item consumed.
func (d *Dispatcher) Refund(in *inst.Instruction) {
	if q := d.queues[classOf(in)]; q != nil {
		q.Grant(1)
	}
}

// Stats exposes the dispatcher's counters.
func (d *Dispatcher) Stats() *report.StatSet { return d.stats }
