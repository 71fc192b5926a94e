package bpu

import (
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// Request is a prediction request for one PC.
type Request struct {
	PC uint64
}

// UpdateInfo carries the ground-truth outcome of a committed branch back
// from the ROB.
type UpdateInfo struct {
	PC     uint64
	Taken  bool
	Target uint64
}

// Unit is the branch prediction unit: the one-cycle base predictor feeds
// the FTQ immediately, and a TAGE-SC-L-style tagged predictor answers
// TageDelay cycles later, amending the FTQ entry on disagreement.
type Unit struct {
	sched *sim.Scheduler

	base *BasePredictor
	tage *Predictor
	ftq  *FTQ

	tageDelay uint64
	rasCapacity int

	// outCredits refunds FTQ-space credits to Fetch; the initial grant at
	// Startup is the FTQ capacity.
	outCredits *sim.CreditPort

	onFlush SecondTierFlushFunc

	stats *report.StatSet
}

// NewUnit builds a BPU wired to the scheduler, with FTQ sized to
// cfg-independent ftqCapacity (FTQ capacity is not itself in BPUConfig;
// callers pass it explicitly since it is shared state with Fetch).
func NewUnit(s *sim.Scheduler, cfg config.BPUConfig, ftqCapacity int, creditDelay uint64) *Unit {
	u := &Unit{
		sched:       s,
		base:        NewBasePredictor(cfg),
		tage:        NewPredictor(cfg),
		ftq:         NewFTQ(ftqCapacity),
		tageDelay:   1,
		rasCapacity: cfg.RASSize,
		outCredits:  sim.NewCreditPort(s, creditDelay),
		stats:       report.NewStatSet("bpu"),
	}
	return u
}

// Startup sends the FTQ's initial credit grant to Fetch.
func (u *Unit) Startup() {
	u.outCredits.Refund(u.ftq.capacity)
}

// BindOutCredits routes this BPU's FTQ-space refunds into counter.
func (u *Unit) BindOutCredits(counter *sim.CreditCounter) {
	u.outCredits.BindCounter(counter)
}

// CanRequest reports whether the FTQ has room for another prediction;
// Fetch must hold this before calling Request.
func (u *Unit) CanRequest() bool { return u.ftq.Len() < u.ftq.capacity }

// Request handles an incoming prediction request: the base predictor
// answers immediately into the FTQ, and the TAGE predictor is scheduled to
// answer tageDelay cycles later.
func (u *Unit) Request(req Request) {
	u.stats.Counter("requests").Inc()

	basePred := u.base.Predict(req.PC)
	target := basePred.Target
	if !basePred.Taken || target == 0 {
		target = req.PC + 4
	}
	u.ftq.PushFirstTier(Entry{PC: req.PC, Taken: basePred.Taken, Target: target})

	u.sched.ScheduleIn(u.tageDelay, sim.PhaseTick, func() {
		u.secondTier(req.PC)
	})
}

// SecondTierFlushFunc is invoked when a second-tier amendment needs to
// flush already-forwarded Fetch state. Wired by the simulator to the Flush
// Manager's MISFETCH producer port.
type SecondTierFlushFunc func(redirectPC uint64)

// OnSecondTierFlush installs the callback used by secondTier.
func (u *Unit) OnSecondTierFlush(fn SecondTierFlushFunc) {
	u.onFlush = fn
}

func (u *Unit) secondTier(pc uint64) {
	taken, matched := u.tage.Predict(pc)
	_ = matched
	result := u.ftq.AmendSecondTier(pc, taken)
	if result.FlushNeeded && u.onFlush != nil {
		u.onFlush(result.RedirectPC)
	}
	if result.NeedsRecovery {
		u.stats.Counter("needs_recovery").Inc()
	}
}

// Update trains both predictor tiers with a committed branch's ground
// truth; the base predictor is updated on every branch.
func (u *Unit) Update(info UpdateInfo) {
	u.base.Update(info.PC, info.Taken, info.Target)
	_, matched := u.tage.Predict(info.PC)
	u.tage.Update(info.PC, info.Taken, matched)
}

// PopForFetch forwards the next FTQ entry to Fetch if one is pending.
func (u *Unit) PopForFetch() (Entry, bool) {
	return u.ftq.PopForFetch()
}

// CommitHead deallocates the FTQ head on a ROB branch-commit signal.
func (u *Unit) CommitHead() {
	u.ftq.CommitHead()
}

// Stats exposes the BPU's counters for reporting.
func (u *Unit) Stats() *report.StatSet { return u.stats }
