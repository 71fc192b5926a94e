package prefetch

import (
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// access is one queued demand observation awaiting the engine.
type access struct {
	pc   uint64
	addr uint64
}

// Unit wraps a prefetch engine with credit-flowed ingress/egress queueing:
// demand accesses enter a bounded ingress queue (a credit is refunded
// upstream per consumed entry), the
// engine runs one observation per cycle, and at most one generated
// prefetch is forwarded downstream per cycle while egress credits hold.
type Unit struct {
	sched  *sim.Scheduler
	engine Engine

	ingress    []access
	ingressCap int

	// ingressCredits are refunded to the upstream producer, one per
	// consumed ingress entry.
	ingressCredits *sim.CreditPort

	// egressCredits bound forwards to the downstream L2 path; the
	// downstream grants and refunds them.
	egressCredits sim.CreditCounter

	out func(addr uint64)

	stats *report.StatSet
}

// NewUnit wraps engine per cfg, wired to the scheduler's Tick phase.
// Returns nil if the engine is nil (prefetching disabled).
func NewUnit(s *sim.Scheduler, engine Engine, cfg config.PrefetcherConfig) *Unit {
	if engine == nil {
		return nil
	}
	u := &Unit{
		sched:          s,
		engine:         engine,
		ingressCap:     cfg.ReqQueueSize,
		ingressCredits: sim.NewCreditPort(s, 1),
		stats:          report.NewStatSet("prefetcher"),
	}
	if u.ingressCap < 1 {
		u.ingressCap = 1
	}
	s.RegisterPhaseHandler(sim.PhaseTick, u.tick)
	return u
}

// BindUpstreamCredits routes ingress-credit refunds into the producer's
// counter; the initial grant is the ingress queue's depth.
func (u *Unit) BindUpstreamCredits(counter *sim.CreditCounter) {
	u.ingressCredits.BindCounter(counter)
}

// Startup sends the initial ingress-credit grant upstream.
func (u *Unit) Startup() {
	u.ingressCredits.Refund(u.ingressCap)
}

// GrantEgress adds downstream credits (initial grant and refunds).
func (u *Unit) GrantEgress(n int) { u.egressCredits.Add(n) }

// OnPrefetch installs the downstream consumer of generated prefetches.
func (u *Unit) OnPrefetch(fn func(addr uint64)) { u.out = fn }

// Access queues one demand observation. The producer must hold an ingress
// credit; an access arriving at a full queue is discarded and counted in
// "ingress_overflow_stalls".
func (u *Unit) Access(pc, addr uint64) {
	if len(u.ingress) >= u.ingressCap {
		u.stats.Counter("ingress_overflow_stalls").Inc()
		return
	}
	u.ingress = append(u.ingress, access{pc: pc, addr: addr})
}

func (u *Unit) tick() {
	if len(u.ingress) > 0 {
		a := u.ingress[0]
		u.ingress = u.ingress[1:]
		u.engine.HandleAccess(a.pc, a.addr)
		u.ingressCredits.Refund(1)
		u.stats.Counter("accesses").Inc()
	}

	if u.engine.IsReady() && u.egressCredits.CanSend() {
		addr, ok := u.engine.Pop()
		if !ok {
			return
		}
		u.egressCredits.Take(1)
		u.stats.Counter("prefetches_sent").Inc()
		if u.out != nil {
			u.out(addr)
		}
	}
}

// Flush clears the ingress queue (refunding its credits upstream) and
// drains the engine's generated-but-unsent prefetches.
func (u *Unit) Flush() {
	if n := len(u.ingress); n > 0 {
		u.ingress = u.ingress[:0]
		u.ingressCredits.Refund(n)
	}
	for u.engine.IsReady() {
		if _, ok := u.engine.Pop(); !ok {
			break
		}
	}
	u.stats.Counter("flushes").Inc()
}

// Pending reports the number of queued demand observations.
func (u *Unit) Pending() int { return len(u.ingress) }

// Stats exposes the prefetcher's counters.
func (u *Unit) Stats() *report.StatSet { return u.stats }
