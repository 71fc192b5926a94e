// Package l2cache implements the shared L2: a two-stage pipeline (ARBITRATE
// -> ACCESS) over three input channels (a pending BIU response is served
// first; IL1 and DCache misses are round-robinned) and a miss-pending buffer keyed by
// block address, built on the same akita/v4/mem/cache directory primitive
// as the L1s.
package l2cache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// Channel identifies one of the three L2 request sources.
type Channel int

const (
	ChannelBIUResp Channel = iota
	ChannelIL1
	ChannelDCache
	numChannels
)

type request struct {
	channel Channel
	block   uint64
}

type pendingMiss struct {
	block     uint64
	fromIL1   bool
	fromDCache bool
}

// L2Cache is the shared second-level cache.
type L2Cache struct {
	sched     *sim.Scheduler
	directory *akitacache.DirectoryImpl
	lineSize  uint64

	queues       [numChannels][]uint64
	rrDCacheNext bool // round-robin pointer between IL1/DCache only; BIU response always wins P0

	missPending map[uint64]*pendingMiss

	// biuCredits bounds the number of outstanding forwards to the BIU;
	// one credit is taken per request issued and refunded when its
	// response lands.
	biuCredits sim.CreditCounter
	biuPending []uint64 // blocks missed but not yet forwarded for lack of a credit

	outBIUReq func(block uint64)

	onIL1Refill    func(block uint64)
	onDCacheRefill func(block uint64)

	latency uint64
	stats   *report.StatSet
}

// NewL2Cache builds an L2 cache from cfg (cache geometry) and l2cfg
// (arbitration/credit parameters), wired to the scheduler's Tick phase.
func NewL2Cache(s *sim.Scheduler, cfg config.CacheConfig, l2cfg config.L2Config) *L2Cache {
	numSets := (cfg.SizeKB * 1024) / (cfg.Associativity * cfg.LineSize)
	if numSets < 1 {
		numSets = 1
	}
	l := &L2Cache{
		sched:    s,
		lineSize: uint64(cfg.LineSize),
		directory: akitacache.NewDirectory(
			numSets, cfg.Associativity, cfg.LineSize, akitacache.NewLRUVictimFinder(),
		),
		missPending: make(map[uint64]*pendingMiss),
		latency:     uint64(l2cfg.Latency),
		stats:       report.NewStatSet("l2cache"),
	}
	l.biuCredits.Add(l2cfg.BIUCredits)
	s.RegisterPhaseHandler(sim.PhaseTick, l.tick)
	return l
}

// OnBIURequest installs the callback used to issue a miss to the BIU.
func (l *L2Cache) OnBIURequest(fn func(block uint64)) { l.outBIUReq = fn }

// OnIL1Refill / OnDCacheRefill install the callbacks used to notify the
// originating L1 once its requested line is ready.
func (l *L2Cache) OnIL1Refill(fn func(block uint64))    { l.onIL1Refill = fn }
func (l *L2Cache) OnDCacheRefill(fn func(block uint64)) { l.onDCacheRefill = fn }

func (l *L2Cache) blockAddr(addr uint64) uint64 { return (addr / l.lineSize) * l.lineSize }

// RequestFromIL1 enqueues an IL1 miss.
func (l *L2Cache) RequestFromIL1(addr uint64) {
	l.queues[ChannelIL1] = append(l.queues[ChannelIL1], l.blockAddr(addr))
}

// RequestFromDCache enqueues a DCache miss.
func (l *L2Cache) RequestFromDCache(addr uint64) {
	l.queues[ChannelDCache] = append(l.queues[ChannelDCache], l.blockAddr(addr))
}

// BIUResponse delivers a completed BIU fetch for block.
func (l *L2Cache) BIUResponse(block uint64) {
	l.queues[ChannelBIUResp] = append(l.queues[ChannelBIUResp], block)
}

func (l *L2Cache) tick() {
	req, ok := l.arbitrate()
	if !ok {
		return
	}
	l.access(req)
}

// arbitrate picks one request per cycle: a pending BIU response is always
// served first (P0), since it is already in hand and must not be starved
// behind incoming misses; IL1 and DCache misses round-robin between
// themselves at the next tier (P1).
func (l *L2Cache) arbitrate() (request, bool) {
	if len(l.queues[ChannelBIUResp]) > 0 {
		block := l.queues[ChannelBIUResp][0]
		l.queues[ChannelBIUResp] = l.queues[ChannelBIUResp][1:]
		return request{channel: ChannelBIUResp, block: block}, true
	}

	order := [2]Channel{ChannelIL1, ChannelDCache}
	if l.rrDCacheNext {
		order = [2]Channel{ChannelDCache, ChannelIL1}
	}
	for _, ch := range order {
		if len(l.queues[ch]) > 0 {
			block := l.queues[ch][0]
			l.queues[ch] = l.queues[ch][1:]
			l.rrDCacheNext = ch == ChannelIL1
			return request{channel: ch, block: block}, true
		}
	}
	return request{}, false
}

func (l *L2Cache) access(req request) {
	if req.channel == ChannelBIUResp {
		l.refill(req.block)
		return
	}

	b := l.directory.Lookup(0, req.block)
	pm := l.missPending[req.block]
	if b != nil && b.IsValid {
		l.stats.Counter("hits").Inc()
		l.directory.Visit(b)
		// A hit's response still pays the configured L2 latency before it
		// reaches the requesting L1's response queue.
		ch, block := req.channel, req.block
		l.sched.ScheduleIn(l.latency, sim.PhaseUpdate, func() {
			l.notify(ch, block)
		})
		return
	}

	l.stats.Counter("misses").Inc()
	if pm != nil {
		l.markWaiting(pm, req.channel)
		return
	}
	pm = &pendingMiss{block: req.block}
	l.markWaiting(pm, req.channel)
	l.missPending[req.block] = pm
	l.issueToBIU(req.block)
}

// issueToBIU forwards block to the BIU if a credit is available, taking
// one; otherwise the block waits in biuPending until a credit is refunded.
func (l *L2Cache) issueToBIU(block uint64) {
	if !l.biuCredits.CanSend() {
		l.biuPending = append(l.biuPending, block)
		l.stats.Counter("biu_credit_stalls").Inc()
		return
	}
	l.biuCredits.Take(1)
	if l.outBIUReq != nil {
		l.outBIUReq(block)
	}
}

// drainBIUPending forwards as many stalled blocks as available credits
// allow, called whenever a credit is refunded.
func (l *L2Cache) drainBIUPending() {
	for len(l.biuPending) > 0 && l.biuCredits.CanSend() {
		block := l.biuPending[0]
		l.biuPending = l.biuPending[1:]
		l.biuCredits.Take(1)
		if l.outBIUReq != nil {
			l.outBIUReq(block)
		}
	}
}

func (l *L2Cache) markWaiting(pm *pendingMiss, ch Channel) {
	switch ch {
	case ChannelIL1:
		pm.fromIL1 = true
	case ChannelDCache:
		pm.fromDCache = true
	}
}

func (l *L2Cache) notify(ch Channel, block uint64) {
	switch ch {
	case ChannelIL1:
		if l.onIL1Refill != nil {
			l.onIL1Refill(block)
		}
	case ChannelDCache:
		if l.onDCacheRefill != nil {
			l.onDCacheRefill(block)
		}
	}
}

func (l *L2Cache) refill(block uint64) {
	pm, ok := l.missPending[block]
	if !ok {
		return
	}
	delete(l.missPending, block)

	l.biuCredits.Add(1)
	l.drainBIUPending()

	victim := l.directory.FindVictim(block)
	if victim != nil {
		victim.Tag = block
		victim.IsValid = true
		victim.IsDirty = false
		l.directory.Visit(victim)
	}
	l.stats.Counter("refills").Inc()

	if pm.fromIL1 {
		l.notify(ChannelIL1, block)
	}
	if pm.fromDCache {
		l.notify(ChannelDCache, block)
	}
}

// Stats exposes the L2 cache's counters.
func (l *L2Cache) Stats() *report.StatSet { return l.stats }
