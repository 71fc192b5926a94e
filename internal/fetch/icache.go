package fetch

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// pendingMiss tracks one outstanding instruction-line miss: the block plus
// how many distinct fetch requests coalesced onto it.
type pendingMiss struct {
	blockAddr uint64
	coalesced int
}

// ICache is the non-blocking instruction cache sitting in front of Fetch.
// Its per-cycle arbiter serves, in priority order: refill (an arrived L2
// line is allocated and its coalesced pending misses move to the replay
// buffer), replay (a re-walked miss that should now hit), demand (a fresh
// fetch request). Misses to a block with an outstanding miss never issue a
// second L2 request. Tag and replacement state live in an
// akita/v4/mem/cache directory.
type ICache struct {
	directory *akitacache.DirectoryImpl
	lineSize  uint64

	fetchReqQueue []uint64 // demand lookups waiting for the arbiter
	missQueue     []uint64 // misses awaiting L2 issue
	replayBuffer  []uint64 // filled blocks to re-walk
	l2RespQueue   []uint64 // arrived L2 lines awaiting refill

	pendingMisses []*pendingMiss
	pendingCap    int // bounded by the fetch queue size

	outL2Req    func(blockAddr uint64)
	onLineReady func(blockAddr uint64)

	stats *report.StatSet
}

// NewICache builds an ICache from cfg, with the pending-miss buffer bounded
// to fetchQueueSize, wired to the scheduler's Tick phase for its arbiter.
func NewICache(s *sim.Scheduler, cfg config.CacheConfig, fetchQueueSize int) *ICache {
	numSets := (cfg.SizeKB * 1024) / (cfg.Associativity * cfg.LineSize)
	if numSets < 1 {
		numSets = 1
	}
	c := &ICache{
		directory:  akitacache.NewDirectory(numSets, cfg.Associativity, cfg.LineSize, akitacache.NewLRUVictimFinder()),
		lineSize:   uint64(cfg.LineSize),
		pendingCap: fetchQueueSize,
		stats:      report.NewStatSet("icache"),
	}
	s.RegisterPhaseHandler(sim.PhaseTick, c.tick)
	return c
}

// OnL2Request installs the callback used to forward a miss to L2.
func (c *ICache) OnL2Request(fn func(blockAddr uint64)) { c.outL2Req = fn }

// OnLineReady installs the callback invoked once a requested line is
// resident (a demand/replay hit, or the refill that satisfies it).
func (c *ICache) OnLineReady(fn func(blockAddr uint64)) { c.onLineReady = fn }

// BlockAddr aligns pc down to its cache-line address.
func (c *ICache) BlockAddr(pc uint64) uint64 { return (pc / c.lineSize) * c.lineSize }

// LineSize returns the cache's line size in bytes.
func (c *ICache) LineSize() uint64 { return c.lineSize }

// Request enqueues a demand lookup for pc's line. The result is announced
// through OnLineReady, immediately on the cycle the arbiter serves a hit or
// after the miss's refill and replay otherwise.
func (c *ICache) Request(pc uint64) {
	c.fetchReqQueue = append(c.fetchReqQueue, c.BlockAddr(pc))
}

// Refill delivers a completed L2 fetch for block.
func (c *ICache) Refill(block uint64) {
	c.l2RespQueue = append(c.l2RespQueue, block)
}

// tick runs the per-cycle arbiter (refill > replay > demand, one grant per
// cycle) and issues at most one queued miss to L2.
func (c *ICache) tick() {
	switch {
	case len(c.l2RespQueue) > 0:
		block := c.l2RespQueue[0]
		c.l2RespQueue = c.l2RespQueue[1:]
		c.refill(block)
	case len(c.replayBuffer) > 0:
		block := c.replayBuffer[0]
		c.replayBuffer = c.replayBuffer[1:]
		c.replay(block)
	case len(c.fetchReqQueue) > 0:
		block := c.fetchReqQueue[0]
		c.fetchReqQueue = c.fetchReqQueue[1:]
		c.demand(block)
	}

	if len(c.missQueue) > 0 {
		block := c.missQueue[0]
		c.missQueue = c.missQueue[1:]
		if c.outL2Req != nil {
			c.outL2Req(block)
		}
	}
}

// refill allocates the arrived line and moves its coalesced pending misses
// to the replay buffer.
func (c *ICache) refill(block uint64) {
	victim := c.directory.FindVictim(block)
	if victim != nil {
		victim.Tag = block
		victim.IsValid = true
		victim.IsDirty = false
		c.directory.Visit(victim)
	}
	c.stats.Counter("refills").Inc()

	for i, pm := range c.pendingMisses {
		if pm.blockAddr == block {
			c.pendingMisses = append(c.pendingMisses[:i], c.pendingMisses[i+1:]...)
			for n := 0; n < pm.coalesced; n++ {
				c.replayBuffer = append(c.replayBuffer, block)
			}
			break
		}
	}
}

// replay re-walks a filled block; after a refill it hits, unless the line
// was already evicted again, in which case it goes back through the demand
// path.
func (c *ICache) replay(block uint64) {
	b := c.directory.Lookup(0, block)
	if b != nil && b.IsValid {
		c.stats.Counter("replays").Inc()
		c.directory.Visit(b)
		c.lineReady(block)
		return
	}
	c.demand(block)
}

func (c *ICache) demand(block uint64) {
	b := c.directory.Lookup(0, block)
	if b != nil && b.IsValid {
		c.stats.Counter("hits").Inc()
		c.directory.Visit(b)
		c.lineReady(block)
		return
	}

	c.stats.Counter("misses").Inc()
	for _, pm := range c.pendingMisses {
		if pm.blockAddr == block {
			// Coalesce: the outstanding miss's refill will satisfy this
			// request too, without a second L2 round trip.
			pm.coalesced++
			return
		}
	}
	if len(c.pendingMisses) >= c.pendingCap {
		// Pending-miss buffer full: the request retries through the
		// demand path next cycle rather than being dropped.
		c.stats.Counter("pending_full_stalls").Inc()
		c.fetchReqQueue = append(c.fetchReqQueue, block)
		return
	}
	c.pendingMisses = append(c.pendingMisses, &pendingMiss{blockAddr: block, coalesced: 1})
	c.missQueue = append(c.missQueue, block)
}

func (c *ICache) lineReady(block uint64) {
	if c.onLineReady != nil {
		c.onLineReady(block)
	}
}

// OutstandingMisses reports the number of distinct in-flight miss lines.
func (c *ICache) OutstandingMisses() int { return len(c.pendingMisses) }

// Stats exposes the ICache's counters.
func (c *ICache) Stats() *report.StatSet { return c.stats }
