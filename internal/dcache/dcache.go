// Package dcache implements the non-blocking L1 data cache: a three-stage
// pipeline (LOOKUP -> DATA_READ -> DEALLOCATE) over an
// github.com/sarchlab/akita/v4/mem/cache directory for tag/replacement
// state, with a bounded MSHR file that coalesces same-line misses.
package dcache

import (
	akitacache "github.com/sarchlab/akita/v4/mem/cache"

	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/memaccess"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// mshrEntry tracks one outstanding miss for a cache line: every memaccess
// waiting on the same line is coalesced into Waiters rather than issuing a
// second L2 request.
type mshrEntry struct {
	blockAddr uint64
	waiters   []*memaccess.Info
	issued    bool
	// modified is set when a store coalesced into this entry: the
	// eventual refill must not let the fetched line data clobber the
	// store, and the victim line is written back dirty.
	modified bool
}

// DCache is the non-blocking L1 data cache.
type DCache struct {
	sched     *sim.Scheduler
	directory *akitacache.DirectoryImpl
	lineSize  uint64
	numSets   int
	assoc     int

	mshr     []*mshrEntry
	mshrCap  int

	lookupStage   []*memaccess.Info
	dataReadStage []*memaccess.Info

	// refillSelected is cache_refill_selected: a completed L2 refill
	// claims the cache's single write slot for the cycle after it lands,
	// so any LSU lookup arriving then is NACKed rather than racing the
	// directory update.
	refillSelected bool

	// outL2Req sends a block address to L2 on a miss.
	outL2Req func(blockAddr uint64, waiterOwner uint64)
	// onComplete is called once a memaccess's data is ready (hit or
	// refill), so the LSU can wake the waiting instruction.
	onComplete func(*memaccess.Info)
	// onNack is called when a lookup is turned away because the refill
	// slot is claimed; the LSU replays the access.
	onNack func(*memaccess.Info)

	stats *report.StatSet
}

// NewDCache builds a DCache from cfg, wired to the scheduler's Tick phase
// for its pipeline advance.
func NewDCache(s *sim.Scheduler, cfg config.CacheConfig) *DCache {
	numSets := (cfg.SizeKB * 1024) / (cfg.Associativity * cfg.LineSize)
	if numSets < 1 {
		numSets = 1
	}
	d := &DCache{
		sched:    s,
		lineSize: uint64(cfg.LineSize),
		numSets:  numSets,
		assoc:    cfg.Associativity,
		mshrCap:  cfg.MSHREntries,
		directory: akitacache.NewDirectory(
			numSets, cfg.Associativity, cfg.LineSize, akitacache.NewLRUVictimFinder(),
		),
		stats: report.NewStatSet("dcache"),
	}
	s.RegisterPhaseHandler(sim.PhaseTick, d.tick)
	return d
}

// OnL2Request installs the callback used to forward a miss to L2.
func (d *DCache) OnL2Request(fn func(blockAddr uint64, owner uint64)) { d.outL2Req = fn }

// OnComplete installs the callback invoked once an access's data is ready.
func (d *DCache) OnComplete(fn func(*memaccess.Info)) { d.onComplete = fn }

// OnNack installs the callback invoked when a lookup is NACKed because
// cache_refill_selected has claimed the slot this cycle.
func (d *DCache) OnNack(fn func(*memaccess.Info)) { d.onNack = fn }

func (d *DCache) blockAddr(paddr uint64) uint64 { return (paddr / d.lineSize) * d.lineSize }

// Access enters the LOOKUP stage for info (LSU calls this once an address
// has translated).
func (d *DCache) Access(info *memaccess.Info) {
	d.lookupStage = append(d.lookupStage, info)
}

func (d *DCache) tick() {
	// DEALLOCATE: nothing further to do once a completed access has been
	// delivered; the stage exists so the pipeline has three distinct
	// phases to charge latency against.
	d.dataReadStage = d.dataReadStage[:0]

	claimed := d.refillSelected
	d.refillSelected = false

	lookups := d.lookupStage
	d.lookupStage = nil
	for _, info := range lookups {
		if claimed {
			d.nack(info)
			continue
		}
		d.lookup(info)
	}
}

func (d *DCache) nack(info *memaccess.Info) {
	info.CacheState = memaccess.CacheReload
	d.stats.Counter("refill_nacks").Inc()
	if d.onNack != nil {
		d.onNack(info)
	}
}

func (d *DCache) lookup(info *memaccess.Info) {
	block := d.blockAddr(info.PAddr)
	b := d.directory.Lookup(0, block)
	if b != nil && b.IsValid {
		d.stats.Counter("hits").Inc()
		d.directory.Visit(b)
		if info.IsStore {
			b.IsDirty = true
		}
		info.CacheState = memaccess.CacheHit
		info.DataReady = true
		d.dataReadStage = append(d.dataReadStage, info)
		if d.onComplete != nil {
			d.onComplete(info)
		}
		return
	}

	d.stats.Counter("misses").Inc()
	info.CacheState = memaccess.CacheMiss
	d.allocateMSHR(info, block)
}

// allocateMSHR coalesces info into an in-flight miss on the same line, or
// opens a new MSHR entry and forwards the miss to L2. A store never waits
// on the refill: it marks the MSHR modified and acks HIT back to the LSU
// immediately, since the write only needs the line to eventually land,
// not its stale contents.
func (d *DCache) allocateMSHR(info *memaccess.Info, block uint64) {
	for _, e := range d.mshr {
		if e.blockAddr == block {
			if info.IsStore {
				e.modified = true
				d.ackStoreHit(info)
				return
			}
			e.waiters = append(e.waiters, info)
			info.HasMSHR = true
			return
		}
	}

	if len(d.mshr) >= d.mshrCap {
		// MSHR file is full: the lookup is re-queued and retried on the
		// next tick; a structural hazard stalls, it never drops data.
		d.stats.Counter("mshr_full_stalls").Inc()
		d.lookupStage = append(d.lookupStage, info)
		return
	}

	e := &mshrEntry{blockAddr: block, issued: true}
	d.mshr = append(d.mshr, e)
	if d.outL2Req != nil {
		d.outL2Req(block, uint64(info.ID))
	}
	if info.IsStore {
		e.modified = true
		d.ackStoreHit(info)
		return
	}
	e.waiters = append(e.waiters, info)
	info.HasMSHR = true
}

func (d *DCache) ackStoreHit(info *memaccess.Info) {
	info.CacheState = memaccess.CacheHit
	info.DataReady = true
	if d.onComplete != nil {
		d.onComplete(info)
	}
}

// Refill is called by L2 once a requested block has arrived: the directory
// is updated, every coalesced waiter is marked ready, and the MSHR entry is
// released.
func (d *DCache) Refill(block uint64) {
	idx := -1
	for i, e := range d.mshr {
		if e.blockAddr == block {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	e := d.mshr[idx]
	d.mshr = append(d.mshr[:idx], d.mshr[idx+1:]...)

	// Claim the refill slot: any lookup already queued for this cycle's
	// tick is NACKed rather than racing the directory update below.
	d.refillSelected = true

	victim := d.directory.FindVictim(block)
	if victim != nil {
		if victim.IsValid && victim.IsDirty {
			d.stats.Counter("writebacks").Inc()
		}
		victim.Tag = block
		victim.IsValid = true
		victim.IsDirty = e.modified
		d.directory.Visit(victim)
	}

	for _, waiter := range e.waiters {
		waiter.CacheState = memaccess.CacheReload
		waiter.DataReady = true
		if d.onComplete != nil {
			d.onComplete(waiter)
		}
	}
	d.stats.Counter("refills").Inc()
}

// MSHROutstanding reports the number of distinct in-flight miss lines, for
// tests and the lockup dump.
func (d *DCache) MSHROutstanding() int { return len(d.mshr) }

// Stats exposes the DCache's counters.
func (d *DCache) Stats() *report.StatSet { return d.stats }
