// Package simtop implements the top-level Simulator: it constructs every
// unit from internal/config, wires their ports/credits/callbacks together,
// and implements the §6 run-control loop (exit on trace exhaustion + drained
// ROB, or num_insts_to_retire reached; a lockup or invariant violation is
// recovered here and reported as a non-zero exit with unit context).
package simtop

import (
	"fmt"

	"github.com/sarchlab/rvcore/extern/trace"
	"github.com/sarchlab/rvcore/internal/biu"
	"github.com/sarchlab/rvcore/internal/bpu"
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/dcache"
	"github.com/sarchlab/rvcore/internal/decode"
	"github.com/sarchlab/rvcore/internal/dispatch"
	"github.com/sarchlab/rvcore/internal/fetch"
	"github.com/sarchlab/rvcore/internal/flush"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/l2cache"
	"github.com/sarchlab/rvcore/internal/lsu"
	"github.com/sarchlab/rvcore/internal/memaccess"
	"github.com/sarchlab/rvcore/internal/prefetch"
	"github.com/sarchlab/rvcore/internal/rename"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/rob"
	"github.com/sarchlab/rvcore/internal/scoreboard"
	"github.com/sarchlab/rvcore/internal/sim"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// Simulator owns every unit for one core instance and the scheduler driving
// them.
type Simulator struct {
	cfg   *config.Config
	sched *sim.Scheduler
	arena *inst.Arena
	memT  *memaccess.Table

	trace trace.Source

	boards [coretypes.NumRegFiles]*scoreboard.Scoreboard

	bpu        *bpu.Unit
	icache     *fetch.ICache
	fetchU     *fetch.Unit
	decodeU    *decode.Unit
	renameU    *rename.Unit
	dispatchU  *dispatch.Dispatcher
	lsuU       *lsu.Unit
	dcacheU    *dcache.DCache
	l2         *l2cache.L2Cache
	biuU       *biu.Unit
	robU       *rob.ROB
	flushMgr   *flush.Manager
	prefetcher *prefetch.Unit

	// pendingUops holds decoded, arena-backed uops that have not yet made
	// it through rename/dispatch (backpressure keeps them here rather than
	// dropping them).
	pendingUops []inst.Handle

	// handles resolves an instruction's weak id back to its arena handle;
	// the memory-access record only carries the weak Owner id, so the
	// DCache-completion callback needs this to find the instruction again.
	handles map[inst.ID]inst.Handle

	nextInstID   inst.ID
	numRetired   uint64
	retireTarget uint64

	stats      *report.StatSet
	reportSink report.Sink
}

// New builds a fully-wired Simulator from cfg and src.
func New(cfg *config.Config, src trace.Source, sink report.Sink) *Simulator {
	s := &Simulator{
		cfg:          cfg,
		sched:        sim.NewScheduler(),
		arena:        inst.NewArena(),
		memT:         memaccess.NewTable(),
		trace:        src,
		retireTarget: uint64(cfg.ROB.NumInstsToRetire),
		reportSink:   sink,
		handles:      make(map[inst.ID]inst.Handle),
		stats:        report.NewStatSet("sim"),
	}

	extra := [coretypes.NumRegFiles]int{cfg.Rename.NumIntegerRenames, cfg.Rename.NumFloatRenames, cfg.Rename.NumVectorRenames}
	for f := 0; f < int(coretypes.NumRegFiles); f++ {
		s.boards[f] = scoreboard.New(coretypes.NumArchRegs + extra[f])
	}

	s.flushMgr = flush.NewManager(s.sched)

	ftqCap := cfg.Fetch.FetchQueueSize
	s.bpu = bpu.NewUnit(s.sched, cfg.BPU, ftqCap, 1)
	var fetchCredits sim.CreditCounter
	s.bpu.BindOutCredits(&fetchCredits)
	s.bpu.Startup()

	s.icache = fetch.NewICache(s.sched, cfg.L1I, cfg.Fetch.FetchQueueSize)
	s.prefetcher = prefetch.NewUnit(s.sched, newPrefetchEngine(cfg.Prefetcher), cfg.Prefetcher)
	if s.prefetcher != nil {
		s.prefetcher.OnPrefetch(func(addr uint64) {
			s.icache.Request(addr)
			// The ICache consumes the prefetch the cycle it queues it, so
			// the egress credit comes straight back.
			s.prefetcher.GrantEgress(1)
		})
		s.prefetcher.GrantEgress(cfg.Prefetcher.ReqQueueSize)
	}
	s.fetchU = fetch.NewUnit(s.sched, s.bpu, s.icache, s.prefetcher, src, 0x1000, cfg.Fetch.FetchQueueSize)
	s.fetchU.OnDeliver(s.acceptFetched)
	if s.prefetcher != nil {
		s.prefetcher.Startup()
	}

	s.decodeU = decode.NewUnit()
	s.renameU = rename.NewUnit(cfg.Rename, s.boards)
	s.dispatchU = dispatch.NewDispatcher(s.sched)
	s.wireDispatchQueues()

	s.lsuU = lsu.NewUnit(s.sched, s.arena, s.memT, s.boards, cfg.LSU)
	s.dcacheU = dcache.NewDCache(s.sched, cfg.L1D)
	s.l2 = l2cache.NewL2Cache(s.sched, cfg.L1D, cfg.L2)
	s.biuU = biu.NewUnit(s.sched, cfg.BIU)
	s.robU = rob.NewROB(s.sched, s.arena, s.flushMgr, cfg.ROB)
	s.robU.SetLSUDump(s.lsuU.Dump)
	s.robU.SetRetireGate(func() bool {
		return s.retireTarget == 0 || s.numRetired < s.retireTarget
	})

	s.wireMemoryHierarchy()
	s.wireFlush()
	s.robU.OnRetire(s.onRetire)

	// Drain pending uops through rename/dispatch after fetch has had its
	// chance to deliver this cycle (registration order fixes the intra-
	// phase ordering).
	s.sched.RegisterPhaseHandler(sim.PhaseTick, s.renameAndDispatch)

	return s
}

func newPrefetchEngine(cfg config.PrefetcherConfig) prefetch.Engine {
	if !cfg.Enable {
		return nil
	}
	switch cfg.Type {
	case "stride":
		return prefetch.NewStride(uint64(cfg.CachelineSize), cfg.NumToPrefetch, cfg.ConfidenceThreshold, cfg.StrideTableSize)
	case "next_line":
		return prefetch.NewNextLine(uint64(cfg.CachelineSize), cfg.NumToPrefetch)
	default:
		return nil
	}
}

func (s *Simulator) wireDispatchQueues() {
	classes := []dispatch.UnitClass{
		dispatch.ClassInteger, dispatch.ClassFloat, dispatch.ClassVector,
		dispatch.ClassLoadStore, dispatch.ClassBranch, dispatch.ClassROB,
	}
	for _, c := range classes {
		q := dispatch.NewQueue(s.sched, c, 1)
		// Credits are sized to the ROB's depth: the ROB is the real
		// in-flight-instruction bound in this model, so a dispatch queue
		// never needs to apply backpressure tighter than retirement
		// already does.
		q.Grant(s.cfg.ROB.RetireQueueDepth)
		if c == dispatch.ClassLoadStore {
			q.OnDispatch(s.onLoadStoreDispatch)
		} else {
			q.OnDispatch(s.onGenericDispatch)
		}
		s.dispatchU.Bind(c, q)
	}
}

func (s *Simulator) wireMemoryHierarchy() {
	s.icache.OnL2Request(func(block uint64) { s.l2.RequestFromIL1(block) })
	s.l2.OnIL1Refill(func(block uint64) { s.icache.Refill(block) })

	s.dcacheU.OnL2Request(func(block uint64, _ uint64) { s.l2.RequestFromDCache(block) })
	s.l2.OnDCacheRefill(func(block uint64) { s.dcacheU.Refill(block) })

	s.l2.OnBIURequest(func(block uint64) { s.biuU.Request(block) })
	s.biuU.OnResponse(func(block uint64) { s.l2.BIUResponse(block) })

	s.dcacheU.OnComplete(func(info *memaccess.Info) {
		s.lsuU.Complete(info)
		if h, ok := s.handles[info.Owner]; ok {
			if in := s.arena.Get(h); in != nil {
				in.Status = inst.Completed
				s.robU.WakeOnComplete(in.ID)
			}
		}
	})
	s.dcacheU.OnNack(func(info *memaccess.Info) { s.lsuU.Replay(info) })
	s.lsuU.OnDCacheAccess(func(info *memaccess.Info) { s.dcacheU.Access(info) })

	// A store's address resolving is its logical completion: the write
	// itself is deferred to retire-ack, so the owning instruction can
	// retire once this fires rather than waiting on a DCache round trip.
	s.lsuU.OnAddressResolved(func(info *memaccess.Info) {
		if h, ok := s.handles[info.Owner]; ok {
			if in := s.arena.Get(h); in != nil {
				in.Status = inst.Completed
				s.robU.WakeOnComplete(in.ID)
			}
		}
	})
}

func (s *Simulator) wireFlush() {
	s.bpu.OnSecondTierFlush(func(redirectPC uint64) {
		s.flushMgr.Raise(flush.Request{Cause: flush.MISFETCH, RedirectPC: redirectPC})
	})
	s.flushMgr.OnLower(func(req flush.Request) {
		s.fetchU.Flush()
		if s.prefetcher != nil {
			s.prefetcher.Flush()
		}
	})
	s.flushMgr.OnUpper(s.applyUpperFlush)
}

// applyUpperFlush squashes every in-flight instruction the criterion
// includes: the LSU's queues, rename's in-flight suffix, the pending-uop
// buffer, and the ROB (via IsFlushed). The trace source is rewound to the
// oldest squashed instruction so the squashed stream replays.
func (s *Simulator) applyUpperFlush(req flush.Request) {
	included := func(id inst.ID) bool {
		return flush.IncludedInFlush(id, req.AffectedID, req.Cause)
	}

	s.lsuU.FlushMatching(included)
	s.renameU.FlushIncluded(included, func(id inst.ID) *inst.Instruction {
		if h, ok := s.handles[id]; ok {
			return s.arena.Get(h)
		}
		return nil
	})

	oldestIdx := -1
	var oldestPC uint64
	note := func(in *inst.Instruction) {
		if idx, ok := in.RewindCursor.(int); ok {
			if oldestIdx < 0 || idx < oldestIdx {
				oldestIdx = idx
				oldestPC = in.PC
			}
		}
	}

	for id, h := range s.handles {
		if !included(id) {
			continue
		}
		if in := s.arena.Get(h); in != nil {
			in.IsFlushed = true
			s.dispatchU.Refund(in)
			note(in)
		}
		delete(s.handles, id)
	}

	// Pre-rename uops are squashed wholesale; they hold no rename or LSU
	// state yet, only their arena slot.
	kept := s.pendingUops[:0]
	for _, h := range s.pendingUops {
		in := s.arena.Get(h)
		if in == nil {
			continue
		}
		if included(in.ID) {
			note(in)
			s.arena.Release(h)
			continue
		}
		kept = append(kept, h)
	}
	s.pendingUops = kept

	// The undelivered fetch buffer is younger than anything renamed;
	// flush it first, then rewind past it to the oldest squashed record.
	s.fetchU.Flush()
	if oldestIdx >= 0 {
		s.trace.Reset(oldestIdx, false)
		s.fetchU.ResumeAt(oldestPC)
	}
}

// acceptFetched is Fetch's delivery callback: it decodes one trace record
// into uops and admits them to the pending buffer. Returning false
// backpressures fetch without losing the record.
func (s *Simulator) acceptFetched(rec trace.Record) bool {
	if s.retireTarget > 0 && s.numRetired >= s.retireTarget {
		return false
	}
	if s.decodeU.WaitingOnVset() {
		return false
	}
	// Bound the pending buffer to the rename queue depth; fetch holds the
	// rest.
	if len(s.pendingUops) >= s.cfg.Rename.RenameQueueDepth {
		return false
	}

	uops := s.decodeU.Decode(rec.PC, uint64(rec.Index), rec.Desc, rec.VType, rec.VL)
	for _, u := range uops {
		s.nextInstID++
		id := s.nextInstID
		h := s.arena.Alloc(id)
		in := s.arena.Get(h)
		*in = *u
		in.ID = id
		in.RewindCursor = rec.Index
		in.IsLastInBlock = rec.LastInBlock
		if rec.HasTaken {
			in.IsTaken = rec.Taken
		}
		s.pendingUops = append(s.pendingUops, h)
	}
	return true
}

// renameAndDispatch drains the pending-uop buffer through rename and
// dispatch, up to the configured rename width, stalling in place on any
// structural hazard (ROB full, no dispatch credit, no free physical
// registers).
func (s *Simulator) renameAndDispatch() {
	live := s.pendingUops[:0]
	group := make([]*inst.Instruction, 0, len(s.pendingUops))
	for _, h := range s.pendingUops {
		if in := s.arena.Get(h); in != nil {
			live = append(live, h)
			group = append(group, in)
		}
	}
	s.pendingUops = live

	limit := s.cfg.Rename.NumToRename
	if limit > len(group) {
		limit = len(group)
	}
	stalls := s.renameU.Stats()
	if limit == 0 {
		stalls.Counter(rename.NoDecodeInsts.String()).Inc()
		return
	}

	if !s.cfg.Rename.PartialRename {
		if reason, ok := s.renameU.CanAllocateGroup(group[:limit]); !ok {
			s.renameU.ObserveRenameWidth(0)
			stalls.Counter(reason.String()).Inc()
			return
		}
	}

	n := 0
	reason := rename.NotStalled
	for n < limit {
		in := group[n]
		if !s.robU.CanAccept(1) || !s.dispatchU.CanAccept(in) {
			reason = rename.NoDispatchCredits
			break
		}
		if r, ok := s.renameU.Rename(in); !ok {
			reason = r
			break
		}
		h := s.pendingUops[n]
		s.handles[in.ID] = h
		s.robU.Allocate(in.ID, h)
		s.dispatchU.Dispatch(in)
		if in.Desc.IsVectorConfig {
			s.decodeU.VsetCleared()
		}
		n++
	}
	s.renameU.ObserveRenameWidth(n)
	stalls.Counter(reason.String()).Inc()
	s.pendingUops = s.pendingUops[n:]
}

func (s *Simulator) onGenericDispatch(in *inst.Instruction) {
	// Non-memory execution units carry no latency model in this timing
	// core: dispatch immediately issues and completes them. The destination
	// registers publish as ready so dependent loads/stores can issue.
	in.Status = inst.Completed
	for f := range in.Rename.Dests {
		for _, d := range in.Rename.Dests[f] {
			if d.OpInfo.IsX0 || d.MoveEliminated {
				continue
			}
			s.boards[f].SetReady(scoreboard.MaskOf(s.boards[f].NumPhys(), d.Phys))
		}
	}
}

func (s *Simulator) onLoadStoreDispatch(in *inst.Instruction) {
	vaddr := in.Desc.TargetVAddr
	if !in.Desc.HasTarget {
		vaddr = in.PC
	}
	s.lsuU.Enqueue(in, vaddr)
	in.Status = inst.Scheduled
}

func (s *Simulator) onRetire(in *inst.Instruction) {
	s.numRetired++
	s.renameU.Retire(in)
	s.dispatchU.Refund(in)
	delete(s.handles, in.ID)

	if in.IsBranch {
		s.bpu.Update(bpu.UpdateInfo{PC: in.PC, Taken: in.IsTaken, Target: in.TargetVAddr})
		s.bpu.CommitHead()
	}
	if in.HasMemAccess {
		s.lsuU.Retire(in.MemAccessID)
	}
}

// Run executes the run-control loop: it advances
// the scheduler until the trace is exhausted and the pipeline has drained,
// or num_insts_to_retire is reached. A lockup or invariant violation panics
// from inside the scheduler; it is recovered here, printed with context,
// and reported as a non-zero-exit condition via the returned error.
func (s *Simulator) Run(maxCycles uint64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch e := r.(type) {
			case *simerr.LockupError, *simerr.InvariantViolation, *simerr.TraceError, *simerr.ConfigError:
				err = fmt.Errorf("simulation halted: %v", e)
			default:
				panic(r)
			}
		}
	}()

	s.sched.Run(maxCycles, func() bool {
		if s.retireTarget > 0 && s.numRetired >= s.retireTarget {
			return true
		}
		return s.fetchU.Done() && len(s.pendingUops) == 0 && s.robU.Len() == 0 &&
			s.lsuU.QueueDepth() == 0
	})
	return nil
}

// Report gathers every unit's StatSet into a report.Report and writes it to
// the configured sink, including the top-level IPC figure
// (total_number_retired / cycles).
func (s *Simulator) Report() error {
	if s.reportSink == nil {
		return nil
	}
	s.stats.Counter("total_retired").Add(s.numRetired - s.stats.Counter("total_retired").Value())
	s.stats.Counter("cycles").Add(s.sched.Now() - s.stats.Counter("cycles").Value())
	rpt := report.Report{Sets: []*report.StatSet{
		s.stats,
		s.bpu.Stats(), s.fetchU.Stats(), s.icache.Stats(), s.decodeU.Stats(),
		s.renameU.Stats(), s.dispatchU.Stats(), s.lsuU.Stats(), s.dcacheU.Stats(),
		s.l2.Stats(), s.biuU.Stats(), s.robU.Stats(), s.flushMgr.Stats(),
	}}
	if s.prefetcher != nil {
		rpt.Sets = append(rpt.Sets, s.prefetcher.Stats())
	}
	return s.reportSink.WriteReport(rpt)
}

// IPC returns retired instructions per cycle so far.
func (s *Simulator) IPC() float64 {
	if s.sched.Now() == 0 {
		return 0
	}
	return float64(s.numRetired) / float64(s.sched.Now())
}

// Cycles returns the current simulated cycle count.
func (s *Simulator) Cycles() uint64 { return s.sched.Now() }

// NumRetired returns the total number of retired instructions.
func (s *Simulator) NumRetired() uint64 { return s.numRetired }

// Rename exposes the rename unit for the conservation property tests.
func (s *Simulator) Rename() *rename.Unit { return s.renameU }

// Arena exposes the instruction arena for leak checks in tests.
func (s *Simulator) Arena() *inst.Arena { return s.arena }

// MemTable exposes the memory-access table for leak checks in tests.
func (s *Simulator) MemTable() *memaccess.Table { return s.memT }
