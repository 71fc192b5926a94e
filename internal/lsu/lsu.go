// Package lsu implements the scalar Load/Store Unit: an in-order issue
// queue (ldst_inst_queue), a ready queue ordered by (IssuePriority,
// unique_id, uop_id), a replay buffer for addresses that must retry, and a
// 5-stage address pipeline (ADDR_CALC -> MMU_LOOKUP -> CACHE_LOOKUP ->
// CACHE_READ -> COMPLETE) feeding the DCache. Only the scalar LSU is
// implemented; a multi-pipeline reservation-station variant is future
// work.
package lsu

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/memaccess"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/scoreboard"
	"github.com/sarchlab/rvcore/internal/sim"
)

// IssuePriority orders the ready queue; lower values issue first. The
// tiers mirror the events that can move an entry back to the front of the
// queue: a forced retry always wins, a stalled cache reload recovers next,
// a retired store's deferred write comes after that, and so on down to a
// plain freshly dispatched entry.
type IssuePriority int

const (
	PriorityHighest      IssuePriority = iota // forced retry (flush survivor, structural stall)
	PriorityCacheReload                       // cache_refill_selected NACK retry
	PriorityCachePending                      // store promoted at ROB retire-ack
	PriorityMMUReload                         // load rewoken by a store's address-overlap abort
	PriorityMMUPending                        // blocked on an older store's unresolved address
	PriorityNewDisp                           // freshly dispatched, never issued
	PriorityLowest
)

// IssueState is the lifecycle of one load/store inside the LSU, distinct
// from inst.Status (which tracks the pipeline-wide lifecycle).
type IssueState int

const (
	StateNotReady IssueState = iota // operand-ready gate not yet satisfied
	StateReady
	StateIssued
)

// pipeStage is the address pipeline stage an issued entry is advancing
// through.
type pipeStage int

const (
	stageMMULookup pipeStage = iota
	stageCacheLookup
)

// LoadStoreInstInfo is one ldst_inst_queue entry.
type LoadStoreInstInfo struct {
	ID       inst.ID
	UopID    uint32
	IsStore  bool
	Priority IssuePriority
	State    IssueState

	Access *memaccess.Info

	// generation is bumped whenever this entry is aborted and re-enqueued
	// (the speculative-load-abort path); a completion or NACK delivered
	// for a stale generation is dropped rather than acted on. Stashed
	// alongside on Access.IssueQueueSlot so the DCache/L2 round trip can
	// be matched back up without a second lookup table.
	generation int
	done       bool

	// waitProducer, when set, is the nearest older load whose result this
	// entry's operand comes from (per inst.LoadProducer); the entry
	// cannot become ready until that load completes.
	waitProducer *LoadStoreInstInfo
	// waitOlderStores gates a load behind every older store already in
	// the queue whose address has not yet resolved, when speculative
	// load execution is disabled.
	waitOlderStores []*LoadStoreInstInfo

	// pendingScoreboard counts outstanding scoreboard ready-callbacks for
	// this entry's source (and, for stores, data) operands; the entry is
	// not operand-ready until every one has fired.
	pendingScoreboard int
	// destMasks, for loads, selects the destination physical registers to
	// mark ready on completion.
	destMasks [coretypes.NumRegFiles]scoreboard.Bitmask
}

func less(a, b *LoadStoreInstInfo) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.UopID < b.UopID
}

// inFlight tracks one entry's progress through the address pipeline once
// it has issued out of the ready queue.
type inFlight struct {
	entry     *LoadStoreInstInfo
	stage     pipeStage
	remaining int
	// gen snapshots entry.generation at issue time; if the entry is
	// aborted (speculative-load-abort bumps its generation) while this
	// tracker is still in flight, the stale tracker is dropped instead of
	// being decremented or re-appended.
	gen int
}

// Unit is the scalar LSU.
type Unit struct {
	sched    *sim.Scheduler
	arena    *inst.Arena
	accesses *memaccess.Table
	boards   [coretypes.NumRegFiles]*scoreboard.Scoreboard

	queue        []*LoadStoreInstInfo // ldst_inst_queue, program order
	replayBuffer []*LoadStoreInstInfo
	replayDelay  uint64

	pipeline []*inFlight

	// committedStores holds stores whose address has resolved (logically
	// COMPLETED) but whose write has not yet been issued to the DCache;
	// Retire promotes them to CACHE_PENDING and moves them back into the
	// issue flow.
	committedStores map[memaccess.ID]*LoadStoreInstInfo

	lastLoad *LoadStoreInstInfo // most recent load enqueued, for LoadProducer gating

	cap int

	mmuStageLen         int
	cacheLookupStageLen int
	cacheReadStageLen   int

	outDCacheAccess func(*memaccess.Info)
	outMMULookup    func(*memaccess.Info)
	onAddressResolved func(*memaccess.Info)

	speculativeLoads bool

	stats *report.StatSet
}

// NewUnit builds an LSU from cfg, wired to the scheduler's Tick phase for
// issue-queue draining and the replay buffer's re-issue timer.
func NewUnit(s *sim.Scheduler, arena *inst.Arena, accesses *memaccess.Table, boards [coretypes.NumRegFiles]*scoreboard.Scoreboard, cfg config.LSUConfig) *Unit {
	u := &Unit{
		sched:               s,
		arena:               arena,
		accesses:            accesses,
		boards:              boards,
		cap:                 cfg.LdStInstQueueSize,
		replayDelay:         uint64(cfg.ReplayIssueDelay),
		speculativeLoads:    cfg.AllowSpeculativeLoadExec,
		mmuStageLen:         cfg.MMULookupStageLength,
		cacheLookupStageLen: cfg.CacheLookupStageLength,
		cacheReadStageLen:   cfg.CacheReadStageLength,
		committedStores:     make(map[memaccess.ID]*LoadStoreInstInfo),
		stats:               report.NewStatSet("lsu"),
	}
	if u.mmuStageLen < 1 {
		u.mmuStageLen = 1
	}
	if u.cacheLookupStageLen < 1 {
		u.cacheLookupStageLen = 1
	}
	if u.cacheReadStageLen < 1 {
		u.cacheReadStageLen = 1
	}
	s.RegisterPhaseHandler(sim.PhaseTick, u.tick)
	return u
}

// OnMMULookup / OnDCacheAccess install the callbacks the address pipeline
// drives its two translation/cache stages through.
func (u *Unit) OnMMULookup(fn func(*memaccess.Info))   { u.outMMULookup = fn }
func (u *Unit) OnDCacheAccess(fn func(*memaccess.Info)) { u.outDCacheAccess = fn }

// OnAddressResolved installs the callback fired once a store's address has
// resolved and it has logically completed (its write is deferred until
// retire), so the owning instruction can advance out of the ROB's wait.
func (u *Unit) OnAddressResolved(fn func(*memaccess.Info)) { u.onAddressResolved = fn }

// CanAccept reports whether the issue queue has room for one more entry.
func (u *Unit) CanAccept() bool { return len(u.queue) < u.cap }

// Enqueue admits a dispatched load/store, given its already-computed
// effective address.
func (u *Unit) Enqueue(in *inst.Instruction, vaddr uint64) {
	access := u.accesses.Alloc(in.ID, vaddr)
	access.IsStore = in.IsStore
	in.HasMemAccess = true
	in.MemAccessID = uint64(access.ID)

	entry := &LoadStoreInstInfo{
		ID:      in.ID,
		UopID:   in.UopID,
		IsStore: in.IsStore,
		Access:  access,
	}

	u.registerScoreboardWaits(entry, in)

	if in.LoadProducer {
		entry.waitProducer = u.lastLoad
	}
	if !in.IsStore && !u.speculativeLoads {
		for _, e := range u.queue {
			if e.IsStore && e.Access.MMUState != memaccess.MMUHit {
				entry.waitOlderStores = append(entry.waitOlderStores, e)
			}
		}
	}

	if u.operandsReady(entry) {
		entry.State = StateReady
		entry.Priority = PriorityNewDisp
	} else {
		entry.State = StateNotReady
		entry.Priority = PriorityMMUPending
	}

	u.queue = append(u.queue, entry)
	if !in.IsStore {
		u.lastLoad = entry
	}
}

// registerScoreboardWaits gates entry on the readiness of every renamed
// source operand (and, for stores, the data register, unless it is x0): one
// callback per not-yet-ready file mask, fired by the producing unit's
// SetReady. Loads also record their destination masks so completion can
// mark them ready.
func (u *Unit) registerScoreboardWaits(entry *LoadStoreInstInfo, in *inst.Instruction) {
	var waitMasks [coretypes.NumRegFiles]scoreboard.Bitmask
	addWait := func(f coretypes.RegFile, phys uint32) {
		if u.boards[f] == nil {
			return
		}
		if waitMasks[f] == nil {
			waitMasks[f] = scoreboard.NewBitmask(u.boards[f].NumPhys())
		}
		waitMasks[f].SetBit(phys)
	}

	for f := range in.Rename.Sources {
		for _, s := range in.Rename.Sources[f] {
			if !s.OpInfo.IsX0 {
				addWait(coretypes.RegFile(f), s.Phys)
			}
		}
	}
	if in.IsStore && in.Rename.HasDataReg && !in.Rename.DataReg.OpInfo.IsX0 {
		addWait(in.Rename.DataReg.OpInfo.RegFile, in.Rename.DataReg.Phys)
	}
	if !in.IsStore {
		for f := range in.Rename.Dests {
			for _, d := range in.Rename.Dests[f] {
				if d.OpInfo.IsX0 || u.boards[f] == nil {
					continue
				}
				if entry.destMasks[f] == nil {
					entry.destMasks[f] = scoreboard.NewBitmask(u.boards[f].NumPhys())
				}
				entry.destMasks[f].SetBit(d.Phys)
			}
		}
	}

	for f, mask := range waitMasks {
		if mask == nil || u.boards[f].IsSet(mask) {
			continue
		}
		entry.pendingScoreboard++
		u.boards[f].RegisterReadyCallback(mask, entry.ID, func() {
			entry.pendingScoreboard--
		})
	}
}

func (u *Unit) operandsReady(e *LoadStoreInstInfo) bool {
	if e.pendingScoreboard > 0 {
		return false
	}
	if e.waitProducer != nil && !e.waitProducer.done {
		return false
	}
	for _, s := range e.waitOlderStores {
		if s.Access.MMUState != memaccess.MMUHit {
			return false
		}
	}
	return true
}

// refreshReadiness promotes any NotReady entry whose operand-ready gate has
// since cleared.
func (u *Unit) refreshReadiness() {
	for _, e := range u.queue {
		if e.State == StateNotReady && u.operandsReady(e) {
			e.State = StateReady
			e.Priority = PriorityNewDisp
		}
	}
}

func (u *Unit) readyQueue() []*LoadStoreInstInfo {
	var ready []*LoadStoreInstInfo
	for _, e := range u.queue {
		if e.State == StateReady {
			ready = append(ready, e)
		}
	}
	for _, e := range u.replayBuffer {
		if e.State == StateReady {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
	return ready
}

func (u *Unit) tick() {
	u.refreshReadiness()
	u.advancePipeline()
	u.issueOne()
}

// advancePipeline steps every in-flight entry's stage countdown, acting on
// whichever stage completes this cycle.
func (u *Unit) advancePipeline() {
	active := u.pipeline
	u.pipeline = nil
	for _, f := range active {
		if f.entry.generation != f.gen {
			// Stale tracker: the entry was aborted (or otherwise
			// reissued) since this stage started. Drop it rather than
			// let it race the entry's fresh attempt.
			continue
		}
		f.remaining--
		if f.remaining > 0 {
			u.pipeline = append(u.pipeline, f)
			continue
		}
		switch f.stage {
		case stageMMULookup:
			u.finishMMULookup(f.entry)
		case stageCacheLookup:
			if u.outDCacheAccess != nil {
				u.outDCacheAccess(f.entry.Access)
			}
			// The entry now waits asynchronously for the DCache's
			// Complete/Nack callback; it stays in u.queue (State
			// Issued) but leaves the pipeline tracker.
		}
	}
}

// issueOne admits at most one ready entry into the address pipeline per
// cycle, matching the scalar LSU's single issue port.
func (u *Unit) issueOne() {
	ready := u.readyQueue()
	if len(ready) == 0 {
		return
	}
	entry := ready[0]
	entry.State = StateIssued
	u.stats.Counter("issued").Inc()

	if entry.Priority == PriorityCachePending {
		// A store's deferred writeback: the address already resolved
		// before retire, so it re-enters the pipeline straight at
		// CACHE_LOOKUP instead of redoing translation.
		u.pipeline = append(u.pipeline, &inFlight{entry: entry, stage: stageCacheLookup, remaining: u.cacheLookupStageLen, gen: entry.generation})
		return
	}
	// ADDR_CALC is a pass-through: the effective address was computed at
	// dispatch time, so the pipeline starts at MMU_LOOKUP.
	u.pipeline = append(u.pipeline, &inFlight{entry: entry, stage: stageMMULookup, remaining: u.mmuStageLen, gen: entry.generation})
}

// finishMMULookup resolves the access's physical address (identity-mapped,
// matching the rest of the tree's no-virtual-memory scope) and, for
// stores, aborts any younger load already past translation for the same
// address.
func (u *Unit) finishMMULookup(entry *LoadStoreInstInfo) {
	if u.outMMULookup != nil {
		u.outMMULookup(entry.Access)
	}
	entry.Access.PAddr = entry.Access.VAddr
	entry.Access.MMUState = memaccess.MMUHit

	if entry.IsStore {
		u.abortYoungerLoads(entry)
		u.completeStoreAddress(entry)
		return
	}

	u.pipeline = append(u.pipeline, &inFlight{entry: entry, stage: stageCacheLookup, remaining: u.cacheLookupStageLen, gen: entry.generation})
}

// abortYoungerLoads implements the speculative-load-abort rule: a store
// resolving its address squashes any younger load already issued against
// the same vaddr, since that load may have raced ahead of a store it
// should have observed. Aborted loads are bumped to MMU_RELOAD and
// reissued from MMU_LOOKUP.
func (u *Unit) abortYoungerLoads(store *LoadStoreInstInfo) {
	for _, e := range u.queue {
		if e.IsStore || e.ID <= store.ID || e.Access.VAddr != store.Access.VAddr {
			continue
		}
		if e.State != StateIssued {
			continue
		}
		u.cancelInFlight(e)
		e.generation++
		e.Access.IssueQueueSlot = e.generation
		e.Access.CacheState = memaccess.CacheNoAccess
		e.Access.DataReady = false
		e.State = StateReady
		e.Priority = PriorityMMUReload
		u.stats.Counter("speculative_load_aborts").Inc()
	}
}

func (u *Unit) cancelInFlight(entry *LoadStoreInstInfo) {
	kept := u.pipeline[:0]
	for _, f := range u.pipeline {
		if f.entry == entry {
			continue
		}
		kept = append(kept, f)
	}
	u.pipeline = kept
}

// completeStoreAddress removes a store from the active issue queue once
// its address has resolved: the store is logically COMPLETED here
// (freeing its ldst_inst_queue slot) but its write is deferred until the
// owning instruction retires.
func (u *Unit) completeStoreAddress(entry *LoadStoreInstInfo) {
	for i, e := range u.queue {
		if e == entry {
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			break
		}
	}
	u.committedStores[entry.Access.ID] = entry
	u.stats.Counter("store_addresses_resolved").Inc()
	if u.onAddressResolved != nil {
		u.onAddressResolved(entry.Access)
	}
}

// Replay re-enqueues a load/store whose cache access was NACKed
// (cache_refill_selected claimed) or otherwise must retry: the entry is
// moved to the replay buffer and reissued after replayDelay cycles at
// CACHE_RELOAD priority.
func (u *Unit) Replay(access *memaccess.Info) {
	for i, e := range u.queue {
		if e.Access == access && access.IssueQueueSlot == e.generation {
			u.cancelInFlight(e)
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			u.replayBuffer = append(u.replayBuffer, e)
			u.stats.Counter("replays").Inc()
			u.sched.ScheduleIn(u.replayDelay, sim.PhaseTick, func() {
				e.State = StateReady
				e.Priority = PriorityCacheReload
			})
			return
		}
	}
}

// Complete marks access's data ready and, after the CACHE_READ stage's
// configured latency (the data-forwarding delay back to the pipeline),
// removes its entry from whichever buffer currently holds it. Called once
// the DCache (or a later MSHR refill) delivers data. A completion for a
// stale generation (the entry was aborted and reissued since this request
// was sent) is dropped when the delayed finalize fires.
func (u *Unit) Complete(access *memaccess.Info) {
	access.DataReady = true
	gen := access.IssueQueueSlot
	u.sched.ScheduleIn(uint64(u.cacheReadStageLen), sim.PhaseTick, func() {
		u.finalizeComplete(access, gen)
	})
}

func (u *Unit) finalizeComplete(access *memaccess.Info, gen int) {
	for i, e := range u.queue {
		if e.Access == access {
			if access.IssueQueueSlot != gen || e.generation != gen {
				return
			}
			e.done = true
			u.queue = append(u.queue[:i], u.queue[i+1:]...)
			u.stats.Counter("completed").Inc()
			u.markDestsReady(e)
			u.freeIfWriteback(e)
			return
		}
	}
	for i, e := range u.replayBuffer {
		if e.Access == access {
			if access.IssueQueueSlot != gen || e.generation != gen {
				return
			}
			e.done = true
			u.replayBuffer = append(u.replayBuffer[:i], u.replayBuffer[i+1:]...)
			u.stats.Counter("completed").Inc()
			u.markDestsReady(e)
			u.freeIfWriteback(e)
			return
		}
	}
}

// markDestsReady publishes a completed load's destination registers on the
// scoreboard, waking any dependent entry's ready-callback.
func (u *Unit) markDestsReady(e *LoadStoreInstInfo) {
	if e.IsStore {
		return
	}
	for f, mask := range e.destMasks {
		if mask != nil && u.boards[f] != nil {
			u.boards[f].SetReady(mask)
		}
	}
}

// freeIfWriteback releases a store's memory-access record once its
// deferred writeback completes: a store only reaches Complete a second
// time (after already retiring via committedStores) for this writeback, so
// this is its last reference rather than Retire's.
func (u *Unit) freeIfWriteback(e *LoadStoreInstInfo) {
	if e.IsStore && e.Priority == PriorityCachePending {
		u.accesses.Free(e.Access.ID)
	}
}

// Retire releases the memory-access record once its owning instruction
// retires, the last point any stage could still reference it. For a
// committed store this is instead the retire-ack that promotes it to
// CACHE_PENDING and sends its deferred write to the DCache; the access is
// only freed once that write completes.
func (u *Unit) Retire(accessID uint64) {
	id := memaccess.ID(accessID)
	if e, ok := u.committedStores[id]; ok {
		delete(u.committedStores, id)
		e.State = StateReady
		e.Priority = PriorityCachePending
		u.queue = append(u.queue, e)
		u.stats.Counter("store_writebacks_issued").Inc()
		return
	}
	u.accesses.Free(id)
}

// FlushMatching removes every ldst_inst_queue / replay_buffer /
// committed-store entry whose instruction id matches included. Any
// scheduled replay event for a removed entry is left to fire into a dead
// entry harmlessly: the entry's slice membership is what Replay/Complete
// key off, not the timer.
func (u *Unit) FlushMatching(included func(id inst.ID) bool) {
	keep := u.queue[:0]
	for _, e := range u.queue {
		if included(e.ID) {
			u.cancelInFlight(e)
			u.clearScoreboardWaits(e)
			u.accesses.Free(e.Access.ID)
			u.stats.Counter("flushed").Inc()
			continue
		}
		keep = append(keep, e)
	}
	u.queue = keep

	keepReplay := u.replayBuffer[:0]
	for _, e := range u.replayBuffer {
		if included(e.ID) {
			u.clearScoreboardWaits(e)
			u.accesses.Free(e.Access.ID)
			u.stats.Counter("flushed").Inc()
			continue
		}
		keepReplay = append(keepReplay, e)
	}
	u.replayBuffer = keepReplay

	for id, e := range u.committedStores {
		if included(e.ID) {
			delete(u.committedStores, id)
			u.accesses.Free(e.Access.ID)
			u.stats.Counter("flushed").Inc()
		}
	}
}

func (u *Unit) clearScoreboardWaits(e *LoadStoreInstInfo) {
	for _, b := range u.boards {
		if b != nil {
			b.ClearCallbacks(e.ID)
		}
	}
}

// QueueDepth reports the number of in-flight entries, for the lockup dump.
func (u *Unit) QueueDepth() int {
	return len(u.queue) + len(u.replayBuffer) + len(u.committedStores)
}

// Dump renders the LSU's in-flight state for the ROB lockup report.
func (u *Unit) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d queued, %d replaying, %d committed stores\n",
		len(u.queue), len(u.replayBuffer), len(u.committedStores))
	describe := func(kind string, e *LoadStoreInstInfo) {
		op := "load"
		if e.IsStore {
			op = "store"
		}
		fmt.Fprintf(&b, "  [%s] id=%d %s vaddr=%#x state=%d prio=%d\n",
			kind, e.ID, op, e.Access.VAddr, e.State, e.Priority)
	}
	for _, e := range u.queue {
		describe("queue", e)
	}
	for _, e := range u.replayBuffer {
		describe("replay", e)
	}
	for _, e := range u.committedStores {
		describe("store", e)
	}
	return b.String()
}

// Stats exposes the LSU's counters.
func (u *Unit) Stats() *report.StatSet { return u.stats }
