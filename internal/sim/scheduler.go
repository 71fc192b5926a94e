package sim

import "sort"

// eventEntry is one scheduled handler. Tag is an opaque value a canceller
// can match against (e.g. an instruction unique id) via CancelIf.
type eventEntry struct {
	id        uint64
	fn        func()
	cancelled bool
	tag       any
}

// Handle lets a caller cancel a single scheduled event.
type Handle struct {
	entry *eventEntry
}

// Cancel prevents a previously scheduled event from firing. Safe to call
// after the event has already fired (no-op).
func (h *Handle) Cancel() {
	if h == nil || h.entry == nil {
		return
	}
	h.entry.cancelled = true
}

// Scheduler is the single event loop driving the core timing model. All
// units register phase handlers or schedule one-shot/payload events against
// it; nothing in the model advances time any other way.
type Scheduler struct {
	now     uint64
	nextID  uint64
	byCycle map[uint64]*cycleBucket

	// recurring per-phase handlers invoked every cycle (units' own Tick
	// methods register here once at construction time).
	recurring [numPhases][]func()
}

type cycleBucket struct {
	entries [numPhases][]*eventEntry
}

// NewScheduler creates an empty scheduler at cycle 0.
func NewScheduler() *Scheduler {
	return &Scheduler{byCycle: make(map[uint64]*cycleBucket)}
}

// Now returns the current simulated cycle.
func (s *Scheduler) Now() uint64 { return s.now }

// RegisterPhaseHandler runs fn during the given phase of every future
// cycle, in registration order. Used by units that tick every cycle
// unconditionally (e.g. the ROB's retire attempt).
func (s *Scheduler) RegisterPhaseHandler(phase Phase, fn func()) {
	s.recurring[phase] = append(s.recurring[phase], fn)
}

func (s *Scheduler) bucket(cycle uint64) *cycleBucket {
	b, ok := s.byCycle[cycle]
	if !ok {
		b = &cycleBucket{}
		s.byCycle[cycle] = b
	}
	return b
}

// ScheduleIn schedules fn to run `delay` cycles from now, in the given
// phase. delay == 0 schedules it later in the current cycle, provided that
// phase has not yet been serviced this cycle.
func (s *Scheduler) ScheduleIn(delay uint64, phase Phase, fn func()) *Handle {
	return s.scheduleTagged(delay, phase, nil, fn)
}

// ScheduleTagged is like ScheduleIn but attaches tag so the event can later
// be selectively cancelled with CancelIf.
func (s *Scheduler) ScheduleTagged(delay uint64, phase Phase, tag any, fn func()) *Handle {
	return s.scheduleTagged(delay, phase, tag, fn)
}

func (s *Scheduler) scheduleTagged(delay uint64, phase Phase, tag any, fn func()) *Handle {
	cycle := s.now + delay
	s.nextID++
	e := &eventEntry{id: s.nextID, fn: fn, tag: tag}
	b := s.bucket(cycle)
	b.entries[phase] = append(b.entries[phase], e)
	return &Handle{entry: e}
}

// CancelIf cancels every still-pending event in the given phase (across all
// future cycles) for which pred(tag) returns true. Used by flushes to drop
// only the entries belonging to squashed instructions.
func (s *Scheduler) CancelIf(phase Phase, pred func(tag any) bool) {
	for _, b := range s.byCycle {
		for _, e := range b.entries[phase] {
			if !e.cancelled && pred(e.tag) {
				e.cancelled = true
			}
		}
	}
}

// Run advances the scheduler cycle by cycle until stop returns true (checked
// after PhasePostTick of each cycle) or maxCycles is reached (0 = unbounded).
func (s *Scheduler) Run(maxCycles uint64, stop func() bool) {
	for maxCycles == 0 || s.now < maxCycles {
		s.Step()
		if stop != nil && stop() {
			return
		}
	}
}

// Step advances the scheduler by exactly one cycle, servicing every phase
// in order. New events scheduled for the current cycle by a handler in an
// earlier phase are still serviced before that phase's service loop ends,
// and always before later phases — this is what guarantees a same-cycle
// Flush always precedes that cycle's Tick.
func (s *Scheduler) Step() {
	b := s.bucket(s.now)
	for phase := Phase(0); phase < numPhases; phase++ {
		for _, fn := range s.recurring[phase] {
			fn()
		}
		// Entries can grow while iterating (a handler scheduling another
		// same-phase, same-cycle event), so re-check length each pass.
		for i := 0; i < len(b.entries[phase]); i++ {
			e := b.entries[phase][i]
			if !e.cancelled {
				e.fn()
			}
		}
	}
	delete(s.byCycle, s.now)
	s.now++
}

// PendingCycles returns the sorted list of future cycles with at least one
// live (non-cancelled) scheduled event. Exposed for diagnostics/tests only.
func (s *Scheduler) PendingCycles() []uint64 {
	cycles := make([]uint64, 0, len(s.byCycle))
	for c := range s.byCycle {
		cycles = append(cycles, c)
	}
	sort.Slice(cycles, func(i, j int) bool { return cycles[i] < cycles[j] })
	return cycles
}
