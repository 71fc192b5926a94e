package sim

// UniqueEvent coalesces repeated Schedule() calls within the same cycle into
// a single firing, matching the "single-cycle unique" event kind in the
// design: a unit that asks to be notified "sometime this cycle" any number
// of times only runs its handler once.
type UniqueEvent struct {
	sched      *Scheduler
	phase      Phase
	fn         func()
	pendingFor uint64
	isPending  bool
}

// NewUniqueEvent creates a coalescing event that runs fn in the given phase.
func NewUniqueEvent(s *Scheduler, phase Phase, fn func()) *UniqueEvent {
	return &UniqueEvent{sched: s, phase: phase, fn: fn}
}

// Schedule arranges for the event to fire this cycle, in its phase, unless
// it is already pending for this cycle.
func (u *UniqueEvent) Schedule() {
	if u.isPending && u.pendingFor == u.sched.now {
		return
	}
	u.isPending = true
	u.pendingFor = u.sched.now
	u.sched.ScheduleIn(0, u.phase, func() {
		u.isPending = false
		u.fn()
	})
}

// ContinuingEvent fires every cycle, in its phase, from the cycle it is
// started until Stop is called.
type ContinuingEvent struct {
	sched   *Scheduler
	phase   Phase
	fn      func()
	running bool
}

// NewContinuingEvent creates a free-running per-cycle event.
func NewContinuingEvent(s *Scheduler, phase Phase, fn func()) *ContinuingEvent {
	return &ContinuingEvent{sched: s, phase: phase, fn: fn}
}

// Start begins firing fn every cycle starting next cycle.
func (c *ContinuingEvent) Start() {
	if c.running {
		return
	}
	c.running = true
	c.scheduleNext()
}

// Stop halts further firings.
func (c *ContinuingEvent) Stop() {
	c.running = false
}

func (c *ContinuingEvent) scheduleNext() {
	c.sched.ScheduleIn(1, c.phase, func() {
		if !c.running {
			return
		}
		c.fn()
		c.scheduleNext()
	})
}
