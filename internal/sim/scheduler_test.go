package sim

import "testing"

func TestPhaseOrdering(t *testing.T) {
	s := NewScheduler()
	var order []string

	s.RegisterPhaseHandler(PhaseTick, func() { order = append(order, "tick") })
	s.RegisterPhaseHandler(PhaseFlush, func() { order = append(order, "flush") })
	s.RegisterPhaseHandler(PhaseUpdate, func() { order = append(order, "update") })

	s.Step()

	want := []string{"update", "flush", "tick"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("got %v, want %v", order, want)
		}
	}
}

func TestFlushBeforeTickSameCycle(t *testing.T) {
	s := NewScheduler()
	var order []string

	// An Update-phase handler schedules a same-cycle Flush event; it must
	// still run before this cycle's Tick.
	s.RegisterPhaseHandler(PhaseUpdate, func() {
		s.ScheduleIn(0, PhaseFlush, func() { order = append(order, "flush") })
	})
	s.RegisterPhaseHandler(PhaseTick, func() { order = append(order, "tick") })

	s.Step()

	if len(order) != 2 || order[0] != "flush" || order[1] != "tick" {
		t.Fatalf("flush did not precede tick: %v", order)
	}
}

func TestPortDelay(t *testing.T) {
	s := NewScheduler()
	p := NewPort[int](s, 3)
	var got []int
	p.RegisterConsumerHandler(func(v int) { got = append(got, v) })

	p.Send(42)
	for i := 0; i < 3; i++ {
		s.Step()
		if len(got) != 0 {
			t.Fatalf("delivered early at cycle %d", i)
		}
	}
	s.Step() // cycle 3: delivery lands
	if len(got) != 1 || got[0] != 42 {
		t.Fatalf("got %v, want [42]", got)
	}
}

func TestUniqueEventCoalesces(t *testing.T) {
	s := NewScheduler()
	fires := 0
	ev := NewUniqueEvent(s, PhaseTick, func() { fires++ })

	ev.Schedule()
	ev.Schedule()
	ev.Schedule()
	s.Step()

	if fires != 1 {
		t.Fatalf("fires = %d, want 1", fires)
	}
}

func TestContinuingEventUntilStopped(t *testing.T) {
	s := NewScheduler()
	fires := 0
	ev := NewContinuingEvent(s, PhaseTick, func() { fires++ })
	ev.Start()

	// Start() arms the first firing for next cycle, so 5 steps from cycle
	// 0 produce firings at cycles 1..4: 4 firings.
	for i := 0; i < 5; i++ {
		s.Step()
	}
	if fires != 4 {
		t.Fatalf("fires = %d, want 4", fires)
	}

	ev.Stop()
	s.Step()
	s.Step()
	if fires != 4 {
		t.Fatalf("fires after stop = %d, want 4", fires)
	}
}

func TestCancelIf(t *testing.T) {
	s := NewScheduler()
	ran := map[int]bool{}
	for id := 0; id < 3; id++ {
		id := id
		s.ScheduleTagged(2, PhaseTick, id, func() { ran[id] = true })
	}

	// Cancel everything tagged 1 before it fires.
	s.CancelIf(PhaseTick, func(tag any) bool { return tag.(int) == 1 })

	s.Step()
	s.Step()
	s.Step()

	if ran[1] {
		t.Fatalf("cancelled event 1 still ran")
	}
	if !ran[0] || !ran[2] {
		t.Fatalf("uncancelled events did not run: %v", ran)
	}
}

func TestCreditCounterFlow(t *testing.T) {
	s := NewScheduler()
	cp := NewCreditPort(s, 1)
	var counter CreditCounter
	cp.BindCounter(&counter)

	if counter.CanSend() {
		t.Fatalf("counter should start empty")
	}

	cp.Refund(5)
	s.Step() // delay 1: not yet delivered
	if counter.Available() != 0 {
		t.Fatalf("refund delivered too early: %d", counter.Available())
	}
	s.Step()
	if counter.Available() != 5 {
		t.Fatalf("counter = %d, want 5", counter.Available())
	}

	counter.Take(2)
	if counter.Available() != 3 {
		t.Fatalf("counter after take = %d, want 3", counter.Available())
	}
}
