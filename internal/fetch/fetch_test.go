package fetch

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/extern/trace"
	"github.com/sarchlab/rvcore/internal/bpu"
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/sim"
)

// stubSource replays a fixed record list, honoring Reset the way the JSON
// source does.
type stubSource struct {
	recs []trace.Record
	cur  int
}

func (s *stubSource) NextInstruction(uint64) (trace.Record, bool) {
	if s.cur >= len(s.recs) {
		return trace.Record{}, false
	}
	r := s.recs[s.cur]
	r.Index = s.cur
	s.cur++
	return r, true
}

func (s *stubSource) IsDone() bool { return s.cur >= len(s.recs) }

func (s *stubSource) Reset(fromIndex int, skipIt bool) {
	if skipIt {
		s.cur = fromIndex + 1
	} else {
		s.cur = fromIndex
	}
}

func addRec() trace.Record {
	return trace.Record{Desc: inst.Descriptor{Mnemonic: "add"}}
}

func takenBranchRec() trace.Record {
	return trace.Record{
		Desc:     inst.Descriptor{Mnemonic: "beq", IsBranch: true, IsChangeOfFlow: true},
		Taken:    true,
		HasTaken: true,
	}
}

func jalRec() trace.Record {
	return trace.Record{Desc: inst.Descriptor{Mnemonic: "jal", IsChangeOfFlow: true}}
}

var _ = Describe("ICache", func() {
	var (
		sched *sim.Scheduler
		ic    *ICache
	)

	cacheCfg := config.CacheConfig{LineSize: 64, SizeKB: 4, Associativity: 2, MSHREntries: 4}

	BeforeEach(func() {
		sched = sim.NewScheduler()
		ic = NewICache(sched, cacheCfg, 4)
	})

	It("should issue exactly one L2 request for coalesced same-block misses", func() {
		var l2 []uint64
		ic.OnL2Request(func(b uint64) { l2 = append(l2, b) })

		ic.Request(0x1000)
		ic.Request(0x1010) // same 64-byte line
		for i := 0; i < 4; i++ {
			sched.Step()
		}
		Expect(l2).To(Equal([]uint64{0x1000}))
		Expect(ic.OutstandingMisses()).To(Equal(1))
	})

	It("should announce the line after refill and replay", func() {
		ic.OnL2Request(func(uint64) {})
		var ready []uint64
		ic.OnLineReady(func(b uint64) { ready = append(ready, b) })

		ic.Request(0x2000)
		sched.Step() // demand miss
		ic.Refill(0x2000)
		sched.Step() // refill arbitration wins, pending miss moves to replay
		sched.Step() // replay hits
		Expect(ready).To(Equal([]uint64{0x2000}))
		Expect(ic.OutstandingMisses()).To(BeZero())
	})

	It("should hit immediately on a resident line", func() {
		ic.OnL2Request(func(uint64) {})
		var ready []uint64
		ic.OnLineReady(func(b uint64) { ready = append(ready, b) })

		ic.Request(0x3000)
		sched.Step()
		ic.Refill(0x3000)
		sched.Step()
		sched.Step()

		ic.Request(0x3008)
		sched.Step()
		Expect(ready).To(HaveLen(2))
		Expect(ready[1]).To(Equal(uint64(0x3000)))
	})

	It("should serve a refill ahead of a queued demand request", func() {
		ic.OnL2Request(func(uint64) {})
		var ready []uint64
		ic.OnLineReady(func(b uint64) { ready = append(ready, b) })

		ic.Request(0x4000)
		sched.Step() // demand miss outstanding
		ic.Refill(0x4000)
		ic.Request(0x5000) // competes with the refill this cycle
		sched.Step()       // refill wins the arbiter; 0x5000's demand is still queued
		Expect(ic.OutstandingMisses()).To(BeZero())
		sched.Step() // replay for 0x4000
		Expect(ready).To(ContainElement(uint64(0x4000)))
		sched.Step() // only now is 0x5000's demand served
		Expect(ic.OutstandingMisses()).To(Equal(1))
	})

	It("should retry rather than drop when the pending-miss buffer is full", func() {
		ic = NewICache(sched, cacheCfg, 1)
		ic.OnL2Request(func(uint64) {})

		ic.Request(0x6000)
		sched.Step() // opens the single pending-miss slot
		ic.Request(0x7000)
		sched.Step() // buffer full: request re-queued, counted as a stall
		Expect(ic.Stats().Counter("pending_full_stalls").Value()).To(BeNumerically(">=", 1))
	})
})

var _ = Describe("Fetch", func() {
	var (
		sched *sim.Scheduler
		ic    *ICache
		bp    *bpu.Unit
		src   *stubSource
	)

	cacheCfg := config.CacheConfig{LineSize: 64, SizeKB: 4, Associativity: 2, MSHREntries: 4}

	build := func(recs []trace.Record) (*Unit, *[]trace.Record) {
		sched = sim.NewScheduler()
		ic = NewICache(sched, cacheCfg, 4)
		// A same-cycle L2 echo keeps the tests about fetch's grouping, not
		// the miss latency.
		ic.OnL2Request(func(b uint64) { ic.Refill(b) })
		bp = bpu.NewUnit(sched, config.DefaultConfig().BPU, 8, 1)
		src = &stubSource{recs: recs}
		u := NewUnit(sched, bp, ic, nil, src, 0x1000, 4)
		delivered := &[]trace.Record{}
		u.OnDeliver(func(r trace.Record) bool {
			*delivered = append(*delivered, r)
			return true
		})
		return u, delivered
	}

	run := func(cycles int) {
		for i := 0; i < cycles; i++ {
			sched.Step()
		}
	}

	It("should deliver sequential instructions in trace order with sequential PCs", func() {
		u, delivered := build([]trace.Record{addRec(), addRec(), addRec()})
		run(12)
		Expect(*delivered).To(HaveLen(3))
		Expect((*delivered)[0].PC).To(Equal(uint64(0x1000)))
		Expect((*delivered)[1].PC).To(Equal(uint64(0x1004)))
		Expect((*delivered)[2].PC).To(Equal(uint64(0x1008)))
		Expect(u.Done()).To(BeTrue())
	})

	It("should close a group at a taken branch and mark it last-in-block", func() {
		u, delivered := build([]trace.Record{addRec(), takenBranchRec(), addRec()})
		run(2) // two ticks: both groups formed
		Expect(u.groups[0].recs).To(HaveLen(2))
		Expect(u.groups[0].recs[1].LastInBlock).To(BeTrue())
		Expect(u.groups[1].recs).To(HaveLen(1))
		run(10)
		Expect(*delivered).To(HaveLen(3))
	})

	It("should give a change-of-flow instruction a group of its own", func() {
		u, _ := build([]trace.Record{addRec(), jalRec(), addRec()})
		run(3)
		Expect(u.groups).To(HaveLen(3))
		Expect(u.groups[0].recs).To(HaveLen(1)) // add, cut short by the jal
		Expect(u.groups[1].recs).To(HaveLen(1)) // jal alone
	})

	It("should split groups at cache-line boundaries", func() {
		recs := make([]trace.Record, 20) // 16 fit in a 64-byte line
		for i := range recs {
			recs[i] = addRec()
		}
		u, delivered := build(recs)
		run(2)
		Expect(u.groups[0].recs).To(HaveLen(16))
		run(20)
		Expect(*delivered).To(HaveLen(20))
	})

	It("should hold delivery under backpressure without losing instructions", func() {
		u, _ := build([]trace.Record{addRec(), addRec()})
		var delivered []trace.Record
		accept := false
		u.OnDeliver(func(r trace.Record) bool {
			if !accept {
				return false
			}
			delivered = append(delivered, r)
			return true
		})
		run(8)
		Expect(delivered).To(BeEmpty())
		Expect(u.Buffered()).To(Equal(2))

		accept = true
		run(4)
		Expect(delivered).To(HaveLen(2))
	})

	It("should rewind the trace to the oldest undelivered record on flush", func() {
		u, _ := build([]trace.Record{addRec(), addRec(), addRec()})
		u.OnDeliver(func(trace.Record) bool { return false })
		run(6) // everything fetched, nothing delivered
		Expect(u.Buffered()).To(BeNumerically(">", 0))

		u.Flush()
		Expect(u.Buffered()).To(BeZero())
		Expect(src.cur).To(BeZero()) // back to the first undelivered record

		var delivered []trace.Record
		u.OnDeliver(func(r trace.Record) bool {
			delivered = append(delivered, r)
			return true
		})
		run(12)
		Expect(delivered).To(HaveLen(3))
		Expect(delivered[0].PC).To(Equal(uint64(0x1000)))
	})
})
