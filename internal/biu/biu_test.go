package biu_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/internal/biu"
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/sim"
)

var _ = Describe("BIU", func() {
	var (
		sched *sim.Scheduler
		u     *biu.Unit
		resps []uint64
	)

	BeforeEach(func() {
		sched = sim.NewScheduler()
		u = biu.NewUnit(sched, config.BIUConfig{
			ReqQueueSize: 8,
			Latency:      3,
			MappedDevices: []config.DeviceRange{
				{Addr: 0x1000_0000, Size: 0x1000, Name: "uart"},
				{Addr: 0x2000_0000, Size: 0x100, Name: "clint"},
			},
		})
		resps = nil
		u.OnResponse(func(b uint64) { resps = append(resps, b) })
	})

	run := func(cycles int) {
		for i := 0; i < cycles; i++ {
			sched.Step()
		}
	}

	It("should answer a main-memory request after the configured latency", func() {
		u.Request(0x8000)
		run(2)
		Expect(resps).To(BeEmpty())
		run(2)
		Expect(resps).To(Equal([]uint64{0x8000}))
		Expect(u.Stats().Counter("memory_accesses").Value()).To(Equal(uint64(1)))
	})

	It("should route an address inside a mapped range to that device", func() {
		u.Request(0x1000_0040)
		run(4)
		Expect(resps).To(Equal([]uint64{0x1000_0040}))
		Expect(u.Stats().Counter("device_uart_accesses").Value()).To(Equal(uint64(1)))
		Expect(u.Stats().Counter("memory_accesses").Value()).To(BeZero())
	})

	It("should route the first byte past a device range to memory", func() {
		u.Request(0x2000_0100) // one past the clint's [base, base+size)
		run(4)
		Expect(u.Stats().Counter("memory_accesses").Value()).To(Equal(uint64(1)))
	})

	It("should keep distinct in-flight requests ordered by issue time", func() {
		u.Request(0x8000)
		run(1)
		u.Request(0x9000)
		run(5)
		Expect(resps).To(Equal([]uint64{0x8000, 0x9000}))
	})
})
