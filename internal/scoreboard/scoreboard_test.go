package scoreboard_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/internal/scoreboard"
)

var _ = Describe("Scoreboard", func() {
	var sb *scoreboard.Scoreboard

	BeforeEach(func() {
		sb = scoreboard.New(128)
	})

	It("should start with every register ready", func() {
		Expect(sb.IsSet(scoreboard.MaskOf(128, 0, 31, 127))).To(BeTrue())
	})

	It("should report a cleared bit as not ready", func() {
		sb.Clear(scoreboard.MaskOf(128, 40))
		Expect(sb.IsSet(scoreboard.MaskOf(128, 40))).To(BeFalse())
		Expect(sb.IsSet(scoreboard.MaskOf(128, 41))).To(BeTrue())
	})

	Describe("ready callbacks", func() {
		It("should fire immediately when the mask is already satisfied", func() {
			fired := false
			sb.RegisterReadyCallback(scoreboard.MaskOf(128, 3), 1, func() { fired = true })
			Expect(fired).To(BeTrue())
			Expect(sb.PendingCallbacks()).To(BeZero())
		})

		It("should defer until every bit in the mask is ready", func() {
			sb.Clear(scoreboard.MaskOf(128, 40, 41))
			fired := false
			sb.RegisterReadyCallback(scoreboard.MaskOf(128, 40, 41), 1, func() { fired = true })

			sb.SetReady(scoreboard.MaskOf(128, 40))
			Expect(fired).To(BeFalse())

			sb.SetReady(scoreboard.MaskOf(128, 41))
			Expect(fired).To(BeTrue())
		})

		It("should not fire callbacks on Set, only on SetReady", func() {
			sb.Clear(scoreboard.MaskOf(128, 40))
			fired := false
			sb.RegisterReadyCallback(scoreboard.MaskOf(128, 40), 1, func() { fired = true })

			sb.Set(scoreboard.MaskOf(128, 40))
			Expect(fired).To(BeFalse())
			Expect(sb.IsSet(scoreboard.MaskOf(128, 40))).To(BeTrue())
		})

		It("should drop a flushed instruction's callbacks", func() {
			sb.Clear(scoreboard.MaskOf(128, 40))
			fired := false
			sb.RegisterReadyCallback(scoreboard.MaskOf(128, 40), 7, func() { fired = true })

			sb.ClearCallbacks(7)
			sb.SetReady(scoreboard.MaskOf(128, 40))
			Expect(fired).To(BeFalse())
		})

		It("should keep other instructions' callbacks when one is cleared", func() {
			sb.Clear(scoreboard.MaskOf(128, 40))
			var fired []int
			sb.RegisterReadyCallback(scoreboard.MaskOf(128, 40), 7, func() { fired = append(fired, 7) })
			sb.RegisterReadyCallback(scoreboard.MaskOf(128, 40), 8, func() { fired = append(fired, 8) })

			sb.ClearCallbacks(7)
			sb.SetReady(scoreboard.MaskOf(128, 40))
			Expect(fired).To(Equal([]int{8}))
		})
	})
})
