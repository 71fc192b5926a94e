package decode_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/internal/decode"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// vtypeFor encodes {sew, lmul} in the trace vtype layout: bits 26..28 =
// log2(sew/8), bits 29..31 = log2(lmul).
func vtypeFor(sew, lmul uint64) uint64 {
	sewLog2 := uint64(0)
	for v := sew / 8; v > 1; v >>= 1 {
		sewLog2++
	}
	lmulLog2 := uint64(0)
	for v := lmul; v > 1; v >>= 1 {
		lmulLog2++
	}
	return sewLog2<<26 | lmulLog2<<29
}

var _ = Describe("VType decoding", func() {
	It("should decode SEW=8 LMUL=4 from the vtype bit layout", func() {
		cfg := decode.DecodeVType(vtypeFor(8, 4))
		Expect(cfg.SEW).To(Equal(8))
		Expect(cfg.LMUL).To(Equal(4))
		Expect(cfg.VLMAX).To(Equal(uint64(64)))
	})

	It("should decode SEW=32 LMUL=1", func() {
		cfg := decode.DecodeVType(vtypeFor(32, 1))
		Expect(cfg.SEW).To(Equal(32))
		Expect(cfg.LMUL).To(Equal(1))
		Expect(cfg.VLMAX).To(Equal(uint64(4)))
	})

	It("should pick up the tail-agnostic bit", func() {
		cfg := decode.DecodeVType(vtypeFor(8, 1) | 1<<6)
		Expect(cfg.VTA).To(BeTrue())
	})
})

var _ = Describe("Vector uop generation", func() {
	var u *decode.Unit

	vset := inst.Descriptor{Mnemonic: "vsetivli", IsVectorConfig: true}
	vadd := inst.Descriptor{Mnemonic: "vadd.vv", IsVector: true}

	BeforeEach(func() {
		u = decode.NewUnit()
	})

	It("should track {lmul=4, vl=64, sew=8, vlmax=64} after vsetivli and emit 4 uops for vadd.vv", func() {
		uops := u.Decode(0x1000, 0, vset, vtypeFor(8, 4), 64)
		Expect(uops).To(HaveLen(1))

		cfg := u.VectorConfig()
		Expect(cfg.LMUL).To(Equal(4))
		Expect(cfg.VL).To(Equal(uint64(64)))
		Expect(cfg.SEW).To(Equal(8))
		Expect(cfg.VLMAX).To(Equal(uint64(64)))

		u.VsetCleared()
		uops = u.Decode(0x1004, 1, vadd, 0, 0)
		Expect(uops).To(HaveLen(4))
		for i, uop := range uops {
			Expect(uop.UopID).To(Equal(uint32(i)))
			Expect(uop.Desc.Mnemonic).To(Equal("vadd.vv"))
		}
	})

	It("should clamp VL to VLMAX", func() {
		u.Decode(0x1000, 0, vset, vtypeFor(8, 1), 1000)
		Expect(u.VectorConfig().VL).To(Equal(uint64(16)))
	})

	It("should stall behind an in-flight vset until it clears rename", func() {
		u.Decode(0x1000, 0, vset, vtypeFor(8, 2), 32)
		Expect(u.WaitingOnVset()).To(BeTrue())
		u.VsetCleared()
		Expect(u.WaitingOnVset()).To(BeFalse())
	})

	It("should emit one uop for a scalar instruction", func() {
		add := inst.Descriptor{Mnemonic: "add"}
		uops := u.Decode(0x1000, 0, add, 0, 0)
		Expect(uops).To(HaveLen(1))
		Expect(uops[0].Status).To(Equal(inst.Decoded))
	})

	It("should fail loudly on a vector instruction before any vset", func() {
		Expect(func() {
			u.Decode(0x1000, 0, vadd, 0, 0)
		}).To(PanicWith(BeAssignableToTypeOf(&simerr.TraceError{})))
	})
})
