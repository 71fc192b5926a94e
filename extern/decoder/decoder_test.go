package decoder_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/extern/decoder"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/simerr"
)

var _ = Describe("Decoder facade", func() {
	Describe("MakeInstDirect", func() {
		It("should classify a load", func() {
			desc := decoder.MakeInstDirect("lw", nil, nil, nil, nil)
			Expect(desc.IsLoadStore).To(BeTrue())
			Expect(desc.IsStore).To(BeFalse())
		})

		It("should classify a branch as change-of-flow", func() {
			desc := decoder.MakeInstDirect("bne", nil, nil, nil, nil)
			Expect(desc.IsBranch).To(BeTrue())
			Expect(desc.IsChangeOfFlow).To(BeTrue())
		})

		It("should classify mv as a move", func() {
			desc := decoder.MakeInstDirect("mv", nil, nil, nil, nil)
			Expect(desc.IsMove).To(BeTrue())
		})

		It("should classify fence as ROB-targeted", func() {
			desc := decoder.MakeInstDirect("fence", nil, nil, nil, nil)
			Expect(desc.TargetsROB).To(BeTrue())
		})

		It("should mark an integer register 0 operand as x0", func() {
			desc := decoder.MakeInstDirect("add", []decoder.OperandRecord{
				{FieldID: 0, OperandType: coretypes.RegFileInteger, FieldValue: 0},
			}, nil, nil, nil)
			Expect(desc.Sources[0].IsX0).To(BeTrue())
		})

		It("should not mark float register 0 as x0", func() {
			desc := decoder.MakeInstDirect("fadd.d", []decoder.OperandRecord{
				{FieldID: 0, OperandType: coretypes.RegFileFloat, FieldValue: 0},
			}, nil, nil, nil)
			Expect(desc.Sources[0].IsX0).To(BeFalse())
		})

		It("should split the last source of a store into the data operand", func() {
			desc := decoder.MakeInstDirect("sw", []decoder.OperandRecord{
				{FieldID: 0, OperandType: coretypes.RegFileInteger, FieldValue: 5},
				{FieldID: 1, OperandType: coretypes.RegFileInteger, FieldValue: 6},
			}, nil, nil, nil)
			Expect(desc.HasDataOperand).To(BeTrue())
			Expect(desc.DataOperand.RegNum).To(Equal(uint32(6)))
			Expect(desc.Sources).To(HaveLen(1))
			Expect(desc.Sources[0].RegNum).To(Equal(uint32(5)))
		})

		It("should fail loudly on an unknown mnemonic", func() {
			Expect(func() {
				decoder.MakeInstDirect("not-an-instruction", nil, nil, nil, nil)
			}).To(PanicWith(BeAssignableToTypeOf(&simerr.TraceError{})))
		})
	})

	Describe("MakeInst", func() {
		It("should classify the load opcode field", func() {
			desc := decoder.MakeInst(0x03)
			Expect(desc.IsLoadStore).To(BeTrue())
		})

		It("should classify the store opcode field", func() {
			desc := decoder.MakeInst(0x23)
			Expect(desc.IsStore).To(BeTrue())
		})

		It("should fail loudly on an unknown opcode", func() {
			Expect(func() { decoder.MakeInst(0x7f) }).To(PanicWith(BeAssignableToTypeOf(&simerr.TraceError{})))
		})
	})
})
