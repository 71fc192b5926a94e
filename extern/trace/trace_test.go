package trace_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/extern/trace"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/simerr"
)

func writeTrace(body string) string {
	dir := GinkgoT().TempDir()
	path := filepath.Join(dir, "trace.json")
	Expect(os.WriteFile(path, []byte(body), 0o644)).To(Succeed())
	return path
}

var _ = Describe("JSONSource", func() {
	It("should decode a mnemonic record with register operands", func() {
		src, err := trace.LoadJSONSource(writeTrace(`[
			{"mnemonic": "add", "rs1": 1, "rs2": 2, "rd": 3}
		]`))
		Expect(err).NotTo(HaveOccurred())

		rec, ok := src.NextInstruction(0)
		Expect(ok).To(BeTrue())
		Expect(rec.Desc.Mnemonic).To(Equal("add"))
		Expect(rec.Desc.Sources).To(HaveLen(2))
		Expect(rec.Desc.Dests).To(HaveLen(1))
		Expect(rec.Desc.Dests[0].RegFile).To(Equal(coretypes.RegFileInteger))
		Expect(rec.Desc.Dests[0].RegNum).To(Equal(uint32(3)))
		Expect(rec.Index).To(BeZero())
		Expect(src.IsDone()).To(BeTrue())
	})

	It("should split a store's data operand out of the source list", func() {
		src, err := trace.LoadJSONSource(writeTrace(`[
			{"mnemonic": "sd", "rs1": 10, "rs2": 11, "vaddr": 4096}
		]`))
		Expect(err).NotTo(HaveOccurred())

		rec, _ := src.NextInstruction(0)
		Expect(rec.Desc.IsStore).To(BeTrue())
		Expect(rec.Desc.HasDataOperand).To(BeTrue())
		Expect(rec.Desc.DataOperand.RegNum).To(Equal(uint32(11)))
		Expect(rec.Desc.Sources).To(HaveLen(1))
		Expect(rec.Desc.TargetVAddr).To(Equal(uint64(4096)))
	})

	It("should carry vector config fields through", func() {
		// sew=8 (log2(sew/8)=0 in bits 26..28), lmul=4 (log2=2 in bits
		// 29..31): vtype = 2<<29 = 0x40000000.
		src, err := trace.LoadJSONSource(writeTrace(`[
			{"mnemonic": "vsetivli", "rd": 1, "vtype": "0x40000000", "vl": 64}
		]`))
		Expect(err).NotTo(HaveOccurred())

		rec, _ := src.NextInstruction(0)
		Expect(rec.Desc.IsVectorConfig).To(BeTrue())
		Expect(rec.VType).To(Equal(uint64(0x4000_0000)))
		Expect(rec.VL).To(Equal(uint64(64)))
	})

	It("should carry the taken flag for branches", func() {
		src, err := trace.LoadJSONSource(writeTrace(`[
			{"mnemonic": "beq", "rs1": 1, "rs2": 2, "taken": true, "vaddr": 8192}
		]`))
		Expect(err).NotTo(HaveOccurred())

		rec, _ := src.NextInstruction(0)
		Expect(rec.HasTaken).To(BeTrue())
		Expect(rec.Taken).To(BeTrue())
	})

	It("should fail loudly on a record with neither opcode nor mnemonic", func() {
		src, err := trace.LoadJSONSource(writeTrace(`[
			{"rs1": 1}
		]`))
		Expect(err).NotTo(HaveOccurred())
		Expect(func() { src.NextInstruction(0) }).To(PanicWith(BeAssignableToTypeOf(&simerr.TraceError{})))
	})

	It("should reject malformed JSON as a trace error", func() {
		_, err := trace.LoadJSONSource(writeTrace(`{not json`))
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&simerr.TraceError{}))
	})

	It("should replay records after Reset", func() {
		src, err := trace.LoadJSONSource(writeTrace(`[
			{"mnemonic": "add", "rd": 1},
			{"mnemonic": "sub", "rd": 2},
			{"mnemonic": "and", "rd": 3}
		]`))
		Expect(err).NotTo(HaveOccurred())

		for i := 0; i < 3; i++ {
			_, ok := src.NextInstruction(0)
			Expect(ok).To(BeTrue())
		}
		Expect(src.IsDone()).To(BeTrue())

		src.Reset(1, false)
		rec, ok := src.NextInstruction(0)
		Expect(ok).To(BeTrue())
		Expect(rec.Desc.Mnemonic).To(Equal("sub"))

		src.Reset(1, true)
		rec, ok = src.NextInstruction(0)
		Expect(ok).To(BeTrue())
		Expect(rec.Desc.Mnemonic).To(Equal("and"))
	})
})
