package simtop_test

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/extern/trace"
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/simtop"
)

func loadTrace(records []string) *trace.JSONSource {
	dir := GinkgoT().TempDir()
	path := filepath.Join(dir, "trace.json")
	body := "[\n" + strings.Join(records, ",\n") + "\n]"
	Expect(os.WriteFile(path, []byte(body), 0o644)).To(Succeed())
	src, err := trace.LoadJSONSource(path)
	Expect(err).NotTo(HaveOccurred())
	return src
}

// quietConfig disables the prefetcher so cache traffic in the assertions
// below is exactly the demand stream.
func quietConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Prefetcher.Enable = false
	return cfg
}

var _ = Describe("Simulator", func() {
	It("should run a straight-line integer trace to completion", func() {
		var records []string
		for i := 0; i < 50; i++ {
			records = append(records, fmt.Sprintf(`{"mnemonic": "add", "rs1": %d, "rs2": %d, "rd": %d}`, i%8, (i+1)%8, 1+i%8))
		}
		sim := simtop.New(quietConfig(), loadTrace(records), nil)

		Expect(sim.Run(100000)).To(Succeed())
		Expect(sim.NumRetired()).To(Equal(uint64(50)))
		Expect(sim.Arena().Live()).To(BeZero())
	})

	It("should expand a vsetivli/vadd pair into 5 retired uops", func() {
		// vtype 0x40000000: bits 26..28 = 0 (sew=8), bits 29..31 = 2
		// (lmul=4); vl=64 = vlmax for VLEN=128.
		sim := simtop.New(quietConfig(), loadTrace([]string{
			`{"mnemonic": "vsetivli", "rd": 1, "vtype": "0x40000000", "vl": 64}`,
			`{"mnemonic": "vadd.vv", "vs1": 2, "vs2": 3, "vd": 4}`,
		}), nil)

		Expect(sim.Run(100000)).To(Succeed())
		Expect(sim.NumRetired()).To(Equal(uint64(5))) // 1 vset uop + 4 vadd uops
	})

	It("should drive loads and stores through the full memory hierarchy", func() {
		sim := simtop.New(quietConfig(), loadTrace([]string{
			`{"mnemonic": "ld", "rs1": 1, "rd": 5, "vaddr": 4096}`,
			`{"mnemonic": "add", "rs1": 5, "rs2": 2, "rd": 6}`,
			`{"mnemonic": "sd", "rs1": 1, "rs2": 6, "vaddr": 4160}`,
			`{"mnemonic": "ld", "rs1": 1, "rd": 7, "vaddr": 4096}`,
		}), nil)

		Expect(sim.Run(100000)).To(Succeed())
		Expect(sim.NumRetired()).To(Equal(uint64(4)))
		Expect(sim.MemTable().Live()).To(BeZero())
		Expect(sim.Arena().Live()).To(BeZero())
	})

	It("should conserve the rename free lists over a long mixed trace", func() {
		var records []string
		for i := 0; i < 10000; i++ {
			switch i % 5 {
			case 0:
				records = append(records, fmt.Sprintf(`{"mnemonic": "ld", "rs1": 1, "rd": %d, "vaddr": %d}`, 2+i%20, 0x10000+(i%64)*8))
			case 1:
				records = append(records, fmt.Sprintf(`{"mnemonic": "sd", "rs1": 1, "rs2": %d, "vaddr": %d}`, 2+i%20, 0x20000+(i%64)*8))
			case 2:
				records = append(records, fmt.Sprintf(`{"mnemonic": "beq", "rs1": 2, "rs2": 3, "taken": %v, "vaddr": %d}`, i%3 == 0, 0x8000))
			case 3:
				records = append(records, fmt.Sprintf(`{"mnemonic": "mv", "rs1": %d, "rd": %d}`, 2+i%10, 12+i%10))
			default:
				records = append(records, fmt.Sprintf(`{"mnemonic": "add", "rs1": %d, "rs2": 4, "rd": %d}`, 2+i%10, 2+i%10))
			}
		}
		cfg := quietConfig()
		// With move elimination on, a terminal-state alias legitimately
		// holds a physical register past drain; the conservation law below
		// is stated for the allocate/free path.
		cfg.Rename.MoveElimination = false
		sim := simtop.New(cfg, loadTrace(records), nil)

		Expect(sim.Run(5_000_000)).To(Succeed())
		Expect(sim.NumRetired()).To(Equal(uint64(10000)))

		ru := sim.Rename()
		Expect(ru.FreeListDepth(coretypes.RegFileInteger)).To(Equal(cfg.Rename.NumIntegerRenames))
		Expect(ru.FreeListDepth(coretypes.RegFileFloat)).To(Equal(cfg.Rename.NumFloatRenames))
		Expect(ru.FreeListDepth(coretypes.RegFileVector)).To(Equal(cfg.Rename.NumVectorRenames))

		// Every non-initial physical register's reference count returns to
		// zero once the pipeline drains.
		for p := coretypes.NumArchRegs; p < ru.NumPhys(coretypes.RegFileInteger); p++ {
			Expect(ru.RefCount(coretypes.RegFileInteger, uint32(p))).To(BeZero())
		}

		Expect(sim.Arena().Live()).To(BeZero())
		Expect(sim.MemTable().Live()).To(BeZero())
		Expect(sim.IPC()).To(BeNumerically(">", 0))
	})

	It("should stop early when num_insts_to_retire is reached", func() {
		var records []string
		for i := 0; i < 100; i++ {
			records = append(records, `{"mnemonic": "add", "rs1": 1, "rs2": 2, "rd": 3}`)
		}
		cfg := quietConfig()
		cfg.ROB.NumInstsToRetire = 10
		sim := simtop.New(cfg, loadTrace(records), nil)

		Expect(sim.Run(100000)).To(Succeed())
		Expect(sim.NumRetired()).To(Equal(uint64(10)))
	})

	It("should report a lockup as a non-zero-exit error with unit context", func() {
		// A load whose producer never publishes cannot exist in a real
		// trace, so force a lockup with an impossibly small timeout and a
		// long memory latency instead.
		cfg := quietConfig()
		cfg.ROB.RetireTimeoutInterval = 5
		cfg.BIU.Latency = 1000
		sim := simtop.New(cfg, loadTrace([]string{
			`{"mnemonic": "ld", "rs1": 1, "rd": 5, "vaddr": 4096}`,
		}), nil)

		err := sim.Run(100000)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("lockup"))
	})
})
