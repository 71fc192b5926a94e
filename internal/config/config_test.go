package config_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/simerr"
)

func writeTemp(content string) string {
	dir := GinkgoT().TempDir()
	path := filepath.Join(dir, "config.yaml")
	Expect(os.WriteFile(path, []byte(content), 0o644)).To(Succeed())
	return path
}

var _ = Describe("Config", func() {
	It("should validate the defaults", func() {
		Expect(config.DefaultConfig().Validate()).To(Succeed())
	})

	It("should overlay YAML values onto the defaults", func() {
		path := writeTemp(`
lsu:
  ldst_inst_queue_size: 12
  replay_issue_delay: 7
rename:
  move_elimination: false
`)
		cfg, err := config.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.LSU.LdStInstQueueSize).To(Equal(12))
		Expect(cfg.LSU.ReplayIssueDelay).To(Equal(7))
		Expect(cfg.Rename.MoveElimination).To(BeFalse())
		// Untouched sections keep their defaults.
		Expect(cfg.ROB.NumToRetire).To(Equal(4))
	})

	It("should parse hex and decimal device entries", func() {
		path := writeTemp(`
biu:
  mapped_devices:
    - ["0x10000000", "4096", "uart"]
    - ["536870912", "0x100", "clint"]
`)
		cfg, err := config.LoadConfig(path)
		Expect(err).NotTo(HaveOccurred())
		Expect(cfg.BIU.MappedDevices).To(HaveLen(2))
		Expect(cfg.BIU.MappedDevices[0].Addr).To(Equal(uint64(0x1000_0000)))
		Expect(cfg.BIU.MappedDevices[0].Size).To(Equal(uint64(4096)))
		Expect(cfg.BIU.MappedDevices[1].Addr).To(Equal(uint64(0x2000_0000)))
		Expect(cfg.BIU.MappedDevices[1].Name).To(Equal("clint"))
	})

	It("should reject overlapping device ranges as a fatal config error", func() {
		path := writeTemp(`
biu:
  mapped_devices:
    - ["0x1000", "0x100", "a"]
    - ["0x10ff", "0x10", "b"]
`)
		_, err := config.LoadConfig(path)
		Expect(err).To(HaveOccurred())
		var ce *simerr.ConfigError
		Expect(err).To(BeAssignableToTypeOf(ce))
	})

	It("should reject a malformed device spec", func() {
		path := writeTemp(`
biu:
  mapped_devices:
    - ["0x1000", "a-name-without-size"]
`)
		_, err := config.LoadConfig(path)
		Expect(err).To(HaveOccurred())
	})

	DescribeTable("illegal parameter values",
		func(body string) {
			_, err := config.LoadConfig(writeTemp(body))
			Expect(err).To(HaveOccurred())
		},
		Entry("zero MSHR entries", "l1d:\n  mshr_entries: 0\n"),
		Entry("zero LSU stage length", "lsu:\n  cache_lookup_stage_length: 0\n"),
		Entry("zero retire width", "rob:\n  num_to_retire: 0\n"),
		Entry("zero retire timeout", "rob:\n  retire_timeout_interval: 0\n"),
		Entry("zero fetch queue", "fetch:\n  fetch_queue_size: 0\n"),
	)

	It("should surface a missing config file as a config error", func() {
		_, err := config.LoadConfig("/nonexistent/config.yaml")
		Expect(err).To(HaveOccurred())
		Expect(err).To(BeAssignableToTypeOf(&simerr.ConfigError{}))
	})
})
