// Package config implements the YAML-driven configuration tree for the core
// timing model: one section per unit, with defaults and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// LSUConfig configures the LSU's queues and pipeline stage lengths.
type LSUConfig struct {
	LdStInstQueueSize      int  `yaml:"ldst_inst_queue_size"`
	ReplayBufferSize       int  `yaml:"replay_buffer_size"`
	ReplayIssueDelay       int  `yaml:"replay_issue_delay"`
	AllowSpeculativeLoadExec bool `yaml:"allow_speculative_load_exec"`
	MMULookupStageLength   int  `yaml:"mmu_lookup_stage_length"`
	CacheLookupStageLength int  `yaml:"cache_lookup_stage_length"`
	CacheReadStageLength   int  `yaml:"cache_read_stage_length"`
}

// CacheConfig configures one level of the cache hierarchy.
type CacheConfig struct {
	LineSize      int `yaml:"l1_line_size"`
	SizeKB        int `yaml:"l1_size_kb"`
	Associativity int `yaml:"l1_associativity"`
	MSHREntries   int `yaml:"mshr_entries"`
}

// FetchConfig configures the fetch stage's group queue. The ICache's
// pending-miss buffer is bounded by the same depth, since every pending
// miss corresponds to a held fetch group.
type FetchConfig struct {
	FetchQueueSize int `yaml:"fetch_queue_size"`
}

// L2Config configures the L2 cache's arbitration and credit discipline.
type L2Config struct {
	BIUCredits int `yaml:"l2cache_biu_credits"`
	Latency    int `yaml:"l2cache_latency"`
}

// RenameConfig configures the rename stage.
type RenameConfig struct {
	NumToRename       int  `yaml:"num_to_rename"`
	RenameQueueDepth  int  `yaml:"rename_queue_depth"`
	NumIntegerRenames int  `yaml:"num_integer_renames"`
	NumFloatRenames   int  `yaml:"num_float_renames"`
	NumVectorRenames  int  `yaml:"num_vector_renames"`
	PartialRename     bool `yaml:"partial_rename"`
	MoveElimination   bool `yaml:"move_elimination"`
}

// ROBConfig configures retirement and the forward-progress watchdog.
type ROBConfig struct {
	NumToRetire          int `yaml:"num_to_retire"`
	RetireQueueDepth     int `yaml:"retire_queue_depth"`
	NumInstsToRetire     int `yaml:"num_insts_to_retire"` // 0 = run to end
	RetireHeartbeat      int `yaml:"retire_heartbeat"`
	RetireTimeoutInterval int `yaml:"retire_timeout_interval"`
}

// BPUConfig configures the branch predictor.
type BPUConfig struct {
	GHRSize int `yaml:"ghr_size"`
	PHTSize int `yaml:"pht_size"`
	CtrBits int `yaml:"ctr_bits"`
	BTBSize int `yaml:"btb_size"`
	RASSize int `yaml:"ras_size"`

	TageNumTables      int   `yaml:"tage_num_tables"`
	TageTableBits      int   `yaml:"tage_table_bits"`
	TageCtrBits        int   `yaml:"tage_ctr_bits"`
	TageTagBits        int   `yaml:"tage_tag_bits"`
	TageMinHistLen     int   `yaml:"tage_min_hist_len"`
	TageMaxHistLen     int   `yaml:"tage_max_hist_len"`
	TageResetEpoch     int   `yaml:"tage_reset_epoch"`
}

// PrefetcherConfig configures the pluggable prefetch engine.
type PrefetcherConfig struct {
	Type          string `yaml:"type"` // "none" | "next_line" | "stride"
	NumToPrefetch int    `yaml:"num_to_prefetch"`
	CachelineSize int    `yaml:"cacheline_size"`
	ReqQueueSize  int    `yaml:"req_queue_size"`
	Enable        bool   `yaml:"enable"`

	ConfidenceThreshold int `yaml:"confidence_threshold"`
	StrideTableSize     int `yaml:"stride_table_size"`
}

// DeviceRange is one entry of the BIU's mapped-device table: [addr, size,
// name], where addr/size may be given as hex ("0x...") or decimal.
type DeviceRange struct {
	Addr uint64
	Size uint64
	Name string
}

// UnmarshalYAML parses a DeviceRange from a 3-element sequence node.
func (d *DeviceRange) UnmarshalYAML(value *yaml.Node) error {
	var raw []string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("device range must have 3 elements [addr, size, name], got %d", len(raw))
	}
	addr, err := parseUintMaybeHex(raw[0])
	if err != nil {
		return fmt.Errorf("device addr: %w", err)
	}
	size, err := parseUintMaybeHex(raw[1])
	if err != nil {
		return fmt.Errorf("device size: %w", err)
	}
	d.Addr = addr
	d.Size = size
	d.Name = raw[2]
	return nil
}

func parseUintMaybeHex(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

// BIUConfig configures the bus interface unit.
type BIUConfig struct {
	ReqQueueSize  int           `yaml:"req_queue_size"`
	Latency       int           `yaml:"latency"`
	MappedDevices []DeviceRange `yaml:"mapped_devices"`
}

// Config is the full configuration tree for one core instance.
type Config struct {
	LSU        LSUConfig        `yaml:"lsu"`
	Fetch      FetchConfig      `yaml:"fetch"`
	L1D        CacheConfig      `yaml:"l1d"`
	L1I        CacheConfig      `yaml:"l1i"`
	L2         L2Config         `yaml:"l2"`
	Rename     RenameConfig     `yaml:"rename"`
	ROB        ROBConfig        `yaml:"rob"`
	BPU        BPUConfig        `yaml:"bpu"`
	Prefetcher PrefetcherConfig `yaml:"prefetcher"`
	BIU        BIUConfig        `yaml:"biu"`
}

// LoadConfig loads and validates a Config from a YAML file, starting from
// DefaultConfig and overlaying whatever the file specifies.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, simerr.NewConfigError("config", "failed to read config file %s: %v", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, simerr.NewConfigError("config", "failed to parse config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns a complete, valid configuration with reasonable
// defaults for every parameter.
func DefaultConfig() *Config {
	return &Config{
		LSU: LSUConfig{
			LdStInstQueueSize:        32,
			ReplayBufferSize:         16,
			ReplayIssueDelay:         3,
			AllowSpeculativeLoadExec: true,
			MMULookupStageLength:     1,
			CacheLookupStageLength:   1,
			CacheReadStageLength:     1,
		},
		Fetch: FetchConfig{FetchQueueSize: 8},
		L1D:   CacheConfig{LineSize: 64, SizeKB: 32, Associativity: 8, MSHREntries: 8},
		L1I: CacheConfig{LineSize: 64, SizeKB: 32, Associativity: 4, MSHREntries: 4},
		L2:  L2Config{BIUCredits: 8, Latency: 14},
		Rename: RenameConfig{
			NumToRename:       4,
			RenameQueueDepth:  16,
			NumIntegerRenames: 128,
			NumFloatRenames:   128,
			NumVectorRenames:  64,
			PartialRename:     true,
			MoveElimination:   true,
		},
		ROB: ROBConfig{
			NumToRetire:           4,
			RetireQueueDepth:      192,
			NumInstsToRetire:      0,
			RetireHeartbeat:       10000,
			RetireTimeoutInterval: 4000,
		},
		BPU: BPUConfig{
			GHRSize: 16, PHTSize: 4096, CtrBits: 2, BTBSize: 1024, RASSize: 16,
			TageNumTables: 4, TageTableBits: 10, TageCtrBits: 3, TageTagBits: 9,
			TageMinHistLen: 4, TageMaxHistLen: 64, TageResetEpoch: 256 * 1024,
		},
		Prefetcher: PrefetcherConfig{
			Type: "next_line", NumToPrefetch: 2, CachelineSize: 64,
			ReqQueueSize: 8, Enable: true,
			ConfidenceThreshold: 2, StrideTableSize: 64,
		},
		BIU: BIUConfig{ReqQueueSize: 16, Latency: 100},
	}
}

// Validate checks every parameter for legality, and checks the mapped
// device table for overlaps (a fatal configuration error).
func (c *Config) Validate() error {
	if c.L1D.MSHREntries <= 0 || c.L1I.MSHREntries <= 0 {
		return simerr.NewConfigError("config", "mshr_entries must be > 0")
	}
	if c.LSU.MMULookupStageLength <= 0 || c.LSU.CacheLookupStageLength <= 0 || c.LSU.CacheReadStageLength <= 0 {
		return simerr.NewConfigError("config", "LSU pipeline stage lengths must be > 0")
	}
	if c.Rename.NumToRename <= 0 {
		return simerr.NewConfigError("config", "num_to_rename must be > 0")
	}
	if c.ROB.NumToRetire <= 0 {
		return simerr.NewConfigError("config", "num_to_retire must be > 0")
	}
	if c.ROB.RetireTimeoutInterval <= 0 {
		return simerr.NewConfigError("config", "retire_timeout_interval must be > 0")
	}
	if c.Fetch.FetchQueueSize <= 0 {
		return simerr.NewConfigError("config", "fetch_queue_size must be > 0")
	}
	return validateDeviceRanges(c.BIU.MappedDevices)
}

func validateDeviceRanges(devices []DeviceRange) error {
	for i := 0; i < len(devices); i++ {
		for j := i + 1; j < len(devices); j++ {
			a, b := devices[i], devices[j]
			if rangesOverlap(a.Addr, a.Size, b.Addr, b.Size) {
				return simerr.NewConfigError("biu", "mapped device ranges overlap: %q [%#x,%#x) and %q [%#x,%#x)",
					a.Name, a.Addr, a.Addr+a.Size, b.Name, b.Addr, b.Addr+b.Size)
			}
		}
	}
	return nil
}

func rangesOverlap(aAddr, aSize, bAddr, bSize uint64) bool {
	aEnd := aAddr + aSize
	bEnd := bAddr + bSize
	return aAddr < bEnd && bAddr < aEnd
}
