// Package decode implements the Decode stage: it tracks the architectural
// vector configuration state (VL/SEW/LMUL/VTA), decodes the trace's vtype
// encoding, and expands one fetched vector macro-op into the uop sequence
// Rename/Dispatch/Issue actually schedule.
package decode

import (
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// VLEN is the modeled vector register width in bits.
const VLEN = 128

// VectorConfig is the architectural vector state tracked across
// vset{i}vli instructions.
type VectorConfig struct {
	VL    uint64
	SEW   int // bits: 8,16,32,64
	LMUL  int // register-group multiplier; fractional LMULs are not modeled
	VLMAX uint64
	VTA   bool
}

// DecodeVType decodes the trace's vtype hex encoding: bits 26..28 encode
// log2(sew/8), bits 29..31 encode log2(lmul), and bit 6 is the
// tail-agnostic flag.
func DecodeVType(vtype uint64) VectorConfig {
	sewLog2 := (vtype >> 26) & 0x7
	lmulLog2 := (vtype >> 29) & 0x7
	cfg := VectorConfig{
		SEW:  8 << sewLog2,
		LMUL: 1 << lmulLog2,
		VTA:  (vtype>>6)&1 != 0,
	}
	cfg.VLMAX = uint64(VLEN * cfg.LMUL / cfg.SEW)
	return cfg
}

// Unit is the Decode stage: a pure function from a fetched Descriptor (plus
// the current VectorConfig for vector instructions) to one or more uops,
// with the waiting_on_vset interlock that keeps vector decode stalled while
// a vset{i}vli is still in flight toward rename.
type Unit struct {
	vcfg VectorConfig

	// waitingOnVset stalls decode between a vset{i}vli leaving this stage
	// and it clearing rename, so the vectors behind it see the updated
	// config rather than racing it.
	waitingOnVset bool

	stats *report.StatSet
}

// NewUnit builds a Decode unit with the architectural reset vector config
// (VL=0 until the first vset{i}vli).
func NewUnit() *Unit {
	return &Unit{stats: report.NewStatSet("decode")}
}

// VectorConfig returns the currently tracked vector configuration.
func (u *Unit) VectorConfig() VectorConfig { return u.vcfg }

// WaitingOnVset reports whether decode is stalled behind an in-flight
// vset{i}vli. Callers must not feed further instructions until VsetCleared.
func (u *Unit) WaitingOnVset() bool { return u.waitingOnVset }

// VsetCleared unblocks decode; called once the in-flight vset{i}vli has
// cleared rename.
func (u *Unit) VsetCleared() { u.waitingOnVset = false }

// Decode expands one fetched macro-op into its uop sequence. A vset{i}vli
// updates the tracked VectorConfig from vtype/vl, stalls decode until it
// clears rename, and produces a single uop targeting the ROB directly. A
// vector arithmetic op under LMUL>1 is split into LMUL uops, one per
// register of the vector register group, each carrying the same Descriptor
// but a distinct UopID. Every other instruction decodes to exactly one uop.
func (u *Unit) Decode(pc uint64, progID uint64, desc inst.Descriptor, vtype uint64, vl uint64) []*inst.Instruction {
	simerr.Assert("decode", !u.waitingOnVset, "decode fed an instruction while waiting on vset")
	u.stats.Counter("decoded").Inc()

	if desc.IsVectorConfig {
		cfg := DecodeVType(vtype)
		cfg.VL = vl
		if cfg.VL > cfg.VLMAX {
			cfg.VL = cfg.VLMAX
		}
		u.vcfg = cfg
		u.waitingOnVset = true
		return []*inst.Instruction{u.makeUop(pc, progID, 0, desc)}
	}

	if !desc.IsVector {
		return []*inst.Instruction{u.makeUop(pc, progID, 0, desc)}
	}

	// A vector op before any vset{i}vli, or under a config this model
	// cannot expand, fails loudly rather than guessing a uop count.
	if u.vcfg.SEW == 0 || u.vcfg.LMUL == 0 {
		panic(simerr.NewTraceError("decode", "vector instruction %q with no preceding vset", desc.Mnemonic))
	}
	if u.vcfg.LMUL > 8 {
		panic(simerr.NewTraceError("decode", "unsupported LMUL %d for %q", u.vcfg.LMUL, desc.Mnemonic))
	}

	numUops := u.vcfg.LMUL
	u.stats.Histogram("vector_uop_count").Observe(numUops)

	uops := make([]*inst.Instruction, 0, numUops)
	for i := 0; i < numUops; i++ {
		uops = append(uops, u.makeUop(pc, progID, uint32(i), desc))
	}
	return uops
}

func (u *Unit) makeUop(pc uint64, progID uint64, uopID uint32, desc inst.Descriptor) *inst.Instruction {
	in := &inst.Instruction{
		ProgramID:      progID,
		UopID:          uopID,
		PC:             pc,
		Desc:           desc,
		Status:         inst.Decoded,
		IsLoadStore:    desc.IsLoadStore,
		IsStore:        desc.IsStore,
		IsBranch:       desc.IsBranch,
		IsChangeOfFlow: desc.IsChangeOfFlow,
		IsMove:         desc.IsMove,
	}
	if desc.HasTarget {
		in.TargetVAddr = desc.TargetVAddr
	}
	return in
}

// Stats exposes the Decode stage's counters.
func (u *Unit) Stats() *report.StatSet { return u.stats }
