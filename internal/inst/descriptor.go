package inst

import "github.com/sarchlab/rvcore/internal/coretypes"

// Operand describes one source or destination register operand as returned
// by the external decoder facade (extern/decoder): which register file it
// lives in, its architectural number, a decoder-assigned field id (so
// multiple operands of the same register number/file in one instruction,
// e.g. an FP move's "rs, rs", are still distinguishable), and whether it is
// the integer file's hardwired x0.
type Operand struct {
	RegFile coretypes.RegFile
	RegNum  uint32
	FieldID uint32
	IsX0    bool
}

// Descriptor is the timing-relevant view of a decoded instruction: the
// decoder facade (extern/decoder) is the only thing that ever constructs
// one, from an opcode or a direct-info record.
// The core never computes operand *values* from a Descriptor, only timing
// and dependency facts.
type Descriptor struct {
	Mnemonic string

	Sources []Operand
	Dests   []Operand

	// DataOperand is set for stores: the operand carrying the value being
	// written, tracked separately from address-computation sources.
	HasDataOperand bool
	DataOperand    Operand

	Imm          int64
	HasImm       bool
	TargetVAddr  uint64
	HasTarget    bool

	IsLoadStore     bool
	IsStore         bool
	IsBranch        bool
	IsChangeOfFlow  bool
	IsMove          bool
	IsVector        bool
	IsVectorConfig  bool // vset{i}vli / vsetvl
	TargetsROB      bool // e.g. a system/fence instruction the ROB executes directly
}
