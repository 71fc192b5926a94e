// Package decoder is the decoder facade: a small built-in RV64IMAFDCV
// mnemonic table that maps an opcode or a direct mnemonic/operand record
// to an inst.Descriptor. It is just complete enough to classify the
// mnemonics the JSON trace format produces.
package decoder

import (
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// OperandRecord is one element of an operand list as produced by a trace
// record or a direct caller: {field_id, operand_type, field_value}.
type OperandRecord struct {
	FieldID     uint32
	OperandType coretypes.RegFile
	FieldValue  uint32
}

func (o OperandRecord) toOperand() inst.Operand {
	return inst.Operand{
		RegFile: o.OperandType,
		RegNum:  o.FieldValue,
		FieldID: o.FieldID,
		IsX0:    o.OperandType == coretypes.RegFileInteger && o.FieldValue == 0,
	}
}

// mnemonicInfo is one entry of the built-in opcode table.
type mnemonicInfo struct {
	mnemonic       string
	isLoadStore    bool
	isStore        bool
	isBranch       bool
	isChangeOfFlow bool
	isMove         bool
	isVector       bool
	isVectorConfig bool
	targetsROB     bool
}

// mnemonicTable maps a mnemonic to its instruction class. This is a
// deliberately small subset sufficient to classify the mnemonics the JSON
// trace format names.
var mnemonicTable = map[string]mnemonicInfo{
	"lb": {mnemonic: "lb", isLoadStore: true}, "lh": {mnemonic: "lh", isLoadStore: true},
	"lw": {mnemonic: "lw", isLoadStore: true}, "ld": {mnemonic: "ld", isLoadStore: true},
	"sb": {mnemonic: "sb", isLoadStore: true, isStore: true}, "sh": {mnemonic: "sh", isLoadStore: true, isStore: true},
	"sw": {mnemonic: "sw", isLoadStore: true, isStore: true}, "sd": {mnemonic: "sd", isLoadStore: true, isStore: true},
	"beq": {mnemonic: "beq", isBranch: true, isChangeOfFlow: true}, "bne": {mnemonic: "bne", isBranch: true, isChangeOfFlow: true},
	"blt": {mnemonic: "blt", isBranch: true, isChangeOfFlow: true}, "bge": {mnemonic: "bge", isBranch: true, isChangeOfFlow: true},
	"jal": {mnemonic: "jal", isChangeOfFlow: true}, "jalr": {mnemonic: "jalr", isChangeOfFlow: true},
	"mv": {mnemonic: "mv", isMove: true}, "fsgnj.d": {mnemonic: "fsgnj.d", isMove: true},
	"vsetvli": {mnemonic: "vsetvli", isVectorConfig: true}, "vsetivli": {mnemonic: "vsetivli", isVectorConfig: true},
	"vadd.vv": {mnemonic: "vadd.vv", isVector: true}, "vmul.vv": {mnemonic: "vmul.vv", isVector: true},
	"add": {mnemonic: "add"}, "sub": {mnemonic: "sub"}, "addi": {mnemonic: "addi"},
	"mul": {mnemonic: "mul"}, "div": {mnemonic: "div"}, "and": {mnemonic: "and"}, "or": {mnemonic: "or"},
	"fadd.d": {mnemonic: "fadd.d"}, "fmul.d": {mnemonic: "fmul.d"},
	"fence": {mnemonic: "fence", targetsROB: true}, "fence.i": {mnemonic: "fence.i", targetsROB: true},
	"ecall": {mnemonic: "ecall", targetsROB: true}, "csrrw": {mnemonic: "csrrw", targetsROB: true},
}

// MakeInst builds a Descriptor from a raw opcode. A genuinely
// unrecognized opcode is a fatal trace error, not a silently-ignored
// instruction.
func MakeInst(opcode uint32) inst.Descriptor {
	info, ok := opcodeTable[opcode]
	if !ok {
		panic(simerr.NewTraceError("decoder", "unrecognized opcode %#x", opcode))
	}
	return inst.Descriptor{
		Mnemonic:       info.mnemonic,
		IsLoadStore:    info.isLoadStore,
		IsStore:        info.isStore,
		IsBranch:       info.isBranch,
		IsChangeOfFlow: info.isChangeOfFlow,
		IsMove:         info.isMove,
		IsVector:       info.isVector,
		IsVectorConfig: info.isVectorConfig,
		TargetsROB:     info.targetsROB,
	}
}

// opcodeTable maps the RV64 base-ISA opcode field (instr[6:0]) to its
// instruction class. Trace records that carry a mnemonic directly skip this
// table via MakeInstDirect; it exists only for the (optional) opcode-keyed
// form, and only classifies the instruction, not its specific mnemonic.
var opcodeTable = map[uint32]mnemonicInfo{
	0x03: {mnemonic: "load", isLoadStore: true},
	0x23: {mnemonic: "store", isLoadStore: true, isStore: true},
	0x63: {mnemonic: "branch", isBranch: true, isChangeOfFlow: true},
	0x67: {mnemonic: "jalr", isChangeOfFlow: true},
	0x6f: {mnemonic: "jal", isChangeOfFlow: true},
	0x57: {mnemonic: "vector-arith", isVector: true},
}

// MakeInstDirect builds a Descriptor from an explicit mnemonic and operand
// records.
func MakeInstDirect(mnemonic string, sources, dests []OperandRecord, imm *int64, target *uint64) inst.Descriptor {
	info, ok := mnemonicTable[mnemonic]
	if !ok {
		panic(simerr.NewTraceError("decoder", "unrecognized mnemonic %q", mnemonic))
	}

	desc := inst.Descriptor{
		Mnemonic:       info.mnemonic,
		IsLoadStore:    info.isLoadStore,
		IsStore:        info.isStore,
		IsBranch:       info.isBranch,
		IsChangeOfFlow: info.isChangeOfFlow,
		IsMove:         info.isMove,
		IsVector:       info.isVector,
		IsVectorConfig: info.isVectorConfig,
		TargetsROB:     info.targetsROB,
	}

	for _, s := range sources {
		desc.Sources = append(desc.Sources, s.toOperand())
	}
	for _, d := range dests {
		desc.Dests = append(desc.Dests, d.toOperand())
	}
	if desc.IsStore && len(desc.Sources) > 0 {
		desc.HasDataOperand = true
		desc.DataOperand = desc.Sources[len(desc.Sources)-1]
		desc.Sources = desc.Sources[:len(desc.Sources)-1]
	}
	if imm != nil {
		desc.HasImm = true
		desc.Imm = *imm
	}
	if target != nil {
		desc.HasTarget = true
		desc.TargetVAddr = *target
	}
	return desc
}
