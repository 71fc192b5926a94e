// Package trace implements the trace-source collaborator feeding Fetch:
// `NextInstruction`/`IsDone`/`Reset`. JSONSource implements the JSON
// record flavor (including vtype hex decode) for records that carry a
// mnemonic; a record with only an opcode is looked up by that opcode string
// in the mnemonic table and fails as an unrecognized mnemonic. The binary
// "STF" flavor is represented only as the Source interface plus a stub.
package trace

import (
	"encoding/json"
	"os"

	"github.com/sarchlab/rvcore/extern/decoder"
	"github.com/sarchlab/rvcore/internal/coretypes"
	"github.com/sarchlab/rvcore/internal/inst"
	"github.com/sarchlab/rvcore/internal/simerr"
)

// Record is one decoded trace entry handed to Fetch/Decode: the raw
// operand/immediate/vector fields plus the Descriptor the decoder facade
// produced from them.
type Record struct {
	PC       uint64
	Desc     inst.Descriptor
	VType    uint64
	VL       uint64
	Taken    bool
	HasTaken bool

	// Index is the record's position in the trace, the rewind cursor a
	// flush hands back to Reset.
	Index int

	// LastInBlock marks the final instruction of a fetch group; Fetch
	// sets it when it closes a group at a cache-line boundary or a taken
	// branch.
	LastInBlock bool
}

// Source is the minimum trace-source contract every flavor implements.
type Source interface {
	// NextInstruction returns the next record, or ok=false once exhausted.
	NextInstruction(clock uint64) (Record, bool)
	// IsDone reports whether the trace is exhausted.
	IsDone() bool
	// Reset rewinds to just after fromIndex (or including it, if skipIt is
	// false), for flush-driven refetch.
	Reset(fromIndex int, skipIt bool)
}

// jsonRecord mirrors the on-disk JSON trace record shape.
type jsonRecord struct {
	Opcode   *string `json:"opcode"`
	Mnemonic *string `json:"mnemonic"`
	Rs1      *uint32 `json:"rs1"`
	Rs2      *uint32 `json:"rs2"`
	Fs1      *uint32 `json:"fs1"`
	Fs2      *uint32 `json:"fs2"`
	Vs1      *uint32 `json:"vs1"`
	Vs2      *uint32 `json:"vs2"`
	Rd       *uint32 `json:"rd"`
	Fd       *uint32 `json:"fd"`
	Vd       *uint32 `json:"vd"`
	Imm      *int64  `json:"imm"`
	VAddr    *uint64 `json:"vaddr"`
	VType    *string `json:"vtype"`
	VL       *uint64 `json:"vl"`
	VTA      *bool   `json:"vta"`
	Taken    *bool   `json:"taken"`
}

// JSONSource reads an array of jsonRecord from a file, decoding each one
// through extern/decoder on demand.
type JSONSource struct {
	records []jsonRecord
	cursor  int
}

// LoadJSONSource reads and parses path as a JSON array of trace records.
func LoadJSONSource(path string) (*JSONSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, simerr.NewConfigError("trace", "failed to read trace file %s: %v", path, err)
	}
	var records []jsonRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, simerr.NewTraceError("trace", "failed to parse trace JSON: %v", err)
	}
	return &JSONSource{records: records}, nil
}

func regOperand(file coretypes.RegFile, fieldID uint32, v *uint32) (decoder.OperandRecord, bool) {
	if v == nil {
		return decoder.OperandRecord{}, false
	}
	return decoder.OperandRecord{FieldID: fieldID, OperandType: file, FieldValue: *v}, true
}

func (r jsonRecord) operands() (sources, dests []decoder.OperandRecord) {
	var fieldID uint32
	add := func(list *[]decoder.OperandRecord, file coretypes.RegFile, v *uint32) {
		if op, ok := regOperand(file, fieldID, v); ok {
			*list = append(*list, op)
			fieldID++
		}
	}
	add(&sources, coretypes.RegFileInteger, r.Rs1)
	add(&sources, coretypes.RegFileInteger, r.Rs2)
	add(&sources, coretypes.RegFileFloat, r.Fs1)
	add(&sources, coretypes.RegFileFloat, r.Fs2)
	add(&sources, coretypes.RegFileVector, r.Vs1)
	add(&sources, coretypes.RegFileVector, r.Vs2)
	add(&dests, coretypes.RegFileInteger, r.Rd)
	add(&dests, coretypes.RegFileFloat, r.Fd)
	add(&dests, coretypes.RegFileVector, r.Vd)
	return
}

// parseVType parses the hex-encoded vtype string ("0x..." or bare hex)
// into its raw uint64 form; the bit-level decode itself lives in
// internal/decode.DecodeVType.
func parseVType(s *string) uint64 {
	if s == nil {
		return 0
	}
	str := *s
	if len(str) > 2 && (str[0:2] == "0x" || str[0:2] == "0X") {
		str = str[2:]
	}
	var v uint64
	for _, c := range str {
		v <<= 4
		switch {
		case c >= '0' && c <= '9':
			v |= uint64(c - '0')
		case c >= 'a' && c <= 'f':
			v |= uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			v |= uint64(c-'A') + 10
		}
	}
	return v
}

// NextInstruction implements Source. A record missing both opcode and
// mnemonic is a fatal trace error.
func (s *JSONSource) NextInstruction(_ uint64) (Record, bool) {
	if s.cursor >= len(s.records) {
		return Record{}, false
	}
	r := s.records[s.cursor]
	s.cursor++

	if r.Opcode == nil && r.Mnemonic == nil {
		panic(simerr.NewTraceError("trace", "record %d has neither opcode nor mnemonic", s.cursor-1))
	}

	sources, dests := r.operands()
	desc := decoder.MakeInstDirect(derefStr(r.Mnemonic, r.Opcode), sources, dests, r.Imm, r.VAddr)

	out := Record{Desc: desc, Index: s.cursor - 1}
	if r.VAddr != nil {
		out.PC = *r.VAddr
	}
	if r.Taken != nil {
		out.Taken = *r.Taken
		out.HasTaken = true
	}
	out.VType = parseVType(r.VType)
	if r.VL != nil {
		out.VL = *r.VL
	}
	return out, true
}

func derefStr(a, b *string) string {
	if a != nil {
		return *a
	}
	if b != nil {
		return *b
	}
	return ""
}

// IsDone implements Source.
func (s *JSONSource) IsDone() bool { return s.cursor >= len(s.records) }

// Reset implements Source: rewinds the cursor to just after (or at, if
// skipIt is false) fromIndex.
func (s *JSONSource) Reset(fromIndex int, skipIt bool) {
	if fromIndex < 0 {
		fromIndex = 0
	}
	if skipIt {
		s.cursor = fromIndex + 1
	} else {
		s.cursor = fromIndex
	}
	if s.cursor > len(s.records) {
		s.cursor = len(s.records)
	}
}

// Len reports the number of records in the trace.
func (s *JSONSource) Len() int { return len(s.records) }

// STFSource is a stub for the binary "STF" trace flavor. No binary STF
// parser is implemented here; the type exists so code wiring a
// trace.Source does not need a build tag to compile against both flavors.
type STFSource struct{}

// NextInstruction implements Source; always reports the trace exhausted.
func (STFSource) NextInstruction(uint64) (Record, bool) { return Record{}, false }

// IsDone implements Source.
func (STFSource) IsDone() bool { return true }

// Reset implements Source; a no-op stub.
func (STFSource) Reset(int, bool) {}
