package inst

import "github.com/sarchlab/rvcore/internal/coretypes"

// RenamedOperand is one entry in an instruction's rename shadow: the
// physical register assigned, the decoder operand info it renamed, and (for
// destinations only) the architectural-to-physical mapping it displaced so
// a flush or retire can restore/reclaim it.
type RenamedOperand struct {
	Phys         uint32
	OpInfo       Operand
	PrevDest     uint32
	MoveEliminated bool
}

// RenameShadow carries, per register file, the renamed source and
// destination lists plus the separate data-register slot stores use for
// their data operand.
type RenameShadow struct {
	Sources [coretypes.NumRegFiles][]RenamedOperand
	Dests   [coretypes.NumRegFiles][]RenamedOperand

	HasDataReg bool
	DataReg    RenamedOperand
}

// RetireWaker is implemented by the ROB to let a late-completing producer
// (e.g. a cache-miss load) wake retirement once its instruction completes.
type RetireWaker interface {
	WakeOnComplete(id ID)
}

// Instruction is the per-in-flight dynamic instruction record. One
// Instruction exists per Handle in an Arena; every stage that still
// references it holds either a strong Handle (in a queue it owns) or a
// weak ID it can re-resolve through the Arena.
type Instruction struct {
	ID        ID
	ProgramID uint64
	UopID     uint32 // distinguishes uops split from one vector macro-op

	PC          uint64
	TargetVAddr uint64
	TargetPAddr uint64

	Desc   Descriptor
	Status Status

	IsLoadStore    bool
	IsStore        bool
	IsBranch       bool
	IsTaken        bool
	IsChangeOfFlow bool
	IsMove         bool
	IsLastInBlock  bool
	IsSpeculative  bool
	IsFlushed      bool

	Rename RenameShadow

	// RetireAtRename is set by Rename on the move-elimination path: the
	// instruction's completion is logically immediate and its ROB slot may
	// short-circuit the normal completion wait.
	RetireAtRename bool

	// LoadProducer records whether the producer of this instruction's
	// (load/store) address source was itself a load, used by the LSU's
	// replay policy.
	LoadProducer bool

	// RewindCursor is an opaque value the trace source uses to replay
	// instructions after this one on a flush; the core never interprets
	// it, only carries it.
	RewindCursor any

	// MemAccessID is set for load/store instructions once the LSU
	// allocates a memory-access record; it is a weak reference (an id),
	// resolved through the owning memaccess.Table.
	MemAccessID uint64
	HasMemAccess bool
}

// Less implements the {unique_id, uop_id} total order used for age-based
// tie-breaking (e.g. the LSU ready queue and oldest-store lookups).
func Less(a, b *Instruction) bool {
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.UopID < b.UopID
}
