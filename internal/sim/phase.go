// Package sim implements the discrete-event scheduling fabric the core
// timing model runs on: integer cycles divided into ordered phases, typed
// data ports with configurable delivery delay, and credit-counted
// backpressure between producer/consumer edges.
//
// There is exactly one Scheduler per simulation. It advances cycle by cycle;
// within a cycle every registered handler for a phase runs before any
// handler of the next phase runs, and a Flush-phase event scheduled for the
// current cycle is guaranteed to run before that cycle's Tick phase.
package sim

// Phase orders the work done within a single simulated cycle.
type Phase int

const (
	// PhaseUpdate delivers data-port payloads that were sent with a cycle
	// delay landing on "now".
	PhaseUpdate Phase = iota
	// PhasePortUpdate lets units react to just-delivered port data before
	// any flush is applied.
	PhasePortUpdate
	// PhaseFlush applies flush criteria. Always runs before Tick in the
	// same cycle.
	PhaseFlush
	// PhaseCollection lets units sample state for statistics before Tick
	// mutates it.
	PhaseCollection
	// PhaseTick is where units execute their main per-cycle state machine.
	PhaseTick
	// PhasePostTick runs bookkeeping that depends on every unit's Tick
	// having completed (e.g. synchronous pipeline-register swaps).
	PhasePostTick

	numPhases
)

// String names a phase for diagnostics.
func (p Phase) String() string {
	switch p {
	case PhaseUpdate:
		return "Update"
	case PhasePortUpdate:
		return "PortUpdate"
	case PhaseFlush:
		return "Flush"
	case PhaseCollection:
		return "Collection"
	case PhaseTick:
		return "Tick"
	case PhasePostTick:
		return "PostTick"
	default:
		return "Unknown"
	}
}
