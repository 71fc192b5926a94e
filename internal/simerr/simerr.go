// Package simerr defines the error taxonomy for the core timing model:
// configuration errors, trace errors, invariant violations, and lockups.
// The pipeline never recovers from any of these internally; they surface to
// the top-level simulator, which prints context and exits non-zero.
package simerr

import "fmt"

// ConfigError is fatal at build-tree time: overlapping device ranges,
// illegal parameter values, malformed device specs, missing trace files.
type ConfigError struct {
	Unit string
	Msg  string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in %s: %s", e.Unit, e.Msg)
}

// NewConfigError builds a ConfigError attributed to unit.
func NewConfigError(unit, format string, args ...any) *ConfigError {
	return &ConfigError{Unit: unit, Msg: fmt.Sprintf(format, args...)}
}

// TraceError is fatal: an undecodable opcode, a JSON record missing both
// opcode and mnemonic, a rewind outside the buffer window.
type TraceError struct {
	Unit string
	Msg  string
}

func (e *TraceError) Error() string {
	return fmt.Sprintf("trace error in %s: %s", e.Unit, e.Msg)
}

// NewTraceError builds a TraceError attributed to unit.
func NewTraceError(unit, format string, args ...any) *TraceError {
	return &TraceError{Unit: unit, Msg: fmt.Sprintf(format, args...)}
}

// InvariantViolation represents a broken model invariant: queue overflow,
// retiring a speculative instruction, completing a load that is still a
// cache miss, double-freeing a reference count, a duplicate replay-queue
// push, a duplicate freelist entry, or an unknown flush cause.
type InvariantViolation struct {
	Unit string
	Msg  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violated in %s: %s", e.Unit, e.Msg)
}

// LockupError is fatal: the ROB watchdog saw no retire progress for
// retire_timeout_interval cycles.
type LockupError struct {
	Cycle           uint64
	IdleCycles      uint64
	ROBDump         string
	LSUDump         string
}

func (e *LockupError) Error() string {
	return fmt.Sprintf("lockup detected at cycle %d (idle for %d cycles)\nROB:\n%s\nLSU:\n%s",
		e.Cycle, e.IdleCycles, e.ROBDump, e.LSUDump)
}

// Assert panics with an *InvariantViolation when cond is false. It is the
// only control-flow path for invariant violations: the model never attempts
// to recover from a broken invariant, it crashes deterministically with
// context. Callers at simulation top-level recover and report it.
func Assert(unit string, cond bool, format string, args ...any) {
	if cond {
		return
	}
	panic(&InvariantViolation{Unit: unit, Msg: fmt.Sprintf(format, args...)})
}
