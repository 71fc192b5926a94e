package bpu

import "github.com/sarchlab/rvcore/internal/simerr"

// Entry is one fetch-target-queue slot: a prediction output plus the
// second-tier amendment bookkeeping.
type Entry struct {
	PC     uint64
	Taken  bool
	Target uint64

	// Amended is set once a second-tier prediction has looked at this
	// entry, whether or not it changed the decision.
	Amended bool

	// NeedsRecovery flags the "not-taken -> taken" second-tier
	// disagreement: no target can be synthesized for it, so this
	// implementation stalls for an external ground-truth recovery request
	// rather than guessing, and surfaces that need here.
	NeedsRecovery bool
}

// FTQ is the deque of prediction outputs sitting between the BPU and
// Fetch. Entries are appended by first-tier predictions, amended in place
// by later second-tier predictions, and forwarded to Fetch one per credit
// from the cursor; the head is only removed once the ROB signals that
// branch has committed.
type FTQ struct {
	entries  []Entry
	cursor   int
	capacity int
}

// NewFTQ creates an empty FTQ bounded to capacity entries.
func NewFTQ(capacity int) *FTQ {
	return &FTQ{capacity: capacity}
}

// Len returns the number of entries currently buffered (forwarded or not).
func (f *FTQ) Len() int { return len(f.entries) }

// PushFirstTier appends a new first-tier prediction to the tail.
func (f *FTQ) PushFirstTier(e Entry) {
	simerr.Assert("bpu.FTQ", len(f.entries) < f.capacity, "FTQ overflow")
	f.entries = append(f.entries, e)
}

// AmendResult reports what a second-tier prediction did to the FTQ.
type AmendResult struct {
	Found         bool
	FlushNeeded   bool
	RedirectPC    uint64
	NeedsRecovery bool
}

// AmendSecondTier applies a later, more accurate prediction for pc. If it
// disagrees with the stored first-tier direction, and the flip is
// taken->not-taken, the entry's direction and target are corrected in
// place (target becomes PC+4) and the forwarding cursor is rewound to
// resend this entry. The reverse flip (not-taken->taken) cannot
// synthesize a target and is reported as NeedsRecovery instead of guessed.
func (f *FTQ) AmendSecondTier(pc uint64, taken bool) AmendResult {
	for i := range f.entries {
		e := &f.entries[i]
		if e.PC != pc || e.Amended {
			continue
		}
		e.Amended = true
		if e.Taken == taken {
			return AmendResult{Found: true}
		}
		if e.Taken && !taken {
			e.Taken = false
			e.Target = pc + 4
			flushNeeded := i < f.cursor
			if flushNeeded {
				f.cursor = i
			}
			return AmendResult{Found: true, FlushNeeded: flushNeeded, RedirectPC: pc + 4}
		}
		// not-taken -> taken: no target to synthesize.
		e.NeedsRecovery = true
		return AmendResult{Found: true, NeedsRecovery: true}
	}
	return AmendResult{}
}

// PopForFetch forwards the next entry to Fetch, advancing the cursor, if
// one is available. Call only when Fetch has a credit to spend.
func (f *FTQ) PopForFetch() (Entry, bool) {
	if f.cursor >= len(f.entries) {
		return Entry{}, false
	}
	e := f.entries[f.cursor]
	f.cursor++
	return e, true
}

// HasPending reports whether an un-forwarded entry is waiting.
func (f *FTQ) HasPending() bool { return f.cursor < len(f.entries) }

// CommitHead deallocates the oldest entry on a ROB branch-commit signal.
func (f *FTQ) CommitHead() {
	if len(f.entries) == 0 {
		return
	}
	f.entries = f.entries[1:]
	if f.cursor > 0 {
		f.cursor--
	}
}
