// Package bpu implements the branch prediction unit: a one-cycle base
// predictor (PHT + BTB + RAS) that answers first, and a TAGE-SC-L-style
// tagged predictor that answers one or more cycles later and may overturn
// the base prediction through the FTQ.
package bpu

import "github.com/sarchlab/rvcore/internal/config"

// RASOverflowPolicy selects what happens when Push is called on a full
// return-address stack.
type RASOverflowPolicy int

const (
	// RASSaturate drops the incoming push, keeping the stack's oldest
	// entries intact.
	RASSaturate RASOverflowPolicy = iota
	// RASWrapOverwrite evicts the oldest entry to make room.
	RASWrapOverwrite
)

// Prediction is a single direction/target answer for one PC.
type Prediction struct {
	PC     uint64
	Taken  bool
	Target uint64
}

// BasePredictor is a PHT (2-bit saturating counters) + BTB (direct-mapped
// PC->target map) + RAS, answering in the same cycle it is queried.
type BasePredictor struct {
	pht     []uint8
	phtMask uint64

	btb      []btbEntry
	btbValid []bool
	btbMask  uint64

	ras        []uint64
	rasOverflow RASOverflowPolicy

	ctrMax uint8
}

type btbEntry struct {
	pc     uint64
	target uint64
}

// NewBasePredictor builds a base predictor sized from cfg.
func NewBasePredictor(cfg config.BPUConfig) *BasePredictor {
	phtSize := nextPow2(cfg.PHTSize)
	btbSize := nextPow2(cfg.BTBSize)
	ctrMax := uint8((1 << uint(cfg.CtrBits)) - 1)

	bp := &BasePredictor{
		pht:         make([]uint8, phtSize),
		phtMask:     uint64(phtSize - 1),
		btb:         make([]btbEntry, btbSize),
		btbValid:    make([]bool, btbSize),
		btbMask:     uint64(btbSize - 1),
		ras:         make([]uint64, 0, cfg.RASSize),
		rasOverflow: RASSaturate,
		ctrMax:      ctrMax,
	}
	half := (ctrMax + 1) / 2
	for i := range bp.pht {
		bp.pht[i] = half
	}
	return bp
}

func nextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (bp *BasePredictor) phtIndex(pc uint64) uint64 { return (pc >> 2) & bp.phtMask }
func (bp *BasePredictor) btbIndex(pc uint64) uint64 { return (pc >> 2) & bp.btbMask }

// Predict returns a direction prediction and, if the BTB has a matching
// entry, a target.
func (bp *BasePredictor) Predict(pc uint64) Prediction {
	ctr := bp.pht[bp.phtIndex(pc)]
	pred := Prediction{PC: pc, Taken: ctr > bp.ctrMax/2}

	idx := bp.btbIndex(pc)
	if bp.btbValid[idx] && bp.btb[idx].pc == pc {
		pred.Target = bp.btb[idx].target
	}
	return pred
}

// Update trains the PHT and BTB with the ground-truth outcome. The base
// predictor is updated on every branch.
func (bp *BasePredictor) Update(pc uint64, taken bool, target uint64) {
	idx := bp.phtIndex(pc)
	if taken {
		if bp.pht[idx] < bp.ctrMax {
			bp.pht[idx]++
		}
	} else if bp.pht[idx] > 0 {
		bp.pht[idx]--
	}

	if taken {
		bidx := bp.btbIndex(pc)
		bp.btb[bidx] = btbEntry{pc: pc, target: target}
		bp.btbValid[bidx] = true
	}
}

// PushRAS records a return address, applying the overflow policy if full.
func (bp *BasePredictor) PushRAS(addr uint64, capacity int) {
	if len(bp.ras) >= capacity {
		switch bp.rasOverflow {
		case RASWrapOverwrite:
			bp.ras = bp.ras[1:]
		default: // RASSaturate
			return
		}
	}
	bp.ras = append(bp.ras, addr)
}

// PopRAS removes and returns the most recently pushed return address.
func (bp *BasePredictor) PopRAS() (uint64, bool) {
	if len(bp.ras) == 0 {
		return 0, false
	}
	addr := bp.ras[len(bp.ras)-1]
	bp.ras = bp.ras[:len(bp.ras)-1]
	return addr, true
}
