package bpu

import "github.com/sarchlab/rvcore/internal/config"

// ghr is a fixed-width shift register of recent branch directions.
type ghr struct {
	bits []bool
	size int
}

func newGHR(size int) *ghr {
	return &ghr{bits: make([]bool, 0, size), size: size}
}

func (g *ghr) push(taken bool) {
	g.bits = append(g.bits, taken)
	if len(g.bits) > g.size {
		g.bits = g.bits[1:]
	}
}

// compress folds the most recent histLen bits of history down to width
// bits by XOR-folding, for the PC-XOR-folded-history table indexing.
func (g *ghr) compress(histLen, width int) uint64 {
	if histLen > len(g.bits) {
		histLen = len(g.bits)
	}
	start := len(g.bits) - histLen
	var acc uint64
	for i, b := range g.bits[start:] {
		if b {
			acc ^= uint64(1) << uint(i%width)
		}
	}
	return acc
}

// tageTable is one tagged geometric-history-length component.
type tageTable struct {
	histLen int
	indexBits int
	tagBits   int

	tag     []uint16
	ctr     []int8
	useful  []uint8
	ctrMax  int8
	ctrMin  int8
}

func newTageTable(histLen, indexBits, tagBits, ctrBits int) *tageTable {
	n := 1 << uint(indexBits)
	max := int8((1 << uint(ctrBits-1)) - 1)
	return &tageTable{
		histLen:   histLen,
		indexBits: indexBits,
		tagBits:   tagBits,
		tag:       make([]uint16, n),
		ctr:       make([]int8, n),
		useful:    make([]uint8, n),
		ctrMax:    max,
		ctrMin:    -max - 1,
	}
}

func (t *tageTable) index(pc uint64, g *ghr) (idx uint64, tag uint16) {
	folded := g.compress(t.histLen, t.indexBits)
	idx = (pc >> 2) ^ folded
	idx &= (1 << uint(t.indexBits)) - 1

	tagFolded := g.compress(t.histLen, t.tagBits)
	tag = uint16(((pc >> 2) ^ tagFolded) & ((1 << uint(t.tagBits)) - 1))
	return
}

// lookup returns (hit, counter, entry index).
func (t *tageTable) lookup(pc uint64, g *ghr) (bool, int8, uint64) {
	idx, tag := t.index(pc, g)
	if t.tag[idx] == tag {
		return true, t.ctr[idx], idx
	}
	return false, 0, idx
}

func (t *tageTable) update(idx uint64, taken bool) {
	if taken {
		if t.ctr[idx] < t.ctrMax {
			t.ctr[idx]++
		}
	} else if t.ctr[idx] > t.ctrMin {
		t.ctr[idx]--
	}
}

func (t *tageTable) allocate(pc uint64, g *ghr, taken bool) {
	idx, tag := t.index(pc, g)
	t.tag[idx] = tag
	t.useful[idx] = 0
	if taken {
		t.ctr[idx] = 0
	} else {
		t.ctr[idx] = -1
	}
}

// Predictor is the TAGE-SC-L-style second-tier predictor: a bimodal base
// plus several tagged components indexed by folded global history.
type Predictor struct {
	cfg    config.BPUConfig
	bimodal []uint8
	bimodalMask uint64

	tables []*tageTable
	g      *ghr

	predictionsSinceReset int
}

// NewPredictor builds a TAGE predictor from cfg.
func NewPredictor(cfg config.BPUConfig) *Predictor {
	bimodalSize := nextPow2(cfg.PHTSize)
	p := &Predictor{
		cfg:         cfg,
		bimodal:     make([]uint8, bimodalSize),
		bimodalMask: uint64(bimodalSize - 1),
		g:           newGHR(cfg.GHRSize),
	}
	half := uint8((1 << 1))
	for i := range p.bimodal {
		p.bimodal[i] = half
	}

	numTables := cfg.TageNumTables
	if numTables <= 0 {
		numTables = 1
	}
	minH, maxH := cfg.TageMinHistLen, cfg.TageMaxHistLen
	if minH <= 0 {
		minH = 4
	}
	if maxH < minH {
		maxH = minH
	}
	for i := 0; i < numTables; i++ {
		// Linearly spaced history lengths between min and max.
		histLen := minH
		if numTables > 1 {
			histLen = minH + (maxH-minH)*i/(numTables-1)
		}
		if histLen < 1 {
			histLen = 1
		}
		p.tables = append(p.tables, newTageTable(histLen, cfg.TageTableBits, cfg.TageTagBits, cfg.TageCtrBits))
	}
	return p
}

func (p *Predictor) bimodalIndex(pc uint64) uint64 { return (pc >> 2) & p.bimodalMask }

// Predict returns the longest-matching tagged component's prediction, or
// the bimodal base predictor's prediction if no tagged component hits.
// The matched-table index (-1 for bimodal) is returned so Update can train
// exactly the component that produced the prediction.
func (p *Predictor) Predict(pc uint64) (taken bool, matchedTable int) {
	for i := len(p.tables) - 1; i >= 0; i-- {
		if hit, ctr, _ := p.tables[i].lookup(pc, p.g); hit {
			return ctr >= 0, i
		}
	}
	ctr := p.bimodal[p.bimodalIndex(pc)]
	return ctr >= 2, -1
}

// Update trains the predictor with the ground-truth outcome. matchedTable
// is the value Predict returned for this PC. If the prediction missed and
// a longer-history table is available to allocate into, one is chosen.
func (p *Predictor) Update(pc uint64, taken bool, matchedTable int) {
	if matchedTable >= 0 {
		_, _, idx := p.tables[matchedTable].lookup(pc, p.g)
		p.tables[matchedTable].update(idx, taken)
	} else {
		idx := p.bimodalIndex(pc)
		if taken {
			if p.bimodal[idx] < 3 {
				p.bimodal[idx]++
			}
		} else if p.bimodal[idx] > 0 {
			p.bimodal[idx]--
		}
	}

	predictedTaken, _ := p.Predict(pc)
	if predictedTaken != taken {
		p.allocateOnMiss(pc, matchedTable, taken)
	}

	p.g.push(taken)

	p.predictionsSinceReset++
	if p.cfg.TageResetEpoch > 0 && p.predictionsSinceReset >= p.cfg.TageResetEpoch {
		p.resetUseful()
		p.predictionsSinceReset = 0
	}
}

// allocateOnMiss installs a new tagged entry in a table with more history
// than the one that mispredicted, giving later lookups a chance to pick it
// up. It takes the first such table whose entry currently has a zero
// useful bit; if every candidate entry is useful, nothing is allocated.
func (p *Predictor) allocateOnMiss(pc uint64, matchedTable int, taken bool) {
	for i := matchedTable + 1; i < len(p.tables); i++ {
		if _, _, idx := p.tables[i].lookup(pc, p.g); p.tables[i].useful[idx] == 0 {
			p.tables[i].allocate(pc, p.g, taken)
			return
		}
	}
}

func (p *Predictor) resetUseful() {
	for _, t := range p.tables {
		for i := range t.useful {
			t.useful[i] = 0
		}
	}
}
