// Package report implements the counter/histogram registry every core unit
// publishes its statistics through, plus a Sink interface external
// reporting infrastructure can implement. A stdout sink and a JSON sink
// make the counters observable end to end.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Counter is a single named monotonic statistic.
type Counter struct {
	name  string
	value uint64
}

// Name returns the counter's registered name.
func (c *Counter) Name() string { return c.name }

// Value returns the current count.
func (c *Counter) Value() uint64 { return c.value }

// Add increments the counter by n.
func (c *Counter) Add(n uint64) { c.value += n }

// Inc increments the counter by one.
func (c *Counter) Inc() { c.value++ }

// Histogram buckets a statistic by a small integer key (e.g. rename width
// per cycle, 0..num_to_rename).
type Histogram struct {
	name    string
	buckets map[int]uint64
}

// Name returns the histogram's registered name.
func (h *Histogram) Name() string { return h.name }

// Observe records one occurrence of key.
func (h *Histogram) Observe(key int) {
	h.buckets[key]++
}

// Buckets returns a sorted copy of (key, count) pairs.
func (h *Histogram) Buckets() []struct {
	Key   int
	Count uint64
} {
	keys := make([]int, 0, len(h.buckets))
	for k := range h.buckets {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	out := make([]struct {
		Key   int
		Count uint64
	}, len(keys))
	for i, k := range keys {
		out[i].Key = k
		out[i].Count = h.buckets[k]
	}
	return out
}

// StatSet is a named group of counters/histograms owned by one unit.
type StatSet struct {
	Unit       string
	counters   []*Counter
	histograms []*Histogram
}

// NewStatSet creates an empty stat set for the named unit.
func NewStatSet(unit string) *StatSet {
	return &StatSet{Unit: unit}
}

// Counter registers (or returns the existing) named counter.
func (s *StatSet) Counter(name string) *Counter {
	for _, c := range s.counters {
		if c.name == name {
			return c
		}
	}
	c := &Counter{name: name}
	s.counters = append(s.counters, c)
	return c
}

// Histogram registers (or returns the existing) named histogram.
func (s *StatSet) Histogram(name string) *Histogram {
	for _, h := range s.histograms {
		if h.name == name {
			return h
		}
	}
	h := &Histogram{name: name, buckets: make(map[int]uint64)}
	s.histograms = append(s.histograms, h)
	return h
}

// Report is a snapshot of every registered StatSet, keyed by unit name.
type Report struct {
	Sets []*StatSet
}

// Sink consumes a finished Report (e.g. to print it, or to write JSON).
type Sink interface {
	WriteReport(r Report) error
}

// StdoutSink writes a plain-text report to the given writer.
type StdoutSink struct {
	W io.Writer
}

// WriteReport implements Sink.
func (s StdoutSink) WriteReport(r Report) error {
	for _, set := range r.Sets {
		fmt.Fprintf(s.W, "[%s]\n", set.Unit)
		for _, c := range set.counters {
			fmt.Fprintf(s.W, "  %s: %d\n", c.Name(), c.Value())
		}
		for _, h := range set.histograms {
			fmt.Fprintf(s.W, "  %s:\n", h.Name())
			for _, b := range h.Buckets() {
				fmt.Fprintf(s.W, "    %d: %d\n", b.Key, b.Count)
			}
		}
	}
	return nil
}

// JSONSink writes the report as a single JSON object keyed by unit name.
type JSONSink struct {
	W io.Writer
}

// WriteReport implements Sink.
func (s JSONSink) WriteReport(r Report) error {
	type histOut struct {
		Key   int    `json:"key"`
		Count uint64 `json:"count"`
	}
	type setOut struct {
		Counters   map[string]uint64    `json:"counters"`
		Histograms map[string][]histOut `json:"histograms,omitempty"`
	}

	out := make(map[string]setOut, len(r.Sets))
	for _, set := range r.Sets {
		so := setOut{Counters: make(map[string]uint64, len(set.counters))}
		for _, c := range set.counters {
			so.Counters[c.Name()] = c.Value()
		}
		if len(set.histograms) > 0 {
			so.Histograms = make(map[string][]histOut, len(set.histograms))
			for _, h := range set.histograms {
				var buckets []histOut
				for _, b := range h.Buckets() {
					buckets = append(buckets, histOut{Key: b.Key, Count: b.Count})
				}
				so.Histograms[h.Name()] = buckets
			}
		}
		out[set.Unit] = so
	}

	enc := json.NewEncoder(s.W)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
