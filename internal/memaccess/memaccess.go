// Package memaccess holds the memory-access record shared by the LSU and
// the cache hierarchy (DCache, L2), and the table that owns its lifetime.
package memaccess

import "github.com/sarchlab/rvcore/internal/inst"

// MMUState is the translation status of a memory access.
type MMUState int

const (
	MMUNoAccess MMUState = iota
	MMUMiss
	MMUHit
)

// CacheState is the cache-pipeline status of a memory access.
type CacheState int

const (
	CacheNoAccess CacheState = iota
	CacheMiss
	CacheHit
	CacheReload
)

// Info is one memory-access attempt: allocated when the LSU creates a
// load/store info, shared with the DCache once it enters the DCache
// pipeline, and freed when retire removes the last reference.
type Info struct {
	ID ID

	Owner inst.ID // weak reference back to the owning instruction

	VAddr uint64
	PAddr uint64

	IsStore bool

	MMUState   MMUState
	CacheState CacheState

	DataReady bool
	IsRefill  bool

	// IssueQueueSlot carries the owning LSU entry's abort generation at the
	// time of the request, so a completion or NACK for a superseded attempt
	// is recognised as stale. ReplaySlot, MSHRHandle and HasMSHR are not set
	// by the LSU or the DCache.
	IssueQueueSlot int
	ReplaySlot     int
	MSHRHandle     uint32
	HasMSHR        bool
}

// ID identifies a memaccess.Info within a Table.
type ID uint64

// Table owns every live memaccess.Info by id. A plain map suffices here —
// unlike the Instruction arena there is no cycle risk (Info never holds a
// strong handle back to anything), only a shared-lifetime bookkeeping need.
type Table struct {
	next    ID
	entries map[ID]*Info
}

// NewTable creates an empty memory-access table.
func NewTable() *Table {
	return &Table{entries: make(map[ID]*Info)}
}

// Alloc creates a new Info for the given owning instruction.
func (t *Table) Alloc(owner inst.ID, vaddr uint64) *Info {
	t.next++
	info := &Info{ID: t.next, Owner: owner, VAddr: vaddr}
	t.entries[info.ID] = info
	return info
}

// Get resolves an id to its Info, or nil if already freed.
func (t *Table) Get(id ID) *Info {
	return t.entries[id]
}

// Free releases the Info; called when retire removes the last reference.
func (t *Table) Free(id ID) {
	delete(t.entries, id)
}

// Live returns the number of outstanding memory-access records.
func (t *Table) Live() int {
	return len(t.entries)
}
