// Package biu implements the Bus Interface Unit: an address-routed bus
// sitting between the L2 cache and main memory / mapped devices, with a
// fixed memory-access latency and a table of mapped device ranges parsed
// and overlap-checked by internal/config.
package biu

import (
	"github.com/sarchlab/rvcore/internal/config"
	"github.com/sarchlab/rvcore/internal/report"
	"github.com/sarchlab/rvcore/internal/sim"
)

// Device is a mapped device the BIU can route a request to instead of main
// memory.
type Device struct {
	Name string
	Addr uint64
	Size uint64
}

func (d Device) contains(addr uint64) bool {
	return addr >= d.Addr && addr < d.Addr+d.Size
}

// Unit is the bus interface unit.
type Unit struct {
	sched   *sim.Scheduler
	latency uint64
	devices []Device

	onResponse func(block uint64)

	stats *report.StatSet
}

// NewUnit builds a BIU from cfg.
func NewUnit(s *sim.Scheduler, cfg config.BIUConfig) *Unit {
	u := &Unit{sched: s, latency: uint64(cfg.Latency), stats: report.NewStatSet("biu")}
	for _, d := range cfg.MappedDevices {
		u.devices = append(u.devices, Device{Name: d.Name, Addr: d.Addr, Size: d.Size})
	}
	return u
}

// OnResponse installs the callback invoked latency cycles after Request,
// once the memory access (or mapped-device access) completes.
func (u *Unit) OnResponse(fn func(block uint64)) { u.onResponse = fn }

// Request issues a request for block to memory or the device mapped over
// its address, completing after the configured latency.
func (u *Unit) Request(block uint64) {
	dev := u.routeDevice(block)
	if dev != nil {
		u.stats.Counter("device_" + dev.Name + "_accesses").Inc()
	} else {
		u.stats.Counter("memory_accesses").Inc()
	}
	u.sched.ScheduleIn(u.latency, sim.PhaseUpdate, func() {
		if u.onResponse != nil {
			u.onResponse(block)
		}
	})
}

func (u *Unit) routeDevice(addr uint64) *Device {
	for i := range u.devices {
		if u.devices[i].contains(addr) {
			return &u.devices[i]
		}
	}
	return nil
}

// Stats exposes the BIU's counters.
func (u *Unit) Stats() *report.StatSet { return u.stats }
