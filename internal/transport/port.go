// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package transport moves frames in and out of the agent. A Port is a
// burst-oriented packet interface with its own buffer pool: Receive and
// Alloc hand buffers to the caller, Send takes them back, and anything the
// caller still holds must be returned with Free.
package transport

import (
	"sync/atomic"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/packet"
)

var (
	ErrNoBuffers  = errors.New(errors.KindExhausted, "no packet buffers available")
	ErrPortClosed = errors.New(errors.KindUnavailable, "port closed")
)

// Port is one NIC port as seen by the data plane.
type Port interface {
	Name() string
	// Receive fills pkts with up to len(pkts) frames from queue and returns
	// how many it filled. It does not block.
	Receive(queue int, pkts []*packet.Packet) int
	// Send transmits pkts in order and returns how many the port accepted.
	// Accepted packets belong to the port; the rest remain the caller's.
	Send(queue int, pkts []*packet.Packet) int
	// Alloc fills every element of pkts with an empty buffer or fails with
	// ErrNoBuffers, taking nothing.
	Alloc(pkts []*packet.Packet) error
	Free(pkts ...*packet.Packet)
	Close() error
}

// NICStatser is implemented by ports that can report driver counters.
type NICStatser interface {
	NICStats() (map[string]uint64, error)
}

// Stats is a snapshot of a port's traffic counters.
type Stats struct {
	Name      string `json:"name"`
	RxPackets uint64 `json:"rx_packets"`
	RxBytes   uint64 `json:"rx_bytes"`
	TxPackets uint64 `json:"tx_packets"`
	TxBytes   uint64 `json:"tx_bytes"`
	TxDropped uint64 `json:"tx_dropped"`
}

// CountedPort wraps a Port with atomic traffic counters, so every user of the
// port (data plane loop, prober) is accounted for and readers on other
// goroutines see consistent totals.
type CountedPort struct {
	Port
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	txDropped atomic.Uint64
}

// Counted wraps p.
func Counted(p Port) *CountedPort {
	return &CountedPort{Port: p}
}

func (c *CountedPort) Receive(queue int, pkts []*packet.Packet) int {
	n := c.Port.Receive(queue, pkts)
	if n > 0 {
		var bytes uint64
		for _, p := range pkts[:n] {
			bytes += uint64(len(p.Data))
		}
		c.rxPackets.Add(uint64(n))
		c.rxBytes.Add(bytes)
	}
	return n
}

func (c *CountedPort) Send(queue int, pkts []*packet.Packet) int {
	// Sizes must be read before the port takes ownership.
	var bytes uint64
	for _, p := range pkts {
		bytes += uint64(len(p.Data))
	}
	n := c.Port.Send(queue, pkts)
	if n < len(pkts) {
		for _, p := range pkts[n:] {
			bytes -= uint64(len(p.Data))
		}
		c.txDropped.Add(uint64(len(pkts) - n))
	}
	c.txPackets.Add(uint64(n))
	c.txBytes.Add(bytes)
	return n
}

// NICStats forwards to the wrapped port when it supports driver counters.
func (c *CountedPort) NICStats() (map[string]uint64, error) {
	if s, ok := c.Port.(NICStatser); ok {
		return s.NICStats()
	}
	return nil, errors.Errorf(errors.KindUnsupported, "port %s has no driver counters", c.Name())
}

// Stats returns the current counters.
func (c *CountedPort) Stats() Stats {
	return Stats{
		Name:      c.Name(),
		RxPackets: c.rxPackets.Load(),
		RxBytes:   c.rxBytes.Load(),
		TxPackets: c.txPackets.Load(),
		TxBytes:   c.txBytes.Load(),
		TxDropped: c.txDropped.Load(),
	}
}
