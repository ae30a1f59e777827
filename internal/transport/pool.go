// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"sync"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/packet"
)

const (
	DefaultPoolSize = 8192
	DefaultBufSize  = 2048
)

// Pool is a fixed set of packet buffers shared by the ports that exchange
// them. Buffers are allocated once; Get and Put only move indexes.
type Pool struct {
	mu      sync.Mutex
	pkts    []*packet.Packet
	bufs    [][]byte
	free    []int32
	out     []bool
	bufSize int

	allocFailures uint64
	badFrees      uint64
}

// NewPool allocates size buffers of bufSize bytes.
func NewPool(size, bufSize int) (*Pool, error) {
	if size <= 0 || bufSize < packet.EthernetHeaderLen {
		return nil, errors.Errorf(errors.KindValidation, "invalid pool geometry %d x %d", size, bufSize)
	}
	p := &Pool{
		pkts:    make([]*packet.Packet, size),
		bufs:    make([][]byte, size),
		free:    make([]int32, size),
		out:     make([]bool, size),
		bufSize: bufSize,
	}
	backing := make([]byte, size*bufSize)
	for i := range p.pkts {
		p.bufs[i] = backing[i*bufSize : i*bufSize : (i+1)*bufSize]
		pkt := packet.New(p.bufs[i], 0)
		pkt.SetPoolIndex(i)
		p.pkts[i] = pkt
		p.free[i] = int32(size - 1 - i)
	}
	return p, nil
}

// Get fills dst with free buffers, all or nothing.
func (p *Pool) Get(dst []*packet.Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(dst) > len(p.free) {
		p.allocFailures++
		return ErrNoBuffers
	}
	for i := range dst {
		n := len(p.free) - 1
		idx := p.free[n]
		p.free = p.free[:n]
		p.out[idx] = true
		dst[i] = p.pkts[idx]
	}
	return nil
}

// Put returns buffers. Packets that did not come from this pool, or are
// already free, are ignored and counted.
func (p *Pool) Put(pkts ...*packet.Packet) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pkt := range pkts {
		if pkt == nil {
			continue
		}
		idx := pkt.PoolIndex()
		if idx < 0 || idx >= len(p.pkts) || p.pkts[idx] != pkt || !p.out[idx] {
			p.badFrees++
			continue
		}
		pkt.Reset()
		// Frames that outgrew their buffer get the original one back.
		pkt.Data = p.bufs[idx]
		p.out[idx] = false
		p.free = append(p.free, int32(idx))
	}
}

// Size is the total number of buffers.
func (p *Pool) Size() int { return len(p.pkts) }

// BufSize is the capacity of each buffer.
func (p *Pool) BufSize() int { return p.bufSize }

// InUse is the number of buffers currently handed out.
func (p *Pool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pkts) - len(p.free)
}

// PoolStats are pool error counters.
type PoolStats struct {
	Size          int
	InUse         int
	AllocFailures uint64
	BadFrees      uint64
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Size:          len(p.pkts),
		InUse:         len(p.pkts) - len(p.free),
		AllocFailures: p.allocFailures,
		BadFrees:      p.badFrees,
	}
}
