// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import (
	"sync"
	"sync/atomic"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/packet"
)

// PipeConfig shapes an in-memory port pair.
type PipeConfig struct {
	// Pool is shared by both ends. Required.
	Pool *Pool
	// Depth bounds each receive queue.
	Depth  int
	Queues int
	// SoftwareHash stamps a dispatch hash on received frames that arrive
	// without one, the way an RSS-capable NIC would.
	SoftwareHash bool
}

// PipeEnd is one end of an in-memory wire. Frames sent on one end are
// received on the other in order; a full queue refuses the remainder of a
// burst the way a full TX ring does.
type PipeEnd struct {
	name   string
	pool   *Pool
	rx     []chan *packet.Packet
	peer   *PipeEnd
	closed atomic.Bool

	hashing  bool
	parserMu sync.Mutex
	parser   *packet.Parser
	scratch  packet.Headers
}

// NewPipe returns two connected ends.
func NewPipe(aName, bName string, cfg PipeConfig) (*PipeEnd, *PipeEnd, error) {
	if cfg.Pool == nil {
		return nil, nil, errors.New(errors.KindValidation, "pipe requires a buffer pool")
	}
	if cfg.Depth <= 0 {
		cfg.Depth = 1024
	}
	if cfg.Queues <= 0 {
		cfg.Queues = 1
	}
	a := newPipeEnd(aName, cfg)
	b := newPipeEnd(bName, cfg)
	a.peer, b.peer = b, a
	return a, b, nil
}

func newPipeEnd(name string, cfg PipeConfig) *PipeEnd {
	e := &PipeEnd{
		name:    name,
		pool:    cfg.Pool,
		rx:      make([]chan *packet.Packet, cfg.Queues),
		hashing: cfg.SoftwareHash,
	}
	for i := range e.rx {
		e.rx[i] = make(chan *packet.Packet, cfg.Depth)
	}
	if e.hashing {
		e.parser = packet.NewParser()
	}
	return e
}

func (e *PipeEnd) Name() string { return e.name }

// Pool returns the shared buffer pool.
func (e *PipeEnd) Pool() *Pool { return e.pool }

func (e *PipeEnd) Receive(queue int, pkts []*packet.Packet) int {
	if queue < 0 || queue >= len(e.rx) {
		return 0
	}
	n := 0
	for n < len(pkts) {
		select {
		case p := <-e.rx[queue]:
			if e.hashing && p.Hash == 0 {
				e.stampHash(p)
			}
			pkts[n] = p
			n++
		default:
			return n
		}
	}
	return n
}

func (e *PipeEnd) stampHash(p *packet.Packet) {
	e.parserMu.Lock()
	defer e.parserMu.Unlock()
	if e.parser.Decode(p, &e.scratch) == nil {
		p.Hash = e.parser.SoftwareHash()
	}
}

func (e *PipeEnd) Send(queue int, pkts []*packet.Packet) int {
	if e.closed.Load() || e.peer.closed.Load() {
		return 0
	}
	if queue < 0 || queue >= len(e.peer.rx) {
		return 0
	}
	q := e.peer.rx[queue]
	for i, p := range pkts {
		select {
		case q <- p:
		default:
			return i
		}
	}
	return len(pkts)
}

func (e *PipeEnd) Alloc(pkts []*packet.Packet) error {
	if e.closed.Load() {
		return ErrPortClosed
	}
	return e.pool.Get(pkts)
}

func (e *PipeEnd) Free(pkts ...*packet.Packet) { e.pool.Put(pkts...) }

// Pending is the number of frames waiting on queue.
func (e *PipeEnd) Pending(queue int) int {
	if queue < 0 || queue >= len(e.rx) {
		return 0
	}
	return len(e.rx[queue])
}

// Close stops the end and returns its queued frames to the pool.
func (e *PipeEnd) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, q := range e.rx {
		for {
			select {
			case p := <-q:
				e.pool.Put(p)
				continue
			default:
			}
			break
		}
	}
	return nil
}
