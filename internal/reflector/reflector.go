// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reflector is the far side of a probed path. It bounces probes back
// toward the prober on the reply port and absorbs ordinary tunnel traffic.
// Per-path delay and loss make it usable as a network stand-in.
package reflector

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/transport"
)

// Profile decides what the network does to a probe sent with source port
// sport: how long its reply takes and whether it is lost.
type Profile func(sport uint16) (delay time.Duration, drop bool)

// Config tunes the reflector.
type Config struct {
	TunnelPort uint16
	ReplyPort  uint16
	Burst      int
	Queue      int
	// IdleSleep is how long Run sleeps when nothing is queued.
	IdleSleep time.Duration
}

// DefaultConfig matches the agent's defaults.
func DefaultConfig() *Config {
	return &Config{
		TunnelPort: packet.DefaultTunnelPort,
		ReplyPort:  packet.DefaultReplyPort,
		Burst:      32,
		IdleSleep:  50 * time.Microsecond,
	}
}

// Stats counts what the reflector did.
type Stats struct {
	Bounced   uint64
	Dropped   uint64
	Delivered uint64
	Refused   uint64
}

type delayed struct {
	at  uint64
	pkt *packet.Packet
}

// Reflector serves one port. Step and Run must not be called concurrently.
type Reflector struct {
	cfg     Config
	port    transport.Port
	clock   clock.Clock
	logger  *logging.Logger
	profile Profile

	// OnDeliver, when set, sees every non-probe frame before it is freed.
	OnDeliver func(h *packet.Headers)

	parser *packet.Parser
	hdr    packet.Headers
	rx     []*packet.Packet
	tx     []*packet.Packet
	queue  []delayed

	bounced   atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	refused   atomic.Uint64
}

// New returns a reflector on port.
func New(cfg *Config, port transport.Port, clk clock.Clock, logger *logging.Logger) *Reflector {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	c := *cfg
	if c.Burst <= 0 {
		c.Burst = 32
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Reflector{
		cfg:    c,
		port:   port,
		clock:  clk,
		logger: logger.WithComponent("reflector"),
		parser: packet.NewParser(),
		rx:     make([]*packet.Packet, c.Burst),
		tx:     make([]*packet.Packet, 0, c.Burst),
	}
}

// SetProfile installs a per-path delay and loss model. Nil bounces
// everything immediately.
func (r *Reflector) SetProfile(p Profile) { r.profile = p }

// Step releases due replies, then handles one receive burst. It returns the
// number of frames received.
func (r *Reflector) Step() int {
	now := r.clock.Mono()
	r.tx = r.tx[:0]

	if len(r.queue) > 0 {
		rest := r.queue[:0]
		for _, d := range r.queue {
			if d.at <= now && len(r.tx) < cap(r.tx) {
				r.tx = append(r.tx, d.pkt)
				continue
			}
			rest = append(rest, d)
		}
		clear(r.queue[len(rest):])
		r.queue = rest
	}

	n := r.port.Receive(r.cfg.Queue, r.rx)
	for _, pkt := range r.rx[:n] {
		r.handle(pkt, now)
	}
	clear(r.rx[:n])
	r.flush()
	return n
}

func (r *Reflector) handle(pkt *packet.Packet, now uint64) {
	if err := r.parser.Decode(pkt, &r.hdr); err != nil {
		r.port.Free(pkt)
		return
	}
	if !packet.IsProbe(&r.hdr, r.cfg.TunnelPort) {
		if r.OnDeliver != nil {
			r.OnDeliver(&r.hdr)
		}
		r.delivered.Add(1)
		r.port.Free(pkt)
		return
	}

	var delay time.Duration
	if r.profile != nil {
		var drop bool
		delay, drop = r.profile(r.hdr.SrcPort)
		if drop {
			r.dropped.Add(1)
			r.port.Free(pkt)
			return
		}
	}
	packet.MakeReply(pkt, &r.hdr, r.cfg.ReplyPort)
	r.bounced.Add(1)
	if delay > 0 || len(r.tx) == cap(r.tx) {
		r.queue = append(r.queue, delayed{at: now + uint64(delay), pkt: pkt})
		return
	}
	r.tx = append(r.tx, pkt)
}

func (r *Reflector) flush() {
	if len(r.tx) == 0 {
		return
	}
	sent := r.port.Send(r.cfg.Queue, r.tx)
	if sent < len(r.tx) {
		r.refused.Add(uint64(len(r.tx) - sent))
		r.port.Free(r.tx[sent:]...)
	}
	clear(r.tx)
	r.tx = r.tx[:0]
}

// Pending is the number of replies held back by the delay model.
func (r *Reflector) Pending() int { return len(r.queue) }

// Run steps until ctx ends, then frees any held replies.
func (r *Reflector) Run(ctx context.Context) error {
	r.logger.Info("reflector started", "port", r.port.Name(), "reply_port", r.cfg.ReplyPort)
	defer func() {
		for _, d := range r.queue {
			r.port.Free(d.pkt)
		}
		r.queue = nil
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if r.Step() > 0 {
			continue
		}
		if len(r.queue) > 0 {
			runtime.Gosched()
			continue
		}
		time.Sleep(r.cfg.IdleSleep)
	}
}

// Stats returns the counters.
func (r *Reflector) Stats() Stats {
	return Stats{
		Bounced:   r.bounced.Load(),
		Dropped:   r.dropped.Load(),
		Delivered: r.delivered.Load(),
		Refused:   r.refused.Load(),
	}
}
