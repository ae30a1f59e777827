// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sim drives the agent without hardware: a tenant traffic source on
// the host side and a path model for the reflector on the network side.
package sim

import (
	"context"
	"math/rand/v2"
	"net/netip"
	"sync/atomic"
	"time"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/reflector"
	"grimm.is/arflow/internal/transport"
)

// PathProfile models a fabric with len(delays) distinct paths. A probe
// with source port sport takes path sport%len(delays); lossPercent of all
// probes are dropped. A nil rng uses the global source.
func PathProfile(delays []time.Duration, lossPercent int, rng *rand.Rand) reflector.Profile {
	if len(delays) == 0 {
		return nil
	}
	d := append([]time.Duration(nil), delays...)
	intn := rand.IntN
	if rng != nil {
		intn = rng.IntN
	}
	return func(sport uint16) (time.Duration, bool) {
		if lossPercent > 0 && intn(100) < lossPercent {
			return 0, true
		}
		return d[int(sport)%len(d)], false
	}
}

// GeneratorConfig shapes the tenant traffic.
type GeneratorConfig struct {
	Flows          int
	PacketsPerFlow int
	Interval       time.Duration
	// Src is the tenant address; flows differ by source port, starting at
	// BasePort.
	Src        netip.Addr
	Dst        netip.Addr
	BasePort   uint16
	TunnelPort uint16
	PayloadLen int
	Queue      int
}

// DefaultGeneratorConfig returns a small, steady workload.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Flows:          16,
		PacketsPerFlow: 200,
		Interval:       time.Millisecond,
		Src:            netip.MustParseAddr("10.0.0.1"),
		Dst:            netip.MustParseAddr("10.0.0.2"),
		BasePort:       49152,
		TunnelPort:     packet.DefaultTunnelPort,
		PayloadLen:     64,
	}
}

func (c *GeneratorConfig) validate() error {
	if c.Flows <= 0 || c.PacketsPerFlow <= 0 {
		return errors.New(errors.KindValidation, "sim flows and packets_per_flow must be positive")
	}
	if c.Interval <= 0 {
		return errors.New(errors.KindValidation, "sim interval must be positive")
	}
	if !c.Src.Is4() || !c.Dst.Is4() {
		return errors.New(errors.KindValidation, "sim addresses must be IPv4")
	}
	return nil
}

// GeneratorStats counts what the generator emitted.
type GeneratorStats struct {
	// Sent went to the host port for software handling.
	Sent uint64
	// Offloaded matched an installed rule and went straight to the wire.
	Offloaded uint64
	// Dropped could not get a buffer or was refused by a full queue.
	Dropped uint64
	// Flows is how many distinct flows have been started.
	Flows uint64
}

type genFlow struct {
	src  netip.AddrPort
	sent int
}

// Generator emits tenant frames round-robin over a fixed number of live
// flows. A flow that has sent PacketsPerFlow frames is replaced by a fresh
// one, so aging and re-probing stay exercised. Frames matching a rule in the
// simulated engine bypass software the way the NIC datapath would.
type Generator struct {
	cfg    GeneratorConfig
	host   transport.Port
	wire   transport.Port
	engine *offload.SimEngine
	logger *logging.Logger

	flows    []genFlow
	nextPort uint16
	payload  []byte
	parser   *packet.Parser
	hdr      packet.Headers
	one      [1]*packet.Packet

	sent      atomic.Uint64
	offloaded atomic.Uint64
	dropped   atomic.Uint64
	started   atomic.Uint64
}

// NewGenerator sends on host. When engine and wire are both set, frames of
// offloaded flows are rewritten and sent on wire instead.
func NewGenerator(cfg GeneratorConfig, host, wire transport.Port, engine *offload.SimEngine, logger *logging.Logger) (*Generator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if host == nil {
		return nil, errors.New(errors.KindValidation, "sim generator requires a host port")
	}
	if cfg.TunnelPort == 0 {
		cfg.TunnelPort = packet.DefaultTunnelPort
	}
	if logger == nil {
		logger = logging.Default()
	}
	g := &Generator{
		cfg:      cfg,
		host:     host,
		wire:     wire,
		engine:   engine,
		logger:   logger.WithComponent("sim"),
		flows:    make([]genFlow, cfg.Flows),
		nextPort: cfg.BasePort,
		payload:  make([]byte, cfg.PayloadLen),
		parser:   packet.NewParser(),
	}
	for i := range g.flows {
		g.flows[i] = g.newFlow()
	}
	return g, nil
}

func (g *Generator) newFlow() genFlow {
	port := g.nextPort
	g.nextPort++
	if g.nextPort == 0 {
		g.nextPort = g.cfg.BasePort
	}
	g.started.Add(1)
	return genFlow{src: netip.AddrPortFrom(g.cfg.Src, port)}
}

// Tick emits one frame for every live flow and returns how many left.
func (g *Generator) Tick() int {
	dst := netip.AddrPortFrom(g.cfg.Dst, g.cfg.TunnelPort)
	n := 0
	for i := range g.flows {
		f := &g.flows[i]
		if g.emit(f.src, dst) {
			n++
		}
		f.sent++
		if f.sent >= g.cfg.PacketsPerFlow {
			g.flows[i] = g.newFlow()
		}
	}
	return n
}

func (g *Generator) emit(src, dst netip.AddrPort) bool {
	data, err := packet.UDPFrame{Src: src, Dst: dst, Payload: g.payload}.Encode()
	if err != nil {
		g.logger.Warn("encode sim frame", "error", err)
		g.dropped.Add(1)
		return false
	}

	if g.engine != nil && g.wire != nil {
		key := packet.KeyFrom(src, dst, 0)
		if act, ok := g.engine.Hit(offload.MatchFromKey(key)); ok {
			if g.send(g.wire, data, act.SetSrcPort) {
				g.offloaded.Add(1)
				return true
			}
			return false
		}
	}
	if g.send(g.host, data, 0) {
		g.sent.Add(1)
		return true
	}
	return false
}

// send copies data into a pooled buffer and transmits it, rewriting the
// source port when sport is nonzero.
func (g *Generator) send(port transport.Port, data []byte, sport uint16) bool {
	g.one[0] = nil
	if err := port.Alloc(g.one[:]); err != nil {
		g.dropped.Add(1)
		return false
	}
	pkt := g.one[0]
	pkt.Data = append(pkt.Data[:0], data...)
	if sport != 0 {
		if err := g.parser.Decode(pkt, &g.hdr); err == nil {
			packet.SetSourcePort(pkt, &g.hdr, sport)
		}
	}
	if port.Send(g.cfg.Queue, g.one[:]) == 0 {
		port.Free(pkt)
		g.one[0] = nil
		g.dropped.Add(1)
		return false
	}
	return true
}

// Run ticks every Interval until ctx ends.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("sim traffic started", "flows", g.cfg.Flows,
		"packets_per_flow", g.cfg.PacketsPerFlow, "interval", g.cfg.Interval)
	t := time.NewTicker(g.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			st := g.Stats()
			g.logger.Info("sim traffic stopped", "sent", st.Sent, "offloaded", st.Offloaded,
				"dropped", st.Dropped, "flows", st.Flows)
			return nil
		case <-t.C:
			g.Tick()
		}
	}
}

// Stats returns the counters.
func (g *Generator) Stats() GeneratorStats {
	return GeneratorStats{
		Sent:      g.sent.Load(),
		Offloaded: g.offloaded.Load(),
		Dropped:   g.dropped.Load(),
		Flows:     g.started.Load(),
	}
}
