// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package dataplane runs the adaptive routing worker. A Context owns every
// component of one agent instance: the connection table, the prober, the
// rule lifecycle manager and the two ports it forwards between. Its worker
// loop reads tunnel traffic from the host port, steers each flow onto the
// path chosen for it, and sends it out the network port.
package dataplane

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/lifecycle"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/metrics"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/prober"
	"grimm.is/arflow/internal/transport"
)

// Counters are the worker's packet disposition totals.
type Counters struct {
	Iterations        uint64 `json:"iterations"`
	Unsupported       uint64 `json:"unsupported"`
	AdmissionFailures uint64 `json:"admission_failures"`
	PendingForwards   uint64 `json:"pending_forwards"`

	Table conntrack.Stats `json:"table"`
}

// Context is the adaptive routing context: one per agent, created at startup
// and passed explicitly to everything that needs it.
type Context struct {
	ID uuid.UUID

	cfg       Config
	host      *transport.CountedPort
	net       *transport.CountedPort
	engine    offload.Engine
	table     *conntrack.Table
	prober    *prober.Prober
	lifecycle *lifecycle.Manager
	clock     clock.Clock
	logger    *logging.Logger
	metrics   *metrics.Metrics

	// Worker-owned scratch.
	parser    *packet.Parser
	hdr       packet.Headers
	rx        []*packet.Packet
	tx        []*packet.Packet
	drain     []*packet.Packet
	completed []*prober.Probe

	iterations        atomic.Uint64
	unsupported       atomic.Uint64
	admissionFailures atomic.Uint64
	pendingForwards   atomic.Uint64

	running  atomic.Bool
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool
}

// Options carries the collaborators a Context is built around.
type Options struct {
	Host    transport.Port
	Net     transport.Port
	Engine  offload.Engine
	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// New validates cfg and builds the table, prober and lifecycle manager
// around the given ports and engine. The two ports must share a buffer pool,
// since frames received on one are sent, and freed, on the other.
func New(cfg *Config, opts Options) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Host == nil || opts.Net == nil || opts.Engine == nil {
		return nil, errors.New(errors.KindValidation, "data plane requires host and network ports and an offload engine")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}

	c := &Context{
		ID:      uuid.New(),
		cfg:     *cfg,
		host:    counted(opts.Host),
		net:     counted(opts.Net),
		engine:  opts.Engine,
		clock:   opts.Clock,
		metrics: opts.Metrics,
		parser:  packet.NewParser(),
		rx:      make([]*packet.Packet, cfg.Burst),
		tx:      make([]*packet.Packet, 0, cfg.Burst),
		drain:   make([]*packet.Packet, cfg.Burst),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.logger = opts.Logger.WithComponent("dataplane").With("instance", c.ID.String())

	var err error
	if c.table, err = conntrack.NewTable(cfg.Conntrack, opts.Clock, opts.Logger); err != nil {
		return nil, err
	}
	if c.prober, err = prober.New(cfg.Probe, c.net, opts.Clock, opts.Logger, opts.Metrics); err != nil {
		return nil, err
	}
	if c.lifecycle, err = lifecycle.New(cfg.Lifecycle, opts.Engine, c.table, opts.Logger, opts.Metrics); err != nil {
		return nil, err
	}
	opts.Metrics.SetPortSource(c.PortStats)

	c.logger.Info("adaptive routing context ready",
		"host_port", c.host.Name(),
		"net_port", c.net.Name(),
		"scheme", string(cfg.Probe.Scheme),
		"mode", string(cfg.Probe.Mode),
		"candidates", cfg.Probe.Candidates,
		"deadline", cfg.Probe.Deadline,
		"capacity", cfg.Conntrack.Capacity,
		"idle_timeout", cfg.Lifecycle.IdleTimeout)
	return c, nil
}

func counted(p transport.Port) *transport.CountedPort {
	if cp, ok := p.(*transport.CountedPort); ok {
		return cp
	}
	return transport.Counted(p)
}

func (c *Context) Config() Config                   { return c.cfg }
func (c *Context) Table() *conntrack.Table          { return c.table }
func (c *Context) Engine() offload.Engine           { return c.engine }
func (c *Context) Prober() *prober.Prober           { return c.prober }
func (c *Context) Lifecycle() *lifecycle.Manager    { return c.lifecycle }
func (c *Context) HostPort() *transport.CountedPort { return c.host }
func (c *Context) NetPort() *transport.CountedPort  { return c.net }

// Connections snapshots the connection table.
func (c *Context) Connections() []conntrack.Connection { return c.table.Snapshot() }

// Rules lists the rules the offload engine holds.
func (c *Context) Rules() []offload.InstalledRule { return c.engine.Rules() }

// PortStats returns host then network port counters.
func (c *Context) PortStats() []transport.Stats {
	return []transport.Stats{c.host.Stats(), c.net.Stats()}
}

// NICStats returns driver counters for each port that has them.
func (c *Context) NICStats() map[string]map[string]uint64 {
	out := make(map[string]map[string]uint64, 2)
	for _, p := range []*transport.CountedPort{c.host, c.net} {
		if st, err := p.NICStats(); err == nil {
			out[p.Name()] = st
		}
	}
	return out
}

// Counters returns the worker's disposition totals.
func (c *Context) Counters() Counters {
	return Counters{
		Iterations:        c.iterations.Load(),
		Unsupported:       c.unsupported.Load(),
		AdmissionFailures: c.admissionFailures.Load(),
		PendingForwards:   c.pendingForwards.Load(),
		Table:             c.table.Stats(),
	}
}

// Running reports whether the worker loop is active.
func (c *Context) Running() bool { return c.running.Load() }

// Stop asks the worker to quit and waits for it. Safe to call more than once
// and from any goroutine.
func (c *Context) Stop() {
	c.stopOnce.Do(func() { close(c.quit) })
	if c.running.Load() {
		<-c.stopped
	}
}

// Stopping is closed once Stop has been called.
func (c *Context) Stopping() <-chan struct{} { return c.quit }

// Close stops the worker, flushes every connection and rule, then closes the
// engine and both ports.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.Stop()
	c.prober.CancelAll()
	flushed := c.lifecycle.Flush()

	var errs []error
	if err := c.engine.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, errors.KindInternal, "close offload engine"))
	}
	if err := c.host.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, errors.KindInternal, "close host port"))
	}
	if err := c.net.Close(); err != nil {
		errs = append(errs, errors.Wrap(err, errors.KindInternal, "close network port"))
	}
	c.logger.Info("adaptive routing context closed", "flushed", flushed)
	return errors.Join(errs...)
}
