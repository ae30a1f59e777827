// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package prober picks a network path for a new flow by racing one probe per
// candidate path. Candidate i is the flow's own UDP source port plus i, which
// the ECMP fabric hashes onto a different path; the far side bounces probes
// back and the first reply to arrive names the winner.
package prober

import (
	"context"
	"math/rand/v2"
	"runtime"
	"sync"
	"time"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/metrics"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/transport"
)

// Scheme selects how new flows get their path.
type Scheme string

const (
	// SchemeAdaptive probes candidate paths.
	SchemeAdaptive Scheme = "adaptive"
	// SchemeECMP keeps the flow's own source port and never probes.
	SchemeECMP Scheme = "ecmp"
)

// Mode selects whether resolution blocks the caller.
type Mode string

const (
	ModeSync  Mode = "sync"
	ModeAsync Mode = "async"
)

const (
	DefaultCandidates = 4
	DefaultDeadline   = 50 * time.Millisecond
	// MaxCandidates keeps source port offsets inside one byte of headroom.
	MaxCandidates = 64
	// replyBurst is the receive burst while polling for replies.
	replyBurst = 32
)

var (
	ErrProbePending = errors.New(errors.KindConflict, "probe already in flight for flow")
	ErrNoProbesSent = errors.New(errors.KindUnavailable, "no probes could be sent")
)

// Config tunes the prober.
type Config struct {
	Scheme     Scheme
	Mode       Mode
	Candidates int
	Deadline   time.Duration
	ReplyPort  uint16
	Queue      int
}

// DefaultConfig returns synchronous adaptive probing over four candidates.
func DefaultConfig() *Config {
	return &Config{
		Scheme:     SchemeAdaptive,
		Mode:       ModeSync,
		Candidates: DefaultCandidates,
		Deadline:   DefaultDeadline,
		ReplyPort:  packet.DefaultReplyPort,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Scheme {
	case SchemeAdaptive, SchemeECMP:
	default:
		return errors.Errorf(errors.KindValidation, "unknown probe scheme %q", c.Scheme)
	}
	switch c.Mode {
	case ModeSync, ModeAsync:
	default:
		return errors.Errorf(errors.KindValidation, "unknown probe mode %q", c.Mode)
	}
	if c.Candidates < 1 || c.Candidates > MaxCandidates {
		return errors.Errorf(errors.KindValidation, "probe candidates must be in [1, %d], got %d", MaxCandidates, c.Candidates)
	}
	if c.Deadline <= 0 {
		return errors.Errorf(errors.KindValidation, "probe deadline must be positive, got %s", c.Deadline)
	}
	return nil
}

// Result is the outcome of one probe round.
type Result struct {
	Path      uint16
	TimedOut  bool
	Cancelled bool
	Latency   time.Duration
	Token     packet.ProbeToken
	Sent      int
}

// Prober sends probes on, and reads replies from, the network-side port.
// Resolve, Launch, Deliver and Completed belong to the packet worker; Probe
// futures and Outstanding may be used from any goroutine.
type Prober struct {
	cfg     Config
	port    transport.Port
	clock   clock.Clock
	logger  *logging.Logger
	metrics *metrics.Metrics
	tokens  func() uint64

	builder *packet.ProbeBuilder
	parser  *packet.Parser
	hdr     packet.Headers
	out     []*packet.Packet
	rx      []*packet.Packet

	mu      sync.Mutex
	byToken map[uint64]*Probe
	byKey   map[packet.FlowKey]*Probe
	done    []*Probe
}

// New returns a prober sending on port.
func New(cfg *Config, port transport.Port, clk clock.Clock, logger *logging.Logger, m *metrics.Metrics) (*Prober, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if port == nil {
		return nil, errors.New(errors.KindValidation, "prober requires a network port")
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Prober{
		cfg:     *cfg,
		port:    port,
		clock:   clk,
		logger:  logger.WithComponent("prober"),
		metrics: m,
		tokens:  rand.Uint64,
		builder: packet.NewProbeBuilder(),
		parser:  packet.NewParser(),
		out:     make([]*packet.Packet, cfg.Candidates),
		rx:      make([]*packet.Packet, replyBurst),
		byToken: make(map[uint64]*Probe),
		byKey:   make(map[packet.FlowKey]*Probe),
	}, nil
}

// Config returns the active configuration.
func (p *Prober) Config() Config { return p.cfg }

// SetTokenSource replaces the flow id generator.
func (p *Prober) SetTokenSource(fn func() uint64) {
	if fn != nil {
		p.tokens = fn
	}
}

func (p *Prober) newToken() packet.ProbeToken {
	return packet.ProbeToken{Timestamp: p.clock.Mono(), FlowID: p.tokens()}
}

// send emits one probe per candidate. Buffers the port refuses are freed.
func (p *Prober) send(h *packet.Headers, tok packet.ProbeToken) (int, error) {
	out := p.out
	defer clear(out)

	if err := p.port.Alloc(out); err != nil {
		return 0, err
	}
	for i, pkt := range out {
		if err := p.builder.Build(pkt, h, i, tok); err != nil {
			p.port.Free(out...)
			return 0, err
		}
	}
	n := p.port.Send(p.cfg.Queue, out)
	if n < len(out) {
		p.port.Free(out[n:]...)
	}
	p.metrics.ProbeRound(n)
	return n, nil
}

// parseReply decodes pkt as a probe reply. Worker only.
func (p *Prober) parseReply(pkt *packet.Packet) (path uint16, tok packet.ProbeToken, ok bool) {
	if p.parser.Decode(pkt, &p.hdr) != nil || !packet.IsProbeReply(&p.hdr, p.cfg.ReplyPort) {
		return 0, packet.ProbeToken{}, false
	}
	tok, ok = packet.ParseProbeToken(p.hdr.Payload(pkt))
	return p.hdr.SrcPort, tok, ok
}

// Resolve probes every candidate path for the flow described by h and
// busy-polls the network port until a reply carrying this round's token
// arrives or the deadline passes. On timeout the flow keeps its own source
// port. Everything else read during the round is discarded.
func (p *Prober) Resolve(ctx context.Context, key packet.FlowKey, h *packet.Headers) (Result, error) {
	tok := p.newToken()
	res := Result{Path: h.SrcPort, Token: tok}

	sent, err := p.send(h, tok)
	res.Sent = sent
	if err != nil || sent == 0 {
		p.logger.Error("probe send failed, keeping original path", "flow", key.String(), "error", err)
		return res, nil
	}
	res.TimedOut = true

	for clock.Since(p.clock, tok.Timestamp) < p.cfg.Deadline {
		if err := ctx.Err(); err != nil {
			res.TimedOut = false
			res.Cancelled = true
			return res, err
		}
		n := p.port.Receive(p.cfg.Queue, p.rx)
		if n == 0 {
			runtime.Gosched()
			continue
		}
		batch := p.rx[:n]
		for _, pkt := range batch {
			path, got, ok := p.parseReply(pkt)
			if !ok {
				continue
			}
			if got.FlowID != tok.FlowID {
				p.metrics.StaleReply()
				continue
			}
			p.port.Free(batch...)
			clear(batch)
			res.Path = path
			res.TimedOut = false
			res.Latency = clock.Since(p.clock, tok.Timestamp)
			p.metrics.ProbeResolved(res.Latency)
			return res, nil
		}
		p.port.Free(batch...)
		clear(batch)
	}

	p.logger.Error("probe timed out, keeping original path",
		"flow", key.String(), "deadline", p.cfg.Deadline, "probes", sent)
	p.metrics.ProbeTimedOut()
	return res, nil
}
