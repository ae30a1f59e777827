// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package prober

import (
	"context"
	"time"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/packet"
)

// Probe is an in-flight probe round started by Launch. It completes when a
// reply is delivered, its deadline passes, its context ends, or Cancel is
// called, whichever comes first.
type Probe struct {
	Key   packet.FlowKey
	Token packet.ProbeToken

	ctx      context.Context
	prober   *Prober
	fallback uint16
	sent     int
	deadline uint64

	done     chan struct{}
	finished bool
	result   Result
}

// Done is closed once the probe has a result.
func (pr *Probe) Done() <-chan struct{} { return pr.done }

// Result returns the outcome, or false while the probe is still in flight.
func (pr *Probe) Result() (Result, bool) {
	select {
	case <-pr.done:
		return pr.result, true
	default:
		return Result{}, false
	}
}

// Cancel abandons the round. The flow keeps its own path and the cancelled
// result is not committed by the worker.
func (pr *Probe) Cancel() {
	p := pr.prober
	p.mu.Lock()
	defer p.mu.Unlock()
	p.finishLocked(pr, Result{Path: pr.fallback, Cancelled: true, Token: pr.Token, Sent: pr.sent})
}

// Launch sends the probes for a flow and returns without waiting. At most
// one round per flow is in flight; a second Launch returns the existing
// probe with ErrProbePending.
func (p *Prober) Launch(ctx context.Context, key packet.FlowKey, h *packet.Headers) (*Probe, error) {
	p.mu.Lock()
	if pr, ok := p.byKey[key]; ok {
		p.mu.Unlock()
		return pr, ErrProbePending
	}
	p.mu.Unlock()

	tok := p.newToken()
	sent, err := p.send(h, tok)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "send probes")
	}
	if sent == 0 {
		return nil, ErrNoProbesSent
	}

	pr := &Probe{
		Key:      key,
		Token:    tok,
		ctx:      ctx,
		prober:   p,
		fallback: h.SrcPort,
		sent:     sent,
		deadline: tok.Timestamp + uint64(p.cfg.Deadline),
		done:     make(chan struct{}),
	}
	p.mu.Lock()
	p.byToken[tok.FlowID] = pr
	p.byKey[key] = pr
	p.mu.Unlock()
	return pr, nil
}

// Deliver offers a frame read from the network port to the outstanding
// probes. It reports whether the frame was a probe reply, matched or not;
// the caller still owns and frees the frame.
func (p *Prober) Deliver(pkt *packet.Packet) bool {
	path, tok, ok := p.parseReply(pkt)
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.byToken[tok.FlowID]
	if !ok || pr.Token != tok {
		p.metrics.StaleReply()
		return true
	}
	latency := clock.Since(p.clock, pr.Token.Timestamp)
	p.finishLocked(pr, Result{Path: path, Latency: latency, Token: tok, Sent: pr.sent})
	p.metrics.ProbeResolved(latency)
	return true
}

// Expire completes probes whose deadline has passed or whose context ended.
func (p *Prober) Expire() int {
	now := p.clock.Mono()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, pr := range p.byToken {
		switch {
		case now >= pr.deadline:
			p.logger.Error("probe timed out, keeping original path",
				"flow", pr.Key.String(), "deadline", p.cfg.Deadline, "probes", pr.sent)
			p.metrics.ProbeTimedOut()
			p.finishLocked(pr, Result{Path: pr.fallback, TimedOut: true, Token: pr.Token, Sent: pr.sent})
		case pr.ctx != nil && pr.ctx.Err() != nil:
			p.finishLocked(pr, Result{Path: pr.fallback, Cancelled: true, Token: pr.Token, Sent: pr.sent})
		default:
			continue
		}
		n++
	}
	return n
}

// Completed expires overdue probes, then appends every probe finished since
// the last call to dst.
func (p *Prober) Completed(dst []*Probe) []*Probe {
	p.Expire()
	p.mu.Lock()
	defer p.mu.Unlock()
	dst = append(dst, p.done...)
	clear(p.done)
	p.done = p.done[:0]
	return dst
}

// Pending returns the in-flight probe for key.
func (p *Prober) Pending(key packet.FlowKey) (*Probe, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.byKey[key]
	return pr, ok
}

// Outstanding is the number of probes in flight.
func (p *Prober) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byToken)
}

// CancelAll abandons every in-flight probe.
func (p *Prober) CancelAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, pr := range p.byToken {
		p.finishLocked(pr, Result{Path: pr.fallback, Cancelled: true, Token: pr.Token, Sent: pr.sent})
	}
}

func (p *Prober) finishLocked(pr *Probe, res Result) {
	if pr.finished {
		return
	}
	pr.finished = true
	pr.result = res
	delete(p.byToken, pr.Token.FlowID)
	if cur, ok := p.byKey[pr.Key]; ok && cur == pr {
		delete(p.byKey, pr.Key)
	}
	close(pr.done)
	p.done = append(p.done, pr)
}

// Remaining is how long until pr's deadline.
func (pr *Probe) Remaining() time.Duration {
	now := pr.prober.clock.Mono()
	if now >= pr.deadline {
		return 0
	}
	return time.Duration(pr.deadline - now)
}
