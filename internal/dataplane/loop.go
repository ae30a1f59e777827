// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package dataplane

import (
	"context"
	"runtime"
	"time"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
	"grimm.is/arflow/internal/prober"
)

var ErrAlreadyRunning = errors.New(errors.KindConflict, "data plane worker already running")

// Run is the worker loop. It returns when ctx ends or Stop is called.
func (c *Context) Run(ctx context.Context) error {
	if c.closed.Load() {
		return errors.New(errors.KindUnavailable, "data plane closed")
	}
	select {
	case <-c.quit:
		return errors.New(errors.KindUnavailable, "data plane stopped")
	default:
	}
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		c.running.Store(false)
		close(c.stopped)
	}()

	c.logger.Info("worker started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("worker stopped", "reason", ctx.Err())
			return nil
		case <-c.quit:
			c.logger.Info("worker stopped", "reason", "quit")
			return nil
		default:
		}

		if c.Step(ctx) > 0 {
			continue
		}
		if c.cfg.IdleBackoff > 0 {
			time.Sleep(c.cfg.IdleBackoff)
		} else {
			runtime.Gosched()
		}
	}
}

// Step runs one iteration: one ingress burst forwarded, one round of async
// probe completions committed, one aging poll, one drain of the network
// port. It returns the number of frames moved.
func (c *Context) Step(ctx context.Context) int {
	c.iterations.Add(1)

	n := c.host.Receive(c.cfg.HostQueue, c.rx)
	for _, pkt := range c.rx[:n] {
		if c.process(ctx, pkt) {
			c.tx = append(c.tx, pkt)
		} else {
			c.host.Free(pkt)
		}
	}
	clear(c.rx[:n])

	if len(c.tx) > 0 {
		sent := c.net.Send(c.cfg.NetQueue, c.tx)
		if sent < len(c.tx) {
			c.net.Free(c.tx[sent:]...)
		}
		clear(c.tx)
		c.tx = c.tx[:0]
	}

	if c.cfg.Probe.Mode == prober.ModeAsync {
		c.commitCompleted()
	}
	c.lifecycle.ReapExpired(c.cfg.Lifecycle.AgedPerPoll)
	return n + c.drainNet()
}

// process steers one ingress frame. It reports whether the frame should be
// forwarded; false frames are freed by the caller.
func (c *Context) process(ctx context.Context, pkt *packet.Packet) bool {
	if err := c.parser.Decode(pkt, &c.hdr); err != nil || c.hdr.DstPort != c.cfg.TunnelPort {
		c.unsupported.Add(1)
		c.metrics.UnsupportedPacket()
		if c.logger.Enabled(logging.LevelDebug) {
			c.logger.Debug("unsupported ingress frame", "len", len(pkt.Data), "error", err, "policy", string(c.cfg.Unsupported))
		}
		return c.cfg.Unsupported == PolicyPass
	}

	key := c.hdr.Key(pkt.Hash)
	if conn, ok := c.table.Lookup(key); ok {
		if !conn.Offloaded() && int(conn.InstallAttempts) < c.cfg.Lifecycle.InstallAttempts {
			// Still table-only: try the hardware again.
			_ = c.lifecycle.Install(conn)
		}
		c.table.Hit(conn.ID)
		packet.SetSourcePort(pkt, &c.hdr, conn.Path)
		return true
	}

	if c.table.Len() >= c.table.Capacity() {
		// Full table: the flow keeps its own port, uncached and unprobed.
		c.admissionFailed(key, c.hdr.SrcPort, conntrack.ErrCapacityExhausted)
		return true
	}

	path, commit, pending := c.resolve(ctx, key)
	if pending {
		c.pendingForwards.Add(1)
		c.metrics.PendingForward()
		return true
	}
	if commit {
		if conn, ok := c.commit(key, path); ok {
			c.table.Hit(conn.ID)
		}
	}
	packet.SetSourcePort(pkt, &c.hdr, path)
	return true
}

// resolve picks a path for a flow the table does not know. pending means an
// async probe is in flight and the frame goes out unmodified.
func (c *Context) resolve(ctx context.Context, key packet.FlowKey) (path uint16, commit, pending bool) {
	own := c.hdr.SrcPort
	probe := c.cfg.Probe
	if probe.Scheme == prober.SchemeECMP {
		return own, true, false
	}

	if probe.Mode == prober.ModeSync {
		res, err := c.prober.Resolve(ctx, key, &c.hdr)
		if err != nil {
			// Shutting down: forward on the fallback without caching it.
			return res.Path, false, false
		}
		return res.Path, true, false
	}

	if _, ok := c.prober.Pending(key); ok {
		return own, false, true
	}
	if _, err := c.prober.Launch(ctx, key, &c.hdr); err != nil {
		c.logger.Warn("probe launch failed, keeping original path", "flow", key.String(), "error", err)
		return own, true, false
	}
	return own, false, true
}

// commit caches a resolved flow and tries to offload it. A full table is an
// admission failure: the caller still forwards on path, uncached.
func (c *Context) commit(key packet.FlowKey, path uint16) (conntrack.Connection, bool) {
	conn, err := c.table.Insert(key, path)
	switch {
	case err == nil:
	case errors.Is(err, conntrack.ErrDuplicateKey):
		return conn, true
	default:
		c.admissionFailed(key, path, err)
		return conntrack.Connection{}, false
	}

	// Install failures leave the connection table-only; Install logs them.
	_ = c.lifecycle.Install(conn)
	c.metrics.SetConnections(c.table.Len())
	return conn, true
}

func (c *Context) admissionFailed(key packet.FlowKey, path uint16, err error) {
	c.admissionFailures.Add(1)
	c.metrics.AdmissionFailed()
	c.logger.Warn("connection not cached", "flow", key.String(), "path", path, "error", err)
}

func (c *Context) commitCompleted() {
	c.completed = c.prober.Completed(c.completed[:0])
	for _, pr := range c.completed {
		res, ok := pr.Result()
		if !ok || res.Cancelled {
			continue
		}
		c.commit(pr.Key, res.Path)
	}
	clear(c.completed)
}

// drainNet empties one burst from the network port. Probe replies go to the
// prober in async mode; everything is freed.
func (c *Context) drainNet() int {
	n := c.net.Receive(c.cfg.NetQueue, c.drain)
	if n == 0 {
		return 0
	}
	async := c.cfg.Probe.Mode == prober.ModeAsync && c.cfg.Probe.Scheme == prober.SchemeAdaptive
	for _, pkt := range c.drain[:n] {
		if async {
			c.prober.Deliver(pkt)
		}
	}
	c.net.Free(c.drain[:n]...)
	clear(c.drain[:n])
	return n
}
