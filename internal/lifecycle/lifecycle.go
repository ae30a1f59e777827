// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package lifecycle ties connections to offload rules: it installs a rule
// when a flow is resolved, reaps rules the engine reports idle, and turns
// each reap into an eviction for the connection table.
package lifecycle

import (
	"time"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/metrics"
	"grimm.is/arflow/internal/offload"
)

const (
	DefaultIdleTimeout     = 10 * time.Second
	DefaultAgedPerPoll     = 16
	DefaultDeleteRetries   = 3
	DefaultInstallAttempts = 3
)

// Config tunes rule installation and aging.
type Config struct {
	IdleTimeout time.Duration
	AgedPerPoll int
	// DeleteRetries bounds how many reaps retry a rule whose deletion failed
	// before the connection is left for Flush.
	DeleteRetries int
	// InstallAttempts bounds installs per connection; later packets of a
	// table-only connection retry until it is reached.
	InstallAttempts int
}

// DefaultConfig returns the default lifecycle configuration.
func DefaultConfig() *Config {
	return &Config{
		IdleTimeout:     DefaultIdleTimeout,
		AgedPerPoll:     DefaultAgedPerPoll,
		DeleteRetries:   DefaultDeleteRetries,
		InstallAttempts: DefaultInstallAttempts,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.IdleTimeout <= 0 {
		return errors.Errorf(errors.KindValidation, "idle timeout must be positive, got %s", c.IdleTimeout)
	}
	if c.AgedPerPoll <= 0 {
		return errors.Errorf(errors.KindValidation, "aged_per_poll must be positive, got %d", c.AgedPerPoll)
	}
	if c.DeleteRetries < 0 || c.InstallAttempts < 1 {
		return errors.New(errors.KindValidation, "delete_retries must be >= 0 and install_attempts >= 1")
	}
	return nil
}

// Table is the connection owner the manager reports to.
type Table interface {
	AttachRule(id conntrack.ConnID, rule offload.RuleHandle) error
	NoteInstallAttempt(id conntrack.ConnID) (uint8, error)
	Evict(ev conntrack.Eviction) error
	Snapshot() []conntrack.Connection
	Len() int
}

// ErrInstallBudget is returned once a connection has used its install attempts.
var ErrInstallBudget = errors.New(errors.KindExhausted, "install attempts exhausted")

type failedDelete struct {
	aged     offload.AgedRule
	attempts int
}

// Manager owns the rule side of every connection. It is driven by the packet
// worker and is not safe for concurrent use.
type Manager struct {
	cfg     Config
	engine  offload.Engine
	table   Table
	logger  *logging.Logger
	metrics *metrics.Metrics

	aged    []offload.AgedRule
	retries []failedDelete
	leaked  []offload.AgedRule
}

// New returns a manager installing into engine and evicting from table.
func New(cfg *Config, engine offload.Engine, table Table, logger *logging.Logger, m *metrics.Metrics) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if engine == nil || table == nil {
		return nil, errors.New(errors.KindValidation, "lifecycle manager requires an engine and a table")
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		cfg:     *cfg,
		engine:  engine,
		table:   table,
		logger:  logger.WithComponent("lifecycle"),
		metrics: m,
		aged:    make([]offload.AgedRule, 0, cfg.AgedPerPoll),
	}, nil
}

// Install pins conn's path into hardware. On failure the connection stays
// table-only and its packets keep being rewritten in software.
func (m *Manager) Install(conn conntrack.Connection) error {
	if conn.Offloaded() {
		return nil
	}
	n, err := m.table.NoteInstallAttempt(conn.ID)
	if err != nil {
		return err
	}
	if int(n) > m.cfg.InstallAttempts {
		return ErrInstallBudget
	}

	h, err := m.engine.CreateRule(offload.Rule{
		Match:       offload.MatchFromKey(conn.Key),
		Action:      offload.Action{SetSrcPort: conn.Path},
		IdleTimeout: m.cfg.IdleTimeout,
		UserData:    conn.ID.Pack(),
	})
	if err != nil {
		m.metrics.RuleInstallFailed()
		m.logger.Warn("rule install failed, flow stays in software",
			"flow", conn.Key.String(), "attempt", n, "error", err)
		return err
	}

	if err := m.table.AttachRule(conn.ID, h); err != nil {
		// The connection went away or already has a rule; do not leak this one.
		if derr := m.engine.DeleteRule(h); derr != nil {
			m.logger.Error("orphan rule delete failed", "rule", h.String(), "error", derr)
		}
		return err
	}
	m.metrics.RuleInstalled()
	m.logger.Debug("rule installed", "flow", conn.Key.String(), "path", conn.Path, "rule", h.String())
	return nil
}

// ReapExpired handles up to maxBatch aging reports, earlier failed deletions
// first. Each rule is deleted before its connection is evicted; a rule that
// cannot be deleted keeps its connection. It returns the number of rules
// reaped.
func (m *Manager) ReapExpired(maxBatch int) int {
	if maxBatch <= 0 {
		maxBatch = m.cfg.AgedPerPoll
	}
	reaped := 0
	budget := maxBatch

	if len(m.retries) > 0 {
		pending := m.retries
		m.retries = nil
		for i, fd := range pending {
			if budget == 0 {
				m.retries = append(m.retries, pending[i:]...)
				break
			}
			budget--
			if m.reap(fd.aged, fd.attempts) {
				reaped++
			}
		}
	}
	if budget == 0 {
		return reaped
	}

	m.aged = m.engine.PollAged(m.aged[:0], budget)
	for _, a := range m.aged {
		m.metrics.RuleAged()
		if m.reap(a, 0) {
			reaped++
		}
	}
	if reaped > 0 {
		m.metrics.SetConnections(m.table.Len())
	}
	return reaped
}

// reap deletes one aged rule and evicts its connection. attempts counts
// earlier failed deletions of the same rule.
func (m *Manager) reap(a offload.AgedRule, attempts int) bool {
	id := conntrack.UnpackConnID(a.UserData)
	if err := m.engine.DeleteRule(a.Handle); err != nil && !errors.Is(err, offload.ErrUnknownRule) {
		m.metrics.RuleDeleteFailed()
		attempts++
		if attempts > m.cfg.DeleteRetries {
			m.logger.Error("giving up on rule delete, connection kept until flush",
				"rule", a.Handle.String(), "conn", id.String(), "attempts", attempts, "error", err)
			m.leaked = append(m.leaked, a)
			return false
		}
		m.logger.Warn("aged rule delete failed, will retry",
			"rule", a.Handle.String(), "conn", id.String(), "attempt", attempts, "error", err)
		m.retries = append(m.retries, failedDelete{aged: a, attempts: attempts})
		return false
	}

	err := m.table.Evict(conntrack.Eviction{Reason: conntrack.EvictAged, Conn: id, Rule: a.Handle})
	switch {
	case err == nil:
		m.metrics.Evicted(conntrack.EvictAged.String())
	case errors.Is(err, conntrack.ErrNotFound):
		// Connection already recycled: the rule was all that was left.
		m.logger.Debug("aged rule had no live connection", "rule", a.Handle.String(), "conn", id.String())
	default:
		m.logger.Error("eviction failed", "conn", id.String(), "error", err)
	}
	return true
}

// Flush deletes every rule and evicts every connection, offloaded or not.
// It is the teardown path for the port and returns the number of
// connections evicted.
func (m *Manager) Flush() int {
	evicted := 0
	for _, c := range m.table.Snapshot() {
		if !c.Rule.IsZero() {
			if err := m.engine.DeleteRule(c.Rule); err != nil && !errors.Is(err, offload.ErrUnknownRule) {
				m.metrics.RuleDeleteFailed()
				m.logger.Warn("rule delete failed during flush", "rule", c.Rule.String(), "error", err)
			}
		}
		if err := m.table.Evict(conntrack.Eviction{Reason: conntrack.EvictFlushed, Conn: c.ID}); err != nil {
			m.logger.Warn("flush eviction failed", "conn", c.ID.String(), "error", err)
			continue
		}
		m.metrics.Evicted(conntrack.EvictFlushed.String())
		evicted++
	}
	m.retries = nil
	m.leaked = nil
	m.metrics.SetConnections(m.table.Len())
	if evicted > 0 {
		m.logger.Info("flushed connections", "count", evicted)
	}
	return evicted
}

// PendingDeletes is the number of rules waiting for a delete retry.
func (m *Manager) PendingDeletes() int { return len(m.retries) }

// Leaked is the number of rules abandoned after exhausting delete retries.
func (m *Manager) Leaked() int { return len(m.leaked) }

// Config returns the active configuration.
func (m *Manager) Config() Config { return m.cfg }
