// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package offload is the boundary to the hardware flow-offload engine. An
// Engine installs match-action rules that rewrite a flow's UDP source port,
// ages them out after an idle timeout, and reports aged rules back so their
// owners can reclaim state.
package offload

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/packet"
)

var (
	ErrRuleTableFull = errors.New(errors.KindExhausted, "offload rule table full")
	ErrUnknownRule   = errors.New(errors.KindNotFound, "unknown offload rule")
	ErrDuplicateRule = errors.New(errors.KindConflict, "offload rule already installed for match")
	ErrEngineClosed  = errors.New(errors.KindUnavailable, "offload engine closed")
)

// Match selects packets by their IPv4/UDP 4-tuple.
type Match struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort uint16
	DstPort uint16
}

// MatchFromKey drops the dispatch hash from key; hardware matches headers only.
func MatchFromKey(key packet.FlowKey) Match {
	return Match{SrcIP: key.SrcIP, DstIP: key.DstIP, SrcPort: key.SrcPort, DstPort: key.DstPort}
}

func (m Match) String() string {
	return fmt.Sprintf("%s->%s",
		netip.AddrPortFrom(netip.AddrFrom4(m.SrcIP), m.SrcPort),
		netip.AddrPortFrom(netip.AddrFrom4(m.DstIP), m.DstPort))
}

// Action is applied to every matching packet before it leaves on the network
// port.
type Action struct {
	SetSrcPort uint16
}

// Rule is one match-action entry.
type Rule struct {
	Match       Match
	Action      Action
	IdleTimeout time.Duration
	// UserData is handed back verbatim in aging reports.
	UserData uint64
}

// AgedRule is an aging report: the rule saw no traffic for its idle timeout.
type AgedRule struct {
	Handle   RuleHandle
	UserData uint64
}

// InstalledRule describes a rule currently held by an engine.
type InstalledRule struct {
	Handle      RuleHandle
	Rule        Rule
	InstalledAt time.Time
	LastUsed    time.Time
	Aged        bool
}

// Engine is a flow-offload engine bound to one port.
//
// PollAged appends at most max newly aged rules to dst and returns it. Each
// aging event is reported once; an aged rule stays installed until DeleteRule.
type Engine interface {
	CreateRule(r Rule) (RuleHandle, error)
	DeleteRule(h RuleHandle) error
	PollAged(dst []AgedRule, max int) []AgedRule
	Rules() []InstalledRule
	Close() error
}

// Kind names an engine implementation in configuration.
type Kind string

const (
	KindSim Kind = "sim"
	KindBPF Kind = "bpf"
)

const (
	// DefaultMaxRules is the rule capacity when unconfigured.
	DefaultMaxRules = 16384
	// DefaultScanPerPoll bounds the rules one PollAged call examines.
	DefaultScanPerPoll = 256
)

// Config selects and sizes an engine.
type Config struct {
	Kind     Kind
	MaxRules int
	// PinPath, for the bpf engine, pins the rule map so a datapath program
	// loaded elsewhere can share it.
	PinPath string
	// ScanPerPoll caps the installed rules one PollAged call examines,
	// whatever max is. Zero means DefaultScanPerPoll.
	ScanPerPoll int
}

// DefaultConfig returns a simulated engine configuration.
func DefaultConfig() *Config {
	return &Config{Kind: KindSim, MaxRules: DefaultMaxRules}
}

func (c *Config) validate() error {
	if c.MaxRules <= 0 {
		return errors.Errorf(errors.KindValidation, "offload max_rules must be positive, got %d", c.MaxRules)
	}
	if c.ScanPerPoll < 0 {
		return errors.Errorf(errors.KindValidation, "offload scan_per_poll must not be negative, got %d", c.ScanPerPoll)
	}
	return nil
}

func (c *Config) scanPerPoll() int {
	if c.ScanPerPoll == 0 {
		return DefaultScanPerPoll
	}
	return c.ScanPerPoll
}

// New builds the engine named by cfg.Kind.
func New(cfg *Config, clk clock.Clock, logger *logging.Logger) (Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Kind {
	case KindSim, "":
		return NewSimEngine(cfg, clk, logger)
	case KindBPF:
		return NewMapEngine(cfg, clk, logger)
	}
	return nil, errors.Errorf(errors.KindValidation, "unknown offload engine %q", cfg.Kind)
}
