// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"sort"
	"sync"
	"time"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
)

type simRule struct {
	rule        Rule
	handle      RuleHandle
	installedAt time.Time
	installMono uint64
	lastUsed    uint64
	aged        bool
	reported    bool
}

// SimEngine is an in-memory engine. Idle aging follows the supplied clock,
// and Hit stands in for the hardware datapath refreshing a rule. Failure
// hooks let tests make create or delete calls fail.
type SimEngine struct {
	mu      sync.Mutex
	clock   clock.Clock
	logger  *logging.Logger
	handles *handleArena
	rules   map[uint32]*simRule
	byMatch map[Match]RuleHandle
	ring    *scanRing
	scan    int
	closed  bool

	// FailCreate, when set, is consulted before each install.
	FailCreate func(Rule) error
	// FailDelete, when set, is consulted before each delete.
	FailDelete func(RuleHandle) error
}

// NewSimEngine returns an empty simulated engine.
func NewSimEngine(cfg *Config, clk clock.Clock, logger *logging.Logger) (*SimEngine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &SimEngine{
		clock:   clk,
		logger:  logger.WithComponent("offload-sim"),
		handles: newHandleArena(cfg.MaxRules),
		rules:   make(map[uint32]*simRule),
		byMatch: make(map[Match]RuleHandle),
		ring:    newScanRing(cfg.MaxRules),
		scan:    cfg.scanPerPoll(),
	}, nil
}

func (e *SimEngine) CreateRule(r Rule) (RuleHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return RuleHandle{}, ErrEngineClosed
	}
	if e.FailCreate != nil {
		if err := e.FailCreate(r); err != nil {
			return RuleHandle{}, err
		}
	}
	if _, ok := e.byMatch[r.Match]; ok {
		return RuleHandle{}, errors.Attr(ErrDuplicateRule, "match", r.Match.String())
	}
	h, ok := e.handles.alloc()
	if !ok {
		return RuleHandle{}, ErrRuleTableFull
	}
	mono := e.clock.Mono()
	e.rules[h.Index] = &simRule{
		rule:        r,
		handle:      h,
		installedAt: e.clock.Now(),
		installMono: mono,
		lastUsed:    mono,
	}
	e.byMatch[r.Match] = h
	e.ring.add(h.Index)
	return h, nil
}

func (e *SimEngine) DeleteRule(h RuleHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.FailDelete != nil {
		if err := e.FailDelete(h); err != nil {
			return err
		}
	}
	sr, ok := e.rules[h.Index]
	if !ok || sr.handle != h {
		return errors.Attr(ErrUnknownRule, "rule", h.String())
	}
	delete(e.rules, h.Index)
	delete(e.byMatch, sr.rule.Match)
	e.ring.remove(h.Index)
	e.handles.release(h)
	return nil
}

// Hit emulates a packet matching an installed rule in hardware: the rule's
// idle timer restarts and its action is returned. Aged rules no longer match.
func (e *SimEngine) Hit(m Match) (Action, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.byMatch[m]
	if !ok {
		return Action{}, false
	}
	sr := e.rules[h.Index]
	if sr.aged {
		return Action{}, false
	}
	sr.lastUsed = e.clock.Mono()
	return sr.rule.Action, true
}

func (e *SimEngine) PollAged(dst []AgedRule, max int) []AgedRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || max <= 0 {
		return dst
	}
	now := e.clock.Mono()

	n := 0
	for budget := e.ring.budget(e.scan); budget > 0 && n < max; budget-- {
		sr := e.rules[e.ring.next()]
		if sr.reported {
			continue
		}
		if !sr.aged {
			if sr.rule.IdleTimeout <= 0 || now-sr.lastUsed < uint64(sr.rule.IdleTimeout) {
				continue
			}
			sr.aged = true
		}
		sr.reported = true
		dst = append(dst, AgedRule{Handle: sr.handle, UserData: sr.rule.UserData})
		n++
	}
	return dst
}

func (e *SimEngine) Rules() []InstalledRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InstalledRule, 0, len(e.rules))
	for _, sr := range e.rules {
		out = append(out, InstalledRule{
			Handle:      sr.handle,
			Rule:        sr.rule,
			InstalledAt: sr.installedAt,
			LastUsed:    sr.installedAt.Add(time.Duration(sr.lastUsed - sr.installMono)),
			Aged:        sr.aged,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Handle.Index < out[b].Handle.Index })
	return out
}

// Len is the number of installed rules.
func (e *SimEngine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

func (e *SimEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if n := len(e.rules); n > 0 {
		e.logger.Warn("closing engine with installed rules", "rules", n)
	}
	return nil
}
