// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"encoding/binary"
	"sort"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
)

// RuleMapName is the name of the BPF hash map holding offload rules.
const RuleMapName = "arflow_rules"

// ruleKey mirrors the datapath's struct flow_key. Ports are big-endian so the
// program can compare them straight off the wire.
type ruleKey struct {
	SrcIP   [4]byte
	DstIP   [4]byte
	SrcPort [2]byte
	DstPort [2]byte
}

// ruleValue mirrors struct flow_action. LastUsed is CLOCK_MONOTONIC
// nanoseconds, refreshed by the datapath on every hit.
type ruleValue struct {
	LastUsed uint64
	UserData uint64
	SrcPort  [2]byte
	Flags    uint16
	Pad      [4]byte
}

const (
	ruleKeySize   = 12
	ruleValueSize = 24
)

func keyFor(m Match) ruleKey {
	k := ruleKey{SrcIP: m.SrcIP, DstIP: m.DstIP}
	binary.BigEndian.PutUint16(k.SrcPort[:], m.SrcPort)
	binary.BigEndian.PutUint16(k.DstPort[:], m.DstPort)
	return k
}

// ruleMap is the subset of *ebpf.Map the engine uses.
type ruleMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Lookup(key, valueOut interface{}) error
	Delete(key interface{}) error
	Close() error
}

type mapEntry struct {
	handle      RuleHandle
	rule        Rule
	key         ruleKey
	installedAt time.Time
	installMono uint64
	lastUsed    uint64
	aged        bool
	reported    bool
}

// MapEngine keeps rules in a BPF hash map shared with an XDP or TC program
// that performs the source port rewrite. The engine owns handle allocation
// and aging; the program only refreshes LastUsed.
type MapEngine struct {
	mu      sync.Mutex
	m       ruleMap
	clock   clock.Clock
	logger  *logging.Logger
	handles *handleArena
	entries map[uint32]*mapEntry
	byMatch map[Match]RuleHandle
	ring    *scanRing
	scan    int
	closed  bool
}

// NewMapEngine creates (or, with a pin path, opens) the rule map.
func NewMapEngine(cfg *Config, clk clock.Clock, logger *logging.Logger) (*MapEngine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "remove memlock limit")
	}

	spec := &ebpf.MapSpec{
		Name:       RuleMapName,
		Type:       ebpf.Hash,
		KeySize:    ruleKeySize,
		ValueSize:  ruleValueSize,
		MaxEntries: uint32(cfg.MaxRules),
	}
	var opts ebpf.MapOptions
	if cfg.PinPath != "" {
		spec.Pinning = ebpf.PinByName
		opts.PinPath = cfg.PinPath
	}
	m, err := ebpf.NewMapWithOptions(spec, opts)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "create rule map")
	}

	e := newMapEngine(m, cfg, clk, logger)
	if cfg.PinPath != "" {
		if n := clearStale(m); n > 0 {
			e.logger.Info("removed rules left by a previous run", "rules", n, "pin_path", cfg.PinPath)
		}
	}
	return e, nil
}

func newMapEngine(m ruleMap, cfg *Config, clk clock.Clock, logger *logging.Logger) *MapEngine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &MapEngine{
		m:       m,
		clock:   clk,
		logger:  logger.WithComponent("offload-bpf"),
		handles: newHandleArena(cfg.MaxRules),
		entries: make(map[uint32]*mapEntry),
		byMatch: make(map[Match]RuleHandle),
		ring:    newScanRing(cfg.MaxRules),
		scan:    cfg.scanPerPoll(),
	}
}

// clearStale empties a pinned map inherited from an earlier process.
func clearStale(m *ebpf.Map) int {
	var (
		k    ruleKey
		v    ruleValue
		keys []ruleKey
	)
	it := m.Iterate()
	for it.Next(&k, &v) {
		keys = append(keys, k)
	}
	n := 0
	for i := range keys {
		if m.Delete(&keys[i]) == nil {
			n++
		}
	}
	return n
}

func (e *MapEngine) CreateRule(r Rule) (RuleHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return RuleHandle{}, ErrEngineClosed
	}
	if _, ok := e.byMatch[r.Match]; ok {
		return RuleHandle{}, errors.Attr(ErrDuplicateRule, "match", r.Match.String())
	}
	h, ok := e.handles.alloc()
	if !ok {
		return RuleHandle{}, ErrRuleTableFull
	}

	now := e.clock.Mono()
	key := keyFor(r.Match)
	val := ruleValue{LastUsed: now, UserData: r.UserData}
	binary.BigEndian.PutUint16(val.SrcPort[:], r.Action.SetSrcPort)

	if err := e.m.Update(&key, &val, ebpf.UpdateNoExist); err != nil {
		e.handles.release(h)
		if errors.Is(err, ebpf.ErrKeyExist) {
			return RuleHandle{}, errors.Attr(ErrDuplicateRule, "match", r.Match.String())
		}
		return RuleHandle{}, errors.Wrap(err, errors.KindUnavailable, "update rule map")
	}

	e.entries[h.Index] = &mapEntry{
		handle:      h,
		rule:        r,
		key:         key,
		installedAt: e.clock.Now(),
		installMono: now,
		lastUsed:    now,
	}
	e.byMatch[r.Match] = h
	e.ring.add(h.Index)
	return h, nil
}

func (e *MapEngine) DeleteRule(h RuleHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	ent, ok := e.entries[h.Index]
	if !ok || ent.handle != h {
		return errors.Attr(ErrUnknownRule, "rule", h.String())
	}
	if err := e.m.Delete(&ent.key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return errors.Wrap(err, errors.KindUnavailable, "delete from rule map")
	}
	delete(e.entries, h.Index)
	delete(e.byMatch, ent.rule.Match)
	e.ring.remove(h.Index)
	e.handles.release(h)
	return nil
}

func (e *MapEngine) PollAged(dst []AgedRule, max int) []AgedRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || max <= 0 {
		return dst
	}
	now := e.clock.Mono()

	// Each visited rule costs one map lookup.
	n := 0
	var val ruleValue
	for budget := e.ring.budget(e.scan); budget > 0 && n < max; budget-- {
		ent := e.entries[e.ring.next()]
		if ent.reported {
			continue
		}
		switch err := e.m.Lookup(&ent.key, &val); {
		case err == nil:
			ent.lastUsed = val.LastUsed
		case errors.Is(err, ebpf.ErrKeyNotExist):
			// Removed behind our back; nothing will refresh it again.
			ent.aged = true
		default:
			e.logger.Warn("rule lookup failed", "rule", ent.handle.String(), "error", err)
			continue
		}
		idle := ent.rule.IdleTimeout
		if !ent.aged && (idle <= 0 || now < ent.lastUsed || now-ent.lastUsed < uint64(idle)) {
			continue
		}
		ent.aged = true
		ent.reported = true
		dst = append(dst, AgedRule{Handle: ent.handle, UserData: ent.rule.UserData})
		n++
	}
	return dst
}

func (e *MapEngine) Rules() []InstalledRule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]InstalledRule, 0, len(e.entries))
	for _, ent := range e.entries {
		last := ent.installedAt
		if ent.lastUsed > ent.installMono {
			last = last.Add(time.Duration(ent.lastUsed - ent.installMono))
		}
		out = append(out, InstalledRule{
			Handle:      ent.handle,
			Rule:        ent.rule,
			InstalledAt: ent.installedAt,
			LastUsed:    last,
			Aged:        ent.aged,
		})
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Handle.Index < out[b].Handle.Index })
	return out
}

// Close releases the map file descriptor. A pinned map and its remaining
// entries outlive the process.
func (e *MapEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if n := len(e.entries); n > 0 {
		e.logger.Warn("closing engine with installed rules", "rules", n)
	}
	return e.m.Close()
}
