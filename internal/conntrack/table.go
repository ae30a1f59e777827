// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package conntrack

import (
	"math/bits"
	"sync"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
)

const nilSlot = -1

type slot struct {
	conn Connection
	gen  uint32
	used bool
	next int32
}

// Table maps flow keys to connections. The packet worker is the only writer;
// diagnostic readers may call Lookup, ForEach and the counters concurrently.
type Table struct {
	mu      sync.RWMutex
	slots   []slot
	buckets []int32
	mask    uint32
	free    []int32
	count   int
	stats   Stats

	clock  clock.Clock
	logger *logging.Logger
}

// NewTable allocates a table for cfg.Capacity connections up front.
func NewTable(cfg *Config, clk clock.Clock, logger *logging.Logger) (*Table, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Capacity <= 0 {
		return nil, errors.Errorf(errors.KindValidation, "conntrack capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Capacity > 1<<30 {
		return nil, errors.Errorf(errors.KindValidation, "conntrack capacity %d too large", cfg.Capacity)
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Default()
	}

	nb := bucketCount(cfg.Capacity)
	t := &Table{
		slots:   make([]slot, cfg.Capacity),
		buckets: make([]int32, nb),
		mask:    uint32(nb - 1),
		free:    make([]int32, cfg.Capacity),
		clock:   clk,
		logger:  logger.WithComponent("conntrack"),
	}
	for i := range t.buckets {
		t.buckets[i] = nilSlot
	}
	for i := range t.free {
		t.free[i] = int32(cfg.Capacity - 1 - i)
	}
	return t, nil
}

// bucketCount is the next power of two >= n.
func bucketCount(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// find returns the slot index holding key and its predecessor in the chain.
// Caller holds mu.
func (t *Table) find(key packet.FlowKey) (idx, prev int32) {
	prev = nilSlot
	for i := t.buckets[key.Hash&t.mask]; i != nilSlot; i = t.slots[i].next {
		if t.slots[i].conn.Key == key {
			return i, prev
		}
		prev = i
	}
	return nilSlot, nilSlot
}

// Lookup returns a copy of the connection tracked for key.
func (t *Table) Lookup(key packet.FlowKey) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, _ := t.find(key)
	if i == nilSlot {
		return Connection{}, false
	}
	return t.slots[i].conn, true
}

// Get returns the connection named by id.
func (t *Table) Get(id ConnID) (Connection, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := t.slotFor(id)
	if s == nil {
		return Connection{}, false
	}
	return s.conn, true
}

// Insert tracks key at path. The new connection starts table-only; attach a
// rule once it has been offloaded. An existing entry for key is left alone.
func (t *Table) Insert(key packet.FlowKey, path uint16) (Connection, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if i, _ := t.find(key); i != nilSlot {
		t.stats.Duplicates++
		return t.slots[i].conn, ErrDuplicateKey
	}
	n := len(t.free)
	if n == 0 {
		t.stats.Exhausted++
		return Connection{}, ErrCapacityExhausted
	}
	idx := t.free[n-1]
	t.free = t.free[:n-1]

	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.used = true
	now := t.clock.Now()
	s.conn = Connection{
		ID:        ConnID{Index: uint32(idx), Gen: s.gen},
		Key:       key,
		Path:      path,
		State:     StateTableOnly,
		CreatedAt: now,
		LastSeen:  now,
	}

	b := key.Hash & t.mask
	s.next = t.buckets[b]
	t.buckets[b] = idx
	t.count++
	t.stats.Inserts++
	return s.conn, nil
}

// Remove stops tracking key and returns its slot to the arena.
func (t *Table) Remove(key packet.FlowKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, prev := t.find(key)
	if i == nilSlot {
		return ErrNotFound
	}
	t.unlink(i, prev)
	return nil
}

// Release removes the connection named by id.
func (t *Table) Release(id ConnID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.releaseLocked(id)
}

func (t *Table) releaseLocked(id ConnID) error {
	s := t.slotFor(id)
	if s == nil {
		return ErrNotFound
	}
	i, prev := t.find(s.conn.Key)
	if i != int32(id.Index) {
		// Chain and arena disagree; this is a table bug, not a caller error.
		return errors.Attr(errors.New(errors.KindInternal, "connection slot not linked"), "conn", id.String())
	}
	t.unlink(i, prev)
	return nil
}

// unlink removes slot i from its chain and frees it. Caller holds mu.
func (t *Table) unlink(i, prev int32) {
	s := &t.slots[i]
	if prev == nilSlot {
		t.buckets[s.conn.Key.Hash&t.mask] = s.next
	} else {
		t.slots[prev].next = s.next
	}
	s.next = nilSlot
	s.used = false
	s.conn.State = StateFreed
	// Bump now so IDs captured before the free stop resolving immediately.
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	t.free = append(t.free, i)
	t.count--
	t.stats.Removals++
}

func (t *Table) slotFor(id ConnID) *slot {
	if id.IsZero() || int(id.Index) >= len(t.slots) {
		return nil
	}
	s := &t.slots[id.Index]
	if !s.used || s.gen != id.Gen {
		return nil
	}
	return s
}

// Evict applies an eviction event. Stale events, whose connection or rule no
// longer matches, are counted and reported as ErrNotFound.
func (t *Table) Evict(ev Eviction) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.slotFor(ev.Conn)
	if s == nil || (!ev.Rule.IsZero() && s.conn.Rule != ev.Rule) {
		t.stats.StaleEvictions++
		return errors.Attr(ErrNotFound, "conn", ev.Conn.String())
	}

	key := s.conn.Key
	if ev.Reason == EvictAged {
		s.conn.State = StateAged
	}
	if err := t.releaseLocked(ev.Conn); err != nil {
		return err
	}
	switch ev.Reason {
	case EvictAged:
		t.stats.AgedEvictions++
	case EvictFlushed:
		t.stats.FlushEvictions++
	}
	t.logger.Debug("connection evicted", "flow", key.String(), "reason", ev.Reason.String())
	return nil
}

// AttachRule records the hardware rule pinning id. A connection's rule is
// set at most once.
func (t *Table) AttachRule(id ConnID, rule offload.RuleHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slotFor(id)
	if s == nil {
		return ErrNotFound
	}
	if !s.conn.Rule.IsZero() {
		return ErrRuleAttached
	}
	s.conn.Rule = rule
	s.conn.State = StateOffloaded
	return nil
}

// NoteInstallAttempt bumps the install attempt counter and returns the new
// value.
func (t *Table) NoteInstallAttempt(id ConnID) (uint8, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.slotFor(id)
	if s == nil {
		return 0, ErrNotFound
	}
	if s.conn.InstallAttempts < ^uint8(0) {
		s.conn.InstallAttempts++
	}
	return s.conn.InstallAttempts, nil
}

// Hit counts a packet forwarded in software for id and stamps LastSeen.
func (t *Table) Hit(id ConnID) {
	now := t.clock.Now()
	t.mu.Lock()
	if s := t.slotFor(id); s != nil {
		s.conn.Packets++
		s.conn.LastSeen = now
	}
	t.mu.Unlock()
}

// ForEach calls visit with each live connection in slot order until visit
// returns false. visit must not call back into the table's write methods.
func (t *Table) ForEach(visit func(Connection) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := range t.slots {
		if !t.slots[i].used {
			continue
		}
		if !visit(t.slots[i].conn) {
			return
		}
	}
}

// Snapshot copies every live connection.
func (t *Table) Snapshot() []Connection {
	t.mu.RLock()
	out := make([]Connection, 0, t.count)
	t.mu.RUnlock()
	t.ForEach(func(c Connection) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Len is the number of tracked connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Capacity is the fixed number of slots.
func (t *Table) Capacity() int { return len(t.slots) }

// InUse is the number of arena slots handed out. It always equals Len.
func (t *Table) InUse() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.slots) - len(t.free)
}

// Stats returns a copy of the cumulative counters.
func (t *Table) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st := t.stats
	st.Capacity = len(t.slots)
	st.Buckets = len(t.buckets)
	return st
}
