// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package offload

import (
	"fmt"
	"sync"
)

// RuleHandle names an installed rule as a slot index plus generation. A
// handle stays unique for the life of the engine: reusing a slot bumps its
// generation, so a stale handle can never address a newer rule. The zero
// value means "no rule".
type RuleHandle struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether h names no rule.
func (h RuleHandle) IsZero() bool { return h.Gen == 0 }

func (h RuleHandle) String() string {
	if h.IsZero() {
		return "-"
	}
	return fmt.Sprintf("%d.%d", h.Index, h.Gen)
}

// handleArena hands out generational handles from a fixed number of slots.
type handleArena struct {
	mu   sync.Mutex
	gens []uint32
	used []bool
	free []uint32
}

func newHandleArena(size int) *handleArena {
	a := &handleArena{
		gens: make([]uint32, size),
		used: make([]bool, size),
		free: make([]uint32, size),
	}
	for i := range a.free {
		// Pop from the tail hands out low indexes first.
		a.free[i] = uint32(size - 1 - i)
	}
	return a
}

func (a *handleArena) alloc() (RuleHandle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.free)
	if n == 0 {
		return RuleHandle{}, false
	}
	idx := a.free[n-1]
	a.free = a.free[:n-1]
	a.gens[idx]++
	if a.gens[idx] == 0 {
		a.gens[idx] = 1
	}
	a.used[idx] = true
	return RuleHandle{Index: idx, Gen: a.gens[idx]}, true
}

func (a *handleArena) valid(h RuleHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.validLocked(h)
}

func (a *handleArena) validLocked(h RuleHandle) bool {
	return !h.IsZero() && int(h.Index) < len(a.gens) && a.used[h.Index] && a.gens[h.Index] == h.Gen
}

func (a *handleArena) release(h RuleHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.validLocked(h) {
		return false
	}
	a.used[h.Index] = false
	a.free = append(a.free, h.Index)
	return true
}

func (a *handleArena) inUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.gens) - len(a.free)
}

// scanRing lists the occupied slots so aging can visit a bounded number of
// rules per poll, resuming where the previous poll stopped. Removal swaps the
// last slot into the hole, so a sweep may see a rule twice or skip one until
// the next lap.
type scanRing struct {
	live   []uint32
	pos    []int32 // slot -> index into live, -1 when free
	cursor int
}

func newScanRing(size int) *scanRing {
	r := &scanRing{live: make([]uint32, 0, size), pos: make([]int32, size)}
	for i := range r.pos {
		r.pos[i] = -1
	}
	return r
}

func (r *scanRing) add(slot uint32) {
	r.pos[slot] = int32(len(r.live))
	r.live = append(r.live, slot)
}

func (r *scanRing) remove(slot uint32) {
	i := r.pos[slot]
	if i < 0 {
		return
	}
	last := len(r.live) - 1
	moved := r.live[last]
	r.live[i] = moved
	r.pos[moved] = i
	r.live = r.live[:last]
	r.pos[slot] = -1
}

func (r *scanRing) len() int { return len(r.live) }

// next returns the slot under the cursor and advances it. The ring must not
// be empty.
func (r *scanRing) next() uint32 {
	if r.cursor >= len(r.live) {
		r.cursor = 0
	}
	slot := r.live[r.cursor]
	r.cursor++
	return slot
}

// budget is how many slots one poll may visit.
func (r *scanRing) budget(scan int) int {
	return min(scan, len(r.live))
}
