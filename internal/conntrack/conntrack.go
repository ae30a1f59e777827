// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package conntrack is the connection table: a fixed-capacity directory from
// flow key to the path resolved for that flow and the hardware rule that pins
// it.
//
// Storage is a slot arena sized once at construction. The directory is a
// power-of-two array of bucket heads indexed directly by the port's dispatch
// hash, with chains threaded through the slots themselves, so lookups, inserts
// and removals never allocate.
package conntrack

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
)

// DefaultCapacity is the number of connections tracked when unconfigured.
const DefaultCapacity = 16384

var (
	ErrCapacityExhausted = errors.New(errors.KindExhausted, "connection table full")
	ErrDuplicateKey      = errors.New(errors.KindConflict, "connection already tracked")
	ErrNotFound          = errors.New(errors.KindNotFound, "connection not found")
	ErrRuleAttached      = errors.New(errors.KindConflict, "connection already has a rule")
)

// State is a connection's position in its lifecycle.
type State uint8

// The zero State is StateFreed, which is also what an unused slot holds.
const (
	StateFreed State = iota
	StateTableOnly
	StateOffloaded
	StateAged
)

func (s State) String() string {
	switch s {
	case StateTableOnly:
		return "table-only"
	case StateOffloaded:
		return "offloaded"
	case StateAged:
		return "aged"
	case StateFreed:
		return "freed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// ConnID names a connection by slot and generation. Freeing a slot bumps its
// generation, so IDs held past eviction resolve to ErrNotFound.
type ConnID struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether id names nothing.
func (id ConnID) IsZero() bool { return id.Gen == 0 }

// Pack encodes the id into the 64-bit user data carried by offload rules.
func (id ConnID) Pack() uint64 { return uint64(id.Gen)<<32 | uint64(id.Index) }

// UnpackConnID reverses Pack.
func UnpackConnID(v uint64) ConnID {
	return ConnID{Index: uint32(v), Gen: uint32(v >> 32)}
}

func (id ConnID) String() string { return fmt.Sprintf("%d.%d", id.Index, id.Gen) }

// ParseConnID reads the "index.gen" form produced by String.
func ParseConnID(s string) (ConnID, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if !ok {
		return ConnID{}, errors.Errorf(errors.KindValidation, "connection id %q: want index.gen", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return ConnID{}, errors.Wrapf(err, errors.KindValidation, "connection id %q", s)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil || g == 0 {
		return ConnID{}, errors.Errorf(errors.KindValidation, "connection id %q: bad generation", s)
	}
	return ConnID{Index: uint32(i), Gen: uint32(g)}, nil
}

// Connection is the cached resolution for one flow.
type Connection struct {
	ID        ConnID
	Key       packet.FlowKey
	Path      uint16
	Rule      offload.RuleHandle
	State     State
	CreatedAt time.Time
	// LastSeen is the last software-path packet, CreatedAt until the first.
	LastSeen        time.Time
	Packets         uint64
	InstallAttempts uint8
}

// Offloaded reports whether a hardware rule is pinned to the connection.
func (c *Connection) Offloaded() bool { return !c.Rule.IsZero() }

// EvictReason says why a connection left the table.
type EvictReason uint8

const (
	EvictAged EvictReason = iota + 1
	EvictFlushed
)

func (r EvictReason) String() string {
	switch r {
	case EvictAged:
		return "aged"
	case EvictFlushed:
		return "flushed"
	}
	return "unknown"
}

// Eviction tells the table to release a connection. Rule, when set, must
// match the connection's rule; a mismatch means the connection was already
// recycled and the event is stale.
type Eviction struct {
	Reason EvictReason
	Conn   ConnID
	Rule   offload.RuleHandle
}

// Config sizes the table.
type Config struct {
	Capacity int
}

// DefaultConfig returns the default table configuration.
func DefaultConfig() *Config {
	return &Config{Capacity: DefaultCapacity}
}

// Stats are cumulative table counters plus the table's fixed sizing.
type Stats struct {
	Capacity       int    `json:"capacity"`
	Buckets        int    `json:"buckets"`
	Inserts        uint64 `json:"inserts"`
	Removals       uint64 `json:"removals"`
	Exhausted      uint64 `json:"exhausted"`
	Duplicates     uint64 `json:"duplicates"`
	AgedEvictions  uint64 `json:"aged_evictions"`
	FlushEvictions uint64 `json:"flush_evictions"`
	StaleEvictions uint64 `json:"stale_evictions"`
}
