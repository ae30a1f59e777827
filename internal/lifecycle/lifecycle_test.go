// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package lifecycle

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/metrics"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/packet"
)

type fixture struct {
	clk    *clock.MockClock
	table  *conntrack.Table
	engine *offload.SimEngine
	mgr    *Manager
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	clk := clock.NewMockClock(time.Unix(1700000000, 0))
	table, err := conntrack.NewTable(&conntrack.Config{Capacity: capacity}, clk, logging.Discard())
	require.NoError(t, err)
	engine, err := offload.NewSimEngine(&offload.Config{Kind: offload.KindSim, MaxRules: capacity}, clk, logging.Discard())
	require.NoError(t, err)
	mgr, err := New(DefaultConfig(), engine, table, logging.Discard(), metrics.NewMetrics())
	require.NoError(t, err)
	return &fixture{clk: clk, table: table, engine: engine, mgr: mgr}
}

func flowKey(sport uint16) packet.FlowKey {
	return packet.KeyFrom(
		netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), sport),
		netip.MustParseAddrPort("10.0.0.2:4789"),
		uint32(sport)*2654435761)
}

func (f *fixture) admit(t *testing.T, sport, path uint16) conntrack.Connection {
	t.Helper()
	c, err := f.table.Insert(flowKey(sport), path)
	require.NoError(t, err)
	return c
}

func TestInstall(t *testing.T) {
	f := newFixture(t, 8)
	c := f.admit(t, 5000, 2)

	require.NoError(t, f.mgr.Install(c))
	got, ok := f.table.Get(c.ID)
	require.True(t, ok)
	assert.Equal(t, conntrack.StateOffloaded, got.State)
	assert.False(t, got.Rule.IsZero())

	rules := f.engine.Rules()
	require.Len(t, rules, 1)
	r := rules[0].Rule
	assert.Equal(t, offload.MatchFromKey(c.Key), r.Match)
	assert.Equal(t, uint16(2), r.Action.SetSrcPort)
	assert.Equal(t, DefaultIdleTimeout, r.IdleTimeout)
	assert.Equal(t, c.ID, conntrack.UnpackConnID(r.UserData))
	assert.Equal(t, 1.0, testutilValue(f.mgr.metrics.RulesInstalled))

	// Already offloaded: nothing to do.
	require.NoError(t, f.mgr.Install(got))
	assert.Equal(t, 1, f.engine.Len())
}

func TestInstallFailureLeavesTableOnly(t *testing.T) {
	f := newFixture(t, 8)
	boom := errors.New(errors.KindUnavailable, "steering table busy")
	f.engine.FailCreate = func(offload.Rule) error { return boom }
	c := f.admit(t, 5000, 2)

	for i := 0; i < DefaultInstallAttempts; i++ {
		assert.ErrorIs(t, f.mgr.Install(c), boom)
	}
	assert.ErrorIs(t, f.mgr.Install(c), ErrInstallBudget)

	got, _ := f.table.Get(c.ID)
	assert.Equal(t, conntrack.StateTableOnly, got.State)
	assert.True(t, got.Rule.IsZero())
	assert.Equal(t, float64(DefaultInstallAttempts), testutilValue(f.mgr.metrics.RuleInstallFailures))
}

func TestAgingRoundTrip(t *testing.T) {
	f := newFixture(t, 1)
	c := f.admit(t, 5000, 2)
	require.NoError(t, f.mgr.Install(c))

	f.clk.Advance(DefaultIdleTimeout - time.Second)
	assert.Zero(t, f.mgr.ReapExpired(16))
	assert.Equal(t, 1, f.table.Len())

	f.clk.Advance(time.Second)
	assert.Equal(t, 1, f.mgr.ReapExpired(16))
	assert.Zero(t, f.table.Len())
	assert.Zero(t, f.engine.Len())
	_, ok := f.table.Lookup(c.Key)
	assert.False(t, ok)

	// Surfaced exactly once.
	f.clk.Advance(DefaultIdleTimeout)
	assert.Zero(t, f.mgr.ReapExpired(16))

	// The slot is reusable.
	c2 := f.admit(t, 6000, 1)
	assert.Equal(t, c.ID.Index, c2.ID.Index)
	require.NoError(t, f.mgr.Install(c2))
	assert.Equal(t, f.table.Len(), f.table.InUse())
}

func TestReapBatchBound(t *testing.T) {
	f := newFixture(t, 64)
	for i := 0; i < 40; i++ {
		require.NoError(t, f.mgr.Install(f.admit(t, uint16(7000+i), 1)))
	}
	f.clk.Advance(DefaultIdleTimeout)

	assert.Equal(t, 16, f.mgr.ReapExpired(16))
	assert.Equal(t, 24, f.table.Len())
	assert.Equal(t, 16, f.mgr.ReapExpired(16))
	assert.Equal(t, 8, f.mgr.ReapExpired(16))
	assert.Zero(t, f.table.Len())
}

func TestDeleteFailureRetainsSlotThenRetries(t *testing.T) {
	f := newFixture(t, 4)
	c := f.admit(t, 5000, 2)
	require.NoError(t, f.mgr.Install(c))

	fails := 2
	f.engine.FailDelete = func(offload.RuleHandle) error {
		if fails > 0 {
			fails--
			return errors.New(errors.KindUnavailable, "delete rejected")
		}
		return nil
	}
	f.clk.Advance(DefaultIdleTimeout)

	assert.Zero(t, f.mgr.ReapExpired(16))
	assert.Equal(t, 1, f.table.Len(), "slot retained after failed delete")
	assert.Equal(t, 1, f.mgr.PendingDeletes())

	assert.Zero(t, f.mgr.ReapExpired(16))
	assert.Equal(t, 1, f.table.Len())

	assert.Equal(t, 1, f.mgr.ReapExpired(16))
	assert.Zero(t, f.table.Len())
	assert.Zero(t, f.mgr.PendingDeletes())
	assert.Equal(t, 2.0, testutilValue(f.mgr.metrics.RuleDeleteFailures))
}

func TestDeleteRetriesExhaustedLeftForFlush(t *testing.T) {
	f := newFixture(t, 4)
	c := f.admit(t, 5000, 2)
	require.NoError(t, f.mgr.Install(c))
	f.engine.FailDelete = func(offload.RuleHandle) error {
		return errors.New(errors.KindUnavailable, "delete rejected")
	}
	f.clk.Advance(DefaultIdleTimeout)

	for i := 0; i <= DefaultDeleteRetries+1; i++ {
		f.mgr.ReapExpired(16)
	}
	assert.Zero(t, f.mgr.PendingDeletes())
	assert.Equal(t, 1, f.mgr.Leaked())
	assert.Equal(t, 1, f.table.Len())

	f.engine.FailDelete = nil
	assert.Equal(t, 1, f.mgr.Flush())
	assert.Zero(t, f.table.Len())
	assert.Zero(t, f.engine.Len())
	assert.Zero(t, f.mgr.Leaked())
}

func TestStaleAgingReportOnlyDeletesRule(t *testing.T) {
	f := newFixture(t, 4)
	c := f.admit(t, 5000, 2)
	require.NoError(t, f.mgr.Install(c))

	// The connection goes away by another path; its rule lingers.
	require.NoError(t, f.table.Release(c.ID))
	f.clk.Advance(DefaultIdleTimeout)

	assert.Equal(t, 1, f.mgr.ReapExpired(16))
	assert.Zero(t, f.engine.Len())
	assert.Equal(t, uint64(1), f.table.Stats().StaleEvictions)
	assert.Zero(t, f.table.Len())
}

func TestFlushIncludesTableOnly(t *testing.T) {
	f := newFixture(t, 8)
	require.NoError(t, f.mgr.Install(f.admit(t, 5000, 2)))
	f.admit(t, 5001, 3)
	f.admit(t, 5002, 1)

	assert.Equal(t, 3, f.mgr.Flush())
	assert.Zero(t, f.table.Len())
	assert.Zero(t, f.engine.Len())
	assert.Equal(t, 3.0, testutilValue(f.mgr.metrics.Evictions.WithLabelValues("flushed")))
	assert.Zero(t, f.mgr.Flush())
}

func TestNewValidates(t *testing.T) {
	f := newFixture(t, 2)
	_, err := New(&Config{IdleTimeout: 0, AgedPerPoll: 16, InstallAttempts: 1}, f.engine, f.table, nil, nil)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	_, err = New(nil, nil, f.table, nil, nil)
	assert.Error(t, err)
}
