// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package shell

import (
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/transport"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers(headers...)
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func renderConnections(conns []conntrack.Connection) string {
	t := newTable("ID", "SOURCE", "DESTINATION", "RSS", "PATH", "STATE", "RULE", "PACKETS")
	for _, c := range conns {
		t.Row(
			c.ID.String(),
			c.Key.Src().String(),
			c.Key.Dst().String(),
			u64(uint64(c.Key.Hash)),
			u64(uint64(c.Path)),
			c.State.String(),
			c.Rule.String(),
			u64(c.Packets),
		)
	}
	return t.String()
}

func renderRules(rules []offload.InstalledRule) string {
	t := newTable("HANDLE", "MATCH", "SET SPORT", "IDLE", "CONN", "LAST USED", "AGED")
	for _, r := range rules {
		aged := "no"
		if r.Aged {
			aged = "yes"
		}
		t.Row(
			r.Handle.String(),
			r.Rule.Match.String(),
			u64(uint64(r.Rule.Action.SetSrcPort)),
			r.Rule.IdleTimeout.String(),
			conntrack.UnpackConnID(r.Rule.UserData).String(),
			r.LastUsed.UTC().Format(time.RFC3339),
			aged,
		)
	}
	return t.String()
}

func renderPorts(stats []transport.Stats) string {
	t := newTable("PORT", "NAME", "RX-PKTS", "RX-BYTES", "TX-PKTS", "TX-BYTES", "TX-DROPPED")
	for i, s := range stats {
		t.Row(strconv.Itoa(i), s.Name, u64(s.RxPackets), u64(s.RxBytes), u64(s.TxPackets), u64(s.TxBytes), u64(s.TxDropped))
	}
	return t.String()
}

// renderCounters lists the nonzero driver counters by name.
func renderCounters(counters map[string]uint64) string {
	names := make([]string, 0, len(counters))
	for name, v := range counters {
		if v != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	t := newTable("COUNTER", "VALUE")
	for _, name := range names {
		t.Row(name, u64(counters[name]))
	}
	return t.String()
}
