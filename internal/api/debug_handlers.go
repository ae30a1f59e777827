// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/dataplane"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/transport"
)

// ConnectionView is the JSON form of one connection.
type ConnectionView struct {
	ID              string    `json:"id"`
	Src             string    `json:"src"`
	Dst             string    `json:"dst"`
	Hash            uint32    `json:"hash"`
	Path            uint16    `json:"path"`
	State           string    `json:"state"`
	Rule            string    `json:"rule"`
	Packets         uint64    `json:"packets"`
	InstallAttempts uint8     `json:"install_attempts"`
	CreatedAt       time.Time `json:"created_at"`
	LastSeen        time.Time `json:"last_seen"`
}

// NewConnectionView renders c.
func NewConnectionView(c conntrack.Connection) ConnectionView {
	return ConnectionView{
		ID:              c.ID.String(),
		Src:             c.Key.Src().String(),
		Dst:             c.Key.Dst().String(),
		Hash:            c.Key.Hash,
		Path:            c.Path,
		State:           c.State.String(),
		Rule:            c.Rule.String(),
		Packets:         c.Packets,
		InstallAttempts: c.InstallAttempts,
		CreatedAt:       c.CreatedAt.UTC(),
		LastSeen:        c.LastSeen.UTC(),
	}
}

// RuleView is the JSON form of one installed offload rule.
type RuleView struct {
	Handle      string    `json:"handle"`
	Match       string    `json:"match"`
	SetSrcPort  uint16    `json:"set_src_port"`
	IdleTimeout string    `json:"idle_timeout"`
	Connection  string    `json:"connection"`
	InstalledAt time.Time `json:"installed_at"`
	LastUsed    time.Time `json:"last_used"`
	Aged        bool      `json:"aged"`
}

// NewRuleView renders r.
func NewRuleView(r offload.InstalledRule) RuleView {
	return RuleView{
		Handle:      r.Handle.String(),
		Match:       r.Rule.Match.String(),
		SetSrcPort:  r.Rule.Action.SetSrcPort,
		IdleTimeout: r.Rule.IdleTimeout.String(),
		Connection:  conntrack.UnpackConnID(r.Rule.UserData).String(),
		InstalledAt: r.InstalledAt.UTC(),
		LastUsed:    r.LastUsed.UTC(),
		Aged:        r.Aged,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !s.state.Running() {
		status, code = "stopped", http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleConntrack dumps the connection table.
func (s *Server) handleConntrack(w http.ResponseWriter, r *http.Request) {
	conns := s.state.Connections()
	views := make([]ConnectionView, len(conns))
	for i, c := range conns {
		views[i] = NewConnectionView(c)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"timestamp":   time.Now().UTC(),
		"count":       len(views),
		"connections": views,
	})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id, err := conntrack.ParseConnID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	for _, c := range s.state.Connections() {
		if c.ID == id {
			respondJSON(w, http.StatusOK, NewConnectionView(c))
			return
		}
	}
	respondError(w, http.StatusNotFound, "connection not found")
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	rules := s.state.Rules()
	views := make([]RuleView, len(rules))
	for i, rule := range rules {
		views[i] = NewRuleView(rule)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC(),
		"count":     len(views),
		"rules":     views,
	})
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, struct {
		Timestamp time.Time          `json:"timestamp"`
		Ports     []transport.Stats  `json:"ports"`
		Counters  dataplane.Counters `json:"counters"`
	}{time.Now().UTC(), s.state.PortStats(), s.state.Counters()})
}
