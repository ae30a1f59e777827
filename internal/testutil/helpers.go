// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package testutil gates tests that need a real kernel network stack.
package testutil

import (
	"os"
	"testing"
	"time"
)

// NICTestEnv must be set for tests that create interfaces or open packet
// sockets.
const NICTestEnv = "ARFLOW_NIC_TEST"

// RequireNIC skips the test unless ARFLOW_NIC_TEST is set and the process
// runs as root. Such tests create veth pairs and bind raw sockets, so they
// belong in a throwaway VM or network namespace.
func RequireNIC(t *testing.T) {
	t.Helper()
	if os.Getenv(NICTestEnv) == "" {
		t.Skip("Skipping test: requires " + NICTestEnv + " environment")
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}

// Eventually polls cond every tick until it returns true or wait elapses.
func Eventually(wait, tick time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(wait)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(tick)
	}
}
