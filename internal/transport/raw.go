// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package transport

import "time"

// RawConfig opens a kernel network interface as a Port.
type RawConfig struct {
	Interface   string
	Promiscuous bool
	// PollTimeout bounds how long one Receive waits for the first frame.
	PollTimeout time.Duration
}

// DefaultPollTimeout keeps Receive close to non-blocking.
const DefaultPollTimeout = 100 * time.Microsecond
