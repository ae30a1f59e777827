// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux

package clock

import (
	"time"

	"golang.org/x/sys/unix"
)

// monotonicNanos reads CLOCK_MONOTONIC, the same timeline bpf_ktime_get_ns uses,
// so values can be compared against timestamps written by BPF programs.
func monotonicNanos() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return uint64(time.Since(processStart))
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

var processStart = time.Now()
