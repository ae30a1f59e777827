// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build windows || plan9

package logging

import (
	"fmt"
	"io"
)

type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string
	Tag      string
	Facility int
}

func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{Port: 514, Protocol: "udp", Tag: "arflow", Facility: 1}
}

func NewSyslogWriter(SyslogConfig) (io.Writer, error) {
	return nil, fmt.Errorf("syslog not supported on this platform")
}
