// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !windows && !plan9

package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/syslog"
	"net"
	"strconv"
)

// SyslogConfig forwards log records to a remote syslog collector.
type SyslogConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Protocol string // udp or tcp
	Tag      string
	Facility int // local facility number, 0-7 maps to LOG_LOCAL0..7
}

// DefaultSyslogConfig returns a disabled syslog config with protocol defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Port:     514,
		Protocol: "udp",
		Tag:      "arflow",
		Facility: 1,
	}
}

// NewSyslogWriter dials the configured collector. The writer expects logfmt
// records and sends each at the priority named by its level field.
func NewSyslogWriter(cfg SyslogConfig) (io.Writer, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = "arflow"
	}
	if cfg.Facility < 0 || cfg.Facility > 7 {
		return nil, fmt.Errorf("syslog facility %d out of range 0-7", cfg.Facility)
	}

	priority := syslog.LOG_INFO | (syslog.LOG_LOCAL0 + syslog.Priority(cfg.Facility<<3))
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	w, err := syslog.Dial(cfg.Protocol, addr, priority, cfg.Tag)
	if err != nil {
		return nil, err
	}
	return &levelWriter{sink: w}, nil
}

// syslogSink is the part of *syslog.Writer that sets a per-message severity.
type syslogSink interface {
	Debug(m string) error
	Info(m string) error
	Warning(m string) error
	Err(m string) error
	Crit(m string) error
}

// levelWriter routes each logfmt record to the syslog severity of its level.
type levelWriter struct {
	sink syslogSink
}

var levelKey = []byte("level=")

func (w *levelWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimRight(p, "\n"))
	var err error
	switch recordLevel(p) {
	case "debug":
		err = w.sink.Debug(line)
	case "warn", "warning":
		err = w.sink.Warning(line)
	case "error":
		err = w.sink.Err(line)
	case "fatal":
		err = w.sink.Crit(line)
	default:
		err = w.sink.Info(line)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// recordLevel returns the lowercased value of the first level= field.
func recordLevel(p []byte) string {
	i := bytes.Index(p, levelKey)
	if i < 0 {
		return ""
	}
	v := p[i+len(levelKey):]
	if j := bytes.IndexAny(v, " \n"); j >= 0 {
		v = v[:j]
	}
	return string(bytes.ToLower(bytes.Trim(v, `"`)))
}
