// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !windows && !plan9

package logging

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSyslogConfig(t *testing.T) {
	cfg := DefaultSyslogConfig()

	assert.False(t, cfg.Enabled, "default should be disabled")
	assert.Equal(t, 514, cfg.Port)
	assert.Equal(t, "udp", cfg.Protocol)
	assert.Equal(t, "arflow", cfg.Tag)
	assert.Equal(t, 1, cfg.Facility)
}

func TestNewSyslogWriter_MissingHost(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{Enabled: true})
	require.Error(t, err)
}

func TestNewSyslogWriter_BadFacility(t *testing.T) {
	_, err := NewSyslogWriter(SyslogConfig{Host: "localhost", Facility: 9})
	require.Error(t, err)
}

type fakeSink struct {
	sent []string // "<severity> <line>"
}

func (f *fakeSink) record(sev, m string) error {
	f.sent = append(f.sent, sev+" "+m)
	return nil
}

func (f *fakeSink) Debug(m string) error   { return f.record("debug", m) }
func (f *fakeSink) Info(m string) error    { return f.record("info", m) }
func (f *fakeSink) Warning(m string) error { return f.record("warning", m) }
func (f *fakeSink) Err(m string) error     { return f.record("err", m) }
func (f *fakeSink) Crit(m string) error    { return f.record("crit", m) }

func TestLevelWriter_SeverityFollowsLevel(t *testing.T) {
	sink := &fakeSink{}
	lg := New(Config{Level: LevelDebug, Output: io.Discard})
	lg.sys = syslogLogger(&levelWriter{sink: sink}, LevelDebug)
	lg = lg.WithComponent("lifecycle")

	lg.Debug("rule installed")
	lg.Info("agent running")
	lg.Warn("install failed", "attempt", 2)
	lg.Error("delete failed")

	require.Len(t, sink.sent, 4)
	for i, sev := range []string{"debug", "info", "warning", "err"} {
		assert.True(t, strings.HasPrefix(sink.sent[i], sev+" level="), sink.sent[i])
		assert.Contains(t, sink.sent[i], "component=lifecycle")
		assert.False(t, strings.HasSuffix(sink.sent[i], "\n"))
	}
	assert.Contains(t, sink.sent[2], "attempt=2")

	lg.SetLevel(LevelError)
	lg.Warn("filtered")
	assert.Len(t, sink.sent, 4)
}

func TestRecordLevel(t *testing.T) {
	assert.Equal(t, "warn", recordLevel([]byte("level=warn msg=x\n")))
	assert.Equal(t, "error", recordLevel([]byte(`level="ERROR" msg=x`)))
	assert.Equal(t, "", recordLevel([]byte("msg=plain")))

	sink := &fakeSink{}
	w := &levelWriter{sink: sink}
	n, err := w.Write([]byte("msg=plain\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, []string{"info msg=plain"}, sink.sent)
}
