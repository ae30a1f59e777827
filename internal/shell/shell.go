// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package shell is the agent's diagnostic command line. The same command set
// is served on the controlling terminal and over SSH.
package shell

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"grimm.is/arflow/internal/conntrack"
	"grimm.is/arflow/internal/dataplane"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/transport"
)

// DefaultPrompt is shown before every command.
const DefaultPrompt = "arflow> "

// Agent is what the commands inspect. *dataplane.Context implements it.
type Agent interface {
	Connections() []conntrack.Connection
	Rules() []offload.InstalledRule
	PortStats() []transport.Stats
	NICStats() map[string]map[string]uint64
	Counters() dataplane.Counters
}

type command struct {
	name string
	help string
	run  func(s *Shell, w io.Writer) bool
}

var commands []command

// Populated in init since cmdHelp reads it.
func init() {
	commands = []command{
		{"quit", "stop the data plane and exit the agent", (*Shell).cmdQuit},
		{"dumpFDB", "list the hardware offload rules", (*Shell).cmdDumpFDB},
		{"portStats", "show per-port packet counters", (*Shell).cmdPortStats},
		{"conntrack", "list tracked connections and their chosen paths", (*Shell).cmdConntrack},
		{"help", "show this list", (*Shell).cmdHelp},
		{"exit", "leave this session; the agent keeps running", func(*Shell, io.Writer) bool { return true }},
	}
}

// Shell executes diagnostic commands. It is safe for concurrent sessions.
type Shell struct {
	agent  Agent
	quit   func()
	prompt string
	logger *logging.Logger
}

// New returns a shell over agent. quit is called by the quit command and
// should begin agent shutdown; it may be called more than once.
func New(agent Agent, quit func(), logger *logging.Logger) *Shell {
	if logger == nil {
		logger = logging.Default()
	}
	if quit == nil {
		quit = func() {}
	}
	return &Shell{agent: agent, quit: quit, prompt: DefaultPrompt, logger: logger.WithComponent("shell")}
}

// Exec runs one command line, writing its output to w. It reports whether
// the session should end.
func (s *Shell) Exec(w io.Writer, line string) bool {
	name := strings.TrimSpace(line)
	if name == "" {
		return false
	}
	for _, c := range commands {
		if c.name == name {
			s.logger.Debug("command", "name", name)
			return c.run(s, w)
		}
	}
	fmt.Fprintf(w, "unknown command %q; try help\n", name)
	return false
}

// Serve runs an interactive session with line editing on rw until the
// user leaves, the input ends, or ctx is cancelled.
func (s *Shell) Serve(ctx context.Context, rw io.ReadWriter) error {
	t := term.NewTerminal(rw, s.prompt)
	for ctx.Err() == nil {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, errors.KindUnavailable, "read command")
		}
		if s.Exec(t, line) {
			return nil
		}
	}
	return nil
}

// ServeLines is Serve for input that is not a terminal: one command per
// line, no echo or editing.
func (s *Shell) ServeLines(ctx context.Context, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	fmt.Fprint(w, s.prompt)
	for ctx.Err() == nil && sc.Scan() {
		if s.Exec(w, sc.Text()) {
			return nil
		}
		fmt.Fprint(w, s.prompt)
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, errors.KindUnavailable, "read command")
	}
	return nil
}

// RunStdio serves the controlling terminal, or plain lines when stdin is
// not a terminal. It returns when the session ends or ctx is cancelled; a
// read blocked on stdin is abandoned in the latter case.
func (s *Shell) RunStdio(ctx context.Context) error {
	done := make(chan error, 1)
	fd := int(os.Stdin.Fd())

	if term.IsTerminal(fd) {
		old, err := term.MakeRaw(fd)
		if err != nil {
			return errors.Wrap(err, errors.KindInternal, "raw terminal")
		}
		defer term.Restore(fd, old)
		go func() {
			done <- s.Serve(ctx, struct {
				io.Reader
				io.Writer
			}{os.Stdin, os.Stdout})
		}()
	} else {
		go func() { done <- s.ServeLines(ctx, os.Stdin, os.Stdout) }()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

func (s *Shell) cmdQuit(w io.Writer) bool {
	fmt.Fprintln(w, "Quit from the app......")
	s.logger.Info("quit requested from shell")
	s.quit()
	return true
}

func (s *Shell) cmdHelp(w io.Writer) bool {
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.help)
	}
	return false
}

func (s *Shell) cmdConntrack(w io.Writer) bool {
	conns := s.agent.Connections()
	if len(conns) > 0 {
		fmt.Fprintln(w, renderConnections(conns))
	}
	fmt.Fprintf(w, "Total Active Connections: %d\n", len(conns))
	return false
}

func (s *Shell) cmdDumpFDB(w io.Writer) bool {
	rules := s.agent.Rules()
	if len(rules) > 0 {
		fmt.Fprintln(w, renderRules(rules))
	}
	fmt.Fprintf(w, "Total Offload Rules: %d\n", len(rules))
	return false
}

func (s *Shell) cmdPortStats(w io.Writer) bool {
	fmt.Fprintln(w, renderPorts(s.agent.PortStats()))

	c := s.agent.Counters()
	fmt.Fprintf(w, "Iterations: %d  Unsupported: %d  Admission failures: %d  Pending forwards: %d\n",
		c.Iterations, c.Unsupported, c.AdmissionFailures, c.PendingForwards)
	t := c.Table
	fmt.Fprintf(w, "Conntrack: capacity %d  buckets %d  inserts %d  exhausted %d  evicted aged/flushed/stale %d/%d/%d\n",
		t.Capacity, t.Buckets, t.Inserts, t.Exhausted, t.AgedEvictions, t.FlushEvictions, t.StaleEvictions)

	nic := s.agent.NICStats()
	names := make([]string, 0, len(nic))
	for name := range nic {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "\n%s driver counters:\n", name)
		fmt.Fprintln(w, renderCounters(nic[name]))
	}
	return false
}
