// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package ssh serves the diagnostic shell to remote operators.
package ssh

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/charmbracelet/wish/logging"

	"grimm.is/arflow/internal/errors"
	arlog "grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/shell"
)

// Config holds the SSH listener settings. Only public-key authentication is
// offered.
type Config struct {
	Listen             string
	HostKeyPath        string
	AuthorizedKeysPath string
	IdleTimeout        time.Duration
}

// DefaultConfig listens on localhost only.
func DefaultConfig() *Config {
	return &Config{
		Listen:      "127.0.0.1:2222",
		HostKeyPath: "/var/lib/arflow/ssh_host_ed25519",
		IdleTimeout: 30 * time.Minute,
	}
}

// Server wraps the Wish SSH server
type Server struct {
	srv    *ssh.Server
	shell  *shell.Shell
	logger *arlog.Logger
	addr   string

	activeSessions   atomic.Int32
	totalConnections atomic.Uint64
}

// NewServer creates an SSH server whose sessions run sh.
func NewServer(cfg *Config, sh *shell.Shell, logger *arlog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New(errors.KindValidation, "ssh configuration is nil")
	}
	if cfg.AuthorizedKeysPath == "" {
		return nil, errors.New(errors.KindValidation, "ssh requires authorized_keys")
	}
	if logger == nil {
		logger = arlog.Default()
	}

	srv := &Server{
		shell:  sh,
		logger: logger.WithComponent("ssh"),
		addr:   cfg.Listen,
	}

	opts := []ssh.Option{
		wish.WithAddress(cfg.Listen),
		wish.WithHostKeyPath(cfg.HostKeyPath),
		wish.WithAuthorizedKeys(cfg.AuthorizedKeysPath),
		wish.WithMiddleware(
			srv.shellMiddleware(),
			logging.MiddlewareWithLogger(adapter{srv.logger}),
			srv.measureMiddleware(),
		),
	}
	if cfg.IdleTimeout > 0 {
		opts = append(opts, wish.WithIdleTimeout(cfg.IdleTimeout))
	}
	ws, err := wish.NewServer(opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create ssh server")
	}
	srv.srv = ws
	return srv, nil
}

// Serve listens until ctx ends, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, errors.KindUnavailable, "listen on %s", s.addr)
	}
	s.logger.Info("ssh shell listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, ssh.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, errors.KindUnavailable, "ssh server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.logger.Info("stopping ssh shell")
	return s.srv.Shutdown(shutdownCtx)
}

// ActiveSessions is the number of open shell sessions.
func (s *Server) ActiveSessions() int { return int(s.activeSessions.Load()) }

func (s *Server) shellMiddleware() wish.Middleware {
	return func(next ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			if len(sess.Command()) > 0 {
				// Non-interactive: ssh host conntrack
				for _, cmd := range sess.Command() {
					if s.shell.Exec(sess, cmd) {
						break
					}
				}
			} else if err := s.shell.Serve(sess.Context(), sess); err != nil {
				s.logger.Warn("shell session ended with error", "user", sess.User(), "error", err)
			}
			next(sess)
		}
	}
}

func (s *Server) measureMiddleware() wish.Middleware {
	return func(sh ssh.Handler) ssh.Handler {
		return func(sess ssh.Session) {
			s.activeSessions.Add(1)
			s.totalConnections.Add(1)
			defer s.activeSessions.Add(-1)

			sh(sess)
		}
	}
}

// adapter routes wish's request log into ours.
type adapter struct{ l *arlog.Logger }

func (a adapter) Printf(format string, args ...interface{}) {
	// Downgrade generic SSH logs to Debug to reduce spam
	a.l.Debug(fmt.Sprintf(format, args...))
}
