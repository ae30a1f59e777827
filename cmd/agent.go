// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"grimm.is/arflow/internal/api"
	"grimm.is/arflow/internal/clock"
	"grimm.is/arflow/internal/config"
	"grimm.is/arflow/internal/dataplane"
	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/logging"
	"grimm.is/arflow/internal/metrics"
	"grimm.is/arflow/internal/offload"
	"grimm.is/arflow/internal/reflector"
	"grimm.is/arflow/internal/shell"
	"grimm.is/arflow/internal/sim"
	"grimm.is/arflow/internal/ssh"
	"grimm.is/arflow/internal/transport"
)

// AgentOptions are the command-line overrides for RunAgent.
type AgentOptions struct {
	ConfigPath string
	// Sim replaces the NIC with in-memory ports, a reflector and a traffic
	// generator.
	Sim      bool
	LogLevel string
	NoShell  bool
}

// wiring is everything RunAgent starts besides the data plane itself.
type wiring struct {
	host, net transport.Port
	engine    offload.Engine
	// Populated in sim mode only.
	refl    *reflector.Reflector
	gen     *sim.Generator
	closers []func() error
}

// RunAgent runs the adaptive routing agent until a signal arrives or the
// shell's quit command is issued.
func RunAgent(opts AgentOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if errs := cfg.Validate(opts.Sim); len(errs) > 0 {
		for _, e := range errs {
			Printer.Fprintf(os.Stderr, "config: %s\n", e.Error())
		}
		return errs.Err()
	}

	lc, err := cfg.LoggerConfig()
	if err != nil {
		return err
	}
	logger := logging.New(lc)
	logging.SetDefault(logger)

	dpCfg, err := cfg.DataPlaneConfig()
	if err != nil {
		return err
	}
	pool, err := transport.NewPool(cfg.Pool.Size, cfg.Pool.BufSize)
	if err != nil {
		return err
	}

	var w *wiring
	if opts.Sim {
		w, err = simWiring(cfg, dpCfg, pool, logger)
	} else {
		w, err = nicWiring(cfg, pool, logger)
	}
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range w.closers {
			_ = c()
		}
	}()

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics()
	if err := m.Register(reg); err != nil {
		return errors.Wrap(err, errors.KindInternal, "register metrics")
	}

	dp, err := dataplane.New(dpCfg, dataplane.Options{
		Host:    w.host,
		Net:     w.net,
		Engine:  w.engine,
		Clock:   clock.Real{},
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		_ = w.engine.Close()
		_ = w.host.Close()
		_ = w.net.Close()
		return err
	}
	defer func() {
		if err := dp.Close(); err != nil {
			logger.Warn("close data plane", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dp.Run(gctx) })

	if cfg.MetricsEnabled() {
		srv, err := api.NewServer(api.ServerOptions{
			Config:   cfg.APIServer(),
			State:    dp,
			Gatherer: reg,
			Logger:   logger,
		})
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	sh := shell.New(dp, stop, logger)
	if cfg.ShellOnStdin() && !opts.NoShell {
		g.Go(func() error { return sh.RunStdio(gctx) })
	}

	if cfg.SSH.Enabled {
		sc, err := cfg.SSHServer()
		if err == nil {
			var srv *ssh.Server
			if srv, err = ssh.NewServer(sc, sh, logger); err == nil {
				g.Go(func() error { return srv.Serve(gctx) })
			}
		}
		if err != nil {
			stop()
			_ = g.Wait()
			return err
		}
	}

	if w.refl != nil {
		g.Go(func() error { return w.refl.Run(gctx) })
	}
	if w.gen != nil {
		g.Go(func() error { return w.gen.Run(gctx) })
	}

	logger.Info("arflow agent running", "instance", dp.ID.String(), "sim", opts.Sim)
	err = g.Wait()
	if w.refl != nil {
		st := w.refl.Stats()
		logger.Info("reflector summary", "bounced", st.Bounced, "dropped", st.Dropped, "delivered", st.Delivered)
	}
	if err != nil {
		logger.Error("agent stopped with error", "error", err)
		return err
	}
	logger.Info("arflow agent stopped")
	return nil
}

// nicWiring opens the configured interfaces and the offload engine.
func nicWiring(cfg *config.Config, pool *transport.Pool, logger *logging.Logger) (*wiring, error) {
	w := &wiring{}
	ports := make([]transport.Port, 0, 2)
	for _, role := range []string{config.RoleHost, config.RoleNet} {
		rc, ok, err := cfg.Port(role)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.Errorf(errors.KindValidation, "no %q port configured", role)
		}
		p, err := transport.OpenRaw(rc, pool, logger)
		if err != nil {
			for _, open := range ports {
				_ = open.Close()
			}
			return nil, errors.Wrapf(err, errors.KindUnavailable, "open %s port %s", role, rc.Interface)
		}
		ports = append(ports, p)
	}
	w.host, w.net = ports[0], ports[1]

	eng, err := offload.New(cfg.OffloadEngine(), clock.Real{}, logger)
	if err != nil {
		_ = w.host.Close()
		_ = w.net.Close()
		return nil, err
	}
	w.engine = eng
	return w, nil
}

// simWiring builds a closed loop: generator -> host pipe -> data plane ->
// net pipe -> reflector, with probe replies coming back the same way.
func simWiring(cfg *config.Config, dpCfg *dataplane.Config, pool *transport.Pool, logger *logging.Logger) (*wiring, error) {
	tenant, host, err := transport.NewPipe("tenant", "host", transport.PipeConfig{Pool: pool, SoftwareHash: true})
	if err != nil {
		return nil, err
	}
	wire, fabric, err := transport.NewPipe("net", "fabric", transport.PipeConfig{Pool: pool})
	if err != nil {
		return nil, err
	}

	ec := cfg.OffloadEngine()
	if ec.Kind != offload.KindSim {
		logger.Warn("sim mode uses the simulated offload engine", "configured", string(ec.Kind))
		ec.Kind = offload.KindSim
	}
	eng, err := offload.NewSimEngine(ec, clock.Real{}, logger)
	if err != nil {
		return nil, err
	}

	interval, delays, err := cfg.SimPaths()
	if err != nil {
		return nil, err
	}
	rc := reflector.DefaultConfig()
	rc.TunnelPort = dpCfg.TunnelPort
	rc.ReplyPort = dpCfg.Probe.ReplyPort
	refl := reflector.New(rc, fabric, clock.Real{}, logger)
	refl.SetProfile(sim.PathProfile(delays, cfg.Sim.LossPercent, nil))

	gc := sim.DefaultGeneratorConfig()
	gc.Flows = cfg.Sim.Flows
	gc.PacketsPerFlow = cfg.Sim.PacketsPerFlow
	gc.Interval = interval
	gc.TunnelPort = dpCfg.TunnelPort
	gen, err := sim.NewGenerator(gc, tenant, wire, eng, logger)
	if err != nil {
		return nil, err
	}

	return &wiring{
		host:    host,
		net:     wire,
		engine:  eng,
		refl:    refl,
		gen:     gen,
		closers: []func() error{tenant.Close, fabric.Close},
	}, nil
}
