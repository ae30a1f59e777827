// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package cmd

import (
	"grimm.is/arflow/internal/config"
	"grimm.is/arflow/internal/errors"
)

// CheckOptions controls RunCheckConfig.
type CheckOptions struct {
	// Sim validates for --sim, where port blocks are optional.
	Sim bool
	// Print writes the effective configuration, defaults filled in.
	Print bool
}

// RunCheckConfig loads and validates a configuration file without starting
// anything.
func RunCheckConfig(configPath string, opts CheckOptions) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	errs := cfg.Validate(opts.Sim)
	if len(errs) > 0 {
		Printer.Printf("Configuration invalid (%d errors):\n", len(errs))
		for _, e := range errs {
			Printer.Printf("  - %s\n", e.Error())
		}
		return errs.Err()
	}

	if opts.Print {
		Printer.Printf("%s", config.Marshal(cfg))
		return nil
	}
	name := configPath
	if name == "" {
		name = "(defaults)"
	}
	Printer.Printf("Configuration OK: %s\n", name)
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.GetKind(err), "failed to load config")
	}
	return cfg, nil
}
