// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"net"
	"strings"

	"grimm.is/arflow/internal/errors"
	"grimm.is/arflow/internal/offload"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Err returns e as an error, or nil when empty.
func (e ValidationErrors) Err() error {
	if len(e) == 0 {
		return nil
	}
	return errors.Wrap(e, errors.KindValidation, "invalid configuration")
}

// Validate validates the entire configuration. sim reports whether the
// agent will run against the in-memory network, where ports need no
// interfaces.
func (c *Config) Validate(sim bool) ValidationErrors {
	var errs ValidationErrors
	add := func(err error) {
		if err == nil {
			return
		}
		var ve ValidationError
		if errors.As(err, &ve) {
			errs = append(errs, ve)
			return
		}
		errs = append(errs, ValidationError{Field: "config", Message: err.Error()})
	}

	dp, err := c.DataPlaneConfig()
	add(err)
	if err == nil {
		add(dp.Validate())
	}

	switch offload.Kind(c.Offload.Engine) {
	case offload.KindSim, offload.KindBPF:
	default:
		errs = append(errs, ValidationError{Field: "offload.engine", Message: fmt.Sprintf("unknown engine %q", c.Offload.Engine)})
	}
	if c.Offload.MaxRules <= 0 {
		errs = append(errs, ValidationError{Field: "offload.max_rules", Message: "must be positive"})
	}
	if c.Offload.ScanPerPoll < 0 {
		errs = append(errs, ValidationError{Field: "offload.scan_per_poll", Message: "must not be negative"})
	}
	if c.Pool.Size <= 0 || c.Pool.BufSize < 64 {
		errs = append(errs, ValidationError{Field: "pool", Message: "size must be positive and buf_size at least 64"})
	}

	errs = append(errs, c.validatePorts(sim)...)

	if c.SSH.Enabled && c.SSH.AuthorizedKeysPath == "" {
		errs = append(errs, ValidationError{Field: "ssh.authorized_keys_path", Message: "required when ssh is enabled"})
	}
	_, err = c.SSHServer()
	add(err)
	if c.MetricsEnabled() {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs = append(errs, ValidationError{Field: "metrics.listen", Message: err.Error()})
		}
	}
	_, err = c.LoggerConfig()
	add(err)

	if sim {
		_, _, err = c.SimPaths()
		add(err)
		if c.Sim.Flows <= 0 {
			errs = append(errs, ValidationError{Field: "sim.flows", Message: "must be positive"})
		}
		if c.Sim.LossPercent < 0 || c.Sim.LossPercent > 100 {
			errs = append(errs, ValidationError{Field: "sim.loss_percent", Message: "must be between 0 and 100"})
		}
	}
	return errs
}

func (c *Config) validatePorts(sim bool) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]bool)
	for _, p := range c.Ports {
		field := fmt.Sprintf("port[%s]", p.Role)
		if p.Role != RoleHost && p.Role != RoleNet {
			errs = append(errs, ValidationError{Field: field, Message: "role must be host or net"})
			continue
		}
		if seen[p.Role] {
			errs = append(errs, ValidationError{Field: field, Message: "declared more than once"})
		}
		seen[p.Role] = true
		if p.Interface == "" {
			errs = append(errs, ValidationError{Field: field + ".interface", Message: "required"})
		}
		if _, _, err := c.Port(p.Role); err != nil {
			errs = append(errs, ValidationError{Field: field + ".poll_timeout", Message: err.Error()})
		}
	}
	if !sim {
		for _, role := range []string{RoleHost, RoleNet} {
			if !seen[role] {
				errs = append(errs, ValidationError{Field: fmt.Sprintf("port[%s]", role), Message: "required unless running with --sim"})
			}
		}
	}
	return errs
}
