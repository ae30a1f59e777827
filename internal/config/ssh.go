// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

// SSHConfig configures the SSH listener for the diagnostic shell.
type SSHConfig struct {
	Enabled bool   `hcl:"enabled,optional" json:"enabled"`
	Listen  string `hcl:"listen,optional" json:"listen,omitempty"` // Default: "127.0.0.1:2222"
	// HostKeyPath is generated on first start when missing.
	HostKeyPath string `hcl:"host_key_path,optional" json:"host_key_path,omitempty"`

	// AuthorizedKeysPath is required; only public-key logins are accepted.
	AuthorizedKeysPath string `hcl:"authorized_keys_path,optional" json:"authorized_keys_path,omitempty"`
	IdleTimeout        string `hcl:"idle_timeout,optional" json:"idle_timeout,omitempty"`
}
