// Package auth decides whether an inbound envelope may enter the pipeline, from the configured
// legacy passphrases and the machine-group switch. It never touches storage.
package auth

import (
	"strings"

	"fleet-telemetry/backend/internal/event/domain"
	"fleet-telemetry/backend/internal/security"
)

// Result is the outcome of Authenticate. PassphraseHash and Mode are set only when Allowed.
// Mode is AuthModeNone when neither mechanism is configured.
type Result struct {
	Allowed        bool
	PassphraseHash *string
	Mode           domain.AuthMode
}

// Config is the immutable authentication configuration.
type Config struct {
	// LegacyPassphrases are accepted verbatim after trimming. Empty disables legacy mode.
	LegacyPassphrases []string
	// MachineGroups accepts any non-blank passphrase and forwards its hash for group resolution.
	MachineGroups bool
}

// Authenticator evaluates passphrases against Config. Safe for concurrent use.
type Authenticator struct {
	legacy        []string // SHA-256 hashes of the legacy passphrases
	machineGroups bool
}

// New returns an Authenticator for cfg. Blank legacy entries are ignored.
func New(cfg Config) *Authenticator {
	legacy := make([]string, 0, len(cfg.LegacyPassphrases))
	for _, p := range cfg.LegacyPassphrases {
		if p = strings.TrimSpace(p); p != "" {
			legacy = append(legacy, security.HashPassphrase(p))
		}
	}
	return &Authenticator{legacy: legacy, machineGroups: cfg.MachineGroups}
}

// Open reports whether no authentication is configured.
func (a *Authenticator) Open() bool {
	return len(a.legacy) == 0 && !a.machineGroups
}

// Authenticate resolves the passphrase. Machine-group mode takes priority over legacy mode; a
// blank passphrase counts as absent.
func (a *Authenticator) Authenticate(passphrase *string) Result {
	if a.Open() {
		return Result{Allowed: true, Mode: domain.AuthModeNone}
	}
	if passphrase == nil {
		return Result{}
	}
	p := strings.TrimSpace(*passphrase)
	if p == "" {
		return Result{}
	}
	hash := security.HashPassphrase(p)
	if a.machineGroups {
		return Result{Allowed: true, PassphraseHash: &hash, Mode: domain.AuthModeMachineGroup}
	}
	matched := false
	for _, stored := range a.legacy {
		if security.PassphraseMatches(p, stored) {
			matched = true
		}
	}
	if matched {
		return Result{Allowed: true, PassphraseHash: &hash, Mode: domain.AuthModeLegacy}
	}
	return Result{}
}
