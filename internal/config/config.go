// Package config provides the environment snapshot for the team
// coordination kernel. All PI_TEAMS_* variables are read once at startup;
// nothing else in the process consults the environment afterwards.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is the prefix for all environment variables.
const EnvPrefix = "pi_teams"

// Config is the startup snapshot of the coordination environment.
type Config struct {
	// RootDir is the directory that holds one subdirectory per team.
	RootDir string `envconfig:"ROOT_DIR"`

	// Worker marks this process as a teammate child rather than a leader.
	Worker bool `envconfig:"WORKER"`

	TeamID     string `envconfig:"TEAM_ID"`
	AgentName  string `envconfig:"AGENT_NAME"`
	TaskListID string `envconfig:"TASK_LIST_ID"`
	LeadName   string `envconfig:"LEAD_NAME" default:"lead"`

	// AutoClaim makes attach take over a claim held by another live
	// session, as --claim does. Stale claims are taken over either way.
	AutoClaim bool `envconfig:"AUTO_CLAIM"`

	// Runner is the command workers hand prompt text to. Empty means
	// prompts are acknowledged without side effects.
	Runner string `envconfig:"RUNNER"`

	// Hook execution.
	HooksEnabled  bool   `envconfig:"HOOKS_ENABLED"`
	HookCommand   string `envconfig:"HOOK_COMMAND"`
	HookTimeoutMS int    `envconfig:"HOOK_TIMEOUT_MS" default:"60000"`

	// Hook policy defaults, used when config.json leaves fields unset.
	HookFailureAction string `envconfig:"HOOK_FAILURE_ACTION" default:"warn"`
	HookFollowupOwner string `envconfig:"HOOK_FOLLOWUP_OWNER" default:"member"`
	HookMaxReopens    int    `envconfig:"HOOK_MAX_REOPENS" default:"2"`

	// MaxTeammates caps auto-spawned workers during delegation.
	MaxTeammates int `envconfig:"MAX_TEAMMATES" default:"4"`

	// ClaimStaleMS is the heartbeat age after which a claim is stale.
	ClaimStaleMS int64 `envconfig:"CLAIM_STALE_MS" default:"30000"`
}

// Load reads the environment snapshot. Missing values fall back to
// defaults; RootDir defaults to ~/.teamclaw/teams.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, err
	}
	if strings.TrimSpace(cfg.RootDir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, err
		}
		cfg.RootDir = filepath.Join(home, ".teamclaw", "teams")
	}
	if cfg.HookTimeoutMS <= 0 {
		cfg.HookTimeoutMS = 60000
	}
	if cfg.MaxTeammates <= 0 {
		cfg.MaxTeammates = 4
	}
	if cfg.ClaimStaleMS <= 0 {
		cfg.ClaimStaleMS = 30000
	}
	return cfg, nil
}

// TeamDir returns the on-disk directory for teamID under the root.
func (c Config) TeamDir(teamID string) string {
	return filepath.Join(c.RootDir, teamID)
}

// HookTimeout returns the hook timeout as a duration.
func (c Config) HookTimeout() time.Duration {
	return time.Duration(c.HookTimeoutMS) * time.Millisecond
}

// ClaimStale returns the claim staleness threshold as a duration.
func (c Config) ClaimStale() time.Duration {
	return time.Duration(c.ClaimStaleMS) * time.Millisecond
}
