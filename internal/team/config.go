// Package team persists team membership, hook policy, and discovery
// metadata in config.json under each team directory. Writes go through
// the config lock with temp-then-rename; readers tolerate torn or missing
// files by treating them as absent.
package team

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/teamclaw/teamclaw/internal/lockfile"
	"github.com/teamclaw/teamclaw/internal/names"
	"github.com/teamclaw/teamclaw/internal/teamerr"
)

// ConfigFileName is the per-team config file.
const ConfigFileName = "config.json"

// Member roles and statuses.
const (
	RoleLead   = "lead"
	RoleWorker = "worker"

	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Hook failure actions.
const (
	FailureWarn           = "warn"
	FailureFollowup       = "followup"
	FailureReopen         = "reopen"
	FailureReopenFollowup = "reopen_followup"
)

// Follow-up owners.
const (
	FollowupOwnerMember = "member"
	FollowupOwnerLead   = "lead"
	FollowupOwnerNone   = "none"
)

// Member is one agent in the team. Name is the primary key.
type Member struct {
	Name       string         `json:"name"`
	Role       string         `json:"role"`
	Status     string         `json:"status"`
	LastSeenAt string         `json:"lastSeenAt,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// HooksPolicy configures the quality-gate remediation loop. Empty fields
// fall back to environment defaults through Effective.
type HooksPolicy struct {
	FailureAction     string `json:"failureAction,omitempty"`
	MaxReopensPerTask *int   `json:"maxReopensPerTask,omitempty"`
	FollowupOwner     string `json:"followupOwner,omitempty"`
}

// Effective overlays the policy on defaults, filling unset fields.
func (p *HooksPolicy) Effective(def HooksPolicy) HooksPolicy {
	out := def
	if p == nil {
		return out
	}
	if p.FailureAction != "" {
		out.FailureAction = p.FailureAction
	}
	if p.MaxReopensPerTask != nil {
		out.MaxReopensPerTask = p.MaxReopensPerTask
	}
	if p.FollowupOwner != "" {
		out.FollowupOwner = p.FollowupOwner
	}
	return out
}

// MaxReopens returns the reopen bound, defaulting to fallback when unset.
func (p HooksPolicy) MaxReopens(fallback int) int {
	if p.MaxReopensPerTask != nil && *p.MaxReopensPerTask >= 0 {
		return *p.MaxReopensPerTask
	}
	return fallback
}

// ValidFailureAction reports whether s is a known failure action.
func ValidFailureAction(s string) bool {
	switch s {
	case FailureWarn, FailureFollowup, FailureReopen, FailureReopenFollowup:
		return true
	}
	return false
}

// ValidFollowupOwner reports whether s is a known follow-up owner.
func ValidFollowupOwner(s string) bool {
	switch s {
	case FollowupOwnerMember, FollowupOwnerLead, FollowupOwnerNone:
		return true
	}
	return false
}

// Config is the persisted team record.
type Config struct {
	TeamID     string       `json:"teamId"`
	TaskListID string       `json:"taskListId"`
	LeadName   string       `json:"leadName"`
	Style      string       `json:"style,omitempty"`
	Hooks      *HooksPolicy `json:"hooks,omitempty"`
	Members    []Member     `json:"members"`
	CreatedAt  string       `json:"createdAt,omitempty"`
	UpdatedAt  string       `json:"updatedAt,omitempty"`
}

// FindMember returns a pointer into Members for name, or nil.
func (c *Config) FindMember(name string) *Member {
	for i := range c.Members {
		if c.Members[i].Name == name {
			return &c.Members[i]
		}
	}
	return nil
}

// WorkerNames returns the names of all non-lead members.
func (c *Config) WorkerNames() []string {
	var out []string
	for _, m := range c.Members {
		if m.Role != RoleLead {
			out = append(out, m.Name)
		}
	}
	return out
}

func configPath(teamDir string) string { return filepath.Join(teamDir, ConfigFileName) }
func configLock(teamDir string) string { return configPath(teamDir) + ".lock" }

// LoadConfig reads config.json. Missing and torn files come back as
// (nil, false).
func LoadConfig(teamDir string) (*Config, bool) {
	data, err := os.ReadFile(configPath(teamDir))
	if err != nil {
		return nil, false
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, false
	}
	return &cfg, true
}

// EnsureConfig creates config.json from defaults when absent. When a
// config already exists it is upserted: updatedAt is refreshed and only
// missing leadName / taskListId / style / members are filled from
// defaults; present fields are preserved.
func EnsureConfig(teamDir string, defaults Config) (Config, error) {
	var out Config
	err := lockfile.WithLock(configLock(teamDir), lockfile.Options{}, func() error {
		now := time.Now().UTC().Format(time.RFC3339)
		current, ok := LoadConfig(teamDir)
		if !ok {
			defaults.CreatedAt = now
			defaults.UpdatedAt = now
			for i := range defaults.Members {
				defaults.Members[i].Name = names.Sanitize(defaults.Members[i].Name)
			}
			out = defaults
			return writeConfig(teamDir, defaults)
		}
		if current.LeadName == "" {
			current.LeadName = defaults.LeadName
		}
		if current.TaskListID == "" {
			current.TaskListID = defaults.TaskListID
		}
		if current.Style == "" {
			current.Style = defaults.Style
		}
		for _, m := range defaults.Members {
			if current.FindMember(names.Sanitize(m.Name)) == nil {
				m.Name = names.Sanitize(m.Name)
				current.Members = append(current.Members, m)
			}
		}
		current.UpdatedAt = now
		out = *current
		return writeConfig(teamDir, *current)
	})
	if err != nil {
		return Config{}, err
	}
	return out, nil
}

// SetMemberStatus upserts the member and applies status plus meta merge.
// A nil value in meta deletes the key. lastSeenAt is refreshed on every
// call.
func SetMemberStatus(teamDir, name, status string, meta map[string]any) (Config, error) {
	name = names.Sanitize(name)
	var out Config
	err := lockfile.WithLock(configLock(teamDir), lockfile.Options{}, func() error {
		cfg, ok := LoadConfig(teamDir)
		if !ok {
			return teamerr.New(teamerr.NotFound, "team.set_member_status", "no config in %s", teamDir)
		}
		m := cfg.FindMember(name)
		if m == nil {
			cfg.Members = append(cfg.Members, Member{Name: name, Role: RoleWorker})
			m = &cfg.Members[len(cfg.Members)-1]
		}
		m.Status = status
		m.LastSeenAt = time.Now().UTC().Format(time.RFC3339)
		if len(meta) > 0 {
			if m.Meta == nil {
				m.Meta = map[string]any{}
			}
			for k, v := range meta {
				if v == nil {
					delete(m.Meta, k)
					continue
				}
				m.Meta[k] = v
			}
		}
		cfg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		out = *cfg
		return writeConfig(teamDir, *cfg)
	})
	if err != nil {
		return Config{}, err
	}
	return out, nil
}

// UpdateHooksPolicy mutates the hook policy under the config lock.
func UpdateHooksPolicy(teamDir string, f func(*HooksPolicy)) (HooksPolicy, error) {
	var out HooksPolicy
	err := lockfile.WithLock(configLock(teamDir), lockfile.Options{}, func() error {
		cfg, ok := LoadConfig(teamDir)
		if !ok {
			return teamerr.New(teamerr.NotFound, "team.update_hooks", "no config in %s", teamDir)
		}
		if cfg.Hooks == nil {
			cfg.Hooks = &HooksPolicy{}
		}
		f(cfg.Hooks)
		cfg.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		out = *cfg.Hooks
		return writeConfig(teamDir, *cfg)
	})
	if err != nil {
		return HooksPolicy{}, err
	}
	return out, nil
}

func writeConfig(teamDir string, cfg Config) error {
	if err := os.MkdirAll(teamDir, 0o755); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "team.write_config", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return teamerr.Wrap(teamerr.IoFault, "team.write_config", err)
	}
	tmp := configPath(teamDir) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return teamerr.Wrap(teamerr.IoFault, "team.write_config", err)
	}
	if err := os.Rename(tmp, configPath(teamDir)); err != nil {
		_ = os.Remove(tmp)
		return teamerr.Wrap(teamerr.IoFault, "team.write_config", err)
	}
	return nil
}
