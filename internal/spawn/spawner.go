// Package spawn launches teammate worker processes: name validation,
// model resolution, workspace preparation, and RPC start.
package spawn

import (
	"fmt"
	"os"
	"time"

	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/model"
	"github.com/teamclaw/teamclaw/internal/names"
	"github.com/teamclaw/teamclaw/internal/rpc"
	"github.com/teamclaw/teamclaw/internal/team"
)

// Context-initialization modes.
const (
	ModeFresh  = "fresh"
	ModeBranch = "branch"
)

// Workspace modes.
const (
	WorkspaceShared   = "shared"
	WorkspaceWorktree = "worktree"
)

// Options describe one spawn request.
type Options struct {
	Name          string
	Mode          string // fresh | branch
	WorkspaceMode string // shared | worktree
	PlanRequired  bool
	Model         string // optional override, "provider/model" or bare id
	Thinking      string // optional thinking level
}

// Result reports a spawn outcome. On success Teammate is started and the
// member is marked online in the team config.
type Result struct {
	OK            bool
	Name          string
	Mode          string
	WorkspaceMode string
	Note          string
	Warnings      []string
	Error         string
	Teammate      *rpc.Teammate
}

// Spawner launches workers for one team.
type Spawner struct {
	Cfg      config.Config
	TeamID   string
	TeamDir  string
	TaskList string
	LeadName string

	// Leader model identity, inherited by workers without an override.
	LeaderProvider string
	LeaderModelID  string

	// Cwd is the leader's working directory, shared by workers unless
	// they request a worktree.
	Cwd string

	// WorkerCommand overrides the worker binary; empty means this
	// executable with the "worker" subcommand.
	WorkerCommand string
	WorkerArgs    []string
}

// Spawn validates, resolves the model, prepares the workspace, starts the
// worker child, and marks the member online. isRunning guards against
// double-spawning a live worker.
func (s *Spawner) Spawn(opts Options, isRunning func(string) bool) Result {
	name := names.Sanitize(opts.Name)
	if name == "" {
		return Result{OK: false, Error: "worker name is required"}
	}
	if name == s.LeadName {
		return Result{OK: false, Error: fmt.Sprintf("%q is the lead name", name)}
	}
	if isRunning != nil && isRunning(name) {
		return Result{OK: false, Error: fmt.Sprintf("worker %q is already running", name)}
	}
	mode := opts.Mode
	if mode == "" {
		mode = ModeFresh
	}
	if mode != ModeFresh && mode != ModeBranch {
		return Result{OK: false, Error: fmt.Sprintf("unknown mode %q", mode)}
	}
	workspaceMode := opts.WorkspaceMode
	if workspaceMode == "" {
		workspaceMode = WorkspaceShared
	}
	if workspaceMode != WorkspaceShared && workspaceMode != WorkspaceWorktree {
		return Result{OK: false, Error: fmt.Sprintf("unknown workspace mode %q", workspaceMode)}
	}
	thinking, ok := model.NormalizeThinking(opts.Thinking)
	if !ok {
		return Result{OK: false, Error: fmt.Sprintf("unknown thinking level %q", opts.Thinking)}
	}

	res, err := model.Resolve(model.Input{
		ModelOverride:  opts.Model,
		LeaderProvider: s.LeaderProvider,
		LeaderModelID:  s.LeaderModelID,
	})
	if err != nil {
		return Result{OK: false, Error: err.Error()}
	}
	warnings := res.Warnings

	cwd := s.Cwd
	note := ""
	if workspaceMode == WorkspaceWorktree {
		dir, err := addWorktree(s.Cwd, name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("worktree setup failed (%v); sharing the leader workspace", err))
			workspaceMode = WorkspaceShared
		} else {
			cwd = dir
			note = "isolated worktree at " + dir
		}
	}

	command, args := s.workerCommand(opts.PlanRequired, res, thinking)
	tm := rpc.NewTeammate(name)
	if err := tm.Start(rpc.StartOptions{
		Command: command,
		Args:    args,
		Cwd:     cwd,
		Env:     s.workerEnv(name),
	}); err != nil {
		return Result{OK: false, Error: err.Error()}
	}

	meta := map[string]any{
		"spawnedAt":     time.Now().UTC().Format(time.RFC3339),
		"mode":          mode,
		"workspaceMode": workspaceMode,
	}
	if res.ModelID != "" {
		meta["model"] = res.ModelID
	}
	if thinking != "" {
		meta["thinkingLevel"] = thinking
	}
	if _, err := team.SetMemberStatus(s.TeamDir, name, team.StatusOnline, meta); err != nil {
		warnings = append(warnings, fmt.Sprintf("member record not updated: %v", err))
	}

	return Result{
		OK:            true,
		Name:          name,
		Mode:          mode,
		WorkspaceMode: workspaceMode,
		Note:          note,
		Warnings:      warnings,
		Teammate:      tm,
	}
}

func (s *Spawner) workerCommand(planRequired bool, res model.Resolution, thinking string) (string, []string) {
	command := s.WorkerCommand
	args := append([]string{}, s.WorkerArgs...)
	if command == "" {
		exe, err := os.Executable()
		if err != nil {
			exe = "teamclaw"
		}
		command = exe
		args = []string{"worker"}
	}
	if res.ModelID != "" {
		spec := res.ModelID
		if res.Provider != "" {
			spec = res.Provider + "/" + res.ModelID
		}
		args = append(args, "--model", spec)
	}
	if thinking != "" {
		args = append(args, "--thinking", thinking)
	}
	if planRequired {
		args = append(args, "--plan")
	}
	return command, args
}

func (s *Spawner) workerEnv(name string) []string {
	env := os.Environ()
	env = append(env,
		"PI_TEAMS_WORKER=1",
		"PI_TEAMS_ROOT_DIR="+s.Cfg.RootDir,
		"PI_TEAMS_TEAM_ID="+s.TeamID,
		"PI_TEAMS_AGENT_NAME="+name,
		"PI_TEAMS_TASK_LIST_ID="+s.TaskList,
		"PI_TEAMS_LEAD_NAME="+s.LeadName,
	)
	return env
}
