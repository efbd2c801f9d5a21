package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teamclaw/teamclaw/internal/mailbox"
	"github.com/teamclaw/teamclaw/internal/names"
	"github.com/teamclaw/teamclaw/internal/protocol"
	"github.com/teamclaw/teamclaw/internal/spawn"
	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
	"github.com/teamclaw/teamclaw/internal/timeline"
)

// Tool actions accepted by HandleAction.
const (
	ActionDelegate         = "delegate"
	ActionTaskAssign       = "task_assign"
	ActionTaskUnassign     = "task_unassign"
	ActionTaskSetStatus    = "task_set_status"
	ActionTaskDepAdd       = "task_dep_add"
	ActionTaskDepRm        = "task_dep_rm"
	ActionTaskDepLs        = "task_dep_ls"
	ActionMessageDM        = "message_dm"
	ActionMessageBroadcast = "message_broadcast"
	ActionMessageSteer     = "message_steer"
	ActionMemberSpawn      = "member_spawn"
	ActionMemberShutdown   = "member_shutdown"
	ActionMemberKill       = "member_kill"
	ActionMemberPrune      = "member_prune"
	ActionPlanApprove      = "plan_approve"
	ActionPlanReject       = "plan_reject"
	ActionHooksPolicyGet   = "hooks_policy_get"
	ActionHooksPolicySet   = "hooks_policy_set"
)

// pruneCutoff is how stale a member must be before a non-forced prune
// touches it.
const pruneCutoff = time.Hour

// DelegateItem is one unit of work handed to delegate.
type DelegateItem struct {
	Text     string `json:"text"`
	Assignee string `json:"assignee,omitempty"`
}

// Action is one teams-tool invocation.
type Action struct {
	Type string `json:"action"`

	TaskID   string `json:"taskId,omitempty"`
	DepID    string `json:"depId,omitempty"`
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	Name     string `json:"name,omitempty"`
	Text     string `json:"text,omitempty"`
	All      bool   `json:"all,omitempty"`

	Tasks     []DelegateItem `json:"tasks,omitempty"`
	Teammates []string       `json:"teammates,omitempty"`

	Mode          string `json:"mode,omitempty"`
	WorkspaceMode string `json:"workspaceMode,omitempty"`
	PlanRequired  bool   `json:"planRequired,omitempty"`
	Model         string `json:"model,omitempty"`
	Thinking      string `json:"thinking,omitempty"`

	Feedback string            `json:"feedback,omitempty"`
	Policy   *team.HooksPolicy `json:"policy,omitempty"`
	Reset    bool              `json:"reset,omitempty"`
}

// Result is the structured outcome of one action. OK=false is an expected
// outcome, never a panic or a raw error crossing the tool boundary.
type Result struct {
	OK      bool           `json:"ok"`
	Content string         `json:"content"`
	Details map[string]any `json:"details,omitempty"`
}

func ok(content string, details map[string]any) Result {
	return Result{OK: true, Content: content, Details: details}
}

func fail(format string, args ...any) Result {
	return Result{OK: false, Content: fmt.Sprintf(format, args...)}
}

// readOnlyActions stay available while detached.
var readOnlyActions = map[string]bool{
	ActionTaskDepLs:      true,
	ActionHooksPolicyGet: true,
}

// HandleAction validates and executes one teams-tool action. ctx carries
// the external abort signal; the delegate loop checks it between tasks
// and between spawns.
func (c *Coordinator) HandleAction(ctx context.Context, a Action) Result {
	if c.Detached() && !readOnlyActions[a.Type] {
		return fail("coordinator is detached from team %s; only read commands are accepted", c.teamID)
	}
	switch a.Type {
	case ActionDelegate:
		return c.delegate(ctx, a)
	case ActionTaskAssign:
		return c.taskAssign(a)
	case ActionTaskUnassign:
		return c.taskUnassign(a)
	case ActionTaskSetStatus:
		return c.taskSetStatus(a)
	case ActionTaskDepAdd:
		return c.taskDepAdd(a)
	case ActionTaskDepRm:
		return c.taskDepRm(a)
	case ActionTaskDepLs:
		return c.taskDepLs(a)
	case ActionMessageDM:
		return c.messageDM(a)
	case ActionMessageBroadcast:
		return c.messageBroadcast(a)
	case ActionMessageSteer:
		return c.messageSteer(a)
	case ActionMemberSpawn:
		return c.memberSpawn(a)
	case ActionMemberShutdown:
		return c.memberShutdown(a)
	case ActionMemberKill:
		return c.memberKill(a)
	case ActionMemberPrune:
		return c.memberPrune(a)
	case ActionPlanApprove:
		return c.planDecision(a, true)
	case ActionPlanReject:
		return c.planDecision(a, false)
	case ActionHooksPolicyGet:
		return c.hooksPolicyGet()
	case ActionHooksPolicySet:
		return c.hooksPolicySet(a)
	default:
		return fail("unknown action %q", a.Type)
	}
}

func (c *Coordinator) taskAssign(a Action) Result {
	if a.TaskID == "" || a.Assignee == "" {
		return fail("task_assign requires taskId and assignee")
	}
	assignee := names.Sanitize(a.Assignee)
	task, err := c.store.Assign(a.TaskID, assignee)
	if err != nil {
		return fail("%v", err)
	}
	if err := c.sendAssignment(task, assignee); err != nil {
		return fail("task assigned but envelope delivery failed: %v", err)
	}
	return ok(fmt.Sprintf("task #%s assigned to %s", task.ID, assignee),
		map[string]any{"task": task})
}

func (c *Coordinator) taskUnassign(a Action) Result {
	if a.TaskID == "" {
		return fail("task_unassign requires taskId")
	}
	task, err := c.store.Update(a.TaskID, func(t taskstore.Task) (taskstore.Task, error) {
		if t.Owner == "" {
			return t, nil
		}
		t.Owner = ""
		if t.Status != taskstore.StatusCompleted {
			t.Status = taskstore.StatusPending
		}
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["unassignedAt"] = nowStamp()
		t.Metadata["unassignedBy"] = c.leadName
		return t, nil
	})
	if err != nil {
		return fail("%v", err)
	}
	return ok(fmt.Sprintf("task #%s unassigned", task.ID), map[string]any{"task": task})
}

func (c *Coordinator) taskSetStatus(a Action) Result {
	if a.TaskID == "" || a.Status == "" {
		return fail("task_set_status requires taskId and status")
	}
	task, err := c.store.SetStatus(a.TaskID, a.Status)
	if err != nil {
		return fail("%v", err)
	}
	if a.Status == taskstore.StatusCompleted {
		_ = c.tl.Record(c.teamID, task.Owner, timeline.KindTaskCompleted, task.ID, "")
	}
	return ok(fmt.Sprintf("task #%s is now %s", task.ID, task.Status), map[string]any{"task": task})
}

func (c *Coordinator) taskDepAdd(a Action) Result {
	if a.TaskID == "" || a.DepID == "" {
		return fail("task_dep_add requires taskId and depId")
	}
	if err := c.store.AddDependency(a.TaskID, a.DepID); err != nil {
		return fail("%v", err)
	}
	return ok(fmt.Sprintf("task #%s is now blocked by #%s", a.TaskID, a.DepID), nil)
}

func (c *Coordinator) taskDepRm(a Action) Result {
	if a.TaskID == "" || a.DepID == "" {
		return fail("task_dep_rm requires taskId and depId")
	}
	if err := c.store.RemoveDependency(a.TaskID, a.DepID); err != nil {
		return fail("%v", err)
	}
	return ok(fmt.Sprintf("task #%s is no longer blocked by #%s", a.TaskID, a.DepID), nil)
}

func (c *Coordinator) taskDepLs(a Action) Result {
	if a.TaskID == "" {
		return fail("task_dep_ls requires taskId")
	}
	task, err := c.store.Get(a.TaskID)
	if err != nil {
		return fail("%v", err)
	}
	blocked, _ := c.store.Blocked(task.ID)
	label := "unblocked"
	if blocked {
		label = "blocked"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "task #%s (%s)\n", task.ID, label)
	fmt.Fprintf(&b, "  blocked by: %s\n", idList(task.BlockedBy))
	fmt.Fprintf(&b, "  blocks:     %s", idList(task.Blocks))
	return ok(b.String(), map[string]any{
		"taskId":    task.ID,
		"blocked":   blocked,
		"blockedBy": task.BlockedBy,
		"blocks":    task.Blocks,
	})
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "(none)"
	}
	return "#" + strings.Join(ids, ", #")
}

func (c *Coordinator) messageDM(a Action) Result {
	if a.Name == "" || a.Text == "" {
		return fail("message_dm requires name and text")
	}
	recipient := names.Sanitize(a.Name)
	err := mailbox.Write(c.teamDir, mailbox.NamespaceTeam, recipient, mailbox.Message{
		From:      c.leadName,
		Text:      a.Text,
		Timestamp: nowStamp(),
	})
	if err != nil {
		return fail("%v", err)
	}
	return ok(fmt.Sprintf("message delivered to %s", recipient), nil)
}

// messageBroadcast writes the same text to the union of known workers,
// live teammates, and current task owners (lead excluded), all with one
// shared timestamp.
func (c *Coordinator) messageBroadcast(a Action) Result {
	if a.Text == "" {
		return fail("message_broadcast requires text")
	}
	recipients := map[string]bool{}
	if cfg, ok := team.LoadConfig(c.teamDir); ok {
		for _, n := range cfg.WorkerNames() {
			recipients[n] = true
		}
	}
	for _, n := range c.liveWorkerNames() {
		recipients[n] = true
	}
	for _, t := range c.store.List() {
		if t.Owner != "" && t.Owner != c.leadName {
			recipients[t.Owner] = true
		}
	}
	if len(recipients) == 0 {
		return fail("no recipients: no known workers, live teammates, or task owners")
	}
	stamp := nowStamp()
	var delivered []string
	for n := range recipients {
		if err := mailbox.Write(c.teamDir, mailbox.NamespaceTeam, n, mailbox.Message{
			From:      c.leadName,
			Text:      a.Text,
			Timestamp: stamp,
		}); err != nil {
			return fail("broadcast to %s failed: %v", n, err)
		}
		delivered = append(delivered, n)
	}
	return ok(fmt.Sprintf("broadcast delivered to %d recipient(s)", len(delivered)),
		map[string]any{"recipients": delivered})
}

func (c *Coordinator) messageSteer(a Action) Result {
	if a.Name == "" || a.Text == "" {
		return fail("message_steer requires name and text")
	}
	tm := c.teammate(names.Sanitize(a.Name))
	if tm == nil || !tm.Running() {
		return fail("worker %q is not running", a.Name)
	}
	if _, err := tm.Steer(a.Text); err != nil {
		return fail("steer failed: %v", err)
	}
	return ok(fmt.Sprintf("steered %s", tm.Name), nil)
}

func (c *Coordinator) memberSpawn(a Action) Result {
	name := a.Name
	if name == "" {
		cfg, _ := team.LoadConfig(c.teamDir)
		var existing []string
		if cfg != nil {
			existing = cfg.WorkerNames()
		}
		name = names.NextAgentName(existing)
	}
	res := c.spawner.Spawn(spawn.Options{
		Name:          name,
		Mode:          a.Mode,
		WorkspaceMode: a.WorkspaceMode,
		PlanRequired:  a.PlanRequired,
		Model:         a.Model,
		Thinking:      a.Thinking,
	}, c.isRunning)
	if !res.OK {
		return fail("%s", res.Error)
	}
	c.register(res)
	content := fmt.Sprintf("spawned %s (%s, %s workspace)", res.Name, res.Mode, res.WorkspaceMode)
	if res.Note != "" {
		content += " — " + res.Note
	}
	return ok(content, map[string]any{
		"name":          res.Name,
		"mode":          res.Mode,
		"workspaceMode": res.WorkspaceMode,
		"warnings":      res.Warnings,
	})
}

// memberShutdown writes a shutdown_request to one worker, or to every
// online worker when All is set.
func (c *Coordinator) memberShutdown(a Action) Result {
	cfg, okCfg := team.LoadConfig(c.teamDir)
	if !okCfg {
		return fail("no team config for %s", c.teamID)
	}
	var targets []string
	if a.All {
		for _, m := range cfg.Members {
			if m.Role != team.RoleLead && m.Status == team.StatusOnline {
				targets = append(targets, m.Name)
			}
		}
	} else {
		if a.Name == "" {
			return fail("member_shutdown requires name (or all=true)")
		}
		targets = []string{names.Sanitize(a.Name)}
	}
	if len(targets) == 0 {
		return fail("no online workers to shut down")
	}
	for _, n := range targets {
		env := protocol.Envelope{
			Type:      protocol.TypeShutdownRequest,
			RequestID: uuid.NewString(),
			From:      c.leadName,
			Timestamp: nowStamp(),
		}
		if err := mailbox.Write(c.teamDir, mailbox.NamespaceTeam, n, mailbox.Message{
			From:      c.leadName,
			Text:      protocol.Encode(env),
			Timestamp: nowStamp(),
		}); err != nil {
			return fail("shutdown request to %s failed: %v", n, err)
		}
		if _, err := team.SetMemberStatus(c.teamDir, n, team.StatusOnline, map[string]any{
			"shutdownRequestedAt": nowStamp(),
		}); err != nil {
			return fail("member record for %s not updated: %v", n, err)
		}
	}
	return ok(fmt.Sprintf("shutdown requested for %s", strings.Join(targets, ", ")),
		map[string]any{"targets": targets})
}

// memberKill force-stops a worker, returns its tasks to the pool, and
// marks the member offline.
func (c *Coordinator) memberKill(a Action) Result {
	if a.Name == "" {
		return fail("member_kill requires name")
	}
	name := names.Sanitize(a.Name)
	tm := c.teammate(name)
	if tm != nil {
		tm.Stop()
	}
	affected, err := c.store.UnassignForAgent(name, "killed by lead", c.leadName)
	if err != nil {
		return fail("%v", err)
	}
	if _, err := team.SetMemberStatus(c.teamDir, name, team.StatusOffline, map[string]any{
		"killedAt": nowStamp(),
	}); err != nil {
		return fail("%v", err)
	}
	c.tracker.Reset(name)
	return ok(fmt.Sprintf("killed %s (%d task(s) returned to the pool)", name, len(affected)),
		map[string]any{"unassigned": affected})
}

// memberPrune marks stale non-running workers offline. Without All only
// members unseen for over an hour are touched; a worker owning an
// in_progress task is never pruned.
func (c *Coordinator) memberPrune(a Action) Result {
	cfg, okCfg := team.LoadConfig(c.teamDir)
	if !okCfg {
		return fail("no team config for %s", c.teamID)
	}
	inProgressOwner := map[string]bool{}
	for _, t := range c.store.List() {
		if t.Status == taskstore.StatusInProgress && t.Owner != "" {
			inProgressOwner[t.Owner] = true
		}
	}
	now := time.Now()
	var pruned []string
	for _, m := range cfg.Members {
		if m.Role == team.RoleLead || c.isRunning(m.Name) || inProgressOwner[m.Name] {
			continue
		}
		if m.Status == team.StatusOffline {
			continue
		}
		if !a.All {
			seen, err := time.Parse(time.RFC3339, m.LastSeenAt)
			if err == nil && now.Sub(seen) < pruneCutoff {
				continue
			}
			if err != nil && m.LastSeenAt != "" {
				continue
			}
		}
		if _, err := team.SetMemberStatus(c.teamDir, m.Name, team.StatusOffline, map[string]any{
			"prunedAt": nowStamp(),
			"prunedBy": "teams-tool",
		}); err != nil {
			return fail("prune %s failed: %v", m.Name, err)
		}
		pruned = append(pruned, m.Name)
	}
	if len(pruned) == 0 {
		return ok("nothing to prune", nil)
	}
	return ok(fmt.Sprintf("pruned %s", strings.Join(pruned, ", ")), map[string]any{"pruned": pruned})
}

// planDecision consumes the pending approval for a worker and answers it.
func (c *Coordinator) planDecision(a Action, approve bool) Result {
	if a.Name == "" {
		return fail("plan decisions require name")
	}
	name := names.Sanitize(a.Name)
	c.mu.Lock()
	pending, okPlan := c.pendingPlans[name]
	if okPlan {
		delete(c.pendingPlans, name)
	}
	c.mu.Unlock()
	if !okPlan {
		return fail("no pending plan approval for %q", name)
	}
	typ := protocol.TypePlanApproved
	verdict := "approved"
	if !approve {
		typ = protocol.TypePlanRejected
		verdict = "rejected"
	}
	env := protocol.Envelope{
		Type:      typ,
		RequestID: pending.RequestID,
		From:      c.leadName,
		Feedback:  a.Feedback,
	}
	if err := mailbox.Write(c.teamDir, mailbox.NamespaceTeam, name, mailbox.Message{
		From:      c.leadName,
		Text:      protocol.Encode(env),
		Timestamp: nowStamp(),
	}); err != nil {
		return fail("plan %s but delivery failed: %v", verdict, err)
	}
	return ok(fmt.Sprintf("plan %s for %s", verdict, name), map[string]any{
		"requestId": pending.RequestID,
		"taskId":    pending.TaskID,
	})
}

func (c *Coordinator) hooksPolicyGet() Result {
	effective := c.hooksPolicy()
	var raw *team.HooksPolicy
	if cfg, okCfg := team.LoadConfig(c.teamDir); okCfg {
		raw = cfg.Hooks
	}
	return ok(fmt.Sprintf("failureAction=%s maxReopensPerTask=%d followupOwner=%s",
		effective.FailureAction, effective.MaxReopens(c.cfg.HookMaxReopens), effective.FollowupOwner),
		map[string]any{"effective": effective, "configured": raw})
}

// hooksPolicySet applies a partial policy update, or clears the team
// policy entirely with Reset.
func (c *Coordinator) hooksPolicySet(a Action) Result {
	if a.Reset {
		updated, err := team.UpdateHooksPolicy(c.teamDir, func(p *team.HooksPolicy) {
			*p = team.HooksPolicy{}
		})
		if err != nil {
			return fail("%v", err)
		}
		return ok("hook policy reset to environment defaults", map[string]any{"policy": updated})
	}
	if a.Policy == nil {
		return fail("hooks_policy_set requires policy (or reset=true)")
	}
	if a.Policy.FailureAction != "" && !team.ValidFailureAction(a.Policy.FailureAction) {
		return fail("unknown failureAction %q", a.Policy.FailureAction)
	}
	if a.Policy.FollowupOwner != "" && !team.ValidFollowupOwner(a.Policy.FollowupOwner) {
		return fail("unknown followupOwner %q", a.Policy.FollowupOwner)
	}
	if a.Policy.MaxReopensPerTask != nil && *a.Policy.MaxReopensPerTask < 0 {
		return fail("maxReopensPerTask must be non-negative")
	}
	updated, err := team.UpdateHooksPolicy(c.teamDir, func(p *team.HooksPolicy) {
		if a.Policy.FailureAction != "" {
			p.FailureAction = a.Policy.FailureAction
		}
		if a.Policy.MaxReopensPerTask != nil {
			p.MaxReopensPerTask = a.Policy.MaxReopensPerTask
		}
		if a.Policy.FollowupOwner != "" {
			p.FollowupOwner = a.Policy.FollowupOwner
		}
	})
	if err != nil {
		return fail("%v", err)
	}
	return ok("hook policy updated", map[string]any{"policy": updated})
}

// ensureMember keeps task owners resolvable against the member list: an
// unknown assignee is recorded as an offline worker.
func (c *Coordinator) ensureMember(name string) {
	if cfg, okCfg := team.LoadConfig(c.teamDir); okCfg && cfg.FindMember(name) != nil {
		return
	}
	if _, err := team.SetMemberStatus(c.teamDir, name, team.StatusOffline, nil); err != nil {
		slog.Warn("member upsert failed", "name", name, "err", err)
	}
}

// sendAssignment drops a task_assignment envelope in the assignee's task
// mailbox.
func (c *Coordinator) sendAssignment(task taskstore.Task, assignee string) error {
	c.ensureMember(assignee)
	env := protocol.Envelope{
		Type:        protocol.TypeTaskAssignment,
		TaskID:      task.ID,
		Subject:     task.Subject,
		Description: task.Description,
		AssignedBy:  c.leadName,
	}
	if err := mailbox.Write(c.teamDir, c.taskListID, assignee, mailbox.Message{
		From:      c.leadName,
		Text:      protocol.Encode(env),
		Timestamp: nowStamp(),
	}); err != nil {
		return err
	}
	_ = c.tl.Record(c.teamID, assignee, timeline.KindTaskAssigned, task.ID, task.Subject)
	return nil
}
