package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/mailbox"
	"github.com/teamclaw/teamclaw/internal/protocol"
	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
)

// newCoordinator builds an attached coordinator whose spawned "workers"
// are plain sleep processes, so the RPC layer sees a live child without
// any agent runtime involved.
func newCoordinator(t *testing.T, mutate func(*config.Config)) *Coordinator {
	t.Helper()
	cfg := config.Config{
		RootDir:           t.TempDir(),
		LeadName:          "lead",
		MaxTeammates:      2,
		ClaimStaleMS:      30_000,
		HookTimeoutMS:     5_000,
		HookFailureAction: team.FailureWarn,
		HookFollowupOwner: team.FollowupOwnerMember,
		HookMaxReopens:    2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c := New(cfg, "session1", "t1", t.TempDir(), nil, nil)
	c.spawner.WorkerCommand = "sleep"
	c.spawner.WorkerArgs = []string{"30"}
	if err := c.Attach(false); err != nil {
		t.Fatalf("attach: %v", err)
	}
	t.Cleanup(c.Shutdown)
	return c
}

func failingHook(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hook.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho \"gate broken\" >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// completeTask drives a task through the legal transitions to completed.
func completeTask(t *testing.T, c *Coordinator, id string) {
	t.Helper()
	if _, err := c.store.SetStatus(id, taskstore.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	if _, err := c.store.SetStatus(id, taskstore.StatusCompleted); err != nil {
		t.Fatal(err)
	}
}

func assignments(c *Coordinator, worker string) []protocol.Envelope {
	var out []protocol.Envelope
	for _, m := range mailbox.ReadInbox(c.teamDir, c.taskListID, worker, false) {
		if env := protocol.Parse(m.Text); env != nil && env.Type == protocol.TypeTaskAssignment {
			out = append(out, *env)
		}
	}
	return out
}

// Delegate round-robin: three tasks over an auto-named two-worker pool.
func TestDelegateRoundRobin(t *testing.T) {
	c := newCoordinator(t, nil)
	res := c.HandleAction(context.Background(), Action{
		Type: ActionDelegate,
		Tasks: []DelegateItem{
			{Text: "A"}, {Text: "B"}, {Text: "C"},
		},
	})
	if !res.OK {
		t.Fatalf("delegate failed: %s", res.Content)
	}
	tasks := c.store.List()
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	wantOwners := []string{"agent1", "agent2", "agent1"}
	for i, task := range tasks {
		if task.Owner != wantOwners[i] {
			t.Errorf("task %s owner = %q, want %q", task.ID, task.Owner, wantOwners[i])
		}
	}
	if got := len(assignments(c, "agent1")); got != 2 {
		t.Errorf("agent1 assignments = %d, want 2", got)
	}
	if got := len(assignments(c, "agent2")); got != 1 {
		t.Errorf("agent2 assignments = %d, want 1", got)
	}
	// Both auto-named workers exist as online members.
	cfg, _ := team.LoadConfig(c.teamDir)
	for _, name := range []string{"agent1", "agent2"} {
		m := cfg.FindMember(name)
		if m == nil || m.Status != team.StatusOnline {
			t.Errorf("member %s not online: %+v", name, m)
		}
	}
}

func TestDelegateExplicitAssignee(t *testing.T) {
	c := newCoordinator(t, nil)
	res := c.HandleAction(context.Background(), Action{
		Type:      ActionDelegate,
		Teammates: []string{"alpha"},
		Tasks: []DelegateItem{
			{Text: "A", Assignee: "beta"},
			{Text: "B"},
		},
	})
	if !res.OK {
		t.Fatalf("delegate failed: %s", res.Content)
	}
	tasks := c.store.List()
	if tasks[0].Owner != "beta" {
		t.Errorf("explicit assignee lost: %q", tasks[0].Owner)
	}
	if tasks[1].Owner != "alpha" {
		t.Errorf("round-robin over teammates list: %q", tasks[1].Owner)
	}
}

func TestDelegateHonorsAbort(t *testing.T) {
	c := newCoordinator(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := c.HandleAction(ctx, Action{
		Type:  ActionDelegate,
		Tasks: []DelegateItem{{Text: "A"}},
	})
	if res.OK {
		t.Fatal("aborted delegate must not succeed")
	}
	if len(c.store.List()) != 0 {
		t.Fatal("no tasks should be created after an abort")
	}
}

// Remediation reopen + follow-up (quality gate scenario).
func TestRemediationReopenFollowup(t *testing.T) {
	hook := failingHook(t)
	c := newCoordinator(t, func(cfg *config.Config) {
		cfg.HooksEnabled = true
		cfg.HookCommand = hook
	})
	max := 2
	if _, err := team.UpdateHooksPolicy(c.teamDir, func(p *team.HooksPolicy) {
		p.FailureAction = team.FailureReopenFollowup
		p.MaxReopensPerTask = &max
		p.FollowupOwner = team.FollowupOwnerMember
	}); err != nil {
		t.Fatal(err)
	}
	task, err := c.store.Create("", "Implement the parser", "w1")
	if err != nil {
		t.Fatal(err)
	}
	completeTask(t, c, task.ID)

	c.handleIdle(protocol.Envelope{
		Type:            protocol.TypeIdleNotification,
		From:            "w1",
		CompletedTaskID: task.ID,
		CompletedStatus: taskstore.StatusCompleted,
	})

	got, _ := c.store.Get(task.ID)
	if got.Status != taskstore.StatusPending {
		t.Fatalf("task not reopened: %s", got.Status)
	}
	if metaInt(got.Metadata, "reopenedByQualityGateCount") != 1 {
		t.Fatalf("reopen count = %v", got.Metadata["reopenedByQualityGateCount"])
	}
	if got.Metadata["qualityGateStatus"] != "failed" {
		t.Fatalf("qualityGateStatus = %v", got.Metadata["qualityGateStatus"])
	}

	var follow *taskstore.Task
	for _, candidate := range c.store.List() {
		if candidate.ID != task.ID {
			cc := candidate
			follow = &cc
		}
	}
	if follow == nil {
		t.Fatal("follow-up task missing")
	}
	if !strings.HasPrefix(follow.Subject, "Quality gate failed:") {
		t.Errorf("follow-up subject: %q", follow.Subject)
	}
	if !strings.Contains(follow.Subject, "(task #"+task.ID+")") {
		t.Errorf("follow-up subject missing origin: %q", follow.Subject)
	}
	if follow.Owner != "w1" {
		t.Errorf("follow-up owner = %q", follow.Owner)
	}
	if len(follow.BlockedBy) != 1 || follow.BlockedBy[0] != task.ID {
		t.Errorf("follow-up blockedBy = %v", follow.BlockedBy)
	}

	// w1's task mailbox holds the assignment for the follow-up and the
	// remediation nudge.
	envs := assignments(c, "w1")
	followAssigned := false
	for _, e := range envs {
		if e.TaskID == follow.ID {
			followAssigned = true
		}
	}
	if !followAssigned {
		t.Error("follow-up assignment envelope missing")
	}
	nudged := false
	for _, m := range mailbox.ReadInbox(c.teamDir, c.taskListID, "w1", false) {
		if strings.Contains(m.Text, RemediationNudge) {
			nudged = true
		}
	}
	if !nudged {
		t.Error("remediation nudge missing")
	}

	// Hook diagnostics landed under hook-logs/.
	logs, err := os.ReadDir(filepath.Join(c.teamDir, "hook-logs"))
	if err != nil || len(logs) == 0 {
		t.Errorf("hook log missing: %v", err)
	}
}

// The reopen counter bounds remediation: at most maxReopensPerTask
// completed->pending transitions.
func TestRemediationBound(t *testing.T) {
	hook := failingHook(t)
	c := newCoordinator(t, func(cfg *config.Config) {
		cfg.HooksEnabled = true
		cfg.HookCommand = hook
	})
	max := 2
	if _, err := team.UpdateHooksPolicy(c.teamDir, func(p *team.HooksPolicy) {
		p.FailureAction = team.FailureReopen
		p.MaxReopensPerTask = &max
	}); err != nil {
		t.Fatal(err)
	}
	task, _ := c.store.Create("", "flaky work", "w1")

	reopens := 0
	for round := 0; round < 4; round++ {
		completeTask(t, c, task.ID)
		c.handleIdle(protocol.Envelope{
			Type:            protocol.TypeIdleNotification,
			From:            "w1",
			CompletedTaskID: task.ID,
			CompletedStatus: taskstore.StatusCompleted,
		})
		got, _ := c.store.Get(task.ID)
		if got.Status == taskstore.StatusPending {
			reopens++
		} else {
			break
		}
	}
	if reopens != max {
		t.Fatalf("reopen count = %d, want %d", reopens, max)
	}
	got, _ := c.store.Get(task.ID)
	if got.Status != taskstore.StatusCompleted {
		t.Fatalf("task beyond the bound must stay completed, got %s", got.Status)
	}
	if metaInt(got.Metadata, "reopenedByQualityGateCount") != max {
		t.Fatalf("counter = %v", got.Metadata["reopenedByQualityGateCount"])
	}
}

func TestRemediationWarnOnly(t *testing.T) {
	hook := failingHook(t)
	var notes []string
	c := newCoordinator(t, func(cfg *config.Config) {
		cfg.HooksEnabled = true
		cfg.HookCommand = hook
	})
	c.notify = func(level, msg string) { notes = append(notes, level+": "+msg) }

	task, _ := c.store.Create("", "warn me", "w1")
	completeTask(t, c, task.ID)
	c.handleIdle(protocol.Envelope{
		Type:            protocol.TypeIdleNotification,
		From:            "w1",
		CompletedTaskID: task.ID,
		CompletedStatus: taskstore.StatusCompleted,
	})
	got, _ := c.store.Get(task.ID)
	if got.Status != taskstore.StatusCompleted {
		t.Fatalf("warn must not reopen, got %s", got.Status)
	}
	if got.Metadata["qualityGateStatus"] != "failed" {
		t.Fatal("qualityGateStatus not marked")
	}
	if len(c.store.List()) != 1 {
		t.Fatal("warn must not create a follow-up")
	}
	warned := false
	for _, n := range notes {
		if strings.Contains(n, "quality gate failed") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("no warning surfaced: %v", notes)
	}
}

// Prune cutoff: a worker seen 10 minutes ago survives a plain prune and
// falls to a forced one.
func TestPruneCutoff(t *testing.T) {
	c := newCoordinator(t, nil)
	if _, err := team.SetMemberStatus(c.teamDir, "w1", team.StatusOnline, nil); err != nil {
		t.Fatal(err)
	}
	// Backdate lastSeenAt to now-10m by rewriting the config directly.
	cfg, _ := team.LoadConfig(c.teamDir)
	m := cfg.FindMember("w1")
	m.LastSeenAt = time.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	data, _ := json.MarshalIndent(cfg, "", "  ")
	if err := os.WriteFile(filepath.Join(c.teamDir, team.ConfigFileName), data, 0o600); err != nil {
		t.Fatal(err)
	}

	res := c.HandleAction(context.Background(), Action{Type: ActionMemberPrune})
	if !res.OK {
		t.Fatalf("prune: %s", res.Content)
	}
	cfg, _ = team.LoadConfig(c.teamDir)
	if cfg.FindMember("w1").Status != team.StatusOnline {
		t.Fatal("10-minute-old member must survive the 1h cutoff")
	}

	res = c.HandleAction(context.Background(), Action{Type: ActionMemberPrune, All: true})
	if !res.OK {
		t.Fatalf("prune all: %s", res.Content)
	}
	cfg, _ = team.LoadConfig(c.teamDir)
	m = cfg.FindMember("w1")
	if m.Status != team.StatusOffline {
		t.Fatal("forced prune must take the member offline")
	}
	if m.Meta["prunedBy"] != "teams-tool" {
		t.Fatalf("prunedBy = %v", m.Meta["prunedBy"])
	}
}

func TestPruneSparesInProgressOwner(t *testing.T) {
	c := newCoordinator(t, nil)
	if _, err := team.SetMemberStatus(c.teamDir, "w1", team.StatusOnline, nil); err != nil {
		t.Fatal(err)
	}
	task, _ := c.store.Create("", "busy work", "w1")
	if _, err := c.store.SetStatus(task.ID, taskstore.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	res := c.HandleAction(context.Background(), Action{Type: ActionMemberPrune, All: true})
	if !res.OK {
		t.Fatal(res.Content)
	}
	cfg, _ := team.LoadConfig(c.teamDir)
	if cfg.FindMember("w1").Status != team.StatusOnline {
		t.Fatal("a worker owning in_progress work must never be pruned")
	}
}

func TestPlanApprovalFlow(t *testing.T) {
	c := newCoordinator(t, nil)
	c.handleInbound(mailbox.Message{
		From: "w1",
		Text: protocol.Encode(protocol.Envelope{
			Type:      protocol.TypePlanApprovalRequest,
			RequestID: "req-9",
			From:      "w1",
			Plan:      "1. read code 2. fix bug",
			TaskID:    "3",
		}),
		Timestamp: nowStamp(),
	})
	if pending := c.PendingPlans(); len(pending) != 1 || pending[0] != "w1" {
		t.Fatalf("pending plans = %v", pending)
	}

	res := c.HandleAction(context.Background(), Action{
		Type:     ActionPlanApprove,
		Name:     "w1",
		Feedback: "looks right",
	})
	if !res.OK {
		t.Fatalf("approve: %s", res.Content)
	}
	var verdict *protocol.Envelope
	for _, m := range mailbox.ReadInbox(c.teamDir, mailbox.NamespaceTeam, "w1", false) {
		if env := protocol.Parse(m.Text); env != nil && env.Type == protocol.TypePlanApproved {
			verdict = env
		}
	}
	if verdict == nil || verdict.RequestID != "req-9" || verdict.Feedback != "looks right" {
		t.Fatalf("verdict envelope wrong: %+v", verdict)
	}

	// The approval is consumed: a second verdict has nothing to answer.
	res = c.HandleAction(context.Background(), Action{Type: ActionPlanApprove, Name: "w1"})
	if res.OK {
		t.Fatal("consumed approval must not be answerable twice")
	}
}

// Broadcast reaches the union of config workers and task owners with one
// shared timestamp.
func TestBroadcastUnion(t *testing.T) {
	c := newCoordinator(t, nil)
	if _, err := team.SetMemberStatus(c.teamDir, "w1", team.StatusOffline, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.store.Create("", "work", "w2"); err != nil {
		t.Fatal(err)
	}
	res := c.HandleAction(context.Background(), Action{
		Type: ActionMessageBroadcast,
		Text: "stand-up in five",
	})
	if !res.OK {
		t.Fatalf("broadcast: %s", res.Content)
	}
	var stamps []string
	for _, name := range []string{"w1", "w2"} {
		msgs := mailbox.ReadInbox(c.teamDir, mailbox.NamespaceTeam, name, false)
		if len(msgs) != 1 || msgs[0].Text != "stand-up in five" {
			t.Fatalf("%s inbox: %+v", name, msgs)
		}
		stamps = append(stamps, msgs[0].Timestamp)
	}
	if stamps[0] != stamps[1] {
		t.Fatal("broadcast must share one timestamp")
	}
}

func TestMemberKill(t *testing.T) {
	c := newCoordinator(t, nil)
	res := c.HandleAction(context.Background(), Action{Type: ActionMemberSpawn, Name: "w1"})
	if !res.OK {
		t.Fatalf("spawn: %s", res.Content)
	}
	task, _ := c.store.Create("", "doomed work", "w1")
	if _, err := c.store.SetStatus(task.ID, taskstore.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	res = c.HandleAction(context.Background(), Action{Type: ActionMemberKill, Name: "w1"})
	if !res.OK {
		t.Fatalf("kill: %s", res.Content)
	}
	got, _ := c.store.Get(task.ID)
	if got.Owner != "" || got.Status != taskstore.StatusPending {
		t.Fatalf("task not returned to pool: %+v", got)
	}
	cfg, _ := team.LoadConfig(c.teamDir)
	m := cfg.FindMember("w1")
	if m.Status != team.StatusOffline || m.Meta["killedAt"] == nil {
		t.Fatalf("member record: %+v", m)
	}
	if c.isRunning("w1") {
		t.Fatal("teammate still running after kill")
	}
}

func TestSpawnRefusesDuplicate(t *testing.T) {
	c := newCoordinator(t, nil)
	if res := c.HandleAction(context.Background(), Action{Type: ActionMemberSpawn, Name: "w1"}); !res.OK {
		t.Fatalf("spawn: %s", res.Content)
	}
	if res := c.HandleAction(context.Background(), Action{Type: ActionMemberSpawn, Name: "w1"}); res.OK {
		t.Fatal("duplicate spawn must be refused")
	}
}

func TestShutdownRequestEnvelope(t *testing.T) {
	c := newCoordinator(t, nil)
	if _, err := team.SetMemberStatus(c.teamDir, "w1", team.StatusOnline, nil); err != nil {
		t.Fatal(err)
	}
	res := c.HandleAction(context.Background(), Action{Type: ActionMemberShutdown, All: true})
	if !res.OK {
		t.Fatalf("shutdown: %s", res.Content)
	}
	var env *protocol.Envelope
	for _, m := range mailbox.ReadInbox(c.teamDir, mailbox.NamespaceTeam, "w1", false) {
		if e := protocol.Parse(m.Text); e != nil && e.Type == protocol.TypeShutdownRequest {
			env = e
		}
	}
	if env == nil || env.RequestID == "" {
		t.Fatalf("shutdown envelope: %+v", env)
	}
	cfg, _ := team.LoadConfig(c.teamDir)
	if cfg.FindMember("w1").Meta["shutdownRequestedAt"] == nil {
		t.Fatal("shutdownRequestedAt not recorded")
	}
}

func TestDetachedRefusesMutations(t *testing.T) {
	c := newCoordinator(t, nil)
	task, _ := c.store.Create("", "readable", "")
	c.Detach()
	res := c.HandleAction(context.Background(), Action{Type: ActionTaskAssign, TaskID: task.ID, Assignee: "w1"})
	if res.OK {
		t.Fatal("detached coordinator must refuse mutations")
	}
	res = c.HandleAction(context.Background(), Action{Type: ActionTaskDepLs, TaskID: task.ID})
	if !res.OK {
		t.Fatalf("read command must survive detach: %s", res.Content)
	}
}

func TestDedupByRequestID(t *testing.T) {
	c := newCoordinator(t, nil)
	env := protocol.Envelope{
		Type:      protocol.TypePlanApprovalRequest,
		RequestID: "dup-1",
		From:      "w1",
		Plan:      "a plan",
	}
	// Redelivery of the same envelope lands once.
	for i := 0; i < 2; i++ {
		if err := mailbox.Write(c.teamDir, mailbox.NamespaceTeam, c.leadName, mailbox.Message{
			From:      "w1",
			Text:      protocol.Encode(env),
			Timestamp: fmt.Sprintf("2026-01-01T00:00:0%dZ", i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	c.drainInbox()
	if pending := c.PendingPlans(); len(pending) != 1 {
		t.Fatalf("duplicate envelope processed twice: %v", pending)
	}
	if unread := mailbox.ReadInbox(c.teamDir, mailbox.NamespaceTeam, c.leadName, true); len(unread) != 0 {
		t.Fatalf("inbox not acknowledged: %+v", unread)
	}
}

func TestTaskDepActions(t *testing.T) {
	c := newCoordinator(t, nil)
	a, _ := c.store.Create("", "a", "")
	b, _ := c.store.Create("", "b", "")
	if res := c.HandleAction(context.Background(), Action{Type: ActionTaskDepAdd, TaskID: a.ID, DepID: b.ID}); !res.OK {
		t.Fatalf("dep add: %s", res.Content)
	}
	if res := c.HandleAction(context.Background(), Action{Type: ActionTaskDepAdd, TaskID: b.ID, DepID: a.ID}); res.OK {
		t.Fatal("cycle must be refused")
	}
	res := c.HandleAction(context.Background(), Action{Type: ActionTaskDepLs, TaskID: a.ID})
	if !res.OK || !strings.Contains(res.Content, "blocked") {
		t.Fatalf("dep ls: %+v", res)
	}
	if res.Details["blocked"] != true {
		t.Fatalf("blocked flag: %+v", res.Details)
	}
	if res := c.HandleAction(context.Background(), Action{Type: ActionTaskDepRm, TaskID: a.ID, DepID: b.ID}); !res.OK {
		t.Fatalf("dep rm: %s", res.Content)
	}
}

func TestUnknownActionFails(t *testing.T) {
	c := newCoordinator(t, nil)
	if res := c.HandleAction(context.Background(), Action{Type: "teleport"}); res.OK {
		t.Fatal("unknown action must fail")
	}
}
