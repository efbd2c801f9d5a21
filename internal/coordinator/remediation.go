package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/teamclaw/teamclaw/internal/hooks"
	"github.com/teamclaw/teamclaw/internal/mailbox"
	"github.com/teamclaw/teamclaw/internal/protocol"
	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
	"github.com/teamclaw/teamclaw/internal/timeline"
)

// RemediationNudge is appended to follow-up assignments so workers keep
// going without waiting for a human.
const RemediationNudge = "Please remediate automatically and continue without waiting for user intervention."

// followupSubjectLen bounds how much of the original subject the
// follow-up title quotes.
const followupSubjectLen = 80

// handleIdle reacts to a worker's idle notification. A completed task
// triggers the post-completion hooks; a hook failure drives the
// quality-gate state machine.
func (c *Coordinator) handleIdle(env protocol.Envelope) {
	if env.FailureReason != "" {
		c.notifyf("warn", "%s went idle with a failure: %s", env.From, env.FailureReason)
	}
	if env.CompletedStatus != taskstore.StatusCompleted || env.CompletedTaskID == "" {
		return
	}
	task, err := c.store.Get(env.CompletedTaskID)
	if err != nil {
		slog.Warn("idle notification for unknown task", "task", env.CompletedTaskID, "worker", env.From)
		return
	}

	res := c.hookRunner().Run(context.Background(), env.From, task.ID)
	if rerr := c.tl.RecordHookRun(timeline.HookRun{
		TeamID:   c.teamID,
		Agent:    env.From,
		TaskID:   task.ID,
		OK:       res.OK,
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Stderr:   res.Stderr,
		LogPath:  res.LogPath,
	}); rerr != nil {
		slog.Debug("timeline hook record failed", "err", rerr)
	}
	if res.OK {
		_ = c.tl.Record(c.teamID, env.From, timeline.KindTaskCompleted, task.ID, "")
		return
	}

	_ = c.tl.Record(c.teamID, env.From, timeline.KindHookFailed, task.ID, res.Stderr)
	c.applyQualityGate(task, env.From, res)
}

// applyQualityGate runs the remediation state machine for one failed
// hook. Remediation is serial per completed task; cross-worker
// interference is serialized by the task-store lock.
func (c *Coordinator) applyQualityGate(task taskstore.Task, worker string, res hooks.Result) {
	policy := c.hooksPolicy()
	switch policy.FailureAction {
	case team.FailureFollowup:
		c.markGateFailed(task.ID)
		c.createFollowup(task, policy)
	case team.FailureReopen:
		if !c.reopenForGate(task, policy) {
			c.warnGateFailed(task, res)
		}
	case team.FailureReopenFollowup:
		if !c.reopenForGate(task, policy) {
			c.warnGateFailed(task, res)
		}
		c.createFollowup(task, policy)
	default: // warn
		c.warnGateFailed(task, res)
	}
}

// warnGateFailed marks the task and surfaces the diagnostic without
// changing its status.
func (c *Coordinator) warnGateFailed(task taskstore.Task, res hooks.Result) {
	c.markGateFailed(task.ID)
	detail := res.Stderr
	if res.TimedOut {
		detail = "hook timed out"
	}
	if detail == "" {
		detail = fmt.Sprintf("hook exited with code %d", res.ExitCode)
	}
	c.notifyf("warn", "quality gate failed for task #%s: %s", task.ID, detail)
}

func (c *Coordinator) markGateFailed(taskID string) {
	if _, err := c.store.Update(taskID, func(t taskstore.Task) (taskstore.Task, error) {
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["qualityGateStatus"] = "failed"
		return t, nil
	}); err != nil {
		slog.Warn("quality gate mark failed", "task", taskID, "err", err)
	}
}

// reopenForGate sends a completed task back to pending, bounded by
// maxReopensPerTask. Returns false when the bound is reached.
func (c *Coordinator) reopenForGate(task taskstore.Task, policy team.HooksPolicy) bool {
	max := policy.MaxReopens(c.cfg.HookMaxReopens)
	if metaInt(task.Metadata, "reopenedByQualityGateCount") >= max {
		return false
	}
	reopened, err := c.store.Update(task.ID, func(t taskstore.Task) (taskstore.Task, error) {
		count := metaInt(t.Metadata, "reopenedByQualityGateCount")
		if count >= max {
			return t, nil
		}
		if t.Status != taskstore.StatusCompleted {
			// Already back in flight; nothing to reopen.
			return t, nil
		}
		t.Status = taskstore.StatusPending
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["reopenedAt"] = nowStamp()
		t.Metadata["reopenedByQualityGateCount"] = count + 1
		t.Metadata["qualityGateStatus"] = "failed"
		return t, nil
	})
	if err != nil {
		slog.Warn("quality gate reopen failed", "task", task.ID, "err", err)
		return false
	}
	if reopened.Status != taskstore.StatusPending {
		return false
	}
	_ = c.tl.Record(c.teamID, task.Owner, timeline.KindTaskReopened, task.ID,
		fmt.Sprintf("reopen %d of %d", metaInt(reopened.Metadata, "reopenedByQualityGateCount"), max))
	c.notifyf("warn", "task #%s reopened by the quality gate", task.ID)
	return true
}

// createFollowup opens a remediation task blocked by the original and
// assigns it per the policy's followupOwner.
func (c *Coordinator) createFollowup(orig taskstore.Task, policy team.HooksPolicy) {
	owner := ""
	switch policy.FollowupOwner {
	case team.FollowupOwnerMember:
		owner = orig.Owner
	case team.FollowupOwnerLead:
		owner = c.leadName
	}
	subject := orig.Subject
	if len(subject) > followupSubjectLen {
		subject = subject[:followupSubjectLen]
	}
	title := fmt.Sprintf("Quality gate failed: %s (task #%s)", subject, orig.ID)
	follow, err := c.store.Create(title, title, owner)
	if err != nil {
		slog.Warn("follow-up creation failed", "task", orig.ID, "err", err)
		return
	}
	if err := c.store.AddDependency(follow.ID, orig.ID); err != nil {
		slog.Warn("follow-up dependency failed", "task", follow.ID, "err", err)
	}
	_ = c.tl.Record(c.teamID, owner, timeline.KindFollowupCreated, follow.ID,
		"follow-up for task #"+orig.ID)
	c.notifyf("warn", "follow-up task #%s created for task #%s", follow.ID, orig.ID)

	if owner == "" || owner == c.leadName {
		return
	}
	follow, _ = c.store.Get(follow.ID)
	if err := c.sendAssignment(follow, owner); err != nil {
		slog.Warn("follow-up assignment delivery failed", "task", follow.ID, "err", err)
		return
	}
	nudge := fmt.Sprintf("Task #%s failed its quality gate. %s", orig.ID, RemediationNudge)
	if err := mailbox.Write(c.teamDir, c.taskListID, owner, mailbox.Message{
		From:      c.leadName,
		Text:      nudge,
		Timestamp: nowStamp(),
	}); err != nil {
		slog.Warn("remediation nudge delivery failed", "worker", owner, "err", err)
	}
}

// metaInt reads an integer metadata value; JSON round-trips numbers as
// float64, fresh writes keep int.
func metaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
