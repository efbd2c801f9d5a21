// Package coordinator implements the leader core: the teams tool action
// surface, the quality-gate remediation loop, inter-agent messaging, and
// teammate lifecycle. All coordinator-owned maps are guarded by one
// mutex that is never held across filesystem locks or RPC round-trips.
package coordinator

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/teamclaw/teamclaw/internal/activity"
	"github.com/teamclaw/teamclaw/internal/claim"
	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/hooks"
	"github.com/teamclaw/teamclaw/internal/mailbox"
	"github.com/teamclaw/teamclaw/internal/protocol"
	"github.com/teamclaw/teamclaw/internal/rpc"
	"github.com/teamclaw/teamclaw/internal/spawn"
	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
	"github.com/teamclaw/teamclaw/internal/teamerr"
	"github.com/teamclaw/teamclaw/internal/timeline"
	"github.com/teamclaw/teamclaw/internal/widget"
)

const (
	heartbeatInterval = 10 * time.Second
	inboxPollInterval = time.Second
)

// planApproval is a worker's plan waiting for the leader's verdict.
type planApproval struct {
	RequestID  string
	From       string
	Plan       string
	TaskID     string
	ReceivedAt time.Time
}

// Coordinator is the leader-side coordination kernel for one team.
type Coordinator struct {
	cfg       config.Config
	sessionID string

	teamID     string
	teamDir    string
	taskListID string
	leadName   string

	store   *taskstore.Store
	spawner *spawn.Spawner
	tracker *activity.Tracker
	tl      *timeline.Service

	mu           sync.Mutex
	teammates    map[string]*rpc.Teammate
	pendingPlans map[string]planApproval // keyed by worker name
	seen         map[string]bool         // mailbox dedup keys
	detached     bool
	attached     bool

	notify func(level, msg string)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a coordinator for teamID. sessionID identifies this leader
// session in the attach claim. notify receives user-facing notifications
// and may be nil.
func New(cfg config.Config, sessionID, teamID, cwd string, tl *timeline.Service, notify func(level, msg string)) *Coordinator {
	teamDir := cfg.TeamDir(teamID)
	taskListID := cfg.TaskListID
	if taskListID == "" {
		taskListID = teamID
	}
	leadName := cfg.LeadName
	c := &Coordinator{
		cfg:          cfg,
		sessionID:    sessionID,
		teamID:       teamID,
		teamDir:      teamDir,
		taskListID:   taskListID,
		leadName:     leadName,
		store:        taskstore.New(teamDir, taskListID),
		tracker:      activity.NewTracker(),
		tl:           tl,
		teammates:    map[string]*rpc.Teammate{},
		pendingPlans: map[string]planApproval{},
		seen:         map[string]bool{},
		notify:       notify,
		stopCh:       make(chan struct{}),
	}
	c.spawner = &spawn.Spawner{
		Cfg:      cfg,
		TeamID:   teamID,
		TeamDir:  teamDir,
		TaskList: taskListID,
		LeadName: leadName,
		Cwd:      cwd,
	}
	return c
}

// SetLeaderModel records the leader's own model so spawned workers can
// inherit it.
func (c *Coordinator) SetLeaderModel(provider, modelID string) {
	c.spawner.LeaderProvider = provider
	c.spawner.LeaderModelID = modelID
}

// TeamID returns the coordinated team's id.
func (c *Coordinator) TeamID() string { return c.teamID }

// Store exposes the task store for read-side callers (CLI listings).
func (c *Coordinator) Store() *taskstore.Store { return c.store }

// Attach ensures the team exists on disk and takes the attach claim,
// then starts the heartbeat and inbox loops. With force, a live foreign
// claim is displaced.
func (c *Coordinator) Attach(force bool) error {
	defaults := team.Config{
		TeamID:     c.teamID,
		TaskListID: c.taskListID,
		LeadName:   c.leadName,
		Members: []team.Member{
			{Name: c.leadName, Role: team.RoleLead, Status: team.StatusOnline},
		},
	}
	if _, err := team.EnsureConfig(c.teamDir, defaults); err != nil {
		return err
	}
	res, err := claim.Acquire(c.teamDir, c.sessionID, claim.AcquireOptions{
		Force:   force || c.cfg.AutoClaim,
		StaleMS: c.cfg.ClaimStaleMS,
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return teamerr.New(teamerr.Conflict, "coordinator.attach",
			"team %s is claimed by session %s (use --claim to take over)",
			c.teamID, res.Claim.HolderSessionID)
	}
	if res.Replaced != nil {
		c.notifyf("info", "took over claim from session %s", res.Replaced.HolderSessionID)
	}
	c.mu.Lock()
	c.attached = true
	c.detached = false
	c.mu.Unlock()

	c.wg.Add(2)
	go c.heartbeatLoop()
	go c.inboxLoop()
	return nil
}

// Detached reports whether the coordinator lost or released its claim and
// now accepts only read commands.
func (c *Coordinator) Detached() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detached || !c.attached
}

// Detach releases the claim and stops background loops. Running workers
// keep running; use Shutdown to stop everything.
func (c *Coordinator) Detach() {
	c.stopLoops()
	if _, err := claim.Release(c.teamDir, c.sessionID, false); err != nil {
		slog.Warn("claim release failed", "team", c.teamID, "err", err)
	}
	c.mu.Lock()
	c.attached = false
	c.detached = true
	c.mu.Unlock()
}

// Shutdown stops every teammate, releases the claim, and stops loops.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	tms := make([]*rpc.Teammate, 0, len(c.teammates))
	for _, tm := range c.teammates {
		tms = append(tms, tm)
	}
	c.mu.Unlock()
	for _, tm := range tms {
		tm.Stop()
		_, _ = team.SetMemberStatus(c.teamDir, tm.Name, team.StatusOffline, nil)
	}
	c.Detach()
}

func (c *Coordinator) stopLoops() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// heartbeatLoop refreshes the claim until detach. Losing the claim is
// fatal for mutations: the coordinator flips to detached and notifies.
func (c *Coordinator) heartbeatLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			status, err := claim.Heartbeat(c.teamDir, c.sessionID)
			if err != nil {
				slog.Warn("claim heartbeat failed", "team", c.teamID, "err", err)
				continue
			}
			if status != claim.HeartbeatUpdated {
				c.mu.Lock()
				already := c.detached
				c.detached = true
				c.mu.Unlock()
				if !already {
					c.notifyf("error", "attach claim lost (%s); coordinator is detached, only read commands are accepted", status)
				}
			}
		}
	}
}

// inboxLoop drains the leader's control mailbox. A faulted iteration is
// logged and never tears the loop down.
func (c *Coordinator) inboxLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(inboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drainInbox()
		}
	}
}

func (c *Coordinator) drainInbox() {
	msgs := mailbox.ReadInbox(c.teamDir, mailbox.NamespaceTeam, c.leadName, true)
	for _, msg := range msgs {
		key := dedupKey(msg)
		c.mu.Lock()
		dup := c.seen[key]
		c.seen[key] = true
		c.mu.Unlock()
		if !dup {
			c.handleInbound(msg)
		}
		m := msg
		if err := mailbox.MarkRead(c.teamDir, mailbox.NamespaceTeam, c.leadName, func(x mailbox.Message) bool {
			return x.From == m.From && x.Timestamp == m.Timestamp && x.Text == m.Text
		}); err != nil {
			slog.Warn("mailbox ack failed", "team", c.teamID, "err", err)
		}
	}
}

// dedupKey identifies a message across redelivery: the protocol requestId
// when present, otherwise sender, timestamp, and a text hash.
func dedupKey(msg mailbox.Message) string {
	if env := protocol.Parse(msg.Text); env != nil && env.RequestID != "" {
		return env.Type + ":" + env.RequestID
	}
	sum := sha1.Sum([]byte(msg.Text))
	return msg.From + "|" + msg.Timestamp + "|" + hex.EncodeToString(sum[:8])
}

// handleInbound dispatches one worker-to-leader message. Envelopes are
// processed serially per sender; free text surfaces as a notification.
func (c *Coordinator) handleInbound(msg mailbox.Message) {
	env := protocol.Parse(msg.Text)
	if env == nil {
		c.notifyf("info", "%s: %s", msg.From, msg.Text)
		return
	}
	switch env.Type {
	case protocol.TypeIdleNotification:
		c.handleIdle(*env)
	case protocol.TypePlanApprovalRequest:
		c.mu.Lock()
		c.pendingPlans[env.From] = planApproval{
			RequestID:  env.RequestID,
			From:       env.From,
			Plan:       env.Plan,
			TaskID:     env.TaskID,
			ReceivedAt: time.Now(),
		}
		c.mu.Unlock()
		c.notifyf("info", "%s proposed a plan (approve with plan_approve):\n%s", env.From, env.Plan)
	case protocol.TypeShutdownApproved:
		c.notifyf("info", "%s approved shutdown", env.From)
	case protocol.TypeShutdownRejected:
		reason := env.Reason
		if reason == "" {
			reason = "no reason given"
		}
		c.notifyf("info", "%s rejected shutdown: %s", env.From, reason)
	case protocol.TypePeerDMSent:
		c.notifyf("info", "%s -> %s: %s", env.From, env.To, env.Summary)
	default:
		// Leader-bound mailboxes should not carry leader-to-worker
		// envelope types; ignore rather than guess.
	}
}

// register wires a started teammate into the coordinator.
func (c *Coordinator) register(res spawn.Result) {
	tm := res.Teammate
	c.mu.Lock()
	c.teammates[tm.Name] = tm
	c.mu.Unlock()

	tm.OnEvent(func(ev rpc.Event) {
		c.tracker.Observe(tm.Name, ev)
	})
	tm.OnClose(func(err error) {
		c.handleTeammateClose(tm.Name, err)
	})
	if err := c.tl.Record(c.teamID, tm.Name, timeline.KindWorkerSpawned, "", res.Note); err != nil {
		slog.Debug("timeline record failed", "err", err)
	}
}

// handleTeammateClose reaps a dead worker: tasks go back to the pool and
// the member record goes offline.
func (c *Coordinator) handleTeammateClose(name string, err error) {
	c.mu.Lock()
	delete(c.teammates, name)
	c.mu.Unlock()

	reason := "worker exited"
	if err != nil {
		reason = fmt.Sprintf("worker exited: %v", err)
	}
	if _, uerr := c.store.UnassignForAgent(name, reason, c.leadName); uerr != nil {
		slog.Warn("unassign on worker exit failed", "worker", name, "err", uerr)
	}
	if _, serr := team.SetMemberStatus(c.teamDir, name, team.StatusOffline, nil); serr != nil {
		slog.Warn("member offline update failed", "worker", name, "err", serr)
	}
	c.tracker.Reset(name)
	if rerr := c.tl.Record(c.teamID, name, timeline.KindWorkerStopped, "", reason); rerr != nil {
		slog.Debug("timeline record failed", "err", rerr)
	}
	if err != nil {
		c.notifyf("warn", "worker %s exited with error: %v", name, err)
	}
}

func (c *Coordinator) isRunning(name string) bool {
	c.mu.Lock()
	tm, ok := c.teammates[name]
	c.mu.Unlock()
	return ok && tm.Running()
}

func (c *Coordinator) teammate(name string) *rpc.Teammate {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.teammates[name]
}

func (c *Coordinator) liveWorkerNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name, tm := range c.teammates {
		if tm.Running() {
			out = append(out, name)
		}
	}
	return out
}

// WidgetLines projects the current model into renderable lines.
func (c *Coordinator) WidgetLines(delegateMode bool) []widget.Line {
	c.mu.Lock()
	views := make([]widget.WorkerView, 0, len(c.teammates))
	for name, tm := range c.teammates {
		views = append(views, widget.WorkerView{Name: name, State: tm.State()})
	}
	c.mu.Unlock()
	cfg, _ := team.LoadConfig(c.teamDir)
	return widget.Project(views, c.store.List(), cfg, delegateMode)
}

// PromptWorker starts a new turn on a running teammate over RPC.
func (c *Coordinator) PromptWorker(name, text string) error {
	tm := c.teammate(name)
	if tm == nil || !tm.Running() {
		return teamerr.New(teamerr.NotFound, "coordinator.prompt", "worker %q is not running", name)
	}
	_, err := tm.Prompt(text)
	return err
}

// PendingPlans lists workers with a plan waiting for a verdict.
func (c *Coordinator) PendingPlans() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for name := range c.pendingPlans {
		out = append(out, name)
	}
	return out
}

// Activity returns the aggregated event counters for one worker.
func (c *Coordinator) Activity(name string) activity.WorkerActivity {
	return c.tracker.Snapshot(name)
}

func (c *Coordinator) notifyf(level, format string, args ...any) {
	if c.notify == nil {
		return
	}
	c.notify(level, fmt.Sprintf(format, args...))
}

// hookRunner builds the runner for the current config snapshot.
func (c *Coordinator) hookRunner() hooks.Runner {
	return hooks.Runner{
		Enabled: c.cfg.HooksEnabled,
		Command: c.cfg.HookCommand,
		Timeout: c.cfg.HookTimeout(),
		TeamDir: c.teamDir,
		TeamID:  c.teamID,
	}
}

// hooksPolicy resolves the effective policy: config.json overlaid on
// environment defaults.
func (c *Coordinator) hooksPolicy() team.HooksPolicy {
	def := team.HooksPolicy{
		FailureAction: c.cfg.HookFailureAction,
		FollowupOwner: c.cfg.HookFollowupOwner,
	}
	max := c.cfg.HookMaxReopens
	def.MaxReopensPerTask = &max
	cfg, ok := team.LoadConfig(c.teamDir)
	if !ok {
		return def
	}
	return cfg.Hooks.Effective(def)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
