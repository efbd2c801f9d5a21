// Package worker implements the teammate side of the coordination
// protocol: it answers RPC requests on stdio, watches its mailboxes for
// assignments and control envelopes, and reports idleness back to the
// lead. The actual agent runtime is pluggable; by default prompts are
// handed to a configured runner command or acknowledged verbatim.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/mailbox"
	"github.com/teamclaw/teamclaw/internal/protocol"
	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
)

const mailboxPollInterval = time.Second

// Options tune one worker process.
type Options struct {
	// Runner is an optional shell command that executes prompt text.
	// Empty means prompts are acknowledged without side effects.
	Runner string
	// PlanRequired sends a plan approval request to the lead before each
	// task. Task work does not wait for the lead's verdict.
	PlanRequired bool
}

// Worker is one teammate process.
type Worker struct {
	cfg     config.Config
	opts    Options
	teamDir string
	name    string
	lead    string
	store   *taskstore.Store

	out *json.Encoder

	mu          sync.Mutex
	sessionName string
	state       string
	currentTask string
	seen        map[string]bool
	cancelTurn  context.CancelFunc
}

// New builds a worker from the environment snapshot.
func New(cfg config.Config, opts Options) *Worker {
	taskList := cfg.TaskListID
	if taskList == "" {
		taskList = cfg.TeamID
	}
	teamDir := cfg.TeamDir(cfg.TeamID)
	return &Worker{
		cfg:     cfg,
		opts:    opts,
		teamDir: teamDir,
		name:    cfg.AgentName,
		lead:    cfg.LeadName,
		store:   taskstore.New(teamDir, taskList),
		out:     json.NewEncoder(os.Stdout),
		state:   "idle",
		seen:    map[string]bool{},
	}
}

// Run serves stdin requests and polls mailboxes until stdin closes or the
// lead approves a shutdown.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.mailboxLoop(ctx, cancel)

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		var req map[string]any
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			continue
		}
		w.handleRequest(ctx, req)
	}
	if err := sc.Err(); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (w *Worker) handleRequest(ctx context.Context, req map[string]any) {
	id, _ := req["id"].(float64)
	typ, _ := req["type"].(string)
	message, _ := req["message"].(string)
	switch typ {
	case "prompt":
		w.respond(id, typ, true, nil, "")
		go w.runTurn(ctx, message)
	case "steer", "follow_up":
		w.respond(id, typ, true, nil, "")
	case "abort":
		w.mu.Lock()
		if w.cancelTurn != nil {
			w.cancelTurn()
		}
		w.mu.Unlock()
		w.respond(id, typ, true, nil, "")
	case "get_state":
		w.mu.Lock()
		data := map[string]any{
			"state":       w.state,
			"sessionName": w.sessionName,
			"currentTask": w.currentTask,
		}
		w.mu.Unlock()
		w.respond(id, typ, true, data, "")
	case "set_session_name":
		name, _ := req["name"].(string)
		w.mu.Lock()
		w.sessionName = name
		w.mu.Unlock()
		w.respond(id, typ, true, nil, "")
	default:
		w.respond(id, typ, false, nil, "unknown command "+typ)
	}
}

func (w *Worker) respond(id float64, command string, success bool, data map[string]any, errMsg string) {
	resp := map[string]any{
		"id":      int64(id),
		"type":    "response",
		"command": command,
		"success": success,
	}
	if data != nil {
		resp["data"] = data
	}
	if errMsg != "" {
		resp["error"] = errMsg
	}
	w.emit(resp)
}

func (w *Worker) event(typ string, fields map[string]any) {
	ev := map[string]any{"type": typ}
	for k, v := range fields {
		ev[k] = v
	}
	w.emit(ev)
}

func (w *Worker) emit(obj map[string]any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.out.Encode(obj); err != nil {
		slog.Warn("stdout write failed", "err", err)
	}
}

// runTurn executes one prompt through the runner command.
func (w *Worker) runTurn(ctx context.Context, message string) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancelTurn = cancel
	w.state = "streaming"
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.cancelTurn = nil
		w.state = "idle"
		w.mu.Unlock()
	}()

	w.event("agent_start", nil)
	output := w.execute(ctx, message)
	if output != "" {
		w.event("message_update", map[string]any{"delta": output})
		w.event("message_end", nil)
	}
	w.event("agent_end", nil)
}

func (w *Worker) execute(ctx context.Context, message string) string {
	runner := strings.TrimSpace(w.opts.Runner)
	if runner == "" {
		return ""
	}
	argv := strings.Fields(runner)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(message)
	out, err := cmd.Output()
	if err != nil {
		slog.Warn("runner failed", "err", err)
		return ""
	}
	return strings.TrimSpace(string(out))
}

// mailboxLoop watches both the control and the task mailbox.
func (w *Worker) mailboxLoop(ctx context.Context, shutdown context.CancelFunc) {
	ticker := time.NewTicker(mailboxPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx, mailbox.NamespaceTeam, shutdown)
			w.drain(ctx, w.store.TaskListID(), shutdown)
		}
	}
}

func (w *Worker) drain(ctx context.Context, ns string, shutdown context.CancelFunc) {
	for _, msg := range mailbox.ReadInbox(w.teamDir, ns, w.name, true) {
		m := msg
		ack := func() {
			_ = mailbox.MarkRead(w.teamDir, ns, w.name, func(x mailbox.Message) bool {
				return x.From == m.From && x.Timestamp == m.Timestamp && x.Text == m.Text
			})
		}
		env := protocol.Parse(msg.Text)
		if env == nil {
			ack()
			continue
		}
		key := env.Type + ":" + env.RequestID + ":" + env.TaskID
		w.mu.Lock()
		dup := w.seen[key]
		w.seen[key] = true
		w.mu.Unlock()
		if dup {
			ack()
			continue
		}
		w.handleEnvelope(ctx, *env, shutdown)
		ack()
	}
}

func (w *Worker) handleEnvelope(ctx context.Context, env protocol.Envelope, shutdown context.CancelFunc) {
	switch env.Type {
	case protocol.TypeTaskAssignment:
		w.workTask(ctx, env.TaskID)
	case protocol.TypeShutdownRequest:
		w.sendToLead(protocol.Envelope{
			Type:      protocol.TypeShutdownApproved,
			RequestID: env.RequestID,
			From:      w.name,
		})
		shutdown()
	case protocol.TypeAbortRequest:
		w.mu.Lock()
		if w.cancelTurn != nil {
			w.cancelTurn()
		}
		w.mu.Unlock()
	case protocol.TypeSetSessionName:
		w.mu.Lock()
		w.sessionName = env.Name
		w.mu.Unlock()
	case protocol.TypePlanApproved, protocol.TypePlanRejected:
		// Verdicts are only logged; workTask does not wait for them.
		slog.Info("plan verdict received", "type", env.Type, "feedback", env.Feedback)
	}
}

// workTask runs one assigned task end to end and notifies the lead.
func (w *Worker) workTask(ctx context.Context, taskID string) {
	task, err := w.store.Get(taskID)
	if err != nil {
		slog.Warn("assignment for unknown task", "task", taskID)
		return
	}
	if task.Owner != w.name || task.Status == taskstore.StatusCompleted {
		return
	}
	if w.opts.PlanRequired {
		w.sendToLead(protocol.Envelope{
			Type:      protocol.TypePlanApprovalRequest,
			RequestID: requestID(),
			From:      w.name,
			TaskID:    task.ID,
			Plan:      "Work task #" + task.ID + ": " + task.Subject,
		})
		// The task starts right away; the verdict is not awaited, and a
		// rejection does not stop or reopen it.
	}
	w.mu.Lock()
	w.currentTask = task.ID
	w.mu.Unlock()
	if _, err := w.store.SetStatus(task.ID, taskstore.StatusInProgress); err != nil {
		slog.Warn("task start failed", "task", task.ID, "err", err)
		return
	}
	w.runTurn(ctx, task.Description)
	status := taskstore.StatusCompleted
	failure := ""
	if ctx.Err() != nil {
		status = taskstore.StatusPending
		failure = "aborted"
	}
	if _, err := w.store.SetStatus(task.ID, status); err != nil {
		slog.Warn("task finish failed", "task", task.ID, "err", err)
		failure = err.Error()
	}
	w.mu.Lock()
	w.currentTask = ""
	w.mu.Unlock()
	_, _ = team.SetMemberStatus(w.teamDir, w.name, team.StatusOnline, nil)
	w.sendToLead(protocol.Envelope{
		Type:            protocol.TypeIdleNotification,
		From:            w.name,
		CompletedTaskID: task.ID,
		CompletedStatus: status,
		FailureReason:   failure,
	})
}

func (w *Worker) sendToLead(env protocol.Envelope) {
	err := mailbox.Write(w.teamDir, mailbox.NamespaceTeam, w.lead, mailbox.Message{
		From:      w.name,
		Text:      protocol.Encode(env),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		slog.Warn("message to lead failed", "err", err)
	}
}

func requestID() string {
	return uuid.NewString()
}
