package coordinator

import (
	"context"
	"fmt"

	"github.com/teamclaw/teamclaw/internal/names"
	"github.com/teamclaw/teamclaw/internal/spawn"
	"github.com/teamclaw/teamclaw/internal/team"
)

// delegate makes sure enough workers exist, creates one task per input,
// round-robins unassigned items over the workers, and drops a
// task_assignment envelope per task. The abort signal is honored between
// spawns and between tasks.
func (c *Coordinator) delegate(ctx context.Context, a Action) Result {
	if len(a.Tasks) == 0 {
		return fail("delegate requires a non-empty tasks list")
	}
	for i, item := range a.Tasks {
		if item.Text == "" {
			return fail("delegate task %d has no text", i+1)
		}
	}

	workers, warnings := c.ensureWorkers(ctx, a.Teammates, len(a.Tasks))
	if ctx.Err() != nil {
		return fail("delegate aborted during worker startup")
	}
	if len(workers) == 0 {
		return fail("no workers available for delegation")
	}

	next := 0
	var created []string
	for _, item := range a.Tasks {
		if ctx.Err() != nil {
			return fail("delegate aborted after %d of %d task(s)", len(created), len(a.Tasks))
		}
		assignee := names.Sanitize(item.Assignee)
		if assignee == "" {
			assignee = workers[next%len(workers)]
			next++
		}
		task, err := c.store.Create("", item.Text, assignee)
		if err != nil {
			return fail("task creation failed: %v", err)
		}
		if err := c.sendAssignment(task, assignee); err != nil {
			return fail("task #%s created but envelope delivery failed: %v", task.ID, err)
		}
		created = append(created, task.ID)
	}

	content := fmt.Sprintf("delegated %d task(s) across %d worker(s)", len(created), len(workers))
	return ok(content, map[string]any{
		"tasks":    created,
		"workers":  workers,
		"warnings": warnings,
	})
}

// ensureWorkers resolves delegation targets: the explicit teammates list
// when given, otherwise auto-named workers up to min(maxTeammates,
// taskCount). Missing workers are spawned and registered.
func (c *Coordinator) ensureWorkers(ctx context.Context, teammates []string, taskCount int) ([]string, []string) {
	var targets []string
	if len(teammates) > 0 {
		for _, t := range teammates {
			if n := names.Sanitize(t); n != "" {
				targets = append(targets, n)
			}
		}
	} else {
		want := taskCount
		if want > c.cfg.MaxTeammates {
			want = c.cfg.MaxTeammates
		}
		targets = append(targets, c.liveWorkerNames()...)
		var known []string
		if cfg, okCfg := team.LoadConfig(c.teamDir); okCfg {
			known = cfg.WorkerNames()
		}
		for len(targets) < want {
			targets = append(targets, names.NextAgentName(append(known, targets...)))
		}
		if len(targets) > want {
			targets = targets[:want]
		}
	}

	var warnings []string
	var live []string
	for _, name := range targets {
		if ctx.Err() != nil {
			return live, warnings
		}
		if c.isRunning(name) {
			live = append(live, name)
			continue
		}
		res := c.spawner.Spawn(spawn.Options{Name: name}, c.isRunning)
		if !res.OK {
			warnings = append(warnings, fmt.Sprintf("spawn %s: %s", name, res.Error))
			continue
		}
		warnings = append(warnings, res.Warnings...)
		c.register(res)
		live = append(live, res.Name)
	}
	return live, warnings
}
