package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/coordinator"
	"github.com/teamclaw/teamclaw/internal/team"
	"github.com/teamclaw/teamclaw/internal/timeline"
)

var leadCmd = &cobra.Command{
	Use:   "lead [teamId]",
	Short: "Run an interactive leader session for a team",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runLead,
}

func init() {
	leadCmd.Flags().Bool("claim", false, "Take over a live claim held by another session")
}

func runLead(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	teamID := cfg.TeamID
	if len(args) == 1 {
		teamID = args[0]
	}
	if teamID == "" {
		teamID = "default"
	}
	claimFlag, _ := cmd.Flags().GetBool("claim")
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	tl, err := timeline.New(filepath.Join(cfg.RootDir, "_timeline.db"))
	if err != nil {
		// The timeline is diagnostic only; a leader without one is
		// still fully functional.
		fmt.Fprintf(cmd.ErrOrStderr(), "%s timeline unavailable: %v\n", color.YellowString("!"), err)
		tl = nil
	}
	defer tl.Close()

	out := cmd.OutOrStdout()
	notify := func(level, msg string) {
		switch level {
		case "error":
			fmt.Fprintln(out, color.RedString("✗ ")+msg)
		case "warn":
			fmt.Fprintln(out, color.YellowString("! ")+msg)
		default:
			fmt.Fprintln(out, color.CyanString("· ")+msg)
		}
	}

	sessionID := uuid.NewString()
	c := coordinator.New(cfg, sessionID, teamID, cwd, tl, notify)
	if err := c.Attach(claimFlag); err != nil {
		return err
	}
	defer c.Shutdown()
	fmt.Fprintf(out, "attached to team %s as %s (session %s)\n", teamID, color.GreenString(cfg.LeadName), sessionID[:8])
	fmt.Fprintln(out, "type /team help for commands, exit to quit")

	sc := bufio.NewScanner(cmd.InOrStdin())
	for {
		fmt.Fprint(out, "> ")
		if !sc.Scan() {
			return sc.Err()
		}
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == "exit" || line == "quit":
			return nil
		}
		runLeadLine(cmd.Context(), c, cfg, out, line)
	}
}

// runLeadLine dispatches one REPL line against the coordinator.
func runLeadLine(ctx context.Context, c *coordinator.Coordinator, cfg config.Config, out io.Writer, line string) {
	sc, err := parseSlash(line)
	if err != nil {
		fmt.Fprintln(out, color.RedString("✗ ")+err.Error())
		return
	}
	switch sc.Kind {
	case kindHelp:
		fmt.Fprintln(out, slashHelp)
	case kindAttachList:
		teams := team.ListDiscoveredTeams(cfg.RootDir, cfg.ClaimStaleMS)
		if len(teams) == 0 {
			fmt.Fprintln(out, "no teams found under "+cfg.RootDir)
			return
		}
		for _, t := range teams {
			claimNote := "unclaimed"
			if t.Claim != nil {
				claimNote = "claimed by " + t.Claim.HolderSessionID
				if !t.ClaimFresh {
					claimNote += " (stale)"
				}
			}
			fmt.Fprintf(out, "  %s  lead=%s members=%d  %s\n", t.TeamID, t.Config.LeadName, len(t.Config.Members), claimNote)
		}
	case kindAttach:
		fmt.Fprintln(out, color.YellowString("! ")+"this session is already attached; start a new lead session for "+sc.TeamID)
	case kindDetach:
		c.Detach()
		fmt.Fprintln(out, "detached; only read commands remain available")
	case kindTaskList:
		tasks := c.Store().List()
		if len(tasks) == 0 {
			fmt.Fprintln(out, "no tasks")
			return
		}
		for _, t := range tasks {
			fmt.Fprintln(out, "  "+t.String())
		}
	case kindStatus:
		lines := c.WidgetLines(false)
		if len(lines) == 0 {
			fmt.Fprintln(out, "nothing to show")
			return
		}
		for _, l := range lines {
			fmt.Fprintln(out, l.Text)
		}
		if pending := c.PendingPlans(); len(pending) > 0 {
			fmt.Fprintln(out, "plans awaiting a verdict: "+strings.Join(pending, ", "))
		}
	case kindSend:
		if err := c.PromptWorker(sc.Name, sc.Text); err != nil {
			fmt.Fprintln(out, color.RedString("✗ ")+err.Error())
			return
		}
		fmt.Fprintln(out, color.GreenString("✓ ")+"sent to "+sc.Name)
	case kindAction:
		res := c.HandleAction(ctx, sc.Action)
		if res.OK {
			fmt.Fprintln(out, color.GreenString("✓ ")+res.Content)
		} else {
			fmt.Fprintln(out, color.RedString("✗ ")+res.Content)
		}
	}
}
