package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/teamclaw/teamclaw/internal/claim"
	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/taskstore"
	"github.com/teamclaw/teamclaw/internal/team"
	"github.com/teamclaw/teamclaw/internal/widget"
)

var (
	teamCmd = &cobra.Command{
		Use:   "team",
		Short: "Inspect teams on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	teamListCmd = &cobra.Command{
		Use:   "list",
		Short: "List discovered teams with claim freshness",
		RunE:  runTeamList,
	}

	teamStatusCmd = &cobra.Command{
		Use:   "status <teamId>",
		Short: "Show members and open tasks for a team",
		Args:  cobra.ExactArgs(1),
		RunE:  runTeamStatus,
	}

	teamTasksCmd = &cobra.Command{
		Use:   "tasks <teamId>",
		Short: "List the team's tasks",
		Args:  cobra.ExactArgs(1),
		RunE:  runTeamTasks,
	}
)

func init() {
	teamListCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	teamTasksCmd.Flags().Bool("json", false, "Output machine-readable JSON")
	teamCmd.AddCommand(teamListCmd)
	teamCmd.AddCommand(teamStatusCmd)
	teamCmd.AddCommand(teamTasksCmd)
}

func runTeamList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	teams := team.ListDiscoveredTeams(cfg.RootDir, cfg.ClaimStaleMS)
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(teams)
	}
	if len(teams) == 0 {
		cmd.Printf("no teams under %s\n", cfg.RootDir)
		return nil
	}
	for _, t := range teams {
		claimNote := "unclaimed"
		if t.Claim != nil {
			age := describeClaimAge(*t.Claim)
			if t.ClaimFresh {
				claimNote = color.GreenString("claimed") + fmt.Sprintf(" by %s (%s)", t.Claim.HolderSessionID, age)
			} else {
				claimNote = color.YellowString("stale claim") + fmt.Sprintf(" from %s (%s)", t.Claim.HolderSessionID, age)
			}
		}
		cmd.Printf("%s  lead=%s members=%d  %s\n", t.TeamID, t.Config.LeadName, len(t.Config.Members), claimNote)
	}
	return nil
}

func describeClaimAge(c claim.AttachClaim) string {
	f := claim.Assess(c, time.Now(), 0)
	if f.AgeMS < 0 {
		return "unparseable heartbeat"
	}
	return (time.Duration(f.AgeMS) * time.Millisecond).Round(time.Second).String() + " old"
}

func runTeamStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	teamDir := cfg.TeamDir(args[0])
	tc, ok := team.LoadConfig(teamDir)
	if !ok {
		return fmt.Errorf("no team %q under %s", args[0], cfg.RootDir)
	}
	taskList := tc.TaskListID
	if taskList == "" {
		taskList = args[0]
	}
	tasks := taskstore.New(teamDir, taskList).List()
	lines := widget.Project(nil, tasks, tc, false)
	if len(lines) == 0 {
		cmd.Println("nothing to show")
		return nil
	}
	for _, l := range lines {
		cmd.Println(l.Text)
	}
	for _, m := range tc.Members {
		marker := color.RedString("offline")
		if m.Status == team.StatusOnline {
			marker = color.GreenString("online")
		}
		cmd.Printf("  %s (%s) %s\n", m.Name, m.Role, marker)
	}
	return nil
}

func runTeamTasks(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	teamDir := cfg.TeamDir(args[0])
	tc, ok := team.LoadConfig(teamDir)
	if !ok {
		return fmt.Errorf("no team %q under %s", args[0], cfg.RootDir)
	}
	taskList := tc.TaskListID
	if taskList == "" {
		taskList = args[0]
	}
	tasks := taskstore.New(teamDir, taskList).List()
	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(tasks)
	}
	if len(tasks) == 0 {
		cmd.Println("no tasks")
		return nil
	}
	for _, t := range tasks {
		blocked := ""
		if taskstore.BlockedIn(tasks, t.ID) {
			blocked = color.YellowString(" [blocked]")
		}
		cmd.Println(t.String() + blocked)
	}
	return nil
}
