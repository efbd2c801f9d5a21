package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teamclaw/teamclaw/internal/config"
	"github.com/teamclaw/teamclaw/internal/worker"
)

// workerCmd is the hidden entry point the spawner launches children with.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run as a teammate worker process",
	Hidden: true,
	RunE:   runWorker,
}

func init() {
	workerCmd.Flags().String("model", "", "Model spec from the spawner (accepted; not used by this worker)")
	workerCmd.Flags().String("thinking", "", "Thinking level from the spawner (accepted; not used by this worker)")
	workerCmd.Flags().Bool("plan", false, "Send a plan approval request to the lead before each task")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Worker || cfg.TeamID == "" || cfg.AgentName == "" {
		return fmt.Errorf("worker mode requires PI_TEAMS_WORKER, PI_TEAMS_TEAM_ID, and PI_TEAMS_AGENT_NAME")
	}
	plan, _ := cmd.Flags().GetBool("plan")
	w := worker.New(cfg, worker.Options{
		Runner:       cfg.Runner,
		PlanRequired: plan,
	})
	return w.Run(cmd.Context())
}
