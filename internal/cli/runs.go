package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vipul43/repopulse/internal/models"
	"github.com/vipul43/repopulse/internal/syncerr"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard [tenant-id]",
	Short: "Start the onboarding pipeline for a tenant, or join the active run",
	Args:  cobra.ExactArgs(1),
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run and its phase history",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a pipeline run",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runOnboard(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	run, joined, err := a.orchestrator.Onboard(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if joined {
		fmt.Printf("Joined active run %s (phase %s)\n", run.ID, run.Phase)
	} else {
		fmt.Printf("Started run %s (generation %d)\n", run.ID, run.Generation)
	}
	return nil
}

func runShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	run, err := a.orchestrator.Run(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	printRun(run)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()

	cancelled, err := a.orchestrator.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !cancelled {
		fmt.Println("Run already finished.")
		return nil
	}
	fmt.Printf("Run %s cancelled.\n", args[0])
	return nil
}

func printRun(run *models.PipelineRun) {
	fmt.Printf("Run %s\n", run.ID)
	fmt.Printf("  Tenant:     %s\n", run.TenantID)
	fmt.Printf("  Generation: %d\n", run.Generation)
	fmt.Printf("  Phase:      %s\n", run.Phase)
	if run.ErrorCode != nil {
		fmt.Printf("  Error:      %s\n", syncerr.Message(syncerr.Code(*run.ErrorCode)))
	}
	if len(run.Metrics) > 0 {
		fmt.Printf("  Metrics:    %s\n", string(run.Metrics))
	}
	fmt.Println()
	for _, h := range run.History {
		from := string(h.FromPhase)
		if from == "" {
			from = "-"
		}
		fmt.Printf("  %s  %-16s -> %s\n", h.At.Format("2006-01-02 15:04:05"), from, h.ToPhase)
	}
}
