package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/bootstrap"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/status"
)

var (
	statusWorkflow   string
	statusSecretName string
	statusSecretID   string
	statusSourceFile string
	statusWatch      time.Duration
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of a workflow through the gateway",
	Long: `Posts a status check for the workflow to the gateway, retrying server and
network failures. With --watch the check is re-triggered on the interval until
interrupted.`,
	RunE: runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusWorkflow, "workflow", "", "workflow id (required)")
	f.StringVar(&statusSecretName, "secret-name", "", "secret name used as the search key (required)")
	f.StringVar(&statusSecretID, "secret-id", "", "CI/CD secret id (required)")
	f.StringVar(&statusSourceFile, "source-file", "", "send this file as the workflow source code")
	f.DurationVar(&statusWatch, "watch", 0, "re-check on this interval, at least the poller debounce (e.g. 10s)")
	statusCmd.MarkFlagRequired("workflow")
	statusCmd.MarkFlagRequired("secret-name")
	statusCmd.MarkFlagRequired("secret-id")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	in := status.Inputs{
		WorkflowID:   statusWorkflow,
		SecretName:   statusSecretName,
		CICDSecretID: statusSecretID,
	}
	if statusSourceFile != "" {
		src, err := os.ReadFile(statusSourceFile)
		if err != nil {
			return fmt.Errorf("failed to read source file: %w", err)
		}
		in.SourceCode = string(src)
	}
	if !in.Ready() {
		return fmt.Errorf("workflow, secret name and secret id must not be blank")
	}
	if statusWatch > 0 && statusWatch < cfg.Poller.Debounce {
		return fmt.Errorf("--watch %s is shorter than the poller debounce %s", statusWatch, cfg.Poller.Debounce)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := bootstrap.Initialize(ctx, cfg, bootstrap.Options{StatusClient: true})
	if err != nil {
		return err
	}
	defer cleanup()

	// Only snapshots of completed checks are printed
	settled := make(chan status.Snapshot, 1)
	pcfg := bootstrap.PollerConfig(cfg, nil)
	pcfg.OnSettled = func(s status.Snapshot) {
		select {
		case settled <- s:
		default:
		}
	}
	poller, err := status.NewPoller(app.Status, pcfg)
	if err != nil {
		return err
	}
	defer poller.Close()

	poller.ScheduleCheck(in)

	var tick <-chan time.Time
	if statusWatch > 0 {
		ticker := time.NewTicker(statusWatch)
		defer ticker.Stop()
		tick = ticker.C
	}

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-settled:
			failed := printSnapshot(out, s)
			if statusWatch == 0 {
				if failed {
					return fmt.Errorf("status check failed")
				}
				return nil
			}
		case <-tick:
			// Re-triggering would restart the debounce of the pending check
			if poller.Busy() {
				slog.Debug("Previous status check still pending, skipping tick")
				continue
			}
			poller.TriggerCheck()
		}
	}
}

// printSnapshot writes the result or the classified error and reports failure
func printSnapshot(w io.Writer, s status.Snapshot) bool {
	if s.Error != nil {
		fmt.Fprintf(w, "error (%s): %s\n", s.Error.Kind, s.Error.Message)
		return true
	}
	fmt.Fprintln(w, string(s.Status))
	return false
}
