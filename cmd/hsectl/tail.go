package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/morganzwest/hsemulator-ui-sub001/internal/bootstrap"
	"github.com/morganzwest/hsemulator-ui-sub001/internal/realtime"
)

var (
	tailExecution string
	tailJSON      bool
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Stream logs and status updates of an execution",
	Long: `Subscribes to the configured realtime transport and prints execution log
rows and execution updates until interrupted. Reconnects with exponential
backoff and exits once the retry budget is spent.`,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().StringVar(&tailExecution, "execution", "", "execution id to follow (required)")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "print raw change events as JSON lines")
	tailCmd.MarkFlagRequired("execution")
}

func runTail(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := bootstrap.Initialize(ctx, cfg, bootstrap.Options{Transport: true})
	if err != nil {
		return err
	}
	defer cleanup()

	out := cmd.OutOrStdout()
	gaveUp := make(chan int, 1)

	opts := bootstrap.ChannelOptions(cfg)
	opts.LogFilter = realtime.EqFilter("execution_id", tailExecution)
	opts.ExecutionFilter = realtime.EqFilter("id", tailExecution)
	opts.OnLog = func(ev realtime.ChangeEvent) { printEvent(out, "log", ev) }
	opts.OnExecutionUpdate = func(ev realtime.ChangeEvent) { printEvent(out, "execution", ev) }
	opts.OnStateChange = func(state realtime.ChannelState) {
		fmt.Fprintf(cmd.ErrOrStderr(), "[%s]\n", state)
	}
	opts.OnGiveUp = func(retries int) { gaveUp <- retries }

	unsubscribe, err := realtime.Subscribe(app.Transport, opts)
	if err != nil {
		return err
	}
	defer unsubscribe()

	select {
	case <-ctx.Done():
		return nil
	case retries := <-gaveUp:
		return fmt.Errorf("realtime connection lost after %d retries", retries)
	}
}

func printEvent(w io.Writer, kind string, ev realtime.ChangeEvent) {
	if tailJSON {
		data, err := json.Marshal(ev)
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
		return
	}
	ts := ev.CommitTimestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	row := ev.Row()
	switch kind {
	case "log":
		fmt.Fprintf(w, "%s %-5v %v\n", ts.Format(time.TimeOnly), row["level"], row["message"])
	default:
		fmt.Fprintf(w, "%s execution %v status=%v\n", ts.Format(time.TimeOnly), row["id"], row["status"])
	}
}
