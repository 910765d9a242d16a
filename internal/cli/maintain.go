package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run background maintenance jobs",
		Long:  "Refresh tenant stats and expire capsules. Without --once, runs until interrupted.",
		Run:   runMaintain,
	}

	cmd.Flags().Bool("once", false, "Schedule and run due jobs once, then exit")

	RootCmd.AddCommand(cmd)
}

func runMaintain(cmd *cobra.Command, args []string) {
	once, _ := cmd.Flags().GetBool("once")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := svc.Maintenance()
	if !once {
		if err := runner.Run(ctx); err != nil {
			exitErr("maintain", err)
		}
		return
	}

	if err := runner.Schedule(ctx); err != nil {
		exitErr("schedule", err)
	}
	jobs, err := runner.RunPending(ctx)
	if err != nil {
		exitErr("maintain", err)
	}
	printJSON(jobs)
}
