package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show tenant statistics",
		Long:  "Show the tenant's aggregate counts as of the last maintenance refresh. --db-wide shows database-wide totals (admin).",
		Run:   runStats,
	}

	cmd.Flags().Bool("db-wide", false, "Show database-wide totals (admin)")

	RootCmd.AddCommand(cmd)
}

func runStats(cmd *cobra.Command, args []string) {
	dbWide, _ := cmd.Flags().GetBool("db-wide")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	if dbWide {
		stats, err := svc.DBStats(cmd.Context(), identity())
		if err != nil {
			exitErr("stats", err)
		}
		printJSON(stats)
		return
	}

	stats, err := svc.Stats(cmd.Context(), identity())
	if err != nil {
		exitErr("stats", err)
	}
	printJSON(stats)
}
