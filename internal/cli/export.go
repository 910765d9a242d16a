package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the tenant's records as JSON (admin)",
		Long:  "Export every event, chunk, decision, edit, capsule, and task of the tenant as one JSON snapshot.",
		Run:   runExport,
	}

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	snap, err := svc.Export(cmd.Context(), identity())
	if err != nil {
		exitErr("export", err)
	}
	printJSON(snap)
}
