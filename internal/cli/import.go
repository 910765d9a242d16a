package cli

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import events and chunks from an export snapshot",
		Long:  "Import events and their chunks from JSON (file or stdin) in the format produced by export. Records are written into the calling tenant; existing ids are skipped.",
		Args:  cobra.MaximumNArgs(1),
		Run:   runImport,
	}

	RootCmd.AddCommand(cmd)
}

func runImport(cmd *cobra.Command, args []string) {
	var r io.Reader = os.Stdin
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			exitErr("open file", err)
		}
		defer f.Close()
		r = f
	}

	var snap store.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		exitErr("parse json", err)
	}

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	res, err := svc.Import(cmd.Context(), identity(), &snap)
	if err != nil {
		exitErr("import", err)
	}
	printJSON(res)
}
