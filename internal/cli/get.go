package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get <chunk|decision|edit|task> <id>",
		Short: "Show one record",
		Long:  "Show one record. Chunks and decisions show their effective state; reviewers and admins also see the base record and applied edits, even when retracted.",
		Args:  cobra.ExactArgs(2),
		Run:   runGet,
	}

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	ctx, id := cmd.Context(), identity()
	var out any
	switch args[0] {
	case "chunk":
		out, err = svc.ResolveChunk(ctx, id, args[1])
	case "decision":
		out, err = svc.ResolveDecision(ctx, id, args[1])
	case "edit":
		out, err = svc.GetEdit(ctx, id, args[1])
	case "task":
		out, err = svc.GetTask(ctx, id, args[1])
	default:
		err = fmt.Errorf("unknown record type %q (valid: chunk, decision, edit, task)", args[0])
	}
	if err != nil {
		exitErr("get", err)
	}
	printJSON(out)
}
