package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/ledger"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/store"
)

func init() {
	editCmd := &cobra.Command{
		Use:   "edit",
		Short: "Propose, review, and audit governance edits",
	}

	propose := &cobra.Command{
		Use:   "propose <chunk|decision|capsule> <target-id>",
		Short: "Propose an edit; it has no effect until approved",
		Long: "Propose an edit. Ops: retract, quarantine (no patch); amend (--text and/or --importance); " +
			"attenuate (--importance or --delta); block (--block-channel).",
		Args: cobra.ExactArgs(2),
		Run:  runEditPropose,
	}
	propose.Flags().String("op", "", "Op: retract, amend, quarantine, attenuate, block (required)")
	propose.Flags().StringP("reason", "r", "", "Why the edit is needed (required)")
	propose.Flags().String("by", "agent", "Proposer: human or agent")
	propose.Flags().String("text", "", "Amended text")
	propose.Flags().Float64("importance", 0, "New importance in [0,1]")
	propose.Flags().Float64("delta", 0, "Importance delta")
	propose.Flags().String("block-channel", "", "Channel to block")
	propose.MarkFlagRequired("op")
	propose.MarkFlagRequired("reason")

	approve := &cobra.Command{
		Use:   "approve <edit-id>",
		Short: "Approve a pending edit (reviewer or admin)",
		Args:  cobra.ExactArgs(1),
		Run:   runEditDecide,
	}
	reject := &cobra.Command{
		Use:   "reject <edit-id>",
		Short: "Reject a pending edit (reviewer or admin)",
		Args:  cobra.ExactArgs(1),
		Run:   runEditDecide,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List edits for audit",
		Run:   runEditList,
	}
	list.Flags().String("target-type", "", "Filter by target type")
	list.Flags().String("target", "", "Filter by target id")
	list.Flags().String("status", "", "Filter by status: pending, approved, rejected")
	list.Flags().IntP("limit", "l", 0, "Max results (0 = all)")

	editCmd.AddCommand(propose, approve, reject, list)
	RootCmd.AddCommand(editCmd)
}

func runEditPropose(cmd *cobra.Command, args []string) {
	op, _ := cmd.Flags().GetString("op")
	reason, _ := cmd.Flags().GetString("reason")
	by, _ := cmd.Flags().GetString("by")

	var patch model.Patch
	if cmd.Flags().Changed("text") {
		v, _ := cmd.Flags().GetString("text")
		patch.Text = &v
	}
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetFloat64("importance")
		patch.Importance = &v
	}
	if cmd.Flags().Changed("delta") {
		v, _ := cmd.Flags().GetFloat64("delta")
		patch.ImportanceDelta = &v
	}
	ch, _ := cmd.Flags().GetString("block-channel")
	patch.Channel = model.Channel(ch)

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	e, err := svc.RecordEdit(cmd.Context(), identity(), ledger.Proposal{
		TargetType: model.TargetType(args[0]),
		TargetID:   args[1],
		Op:         model.Op(op),
		Reason:     reason,
		ProposedBy: by,
		Patch:      patch,
	})
	if err != nil {
		exitErr("edit propose", err)
	}
	printJSON(e)
}

func runEditDecide(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	var e *model.MemoryEdit
	if cmd.Name() == "approve" {
		e, err = svc.ApproveEdit(cmd.Context(), identity(), args[0])
	} else {
		e, err = svc.RejectEdit(cmd.Context(), identity(), args[0])
	}
	if err != nil {
		exitErr("edit "+cmd.Name(), err)
	}
	printJSON(e)
}

func runEditList(cmd *cobra.Command, args []string) {
	targetType, _ := cmd.Flags().GetString("target-type")
	target, _ := cmd.Flags().GetString("target")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	edits, err := svc.ListEdits(cmd.Context(), identity(), store.EditFilter{
		TargetType: model.TargetType(targetType),
		TargetID:   target,
		Status:     model.EditStatus(status),
		Limit:      limit,
	})
	if err != nil {
		exitErr("edit list", err)
	}
	printJSON(edits)
}
