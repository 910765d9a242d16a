package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/precedence"
	"github.com/rcliao/memgov/internal/service"
	"github.com/rcliao/memgov/internal/store"
)

func init() {
	decisionCmd := &cobra.Command{
		Use:   "decision",
		Short: "Record and inspect decisions",
	}

	add := &cobra.Command{
		Use:   "add [decision]",
		Short: "Record an active decision",
		Run:   runDecisionAdd,
	}
	add.Flags().String("scope", "project", "Scope: session, user, project, policy, global")
	add.Flags().StringSlice("rationale", nil, "Rationale (repeatable)")
	add.Flags().StringSlice("constraint", nil, "Constraint (repeatable)")
	add.Flags().StringSlice("alternative", nil, "Rejected alternative (repeatable)")
	add.Flags().StringSlice("consequence", nil, "Consequence (repeatable)")
	add.Flags().StringSlice("ref", nil, "Reference (repeatable)")
	add.Flags().StringP("project", "p", "", "Project id")
	add.Flags().String("subject-type", "", "Subject type")
	add.Flags().String("subject-id", "", "Subject id")

	list := &cobra.Command{
		Use:   "list",
		Short: "List governing decisions in precedence order",
		Long:  "List active decisions in precedence order with approved edits folded in. Use --all for stored decisions of any status; reviewers and admins see them as written.",
		Run:   runDecisionList,
	}
	list.Flags().Bool("all", false, "List stored decisions of any status")
	list.Flags().String("scope", "", "Filter by scope")
	list.Flags().StringP("project", "p", "", "Filter by project id")
	list.Flags().String("subject-type", "", "Filter by subject type")
	list.Flags().String("subject-id", "", "Filter by subject id")
	list.Flags().StringP("channel", "c", "", "Read channel; decisions blocked on it are hidden")

	supersede := &cobra.Command{
		Use:   "supersede <decision-id>",
		Short: "Mark an active decision superseded",
		Args:  cobra.ExactArgs(1),
		Run:   runDecisionSupersede,
	}

	decisionCmd.AddCommand(add, list, supersede)
	RootCmd.AddCommand(decisionCmd)
}

func runDecisionAdd(cmd *cobra.Command, args []string) {
	scope, _ := cmd.Flags().GetString("scope")
	rationale, _ := cmd.Flags().GetStringSlice("rationale")
	constraints, _ := cmd.Flags().GetStringSlice("constraint")
	alternatives, _ := cmd.Flags().GetStringSlice("alternative")
	consequences, _ := cmd.Flags().GetStringSlice("consequence")
	refs, _ := cmd.Flags().GetStringSlice("ref")
	project, _ := cmd.Flags().GetString("project")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")

	text := readContent(args)
	if strings.TrimSpace(text) == "" {
		exitErr("decision add", fmt.Errorf("decision text is required (positional arg or stdin)"))
	}

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	d, err := svc.RecordDecision(cmd.Context(), identity(), service.DecisionInput{
		Scope:        model.Scope(scope),
		Decision:     text,
		Rationale:    rationale,
		Constraints:  constraints,
		Alternatives: alternatives,
		Consequences: consequences,
		Refs:         refs,
		ProjectID:    project,
		SubjectType:  subjectType,
		SubjectID:    subjectID,
	})
	if err != nil {
		exitErr("decision add", err)
	}
	printJSON(d)
}

func runDecisionList(cmd *cobra.Command, args []string) {
	all, _ := cmd.Flags().GetBool("all")
	scope, _ := cmd.Flags().GetString("scope")
	project, _ := cmd.Flags().GetString("project")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")
	channel, _ := cmd.Flags().GetString("channel")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	var decisions []model.Decision
	if all {
		decisions, err = svc.ListDecisions(cmd.Context(), identity(), store.DecisionFilter{
			Scope: model.Scope(scope), ProjectID: project, SubjectID: subjectID,
		})
	} else {
		decisions, err = svc.ActiveDecisions(cmd.Context(), identity(), precedence.Filter{
			Scope: model.Scope(scope), ProjectID: project, SubjectType: subjectType, SubjectID: subjectID,
		}, model.Channel(channel))
	}
	if err != nil {
		exitErr("decision list", err)
	}
	printJSON(decisions)
}

func runDecisionSupersede(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	if err := svc.SupersedeDecision(cmd.Context(), identity(), args[0]); err != nil {
		exitErr("decision supersede", err)
	}
	printJSON(map[string]any{"ok": true, "decision_id": args[0], "status": model.DecisionSuperseded})
}
