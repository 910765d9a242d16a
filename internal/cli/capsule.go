package cli

import (
	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/capsule"
	"github.com/rcliao/memgov/internal/model"
)

func init() {
	capsuleCmd := &cobra.Command{
		Use:   "capsule",
		Short: "Share time-boxed memory with other agents",
	}

	create := &cobra.Command{
		Use:   "create",
		Short: "Create a capsule authored by the calling agent",
		Run:   runCapsuleCreate,
	}
	create.Flags().StringSliceP("audience", "a", nil, "Agent ids that may read the capsule (required)")
	create.Flags().StringSlice("chunk", nil, "Chunk id to include (repeatable)")
	create.Flags().StringSlice("decision", nil, "Decision id to include (repeatable)")
	create.Flags().StringSlice("artifact", nil, "Artifact reference to include (repeatable)")
	create.Flags().StringSlice("risk", nil, "Known risk (repeatable)")
	create.Flags().Int("ttl", 7, "Days until the capsule expires, 1-365")
	create.Flags().String("scope", "project", "Scope")
	create.Flags().StringP("project", "p", "", "Project id")
	create.Flags().String("subject-type", "", "Subject type")
	create.Flags().String("subject-id", "", "Subject id")
	create.MarkFlagRequired("audience")

	get := &cobra.Command{
		Use:   "get <capsule-id>",
		Short: "Show a capsule visible to the calling agent",
		Args:  cobra.ExactArgs(1),
		Run:   runCapsuleGet,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List capsules available to the calling agent",
		Run:   runCapsuleList,
	}
	list.Flags().StringP("project", "p", "", "Filter by project id")
	list.Flags().String("subject-type", "", "Filter by subject type")
	list.Flags().String("subject-id", "", "Filter by subject id")

	revoke := &cobra.Command{
		Use:   "revoke <capsule-id>",
		Short: "Revoke a capsule (author or admin)",
		Args:  cobra.ExactArgs(1),
		Run:   runCapsuleRevoke,
	}

	capsuleCmd.AddCommand(create, get, list, revoke)
	RootCmd.AddCommand(capsuleCmd)
}

func runCapsuleCreate(cmd *cobra.Command, args []string) {
	audience, _ := cmd.Flags().GetStringSlice("audience")
	chunks, _ := cmd.Flags().GetStringSlice("chunk")
	decisions, _ := cmd.Flags().GetStringSlice("decision")
	artifacts, _ := cmd.Flags().GetStringSlice("artifact")
	risks, _ := cmd.Flags().GetStringSlice("risk")
	ttl, _ := cmd.Flags().GetInt("ttl")
	scope, _ := cmd.Flags().GetString("scope")
	project, _ := cmd.Flags().GetString("project")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	c, err := svc.CreateCapsule(cmd.Context(), identity(), capsule.CreateParams{
		Scope:            model.Scope(scope),
		SubjectType:      subjectType,
		SubjectID:        subjectID,
		ProjectID:        project,
		AudienceAgentIDs: audience,
		Items:            model.CapsuleItems{Chunks: chunks, Decisions: decisions, Artifacts: artifacts},
		Risks:            risks,
		TTLDays:          ttl,
	})
	if err != nil {
		exitErr("capsule create", err)
	}
	printJSON(c)
}

func runCapsuleGet(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	c, err := svc.GetCapsule(cmd.Context(), identity(), args[0])
	if err != nil {
		exitErr("capsule get", err)
	}
	printJSON(c)
}

func runCapsuleList(cmd *cobra.Command, args []string) {
	project, _ := cmd.Flags().GetString("project")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	caps, err := svc.ListAvailableCapsules(cmd.Context(), identity(), capsule.ListFilter{
		ProjectID: project, SubjectType: subjectType, SubjectID: subjectID,
	})
	if err != nil {
		exitErr("capsule list", err)
	}
	printJSON(caps)
}

func runCapsuleRevoke(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	status, err := svc.RevokeCapsule(cmd.Context(), identity(), args[0])
	if err != nil {
		exitErr("capsule revoke", err)
	}
	printJSON(map[string]any{"capsule_id": args[0], "status": status})
}
