package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/service"
)

func init() {
	cmd := &cobra.Command{
		Use:   "bundle [query]",
		Short: "Assemble the context bundle for an agent turn",
		Long:  "Collect governing decisions, ranked corrected chunks, and capsule references, packed under a hard token budget.",
		Run:   runBundle,
	}

	cmd.Flags().StringP("session", "s", "", "Session id")
	cmd.Flags().StringP("channel", "c", "team", "Channel the agent reads on")
	cmd.Flags().StringP("intent", "i", "", "What the agent is about to do; used as the query when none is given")
	cmd.Flags().IntP("budget", "b", 4000, "Max tokens in the bundle")
	cmd.Flags().StringP("project", "p", "", "Project id")
	cmd.Flags().String("subject-type", "", "Subject type")
	cmd.Flags().String("subject-id", "", "Subject id")

	RootCmd.AddCommand(cmd)
}

func runBundle(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	channel, _ := cmd.Flags().GetString("channel")
	intent, _ := cmd.Flags().GetString("intent")
	budget, _ := cmd.Flags().GetInt("budget")
	project, _ := cmd.Flags().GetString("project")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	b, err := svc.BuildBundle(cmd.Context(), identity(), service.BundleRequest{
		SessionID:   session,
		Channel:     model.Channel(channel),
		Intent:      intent,
		QueryText:   strings.Join(args, " "),
		MaxTokens:   budget,
		ProjectID:   project,
		SubjectType: subjectType,
		SubjectID:   subjectID,
	})
	if err != nil {
		exitErr("bundle", err)
	}
	printJSON(b)
}
