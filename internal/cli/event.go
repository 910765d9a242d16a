package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/service"
)

func init() {
	eventCmd := &cobra.Command{
		Use:   "event",
		Short: "Record immutable events",
	}

	cmd := &cobra.Command{
		Use:   "record [text]",
		Short: "Record an event and derive its chunks",
		Long:  "Record an event. Text can be a positional arg or piped via stdin. Secret events are stored but never chunked.",
		Run:   runEventRecord,
	}

	cmd.Flags().StringP("session", "s", "", "Session id (required)")
	cmd.Flags().String("actor-type", "agent", "Actor type: human, agent, system")
	cmd.Flags().String("actor", "", "Actor id (default: the calling agent)")
	cmd.Flags().StringP("kind", "k", "note", "Event kind")
	cmd.Flags().StringP("channel", "c", "team", "Channel: private, public, team, agent")
	cmd.Flags().String("sensitivity", "none", "Sensitivity: none, low, high, secret")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().Float64("importance", 0.5, "Importance of derived chunks in [0,1]")
	cmd.Flags().String("scope", "session", "Scope: session, user, project, policy, global")
	cmd.Flags().String("subject-type", "", "Subject type")
	cmd.Flags().String("subject-id", "", "Subject id")
	cmd.Flags().StringP("project", "p", "", "Project id")

	cmd.MarkFlagRequired("session")

	eventCmd.AddCommand(cmd)
	RootCmd.AddCommand(eventCmd)
}

func runEventRecord(cmd *cobra.Command, args []string) {
	session, _ := cmd.Flags().GetString("session")
	actorType, _ := cmd.Flags().GetString("actor-type")
	actor, _ := cmd.Flags().GetString("actor")
	kind, _ := cmd.Flags().GetString("kind")
	channel, _ := cmd.Flags().GetString("channel")
	sensitivity, _ := cmd.Flags().GetString("sensitivity")
	tags, _ := cmd.Flags().GetString("tags")
	scope, _ := cmd.Flags().GetString("scope")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")
	project, _ := cmd.Flags().GetString("project")

	text := readContent(args)
	if strings.TrimSpace(text) == "" {
		exitErr("event record", fmt.Errorf("text is required (positional arg or stdin)"))
	}

	id := identity()
	if actor == "" {
		actor = id.AgentID
	}
	in := service.EventInput{
		SessionID:   session,
		Actor:       model.Actor{Type: actorType, ID: actor},
		Kind:        kind,
		Channel:     model.Channel(channel),
		Sensitivity: sensitivity,
		Text:        text,
		Tags:        splitList(tags),
		Scope:       model.Scope(scope),
		SubjectType: subjectType,
		SubjectID:   subjectID,
		ProjectID:   project,
	}
	if cmd.Flags().Changed("importance") {
		v, _ := cmd.Flags().GetFloat64("importance")
		in.Importance = &v
	}

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	res, err := svc.RecordEvent(cmd.Context(), id, in)
	if err != nil {
		exitErr("event record", err)
	}
	printJSON(res)
}
