package cli

import (
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/search"
	"github.com/rcliao/memgov/internal/service"
)

func init() {
	searchCmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search visible chunks",
		Long:  "Rank chunks by full-text (and, when configured, semantic) relevance. Retracted, quarantined, and blocked chunks are hidden.",
		Args:  cobra.MinimumNArgs(1),
		Run:   runSearch,
	}
	addFilterFlags(searchCmd)
	searchCmd.Flags().IntP("limit", "l", 20, "Max results")

	timelineCmd := &cobra.Command{
		Use:   "timeline",
		Short: "List visible chunks newest first",
		Run:   runTimeline,
	}
	addFilterFlags(timelineCmd)
	timelineCmd.Flags().IntP("limit", "l", 50, "Max results")
	timelineCmd.Flags().String("since", "", "Only chunks at or after this RFC3339 time")
	timelineCmd.Flags().String("until", "", "Only chunks before this RFC3339 time")

	RootCmd.AddCommand(searchCmd, timelineCmd)
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("channel", "c", "", "Read channel; chunks blocked on it are hidden")
	cmd.Flags().Bool("include-quarantined", false, "Include quarantined chunks")
	cmd.Flags().StringP("session", "s", "", "Filter by session id")
	cmd.Flags().StringP("project", "p", "", "Filter by project id")
	cmd.Flags().String("subject-type", "", "Filter by subject type")
	cmd.Flags().String("subject-id", "", "Filter by subject id")
	cmd.Flags().String("scope", "", "Filter by scope")
	cmd.Flags().StringP("kind", "k", "", "Filter by kind")
	cmd.Flags().StringSliceP("tags", "t", nil, "Filter by tags (all must match)")
}

func readFilterFlags(cmd *cobra.Command) (search.Filter, service.ReadOptions) {
	channel, _ := cmd.Flags().GetString("channel")
	quarantined, _ := cmd.Flags().GetBool("include-quarantined")
	session, _ := cmd.Flags().GetString("session")
	project, _ := cmd.Flags().GetString("project")
	subjectType, _ := cmd.Flags().GetString("subject-type")
	subjectID, _ := cmd.Flags().GetString("subject-id")
	scope, _ := cmd.Flags().GetString("scope")
	kind, _ := cmd.Flags().GetString("kind")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	f := search.Filter{
		SessionID:   session,
		ProjectID:   project,
		SubjectType: subjectType,
		SubjectID:   subjectID,
		Scope:       model.Scope(scope),
		Kind:        kind,
		Tags:        tags,
	}
	return f, service.ReadOptions{Channel: model.Channel(channel), IncludeQuarantined: quarantined}
}

func runSearch(cmd *cobra.Command, args []string) {
	filter, read := readFilterFlags(cmd)
	limit, _ := cmd.Flags().GetInt("limit")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	results, err := svc.Search(cmd.Context(), identity(), service.SearchRequest{
		Query:  strings.Join(args, " "),
		Filter: filter,
		Limit:  limit,
		Read:   read,
	})
	if err != nil {
		exitErr("search", err)
	}
	printJSON(results)
}

func runTimeline(cmd *cobra.Command, args []string) {
	filter, read := readFilterFlags(cmd)
	limit, _ := cmd.Flags().GetInt("limit")
	sinceStr, _ := cmd.Flags().GetString("since")
	untilStr, _ := cmd.Flags().GetString("until")

	var since, until time.Time
	var err error
	if sinceStr != "" {
		if since, err = time.Parse(time.RFC3339, sinceStr); err != nil {
			exitErr("parse --since", err)
		}
	}
	if untilStr != "" {
		if until, err = time.Parse(time.RFC3339, untilStr); err != nil {
			exitErr("parse --until", err)
		}
	}

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	results, err := svc.Timeline(cmd.Context(), identity(), service.TimelineRequest{
		Filter: filter,
		Since:  since,
		Until:  until,
		Limit:  limit,
		Read:   read,
	})
	if err != nil {
		exitErr("timeline", err)
	}
	printJSON(results)
}
