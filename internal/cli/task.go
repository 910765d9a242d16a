package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/memgov/internal/model"
)

func init() {
	taskCmd := &cobra.Command{
		Use:   "task",
		Short: "Track agent tasks and their dependencies",
	}

	add := &cobra.Command{
		Use:   "add [title]",
		Short: "Create an open task",
		Run:   runTaskAdd,
	}

	depend := &cobra.Command{
		Use:   "depend <task-id> <depends-on-id>",
		Short: "Record that a task depends on another; cycles are refused",
		Args:  cobra.ExactArgs(2),
		Run:   runTaskDepend,
	}

	done := &cobra.Command{
		Use:   "done <task-id>",
		Short: "Mark a task done",
		Args:  cobra.ExactArgs(1),
		Run:   runTaskDone,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks with their dependencies",
		Run:   runTaskList,
	}
	list.Flags().String("status", "", "Filter by status: open, done")

	taskCmd.AddCommand(add, depend, done, list)
	RootCmd.AddCommand(taskCmd)
}

func runTaskAdd(cmd *cobra.Command, args []string) {
	title := readContent(args)
	if strings.TrimSpace(title) == "" {
		exitErr("task add", fmt.Errorf("title is required"))
	}

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	t, err := svc.CreateTask(cmd.Context(), identity(), title)
	if err != nil {
		exitErr("task add", err)
	}
	printJSON(t)
}

func runTaskDepend(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	if err := svc.AddTaskDependency(cmd.Context(), identity(), args[0], args[1]); err != nil {
		exitErr("task depend", err)
	}
	printJSON(map[string]any{"ok": true, "task_id": args[0], "depends_on": args[1]})
}

func runTaskDone(cmd *cobra.Command, args []string) {
	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	if err := svc.CompleteTask(cmd.Context(), identity(), args[0]); err != nil {
		exitErr("task done", err)
	}
	printJSON(map[string]any{"ok": true, "task_id": args[0], "status": model.TaskDone})
}

func runTaskList(cmd *cobra.Command, args []string) {
	status, _ := cmd.Flags().GetString("status")

	svc, err := openService()
	if err != nil {
		exitErr("open store", err)
	}
	defer svc.Close()

	tasks, err := svc.ListTasks(cmd.Context(), identity(), model.TaskStatus(status))
	if err != nil {
		exitErr("task list", err)
	}
	printJSON(tasks)
}
