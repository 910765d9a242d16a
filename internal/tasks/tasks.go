// Package tasks manages the task dependency graph and keeps it acyclic.
package tasks

import (
	"context"
	"fmt"
	"strings"

	"github.com/rcliao/memgov/internal/apperr"
	"github.com/rcliao/memgov/internal/model"
	"github.com/rcliao/memgov/internal/store"
)

// DefaultMaxDepth bounds the cycle check traversal.
const DefaultMaxDepth = 64

// Repository is the persistence the task graph needs.
type Repository interface {
	InsertTask(ctx context.Context, t model.Task) (*model.Task, error)
	GetTask(ctx context.Context, tenantID, id string) (*model.Task, error)
	ListTasks(ctx context.Context, tenantID string, status model.TaskStatus) ([]model.Task, error)
	SetTaskStatus(ctx context.Context, tenantID, id string, status model.TaskStatus) error
	AddTaskDependency(ctx context.Context, tenantID, taskID, dependsOnID string, check func(store.DependsOnFunc) error) error
}

// Graph creates tasks and dependency edges for one store.
type Graph struct {
	repo     Repository
	maxDepth int
}

// NewGraph returns a graph. A maxDepth of 0 means DefaultMaxDepth.
func NewGraph(repo Repository, maxDepth int) *Graph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Graph{repo: repo, maxDepth: maxDepth}
}

// Create adds an open task.
func (g *Graph) Create(ctx context.Context, id model.Identity, title string) (*model.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, apperr.Validation("title", "must not be empty")
	}
	return g.repo.InsertTask(ctx, model.Task{TenantID: id.TenantID, Title: title})
}

// AddDependency records that taskID depends on dependsOnID.
func (g *Graph) AddDependency(ctx context.Context, id model.Identity, taskID, dependsOnID string) error {
	if taskID == dependsOnID {
		return apperr.Validation("depends_on", "a task cannot depend on itself")
	}
	return g.repo.AddTaskDependency(ctx, id.TenantID, taskID, dependsOnID, func(next store.DependsOnFunc) error {
		return CheckAcyclic(taskID, dependsOnID, g.maxDepth, next)
	})
}

// Complete marks a task done.
func (g *Graph) Complete(ctx context.Context, id model.Identity, taskID string) error {
	return g.repo.SetTaskStatus(ctx, id.TenantID, taskID, model.TaskDone)
}

// Get returns a task with its edges.
func (g *Graph) Get(ctx context.Context, id model.Identity, taskID string) (*model.Task, error) {
	return g.repo.GetTask(ctx, id.TenantID, taskID)
}

// List returns the caller's tasks, optionally by status.
func (g *Graph) List(ctx context.Context, id model.Identity, status model.TaskStatus) ([]model.Task, error) {
	if status != "" && status != model.TaskOpen && status != model.TaskDone {
		return nil, apperr.Validation("status", fmt.Sprintf("unknown task status %q", status))
	}
	return g.repo.ListTasks(ctx, id.TenantID, status)
}

// CheckAcyclic reports whether adding the edge from -> to would close a
// cycle, by walking dependencies breadth first from to looking for from.
// A walk that does not settle within maxDepth levels is rejected.
func CheckAcyclic(from, to string, maxDepth int, next store.DependsOnFunc) error {
	if from == to {
		return apperr.Validation("depends_on", "a task cannot depend on itself")
	}
	seen := map[string]bool{to: true}
	frontier := []string{to}
	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxDepth {
			return apperr.Validation("depends_on", fmt.Sprintf("dependency chain exceeds depth %d", maxDepth))
		}
		var nextFrontier []string
		for _, id := range frontier {
			deps, err := next(id)
			if err != nil {
				return fmt.Errorf("walk dependencies: %w", err)
			}
			for _, d := range deps {
				if d == from {
					return apperr.Validation("depends_on", fmt.Sprintf("edge %s -> %s would create a cycle", from, to))
				}
				if !seen[d] {
					seen[d] = true
					nextFrontier = append(nextFrontier, d)
				}
			}
		}
		frontier = nextFrontier
	}
	return nil
}
