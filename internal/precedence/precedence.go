// Package precedence orders decisions so the one that governs comes first.
package precedence

import (
	"sort"

	"github.com/rcliao/memgov/internal/model"
)

// Filter narrows the decisions considered. Empty fields match anything.
type Filter struct {
	Scope       model.Scope
	ProjectID   string
	SubjectType string
	SubjectID   string
}

// Matches reports whether d passes the filter.
func (f Filter) Matches(d model.Decision) bool {
	if f.Scope != "" && d.Scope != f.Scope {
		return false
	}
	if f.ProjectID != "" && d.ProjectID != f.ProjectID {
		return false
	}
	if f.SubjectType != "" && d.SubjectType != f.SubjectType {
		return false
	}
	if f.SubjectID != "" && d.SubjectID != f.SubjectID {
		return false
	}
	return true
}

// Less reports whether a takes precedence over b: higher scope rank first,
// then most recent, then decision id for a total order.
func Less(a, b model.Decision) bool {
	if a.Scope.Outranks(b.Scope) {
		return true
	}
	if b.Scope.Outranks(a.Scope) {
		return false
	}
	if !a.TS.Equal(b.TS) {
		return a.TS.After(b.TS)
	}
	return a.ID < b.ID
}

// Active returns the active decisions matching f in precedence order.
// Superseded decisions never appear. The input is not modified.
func Active(decisions []model.Decision, f Filter) []model.Decision {
	out := make([]model.Decision, 0, len(decisions))
	for _, d := range decisions {
		if d.Status != model.DecisionActive || !f.Matches(d) {
			continue
		}
		out = append(out, d)
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
