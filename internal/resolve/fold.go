// Package resolve folds approved governance edits onto immutable base
// records to produce the currently visible view of a record.
//
// Fold is a pure function: the same base and edits always yield the same
// view, so any read path can recompute it and results are replayable.
package resolve

import (
	"sort"
	"time"

	"github.com/rcliao/memgov/internal/model"
)

// Base is the part of an immutable record the fold can change.
type Base struct {
	TargetType model.TargetType
	TargetID   string
	Text       string
	Importance float64
}

// BaseFromChunk extracts the foldable fields of a chunk.
func BaseFromChunk(c model.Chunk) Base {
	return Base{TargetType: model.TargetChunk, TargetID: c.ID, Text: c.Text, Importance: c.Importance}
}

// BaseFromDecision extracts the foldable fields of a decision.
// Decisions carry no importance score; they start at full importance.
func BaseFromDecision(d model.Decision) Base {
	return Base{TargetType: model.TargetDecision, TargetID: d.ID, Text: d.Decision, Importance: 1}
}

// BaseFromCapsule extracts the foldable fields of a capsule.
func BaseFromCapsule(c model.Capsule) Base {
	return Base{TargetType: model.TargetCapsule, TargetID: c.ID, Importance: 1}
}

// View is the effective state of a record after folding.
type View struct {
	TargetType      model.TargetType `json:"target_type"`
	TargetID        string           `json:"target_id"`
	Text            string           `json:"text"`
	Importance      float64          `json:"importance"`
	Retracted       bool             `json:"is_retracted"`
	Quarantined     bool             `json:"is_quarantined"`
	BlockedChannels []model.Channel  `json:"blocked_channels,omitempty"`
	EditsApplied    int              `json:"edits_applied_count"`
	LastAppliedAt   *time.Time       `json:"last_applied_at,omitempty"`
}

// Blocks reports whether reads scoped to ch must exclude the record.
func (v View) Blocks(ch model.Channel) bool {
	for _, b := range v.BlockedChannels {
		if b == ch {
			return true
		}
	}
	return false
}

// ReadOptions describe the read a view is checked against.
type ReadOptions struct {
	// Channel scopes the read; empty means unscoped.
	Channel model.Channel

	// IncludeQuarantined opts in to quarantined records.
	IncludeQuarantined bool
}

// Visible reports whether the record may appear in a read with the given
// options. Retracted records are never visible.
func (v View) Visible(o ReadOptions) bool {
	if v.Retracted {
		return false
	}
	if v.Quarantined && !o.IncludeQuarantined {
		return false
	}
	if o.Channel != "" && v.Blocks(o.Channel) {
		return false
	}
	return true
}

// ImportancePolicy post-processes the folded importance.
type ImportancePolicy int

const (
	// ClampFinal clamps the final importance to [0,1]. Intermediate values
	// are not clamped, so a delta that overshoots and a later delta that
	// comes back cancel exactly.
	ClampFinal ImportancePolicy = iota

	// Unclamped keeps the raw folded importance.
	Unclamped
)

func (p ImportancePolicy) apply(v float64) float64 {
	if p == Unclamped {
		return v
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Order returns the applied edits of edits in fold order: applied_at
// ascending, ties broken by edit_id. Pending, rejected, and unapplied edits
// are dropped. The input slice is not modified.
func Order(edits []model.MemoryEdit) []model.MemoryEdit {
	out := make([]model.MemoryEdit, 0, len(edits))
	for _, e := range edits {
		if e.Applied() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		ai, aj := *out[i].AppliedAt, *out[j].AppliedAt
		if !ai.Equal(aj) {
			return ai.Before(aj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Fold applies edits to base. Edits for other targets are ignored.
func Fold(base Base, edits []model.MemoryEdit, policy ImportancePolicy) View {
	var ordered []model.MemoryEdit
	for _, e := range Order(edits) {
		if e.TargetID == base.TargetID && (e.TargetType == "" || e.TargetType == base.TargetType) {
			ordered = append(ordered, e)
		}
	}

	v := View{
		TargetType:   base.TargetType,
		TargetID:     base.TargetID,
		Text:         base.Text,
		Importance:   base.Importance,
		EditsApplied: len(ordered),
	}
	if len(ordered) > 0 {
		last := *ordered[len(ordered)-1].AppliedAt
		v.LastAppliedAt = &last
	}

	// A retract anywhere in the history wins over every other edit.
	for _, e := range ordered {
		if e.Op == model.OpRetract {
			v.Retracted = true
			return v
		}
	}

	importance := base.Importance
	blocked := map[model.Channel]bool{}
	for _, e := range ordered {
		switch e.Op {
		case model.OpAmend:
			if e.Patch.Text != nil {
				v.Text = *e.Patch.Text
			}
			if e.Patch.Importance != nil {
				importance = *e.Patch.Importance
			}
		case model.OpAttenuate:
			if e.Patch.Importance != nil {
				importance = *e.Patch.Importance
			}
			if e.Patch.ImportanceDelta != nil {
				importance += *e.Patch.ImportanceDelta
			}
		case model.OpQuarantine:
			v.Quarantined = true
		case model.OpBlock:
			if e.Patch.Channel != "" {
				blocked[e.Patch.Channel] = true
			}
		}
	}
	v.Importance = policy.apply(importance)

	for ch := range blocked {
		v.BlockedChannels = append(v.BlockedChannels, ch)
	}
	sort.Slice(v.BlockedChannels, func(i, j int) bool {
		return v.BlockedChannels[i] < v.BlockedChannels[j]
	})
	return v
}
