// Package merge combines two divergent snapshots of the same progress record.
//
// Merge is pure: it never mutates its inputs and never fails. Set-valued
// fields are unioned, study time takes the maximum, and scalar fields fall
// back to recency by UpdatedAt.
package merge

import (
	"sort"
	"time"

	"github.com/koinelab/trilha/internal/progress/schema"
)

// Field names reported by Conflicts.
const (
	FieldNotes   = "notes"
	FieldAnswers = "answers"
)

// Merge returns the combination of local and cloud.
//
// A nil cloud yields local unchanged; a nil or default local yields cloud.
// Otherwise the newer record by UpdatedAt is the base (local on ties), the
// block sets are unioned, answers from the base win per block, study time is
// the maximum and notes come from the base unless it has none. The result is
// stamped with now and flagged Merged.
func Merge(local, cloud *schema.ProgressRecord, now time.Time) *schema.ProgressRecord {
	if cloud == nil {
		return local.Clone()
	}
	if local.IsDefault() {
		return cloud.Clone()
	}

	base, other := NewerOf(local, cloud)

	out := base.Clone()
	out.CompletedBlocks = schema.Union(base.CompletedBlocks, other.CompletedBlocks)
	out.Favorites = schema.Union(base.Favorites, other.Favorites)

	out.Answers = make(map[string]schema.Answer, len(base.Answers)+len(other.Answers))
	for k, v := range other.Answers {
		out.Answers[k] = v
	}
	for k, v := range base.Answers {
		out.Answers[k] = v
	}

	if other.TotalTimeSpent > out.TotalTimeSpent {
		out.TotalTimeSpent = other.TotalTimeSpent
	}
	if out.Notes == "" {
		out.Notes = other.Notes
	}
	if out.ModuleVersion == "" {
		out.ModuleVersion = other.ModuleVersion
	}

	out.UpdatedAt = now.UTC()
	out.Merged = true
	out.SyncedAt = nil
	if len(Conflicts(local, cloud)) > 0 {
		out.SyncState = schema.StateMergeConflict
	} else {
		out.SyncState = schema.StateLocalOnly
	}
	return out
}

// NewerOf returns (base, other) where base has the later UpdatedAt.
// On a tie the first argument is the base.
func NewerOf(a, b *schema.ProgressRecord) (base, other *schema.ProgressRecord) {
	if b.UpdatedAt.After(a.UpdatedAt) {
		return b, a
	}
	return a, b
}

// Conflicts lists the fields where a and b hold different non-empty values
// that Merge settles by recency rather than by union or max.
func Conflicts(a, b *schema.ProgressRecord) []string {
	if a == nil || b == nil {
		return nil
	}
	var fields []string
	if a.Notes != "" && b.Notes != "" && a.Notes != b.Notes {
		fields = append(fields, FieldNotes)
	}
	for k, av := range a.Answers {
		if bv, ok := b.Answers[k]; ok && (av.Value != bv.Value || av.IsCorrect != bv.IsCorrect) {
			fields = append(fields, FieldAnswers)
			break
		}
	}
	sort.Strings(fields)
	return fields
}

// Equivalent reports whether merging a and b would change nothing that a
// learner can see in either of them.
func Equivalent(a, b *schema.ProgressRecord) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.SameContent(b)
}
