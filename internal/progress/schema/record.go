package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DefaultModuleVersion tags records written by this version of the content.
const DefaultModuleVersion = "v1.0"

// SyncState describes where a record stands relative to the cloud copy.
type SyncState string

const (
	StateLocalOnly     SyncState = "local-only"
	StateQueued        SyncState = "queued"
	StateSynced        SyncState = "synced"
	StateMergeConflict SyncState = "merge-conflict"
)

// IsValid reports whether s is one of the known states.
func (s SyncState) IsValid() bool {
	switch s {
	case StateLocalOnly, StateQueued, StateSynced, StateMergeConflict:
		return true
	}
	return false
}

// Answer is the learner's response to a single block.
type Answer struct {
	Value      string    `json:"value"`
	IsCorrect  bool      `json:"is_correct"`
	AnsweredAt time.Time `json:"answered_at"`
}

// ProgressRecord is the progress of one user in one module.
//
// UpdatedAt is the client wall-clock time of the last local mutation and is
// the only input to conflict resolution. SyncedAt is assigned by the cloud
// store on write and is never compared against UpdatedAt.
type ProgressRecord struct {
	ModuleID        string            `json:"module_id"`
	UpdatedAt       time.Time         `json:"updated_at"`
	CompletedBlocks []string          `json:"completed_blocks"`
	Answers         map[string]Answer `json:"answers"`
	TotalTimeSpent  int               `json:"total_time_spent"`
	Notes           string            `json:"notes"`
	Favorites       []string          `json:"favorites"`
	SyncState       SyncState         `json:"sync_state"`
	Merged          bool              `json:"merged,omitempty"`
	SyncedAt        *time.Time        `json:"synced_at,omitempty"`
	ModuleVersion   string            `json:"module_version,omitempty"`
}

// NewRecord returns the empty default record for a module.
func NewRecord(moduleID string) *ProgressRecord {
	return &ProgressRecord{
		ModuleID:        moduleID,
		CompletedBlocks: []string{},
		Answers:         map[string]Answer{},
		Favorites:       []string{},
		SyncState:       StateLocalOnly,
		ModuleVersion:   DefaultModuleVersion,
	}
}

// Validate checks if the record has valid field values.
func (r *ProgressRecord) Validate() error {
	if r == nil {
		return fmt.Errorf("record is nil")
	}
	if r.ModuleID == "" {
		return fmt.Errorf("module_id is required")
	}
	if r.TotalTimeSpent < 0 {
		return fmt.Errorf("total_time_spent must be non-negative (got %d)", r.TotalTimeSpent)
	}
	if r.SyncState != "" && !r.SyncState.IsValid() {
		return fmt.Errorf("unknown sync_state %q", r.SyncState)
	}
	if err := validateSet("completed_blocks", r.CompletedBlocks); err != nil {
		return err
	}
	if err := validateSet("favorites", r.Favorites); err != nil {
		return err
	}
	for block := range r.Answers {
		if block == "" {
			return fmt.Errorf("answers contain an empty block id")
		}
	}
	return nil
}

func validateSet(field string, ids []string) error {
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%s contains an empty block id", field)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%s contains duplicate block id %q", field, id)
		}
		seen[id] = struct{}{}
	}
	return nil
}

// Normalize deduplicates and sorts the block sets and fills nil collections,
// so records read from older or foreign sources pass Validate.
func (r *ProgressRecord) Normalize() {
	r.CompletedBlocks = Union(r.CompletedBlocks)
	r.Favorites = Union(r.Favorites)
	if r.Answers == nil {
		r.Answers = map[string]Answer{}
	}
	if r.SyncState == "" {
		r.SyncState = StateLocalOnly
	}
	if r.ModuleVersion == "" {
		r.ModuleVersion = DefaultModuleVersion
	}
	if r.TotalTimeSpent < 0 {
		r.TotalTimeSpent = 0
	}
}

// Touch records a local mutation at now.
func (r *ProgressRecord) Touch(now time.Time) {
	r.UpdatedAt = now.UTC()
	r.Merged = false
	r.SyncState = StateLocalOnly
}

// IsDefault reports whether the record has never been mutated.
func (r *ProgressRecord) IsDefault() bool {
	return r == nil || (r.UpdatedAt.IsZero() &&
		len(r.CompletedBlocks) == 0 &&
		len(r.Answers) == 0 &&
		len(r.Favorites) == 0 &&
		r.TotalTimeSpent == 0 &&
		r.Notes == "")
}

// Clone returns a deep copy of the record.
func (r *ProgressRecord) Clone() *ProgressRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.CompletedBlocks = append([]string{}, r.CompletedBlocks...)
	c.Favorites = append([]string{}, r.Favorites...)
	c.Answers = make(map[string]Answer, len(r.Answers))
	for k, v := range r.Answers {
		c.Answers[k] = v
	}
	if r.SyncedAt != nil {
		t := *r.SyncedAt
		c.SyncedAt = &t
	}
	return &c
}

// SameContent compares learner-visible content, ignoring UpdatedAt, Merged,
// SyncState and SyncedAt.
func (r *ProgressRecord) SameContent(o *ProgressRecord) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.ModuleID != o.ModuleID || r.TotalTimeSpent != o.TotalTimeSpent || r.Notes != o.Notes {
		return false
	}
	if !sameSet(r.CompletedBlocks, o.CompletedBlocks) || !sameSet(r.Favorites, o.Favorites) {
		return false
	}
	if len(r.Answers) != len(o.Answers) {
		return false
	}
	for k, a := range r.Answers {
		b, ok := o.Answers[k]
		if !ok || a.Value != b.Value || a.IsCorrect != b.IsCorrect || !a.AnsweredAt.Equal(b.AnsweredAt) {
			return false
		}
	}
	return true
}

// HasCompleted reports whether block is in the completed set.
func (r *ProgressRecord) HasCompleted(block string) bool {
	return contains(r.CompletedBlocks, block)
}

// IsFavorite reports whether block is in the favorites set.
func (r *ProgressRecord) IsFavorite(block string) bool {
	return contains(r.Favorites, block)
}

// CompleteBlock adds block to the completed set. It reports whether the set changed.
func (r *ProgressRecord) CompleteBlock(block string) bool {
	if contains(r.CompletedBlocks, block) {
		return false
	}
	r.CompletedBlocks = append(r.CompletedBlocks, block)
	return true
}

// SetAnswer stores the answer for block, replacing any previous one.
func (r *ProgressRecord) SetAnswer(block string, a Answer) {
	if r.Answers == nil {
		r.Answers = map[string]Answer{}
	}
	r.Answers[block] = a
}

// AddTime adds minutes to the accumulated study time. Negative values are ignored.
func (r *ProgressRecord) AddTime(minutes int) {
	if minutes > 0 {
		r.TotalTimeSpent += minutes
	}
}

// ToggleFavorite flips block's membership in favorites and returns the new state.
func (r *ProgressRecord) ToggleFavorite(block string) bool {
	for i, id := range r.Favorites {
		if id == block {
			r.Favorites = append(r.Favorites[:i:i], r.Favorites[i+1:]...)
			return false
		}
	}
	r.Favorites = append(r.Favorites, block)
	return true
}

// CompletionPercentage returns the share of totalBlocks the record has
// completed, rounded to the nearest whole percent and capped at 100.
func CompletionPercentage(r *ProgressRecord, totalBlocks int) int {
	if r == nil || totalBlocks <= 0 {
		return 0
	}
	pct := (len(r.CompletedBlocks)*100 + totalBlocks/2) / totalBlocks
	if pct > 100 {
		return 100
	}
	return pct
}

// Union returns the sorted, duplicate-free union of the given id lists.
func Union(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, l := range lists {
		for _, id := range l {
			if id == "" {
				continue
			}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func sameSet(a, b []string) bool {
	ua, ub := Union(a), Union(b)
	if len(ua) != len(ub) {
		return false
	}
	for i := range ua {
		if ua[i] != ub[i] {
			return false
		}
	}
	return true
}

// Filename returns the canonical filename for this record: {module_id}.json
func (r *ProgressRecord) Filename() string {
	return fmt.Sprintf("%s.json", r.ModuleID)
}

// ReadRecordFile reads and parses a record JSON file from the given path.
func ReadRecordFile(path string) (*ProgressRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec ProgressRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}
	rec.Normalize()

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteRecordFile writes rec to dir/{module_id}.json with pretty-printed formatting.
func WriteRecordFile(dir string, rec *ProgressRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	path := filepath.Join(dir, rec.Filename())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename record file: %w", err)
	}

	return nil
}
