package schema

import (
	"fmt"
	"time"
)

// Patch is a partial update applied by SaveProgress. Nil fields are left
// untouched; non-nil fields replace the current value.
type Patch struct {
	CompletedBlocks []string          `json:"completed_blocks,omitempty"`
	Answers         map[string]Answer `json:"answers,omitempty"`
	// TotalTimeSpent is clamped so the stored value never decreases.
	TotalTimeSpent *int     `json:"total_time_spent,omitempty"`
	Notes          *string  `json:"notes,omitempty"`
	Favorites      []string `json:"favorites,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.CompletedBlocks == nil && p.Answers == nil && p.TotalTimeSpent == nil &&
		p.Notes == nil && p.Favorites == nil
}

// Apply writes the patch into r. It does not touch UpdatedAt.
func (p Patch) Apply(r *ProgressRecord) {
	if p.CompletedBlocks != nil {
		r.CompletedBlocks = Union(p.CompletedBlocks)
	}
	if p.Answers != nil {
		r.Answers = make(map[string]Answer, len(p.Answers))
		for k, v := range p.Answers {
			r.Answers[k] = v
		}
	}
	if p.TotalTimeSpent != nil && *p.TotalTimeSpent > r.TotalTimeSpent {
		r.TotalTimeSpent = *p.TotalTimeSpent
	}
	if p.Notes != nil {
		r.Notes = *p.Notes
	}
	if p.Favorites != nil {
		r.Favorites = Union(p.Favorites)
	}
}

// Backup is a point-in-time snapshot of every local record for one user.
type Backup struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	CreatedAt time.Time         `json:"created_at"`
	Records   []*ProgressRecord `json:"records"`
}

// Validate checks the backup and every record inside it.
func (b *Backup) Validate() error {
	if b == nil {
		return fmt.Errorf("backup is nil")
	}
	if b.ID == "" {
		return fmt.Errorf("backup id is required")
	}
	for i, r := range b.Records {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
	}
	return nil
}
