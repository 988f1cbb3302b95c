package schema

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestProgressRecord_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rec     *ProgressRecord
		wantErr string
	}{
		{
			name: "default record",
			rec:  NewRecord("m1"),
		},
		{
			name:    "nil record",
			rec:     nil,
			wantErr: "record is nil",
		},
		{
			name:    "missing module id",
			rec:     NewRecord(""),
			wantErr: "module_id is required",
		},
		{
			name: "negative time",
			rec: &ProgressRecord{
				ModuleID:       "m1",
				TotalTimeSpent: -1,
			},
			wantErr: "total_time_spent must be non-negative",
		},
		{
			name: "duplicate completed block",
			rec: &ProgressRecord{
				ModuleID:        "m1",
				CompletedBlocks: []string{"b1", "b1"},
			},
			wantErr: "completed_blocks contains duplicate block id",
		},
		{
			name: "empty favorite",
			rec: &ProgressRecord{
				ModuleID:  "m1",
				Favorites: []string{""},
			},
			wantErr: "favorites contains an empty block id",
		},
		{
			name: "unknown sync state",
			rec: &ProgressRecord{
				ModuleID:  "m1",
				SyncState: "lost",
			},
			wantErr: "unknown sync_state",
		},
		{
			name: "empty answer key",
			rec: &ProgressRecord{
				ModuleID: "m1",
				Answers:  map[string]Answer{"": {Value: "x"}},
			},
			wantErr: "answers contain an empty block id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rec.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProgressRecord_Normalize(t *testing.T) {
	rec := &ProgressRecord{
		ModuleID:        "m1",
		CompletedBlocks: []string{"b3", "b1", "b3", ""},
		Favorites:       []string{"b2", "b2"},
		TotalTimeSpent:  -4,
	}
	rec.Normalize()

	want := &ProgressRecord{
		ModuleID:        "m1",
		CompletedBlocks: []string{"b1", "b3"},
		Favorites:       []string{"b2"},
		Answers:         map[string]Answer{},
		SyncState:       StateLocalOnly,
		ModuleVersion:   DefaultModuleVersion,
	}
	if diff := cmp.Diff(want, rec); diff != "" {
		t.Errorf("Normalize() mismatch (-want +got):\n%s", diff)
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("normalized record should validate: %v", err)
	}
}

func TestProgressRecord_Mutators(t *testing.T) {
	rec := NewRecord("m1")
	if !rec.IsDefault() {
		t.Fatal("new record should be default")
	}

	if !rec.CompleteBlock("b1") {
		t.Error("first CompleteBlock should report a change")
	}
	if rec.CompleteBlock("b1") {
		t.Error("repeated CompleteBlock should not report a change")
	}
	rec.AddTime(5)
	rec.AddTime(-3)
	if rec.TotalTimeSpent != 5 {
		t.Errorf("TotalTimeSpent = %d, want 5", rec.TotalTimeSpent)
	}
	if !rec.ToggleFavorite("b2") || !rec.IsFavorite("b2") {
		t.Error("toggle should add favorite")
	}
	if rec.ToggleFavorite("b2") || rec.IsFavorite("b2") {
		t.Error("second toggle should remove favorite")
	}
	rec.SetAnswer("b1", Answer{Value: "logos", IsCorrect: true})

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rec.Touch(now)
	if !rec.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", rec.UpdatedAt, now)
	}
	if rec.IsDefault() {
		t.Error("mutated record should not be default")
	}
	if err := rec.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestProgressRecord_CloneIsDeep(t *testing.T) {
	synced := time.Now()
	rec := NewRecord("m1")
	rec.CompleteBlock("b1")
	rec.SetAnswer("b1", Answer{Value: "a"})
	rec.SyncedAt = &synced

	c := rec.Clone()
	c.CompleteBlock("b2")
	c.SetAnswer("b1", Answer{Value: "changed"})
	c.ToggleFavorite("b9")
	*c.SyncedAt = synced.Add(time.Hour)

	if rec.HasCompleted("b2") || rec.Answers["b1"].Value != "a" || rec.IsFavorite("b9") {
		t.Error("mutating the clone changed the original")
	}
	if !rec.SyncedAt.Equal(synced) {
		t.Error("clone shares SyncedAt pointer")
	}
}

func TestProgressRecord_SameContent(t *testing.T) {
	a := NewRecord("m1")
	a.CompletedBlocks = []string{"b2", "b1"}
	a.Notes = "n"

	b := a.Clone()
	b.CompletedBlocks = []string{"b1", "b2"}
	b.UpdatedAt = time.Now()
	b.Merged = true
	b.SyncState = StateSynced

	if !a.SameContent(b) {
		t.Error("records differing only in bookkeeping should have same content")
	}

	b.Notes = "other"
	if a.SameContent(b) {
		t.Error("different notes should not be same content")
	}
}

func TestPatch_Apply(t *testing.T) {
	rec := NewRecord("m1")
	rec.TotalTimeSpent = 20
	rec.Notes = "keep"

	lower := 10
	Patch{CompletedBlocks: []string{"b5", "b5"}, TotalTimeSpent: &lower}.Apply(rec)
	if diff := cmp.Diff([]string{"b5"}, rec.CompletedBlocks); diff != "" {
		t.Errorf("CompletedBlocks mismatch (-want +got):\n%s", diff)
	}
	if rec.TotalTimeSpent != 20 {
		t.Errorf("TotalTimeSpent decreased to %d", rec.TotalTimeSpent)
	}
	if rec.Notes != "keep" {
		t.Errorf("nil Notes patch changed notes to %q", rec.Notes)
	}

	higher, notes := 30, ""
	Patch{TotalTimeSpent: &higher, Notes: &notes}.Apply(rec)
	if rec.TotalTimeSpent != 30 || rec.Notes != "" {
		t.Errorf("got time=%d notes=%q, want 30 and empty", rec.TotalTimeSpent, rec.Notes)
	}

	if !(Patch{}).IsEmpty() {
		t.Error("zero patch should be empty")
	}
}

func TestCompletionPercentage(t *testing.T) {
	rec := NewRecord("m1")
	rec.CompletedBlocks = []string{"a", "b", "c"}

	tests := []struct {
		total int
		want  int
	}{
		{total: 0, want: 0},
		{total: 3, want: 100},
		{total: 4, want: 75},
		{total: 7, want: 43},
		{total: 2, want: 100},
		{total: 8, want: 38},
	}
	for _, tt := range tests {
		if got := CompletionPercentage(rec, tt.total); got != tt.want {
			t.Errorf("CompletionPercentage(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
	two := NewRecord("m2")
	two.CompletedBlocks = []string{"a", "b"}
	if got := CompletionPercentage(two, 3); got != 67 {
		t.Errorf("CompletionPercentage(2 of 3) = %d, want 67", got)
	}
	if got := CompletionPercentage(nil, 10); got != 0 {
		t.Errorf("nil record = %d, want 0", got)
	}
}

func TestRecordFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rec := NewRecord("genesis-1")
	rec.CompleteBlock("b1")
	rec.Touch(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))

	if err := WriteRecordFile(dir, rec); err != nil {
		t.Fatalf("WriteRecordFile: %v", err)
	}
	got, err := ReadRecordFile(filepath.Join(dir, "genesis-1.json"))
	if err != nil {
		t.Fatalf("ReadRecordFile: %v", err)
	}
	if diff := cmp.Diff(rec, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadRecordFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"completed_blocks":["a"]}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRecordFile(path); err == nil {
		t.Fatal("expected error for record without module_id")
	}

	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadRecordFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWriteRecordFile_RejectsInvalid(t *testing.T) {
	if err := WriteRecordFile(t.TempDir(), &ProgressRecord{}); err == nil {
		t.Fatal("expected error writing invalid record")
	}
}
