// Package backupfile reads and writes progress exports as JSONL, one
// record per line.
package backupfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/koinelab/trilha/internal/progress/merge"
	"github.com/koinelab/trilha/internal/progress/schema"
)

// Export writes records to path, sorted by module id. The file is replaced
// atomically.
func Export(path string, records []*schema.ProgressRecord) error {
	sorted := make([]*schema.ProgressRecord, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("cannot export invalid record %s: %w", rec.ModuleID, err)
		}
		sorted = append(sorted, rec)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ModuleID < sorted[j].ModuleID })

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}

	if err := Write(file, sorted); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Write encodes records to w, one per line.
func Write(w io.Writer, records []*schema.ProgressRecord) error {
	encoder := json.NewEncoder(w)
	for _, rec := range records {
		if err := encoder.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode record %s: %w", rec.ModuleID, err)
		}
	}
	return nil
}

// Import reads a JSONL export from path.
func Import(path string) ([]*schema.ProgressRecord, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer file.Close()

	return Read(file)
}

// Read decodes a JSONL stream. Every record is normalized and validated.
// Records for the same module are merged, so concatenated exports import
// cleanly. The result is sorted by module id.
func Read(r io.Reader) ([]*schema.ProgressRecord, error) {
	byModule := make(map[string]*schema.ProgressRecord)
	decoder := json.NewDecoder(r)

	for n := 1; ; n++ {
		var rec schema.ProgressRecord
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON in record %d: %w", n, err)
		}
		rec.Normalize()
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record %d: %w", n, err)
		}

		prev, ok := byModule[rec.ModuleID]
		if !ok {
			byModule[rec.ModuleID] = &rec
			continue
		}
		stamp := prev.UpdatedAt
		if rec.UpdatedAt.After(stamp) {
			stamp = rec.UpdatedAt
		}
		byModule[rec.ModuleID] = merge.Merge(prev, &rec, stamp)
	}

	records := make([]*schema.ProgressRecord, 0, len(byModule))
	for _, rec := range byModule {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ModuleID < records[j].ModuleID })
	return records, nil
}
