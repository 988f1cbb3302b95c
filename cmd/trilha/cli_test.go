package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/koinelab/trilha/internal/progress/backupfile"
	"github.com/koinelab/trilha/internal/progress/schema"
	"github.com/koinelab/trilha/internal/ui"
)

// setupCLI points the CLI at an empty data directory with an in-memory
// cloud and no config file.
func setupCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Setenv("TRILHA_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("TRILHA_LOG_LEVEL", "error")
	t.Setenv("TRILHA_CLOUD_BACKEND", "memory")
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCLI_ProgressRoundTrip(t *testing.T) {
	setupCLI(t)

	out, err := run(t, "complete", "alfabeto", "b2", "b1")
	if err != nil {
		t.Fatalf("complete failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "b1") || !strings.Contains(out, "b2") {
		t.Errorf("complete output missing blocks:\n%s", out)
	}

	if out, err := run(t, "time", "alfabeto", "15"); err != nil {
		t.Fatalf("time failed: %v\n%s", err, out)
	}

	out, err = run(t, "list")
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if !strings.Contains(out, "alfabeto") {
		t.Errorf("list output missing module:\n%s", out)
	}

	out, err = run(t, "load", "alfabeto", "--json")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	var rec schema.ProgressRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("load did not print JSON: %v\n%s", err, out)
	}
	if rec.TotalTimeSpent != 15 || len(rec.CompletedBlocks) != 2 {
		t.Errorf("loaded record = %+v", rec)
	}
}

func TestCLI_TimeRejectsNonNumber(t *testing.T) {
	setupCLI(t)
	if _, err := run(t, "time", "alfabeto", "ten"); err == nil {
		t.Error("expected error for non-numeric minutes")
	}
}

func TestCLI_DeleteRequiresYes(t *testing.T) {
	if ui.IsInteractive() {
		t.Skip("stdin is a terminal")
	}
	setupCLI(t)

	_, err := run(t, "delete", "alfabeto")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("expected --yes error, got %v", err)
	}
}

func TestCLI_ExportImport(t *testing.T) {
	dir := setupCLI(t)
	file := filepath.Join(dir, "export.jsonl")

	if out, err := run(t, "favorite", "numeros", "b3"); err != nil {
		t.Fatalf("favorite failed: %v\n%s", err, out)
	}
	if out, err := run(t, "export", file); err != nil {
		t.Fatalf("export failed: %v\n%s", err, out)
	}
	records, err := backupfile.Import(file)
	if err != nil {
		t.Fatalf("exported file unreadable: %v", err)
	}
	if len(records) != 1 || records[0].ModuleID != "numeros" {
		t.Fatalf("exported records = %+v", records)
	}

	// Import into a fresh data directory.
	t.Setenv("TRILHA_DATA_DIR", filepath.Join(dir, "other"))
	out, err := run(t, "import", file)
	if err != nil {
		t.Fatalf("import failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Imported 1 of 1") {
		t.Errorf("import output:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "other")); err != nil {
		t.Errorf("import did not create data dir: %v", err)
	}
}

func TestCLI_SyncDisabledOnFreePlan(t *testing.T) {
	setupCLI(t)
	if _, err := run(t, "sync"); err == nil {
		t.Error("expected sync to fail without a cloud plan")
	}
}

func TestCLI_ConfigInitAndShow(t *testing.T) {
	dir := setupCLI(t)
	path := filepath.Join(dir, "trilha.toml")

	if out, err := run(t, "config", "init", "--path", path); err != nil {
		t.Fatalf("config init failed: %v\n%s", err, out)
	}
	if _, err := run(t, "config", "init", "--path", path); err == nil {
		t.Error("expected second init to fail without --force")
	}

	out, err := run(t, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "trilha.toml") || !strings.Contains(out, `backend = "memory"`) {
		t.Errorf("config show output:\n%s", out)
	}
}

func TestPrintList_Empty(t *testing.T) {
	var buf bytes.Buffer
	printList(&buf, nil)
	if !strings.Contains(buf.String(), "No progress recorded.") {
		t.Errorf("printList(nil) = %q", buf.String())
	}
}

func TestCLI_Bench(t *testing.T) {
	setupCLI(t)
	out, err := run(t, "bench", "--sessions", "4", "--ops", "10", "--failure-rate", "0.3")
	if err != nil {
		t.Fatalf("bench failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "No progress lost") {
		t.Errorf("bench output:\n%s", out)
	}
}
