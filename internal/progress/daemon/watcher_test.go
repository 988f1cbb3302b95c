package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestNewInboxWatcher verifies that creating a new InboxWatcher succeeds.
func TestNewInboxWatcher(t *testing.T) {
	iw, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}
	defer iw.Stop()

	if iw.IsRunning() {
		t.Error("Newly created watcher should not be running")
	}
}

// TestInboxWatcher_StartStop verifies that the watcher can start and stop cleanly.
func TestInboxWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()

	iw, err := NewInboxWatcher()
	if err != nil {
		t.Fatalf("NewInboxWatcher() failed: %v", err)
	}

	if err := iw.Start(dir); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if !iw.IsRunning() {
		t.Error("Watcher should be running after Start()")
	}
	if err := iw.Start(dir); err == nil {
		t.Error("Start() on a running watcher should fail")
	}

	if err := iw.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if iw.IsRunning() {
		t.Error("Watcher should not be running after Stop()")
	}
	if err := iw.Stop(); err != nil {
		t.Errorf("second Stop() failed: %v", err)
	}
}

func TestInboxWatcher_MissingDirectory(t *testing.T) {
	iw, err := NewInboxWatcher()
	if err != nil {
		t.Fatal(err)
	}
	defer iw.Stop()

	if err := iw.Start(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("Start() on a missing directory should fail")
	}
}

// TestInboxWatcher_Events verifies that only inbox *.json files produce events.
func TestInboxWatcher_Events(t *testing.T) {
	dir := t.TempDir()

	iw, err := NewInboxWatcher()
	if err != nil {
		t.Fatal(err)
	}
	if err := iw.Start(dir); err != nil {
		t.Fatal(err)
	}
	defer iw.Stop()

	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "m1.json")
	if err := os.WriteFile(path, []byte(`{"module_id":"m1"}`), 0644); err != nil {
		t.Fatal(err)
	}

	want, _ := filepath.Abs(path)
	select {
	case ev := <-iw.Events():
		if ev.Path != want {
			t.Errorf("event path = %q, want %q", ev.Path, want)
		}
		if ev.Op != OpCreate && ev.Op != OpModify {
			t.Errorf("event op = %v", ev.Op)
		}
	case err := <-iw.Errors():
		t.Fatalf("watcher error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no event for new record file")
	}
}

func TestEventOp_String(t *testing.T) {
	tests := []struct {
		op   EventOp
		want string
	}{
		{OpCreate, "create"},
		{OpModify, "modify"},
		{EventOp(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("EventOp(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}
