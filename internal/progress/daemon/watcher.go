package daemon

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file appeared in the inbox.
	OpCreate EventOp = iota
	// OpModify indicates an inbox file was rewritten.
	OpModify
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// FileEvent is a change to a record file in the inbox.
type FileEvent struct {
	// Path is the absolute path to the file that changed.
	Path string
	// Op is the operation that occurred.
	Op EventOp
}

// InboxWatcher watches a directory for progress record files (*.json)
// dropped in by other tools.
type InboxWatcher struct {
	watcher *fsnotify.Watcher
	events  chan FileEvent
	errors  chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	dir     string
}

// NewInboxWatcher creates a watcher. It emits nothing until Start.
func NewInboxWatcher() (*InboxWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &InboxWatcher{
		watcher: watcher,
		events:  make(chan FileEvent, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching dir.
func (iw *InboxWatcher) Start(dir string) error {
	iw.mu.Lock()
	defer iw.mu.Unlock()

	if iw.running {
		return fmt.Errorf("watcher already running")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("failed to resolve inbox directory %s: %w", dir, err)
	}
	if err := iw.watcher.Add(abs); err != nil {
		return fmt.Errorf("failed to watch inbox directory %s: %w", dir, err)
	}
	iw.dir = abs

	iw.running = true
	iw.wg.Add(1)
	go iw.processEvents()

	return nil
}

// Stop stops watching and closes the event channels. It blocks until the
// event loop has exited.
func (iw *InboxWatcher) Stop() error {
	iw.mu.Lock()
	if !iw.running {
		iw.mu.Unlock()
		_ = iw.watcher.Close()
		return nil
	}
	iw.running = false
	iw.mu.Unlock()

	close(iw.done)

	if err := iw.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	iw.wg.Wait()

	close(iw.events)
	close(iw.errors)

	return nil
}

// Events returns the channel of inbox changes. It is closed by Stop.
func (iw *InboxWatcher) Events() <-chan FileEvent {
	return iw.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (iw *InboxWatcher) Errors() <-chan error {
	return iw.errors
}

// Dir returns the watched directory.
func (iw *InboxWatcher) Dir() string {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.dir
}

// IsRunning returns true if the watcher is currently running.
func (iw *InboxWatcher) IsRunning() bool {
	iw.mu.Lock()
	defer iw.mu.Unlock()
	return iw.running
}

func (iw *InboxWatcher) processEvents() {
	defer iw.wg.Done()

	for {
		select {
		case <-iw.done:
			return

		case event, ok := <-iw.watcher.Events:
			if !ok {
				return
			}
			if fe, ok := iw.convertEvent(event); ok {
				select {
				case iw.events <- fe:
				case <-iw.done:
					return
				}
			}

		case err, ok := <-iw.watcher.Errors:
			if !ok {
				return
			}
			select {
			case iw.errors <- err:
			case <-iw.done:
				return
			}
		}
	}
}

// convertEvent maps an fsnotify event to a FileEvent. Removals, renames
// away and chmods are ignored, as are files outside the inbox.
func (iw *InboxWatcher) convertEvent(event fsnotify.Event) (FileEvent, bool) {
	if !strings.HasSuffix(event.Name, ".json") {
		return FileEvent{}, false
	}

	abs, err := filepath.Abs(event.Name)
	if err != nil || filepath.Dir(abs) != iw.dir {
		return FileEvent{}, false
	}

	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	default:
		return FileEvent{}, false
	}

	return FileEvent{Path: abs, Op: op}, true
}
