// Package cloudstore stores progress documents in a shared backend so a
// learner's progress follows them across devices.
//
// Documents are addressed by (user, module), mirroring the path
// users/{uid}/trilhaProgress/{moduleID}. Every write is a full overwrite and
// is stamped with a server-assigned SyncedAt that is independent of the
// client's UpdatedAt.
package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/koinelab/trilha/internal/progress/schema"
)

// Collection names used to build document paths.
const (
	UsersCollection    = "users"
	ProgressCollection = "trilhaProgress"
	BackupCollection   = "trilhaBackups"
)

// Store is a cloud document backend.
type Store interface {
	// Get returns the stored record, or nil, nil when there is none.
	Get(ctx context.Context, userID, moduleID string) (*schema.ProgressRecord, error)

	// Set overwrites the record and returns the server-assigned write time.
	Set(ctx context.Context, userID, moduleID string, rec *schema.ProgressRecord) (time.Time, error)

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, userID, moduleID string) error

	// List returns every record stored for the user.
	List(ctx context.Context, userID string) ([]*schema.ProgressRecord, error)

	// PutBackup stores a full snapshot of the user's progress.
	PutBackup(ctx context.Context, userID string, b *schema.Backup) (time.Time, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Errors returned by cloud operations. These are terminal for the task that
// hit them; see SyncError for transient failures.
var (
	// ErrMalformed is returned when a stored document cannot be decoded or
	// a record fails validation before upload.
	ErrMalformed = errors.New("malformed progress document")

	// ErrUnauthenticated is returned by writes attempted with no signed-in user.
	ErrUnauthenticated = errors.New("no authenticated user")

	// ErrNotEntitled is returned by writes when the plan does not include cloud sync.
	ErrNotEntitled = errors.New("plan does not include cloud sync")

	// ErrIdentityChanged is returned when a queued write belongs to a user
	// other than the one now signed in.
	ErrIdentityChanged = errors.New("signed-in user changed since the write was queued")

	// ErrNoBackend is returned when cloud sync is not configured.
	ErrNoBackend = errors.New("no cloud backend configured")
)

// SyncError wraps a backend failure with its retry classification.
type SyncError struct {
	Op        string
	ModuleID  string
	Transient bool
	Err       error
}

func (e *SyncError) Error() string {
	kind := "terminal"
	if e.Transient {
		kind = "retryable"
	}
	if e.ModuleID == "" {
		return fmt.Sprintf("cloud %s (%s): %v", e.Op, kind, e.Err)
	}
	return fmt.Sprintf("cloud %s %s (%s): %v", e.Op, e.ModuleID, kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed if attempted again.
func (e *SyncError) Retryable() bool { return e.Transient }

// retryable wraps err as a transient failure unless it is already
// classified or is one of the terminal sentinels.
func retryable(op, moduleID string, err error) error {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Op: op, ModuleID: moduleID, Transient: !isTerminal(err), Err: err}
}

// terminal wraps err as a failure that must not be retried.
func terminal(op, moduleID string, err error) error {
	return &SyncError{Op: op, ModuleID: moduleID, Transient: false, Err: err}
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrUnauthenticated) ||
		errors.Is(err, ErrNotEntitled) ||
		errors.Is(err, ErrIdentityChanged) ||
		errors.Is(err, ErrNoBackend)
}

// IsRetryable returns true if err is likely to succeed on retry.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return !isTerminal(err)
}

// DocumentPath returns the logical path of a progress document.
func DocumentPath(userID, moduleID string) string {
	return fmt.Sprintf("%s/%s/%s/%s", UsersCollection, userID, ProgressCollection, moduleID)
}

// prepare validates rec and returns a copy ready for upload.
func prepare(moduleID string, rec *schema.ProgressRecord) (*schema.ProgressRecord, error) {
	if rec == nil {
		return nil, terminal("set", moduleID, fmt.Errorf("%w: record is nil", ErrMalformed))
	}
	if rec.ModuleID != moduleID {
		return nil, terminal("set", moduleID,
			fmt.Errorf("%w: record module %q does not match %q", ErrMalformed, rec.ModuleID, moduleID))
	}
	out := rec.Clone()
	out.Normalize()
	if err := out.Validate(); err != nil {
		return nil, terminal("set", moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if out.ModuleVersion == "" {
		out.ModuleVersion = schema.DefaultModuleVersion
	}
	return out, nil
}

// finish stamps a record read back from the backend.
func finish(rec *schema.ProgressRecord, moduleID string, syncedAt time.Time) (*schema.ProgressRecord, error) {
	rec.Normalize()
	if rec.ModuleID == "" {
		rec.ModuleID = moduleID
	}
	if err := rec.Validate(); err != nil {
		return nil, terminal("get", moduleID, fmt.Errorf("%w: %v", ErrMalformed, err))
	}
	if !syncedAt.IsZero() {
		t := syncedAt.UTC()
		rec.SyncedAt = &t
	}
	rec.SyncState = schema.StateSynced
	return rec, nil
}
