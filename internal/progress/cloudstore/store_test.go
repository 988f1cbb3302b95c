package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/schema"
)

var serverNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func testRecord(id string) *schema.ProgressRecord {
	r := schema.NewRecord(id)
	r.CompleteBlock("b2")
	r.CompleteBlock("b1")
	r.SetAnswer("b1", schema.Answer{Value: "λόγος", IsCorrect: true, AnsweredAt: serverNow.Add(-time.Hour)})
	r.AddTime(7)
	r.Notes = "notes"
	r.Touch(serverNow.Add(-time.Minute))
	r.Normalize()
	return r
}

// backends returns every Store implementation available in this environment.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	log := logger.FromZap(zaptest.NewLogger(t))

	mr := miniredis.RunT(t)
	mr.SetTime(serverNow)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	stores := map[string]Store{
		"memory": NewMemoryStore(func() time.Time { return serverNow }),
		"redis":  NewRedisStoreFromClient(rdb, log),
	}

	if dsn := os.Getenv("TEST_POSTGRES_DSN"); dsn != "" {
		ctx := context.Background()
		pg, err := NewPostgresStore(ctx, dsn, log)
		if err != nil {
			t.Fatalf("postgres: %v", err)
		}
		if _, err := pg.db.ExecContext(ctx, `TRUNCATE progress_documents, progress_backups`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		stores["postgres"] = pg
	}
	return stores
}

// ignoreServerFields drops fields assigned by the backend on read.
var ignoreServerFields = cmpopts.IgnoreFields(schema.ProgressRecord{}, "SyncedAt", "SyncState")

func TestStore_Contract(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := fmt.Sprintf("user-%s", name)

			got, err := store.Get(ctx, user, "m1")
			if err != nil || got != nil {
				t.Fatalf("Get(missing) = %v, %v; want nil, nil", got, err)
			}

			rec := testRecord("m1")
			syncedAt, err := store.Set(ctx, user, "m1", rec)
			if err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if syncedAt.IsZero() {
				t.Fatal("Set() returned zero server timestamp")
			}

			got, err = store.Get(ctx, user, "m1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if diff := cmp.Diff(rec, got, ignoreServerFields); diff != "" {
				t.Errorf("Get() mismatch (-want +got):\n%s", diff)
			}
			if got.SyncedAt == nil || got.SyncState != schema.StateSynced {
				t.Errorf("Get() SyncedAt=%v SyncState=%q", got.SyncedAt, got.SyncState)
			}

			if _, err := store.Set(ctx, user, "m2", testRecord("m2")); err != nil {
				t.Fatalf("Set(m2) error = %v", err)
			}
			if _, err := store.Set(ctx, "someone-else", "m3", testRecord("m3")); err != nil {
				t.Fatalf("Set(other user) error = %v", err)
			}

			all, err := store.List(ctx, user)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			var ids []string
			for _, r := range all {
				ids = append(ids, r.ModuleID)
			}
			if diff := cmp.Diff([]string{"m1", "m2"}, ids); diff != "" {
				t.Errorf("List() ids mismatch (-want +got):\n%s", diff)
			}

			if err := store.Delete(ctx, user, "m1"); err != nil {
				t.Fatalf("Delete() error = %v", err)
			}
			if err := store.Delete(ctx, user, "m1"); err != nil {
				t.Fatalf("second Delete() error = %v", err)
			}
			if got, _ := store.Get(ctx, user, "m1"); got != nil {
				t.Errorf("Get() after delete = %+v", got)
			}

			backup := &schema.Backup{ID: "bk1", UserID: user, CreatedAt: serverNow, Records: []*schema.ProgressRecord{testRecord("m2")}}
			if _, err := store.PutBackup(ctx, user, backup); err != nil {
				t.Fatalf("PutBackup() error = %v", err)
			}

			if err := store.Ping(ctx); err != nil {
				t.Fatalf("Ping() error = %v", err)
			}
		})
	}
}

func TestStore_SetRejectsMalformed(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := store.Set(ctx, "u", "m1", testRecord("other"))
			if !errors.Is(err, ErrMalformed) || IsRetryable(err) {
				t.Fatalf("Set(mismatched module) error = %v, want terminal ErrMalformed", err)
			}

			_, err = store.Set(ctx, "u", "m1", nil)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("Set(nil) error = %v, want ErrMalformed", err)
			}

			_, err = store.PutBackup(ctx, "u", &schema.Backup{})
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("PutBackup(no id) error = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestMemoryStore_MalformedDocumentIsTerminal(t *testing.T) {
	store := NewMemoryStore(nil)
	store.PutRaw("u", "m1", []byte(`{"module_id": 12`))

	_, err := store.Get(context.Background(), "u", "m1")
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("Get() error = %v, want ErrMalformed", err)
	}
	if IsRetryable(err) {
		t.Error("malformed document should not be retryable")
	}
}

func TestMemoryStore_FailNextIsRetryable(t *testing.T) {
	store := NewMemoryStore(nil)
	store.FailNext(errors.New("connection reset"))

	_, err := store.Set(context.Background(), "u", "m1", testRecord("m1"))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("Set() error = %v, want retryable", err)
	}
	if _, err := store.Set(context.Background(), "u", "m1", testRecord("m1")); err != nil {
		t.Fatalf("failure should only apply once: %v", err)
	}
}

func TestRedisStore_ServerTimestamp(t *testing.T) {
	mr := miniredis.RunT(t)
	later := serverNow.Add(42 * time.Second)
	mr.SetTime(later)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	store := NewRedisStoreFromClient(rdb, logger.Nop())

	syncedAt, err := store.Set(context.Background(), "u", "m1", testRecord("m1"))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !syncedAt.Equal(later) {
		t.Errorf("syncedAt = %v, want redis server time %v", syncedAt, later)
	}
	if !mr.Exists(redisDocKey("u", "m1")) {
		t.Error("document key missing")
	}
	if ok, _ := mr.SIsMember(redisIndexKey("u"), "m1"); !ok {
		t.Error("module not indexed")
	}
}

func TestRedisStore_UnreachableIsRetryable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rdb.Close()
	store := NewRedisStoreFromClient(rdb, logger.Nop())
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := store.Set(ctx, "u", "m1", testRecord("m1"))
	if err == nil || !IsRetryable(err) {
		t.Fatalf("Set() against closed server error = %v, want retryable", err)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain", err: errors.New("boom"), want: true},
		{name: "transient sync error", err: &SyncError{Op: "set", Transient: true, Err: errors.New("x")}, want: true},
		{name: "terminal sync error", err: &SyncError{Op: "set", Err: errors.New("x")}, want: false},
		{name: "malformed sentinel", err: fmt.Errorf("wrap: %w", ErrMalformed), want: false},
		{name: "not entitled", err: ErrNotEntitled, want: false},
		{name: "retryable wraps terminal", err: retryable("set", "m", ErrIdentityChanged), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDocumentPath(t *testing.T) {
	if got, want := DocumentPath("u1", "m1"), "users/u1/trilhaProgress/m1"; got != want {
		t.Errorf("DocumentPath() = %q, want %q", got, want)
	}
}
