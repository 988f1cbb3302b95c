package cloudstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/logger"
)

func newTestGate(t *testing.T, user *account.User, plan account.Plan) (*Gate, *MemoryStore, *account.Static) {
	t.Helper()
	backend := NewMemoryStore(func() time.Time { return serverNow })
	acct := account.NewStatic(user, plan, time.Time{})
	return NewGate(backend, acct, acct, logger.Nop()), backend, acct
}

func TestGate_ReadsReturnNothingWhenNotAllowed(t *testing.T) {
	ctx := context.Background()
	gate, backend, acct := newTestGate(t, &account.User{ID: "u1"}, account.PlanFree)
	if _, err := backend.Set(ctx, "u1", "m1", testRecord("m1")); err != nil {
		t.Fatal(err)
	}

	if gate.CanSync() {
		t.Fatal("free plan should not sync")
	}
	if rec, err := gate.Get(ctx, "m1"); rec != nil || err != nil {
		t.Errorf("Get() = %v, %v; want nil, nil", rec, err)
	}
	if recs, err := gate.List(ctx); recs != nil || err != nil {
		t.Errorf("List() = %v, %v; want nil, nil", recs, err)
	}

	acct.SetPlan(account.PlanCloud, time.Time{})
	if rec, err := gate.Get(ctx, "m1"); rec == nil || err != nil {
		t.Errorf("Get() after upgrade = %v, %v; want record", rec, err)
	}

	acct.SignOut()
	if rec, _ := gate.Get(ctx, "m1"); rec != nil {
		t.Error("signed out Get() should return nil")
	}
}

func TestGate_WriteChecks(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		user    *account.User
		plan    account.Plan
		writeAs string
		wantErr error
	}{
		{name: "allowed", user: &account.User{ID: "u1"}, plan: account.PlanCloud, writeAs: "u1"},
		{name: "signed out", user: nil, plan: account.PlanCloud, writeAs: "u1", wantErr: ErrUnauthenticated},
		{name: "user changed", user: &account.User{ID: "u2"}, plan: account.PlanAI, writeAs: "u1", wantErr: ErrIdentityChanged},
		{name: "not entitled", user: &account.User{ID: "u1"}, plan: account.PlanFree, writeAs: "u1", wantErr: ErrNotEntitled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate, _, _ := newTestGate(t, tt.user, tt.plan)

			_, err := gate.Set(ctx, tt.writeAs, "m1", testRecord("m1"))
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Set() error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Set() error = %v, want %v", err, tt.wantErr)
			}
			if IsRetryable(err) {
				t.Errorf("gate rejection should be terminal: %v", err)
			}
			if err := gate.Delete(ctx, tt.writeAs, "m1"); !errors.Is(err, tt.wantErr) {
				t.Errorf("Delete() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGate_NoBackend(t *testing.T) {
	acct := account.NewStatic(&account.User{ID: "u1"}, account.PlanCloud, time.Time{})
	gate := NewGate(nil, acct, acct, logger.Nop())

	if gate.Enabled() || gate.CanSync() {
		t.Fatal("gate without backend should be disabled")
	}
	if rec, err := gate.Get(context.Background(), "m1"); rec != nil || err != nil {
		t.Errorf("Get() = %v, %v", rec, err)
	}
	if _, err := gate.Set(context.Background(), "u1", "m1", testRecord("m1")); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Set() error = %v, want ErrNoBackend", err)
	}
	if err := gate.Ping(context.Background()); !errors.Is(err, ErrNoBackend) {
		t.Errorf("Ping() error = %v, want ErrNoBackend", err)
	}
	if err := gate.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
