package cloudstore

import (
	"context"
	"time"

	"github.com/koinelab/trilha/internal/account"
	"github.com/koinelab/trilha/internal/logger"
	"github.com/koinelab/trilha/internal/progress/schema"
)

// Gate guards a Store with the identity and entitlement checks that precede
// every cloud operation.
//
// Reads by a signed-out or non-entitled learner return nothing, so the
// caller stays in local-only mode. Writes in that state fail with a terminal
// error rather than pretending to succeed, so a queued write is never
// reported as synced when it was not.
type Gate struct {
	backend     Store
	identity    account.Identity
	entitlement account.Entitlement
	log         *logger.Logger
}

// NewGate wraps backend. A nil backend disables cloud sync entirely.
func NewGate(backend Store, identity account.Identity, entitlement account.Entitlement, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Default()
	}
	return &Gate{
		backend:     backend,
		identity:    identity,
		entitlement: entitlement,
		log:         log.With("component", "cloud-gate"),
	}
}

// Enabled reports whether a backend is configured.
func (g *Gate) Enabled() bool {
	return g != nil && g.backend != nil
}

// UserID returns the signed-in user id, or "" when signed out.
func (g *Gate) UserID() string {
	if g == nil || g.identity == nil || !g.identity.IsAuthenticated() {
		return ""
	}
	if u := g.identity.CurrentUser(); u != nil {
		return u.ID
	}
	return ""
}

// CanSync reports whether cloud operations are currently allowed.
func (g *Gate) CanSync() bool {
	return g.Enabled() && g.UserID() != "" && g.entitlement != nil && g.entitlement.CanSyncToCloud()
}

// Get returns the cloud record for the signed-in user, or nil when cloud
// sync is not allowed or no record exists.
func (g *Gate) Get(ctx context.Context, moduleID string) (*schema.ProgressRecord, error) {
	if !g.CanSync() {
		return nil, nil
	}
	return g.backend.Get(ctx, g.UserID(), moduleID)
}

// List returns every cloud record of the signed-in user, or nil when cloud
// sync is not allowed.
func (g *Gate) List(ctx context.Context) ([]*schema.ProgressRecord, error) {
	if !g.CanSync() {
		return nil, nil
	}
	return g.backend.List(ctx, g.UserID())
}

// Set writes rec on behalf of userID, the user who was signed in when the
// write was requested.
func (g *Gate) Set(ctx context.Context, userID, moduleID string, rec *schema.ProgressRecord) (time.Time, error) {
	if err := g.checkWrite("set", userID, moduleID); err != nil {
		return time.Time{}, err
	}
	return g.backend.Set(ctx, userID, moduleID, rec)
}

// Delete removes the cloud record on behalf of userID.
func (g *Gate) Delete(ctx context.Context, userID, moduleID string) error {
	if err := g.checkWrite("delete", userID, moduleID); err != nil {
		return err
	}
	return g.backend.Delete(ctx, userID, moduleID)
}

// PutBackup stores a snapshot on behalf of userID.
func (g *Gate) PutBackup(ctx context.Context, userID string, b *schema.Backup) (time.Time, error) {
	if err := g.checkWrite("backup", userID, ""); err != nil {
		return time.Time{}, err
	}
	return g.backend.PutBackup(ctx, userID, b)
}

// Ping checks backend reachability regardless of entitlement.
func (g *Gate) Ping(ctx context.Context) error {
	if !g.Enabled() {
		return terminal("ping", "", ErrNoBackend)
	}
	return g.backend.Ping(ctx)
}

// Close closes the backend.
func (g *Gate) Close() error {
	if !g.Enabled() {
		return nil
	}
	return g.backend.Close()
}

func (g *Gate) checkWrite(op, userID, moduleID string) error {
	if !g.Enabled() {
		return terminal(op, moduleID, ErrNoBackend)
	}
	current := g.UserID()
	if current == "" {
		return terminal(op, moduleID, ErrUnauthenticated)
	}
	if userID != current {
		g.log.Warn("dropping write queued for another user", "op", op, "module", moduleID)
		return terminal(op, moduleID, ErrIdentityChanged)
	}
	if g.entitlement == nil || !g.entitlement.CanSyncToCloud() {
		return terminal(op, moduleID, ErrNotEntitled)
	}
	return nil
}
