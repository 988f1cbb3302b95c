// Package account exposes the signed-in learner and the plan-derived
// capability to sync progress to the cloud.
package account

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Plan is the subscription tier of a learner.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanCloud Plan = "cloud"
	PlanAI    Plan = "ai"
)

// ParsePlan converts a config string into a Plan.
func ParsePlan(s string) (Plan, error) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanFree, PlanCloud, PlanAI:
		return p, nil
	case "":
		return PlanFree, nil
	default:
		return "", fmt.Errorf("unknown plan %q (want free, cloud or ai)", s)
	}
}

// AllowsCloudSync reports whether the plan includes cloud progress sync.
func (p Plan) AllowsCloudSync() bool {
	return p == PlanCloud || p == PlanAI
}

// User is the signed-in learner.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Identity reports who is signed in. A nil user means local-only mode.
type Identity interface {
	CurrentUser() *User
	IsAuthenticated() bool
}

// Entitlement answers whether the current learner may sync to the cloud.
// It is consulted before every cloud operation and must be cheap.
type Entitlement interface {
	CanSyncToCloud() bool
}

// Static is an Identity and Entitlement backed by fixed values, typically
// loaded from configuration. It is safe for concurrent use.
type Static struct {
	mu        sync.RWMutex
	user      *User
	plan      Plan
	expiresAt time.Time
	now       func() time.Time
}

// NewStatic returns a Static account. A nil user means signed out; a zero
// expiresAt means the plan never expires.
func NewStatic(user *User, plan Plan, expiresAt time.Time) *Static {
	return &Static{user: user, plan: plan, expiresAt: expiresAt, now: time.Now}
}

func (s *Static) CurrentUser() *User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Static) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user != nil && s.user.ID != ""
}

// Plan returns the effective plan, downgraded to free once expired.
func (s *Static) Plan() Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.expiredLocked() {
		return PlanFree
	}
	return s.plan
}

func (s *Static) CanSyncToCloud() bool {
	return s.IsAuthenticated() && s.Plan().AllowsCloudSync()
}

// SignIn replaces the current user.
func (s *Static) SignIn(u *User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = u
}

// SignOut clears the current user.
func (s *Static) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
}

// SetPlan changes the plan and its expiry.
func (s *Static) SetPlan(p Plan, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
	s.expiresAt = expiresAt
}

func (s *Static) expiredLocked() bool {
	return !s.expiresAt.IsZero() && !s.now().Before(s.expiresAt)
}
