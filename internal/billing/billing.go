package billing

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Tier is the base plan a subscription code belongs to.
type Tier string

const (
	TierFree      Tier = "free"
	TierEssential Tier = "essential"
	TierPro       Tier = "pro"
	TierUltimate  Tier = "ultimate"
)

// PlanFree is used when a tenant has no subscription at all.
const PlanFree = "free"

// EssentialRetention is how far back essential plans keep synced history.
const EssentialRetention = 365 * 24 * time.Hour

// BaseTier strips the billing period from a plan code, e.g. "pro_annual" -> pro.
func BaseTier(plan string) Tier {
	code := strings.ToLower(strings.TrimSpace(plan))
	code = strings.TrimSuffix(code, "_monthly")
	code = strings.TrimSuffix(code, "_annual")

	if code == "" {
		return TierFree
	}

	return Tier(code)
}

// RetentionCutoff returns the start of the oldest day a plan keeps, or nil when
// the plan keeps everything.
func RetentionCutoff(plan string, now time.Time) *time.Time {
	if BaseTier(plan) != TierEssential {
		return nil
	}

	y, m, d := now.UTC().Add(-EssentialRetention).Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)

	return &cutoff
}

type Repository interface {
	// ActivePlan returns the plan of the latest active subscription, else of the
	// latest subscription, else PlanFree.
	ActivePlan(ctx context.Context, tenantID uuid.UUID) (string, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// RetentionCutoff resolves the tenant's plan and its cutoff.
func (s *Service) RetentionCutoff(ctx context.Context, tenantID uuid.UUID, now time.Time) (string, *time.Time, error) {
	plan, err := s.repo.ActivePlan(ctx, tenantID)
	if err != nil {
		return "", nil, fmt.Errorf("resolving active plan: %w", err)
	}

	return plan, RetentionCutoff(plan, now), nil
}
