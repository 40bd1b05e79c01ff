package services

import (
	"context"
	"strconv"

	"github.com/vikasavnish/agentbridge/internal/config"
)

// Entitlements is what a user's plan allows for remote bridging.
type Entitlements struct {
	MaxAccounts     int
	MaxDevices      int
	BridgingEnabled bool
}

// PlanService looks up a user's entitlements. Billing owns plan storage;
// this service only reads it.
type PlanService interface {
	EntitlementsFor(ctx context.Context, userID uint) (Entitlements, error)
}

type configPlanService struct {
	plans config.PlansConfig
}

// NewConfigPlanService serves entitlements from configuration: the default
// plan, overridden per user id.
func NewConfigPlanService(plans config.PlansConfig) PlanService {
	return &configPlanService{plans: plans}
}

func (s *configPlanService) EntitlementsFor(_ context.Context, userID uint) (Entitlements, error) {
	p := s.plans.Default
	if o, ok := s.plans.Overrides[strconv.FormatUint(uint64(userID), 10)]; ok {
		p = o
	}
	return Entitlements{
		MaxAccounts:     p.MaxAccounts,
		MaxDevices:      p.MaxDevices,
		BridgingEnabled: p.BridgingEnabled,
	}, nil
}
