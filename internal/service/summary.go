package service

import (
	"context"
	"strings"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

const dashboardRecentCommissions = 5

// GetAgentLedgerSummary derives the agent's totals from commission and payout rows.
func (s *Service) GetAgentLedgerSummary(ctx context.Context, agentID string) (models.LedgerSummary, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return models.LedgerSummary{}, models.ErrNotFound
	}
	return s.store.LedgerSummary(ctx, agentID)
}

type Dashboard struct {
	Summary           models.LedgerSummary `json:"summary"`
	RecentCommissions []models.Commission  `json:"recentCommissions"`
	OpenPayouts       []models.Payout      `json:"openPayouts"`
}

// Dashboard is the agent landing view: summary, latest commissions and open payouts.
func (s *Service) Dashboard(ctx context.Context, agentID string) (Dashboard, error) {
	sum, err := s.GetAgentLedgerSummary(ctx, agentID)
	if err != nil {
		return Dashboard{}, err
	}
	recent, err := s.store.ListCommissions(ctx, store.CommissionFilter{AgentID: agentID, Limit: dashboardRecentCommissions})
	if err != nil {
		return Dashboard{}, err
	}
	open, err := s.store.ListPayouts(ctx, store.PayoutFilter{
		AgentID:  agentID,
		Statuses: []models.PayoutStatus{models.PayoutStatusRequested, models.PayoutStatusApproved},
	})
	if err != nil {
		return Dashboard{}, err
	}
	if recent == nil {
		recent = []models.Commission{}
	}
	if open == nil {
		open = []models.Payout{}
	}
	return Dashboard{Summary: sum, RecentCommissions: recent, OpenPayouts: open}, nil
}
