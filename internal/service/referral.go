package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

var referralCodePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,64}$`)

type ReferralResult struct {
	AgentID   string
	Marker    string
	ExpiresAt time.Time
}

// ResolveReferral maps a referral code to its active agent and issues a fresh marker.
// It writes nothing to the ledger.
func (s *Service) ResolveReferral(ctx context.Context, code string) (ReferralResult, error) {
	code = strings.TrimSpace(code)
	if !referralCodePattern.MatchString(code) {
		return ReferralResult{}, fmt.Errorf("%w: %q", models.ErrInvalidReferralCode, code)
	}

	agent, err := s.store.GetAgentByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return ReferralResult{}, models.ErrUnknownReferralCode
		}
		return ReferralResult{}, fmt.Errorf("lookup referral code: %w", err)
	}
	if !agent.IsActive {
		return ReferralResult{}, models.ErrUnknownReferralCode
	}

	marker, err := s.markers.Issue(agent.ID)
	if err != nil {
		return ReferralResult{}, fmt.Errorf("issue marker: %w", err)
	}
	return ReferralResult{AgentID: agent.ID, Marker: marker.Token, ExpiresAt: marker.ExpiresAt}, nil
}
