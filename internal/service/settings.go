package service

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/commission"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

// GetDefaultRate returns the global commission rate applied to agents without an override.
func (s *Service) GetDefaultRate(ctx context.Context) (decimal.Decimal, error) {
	return defaultRate(ctx, s.store)
}

// SetDefaultRate changes the global rate. Existing commissions keep the rate they snapshotted.
func (s *Service) SetDefaultRate(ctx context.Context, rate decimal.Decimal, actor string) error {
	if err := commission.ValidateRate(rate); err != nil {
		return err
	}
	var previous decimal.Decimal
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		old, err := defaultRate(ctx, tx)
		if err != nil {
			return err
		}
		previous = old
		if err := tx.SetDefaultRate(ctx, rate, actor, s.timestamp()); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, models.EventSettingsRateChanged, models.SettingCommissionRate, map[string]interface{}{
			"previous": old,
			"rate":     rate,
			"actor":    actor,
		})
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("previous", previous.String()).Str("rate", rate.String()).Str("actor", actor).Msg("default commission rate changed")
	return nil
}
