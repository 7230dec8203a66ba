package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPGStore(db), mock
}

var commissionCols = []string{"id", "order_id", "agent_id", "rate", "base_amount_cents", "commission_amount_cents", "status", "created_at", "cleared_at", "reversed_at"}

func TestInsertOrderDuplicateMapsToSentinel(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orders").
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "orders_external_id_key"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.InsertOrder(context.Background(), models.Order{
			ID:               uuid.New(),
			ExternalID:       "ord-1",
			TotalAmountCents: 1000,
			Status:           models.OrderStatusPaid,
			CreatedAt:        time.Now().UTC(),
		})
	})
	assert.True(t, errors.Is(err, models.ErrDuplicateOrder), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionCommissionCompareAndSwap(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	orderID := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE commissions SET status = \\$1, cleared_at = \\$2").
		WithArgs(models.CommissionStatusCleared, sqlmock.AnyArg(), id.String(), models.CommissionStatusPending).
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow(id.String(), orderID.String(), "agent-1", "0.10", int64(1000), int64(100), "CLEARED", now, now, nil))
	mock.ExpectCommit()

	var got models.Commission
	err := s.InTx(context.Background(), func(tx Tx) error {
		var err error
		got, err = tx.TransitionCommission(context.Background(), id, models.CommissionStatusCleared, now)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, models.CommissionStatusCleared, got.Status)
	require.NotNil(t, got.ClearedAt)
	assert.Nil(t, got.ReversedAt)
	assert.True(t, got.Rate.Equal(decimal.RequireFromString("0.10")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionCommissionTerminalIsRejected(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE commissions SET status = \\$1, reversed_at").
		WillReturnRows(sqlmock.NewRows(commissionCols))
	mock.ExpectQuery("SELECT (.+) FROM commissions WHERE id = \\$1").
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow(id.String(), uuid.NewString(), "agent-1", "0.10", int64(1000), int64(100), "CLEARED", now, now, nil))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.TransitionCommission(context.Background(), id, models.CommissionStatusReversed, now)
		return err
	})
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionCommissionUnknown(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE commissions").WillReturnRows(sqlmock.NewRows(commissionCols))
	mock.ExpectQuery("SELECT (.+) FROM commissions WHERE id").WillReturnRows(sqlmock.NewRows(commissionCols))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.TransitionCommission(context.Background(), id, models.CommissionStatusCleared, time.Now())
		return err
	})
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPayoutRequestStatementsUnderAdvisoryLock(t *testing.T) {
	s, mock := newMockStore(t)
	payoutID := uuid.New()
	c1 := uuid.New()
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs("agent-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM commissions c\\s+WHERE c.agent_id = \\$1 AND c.status = 'CLEARED'").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows(commissionCols).
			AddRow(c1.String(), uuid.NewString(), "agent-1", "0.10", int64(1000), int64(100), "CLEARED", now, now, nil))
	mock.ExpectExec("INSERT INTO payouts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO payout_commissions").
		WithArgs(payoutID.String(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(tx Tx) error {
		ctx := context.Background()
		if err := tx.LockAgentLedger(ctx, "agent-1"); err != nil {
			return err
		}
		avail, err := tx.ListAvailableCommissions(ctx, "agent-1")
		if err != nil {
			return err
		}
		require.Len(t, avail, 1)
		if err := tx.InsertPayout(ctx, models.Payout{
			ID: payoutID, AgentID: "agent-1", AmountCents: 100, Status: models.PayoutStatusRequested,
			Bank: models.BankDetails{IBAN: "DE89370400440532013000", AccountName: "A"}, RequestedAt: now,
		}); err != nil {
			return err
		}
		return tx.LinkPayoutCommissions(ctx, payoutID, []uuid.UUID{avail[0].ID}, now)
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLinkPayoutCommissionsConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO payout_commissions").
		WillReturnError(&pq.Error{Code: pgUniqueViolation, Constraint: "payout_commissions_active_uniq"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.LinkPayoutCommissions(context.Background(), uuid.New(), []uuid.UUID{uuid.New()}, time.Now())
	})
	assert.ErrorIs(t, err, models.ErrNoFundsAvailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePayoutStatusStale(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE payouts SET status = \\$1, paid_at = \\$2").
		WithArgs(models.PayoutStatusPaid, sqlmock.AnyArg(), id.String(), models.PayoutStatusApproved).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdatePayoutStatus(context.Background(), id, models.PayoutStatusApproved, models.PayoutStatusPaid, time.Now())
	})
	assert.ErrorIs(t, err, models.ErrInvalidStateTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerSummaryScansDerivedTotals(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT\\s+COALESCE").
		WithArgs("agent-1").
		WillReturnRows(sqlmock.NewRows([]string{"cleared", "pending", "reversed", "paid", "inflight", "available"}).
			AddRow(int64(500), int64(150), int64(20), int64(200), int64(100), int64(200)))

	sum, err := s.LedgerSummary(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.LedgerSummary{
		AgentID:           "agent-1",
		TotalClearedCents: 500,
		TotalPendingCents: 150,
		ReversedCents:     20,
		TotalPaidOutCents: 200,
		InFlightCents:     100,
		AvailableCents:    200,
	}, sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDefaultRate(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("SELECT value FROM settings").
		WithArgs(models.SettingCommissionRate).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("0.125"))
	rate, err := s.GetDefaultRate(context.Background())
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.RequireFromString("0.125")))

	mock.ExpectQuery("SELECT value FROM settings").WillReturnRows(sqlmock.NewRows([]string{"value"}))
	_, err = s.GetDefaultRate(context.Background())
	assert.ErrorIs(t, err, models.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFetchPendingEventsClaimsBatch(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_events(.+)FOR UPDATE SKIP LOCKED").
		WithArgs(10, 5, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "aggregate_id", "payload", "created_at", "attempts"}).
			AddRow(id.String(), models.EventOrderCreated, "ord-1", []byte(`{"a":1}`), time.Now().UTC(), 0))
	mock.ExpectExec("UPDATE ledger_events SET stream_status = 'in_progress'").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	events, err := s.FetchPendingEvents(context.Background(), 10, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, id, events[0].ID)
	assert.Equal(t, 1, events[0].Attempts)
	assert.Equal(t, models.EventStreamInProgress, events[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEventStreamResult(t *testing.T) {
	s, mock := newMockStore(t)
	id := uuid.New()
	key := "ledger-events/2026/01/02/x.json"

	mock.ExpectExec("UPDATE\\s+ledger_events SET stream_status = 'done'").
		WithArgs(sqlmock.AnyArg(), id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE\\s+ledger_events SET stream_status = 'failed'").
		WithArgs("kafka produce: boom", id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.MarkEventStreamResult(context.Background(), id, &key, true, ""))
	require.NoError(t, s.MarkEventStreamResult(context.Background(), id, nil, false, "kafka produce: boom"))
	require.NoError(t, mock.ExpectationsWereMet())
}
