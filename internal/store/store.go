// Package store persists the commission ledger. PGStore is the production implementation;
// MemoryStore backs tests and local runs.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

// Store is the persistence contract of the ledger service. All mutations happen inside InTx;
// if fn returns an error (or the context is cancelled) nothing it did is kept.
type Store interface {
	Reader
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Reader holds the read paths used outside transactions.
type Reader interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	GetAgentByReferralCode(ctx context.Context, code string) (models.Agent, error)
	GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error)
	GetCommission(ctx context.Context, id uuid.UUID) (models.Commission, error)
	GetCommissionByOrder(ctx context.Context, orderID uuid.UUID) (models.Commission, error)
	GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error)
	GetDefaultRate(ctx context.Context) (decimal.Decimal, error)
	LedgerSummary(ctx context.Context, agentID string) (models.LedgerSummary, error)
	ListCommissions(ctx context.Context, f CommissionFilter) ([]models.Commission, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]models.Payout, error)
}

// Tx is the set of operations available inside a ledger transaction.
type Tx interface {
	GetAgent(ctx context.Context, id string) (models.Agent, error)
	GetDefaultRate(ctx context.Context) (decimal.Decimal, error)
	SetDefaultRate(ctx context.Context, rate decimal.Decimal, updatedBy string, at time.Time) error

	// InsertOrder fails with models.ErrDuplicateOrder when the external id already exists.
	InsertOrder(ctx context.Context, o models.Order) error
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (models.Order, error)
	// MarkOrderRefunded moves a PAID order to REFUNDED, else models.ErrInvalidStateTransition.
	MarkOrderRefunded(ctx context.Context, id uuid.UUID, at time.Time) error

	InsertCommission(ctx context.Context, c models.Commission) error
	GetCommissionByOrder(ctx context.Context, orderID uuid.UUID) (models.Commission, error)
	// TransitionCommission moves a PENDING_CLEARANCE commission to a terminal status.
	// It returns models.ErrNotFound for unknown ids and models.ErrInvalidStateTransition when
	// the commission is no longer pending.
	TransitionCommission(ctx context.Context, id uuid.UUID, to models.CommissionStatus, at time.Time) (models.Commission, error)

	// LockAgentLedger serialises payout computation for one agent until the transaction ends.
	LockAgentLedger(ctx context.Context, agentID string) error
	// ListAvailableCommissions returns CLEARED commissions not linked to an unreleased payout.
	ListAvailableCommissions(ctx context.Context, agentID string) ([]models.Commission, error)
	InsertPayout(ctx context.Context, p models.Payout) error
	LinkPayoutCommissions(ctx context.Context, payoutID uuid.UUID, commissionIDs []uuid.UUID, at time.Time) error
	GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.Payout, error)
	UpdatePayoutStatus(ctx context.Context, id uuid.UUID, from, to models.PayoutStatus, at time.Time) error
	// ReleasePayoutCommissions unlinks the payout's commissions and returns how many were released.
	ReleasePayoutCommissions(ctx context.Context, payoutID uuid.UUID, at time.Time) (int, error)

	AppendEvent(ctx context.Context, ev models.LedgerEvent) error
}

// EventOutbox is consumed by the event relay.
type EventOutbox interface {
	// FetchPendingEvents claims up to limit pending or failed events (attempts < maxAttempts)
	// and marks them in progress.
	FetchPendingEvents(ctx context.Context, limit, maxAttempts int) ([]models.LedgerEvent, error)
	MarkEventStreamResult(ctx context.Context, id uuid.UUID, archiveKey *string, success bool, errMsg string) error
}

type CommissionFilter struct {
	AgentID string
	Status  models.CommissionStatus
	Limit   int
}

type PayoutFilter struct {
	AgentID  string
	Statuses []models.PayoutStatus
	// OldestFirst orders by requested_at ascending; the default is newest first.
	OldestFirst bool
	Limit       int
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(n int) int {
	if n <= 0 {
		return defaultListLimit
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

// staleClaimAfter is how long an in-progress event may stay claimed before another relay retries it.
const staleClaimAfter = 5 * time.Minute
