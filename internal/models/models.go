// Package models contains the ledger entities shared by the store, service and HTTP layers.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

type CommissionStatus string

const (
	CommissionStatusPending  CommissionStatus = "PENDING_CLEARANCE"
	CommissionStatusCleared  CommissionStatus = "CLEARED"
	CommissionStatusReversed CommissionStatus = "REVERSED"
)

// Terminal reports whether no further transition is allowed from s.
func (s CommissionStatus) Terminal() bool {
	return s == CommissionStatusCleared || s == CommissionStatusReversed
}

type PayoutStatus string

const (
	PayoutStatusRequested PayoutStatus = "REQUESTED"
	PayoutStatusApproved  PayoutStatus = "APPROVED"
	PayoutStatusPaid      PayoutStatus = "PAID"
	PayoutStatusRejected  PayoutStatus = "REJECTED"
)

// ParsePayoutStatus maps user input onto a known payout status.
func ParsePayoutStatus(s string) (PayoutStatus, bool) {
	switch PayoutStatus(s) {
	case PayoutStatusRequested, PayoutStatusApproved, PayoutStatusPaid, PayoutStatusRejected:
		return PayoutStatus(s), true
	}
	return "", false
}

// Agent is the read-only view of an agent owned by the admin subsystem.
type Agent struct {
	ID                     string           `json:"id"`
	ReferralCode           string           `json:"referralCode"`
	CommissionRateOverride *decimal.Decimal `json:"commissionRateOverride,omitempty"`
	IsActive               bool             `json:"isActive"`
}

type Order struct {
	ID               uuid.UUID   `json:"id"`
	ExternalID       string      `json:"externalId"`
	TotalAmountCents int64       `json:"totalAmountCents"`
	CustomerRef      *string     `json:"customerRef,omitempty"`
	AgentID          *string     `json:"agentId"`
	Status           OrderStatus `json:"status"`
	// AttributionNote records why a referred order was left without an agent.
	AttributionNote string     `json:"attributionNote,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	RefundedAt      *time.Time `json:"refundedAt,omitempty"`
}

type Commission struct {
	ID                    uuid.UUID        `json:"id"`
	OrderID               uuid.UUID        `json:"orderId"`
	AgentID               string           `json:"agentId"`
	Rate                  decimal.Decimal  `json:"rate"`
	BaseAmountCents       int64            `json:"baseAmountCents"`
	CommissionAmountCents int64            `json:"commissionAmountCents"`
	Status                CommissionStatus `json:"status"`
	CreatedAt             time.Time        `json:"createdAt"`
	ClearedAt             *time.Time       `json:"clearedAt,omitempty"`
	ReversedAt            *time.Time       `json:"reversedAt,omitempty"`
}

type BankDetails struct {
	IBAN        string `json:"iban"`
	AccountName string `json:"accountName"`
}

type Payout struct {
	ID            uuid.UUID    `json:"id"`
	AgentID       string       `json:"agentId"`
	AmountCents   int64        `json:"amountCents"`
	Status        PayoutStatus `json:"status"`
	Bank          BankDetails  `json:"bank"`
	Note          string       `json:"note,omitempty"`
	CommissionIDs []uuid.UUID  `json:"commissionIds,omitempty"`
	RequestedAt   time.Time    `json:"requestedAt"`
	ApprovedAt    *time.Time   `json:"approvedAt,omitempty"`
	PaidAt        *time.Time   `json:"paidAt,omitempty"`
	RejectedAt    *time.Time   `json:"rejectedAt,omitempty"`
	ReleasedAt    *time.Time   `json:"releasedAt,omitempty"`
}

// LedgerSummary is derived from commission and payout rows on every read.
type LedgerSummary struct {
	AgentID           string `json:"agentId"`
	TotalClearedCents int64  `json:"totalClearedCents"`
	TotalPendingCents int64  `json:"totalPendingCents"`
	TotalPaidOutCents int64  `json:"totalPaidOutCents"`
	// InFlightCents is the sum of REQUESTED and APPROVED payouts.
	InFlightCents  int64 `json:"inFlightCents"`
	AvailableCents int64 `json:"availableCents"`
	ReversedCents  int64 `json:"reversedCents"`
}

// Setting keys.
const SettingCommissionRate = "commission_rate"

// DefaultCommissionRate seeds the settings row when none exists.
var DefaultCommissionRate = decimal.RequireFromString("0.10")

type EventStreamStatus string

const (
	EventStreamPending    EventStreamStatus = "pending"
	EventStreamInProgress EventStreamStatus = "in_progress"
	EventStreamDone       EventStreamStatus = "done"
	EventStreamFailed     EventStreamStatus = "failed"
)

// Ledger event types written to the outbox alongside each mutation.
const (
	EventOrderCreated        = "order.created"
	EventOrderRefunded       = "order.refunded"
	EventAttributionAnomaly  = "order.attribution_anomaly"
	EventCommissionCreated   = "commission.created"
	EventCommissionCleared   = "commission.cleared"
	EventCommissionReversed  = "commission.reversed"
	EventPayoutRequested     = "payout.requested"
	EventPayoutApproved      = "payout.approved"
	EventPayoutPaid          = "payout.paid"
	EventPayoutRejected      = "payout.rejected"
	EventPayoutReleased      = "payout.released"
	EventSettingsRateChanged = "settings.rate_changed"
)

// LedgerEvent is an outbox row. AggregateID is used as the Kafka partition key.
type LedgerEvent struct {
	ID          uuid.UUID         `json:"id"`
	EventType   string            `json:"eventType"`
	AggregateID string            `json:"aggregateId"`
	Payload     json.RawMessage   `json:"payload"`
	CreatedAt   time.Time         `json:"createdAt"`
	Status      EventStreamStatus `json:"status,omitempty"`
	Attempts    int               `json:"attempts,omitempty"`
	ArchiveKey  *string           `json:"archiveKey,omitempty"`
}
