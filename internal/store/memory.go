package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

// MemoryStore keeps the ledger in process memory. Transactions are serialised by a single
// mutex and applied to a copy of the state, which replaces the live state only on commit.
// It is meant for tests and local runs, never for production.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memLink struct {
	payoutID     uuid.UUID
	commissionID uuid.UUID
	linkedAt     time.Time
	releasedAt   *time.Time
}

type memEvent struct {
	ev        models.LedgerEvent
	claimedAt time.Time
	lastError string
}

type memState struct {
	agents      map[string]models.Agent
	orders      map[uuid.UUID]models.Order
	externalIDs map[string]uuid.UUID
	commissions map[uuid.UUID]models.Commission
	byOrder     map[uuid.UUID]uuid.UUID
	payouts     map[uuid.UUID]models.Payout
	links       []memLink
	defaultRate *decimal.Decimal
	events      []memEvent
}

func NewMemoryStore() *MemoryStore {
	rate := models.DefaultCommissionRate
	return &MemoryStore{state: &memState{
		agents:      map[string]models.Agent{},
		orders:      map[uuid.UUID]models.Order{},
		externalIDs: map[string]uuid.UUID{},
		commissions: map[uuid.UUID]models.Commission{},
		byOrder:     map[uuid.UUID]uuid.UUID{},
		payouts:     map[uuid.UUID]models.Payout{},
		defaultRate: &rate,
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		agents:      make(map[string]models.Agent, len(s.agents)),
		orders:      make(map[uuid.UUID]models.Order, len(s.orders)),
		externalIDs: make(map[string]uuid.UUID, len(s.externalIDs)),
		commissions: make(map[uuid.UUID]models.Commission, len(s.commissions)),
		byOrder:     make(map[uuid.UUID]uuid.UUID, len(s.byOrder)),
		payouts:     make(map[uuid.UUID]models.Payout, len(s.payouts)),
		links:       append([]memLink(nil), s.links...),
		events:      append([]memEvent(nil), s.events...),
	}
	for k, v := range s.agents {
		c.agents[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = v
	}
	for k, v := range s.externalIDs {
		c.externalIDs[k] = v
	}
	for k, v := range s.commissions {
		c.commissions[k] = v
	}
	for k, v := range s.byOrder {
		c.byOrder[k] = v
	}
	for k, v := range s.payouts {
		c.payouts[k] = v
	}
	if s.defaultRate != nil {
		r := *s.defaultRate
		c.defaultRate = &r
	}
	return c
}

// PutAgent inserts or replaces an agent. Agents are owned by the admin subsystem, so this
// exists only to seed the memory store.
func (m *MemoryStore) PutAgent(a models.Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.agents[a.ID] = a
}

// ClearDefaultRate removes the settings row so callers exercise the built-in fallback.
func (m *MemoryStore) ClearDefaultRate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.defaultRate = nil
}

// Events returns a copy of the outbox in insertion order.
func (m *MemoryStore) Events() []models.LedgerEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.LedgerEvent, len(m.state.events))
	for i, e := range m.state.events {
		out[i] = e.ev
	}
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	// A request aborted mid-transaction must not commit.
	if err := ctx.Err(); err != nil {
		return err
	}
	m.state = work
	return nil
}

// ---- reads ----

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.agent(id)
}

func (m *MemoryStore) GetAgentByReferralCode(ctx context.Context, code string) (models.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.state.agents {
		if a.ReferralCode == code {
			return copyAgent(a), nil
		}
	}
	return models.Agent{}, models.ErrNotFound
}

func (m *MemoryStore) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.state.orders[id]
	if !ok {
		return models.Order{}, models.ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) GetCommission(ctx context.Context, id uuid.UUID) (models.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.state.commissions[id]
	if !ok {
		return models.Commission{}, models.ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetCommissionByOrder(ctx context.Context, orderID uuid.UUID) (models.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.commissionByOrder(orderID)
}

func (m *MemoryStore) GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.payout(id)
}

func (m *MemoryStore) GetDefaultRate(ctx context.Context) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.rate()
}

func (m *MemoryStore) LedgerSummary(ctx context.Context, agentID string) (models.LedgerSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum := models.LedgerSummary{AgentID: agentID}
	for _, c := range m.state.commissions {
		if c.AgentID != agentID {
			continue
		}
		switch c.Status {
		case models.CommissionStatusCleared:
			sum.TotalClearedCents += c.CommissionAmountCents
			if !m.state.activelyLinked(c.ID) {
				sum.AvailableCents += c.CommissionAmountCents
			}
		case models.CommissionStatusPending:
			sum.TotalPendingCents += c.CommissionAmountCents
		case models.CommissionStatusReversed:
			sum.ReversedCents += c.CommissionAmountCents
		}
	}
	for _, p := range m.state.payouts {
		if p.AgentID != agentID {
			continue
		}
		switch p.Status {
		case models.PayoutStatusPaid:
			sum.TotalPaidOutCents += p.AmountCents
		case models.PayoutStatusRequested, models.PayoutStatusApproved:
			sum.InFlightCents += p.AmountCents
		}
	}
	return sum, nil
}

func (m *MemoryStore) ListCommissions(ctx context.Context, f CommissionFilter) ([]models.Commission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Commission
	for _, c := range m.state.commissions {
		if f.AgentID != "" && c.AgentID != f.AgentID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPayouts(ctx context.Context, f PayoutFilter) ([]models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	want := make(map[models.PayoutStatus]bool, len(f.Statuses))
	for _, st := range f.Statuses {
		want[st] = true
	}
	var out []models.Payout
	for _, p := range m.state.payouts {
		if f.AgentID != "" && p.AgentID != f.AgentID {
			continue
		}
		if len(want) > 0 && !want[p.Status] {
			continue
		}
		p.CommissionIDs = nil
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.RequestedAt.Equal(b.RequestedAt) {
			if f.OldestFirst {
				return a.ID.String() < b.ID.String()
			}
			return a.ID.String() > b.ID.String()
		}
		if f.OldestFirst {
			return a.RequestedAt.Before(b.RequestedAt)
		}
		return a.RequestedAt.After(b.RequestedAt)
	})
	if limit := clampLimit(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- outbox ----

func (m *MemoryStore) FetchPendingEvents(ctx context.Context, limit, maxAttempts int) ([]models.LedgerEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var out []models.LedgerEvent
	for i := range m.state.events {
		if len(out) >= limit {
			break
		}
		e := &m.state.events[i]
		claimable := e.ev.Status == models.EventStreamPending || e.ev.Status == models.EventStreamFailed ||
			(e.ev.Status == models.EventStreamInProgress && now.Sub(e.claimedAt) > staleClaimAfter)
		if !claimable || e.ev.Attempts >= maxAttempts {
			continue
		}
		e.ev.Status = models.EventStreamInProgress
		e.ev.Attempts++
		e.claimedAt = now
		out = append(out, e.ev)
	}
	return out, nil
}

func (m *MemoryStore) MarkEventStreamResult(ctx context.Context, id uuid.UUID, archiveKey *string, success bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.state.events {
		e := &m.state.events[i]
		if e.ev.ID != id {
			continue
		}
		if success {
			e.ev.Status = models.EventStreamDone
			e.ev.ArchiveKey = archiveKey
			e.lastError = ""
		} else {
			e.ev.Status = models.EventStreamFailed
			e.lastError = errMsg
		}
		return nil
	}
	return fmt.Errorf("mark event %s: %w", id, models.ErrNotFound)
}

// ---- state helpers ----

func copyAgent(a models.Agent) models.Agent {
	if a.CommissionRateOverride != nil {
		o := *a.CommissionRateOverride
		a.CommissionRateOverride = &o
	}
	return a
}

func (s *memState) agent(id string) (models.Agent, error) {
	a, ok := s.agents[id]
	if !ok {
		return models.Agent{}, models.ErrNotFound
	}
	return copyAgent(a), nil
}

func (s *memState) rate() (decimal.Decimal, error) {
	if s.defaultRate == nil {
		return decimal.Decimal{}, models.ErrNotFound
	}
	return *s.defaultRate, nil
}

func (s *memState) commissionByOrder(orderID uuid.UUID) (models.Commission, error) {
	id, ok := s.byOrder[orderID]
	if !ok {
		return models.Commission{}, models.ErrNotFound
	}
	return s.commissions[id], nil
}

func (s *memState) payout(id uuid.UUID) (models.Payout, error) {
	p, ok := s.payouts[id]
	if !ok {
		return models.Payout{}, models.ErrNotFound
	}
	var ids []uuid.UUID
	for _, l := range s.links {
		if l.payoutID == id {
			ids = append(ids, l.commissionID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	p.CommissionIDs = ids
	return p, nil
}

func (s *memState) activelyLinked(commissionID uuid.UUID) bool {
	for _, l := range s.links {
		if l.commissionID == commissionID && l.releasedAt == nil {
			return true
		}
	}
	return false
}

// ---- transaction ----

type memTx struct {
	s *memState
}

func (t *memTx) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	return t.s.agent(id)
}

func (t *memTx) GetDefaultRate(ctx context.Context) (decimal.Decimal, error) {
	return t.s.rate()
}

func (t *memTx) SetDefaultRate(ctx context.Context, rate decimal.Decimal, updatedBy string, at time.Time) error {
	r := rate
	t.s.defaultRate = &r
	return nil
}

func (t *memTx) InsertOrder(ctx context.Context, o models.Order) error {
	if _, ok := t.s.externalIDs[o.ExternalID]; ok {
		return fmt.Errorf("%w: external id %q", models.ErrDuplicateOrder, o.ExternalID)
	}
	t.s.orders[o.ID] = o
	t.s.externalIDs[o.ExternalID] = o.ID
	return nil
}

func (t *memTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (models.Order, error) {
	o, ok := t.s.orders[id]
	if !ok {
		return models.Order{}, models.ErrNotFound
	}
	return o, nil
}

func (t *memTx) MarkOrderRefunded(ctx context.Context, id uuid.UUID, at time.Time) error {
	o, ok := t.s.orders[id]
	if !ok || o.Status != models.OrderStatusPaid {
		return fmt.Errorf("%w: order %s is not PAID", models.ErrInvalidStateTransition, id)
	}
	o.Status = models.OrderStatusRefunded
	ts := at
	o.RefundedAt = &ts
	t.s.orders[id] = o
	return nil
}

func (t *memTx) InsertCommission(ctx context.Context, c models.Commission) error {
	if _, ok := t.s.byOrder[c.OrderID]; ok {
		return fmt.Errorf("%w: commission for order %s exists", models.ErrDuplicateOrder, c.OrderID)
	}
	if _, ok := t.s.orders[c.OrderID]; !ok {
		return fmt.Errorf("insert commission: order %s: %w", c.OrderID, models.ErrNotFound)
	}
	t.s.commissions[c.ID] = c
	t.s.byOrder[c.OrderID] = c.ID
	return nil
}

func (t *memTx) GetCommissionByOrder(ctx context.Context, orderID uuid.UUID) (models.Commission, error) {
	return t.s.commissionByOrder(orderID)
}

func (t *memTx) TransitionCommission(ctx context.Context, id uuid.UUID, to models.CommissionStatus, at time.Time) (models.Commission, error) {
	c, ok := t.s.commissions[id]
	if !ok {
		return models.Commission{}, models.ErrNotFound
	}
	if c.Status != models.CommissionStatusPending {
		return c, fmt.Errorf("%w: commission %s is %s", models.ErrInvalidStateTransition, id, c.Status)
	}
	ts := at
	switch to {
	case models.CommissionStatusCleared:
		c.ClearedAt = &ts
	case models.CommissionStatusReversed:
		c.ReversedAt = &ts
	default:
		return c, fmt.Errorf("%w: target %s", models.ErrInvalidStateTransition, to)
	}
	c.Status = to
	t.s.commissions[id] = c
	return c, nil
}

// LockAgentLedger is a no-op: the whole memory transaction already holds the store mutex.
func (t *memTx) LockAgentLedger(ctx context.Context, agentID string) error { return nil }

func (t *memTx) ListAvailableCommissions(ctx context.Context, agentID string) ([]models.Commission, error) {
	var out []models.Commission
	for _, c := range t.s.commissions {
		if c.AgentID == agentID && c.Status == models.CommissionStatusCleared && !t.s.activelyLinked(c.ID) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ClearedAt != nil && b.ClearedAt != nil && !a.ClearedAt.Equal(*b.ClearedAt) {
			return a.ClearedAt.Before(*b.ClearedAt)
		}
		return a.ID.String() < b.ID.String()
	})
	return out, nil
}

func (t *memTx) InsertPayout(ctx context.Context, p models.Payout) error {
	if _, ok := t.s.payouts[p.ID]; ok {
		return fmt.Errorf("insert payout: duplicate id %s", p.ID)
	}
	p.CommissionIDs = nil
	t.s.payouts[p.ID] = p
	return nil
}

func (t *memTx) LinkPayoutCommissions(ctx context.Context, payoutID uuid.UUID, commissionIDs []uuid.UUID, at time.Time) error {
	for _, id := range commissionIDs {
		if t.s.activelyLinked(id) {
			return fmt.Errorf("%w: commission already linked to an active payout", models.ErrNoFundsAvailable)
		}
		t.s.links = append(t.s.links, memLink{payoutID: payoutID, commissionID: id, linkedAt: at})
	}
	return nil
}

func (t *memTx) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return t.s.payout(id)
}

func (t *memTx) UpdatePayoutStatus(ctx context.Context, id uuid.UUID, from, to models.PayoutStatus, at time.Time) error {
	p, ok := t.s.payouts[id]
	if !ok || p.Status != from {
		return fmt.Errorf("%w: payout %s is not %s", models.ErrInvalidStateTransition, id, from)
	}
	ts := at
	switch to {
	case models.PayoutStatusApproved:
		p.ApprovedAt = &ts
	case models.PayoutStatusPaid:
		p.PaidAt = &ts
	case models.PayoutStatusRejected:
		p.RejectedAt = &ts
	default:
		return fmt.Errorf("%w: target %s", models.ErrInvalidStateTransition, to)
	}
	p.Status = to
	t.s.payouts[id] = p
	return nil
}

func (t *memTx) ReleasePayoutCommissions(ctx context.Context, payoutID uuid.UUID, at time.Time) (int, error) {
	released := 0
	for i := range t.s.links {
		l := &t.s.links[i]
		if l.payoutID == payoutID && l.releasedAt == nil {
			ts := at
			l.releasedAt = &ts
			released++
		}
	}
	if p, ok := t.s.payouts[payoutID]; ok && p.ReleasedAt == nil {
		ts := at
		p.ReleasedAt = &ts
		t.s.payouts[payoutID] = p
	}
	return released, nil
}

func (t *memTx) AppendEvent(ctx context.Context, ev models.LedgerEvent) error {
	ev.Payload = append([]byte(nil), ev.Payload...)
	ev.Status = models.EventStreamPending
	ev.Attempts = 0
	t.s.events = append(t.s.events, memEvent{ev: ev})
	return nil
}

var (
	_ Store       = (*MemoryStore)(nil)
	_ EventOutbox = (*MemoryStore)(nil)
)
