package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

const pgUniqueViolation = "23505"

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTx runs fn inside a READ COMMITTED transaction and commits when fn returns nil.
func (s *PGStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&pgTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type pgTx struct {
	q querier
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pgUniqueViolation
}

// ---- agents & settings ----

const agentColumns = `id, referral_code, commission_rate_override, is_active`

func scanAgent(row rowScanner) (models.Agent, error) {
	var (
		a        models.Agent
		override decimal.NullDecimal
	)
	if err := row.Scan(&a.ID, &a.ReferralCode, &override, &a.IsActive); err != nil {
		return models.Agent{}, err
	}
	if override.Valid {
		v := override.Decimal
		a.CommissionRateOverride = &v
	}
	return a, nil
}

func getAgent(ctx context.Context, q querier, where string, arg interface{}) (models.Agent, error) {
	a, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Agent{}, models.ErrNotFound
		}
		return models.Agent{}, fmt.Errorf("select agent: %w", err)
	}
	return a, nil
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	return getAgent(ctx, s.db, "id = $1", id)
}

func (s *PGStore) GetAgentByReferralCode(ctx context.Context, code string) (models.Agent, error) {
	return getAgent(ctx, s.db, "referral_code = $1", code)
}

func (t *pgTx) GetAgent(ctx context.Context, id string) (models.Agent, error) {
	return getAgent(ctx, t.q, "id = $1", id)
}

func getDefaultRate(ctx context.Context, q querier) (decimal.Decimal, error) {
	var raw string
	err := q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, models.SettingCommissionRate).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return decimal.Decimal{}, models.ErrNotFound
		}
		return decimal.Decimal{}, fmt.Errorf("select setting: %w", err)
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: stored value %q", models.ErrInvalidRate, raw)
	}
	return rate, nil
}

func (s *PGStore) GetDefaultRate(ctx context.Context) (decimal.Decimal, error) {
	return getDefaultRate(ctx, s.db)
}

func (t *pgTx) GetDefaultRate(ctx context.Context) (decimal.Decimal, error) {
	return getDefaultRate(ctx, t.q)
}

func (t *pgTx) SetDefaultRate(ctx context.Context, rate decimal.Decimal, updatedBy string, at time.Time) error {
	const query = `
		INSERT INTO settings (key, value, updated_by, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at
	`
	if _, err := t.q.ExecContext(ctx, query, models.SettingCommissionRate, rate.String(), nullString(updatedBy), at); err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}

// ---- orders ----

const orderColumns = `id, external_id, total_amount_cents, customer_ref, agent_id, status, attribution_note, created_at, refunded_at`

func scanOrder(row rowScanner) (models.Order, error) {
	var (
		o           models.Order
		customerRef sql.NullString
		agentID     sql.NullString
		refundedAt  sql.NullTime
	)
	if err := row.Scan(&o.ID, &o.ExternalID, &o.TotalAmountCents, &customerRef, &agentID, &o.Status, &o.AttributionNote, &o.CreatedAt, &refundedAt); err != nil {
		return models.Order{}, err
	}
	o.CustomerRef = stringPtr(customerRef)
	o.AgentID = stringPtr(agentID)
	o.RefundedAt = timePtr(refundedAt)
	return o, nil
}

func getOrder(ctx context.Context, q querier, query string, id uuid.UUID) (models.Order, error) {
	o, err := scanOrder(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Order{}, models.ErrNotFound
		}
		return models.Order{}, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

func (s *PGStore) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	return getOrder(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (models.Order, error) {
	return getOrder(ctx, t.q, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) InsertOrder(ctx context.Context, o models.Order) error {
	const query = `
		INSERT INTO orders (id, external_id, total_amount_cents, customer_ref, agent_id, status, attribution_note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.q.ExecContext(ctx, query, o.ID, o.ExternalID, o.TotalAmountCents, o.CustomerRef, o.AgentID, o.Status, o.AttributionNote, o.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: external id %q", models.ErrDuplicateOrder, o.ExternalID)
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (t *pgTx) MarkOrderRefunded(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := t.q.ExecContext(ctx,
		`UPDATE orders SET status = $1, refunded_at = $2 WHERE id = $3 AND status = $4`,
		models.OrderStatusRefunded, at, id, models.OrderStatusPaid)
	if err != nil {
		return fmt.Errorf("refund order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refund order rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: order %s is not PAID", models.ErrInvalidStateTransition, id)
	}
	return nil
}

// ---- commissions ----

const commissionColumns = `id, order_id, agent_id, rate, base_amount_cents, commission_amount_cents, status, created_at, cleared_at, reversed_at`

func scanCommission(row rowScanner) (models.Commission, error) {
	var (
		c          models.Commission
		clearedAt  sql.NullTime
		reversedAt sql.NullTime
	)
	if err := row.Scan(&c.ID, &c.OrderID, &c.AgentID, &c.Rate, &c.BaseAmountCents, &c.CommissionAmountCents, &c.Status, &c.CreatedAt, &clearedAt, &reversedAt); err != nil {
		return models.Commission{}, err
	}
	c.ClearedAt = timePtr(clearedAt)
	c.ReversedAt = timePtr(reversedAt)
	return c, nil
}

func getCommission(ctx context.Context, q querier, where string, id uuid.UUID) (models.Commission, error) {
	c, err := scanCommission(q.QueryRowContext(ctx, `SELECT `+commissionColumns+` FROM commissions WHERE `+where, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Commission{}, models.ErrNotFound
		}
		return models.Commission{}, fmt.Errorf("select commission: %w", err)
	}
	return c, nil
}

func (s *PGStore) GetCommission(ctx context.Context, id uuid.UUID) (models.Commission, error) {
	return getCommission(ctx, s.db, "id = $1", id)
}

func (s *PGStore) GetCommissionByOrder(ctx context.Context, orderID uuid.UUID) (models.Commission, error) {
	return getCommission(ctx, s.db, "order_id = $1", orderID)
}

func (t *pgTx) GetCommissionByOrder(ctx context.Context, orderID uuid.UUID) (models.Commission, error) {
	return getCommission(ctx, t.q, "order_id = $1", orderID)
}

func (t *pgTx) InsertCommission(ctx context.Context, c models.Commission) error {
	const query = `
		INSERT INTO commissions (id, order_id, agent_id, rate, base_amount_cents, commission_amount_cents, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := t.q.ExecContext(ctx, query, c.ID, c.OrderID, c.AgentID, c.Rate, c.BaseAmountCents, c.CommissionAmountCents, c.Status, c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: commission for order %s exists", models.ErrDuplicateOrder, c.OrderID)
		}
		return fmt.Errorf("insert commission: %w", err)
	}
	return nil
}

func (t *pgTx) TransitionCommission(ctx context.Context, id uuid.UUID, to models.CommissionStatus, at time.Time) (models.Commission, error) {
	var column string
	switch to {
	case models.CommissionStatusCleared:
		column = "cleared_at"
	case models.CommissionStatusReversed:
		column = "reversed_at"
	default:
		return models.Commission{}, fmt.Errorf("%w: target %s", models.ErrInvalidStateTransition, to)
	}

	query := `UPDATE commissions SET status = $1, ` + column + ` = $2
		WHERE id = $3 AND status = $4
		RETURNING ` + commissionColumns
	c, err := scanCommission(t.q.QueryRowContext(ctx, query, to, at, id, models.CommissionStatusPending))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Commission{}, fmt.Errorf("transition commission: %w", err)
	}

	current, err := getCommission(ctx, t.q, "id = $1", id)
	if err != nil {
		return models.Commission{}, err
	}
	return current, fmt.Errorf("%w: commission %s is %s", models.ErrInvalidStateTransition, id, current.Status)
}

func (t *pgTx) LockAgentLedger(ctx context.Context, agentID string) error {
	if _, err := t.q.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('ledger:' || $1))`, agentID); err != nil {
		return fmt.Errorf("lock agent ledger: %w", err)
	}
	return nil
}

func (t *pgTx) ListAvailableCommissions(ctx context.Context, agentID string) ([]models.Commission, error) {
	const query = `
		SELECT c.id, c.order_id, c.agent_id, c.rate, c.base_amount_cents, c.commission_amount_cents, c.status, c.created_at, c.cleared_at, c.reversed_at
		FROM commissions c
		WHERE c.agent_id = $1 AND c.status = 'CLEARED'
		  AND NOT EXISTS (
			SELECT 1 FROM payout_commissions pc
			WHERE pc.commission_id = c.id AND pc.released_at IS NULL
		  )
		ORDER BY c.cleared_at ASC, c.id ASC
	`
	return queryCommissions(ctx, t.q, query, agentID)
}

func queryCommissions(ctx context.Context, q querier, query string, args ...interface{}) ([]models.Commission, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commissions: %w", err)
	}
	defer rows.Close()

	var out []models.Commission
	for rows.Next() {
		c, err := scanCommission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("commissions rows err: %w", err)
	}
	return out, nil
}

func (s *PGStore) ListCommissions(ctx context.Context, f CommissionFilter) ([]models.Commission, error) {
	const query = `
		SELECT ` + commissionColumns + `
		FROM commissions
		WHERE ($1 = '' OR agent_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`
	return queryCommissions(ctx, s.db, query, f.AgentID, string(f.Status), clampLimit(f.Limit))
}

// ---- payouts ----

const payoutColumns = `id, agent_id, amount_cents, status, bank_iban, bank_account_name, note, requested_at, approved_at, paid_at, rejected_at, released_at`

func scanPayout(row rowScanner) (models.Payout, error) {
	var (
		p                                          models.Payout
		approvedAt, paidAt, rejectedAt, releasedAt sql.NullTime
	)
	if err := row.Scan(&p.ID, &p.AgentID, &p.AmountCents, &p.Status, &p.Bank.IBAN, &p.Bank.AccountName, &p.Note,
		&p.RequestedAt, &approvedAt, &paidAt, &rejectedAt, &releasedAt); err != nil {
		return models.Payout{}, err
	}
	p.ApprovedAt = timePtr(approvedAt)
	p.PaidAt = timePtr(paidAt)
	p.RejectedAt = timePtr(rejectedAt)
	p.ReleasedAt = timePtr(releasedAt)
	return p, nil
}

func getPayout(ctx context.Context, q querier, query string, id uuid.UUID) (models.Payout, error) {
	p, err := scanPayout(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Payout{}, models.ErrNotFound
		}
		return models.Payout{}, fmt.Errorf("select payout: %w", err)
	}
	ids, err := payoutCommissionIDs(ctx, q, id)
	if err != nil {
		return models.Payout{}, err
	}
	p.CommissionIDs = ids
	return p, nil
}

func payoutCommissionIDs(ctx context.Context, q querier, payoutID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, `SELECT commission_id FROM payout_commissions WHERE payout_id = $1 ORDER BY commission_id`, payoutID)
	if err != nil {
		return nil, fmt.Errorf("query payout links: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan payout link: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payout links rows err: %w", err)
	}
	return ids, nil
}

func (s *PGStore) GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return getPayout(ctx, s.db, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1`, id)
}

func (t *pgTx) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return getPayout(ctx, t.q, `SELECT `+payoutColumns+` FROM payouts WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTx) InsertPayout(ctx context.Context, p models.Payout) error {
	const query = `
		INSERT INTO payouts (id, agent_id, amount_cents, status, bank_iban, bank_account_name, note, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := t.q.ExecContext(ctx, query, p.ID, p.AgentID, p.AmountCents, p.Status, p.Bank.IBAN, p.Bank.AccountName, p.Note, p.RequestedAt); err != nil {
		return fmt.Errorf("insert payout: %w", err)
	}
	return nil
}

func (t *pgTx) LinkPayoutCommissions(ctx context.Context, payoutID uuid.UUID, commissionIDs []uuid.UUID, at time.Time) error {
	ids := make([]string, len(commissionIDs))
	for i, id := range commissionIDs {
		ids[i] = id.String()
	}
	const query = `
		INSERT INTO payout_commissions (payout_id, commission_id, linked_at)
		SELECT $1, unnest($2::uuid[]), $3
	`
	if _, err := t.q.ExecContext(ctx, query, payoutID, pq.Array(ids), at); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: commission already linked to an active payout", models.ErrNoFundsAvailable)
		}
		return fmt.Errorf("link payout commissions: %w", err)
	}
	return nil
}

func payoutTimestampColumn(status models.PayoutStatus) (string, bool) {
	switch status {
	case models.PayoutStatusApproved:
		return "approved_at", true
	case models.PayoutStatusPaid:
		return "paid_at", true
	case models.PayoutStatusRejected:
		return "rejected_at", true
	}
	return "", false
}

func (t *pgTx) UpdatePayoutStatus(ctx context.Context, id uuid.UUID, from, to models.PayoutStatus, at time.Time) error {
	column, ok := payoutTimestampColumn(to)
	if !ok {
		return fmt.Errorf("%w: target %s", models.ErrInvalidStateTransition, to)
	}
	res, err := t.q.ExecContext(ctx,
		`UPDATE payouts SET status = $1, `+column+` = $2 WHERE id = $3 AND status = $4`,
		to, at, id, from)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update payout rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: payout %s is not %s", models.ErrInvalidStateTransition, id, from)
	}
	return nil
}

func (t *pgTx) ReleasePayoutCommissions(ctx context.Context, payoutID uuid.UUID, at time.Time) (int, error) {
	res, err := t.q.ExecContext(ctx,
		`UPDATE payout_commissions SET released_at = $1 WHERE payout_id = $2 AND released_at IS NULL`,
		at, payoutID)
	if err != nil {
		return 0, fmt.Errorf("release payout links: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("release payout rows: %w", err)
	}
	if _, err := t.q.ExecContext(ctx,
		`UPDATE payouts SET released_at = $1 WHERE id = $2 AND released_at IS NULL`,
		at, payoutID); err != nil {
		return 0, fmt.Errorf("mark payout released: %w", err)
	}
	return int(n), nil
}

func (s *PGStore) ListPayouts(ctx context.Context, f PayoutFilter) ([]models.Payout, error) {
	order := "DESC"
	if f.OldestFirst {
		order = "ASC"
	}
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	query := `
		SELECT ` + payoutColumns + `
		FROM payouts
		WHERE ($1 = '' OR agent_id = $1) AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY requested_at ` + order + `, id ` + order + `
		LIMIT $3
	`
	rows, err := s.db.QueryContext(ctx, query, f.AgentID, pq.Array(statuses), clampLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("query payouts: %w", err)
	}
	defer rows.Close()

	var out []models.Payout
	for rows.Next() {
		p, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("payouts rows err: %w", err)
	}
	return out, nil
}

// ---- summary ----

// LedgerSummary derives all totals from rows; nothing is cached.
func (s *PGStore) LedgerSummary(ctx context.Context, agentID string) (models.LedgerSummary, error) {
	const query = `
		SELECT
			COALESCE((SELECT SUM(commission_amount_cents) FROM commissions WHERE agent_id = $1 AND status = 'CLEARED'), 0),
			COALESCE((SELECT SUM(commission_amount_cents) FROM commissions WHERE agent_id = $1 AND status = 'PENDING_CLEARANCE'), 0),
			COALESCE((SELECT SUM(commission_amount_cents) FROM commissions WHERE agent_id = $1 AND status = 'REVERSED'), 0),
			COALESCE((SELECT SUM(amount_cents) FROM payouts WHERE agent_id = $1 AND status = 'PAID'), 0),
			COALESCE((SELECT SUM(amount_cents) FROM payouts WHERE agent_id = $1 AND status IN ('REQUESTED', 'APPROVED')), 0),
			COALESCE((
				SELECT SUM(c.commission_amount_cents) FROM commissions c
				WHERE c.agent_id = $1 AND c.status = 'CLEARED'
				  AND NOT EXISTS (SELECT 1 FROM payout_commissions pc WHERE pc.commission_id = c.id AND pc.released_at IS NULL)
			), 0)
	`
	sum := models.LedgerSummary{AgentID: agentID}
	err := s.db.QueryRowContext(ctx, query, agentID).Scan(
		&sum.TotalClearedCents,
		&sum.TotalPendingCents,
		&sum.ReversedCents,
		&sum.TotalPaidOutCents,
		&sum.InFlightCents,
		&sum.AvailableCents,
	)
	if err != nil {
		return models.LedgerSummary{}, fmt.Errorf("ledger summary: %w", err)
	}
	return sum, nil
}

// ---- events ----

func (t *pgTx) AppendEvent(ctx context.Context, ev models.LedgerEvent) error {
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	const query = `
		INSERT INTO ledger_events (id, event_type, aggregate_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := t.q.ExecContext(ctx, query, ev.ID, ev.EventType, ev.AggregateID, []byte(payload), ev.CreatedAt); err != nil {
		return fmt.Errorf("insert ledger event: %w", err)
	}
	return nil
}

// FetchPendingEvents claims a batch with SELECT ... FOR UPDATE SKIP LOCKED so several relays
// can run against one database without double-producing.
func (s *PGStore) FetchPendingEvents(ctx context.Context, limit, maxAttempts int) ([]models.LedgerEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const selectQuery = `
		SELECT id, event_type, aggregate_id, payload, created_at, attempts
		FROM ledger_events
		WHERE (stream_status IN ('pending', 'failed') OR (stream_status = 'in_progress' AND claimed_at < $3))
		  AND attempts < $2
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	staleBefore := time.Now().UTC().Add(-staleClaimAfter)
	rows, err := tx.QueryContext(ctx, selectQuery, limit, maxAttempts, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("select pending events: %w", err)
	}
	var (
		events []models.LedgerEvent
		ids    []string
	)
	for rows.Next() {
		var (
			ev      models.LedgerEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.AggregateID, &payload, &ev.CreatedAt, &ev.Attempts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending event: %w", err)
		}
		ev.Payload = append([]byte(nil), payload...)
		ev.Status = models.EventStreamInProgress
		ev.Attempts++
		events = append(events, ev)
		ids = append(ids, ev.ID.String())
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("pending events rows err: %w", err)
	}
	rows.Close()

	if len(events) == 0 {
		return nil, nil
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_events SET stream_status = 'in_progress', attempts = attempts + 1, claimed_at = now() WHERE id = ANY($1::uuid[])`,
		pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return events, nil
}

// MarkEventStreamResult records the outcome of produce+archive for one event.
func (s *PGStore) MarkEventStreamResult(ctx context.Context, id uuid.UUID, archiveKey *string, success bool, errMsg string) error {
	var err error
	if success {
		_, err = s.db.ExecContext(ctx,
			`UPDATE ledger_events SET stream_status = 'done', s3_object_key = $1, streamed_at = now(), last_stream_error = NULL WHERE id = $2`,
			archiveKey, id)
	} else {
		_, err = s.db.ExecContext(ctx,
			`UPDATE ledger_events SET stream_status = 'failed', last_stream_error = $1 WHERE id = $2`,
			errMsg, id)
	}
	if err != nil {
		return fmt.Errorf("mark event %s: %w", id, err)
	}
	return nil
}

// ---- helpers ----

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time
	return &v
}

var (
	_ Store       = (*PGStore)(nil)
	_ EventOutbox = (*PGStore)(nil)
)
