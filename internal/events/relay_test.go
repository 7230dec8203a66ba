package events

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/commission-ledger/internal/canonical"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/signing"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

type fakeProducer struct {
	mu       sync.Mutex
	keys     []string
	values   [][]byte
	produceF func(key, value []byte) error
	closed   bool
}

func (f *fakeProducer) Produce(ctx context.Context, key []byte, value []byte) (time.Time, error) {
	if f.produceF != nil {
		if err := f.produceF(key, value); err != nil {
			return time.Time{}, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, string(key))
	f.values = append(f.values, value)
	return time.Now().UTC(), nil
}

func (f *fakeProducer) Close() error {
	f.closed = true
	return nil
}

type fakeArchiver struct {
	mu       sync.Mutex
	archived map[uuid.UUID][]byte
	err      error
}

func (f *fakeArchiver) Archive(ctx context.Context, ev models.LedgerEvent, envelope []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.archived == nil {
		f.archived = map[uuid.UUID][]byte{}
	}
	f.archived[ev.ID] = envelope
	return ObjectKey("ledger-events", ev), nil
}

func seedEvents(t *testing.T, st *store.MemoryStore, n int) []models.LedgerEvent {
	t.Helper()
	ctx := context.Background()
	var out []models.LedgerEvent
	require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
		for i := 0; i < n; i++ {
			ev := models.LedgerEvent{
				ID:          uuid.New(),
				EventType:   models.EventCommissionCleared,
				AggregateID: uuid.NewString(),
				Payload:     json.RawMessage(`{"commissionAmountCents":100,"agentId":"agent-1"}`),
				CreatedAt:   time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
			}
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
			out = append(out, ev)
		}
		return nil
	}))
	return out
}

func TestSealIsCanonicalAndSigned(t *testing.T) {
	signer := signing.NewEphemeralSigner("ledger-test")
	ev := models.LedgerEvent{
		ID:          uuid.New(),
		EventType:   models.EventOrderCreated,
		AggregateID: "ord-1",
		Payload:     json.RawMessage(`{"b":2,"a":1}`),
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	env, err := Seal(context.Background(), signer, ev)
	require.NoError(t, err)

	again, err := Seal(context.Background(), signer, ev)
	require.NoError(t, err)
	assert.Equal(t, env.Bytes, again.Bytes)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Bytes, &decoded))
	assert.Equal(t, env.Hash, decoded["hash"])
	assert.Equal(t, "ledger-test", decoded["signerId"])
	assert.Contains(t, string(env.Bytes), `"payload":{"a":1,"b":2}`)

	body, err := canonical.Marshal(envelopeBody(ev))
	require.NoError(t, err)
	sig, err := base64.StdEncoding.DecodeString(decoded["signature"].(string))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(signer.PublicKey(), body, sig))
}

func TestObjectKeyUsesEventDate(t *testing.T) {
	ev := models.LedgerEvent{ID: uuid.MustParse("6f1c1f4e-0000-4000-8000-000000000001"), CreatedAt: time.Date(2026, 3, 4, 23, 0, 0, 0, time.UTC)}
	assert.Equal(t, "ledger-events/2026/03/04/6f1c1f4e-0000-4000-8000-000000000001.json", ObjectKey("ledger-events", ev))
	assert.Equal(t, "2026/03/04/6f1c1f4e-0000-4000-8000-000000000001.json", ObjectKey("", ev))
}

func TestNewRelayRequiresASink(t *testing.T) {
	_, err := NewRelay(store.NewMemoryStore(), nil, nil, nil, RelayConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunOnceDeliversAndMarksDone(t *testing.T) {
	st := store.NewMemoryStore()
	seeded := seedEvents(t, st, 3)
	prod := &fakeProducer{}
	arch := &fakeArchiver{}
	relay, err := NewRelay(st, prod, arch, signing.NewEphemeralSigner("ledger-test"), RelayConfig{BatchSize: 10, MaxConcurrency: 2}, zerolog.Nop())
	require.NoError(t, err)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, prod.values, 3)
	assert.Len(t, arch.archived, 3)

	aggregates := make([]string, 0, len(seeded))
	for _, ev := range seeded {
		aggregates = append(aggregates, ev.AggregateID)
	}
	assert.ElementsMatch(t, aggregates, prod.keys)

	for _, ev := range st.Events() {
		assert.Equal(t, models.EventStreamDone, ev.Status)
		require.NotNil(t, ev.ArchiveKey)
		assert.Equal(t, ObjectKey("ledger-events", ev), *ev.ArchiveKey)
	}

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunOnceRetriesFailedEventsUntilMaxAttempts(t *testing.T) {
	st := store.NewMemoryStore()
	seedEvents(t, st, 1)
	prod := &fakeProducer{produceF: func(key, value []byte) error { return errors.New("broker down") }}
	relay, err := NewRelay(st, prod, nil, nil, RelayConfig{MaxAttempts: 2}, zerolog.Nop())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		n, err := relay.RunOnce(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}
	evs := st.Events()
	require.Len(t, evs, 1)
	assert.Equal(t, models.EventStreamFailed, evs[0].Status)
	assert.Equal(t, 2, evs[0].Attempts)

	prod.produceF = nil
	relay.cfg.MaxAttempts = 3
	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.EventStreamDone, st.Events()[0].Status)
}

func TestArchiveFailureMarksEventFailedInPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	pg := store.NewPGStore(db)
	id := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM ledger_events(.+)FOR UPDATE SKIP LOCKED").
		WithArgs(1, 10, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "event_type", "aggregate_id", "payload", "created_at", "attempts"}).
			AddRow(id.String(), models.EventPayoutRequested, "payout-1", []byte(`{"amountCents":100}`), time.Now().UTC(), 0))
	mock.ExpectExec("UPDATE ledger_events SET stream_status = 'in_progress'").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectExec("UPDATE\\s+ledger_events SET stream_status = 'failed'").
		WithArgs(sqlmock.AnyArg(), id.String()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	prod := &fakeProducer{}
	arch := &fakeArchiver{err: errors.New("s3 unavailable")}
	relay, err := NewRelay(pg, prod, arch, nil, RelayConfig{BatchSize: 1}, zerolog.Nop())
	require.NoError(t, err)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, prod.values, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStartAndStop(t *testing.T) {
	st := store.NewMemoryStore()
	seedEvents(t, st, 2)
	prod := &fakeProducer{}
	relay, err := NewRelay(st, prod, nil, nil, RelayConfig{Interval: 20 * time.Millisecond}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, relay.Start(ctx))
	assert.Error(t, relay.Start(ctx))

	assert.Eventually(t, func() bool {
		for _, ev := range st.Events() {
			if ev.Status != models.EventStreamDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, relay.Stop())
	assert.True(t, prod.closed)
}
