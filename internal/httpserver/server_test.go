package httpserver

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/commission-ledger/internal/attribution"
	"github.com/ILLUVRSE/commission-ledger/internal/auth"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/service"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
	"github.com/ILLUVRSE/commission-ledger/internal/visits"
)

type countingVisits struct {
	mu     sync.Mutex
	counts map[string]int64
}

func (c *countingVisits) RecordVisit(ctx context.Context, agentID, fingerprint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = map[string]int64{}
	}
	c.counts[agentID]++
	return nil
}

func (c *countingVisits) Stats(ctx context.Context, agentID string) (visits.Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return visits.Stats{AgentID: agentID, Total: c.counts[agentID], Unique: c.counts[agentID]}, nil
}

type testEnv struct {
	srv        *httptest.Server
	store      *store.MemoryStore
	visits     *countingVisits
	agentToken string
	adminToken string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	markers, err := attribution.NewIssuer(priv, time.Hour)
	require.NoError(t, err)

	st := store.NewMemoryStore()
	st.PutAgent(models.Agent{ID: "agent-1", ReferralCode: "JANE10", IsActive: true})
	svc := service.New(st, markers, zerolog.Nop())

	verifier, err := auth.NewVerifier("0123456789abcdef0123456789abcdef", "agent-system", "agent-dashboard")
	require.NoError(t, err)
	agentTok, err := verifier.Mint(auth.Principal{AgentID: "agent-1", Role: auth.RoleAgent}, time.Hour)
	require.NoError(t, err)
	adminTok, err := verifier.Mint(auth.Principal{AgentID: "ops-1", Role: auth.RoleAdmin}, time.Hour)
	require.NoError(t, err)

	counter := &countingVisits{}
	s := New(svc, verifier, counter, Options{CookieName: "affiliate_ref"}, zerolog.Nop())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, visits: counter, agentToken: agentTok, adminToken: adminTok}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}, cookies ...*http.Cookie) (*http.Response, []byte) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, ok := body.(string)
		if !ok {
			b, err := json.Marshal(body)
			require.NoError(t, err)
			raw = string(b)
		}
		rdr = bytes.NewReader([]byte(raw))
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v), string(raw))
	return v
}

// orderWithCookie tracks the referral and posts an order carrying the returned cookie.
func (e *testEnv) orderWithCookie(t *testing.T, cents int64) orderResponse {
	t.Helper()
	resp, _ := e.do(t, http.MethodGet, "/api/track?ref=JANE10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == "affiliate_ref" {
			cookie = c
		}
	}
	require.NotNil(t, cookie)

	resp, body := e.do(t, http.MethodPost, "/api/orders", "", map[string]interface{}{"amountCents": cents}, cookie)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	return decode[orderResponse](t, body)
}

func TestHealthAndReady(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrackSetsCookieAndCountsVisit(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/track?ref=JANE10", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	tr := decode[trackResponse](t, body)
	assert.Equal(t, "agent-1", tr.AgentID)
	assert.NotEmpty(t, tr.Marker)

	var found bool
	for _, c := range resp.Cookies() {
		if c.Name == "affiliate_ref" {
			found = true
			assert.Equal(t, tr.Marker, c.Value)
			assert.True(t, c.HttpOnly)
		}
	}
	assert.True(t, found)
	assert.Equal(t, int64(1), e.visits.counts["agent-1"])

	resp, _ = e.do(t, http.MethodGet, "/api/track?ref=NOBODY", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/track?ref=a", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateOrder(t *testing.T) {
	e := newTestEnv(t)

	o := e.orderWithCookie(t, 999)
	require.NotNil(t, o.Commission)
	assert.Equal(t, int64(100), o.Commission.CommissionAmountCents)
	assert.Equal(t, models.CommissionStatusPending, o.Commission.Status)

	resp, body := e.do(t, http.MethodPost, "/api/orders", "", map[string]interface{}{"amount": "12.34", "externalId": "shop-1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	plain := decode[orderResponse](t, body)
	assert.Equal(t, int64(1234), plain.Order.TotalAmountCents)
	assert.Nil(t, plain.Commission)

	resp, body = e.do(t, http.MethodPost, "/api/orders", "", map[string]interface{}{"amount": "12.34", "externalId": "shop-1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_order", decode[errorResponse](t, body).Code)

	cases := map[string]interface{}{
		"zero cents":     map[string]interface{}{"amountCents": 0},
		"sub cent":       map[string]interface{}{"amount": "1.005"},
		"both amounts":   map[string]interface{}{"amount": "1", "amountCents": 100},
		"no amount":      map[string]interface{}{"externalId": "x"},
		"unknown field":  `{"amountCents":100,"coupon":"FREE"}`,
		"two objects":    `{"amountCents":100}{"amountCents":100}`,
		"bad externalId": map[string]interface{}{"amountCents": 100, "externalId": "has space"},
	}
	for name, body := range cases {
		resp, _ := e.do(t, http.MethodPost, "/api/orders", "", body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestAgentAndAdminRoutesRequireAuth(t *testing.T) {
	e := newTestEnv(t)
	resp, _ := e.do(t, http.MethodGet, "/api/agent/summary", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/admin/payouts/pending", e.agentToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/admin/payouts/pending", e.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/agent/summary", e.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodGet, "/api/agent/summary?agentId=agent-1", e.adminToken, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestClearancePayoutFlow(t *testing.T) {
	e := newTestEnv(t)
	o := e.orderWithCookie(t, 1000)
	cid := o.Commission.ID.String()

	resp, body := e.do(t, http.MethodPost, "/api/payouts/request", e.agentToken, map[string]string{"iban": "DE89370400440532013000", "accountName": "Jane"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "no_funds_available", decode[errorResponse](t, body).Code)

	resp, body = e.do(t, http.MethodPost, "/api/admin/commissions/"+cid+"/clear", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, _ = e.do(t, http.MethodPost, "/api/admin/commissions/"+cid+"/reverse", e.adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/admin/commissions/not-a-uuid/clear", e.adminToken, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/admin/commissions/"+uuid.NewString()+"/clear", e.adminToken, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/payouts/request", e.agentToken, map[string]string{"iban": "", "accountName": "Jane"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = e.do(t, http.MethodPost, "/api/payouts/request", e.agentToken, map[string]string{"iban": "DE89370400440532013000", "accountName": "Jane"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	payout := decode[models.Payout](t, body)
	assert.Equal(t, int64(100), payout.AmountCents)
	assert.Equal(t, "agent-1", payout.AgentID)

	resp, body = e.do(t, http.MethodGet, "/api/admin/payouts/pending", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pending := decode[map[string][]models.Payout](t, body)
	require.Len(t, pending["payouts"], 1)

	pid := payout.ID.String()
	resp, _ = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/status", e.adminToken, map[string]string{"status": "PAID"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/status", e.adminToken, map[string]string{"status": "SHIPPED"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/status", e.adminToken, map[string]string{"status": "approved"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/status", e.adminToken, map[string]string{"status": "PAID"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, models.PayoutStatusPaid, decode[models.Payout](t, body).Status)

	resp, body = e.do(t, http.MethodGet, "/api/agent/summary", e.agentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sum := decode[models.LedgerSummary](t, body)
	assert.Equal(t, int64(100), sum.TotalClearedCents)
	assert.Equal(t, int64(100), sum.TotalPaidOutCents)
	assert.Equal(t, int64(0), sum.AvailableCents)

	resp, body = e.do(t, http.MethodGet, "/api/agent/dashboard", e.agentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dash := decode[service.Dashboard](t, body)
	assert.Len(t, dash.RecentCommissions, 1)
	assert.Empty(t, dash.OpenPayouts)

	resp, body = e.do(t, http.MethodGet, "/api/payouts", e.agentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[map[string][]models.Payout](t, body)["payouts"], 1)
}

func TestRejectAndRelease(t *testing.T) {
	e := newTestEnv(t)
	o := e.orderWithCookie(t, 1000)
	resp, _ := e.do(t, http.MethodPost, "/api/admin/commissions/"+o.Commission.ID.String()+"/clear", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := e.do(t, http.MethodPost, "/api/payouts/request", e.agentToken, map[string]string{"iban": "DE89370400440532013000", "accountName": "Jane"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	pid := decode[models.Payout](t, body).ID.String()

	resp, _ = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/release", e.adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/status", e.adminToken, map[string]string{"status": "REJECTED"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPost, "/api/admin/payouts/"+pid+"/release", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = e.do(t, http.MethodPost, "/api/payouts/request", e.agentToken, map[string]string{"iban": "DE89370400440532013000", "accountName": "Jane"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body = e.do(t, http.MethodGet, "/api/admin/agents/agent-1/payouts", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decode[map[string][]models.Payout](t, body)["payouts"], 2)
	resp, _ = e.do(t, http.MethodGet, "/api/admin/agents/agent-1/payouts", e.agentToken, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRefundEndpoint(t *testing.T) {
	e := newTestEnv(t)
	o := e.orderWithCookie(t, 1000)
	resp, body := e.do(t, http.MethodPost, "/api/admin/orders/"+o.Order.ID.String()+"/refund", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decode[orderResponse](t, body)
	assert.Equal(t, models.OrderStatusRefunded, res.Order.Status)
	require.NotNil(t, res.Commission)
	assert.Equal(t, models.CommissionStatusReversed, res.Commission.Status)

	resp, _ = e.do(t, http.MethodPost, "/api/admin/orders/"+o.Order.ID.String()+"/refund", e.adminToken, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSettingsEndpoints(t *testing.T) {
	e := newTestEnv(t)
	resp, body := e.do(t, http.MethodGet, "/api/admin/settings/commission-rate", e.adminToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"rate":"0.1"}`, string(body))

	resp, _ = e.do(t, http.MethodPut, "/api/admin/settings/commission-rate", e.adminToken, map[string]string{"rate": "1.5"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPut, "/api/admin/settings/commission-rate", e.adminToken, map[string]string{"rate": "abc"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = e.do(t, http.MethodPut, "/api/admin/settings/commission-rate", e.adminToken, map[string]string{"rate": "0.25"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	o := e.orderWithCookie(t, 1000)
	assert.Equal(t, int64(250), o.Commission.CommissionAmountCents)

	resp, _ = e.do(t, http.MethodPut, "/api/admin/settings/commission-rate", e.agentToken, map[string]string{"rate": "0.5"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAgentVisits(t *testing.T) {
	e := newTestEnv(t)
	for i := 0; i < 3; i++ {
		resp, _ := e.do(t, http.MethodGet, "/api/track?ref=JANE10", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, body := e.do(t, http.MethodGet, "/api/agent/visits", e.agentToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(3), decode[visits.Stats](t, body).Total)
}
