package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/custody"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/query"
	"PerpSettle/internal/state"
)

const btc config.PairID = "BTC/USD"

type apiFixture struct {
	t       *testing.T
	handler http.Handler
	cust    *custody.MemoryCustody
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	d := fpmath.MustParse
	now := int64(1_700_000_000)

	store := persistence.NewMemoryStore()
	cust := custody.NewMemoryCustody("operator", map[string]int32{"USD": 18, "LP": 18})
	prices := oracle.NewMemorySource(nil)
	prices.Set(oracle.Price{Pair: btc, Value: d("60000"), ObservedAt: now})
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	x := core.NewExchange(store, prices, cust, core.Options{
		BaseResource:     "USD",
		BaseDivisibility: 18,
		LPResource:       "LP",
		Operator:         "operator",
		Admins:           []auth.Credential{"admin"},
		Clock:            func() int64 { return now },
	}, zerolog.Nop(), metrics)

	snap := config.NewSnapshot(config.ExchangeConfig{
		PriceAgeMax:       60,
		PositionsMax:      4,
		CollateralsMax:    3,
		ActiveRequestsMax: 8,
		ClaimsMax:         3,
		SkewRatioCap:      d("0.5"),
		ADLA:              d("1"),
		FeeShareProtocol:  d("0.1"),
		FeeShareTreasury:  d("0.1"),
		FeeShareReferral:  d("0.2"),
		FeeMax:            d("0.1"),
	})
	snap.Pairs[btc] = config.PairConfig{
		PairID:                btc,
		OIMax:                 d("100"),
		TradeSizeMin:          d("0.001"),
		UpdatePriceDeltaRatio: d("0.01"),
		UpdatePeriodSeconds:   60,
		MarginInitial:         d("0.1"),
		MarginMaintenance:     d("0.05"),
		Fee0:                  d("0.0005"),
		Fee1:                  d("0.0000000005"),
	}
	_, err := x.Bootstrap(context.Background(), snap)
	require.NoError(t, err)

	qs := query.NewQueryService(x, store, nil, metrics)
	srv, err := NewHTTPServer(":0", &ServerDeps{Exchange: x, QueryService: qs, Logger: zerolog.Nop()})
	require.NoError(t, err)
	return &apiFixture{t: t, handler: srv.Handler(), cust: cust}
}

func (f *apiFixture) do(method, path string, caller auth.Credential, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if caller != "" {
		req.Header.Set(CredentialHeader, string(caller))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createAccount(owner auth.Credential) string {
	f.t.Helper()
	rec := f.do("POST", "/v1/accounts", owner, map[string]string{})
	require.Equal(f.t, http.StatusOK, rec.Code, rec.Body.String())
	var res core.Result
	require.NoError(f.t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.NotEmpty(f.t, res.ID)
	return res.ID
}

func TestHTTP_AccountLifecycle(t *testing.T) {
	f := newAPI(t)
	id := f.createAccount("alice")

	require.NoError(t, f.cust.Mint("alice", custody.Bucket{Resource: "USD", Amount: fpmath.MustParse("500")}))
	rec := f.do("POST", "/v1/accounts/"+id+"/collateral", "alice", map[string]interface{}{
		"buckets": []custody.Bucket{{Resource: "USD", Amount: fpmath.MustParse("500")}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do("GET", "/v1/accounts/"+id, "", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var acct query.AccountResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acct))
	assert.Equal(t, id, acct.ID)
	assert.True(t, acct.BaseCollateral.Equal(fpmath.MustParse("500")), "base collateral %s", acct.BaseCollateral)

	rec = f.do("POST", "/v1/accounts/"+id+"/orders", "alice", map[string]interface{}{
		"ttl":    3600,
		"status": state.RequestActive,
		"order":  state.MarginOrder{Pair: btc, Amount: fpmath.MustParse("0.01")},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do("GET", "/v1/events?limit=2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page query.EventPage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Records, 2)
	assert.Equal(t, int64(2), page.Next)
}

func TestHTTP_ErrorStatus(t *testing.T) {
	f := newAPI(t)
	id := f.createAccount("alice")

	tests := []struct {
		name   string
		method string
		path   string
		caller auth.Credential
		body   interface{}
		want   int
		kind   string
	}{
		{"unknown account", "GET", "/v1/accounts/nope", "", nil, http.StatusNotFound, "not_found"},
		{"wrong credential", "POST", "/v1/accounts/" + id + "/credentials", "mallory",
			map[string]interface{}{"level": "trade", "add": []string{"mallory"}}, http.StatusForbidden, "authorization"},
		{"bad level", "POST", "/v1/accounts/" + id + "/credentials", "alice",
			map[string]interface{}{"level": "root"}, http.StatusBadRequest, "invalid_input"},
		{"bad index", "POST", "/v1/accounts/" + id + "/requests/x/process", "keeper", nil, http.StatusBadRequest, "invalid_input"},
		{"admin only", "POST", "/v1/referrals", "alice",
			map[string]interface{}{"id": "ref", "fee_referral": "0.1", "fee_rebate": "0.9"}, http.StatusForbidden, "authorization"},
		{"bad cursor", "GET", "/v1/events?after=abc", "", nil, http.StatusBadRequest, "invalid_input"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(tt.method, tt.path, tt.caller, tt.body)
			require.Equal(t, tt.want, rec.Code, rec.Body.String())
			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.kind, body.Kind)
		})
	}
}

func TestHTTP_MalformedBody(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest("POST", "/v1/accounts", bytes.NewBufferString("{not json"))
	req.Header.Set(CredentialHeader, "alice")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_IdempotencyHeader(t *testing.T) {
	f := newAPI(t)
	send := func() int {
		req := httptest.NewRequest("POST", "/v1/accounts", bytes.NewBufferString("{}"))
		req.Header.Set(CredentialHeader, "alice")
		req.Header.Set(IdempotencyHeader, "open-1")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, send())
	assert.Equal(t, http.StatusConflict, send())
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrapped: %w", core.ErrInsufficientMargin), http.StatusUnprocessableEntity},
		{core.ErrDuplicateCall, http.StatusConflict},
		{persistence.ErrNotFound, http.StatusNotFound},
		{auth.ErrUnauthorized, http.StatusForbidden},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(tt.err), "%v", tt.err)
	}
}
