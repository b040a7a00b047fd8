package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/query"
)

const (
	// CredentialHeader carries the caller credential. The edge proxy is
	// responsible for authenticating it.
	CredentialHeader  = "X-Perp-Credential"
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes = 1 << 20
)

var ErrBadRequest = errs.New(errs.KindInvalidInput, "bad_request")

// HTTPServer serves the JSON API on a grpc-gateway runtime mux. There are
// no generated gateway stubs: every route is bound with HandlePath.
type HTTPServer struct {
	httpServer    *http.Server
	httpAddr      string
	mux           *runtime.ServeMux
	exchange      *core.Exchange
	query         *query.QueryService
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

// ServerDeps holds all dependencies needed by the HTTP API.
type ServerDeps struct {
	Exchange      *core.Exchange
	QueryService  *query.QueryService
	HealthChecker *observability.HealthChecker
	Logger        zerolog.Logger
}

func NewHTTPServer(httpAddr string, deps *ServerDeps) (*HTTPServer, error) {
	s := &HTTPServer{
		httpAddr:      httpAddr,
		mux:           runtime.NewServeMux(),
		exchange:      deps.Exchange,
		query:         deps.QueryService,
		healthChecker: deps.HealthChecker,
		log:           deps.Logger,
	}
	if err := s.routes(); err != nil {
		return nil, err
	}
	return s, nil
}

// Handler returns the full HTTP handler: health endpoints plus the API mux.
func (s *HTTPServer) Handler() http.Handler {
	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	httpMux.Handle("/", s.mux)
	return httpMux
}

// StartHTTP starts the HTTP server (blocking).
func (s *HTTPServer) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", s.httpAddr).Msg("HTTP API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type route struct {
	method  string
	pattern string
	handler runtime.HandlerFunc
}

func (s *HTTPServer) routes() error {
	x := s.exchange
	routes := []route{
		// --- accounts ---
		{"POST", "/v1/accounts", s.mutation("create_account", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				Owner      auth.Credential `json:"owner"`
				ReferralID string          `json:"referral_id"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.CreateAccount(ctx, call, req.Owner, req.ReferralID)
		})},
		{"POST", "/v1/accounts/{account_id}/collateral", s.mutation("add_collateral", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				Buckets []custody.Bucket `json:"buckets"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.AddCollateral(ctx, call, p["account_id"], req.Buckets)
		})},
		{"POST", "/v1/accounts/{account_id}/credentials", s.mutation("set_credentials", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				Level  string            `json:"level"`
				Add    []auth.Credential `json:"add"`
				Remove []auth.Credential `json:"remove"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			level, err := auth.ParseLevel(req.Level)
			if err != nil {
				return nil, err
			}
			return x.SetCredentials(ctx, call, p["account_id"], level, req.Add, req.Remove)
		})},

		// --- keeper requests ---
		{"POST", "/v1/accounts/{account_id}/orders", s.mutation("margin_order_request", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req core.OrderRequest
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			req.AccountID = p["account_id"]
			return x.MarginOrderRequest(ctx, call, req)
		})},
		{"POST", "/v1/accounts/{account_id}/orders/tpsl", s.mutation("margin_order_tp_sl_request", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req core.TPSLRequest
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			req.AccountID = p["account_id"]
			return x.MarginOrderTPSLRequest(ctx, call, req)
		})},
		{"POST", "/v1/accounts/{account_id}/withdrawals", s.mutation("remove_collateral_request", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req core.WithdrawRequest
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			req.AccountID = p["account_id"]
			return x.RemoveCollateralRequest(ctx, call, req)
		})},
		{"POST", "/v1/accounts/{account_id}/requests/cancel", s.mutation("cancel_requests", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				Indexes []uint64 `json:"indexes"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.CancelRequests(ctx, call, p["account_id"], req.Indexes)
		})},
		{"POST", "/v1/accounts/{account_id}/requests/{index}/process", s.mutation("process_request", func(ctx context.Context, call core.Call, _ []byte, p map[string]string) (*core.Result, error) {
			index, err := strconv.ParseUint(p["index"], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: index: %v", ErrBadRequest, err)
			}
			return x.ProcessRequest(ctx, call, p["account_id"], index)
		})},

		// --- risk ---
		{"POST", "/v1/accounts/{account_id}/liquidate", s.mutation("liquidate", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				Payment fpmath.Decimal `json:"payment"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.Liquidate(ctx, call, p["account_id"], req.Payment)
		})},
		{"POST", "/v1/accounts/{account_id}/liquidate-in-kind", s.mutation("liquidate_v2", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				ReceiverID string `json:"receiver_id"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.LiquidateV2(ctx, call, p["account_id"], req.ReceiverID)
		})},
		{"POST", "/v1/accounts/{account_id}/auto-deleverage", s.mutation("auto_deleverage", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				Pair config.PairID `json:"pair"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.AutoDeleverage(ctx, call, p["account_id"], req.Pair)
		})},
		{"POST", "/v1/accounts/{account_id}/swap-debt", s.mutation("swap_debt", func(ctx context.Context, call core.Call, body []byte, p map[string]string) (*core.Result, error) {
			var req struct {
				Resource string         `json:"resource"`
				Payment  fpmath.Decimal `json:"payment"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.SwapDebt(ctx, call, p["account_id"], req.Resource, req.Payment)
		})},

		// --- pool ---
		{"POST", "/v1/pairs/update", s.mutation("update_pairs", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				Pairs []config.PairID `json:"pairs"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.UpdatePairs(ctx, call, req.Pairs)
		})},
		{"POST", "/v1/pool/liquidity", s.mutation("add_liquidity", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				Payment fpmath.Decimal `json:"payment"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.AddLiquidity(ctx, call, req.Payment)
		})},
		{"POST", "/v1/pool/liquidity/remove", s.mutation("remove_liquidity", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				LP fpmath.Decimal `json:"lp"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.RemoveLiquidity(ctx, call, req.LP)
		})},

		// --- referrals ---
		{"POST", "/v1/referrals", s.mutation("create_referral", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req core.ReferralParams
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.CreateReferral(ctx, call, req)
		})},
		{"POST", "/v1/referrals/{referral_id}/claim", s.mutation("claim_referral_rewards", func(ctx context.Context, call core.Call, _ []byte, p map[string]string) (*core.Result, error) {
			return x.ClaimReferralRewards(ctx, call, p["referral_id"])
		})},

		// --- admin ---
		{"POST", "/v1/admin/fees/collect", s.mutation("collect_fees", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				ProtocolTarget string `json:"protocol_target"`
				TreasuryTarget string `json:"treasury_target"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.CollectFees(ctx, call, req.ProtocolTarget, req.TreasuryTarget)
		})},
		{"PUT", "/v1/admin/config/exchange", s.mutation("update_exchange_config", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req config.ExchangeConfig
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.UpdateExchangeConfig(ctx, call, req)
		})},
		{"PUT", "/v1/admin/config/pairs", s.mutation("update_pair_configs", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				Pairs []config.PairConfig `json:"pairs"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.UpdatePairConfigs(ctx, call, req.Pairs)
		})},
		{"PUT", "/v1/admin/config/collaterals", s.mutation("update_collateral_configs", func(ctx context.Context, call core.Call, body []byte, _ map[string]string) (*core.Result, error) {
			var req struct {
				Collaterals []config.CollateralConfig `json:"collaterals"`
			}
			if err := decodeBody(body, &req); err != nil {
				return nil, err
			}
			return x.UpdateCollateralConfigs(ctx, call, req.Collaterals)
		})},
		{"DELETE", "/v1/admin/config/collaterals/{resource}", s.mutation("remove_collateral_config", func(ctx context.Context, call core.Call, _ []byte, p map[string]string) (*core.Result, error) {
			return x.RemoveCollateralConfig(ctx, call, p["resource"])
		})},

		// --- queries ---
		{"GET", "/v1/accounts/{account_id}", s.read(func(r *http.Request, p map[string]string) (interface{}, error) {
			return s.query.GetAccount(r.Context(), p["account_id"])
		})},
		{"GET", "/v1/accounts/{account_id}/funding", s.read(func(r *http.Request, p map[string]string) (interface{}, error) {
			limit, before, err := cursor(r, "before")
			if err != nil {
				return nil, err
			}
			return s.query.GetFundingHistory(r.Context(), p["account_id"], r.URL.Query().Get("pair"), limit, before)
		})},
		{"GET", "/v1/accounts/{account_id}/trades", s.read(func(r *http.Request, p map[string]string) (interface{}, error) {
			limit, before, err := cursor(r, "before")
			if err != nil {
				return nil, err
			}
			return s.query.GetTradeHistory(r.Context(), p["account_id"], r.URL.Query().Get("pair"), limit, before)
		})},
		{"GET", "/v1/pool", s.read(func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.query.GetPool(r.Context())
		})},
		{"GET", "/v1/events", s.read(func(r *http.Request, _ map[string]string) (interface{}, error) {
			limit, after, err := cursor(r, "after")
			if err != nil {
				return nil, err
			}
			return s.query.GetEvents(r.Context(), after, limit)
		})},
		{"GET", "/v1/admin/integrity", s.read(func(r *http.Request, _ map[string]string) (interface{}, error) {
			return s.query.VerifyIntegrity(r.Context())
		})},
	}

	for _, rt := range routes {
		if err := s.mux.HandlePath(rt.method, rt.pattern, rt.handler); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

type mutationFunc func(ctx context.Context, call core.Call, body []byte, params map[string]string) (*core.Result, error)

// priceEnvelope is the optional signed price update any mutating call
// may carry in its body.
type priceEnvelope struct {
	PriceUpdate json.RawMessage `json:"price_update"`
}

// mutation adapts an engine entry point. The caller credential and the
// idempotency key come from headers.
func (s *HTTPServer) mutation(op string, fn mutationFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			s.fail(w, op, fmt.Errorf("%w: read body: %v", ErrBadRequest, err))
			return
		}
		var env priceEnvelope
		if err := decodeBody(body, &env); err != nil {
			s.fail(w, op, err)
			return
		}

		call := core.Call{
			Caller:         auth.Credential(r.Header.Get(CredentialHeader)),
			IdempotencyKey: r.Header.Get(IdempotencyHeader),
		}
		if len(env.PriceUpdate) > 0 && string(env.PriceUpdate) != "null" {
			call.PriceUpdate = env.PriceUpdate
		}

		res, err := fn(r.Context(), call, body, params)
		if err != nil {
			s.fail(w, op, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *HTTPServer) read(fn func(r *http.Request, params map[string]string) (interface{}, error)) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		v, err := fn(r, params)
		if err != nil {
			s.fail(w, r.URL.Path, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, op string, err error) {
	if httpStatus(err) == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("op", op).Msg("request failed")
	}
	writeError(w, err)
}

// decodeBody decodes a JSON body into v. An empty body leaves v zero.
func decodeBody(body []byte, v interface{}) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// cursor reads the limit and the named sequence cursor query parameters.
func cursor(r *http.Request, name string) (int, int64, error) {
	q := r.URL.Query()
	var limit int
	var seq int64
	var err error
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil {
			return 0, 0, fmt.Errorf("%w: limit: %v", ErrBadRequest, err)
		}
	}
	if s := q.Get(name); s != "" {
		if seq, err = strconv.ParseInt(s, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("%w: %s: %v", ErrBadRequest, name, err)
		}
	}
	return limit, seq, nil
}
