package core_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/auth"
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/custody"
	"PerpSettle/internal/errs"
	"PerpSettle/internal/event"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/state"
)

const (
	admin      auth.Credential = "admin"
	alice      auth.Credential = "alice"
	bob        auth.Credential = "bob"
	keeper     auth.Credential = "keeper"
	liquidator auth.Credential = "liquidator"
	provider   auth.Credential = "provider"

	btc config.PairID = "BTC/USD"
	eth config.PairID = "ETH/USD"
)

func d(s string) fpmath.Decimal { return fpmath.MustParse(s) }

func assertDec(t *testing.T, want string, got fpmath.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	if !got.Equal(d(want)) {
		assert.Fail(t, fmt.Sprintf("decimal mismatch: want %s, got %s", want, got), msgAndArgs...)
	}
}

func testSnapshot() *config.Snapshot {
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
	for _, id := range []config.PairID{btc, eth} {
		snap.Pairs[id] = config.PairConfig{
			PairID:                id,
			OIMax:                 d("100"),
			TradeSizeMin:          d("0.001"),
			UpdatePriceDeltaRatio: d("0.01"),
			UpdatePeriodSeconds:   60,
			MarginInitial:         d("0.1"),
			MarginMaintenance:     d("0.05"),
			Fee0:                  d("0.0005"),
			Fee1:                  d("0.0000000005"),
		}
	}
	snap.Collaterals["ETH"] = config.CollateralConfig{
		Resource: "ETH",
		PairID:   eth,
		Discount: d("0.9"),
		Margin:   d("0.05"),
	}
	return snap
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	now    int64
	store  *persistence.MemoryStore
	cust   *custody.MemoryCustody
	prices *oracle.MemorySource
	last   map[config.PairID]string
	x      *core.Exchange
}

func newFixture(t *testing.T, mutate ...func(*config.Snapshot)) *fixture {
	t.Helper()
	f := &fixture{
		t:      t,
		ctx:    context.Background(),
		now:    1_700_000_000,
		store:  persistence.NewMemoryStore(),
		cust:   custody.NewMemoryCustody("operator", map[string]int32{"USD": 18, "ETH": 18, "LP": 18, "WBTC": 8}),
		prices: oracle.NewMemorySource(nil),
		last:   make(map[config.PairID]string),
	}
	f.x = core.NewExchange(f.store, f.prices, f.cust, core.Options{
		BaseResource:     "USD",
		BaseDivisibility: 18,
		LPResource:       "LP",
		Operator:         "operator",
		Admins:           []auth.Credential{admin},
		Clock:            func() int64 { return f.now },
	}, zerolog.Nop(), observability.NewMetrics(prometheus.NewRegistry()))

	snap := testSnapshot()
	for _, m := range mutate {
		m(snap)
	}
	stored, err := f.x.Bootstrap(f.ctx, snap)
	require.NoError(t, err)
	require.True(t, stored)

	f.setPrice(btc, "60000")
	f.setPrice(eth, "2000")
	f.mint(provider, "USD", "100000")
	_, err = f.x.AddLiquidity(f.ctx, f.as(provider), d("100000"))
	require.NoError(t, err)
	return f
}

func (f *fixture) as(c auth.Credential) core.Call {
	return core.Call{Caller: c}
}

func (f *fixture) setPrice(pair config.PairID, price string) {
	f.last[pair] = price
	f.prices.Set(oracle.Price{Pair: pair, Value: d(price), ObservedAt: f.now})
}

// advance moves the clock and re-observes every price at the new time.
func (f *fixture) advance(seconds int64) {
	f.now += seconds
	for pair, p := range f.last {
		f.setPrice(pair, p)
	}
}

func (f *fixture) mint(wallet auth.Credential, resource, amount string) {
	require.NoError(f.t, f.cust.Mint(string(wallet), custody.Bucket{Resource: resource, Amount: d(amount)}))
}

func (f *fixture) balance(wallet auth.Credential, resource string) fpmath.Decimal {
	return f.cust.Balance(string(wallet), resource)
}

// account opens an account for owner funded with the given collateral.
func (f *fixture) account(owner auth.Credential, referral string, collateral ...custody.Bucket) string {
	f.t.Helper()
	res, err := f.x.CreateAccount(f.ctx, f.as(owner), "", referral)
	require.NoError(f.t, err)
	if len(collateral) > 0 {
		for _, c := range collateral {
			f.mint(owner, c.Resource, c.Amount.String())
		}
		_, err = f.x.AddCollateral(f.ctx, f.as(owner), res.ID, collateral)
		require.NoError(f.t, err)
	}
	return res.ID
}

func (f *fixture) request(owner auth.Credential, acct, amount string) uint64 {
	f.t.Helper()
	res, err := f.x.MarginOrderRequest(f.ctx, f.as(owner), core.OrderRequest{
		AccountID: acct,
		TTL:       3600,
		Order:     state.MarginOrder{Pair: btc, Amount: d(amount)},
		Status:    state.RequestActive,
	})
	require.NoError(f.t, err)
	require.Len(f.t, res.Indexes, 1)
	return res.Indexes[0]
}

// trade requests and immediately processes a BTC order.
func (f *fixture) trade(owner auth.Credential, acct, amount string) (*core.Result, error) {
	index := f.request(owner, acct, amount)
	return f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
}

func (f *fixture) mustTrade(owner auth.Credential, acct, amount string) event.MarginOrder {
	f.t.Helper()
	res, err := f.trade(owner, acct, amount)
	require.NoError(f.t, err)
	return decode[event.MarginOrder](f.t, res, event.EventTypeMarginOrder)
}

func (f *fixture) details(acct string) *core.AccountDetails {
	f.t.Helper()
	out, err := f.x.AccountDetails(f.ctx, acct)
	require.NoError(f.t, err)
	return out
}

func (f *fixture) pool() *core.PoolDetails {
	f.t.Helper()
	out, err := f.x.PoolDetails(f.ctx)
	require.NoError(f.t, err)
	return out
}

func usd(amount string) custody.Bucket {
	return custody.Bucket{Resource: "USD", Amount: d(amount)}
}

func ether(amount string) custody.Bucket {
	return custody.Bucket{Resource: "ETH", Amount: d(amount)}
}

func decode[T any](t *testing.T, res *core.Result, typ event.EventType) T {
	t.Helper()
	var out T
	for _, rec := range res.Events {
		if rec.EventType == typ {
			require.NoError(t, json.Unmarshal(rec.Payload, &out))
			return out
		}
	}
	t.Fatalf("no %s event in %d records", typ, len(res.Events))
	return out
}

// --- Margin orders ---

func TestMarginOrder_ReferralFeeSplit(t *testing.T) {
	f := newFixture(t)
	ref, err := f.x.CreateReferral(f.ctx, f.as(admin), core.ReferralParams{
		ID:          "friends",
		FeeReferral: d("0.5"),
		FeeRebate:   d("0.05"),
		Beneficiary: "ref",
	})
	require.NoError(t, err)
	acct := f.account(alice, ref.ID, usd("1000"))

	before := f.pool()
	evt := f.mustTrade(alice, acct, "0.02")

	// (0.0005*1200 + 5e-10*1200^2) * 0.95
	assertDec(t, "0.570684", evt.FeeOpen.Total)
	assertDec(t, "0.0570684", evt.FeeOpen.Protocol)
	assertDec(t, "0.0570684", evt.FeeOpen.Treasury)
	assertDec(t, "0.0570684", evt.FeeOpen.Referral)
	assertDec(t, "0.3994788", evt.FeeOpen.Pool)
	assert.True(t, evt.AmountClose.IsZero())
	assertDec(t, "0.02", evt.AmountOpen)

	after := f.pool()
	assertDec(t, "0.570684", after.PnlSnap.Sub(before.PnlSnap), "pnl snapshot grows by the fee")
	assertDec(t, "-0.1712052", after.VirtualBalance.Sub(before.VirtualBalance), "shares leave the pool")
	assertDec(t, "0.0570684", after.Fees.Protocol)

	claim, err := f.x.ClaimReferralRewards(f.ctx, f.as("ref"), ref.ID)
	require.NoError(t, err)
	assertDec(t, "0.0570684", claim.Amount)
	assertDec(t, "0.0570684", f.balance("ref", "USD"))

	_, err = f.x.ClaimReferralRewards(f.ctx, f.as(alice), ref.ID)
	assert.ErrorIs(t, err, core.ErrNotBeneficiary)
}

func TestMarginOrder_OpenThenCloseAtSamePrice(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))

	open := f.mustTrade(alice, acct, "0.02")
	assertDec(t, "0.60072", open.FeeOpen.Total)

	closed := f.mustTrade(alice, acct, "-0.02")
	assertDec(t, "-0.02", closed.AmountClose)
	assert.True(t, closed.AmountOpen.IsZero())
	// against a pre-trade skew of 1200
	assertDec(t, "0.59928", closed.FeeClose.Total)
	assertDec(t, "-1.2", closed.Pnl)

	det := f.details(acct)
	assert.Empty(t, det.Positions)
	assertDec(t, "-1.2", det.VirtualBalance)

	p := f.pool()
	require.Len(t, p.Pairs, 1)
	assert.True(t, p.Pairs[0].OILong.IsZero())
	assert.True(t, p.Pairs[0].Cost.IsZero())
	assert.True(t, p.PnlSnap.IsZero())
	assert.True(t, p.SkewAbsSnap.IsZero())
}

func TestMarginOrder_RoundTripWithoutFeesIsNeutral(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) {
		p := s.Pairs[btc]
		p.Fee0 = fpmath.Zero
		p.Fee1 = fpmath.Zero
		s.Pairs[btc] = p
	})
	acct := f.account(alice, "", usd("1000"))
	poolBefore := f.pool().VirtualBalance

	open := f.mustTrade(alice, acct, "0.02")
	assert.True(t, open.FeeOpen.Total.IsZero())
	closed := f.mustTrade(alice, acct, "-0.02")
	assert.True(t, closed.Pnl.IsZero(), "pnl %s", closed.Pnl)
	assert.True(t, closed.FeeClose.Total.IsZero())

	assert.True(t, f.details(acct).VirtualBalance.IsZero())
	assertDec(t, poolBefore.String(), f.pool().VirtualBalance)
}

func TestMarginOrder_SkewReducingTradeAboveCap(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.1")

	ex := testSnapshot().Exchange
	ex.SkewRatioCap = d("0.01")
	_, err := f.x.UpdateExchangeConfig(f.ctx, f.as(admin), ex)
	require.NoError(t, err)
	require.True(t, f.pool().SkewRatio.GreaterThan(ex.SkewRatioCap))

	// only reduces |skew|, so the cap does not apply
	f.mustTrade(alice, acct, "-0.05")

	_, err = f.trade(alice, acct, "0.01")
	require.ErrorIs(t, err, core.ErrSkewCap)
}

func TestMarginOrder_FlipClosesThenOpens(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.02")

	evt := f.mustTrade(alice, acct, "-0.05")
	assertDec(t, "-0.02", evt.AmountClose)
	assertDec(t, "-0.03", evt.AmountOpen)

	det := f.details(acct)
	require.Len(t, det.Positions, 1)
	assertDec(t, "-0.03", det.Positions[0].Amount)
	assert.True(t, det.Positions[0].Cost.IsNegative())
}

func TestMarginOrder_ReduceOnlyNeverOpens(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.02")

	res, err := f.x.MarginOrderRequest(f.ctx, f.as(alice), core.OrderRequest{
		AccountID: acct,
		TTL:       60,
		Order:     state.MarginOrder{Pair: btc, Amount: d("-0.05"), ReduceOnly: true},
		Status:    state.RequestActive,
	})
	require.NoError(t, err)
	res, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.NoError(t, err)

	evt := decode[event.MarginOrder](t, res, event.EventTypeMarginOrder)
	assertDec(t, "-0.02", evt.AmountClose)
	assert.True(t, evt.AmountOpen.IsZero())
	assert.Empty(t, f.details(acct).Positions)
}

func TestMarginOrder_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Snapshot)
		amount  string
		wantErr error
	}{
		{
			name:    "below trade size min",
			amount:  "0.0001",
			wantErr: core.ErrTradeSizeMin,
		},
		{
			name: "open interest cap",
			mutate: func(s *config.Snapshot) {
				p := s.Pairs[btc]
				p.OIMax = d("0.01")
				s.Pairs[btc] = p
			},
			amount:  "0.02",
			wantErr: core.ErrOIMax,
		},
		{
			name:    "skew cap",
			mutate:  func(s *config.Snapshot) { s.Exchange.SkewRatioCap = d("0.01") },
			amount:  "0.02",
			wantErr: core.ErrSkewCap,
		},
		{
			name:    "initial margin",
			amount:  "0.2",
			wantErr: core.ErrInsufficientMargin,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var mutate []func(*config.Snapshot)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			f := newFixture(t, mutate...)
			acct := f.account(alice, "", usd("1000"))

			index := f.request(alice, acct, tt.amount)
			_, err := f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
			require.ErrorIs(t, err, tt.wantErr)

			// the whole call rolled back
			det := f.details(acct)
			assert.Empty(t, det.Positions)
			assert.Equal(t, []uint64{index}, det.ActiveRequests)
			assert.True(t, det.VirtualBalance.IsZero())
		})
	}
}

func TestMarginOrder_PriceLimit(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))

	res, err := f.x.MarginOrderRequest(f.ctx, f.as(alice), core.OrderRequest{
		AccountID: acct,
		TTL:       60,
		Order: state.MarginOrder{
			Pair:       btc,
			Amount:     d("0.01"),
			PriceLimit: state.PriceLimit{Kind: state.PriceLimitLte, Price: d("59000")},
		},
		Status: state.RequestActive,
	})
	require.NoError(t, err)

	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.ErrorIs(t, err, core.ErrPriceLimit)
	assert.Equal(t, errs.KindMarket, errs.KindOf(err))

	f.setPrice(btc, "58000")
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.NoError(t, err)
}

func TestMarginOrder_StalePriceRejected(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	index := f.request(alice, acct, "0.01")

	f.now += 120
	_, err := f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.ErrorIs(t, err, oracle.ErrPriceTooOld)

	// a signed update carried by the call refreshes the feed first
	payload, err := json.Marshal(oracle.Update{Prices: []oracle.Price{
		{Pair: btc, Value: d("60000"), ObservedAt: f.now},
	}})
	require.NoError(t, err)
	call := f.as(keeper)
	call.PriceUpdate = payload
	_, err = f.x.ProcessRequest(f.ctx, call, acct, index)
	require.NoError(t, err)
}

func TestPriceUpdate_PublishedOnlyOnCommit(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	index := f.request(alice, acct, "0.01")
	f.now += 120

	payload, err := json.Marshal(oracle.Update{Prices: []oracle.Price{
		{Pair: btc, Value: d("60000"), ObservedAt: f.now},
	}})
	require.NoError(t, err)
	call := f.as(keeper)
	call.PriceUpdate = payload

	// a failed call leaves the feed untouched
	_, err = f.x.ProcessRequest(f.ctx, call, acct, index+100)
	require.Error(t, err)
	p, err := f.prices.Resolve(f.ctx, btc)
	require.NoError(t, err)
	assert.Less(t, p.ObservedAt, f.now)
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.ErrorIs(t, err, oracle.ErrPriceTooOld)

	_, err = f.x.ProcessRequest(f.ctx, call, acct, index)
	require.NoError(t, err)
	p, err = f.prices.Resolve(f.ctx, btc)
	require.NoError(t, err)
	assert.Equal(t, f.now, p.ObservedAt)
}

func TestMarginOrder_ArithmeticOverflowRollsBack(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	index := f.request(alice, acct, "1000000000000000000000000000000000000")

	_, err := f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.ErrorIs(t, err, core.ErrArithmetic)
	assert.Equal(t, errs.KindArithmetic, errs.KindOf(err))
	assert.Equal(t, []uint64{index}, f.details(acct).ActiveRequests)
}

// --- Requests ---

func TestProcessRequest_Twice(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	index := f.request(alice, acct, "0.01")

	res, err := f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.NoError(t, err)
	processed := decode[event.RequestProcessed](t, res, event.EventTypeRequestProcessed)
	assert.Equal(t, "Executed", processed.Status)

	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.ErrorIs(t, err, state.ErrRequestNotActive)
}

func TestProcessRequest_ExpiredHasNoSideEffect(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	index := f.request(alice, acct, "0.01")

	f.advance(3600)
	res, err := f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)
	processed := decode[event.RequestProcessed](t, res, event.EventTypeRequestProcessed)
	assert.Equal(t, "Expired", processed.Status)
	assert.Empty(t, f.details(acct).Positions)
}

func TestProcessRequest_DelayedUntilSubmission(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	res, err := f.x.MarginOrderRequest(f.ctx, f.as(alice), core.OrderRequest{
		AccountID: acct,
		Delay:     30,
		TTL:       60,
		Order:     state.MarginOrder{Pair: btc, Amount: d("0.01")},
		Status:    state.RequestActive,
	})
	require.NoError(t, err)

	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.ErrorIs(t, err, state.ErrBeforeSubmission)

	f.advance(30)
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.NoError(t, err)
}

func TestProcessRequest_PaysKeeperReward(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) { s.Exchange.RewardKeeper = d("2") })
	acct := f.account(alice, "", usd("1000"))

	res, err := f.trade(alice, acct, "0.01")
	require.NoError(t, err)
	assertDec(t, "2", res.Reward)
	assertDec(t, "2", f.balance(keeper, "USD"))
	assert.True(t, f.details(acct).VirtualBalance.LessThan(d("-2").Sub(d("0.3"))), "reward and fee charged")
}

func TestCancelRequests(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	index := f.request(alice, acct, "0.01")

	_, err := f.x.CancelRequests(f.ctx, f.as(bob), acct, []uint64{index})
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	res, err := f.x.CancelRequests(f.ctx, f.as(alice), acct, []uint64{index})
	require.NoError(t, err)
	assert.Equal(t, []uint64{index}, res.Indexes)
	assert.Empty(t, f.details(acct).ActiveRequests)

	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, index)
	require.ErrorIs(t, err, state.ErrRequestNotActive)
}

func TestTPSL_ActivationAndCancellation(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	tp, sl := d("66000"), d("54000")

	res, err := f.x.MarginOrderTPSLRequest(f.ctx, f.as(alice), core.TPSLRequest{
		AccountID:  acct,
		TTL:        3600,
		Order:      state.MarginOrder{Pair: btc, Amount: d("0.02")},
		TakeProfit: &tp,
		StopLoss:   &sl,
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2}, res.Indexes)

	// legs are dormant until the main order executes
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, 1)
	require.ErrorIs(t, err, state.ErrRequestNotActive)

	res, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, 0)
	require.NoError(t, err)
	main := decode[event.MarginOrder](t, res, event.EventTypeMarginOrder)
	assert.Equal(t, []uint64{1, 2}, main.Activated)

	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, 2)
	require.ErrorIs(t, err, core.ErrPriceLimit, "stop loss not reached")

	f.setPrice(btc, "66000")
	res, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, 1)
	require.NoError(t, err)
	takeProfit := decode[event.MarginOrder](t, res, event.EventTypeMarginOrder)
	assertDec(t, "-0.02", takeProfit.AmountClose)
	assert.Equal(t, []uint64{2}, takeProfit.Cancelled)
	assert.True(t, takeProfit.Pnl.IsPositive())

	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, 2)
	require.ErrorIs(t, err, state.ErrRequestNotActive)

	det := f.details(acct)
	assert.Empty(t, det.Positions)
	assert.Empty(t, det.ActiveRequests)
}

// --- Collateral ---

func TestRemoveCollateral(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))

	res, err := f.x.RemoveCollateralRequest(f.ctx, f.as(alice), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    string(alice),
		Claims:    []custody.Bucket{usd("400")},
	})
	require.NoError(t, err)
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.NoError(t, err)

	assertDec(t, "400", f.balance(alice, "USD"))
	assertDec(t, "600", f.details(acct).BaseCollateral)
}

func TestRemoveCollateral_KeepsInitialMargin(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.1")

	res, err := f.x.RemoveCollateralRequest(f.ctx, f.as(alice), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    string(alice),
		Claims:    []custody.Bucket{usd("900")},
	})
	require.NoError(t, err)
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.ErrorIs(t, err, core.ErrInsufficientMargin)
	assert.True(t, f.balance(alice, "USD").IsZero())
}

func TestRemoveCollateral_RequestChecks(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))

	_, err := f.x.RemoveCollateralRequest(f.ctx, f.as(alice), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    string(alice),
		Claims:    []custody.Bucket{usd("1"), usd("1"), usd("1"), usd("1")},
	})
	require.ErrorIs(t, err, core.ErrClaimsCap)

	f.cust.SetPolicy("vault", custody.WalletPolicy{})
	_, err = f.x.RemoveCollateralRequest(f.ctx, f.as(alice), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    "vault",
		Claims:    []custody.Bucket{usd("1")},
	})
	require.ErrorIs(t, err, custody.ErrDepositRejected)

	_, err = f.x.RemoveCollateralRequest(f.ctx, f.as(alice), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    string(alice),
		Claims:    []custody.Bucket{{Resource: "WBTC", Amount: d("0.000000001")}},
	})
	require.ErrorIs(t, err, core.ErrInvalidArgument)
	assert.Empty(t, f.details(acct).ActiveRequests)
}

func TestAddCollateral_UnknownResource(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.cust.RegisterResource("DOGE", 8)
	f.mint(alice, "DOGE", "10")

	_, err := f.x.AddCollateral(f.ctx, f.as(alice), acct, []custody.Bucket{{Resource: "DOGE", Amount: d("10")}})
	require.ErrorIs(t, err, core.ErrUnknownResource)
}

// --- Funding ---

func TestFunding_OneSidedInterestAccruesNothing(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) {
		p := s.Pairs[btc]
		p.Funding1 = d("0.01")
		p.FundingPool0 = d("0.01")
		s.Pairs[btc] = p
	})
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.1")

	f.advance(86400)
	res, err := f.x.UpdatePairs(f.ctx, f.as(keeper), []config.PairID{btc})
	require.NoError(t, err)
	assert.Equal(t, []config.PairID{btc}, res.Fired)

	upd := decode[event.PairUpdated](t, res, event.EventTypePairUpdated)
	assert.True(t, upd.FundingShare.IsZero())
	assert.True(t, upd.FundingPool.IsZero())

	det := f.details(acct)
	require.Len(t, det.Positions, 1)
	assert.True(t, det.Positions[0].PendingFunding.IsZero())
}

func TestFunding_LongsPayShortsWhenSkewedLong(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) {
		p := s.Pairs[btc]
		p.Funding1 = d("0.01")
		s.Pairs[btc] = p
	})
	long := f.account(alice, "", usd("1000"))
	short := f.account(bob, "", usd("1000"))
	f.mustTrade(alice, long, "0.1")
	f.mustTrade(bob, short, "-0.05")

	f.advance(86400)
	_, err := f.x.UpdatePairs(f.ctx, f.as(keeper), []config.PairID{btc})
	require.NoError(t, err)

	longFunding := f.details(long).Positions[0].PendingFunding
	shortFunding := f.details(short).Positions[0].PendingFunding
	assert.True(t, longFunding.IsPositive(), "long pays %s", longFunding)
	assert.True(t, shortFunding.IsNegative(), "short receives %s", shortFunding)

	// settling on the next trade realizes it
	evt := f.mustTrade(alice, long, "-0.1")
	assertDec(t, "-0.1", evt.AmountClose)
	assert.Empty(t, f.details(long).Positions)
}

func TestUpdatePairs_RewardsFiredPairs(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) { s.Exchange.RewardKeeper = d("1") })

	res, err := f.x.UpdatePairs(f.ctx, f.as(keeper), []config.PairID{btc, eth, btc})
	require.NoError(t, err)
	assert.Empty(t, res.Fired, "first update only records a baseline")

	f.setPrice(btc, "61000")
	res, err = f.x.UpdatePairs(f.ctx, f.as(keeper), []config.PairID{btc, eth})
	require.NoError(t, err)
	assert.Equal(t, []config.PairID{btc}, res.Fired)
	assertDec(t, "1", res.Reward)
	assertDec(t, "1", f.balance(keeper, "USD"))
}

// --- Liquidation ---

func liquidationSetup(t *testing.T) (*fixture, string) {
	f := newFixture(t)
	acct := f.account(alice, "", ether("1"))
	open := f.mustTrade(alice, acct, "0.1")
	assertDec(t, "3.018", open.FeeOpen.Total)
	return f, acct
}

func TestLiquidate_SufficientMargin(t *testing.T) {
	f, acct := liquidationSetup(t)
	_, err := f.x.Liquidate(f.ctx, f.as(liquidator), acct, d("1800"))
	require.ErrorIs(t, err, core.ErrSufficientMargin)
	assert.False(t, f.details(acct).Liquidatable)
}

func TestLiquidate_CollateralCoversLoss(t *testing.T) {
	f, acct := liquidationSetup(t)
	f.setPrice(btc, "45000")
	assert.True(t, f.details(acct).Liquidatable)
	f.mint(liquidator, "USD", "1800")

	_, err := f.x.Liquidate(f.ctx, f.as(liquidator), acct, d("1000"))
	require.ErrorIs(t, err, core.ErrInsufficientPayment)

	res, err := f.x.Liquidate(f.ctx, f.as(liquidator), acct, d("1800"))
	require.NoError(t, err)
	evt := decode[event.Liquidation](t, res, event.EventTypeLiquidation)

	require.Len(t, evt.Positions, 1)
	assertDec(t, "-1503.018", evt.Positions[0].Pnl)
	assertDec(t, "1800", evt.CollateralValue)
	assertDec(t, "315", evt.Margin)
	// positions pnl + discounted collateral
	assertDec(t, "296.982", evt.VirtualBalance)
	assert.True(t, evt.PoolLoss.IsZero())

	assertDec(t, "1", f.balance(liquidator, "ETH"))
	assert.True(t, f.balance(liquidator, "USD").IsZero())

	det := f.details(acct)
	assert.Empty(t, det.Positions)
	assert.Empty(t, det.Collaterals)
	assert.Equal(t, uint64(det.RequestCount), det.ValidRequestsStart)
}

func TestLiquidate_PoolAbsorbsResidualLoss(t *testing.T) {
	f, acct := liquidationSetup(t)
	f.setPrice(btc, "40000")
	f.mint(liquidator, "USD", "1800")

	res, err := f.x.Liquidate(f.ctx, f.as(liquidator), acct, d("1800"))
	require.NoError(t, err)
	evt := decode[event.Liquidation](t, res, event.EventTypeLiquidation)

	assert.True(t, evt.VirtualBalance.IsZero())
	assertDec(t, "203.018", evt.PoolLoss)
	assert.True(t, f.details(acct).VirtualBalance.IsZero())
}

func TestLiquidateV2_MovesCollateralInKind(t *testing.T) {
	f, acct := liquidationSetup(t)
	receiver := f.account(bob, "", usd("5000"))
	f.setPrice(btc, "45000")

	_, err := f.x.LiquidateV2(f.ctx, f.as(liquidator), acct, receiver)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	res, err := f.x.LiquidateV2(f.ctx, f.as(bob), acct, receiver)
	require.NoError(t, err)
	evt := decode[event.Liquidation](t, res, event.EventTypeLiquidation)
	assert.Equal(t, core.LiquidationInKind, evt.Mode)
	assert.Equal(t, receiver, evt.Receiver)
	assertDec(t, "296.982", evt.VirtualBalance)

	det := f.details(receiver)
	require.Len(t, det.Collaterals, 1)
	assertDec(t, "1", det.Collaterals[0].Amount)
	assertDec(t, "-1800", det.VirtualBalance)
}

// --- Auto-deleverage ---

func TestAutoDeleverage(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.1")

	_, err := f.x.AutoDeleverage(f.ctx, f.as(keeper), acct, btc)
	require.ErrorIs(t, err, core.ErrSkewWithinCap)

	ex := testSnapshot().Exchange
	ex.SkewRatioCap = d("0.01")
	_, err = f.x.UpdateExchangeConfig(f.ctx, f.as(admin), ex)
	require.NoError(t, err)

	// losing position: pnl percent below the threshold
	_, err = f.x.AutoDeleverage(f.ctx, f.as(keeper), acct, btc)
	require.ErrorIs(t, err, core.ErrADLThreshold)

	f.setPrice(btc, "61000")
	res, err := f.x.AutoDeleverage(f.ctx, f.as(keeper), acct, btc)
	require.NoError(t, err)
	evt := decode[event.AutoDeleverage](t, res, event.EventTypeAutoDeleverage)
	assertDec(t, "96.982", evt.Pnl)
	assert.True(t, evt.SkewRatioAfter.LessThan(evt.SkewRatioBefore))
	assert.Empty(t, f.details(acct).Positions)

	_, err = f.x.AutoDeleverage(f.ctx, f.as(keeper), acct, btc)
	require.ErrorIs(t, err, core.ErrSkewWithinCap)
}

func TestAutoDeleverage_ShortUsesSignedCost(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	open := f.mustTrade(alice, acct, "-0.1")
	assertDec(t, "3.018", open.FeeOpen.Total)

	ex := testSnapshot().Exchange
	ex.SkewRatioCap = d("0.01")
	_, err := f.x.UpdateExchangeConfig(f.ctx, f.as(admin), ex)
	require.NoError(t, err)

	// (value - cost) / cost = 96.982 / -5996.982: a winning short sits below the threshold
	f.setPrice(btc, "59000")
	_, err = f.x.AutoDeleverage(f.ctx, f.as(keeper), acct, btc)
	require.ErrorIs(t, err, core.ErrADLThreshold)
	require.Len(t, f.details(acct).Positions, 1)

	// and a losing short is positive, so it is eligible
	f.setPrice(btc, "61000")
	res, err := f.x.AutoDeleverage(f.ctx, f.as(keeper), acct, btc)
	require.NoError(t, err)
	evt := decode[event.AutoDeleverage](t, res, event.EventTypeAutoDeleverage)
	assertDec(t, "-103.018", evt.Pnl)
	assert.True(t, evt.PnlPercent.IsPositive(), "pnl percent %s", evt.PnlPercent)
	assert.True(t, evt.SkewRatioAfter.LessThan(evt.SkewRatioBefore))
	assert.Empty(t, f.details(acct).Positions)
}

// --- Pool liquidity ---

func TestLiquidity_AddAndRemove(t *testing.T) {
	f := newFixture(t)
	p := f.pool()
	assertDec(t, "100000", p.LPSupply)
	assertDec(t, "1", p.LPPrice)
	assertDec(t, "100000", f.balance(provider, "LP"))

	res, err := f.x.RemoveLiquidity(f.ctx, f.as(provider), d("50000"))
	require.NoError(t, err)
	assertDec(t, "50000", res.Amount)
	assertDec(t, "50000", f.balance(provider, "USD"))
	assertDec(t, "50000", f.balance(provider, "LP"))
	assertDec(t, "50000", f.pool().LPSupply)

	_, err = f.x.RemoveLiquidity(f.ctx, f.as(provider), d("60000"))
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestLiquidity_FeesAccrueToRemainingShares(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) { s.Exchange.FeeLiquidityAdd = d("0.01") })
	f.mint(bob, "USD", "1000")

	res, err := f.x.AddLiquidity(f.ctx, f.as(bob), d("1000"))
	require.NoError(t, err)
	evt := decode[event.LiquidityAdded](t, res, event.EventTypeLiquidityAdded)
	assertDec(t, "10", evt.Fee.Total)
	assertDec(t, "1", evt.Fee.Protocol)
	assertDec(t, "1", evt.Fee.Treasury)
	assert.True(t, evt.Minted.LessThan(d("990")))
	assert.True(t, f.pool().LPPrice.GreaterThan(fpmath.One))
}

func TestLiquidity_RemoveBlockedAboveSkewCap(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.1")

	// 6000 of skew against 10000 of value
	_, err := f.x.RemoveLiquidity(f.ctx, f.as(provider), d("90000"))
	require.ErrorIs(t, err, core.ErrSkewCap)
}

func TestSwapDebt(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", ether("1"))
	f.mustTrade(alice, acct, "0.1")
	f.setPrice(btc, "59000")
	closed := f.mustTrade(alice, acct, "-0.1")
	assertDec(t, "2.932595", closed.FeeClose.Total)
	assertDec(t, "-105.950595", f.details(acct).VirtualBalance)

	f.mint(bob, "USD", "50")
	res, err := f.x.SwapDebt(f.ctx, f.as(bob), acct, "ETH", d("50"))
	require.NoError(t, err)
	evt := decode[event.DebtSwapped](t, res, event.EventTypeDebtSwapped)
	assertDec(t, "50", evt.Repaid)
	assert.True(t, evt.Refund.IsZero())
	assertDec(t, "-55.950595", f.details(acct).VirtualBalance)
	assert.True(t, f.balance(bob, "ETH").IsPositive())
	assert.True(t, f.balance(bob, "USD").IsZero())

	other := f.account(bob, "", usd("10"))
	_, err = f.x.SwapDebt(f.ctx, f.as(bob), other, "ETH", d("10"))
	require.ErrorIs(t, err, core.ErrNoDebt)
}

// --- Accounts, credentials, admin ---

func TestSetCredentials(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	const bot auth.Credential = "alice-bot"

	_, err := f.x.SetCredentials(f.ctx, f.as(bot), acct, auth.LevelTrade, []auth.Credential{bot}, nil)
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	res, err := f.x.SetCredentials(f.ctx, f.as(alice), acct, auth.LevelTrade, []auth.Credential{bot}, nil)
	require.NoError(t, err)
	upd := decode[event.CredentialsUpdated](t, res, event.EventTypeCredentialsUpdated)
	assert.Equal(t, uint64(2), upd.Version)
	assert.Equal(t, uint64(2), f.details(acct).RuleVersion)

	f.request(bot, acct, "0.01")
	_, err = f.x.RemoveCollateralRequest(f.ctx, f.as(bot), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    string(bot),
		Claims:    []custody.Bucket{usd("1")},
	})
	require.ErrorIs(t, err, auth.ErrUnauthorized)

	_, err = f.x.SetCredentials(f.ctx, f.as(alice), acct, auth.LevelRecovery, nil, []auth.Credential{alice})
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestAdmin_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	_, err := f.x.UpdatePairConfigs(f.ctx, f.as(alice), []config.PairConfig{testSnapshot().Pairs[btc]})
	require.ErrorIs(t, err, core.ErrNotAdmin)
	_, err = f.x.CollectFees(f.ctx, f.as(alice), "p", "t")
	require.ErrorIs(t, err, core.ErrNotAdmin)
	_, err = f.x.CreateReferral(f.ctx, f.as(alice), core.ReferralParams{Beneficiary: "x"})
	require.ErrorIs(t, err, core.ErrNotAdmin)
}

func TestAdmin_InvalidConfigRejected(t *testing.T) {
	f := newFixture(t)
	p := testSnapshot().Pairs[btc]
	p.MarginMaintenance = d("0.5")
	_, err := f.x.UpdatePairConfigs(f.ctx, f.as(admin), []config.PairConfig{p})
	require.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestAdmin_RemoveCollateralConfig(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", ether("1"))

	_, err := f.x.RemoveCollateralConfig(f.ctx, f.as(admin), "ETH")
	require.ErrorIs(t, err, core.ErrConfigInUse)

	res, err := f.x.RemoveCollateralRequest(f.ctx, f.as(alice), core.WithdrawRequest{
		AccountID: acct,
		TTL:       60,
		Target:    string(alice),
		Claims:    []custody.Bucket{ether("1")},
	})
	require.NoError(t, err)
	_, err = f.x.ProcessRequest(f.ctx, f.as(keeper), acct, res.Indexes[0])
	require.NoError(t, err)

	_, err = f.x.RemoveCollateralConfig(f.ctx, f.as(admin), "ETH")
	require.NoError(t, err)
	_, err = f.x.AddCollateral(f.ctx, f.as(alice), acct, []custody.Bucket{ether("1")})
	require.ErrorIs(t, err, core.ErrUnknownResource)
}

func TestCollectFees(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.02")

	res, err := f.x.CollectFees(f.ctx, f.as(admin), "protocol", "treasury")
	require.NoError(t, err)
	evt := decode[event.FeesCollected](t, res, event.EventTypeFeesCollected)
	assertDec(t, "0.060072", evt.Protocol)
	assertDec(t, "0.060072", f.balance("protocol", "USD"))
	assertDec(t, "0.060072", f.balance("treasury", "USD"))
	assert.True(t, f.pool().Fees.Protocol.IsZero())
}

func TestProtocolBurn(t *testing.T) {
	f := newFixture(t, func(s *config.Snapshot) { s.Exchange.ProtocolBurnAmount = d("0.05") })
	acct := f.account(alice, "", usd("1000"))

	res, err := f.trade(alice, acct, "0.02")
	require.NoError(t, err)
	burn := decode[event.ProtocolBurn](t, res, event.EventTypeProtocolBurn)
	assertDec(t, "0.05", burn.Amount)
	assertDec(t, "0.010072", f.pool().Fees.Protocol)
}

// --- Call semantics ---

func TestIdempotencyKeyRejectsReplay(t *testing.T) {
	f := newFixture(t)
	call := core.Call{Caller: alice, IdempotencyKey: "open-1"}

	_, err := f.x.CreateAccount(f.ctx, call, "", "")
	require.NoError(t, err)

	_, err = f.x.CreateAccount(f.ctx, call, "", "")
	require.ErrorIs(t, err, core.ErrDuplicateCall)
	assert.Equal(t, errs.KindConflict, errs.KindOf(err))

	// a fresh engine over the same store still sees the key
	fresh := core.NewExchange(f.store, f.prices, f.cust, f.x.Options(), zerolog.Nop(), nil)
	_, err = fresh.CreateAccount(f.ctx, call, "", "")
	require.ErrorIs(t, err, core.ErrDuplicateCall)
}

func TestRejectedCallWritesNothing(t *testing.T) {
	f := newFixture(t)
	before, err := f.store.Events(f.ctx, 0, 1000)
	require.NoError(t, err)

	_, err = f.x.CreateAccount(f.ctx, f.as(alice), "", "missing-referral")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	after, err := f.store.Events(f.ctx, 0, 1000)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestEventLogHashChain(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", usd("1000"))
	f.mustTrade(alice, acct, "0.02")
	f.mustTrade(alice, acct, "-0.01")

	records, err := f.store.Events(f.ctx, 0, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.Sequence)
	}
	require.NoError(t, core.VerifyChain([32]byte{}, records))

	records[len(records)/2].Payload = json.RawMessage(`{}`)
	require.ErrorIs(t, core.VerifyChain([32]byte{}, records), core.ErrChainBroken)
}

func TestPublisherReceivesCommittedRecords(t *testing.T) {
	f := newFixture(t)
	ch := make(chan event.Record, 16)
	f.x.SetPublisher(ch)

	res, err := f.x.CreateAccount(f.ctx, f.as(alice), "", "")
	require.NoError(t, err)
	require.Len(t, ch, len(res.Events))
	rec := <-ch
	assert.Equal(t, event.EventTypeAccountCreated, rec.EventType)
	assert.Equal(t, res.ID, rec.AccountID)
}

func TestNotConfigured(t *testing.T) {
	x := core.NewExchange(persistence.NewMemoryStore(), oracle.NewMemorySource(nil),
		custody.NewMemoryCustody("operator", nil), core.Options{BaseResource: "USD"}, zerolog.Nop(), nil)
	_, err := x.CreateAccount(context.Background(), core.Call{Caller: alice}, "", "")
	require.ErrorIs(t, err, core.ErrNotConfigured)
}

func TestAdmin_UpdateCollateralConfigs(t *testing.T) {
	f := newFixture(t)
	acct := f.account(alice, "", ether("1"))

	det := f.details(acct)
	require.Len(t, det.Collaterals, 1)
	assertDec(t, "1800", det.Collaterals[0].Value)

	cc := testSnapshot().Collaterals["ETH"]
	cc.Discount = d("0.5")
	res, err := f.x.UpdateCollateralConfigs(f.ctx, f.as(admin), []config.CollateralConfig{cc})
	require.NoError(t, err)
	evt := decode[event.ConfigUpdated](t, res, event.EventTypeConfigUpdated)
	assert.Equal(t, "collateral", evt.Scope)
	assert.Equal(t, "ETH", evt.Key)

	det = f.details(acct)
	assertDec(t, "1000", det.Collaterals[0].Value)

	_, err = f.x.UpdateCollateralConfigs(f.ctx, f.as(admin), []config.CollateralConfig{{
		Resource: "USD", PairID: eth, Discount: d("1"), Margin: d("0"),
	}})
	require.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestWarmIdempotency(t *testing.T) {
	f := newFixture(t)
	fresh := core.NewExchange(persistence.NewMemoryStore(), f.prices, f.cust, f.x.Options(), zerolog.Nop(), nil)
	_, err := fresh.Bootstrap(f.ctx, testSnapshot())
	require.NoError(t, err)

	fresh.WarmIdempotency([]string{"create_account:open-7"})

	_, err = fresh.CreateAccount(f.ctx, core.Call{Caller: alice, IdempotencyKey: "open-7"}, "", "")
	require.ErrorIs(t, err, core.ErrDuplicateCall)
	_, err = fresh.CreateAccount(f.ctx, core.Call{Caller: alice, IdempotencyKey: "open-8"}, "", "")
	require.NoError(t, err)
}
