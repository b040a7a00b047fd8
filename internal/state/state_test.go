package state_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PerpSettle/internal/custody"
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
	"PerpSettle/internal/state"
)

func d(s string) fpmath.Decimal { return fpmath.MustParse(s) }

func order(amount string) state.Request {
	return state.Request{
		Kind:        state.RequestKindMarginOrder,
		MarginOrder: &state.MarginOrder{Pair: "BTC/USD", Amount: d(amount)},
	}
}

// --- Pool ---

func TestPool_ValueAndSkewRatio(t *testing.T) {
	p := state.NewPool()
	require.NoError(t, p.Deposit(d("1000")))
	p.AddVirtualBalance(d("-100"))
	p.AddUnrealizedPoolFunding(d("50"))
	p.AddPnlSnap(d("50"))
	p.AddSkewAbsSnap(d("200"))

	assert.True(t, p.Value().Equal(d("1000")), "value = %s", p.Value())
	assert.True(t, p.SkewRatio().Equal(d("0.2")), "skew ratio = %s", p.SkewRatio())
}

func TestPool_SkewRatioFloorsValueAtOne(t *testing.T) {
	p := state.NewPool()
	p.AddSkewAbsSnap(d("-3"))
	assert.True(t, p.SkewRatio().Equal(d("3")))
}

func TestPool_WithdrawRoundsAndChecksBalance(t *testing.T) {
	p := state.NewPool()
	require.NoError(t, p.Deposit(d("10")))

	out, err := p.Withdraw(d("1.23456789"), 4, fpmath.RoundDown)
	require.NoError(t, err)
	assert.True(t, out.Equal(d("1.2345")))
	assert.True(t, p.BaseBalance.Equal(d("8.7655")))

	_, err = p.Withdraw(d("9"), 4, fpmath.RoundDown)
	require.ErrorIs(t, err, state.ErrInsufficientTokens)
	assert.Equal(t, errs.KindSolvency, errs.KindOf(err))
}

func TestPool_PositionMutCreatesEntry(t *testing.T) {
	p := state.NewPool()
	assert.True(t, p.Position("BTC/USD").OILong.IsZero())
	assert.Empty(t, p.Positions)

	p.PositionMut("BTC/USD").OILong = d("2")
	assert.True(t, p.Position("BTC/USD").OILong.Equal(d("2")))
}

// --- Account ---

func TestAccount_CollateralCapCountsNonBase(t *testing.T) {
	a := state.NewAccount("acc", 0)
	err := a.AddCollateral([]custody.Bucket{
		{Resource: "USD", Amount: d("100")},
		{Resource: "BTC", Amount: d("1")},
	}, "USD", 1)
	require.NoError(t, err)

	err = a.AddCollateral([]custody.Bucket{{Resource: "ETH", Amount: d("1")}}, "USD", 1)
	require.ErrorIs(t, err, state.ErrCollateralsCap)
}

func TestAccount_RemoveCollateral(t *testing.T) {
	a := state.NewAccount("acc", 0)
	require.NoError(t, a.AddCollateral([]custody.Bucket{{Resource: "BTC", Amount: d("1")}}, "USD", 5))

	err := a.RemoveCollateral([]custody.Bucket{{Resource: "BTC", Amount: d("2")}})
	require.ErrorIs(t, err, state.ErrInsufficientCollat)

	require.NoError(t, a.RemoveCollateral([]custody.Bucket{{Resource: "BTC", Amount: d("1")}}))
	assert.Empty(t, a.Collaterals)
}

func TestAccount_PositionsCapAndFlatRemoval(t *testing.T) {
	a := state.NewAccount("acc", 0)
	require.NoError(t, a.UpdatePosition("BTC/USD", state.AccountPosition{Amount: d("1")}, 1))
	require.NoError(t, a.UpdatePosition("BTC/USD", state.AccountPosition{Amount: d("2")}, 1), "updating an existing pair is not a new position")

	err := a.UpdatePosition("ETH/USD", state.AccountPosition{Amount: d("1")}, 1)
	require.ErrorIs(t, err, state.ErrPositionsCap)

	require.NoError(t, a.UpdatePosition("BTC/USD", state.AccountPosition{}, 1))
	assert.Empty(t, a.Positions)
}

func TestAccountPosition_FundingAndCost(t *testing.T) {
	pool := state.PoolPosition{FundingLongIndex: d("3"), FundingShortIndex: d("-1")}
	long := state.AccountPosition{Amount: d("2"), Cost: d("200"), FundingIndex: d("1")}
	short := state.AccountPosition{Amount: d("-2"), Cost: d("-200"), FundingIndex: d("0")}

	assert.True(t, long.PendingFunding(&pool).Equal(d("4")))
	assert.True(t, short.PendingFunding(&pool).Equal(d("-2")), "shorts are owed")

	// value 220 - cost 200 - funding 4
	assert.True(t, long.UnrealizedPnl(d("110"), &pool).Equal(d("16")))
	assert.True(t, long.ProratedCost(d("-0.5")).Equal(d("50")))
	assert.True(t, long.ProratedCost(d("-2")).Equal(d("200")))
}

// --- Keeper requests ---

func TestRequest_LifecycleTransitions(t *testing.T) {
	assert.True(t, state.RequestDormant.CanTransitionTo(state.RequestActive))
	assert.True(t, state.RequestActive.CanTransitionTo(state.RequestExecuted))
	assert.False(t, state.RequestActive.CanTransitionTo(state.RequestDormant))
	assert.False(t, state.RequestExecuted.CanTransitionTo(state.RequestCancelled))
	assert.False(t, state.RequestDormant.CanTransitionTo(state.RequestExecuted))
}

func TestAccount_ProcessRequestTwiceFails(t *testing.T) {
	a := state.NewAccount("acc", 0)
	idx, err := a.PushRequest(order("1"), state.RequestActive, 100, 5, 60, nil, 10)
	require.NoError(t, err)

	_, _, err = a.ProcessRequest(idx, 104)
	require.ErrorIs(t, err, state.ErrBeforeSubmission)

	req, expired, err := a.ProcessRequest(idx, 105)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, state.RequestExecuted, req.Status)
	assert.Empty(t, a.ActiveRequests)

	_, _, err = a.ProcessRequest(idx, 106)
	require.ErrorIs(t, err, state.ErrRequestNotActive)
}

func TestAccount_ProcessExpiredRequest(t *testing.T) {
	a := state.NewAccount("acc", 0)
	idx, err := a.PushRequest(order("1"), state.RequestDormant, 0, 0, 10, nil, 10)
	require.NoError(t, err)

	req, expired, err := a.ProcessRequest(idx, 10)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, state.RequestExpired, req.Status)

	_, _, err = a.ProcessRequest(idx, 11)
	require.ErrorIs(t, err, state.ErrInvalidStatus)
}

func TestAccount_DormantRequestIsNotProcessable(t *testing.T) {
	a := state.NewAccount("acc", 0)
	idx, err := a.PushRequest(order("1"), state.RequestDormant, 0, 0, 10, nil, 10)
	require.NoError(t, err)

	_, _, err = a.ProcessRequest(idx, 1)
	require.ErrorIs(t, err, state.ErrRequestNotActive)
}

func TestAccount_PushRequestRejectsTerminalStatusAndCap(t *testing.T) {
	a := state.NewAccount("acc", 0)
	_, err := a.PushRequest(order("1"), state.RequestExecuted, 0, 0, 10, nil, 10)
	require.ErrorIs(t, err, state.ErrInvalidStatus)

	_, err = a.PushRequest(order("1"), state.RequestActive, 0, 0, 10, nil, 1)
	require.NoError(t, err)
	_, err = a.PushRequest(order("1"), state.RequestActive, 0, 0, 10, nil, 1)
	require.ErrorIs(t, err, state.ErrActiveRequestsCap)
	assert.Equal(t, errs.KindCapacity, errs.KindOf(err))
}

func TestAccount_TrySetStatus(t *testing.T) {
	a := state.NewAccount("acc", 0)
	dormant, _ := a.PushRequest(order("1"), state.RequestDormant, 0, 0, 100, nil, 10)
	active, _ := a.PushRequest(order("1"), state.RequestActive, 0, 0, 100, nil, 10)

	changed, err := a.TrySetStatus([]uint64{dormant, active, 99}, state.RequestActive, 7)
	require.NoError(t, err)
	assert.Equal(t, []uint64{dormant}, changed)
	assert.Equal(t, int64(7), a.Requests[dormant].Submission)
	assert.Equal(t, int64(0), a.Requests[active].Submission)

	changed, err = a.TrySetStatus([]uint64{dormant, active}, state.RequestCancelled, 8)
	require.NoError(t, err)
	assert.Equal(t, []uint64{dormant, active}, changed)
	assert.Empty(t, a.ActiveRequests)

	_, err = a.TrySetStatus([]uint64{dormant}, state.RequestExecuted, 9)
	require.ErrorIs(t, err, state.ErrInvalidStatus)
}

func TestAccount_CancelRequestsAndFence(t *testing.T) {
	a := state.NewAccount("acc", 0)
	first, _ := a.PushRequest(order("1"), state.RequestActive, 0, 0, 100, nil, 10)
	second, _ := a.PushRequest(order("1"), state.RequestActive, 0, 0, 100, nil, 10)

	require.NoError(t, a.CancelRequests([]uint64{first}, 1))
	err := a.CancelRequests([]uint64{first}, 2)
	require.ErrorIs(t, err, state.ErrInvalidStatus)

	a.InvalidateRequests()
	assert.Equal(t, uint64(2), a.ValidRequestsStart)
	assert.Empty(t, a.ActiveRequests)

	_, _, err = a.ProcessRequest(second, 5)
	require.ErrorIs(t, err, state.ErrBeforeValidStart)
	err = a.CancelRequests([]uint64{second}, 5)
	require.ErrorIs(t, err, state.ErrBeforeValidStart)
}

func TestSlippageAndPriceLimits(t *testing.T) {
	assert.True(t, state.PriceLimit{Kind: state.PriceLimitGte, Price: d("100")}.Satisfied(d("100")))
	assert.False(t, state.PriceLimit{Kind: state.PriceLimitLte, Price: d("100")}.Satisfied(d("101")))
	assert.True(t, state.PriceLimit{Kind: state.PriceLimitNone}.Satisfied(d("1")))

	pct := state.SlippageLimit{Kind: state.SlippagePercent, Value: d("0.01")}
	assert.True(t, pct.Satisfied(d("10"), d("-1000")))
	assert.False(t, pct.Satisfied(d("11"), d("1000")))
	abs := state.SlippageLimit{Kind: state.SlippageAbsolute, Value: d("5")}
	assert.False(t, abs.Satisfied(d("6"), d("1000")))
}

// --- Referrals / fees ---

func TestFeeDistributor_BurnWholeLots(t *testing.T) {
	f := &state.FeeDistributor{}
	f.Add(d("25"), d("3"))
	burned := f.Burn(d("10"))
	assert.True(t, burned.Equal(d("20")))
	assert.True(t, f.Protocol.Equal(d("5")))
	assert.True(t, f.Burn(d("10")).IsZero())

	require.ErrorIs(t, f.Take(d("6"), d("0")), state.ErrInsufficientTokens)
	require.NoError(t, f.Take(d("5"), d("3")))
}

func TestReferral_NilDefaults(t *testing.T) {
	var r *state.Referral
	assert.True(t, r.Rebate().Equal(fpmath.One))
	assert.True(t, r.Rate().IsZero())

	r = &state.Referral{FeeRebate: d("0.05"), FeeReferral: d("0.5")}
	assert.True(t, r.Rebate().Equal(d("0.95")))
}
