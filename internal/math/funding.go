// internal/math/funding.go
package math

// SecondsPerYear converts elapsed seconds into the yearly period used by funding rates.
const SecondsPerYear = 31_536_000

// Period returns elapsed seconds as a fraction of a year.
func Period(seconds int64) Decimal {
	return New(seconds).Div(New(SecondsPerYear))
}

// Funding2Step advances the bounded integral funding term by one tick.
// When the current rate sits outside [-oiShortValue, oiLongValue] it first decays toward
// the violated bound by excess*min(decay*period, 1), then the skew delta is applied, so a
// saturated rate only moves back inside in the de-saturating direction.
func Funding2Step(rate, skew, oiLongValue, oiShortValue, delta, decay, period Decimal) Decimal {
	upper := oiLongValue
	lower := oiShortValue.Neg()
	decayFactor := Min(decay.Mul(period), One)

	if rate.GreaterThan(upper) {
		rate = rate.Sub(rate.Sub(upper).Mul(decayFactor))
	} else if rate.LessThan(lower) {
		rate = rate.Add(lower.Sub(rate).Mul(decayFactor))
	}

	return rate.Add(skew.Mul(delta).Mul(period))
}

// FundingTick is the per-unit index movement and pool income produced by one tick.
type FundingTick struct {
	LongIndexDelta  Decimal
	ShortIndexDelta Decimal
	FundingShare    Decimal // skimmed from the paying side
	FundingPool     Decimal // charged uniformly to both sides
	RateLong        Decimal // yearly directional rate paid by longs (negative: received)
}

// FundingTickParams groups the inputs of ComputeFundingTick
type FundingTickParams struct {
	OILong, OIShort Decimal
	Price           Decimal
	Funding1        Decimal
	Funding2        Decimal
	Funding2Rate    Decimal // unclamped state value
	FundingPool0    Decimal
	FundingPool1    Decimal
	FundingShare    Decimal
	Period          Decimal
}

// ComputeFundingTick splits directional funding between the paying and receiving side
// and adds the pool funding term to both indices. Positive index deltas are owed by the
// holders of that side. If either side has no open interest nothing accrues.
func ComputeFundingTick(p FundingTickParams) FundingTick {
	if p.OILong.IsZero() || p.OIShort.IsZero() || p.Period.IsZero() {
		return FundingTick{}
	}

	skew := p.OILong.Sub(p.OIShort).Mul(p.Price)
	funding2Rate := Clamp(p.Funding2Rate, p.OIShort.Mul(p.Price).Neg(), p.OILong.Mul(p.Price))
	rate := skew.Mul(p.Funding1).Add(funding2Rate.Mul(p.Funding2))

	var tick FundingTick
	tick.RateLong = rate

	if rate.IsPositive() {
		paid := rate.Mul(p.Period)
		tick.FundingShare = paid.Mul(p.FundingShare)
		tick.LongIndexDelta = paid.Div(p.OILong)
		tick.ShortIndexDelta = paid.Sub(tick.FundingShare).Div(p.OIShort).Neg()
	} else {
		paid := rate.Neg().Mul(p.Period)
		tick.FundingShare = paid.Mul(p.FundingShare)
		tick.LongIndexDelta = paid.Sub(tick.FundingShare).Div(p.OILong).Neg()
		tick.ShortIndexDelta = paid.Div(p.OIShort)
	}

	oiTotal := p.OILong.Add(p.OIShort)
	poolRate := oiTotal.Mul(p.Price).Mul(p.FundingPool0).Add(skew.Abs().Mul(p.FundingPool1))
	tick.FundingPool = poolRate.Mul(p.Period)
	poolIndex := tick.FundingPool.Div(oiTotal)

	tick.LongIndexDelta = tick.LongIndexDelta.Add(poolIndex)
	tick.ShortIndexDelta = tick.ShortIndexDelta.Add(poolIndex)

	return tick
}

// TradeFee computes the fee for a trade of signed value against the pre-trade skew:
// clamp((fee0*|value| + fee1*value*(2*skew+value)) * rebate, 0, feeMax*|value|).
func TradeFee(value, skew, fee0, fee1, rebate, feeMax Decimal) Decimal {
	valueAbs := value.Abs()
	impact := fee1.Mul(value).Mul(skew.Add(skew).Add(value))
	fee := fee0.Mul(valueAbs).Add(impact).Mul(rebate)
	return Clamp(fee, Zero, feeMax.Mul(valueAbs))
}

// ADLThreshold is the minimum pnl percent a position must exceed to be auto-deleveraged
// at the given pool skew ratio: -u^3 - b*u with u = (skewRatio - offset) / a.
func ADLThreshold(skewRatio, offset, a, b Decimal) Decimal {
	u := skewRatio.Div(a).Sub(offset.Div(a))
	return u.Mul(u).Mul(u).Neg().Sub(b.Mul(u))
}
