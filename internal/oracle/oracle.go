// Package oracle resolves pair prices for a single engine call.
package oracle

import (
	"context"
	"fmt"

	"PerpSettle/internal/config"
	"PerpSettle/internal/errs"
	fpmath "PerpSettle/internal/math"
)

var (
	ErrPriceUnavailable = errs.New(errs.KindMarket, "price_unavailable")
	ErrPriceTooOld      = errs.New(errs.KindMarket, "price_too_old")
	ErrInvalidUpdate    = errs.New(errs.KindInvalidInput, "invalid_price_update")
)

// Price is an observed pair price
type Price struct {
	Pair       config.PairID  `json:"pair"`
	Value      fpmath.Decimal `json:"price"`
	ObservedAt int64          `json:"observed_at"` // unix seconds
}

// PriceSource is the external price feed collaborator.
type PriceSource interface {
	Resolve(ctx context.Context, pair config.PairID) (Price, error)
}

// Updater accepts caller-supplied signed price payloads. Signature checks belong
// to the implementation's Verifier.
type Updater interface {
	ApplyUpdate(ctx context.Context, payload []byte) error
}

// Stager splits ApplyUpdate in two so a caller can price a unit of work with
// an update and only publish it once the work commits.
type Stager interface {
	// StageUpdate verifies payload and returns its prices without storing them.
	StageUpdate(payload []byte) ([]Price, error)
	// Publish stores verified prices. Older observations are ignored.
	Publish(ctx context.Context, prices []Price) error
}

// Overlay resolves staged prices ahead of the source, keeping whichever
// observation is newer.
type Overlay struct {
	source PriceSource
	staged map[config.PairID]Price
}

func NewOverlay(source PriceSource, staged []Price) *Overlay {
	o := &Overlay{source: source, staged: make(map[config.PairID]Price, len(staged))}
	for _, p := range staged {
		if cur, ok := o.staged[p.Pair]; ok && p.ObservedAt < cur.ObservedAt {
			continue
		}
		o.staged[p.Pair] = p
	}
	return o
}

func (o *Overlay) Resolve(ctx context.Context, pair config.PairID) (Price, error) {
	staged, ok := o.staged[pair]
	base, err := o.source.Resolve(ctx, pair)
	if !ok {
		return base, err
	}
	if err == nil && base.ObservedAt > staged.ObservedAt {
		return base, nil
	}
	return staged, nil
}

// View resolves and caches prices for one call, enforcing staleness against now.
type View struct {
	ctx       context.Context
	source    PriceSource
	cfg       *config.View
	now       int64
	unbounded bool
	cache     map[config.PairID]Price
}

// NewView returns a view that rejects prices older than
// now - max(pair.price_age_max, exchange.price_age_max).
func NewView(ctx context.Context, source PriceSource, cfg *config.View, now int64) *View {
	return &View{
		ctx:    ctx,
		source: source,
		cfg:    cfg,
		now:    now,
		cache:  make(map[config.PairID]Price),
	}
}

// NewUnboundedView returns a view with no staleness bound. Quoting only.
func NewUnboundedView(ctx context.Context, source PriceSource, cfg *config.View, now int64) *View {
	v := NewView(ctx, source, cfg, now)
	v.unbounded = true
	return v
}

func (v *View) maxAge(pair config.PairID) int64 {
	age := v.cfg.Exchange().PriceAgeMax
	if p, err := v.cfg.Pair(pair); err == nil && p.PriceAgeMax > age {
		age = p.PriceAgeMax
	}
	return age
}

// Price returns the current price of a pair.
func (v *View) Price(pair config.PairID) (fpmath.Decimal, error) {
	if p, ok := v.cache[pair]; ok {
		return p.Value, nil
	}

	p, err := v.source.Resolve(v.ctx, pair)
	if err != nil {
		return fpmath.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, pair, err)
	}
	if !p.Value.IsPositive() {
		return fpmath.Zero, fmt.Errorf("%w: %s has non-positive price %s", ErrPriceUnavailable, pair, p.Value)
	}
	if !v.unbounded && p.ObservedAt < v.now-v.maxAge(pair) {
		return fpmath.Zero, fmt.Errorf("%w: %s observed at %d, now %d", ErrPriceTooOld, pair, p.ObservedAt, v.now)
	}

	v.cache[pair] = p
	return p.Value, nil
}

// CollateralPrice returns the price of a collateral resource via its linked pair.
func (v *View) CollateralPrice(resource string) (fpmath.Decimal, error) {
	c, err := v.cfg.Collateral(resource)
	if err != nil {
		return fpmath.Zero, err
	}
	return v.Price(c.PairID)
}

// Used returns every price resolved so far, for event reporting.
func (v *View) Used() map[config.PairID]fpmath.Decimal {
	out := make(map[config.PairID]fpmath.Decimal, len(v.cache))
	for k, p := range v.cache {
		out[k] = p.Value
	}
	return out
}
