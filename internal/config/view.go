package config

import (
	"fmt"
	"sort"
)

// Snapshot is the full stored configuration. The engine never mutates a loaded
// snapshot; admin operations build a new one and save it.
type Snapshot struct {
	Exchange    ExchangeConfig              `json:"exchange"`
	Pairs       map[PairID]PairConfig       `json:"pairs"`
	Collaterals map[string]CollateralConfig `json:"collaterals"`
}

func NewSnapshot(exchange ExchangeConfig) *Snapshot {
	return &Snapshot{
		Exchange:    exchange,
		Pairs:       make(map[PairID]PairConfig),
		Collaterals: make(map[string]CollateralConfig),
	}
}

// Clone returns a copy that can be modified without touching s.
func (s *Snapshot) Clone() *Snapshot {
	out := NewSnapshot(s.Exchange)
	for k, v := range s.Pairs {
		out.Pairs[k] = v
	}
	for k, v := range s.Collaterals {
		out.Collaterals[k] = v
	}
	return out
}

// Validate checks every section and that each collateral's price pair is known.
func (s *Snapshot) Validate() error {
	if err := s.Exchange.Validate(); err != nil {
		return err
	}
	for id, p := range s.Pairs {
		if id != p.PairID {
			return fmt.Errorf("%w: pair key %s does not match pair_id %s", ErrInvalidConfig, id, p.PairID)
		}
		if err := p.Validate(); err != nil {
			return err
		}
	}
	for res, c := range s.Collaterals {
		if res != c.Resource {
			return fmt.Errorf("%w: collateral key %s does not match resource %s", ErrInvalidConfig, res, c.Resource)
		}
		if err := c.Validate(); err != nil {
			return err
		}
		if _, ok := s.Pairs[c.PairID]; !ok {
			return fmt.Errorf("%w: collateral %s priced by unknown pair %s", ErrInvalidConfig, res, c.PairID)
		}
	}
	return nil
}

// View is the read-only, per-call configuration handle.
type View struct {
	snap *Snapshot
}

func NewView(snap *Snapshot) *View {
	return &View{snap: snap}
}

func (v *View) Exchange() *ExchangeConfig {
	return &v.snap.Exchange
}

// Pair resolves a pair's parameters; a missing pair is a hard error.
func (v *View) Pair(id PairID) (*PairConfig, error) {
	p, ok := v.snap.Pairs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPairNotFound, id)
	}
	return &p, nil
}

// Collateral resolves a collateral resource's parameters.
func (v *View) Collateral(resource string) (*CollateralConfig, error) {
	c, ok := v.snap.Collaterals[resource]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCollateralInvalid, resource)
	}
	return &c, nil
}

// PairIDs returns the configured pairs in sorted order.
func (v *View) PairIDs() []PairID {
	ids := make([]PairID, 0, len(v.snap.Pairs))
	for id := range v.snap.Pairs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
