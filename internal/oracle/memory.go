package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"PerpSettle/internal/config"
)

// Update is the decoded form of a signed price payload.
type Update struct {
	Prices    []Price `json:"prices"`
	Signature []byte  `json:"signature"`
}

// Verifier checks the signature of a price update. Verification itself lives
// with the oracle operator.
type Verifier interface {
	Verify(prices []Price, signature []byte) error
}

// TrustedVerifier accepts every payload. Only for feeds on a trusted channel.
type TrustedVerifier struct{}

func (TrustedVerifier) Verify([]Price, []byte) error { return nil }

// DecodeUpdate parses and verifies a price payload.
func DecodeUpdate(payload []byte, verifier Verifier) (*Update, error) {
	var u Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if len(u.Prices) == 0 {
		return nil, fmt.Errorf("%w: no prices", ErrInvalidUpdate)
	}
	if err := verifier.Verify(u.Prices, u.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	return &u, nil
}

// MemorySource is an in-process price table. Older observations never replace newer ones.
type MemorySource struct {
	mu       sync.RWMutex
	prices   map[config.PairID]Price
	verifier Verifier
}

func NewMemorySource(verifier Verifier) *MemorySource {
	if verifier == nil {
		verifier = TrustedVerifier{}
	}
	return &MemorySource{
		prices:   make(map[config.PairID]Price),
		verifier: verifier,
	}
}

// Set records a price if it is not older than the stored one.
func (s *MemorySource) Set(p Price) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.prices[p.Pair]; ok && p.ObservedAt < cur.ObservedAt {
		return
	}
	s.prices[p.Pair] = p
}

func (s *MemorySource) Resolve(_ context.Context, pair config.PairID) (Price, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.prices[pair]
	if !ok {
		return Price{}, fmt.Errorf("no price for %s", pair)
	}
	return p, nil
}

func (s *MemorySource) ApplyUpdate(ctx context.Context, payload []byte) error {
	prices, err := s.StageUpdate(payload)
	if err != nil {
		return err
	}
	return s.Publish(ctx, prices)
}

func (s *MemorySource) StageUpdate(payload []byte) ([]Price, error) {
	u, err := DecodeUpdate(payload, s.verifier)
	if err != nil {
		return nil, err
	}
	return u.Prices, nil
}

func (s *MemorySource) Publish(_ context.Context, prices []Price) error {
	for _, p := range prices {
		s.Set(p)
	}
	return nil
}
