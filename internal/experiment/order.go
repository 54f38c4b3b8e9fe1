// Package experiment implements the sequencing core of the study: counterbalanced
// order assignment, the step state machine, and the response recorder.
package experiment

import (
	crand "crypto/rand"
	"fmt"
	"io"
	"math/big"
	"math/rand/v2"
	"sync"

	"github.com/BTreeMap/GiftExplain/internal/models"
)

// RandomSource yields uniform integers in [0, n).
type RandomSource interface {
	IntN(n int) (int, error)
}

// MathSource draws from math/rand/v2. The zero value uses the global generator.
type MathSource struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSeededSource returns a deterministic source, for tests and simulations.
func NewSeededSource(seed1, seed2 uint64) *MathSource {
	return &MathSource{rng: rand.New(rand.NewPCG(seed1, seed2))}
}

// IntN implements RandomSource.
func (s *MathSource) IntN(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid range %d", n)
	}
	if s.rng == nil {
		return rand.IntN(n), nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.IntN(n), nil
}

// CryptoSource draws from crypto/rand, or from Reader when set.
type CryptoSource struct {
	Reader io.Reader
}

// IntN implements RandomSource.
func (s CryptoSource) IntN(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid range %d", n)
	}
	reader := s.Reader
	if reader == nil {
		reader = crand.Reader
	}
	v, err := crand.Int(reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// latinSquare enumerates every ordering of the three conditions, so that across
// participants each condition appears equally often in each position.
var latinSquare = [6]models.OrderAssignment{
	{Sequence: [3]models.Condition{models.ConditionFeatureFocused, models.ConditionProfileBased, models.ConditionContextBased}, OrderType: models.OrderABC},
	{Sequence: [3]models.Condition{models.ConditionFeatureFocused, models.ConditionContextBased, models.ConditionProfileBased}, OrderType: models.OrderACB},
	{Sequence: [3]models.Condition{models.ConditionProfileBased, models.ConditionFeatureFocused, models.ConditionContextBased}, OrderType: models.OrderBAC},
	{Sequence: [3]models.Condition{models.ConditionProfileBased, models.ConditionContextBased, models.ConditionFeatureFocused}, OrderType: models.OrderBCA},
	{Sequence: [3]models.Condition{models.ConditionContextBased, models.ConditionFeatureFocused, models.ConditionProfileBased}, OrderType: models.OrderCAB},
	{Sequence: [3]models.Condition{models.ConditionContextBased, models.ConditionProfileBased, models.ConditionFeatureFocused}, OrderType: models.OrderCBA},
}

// AssignOrder picks one of the six orders uniformly at random.
func AssignOrder(src RandomSource) (models.OrderAssignment, error) {
	idx, err := src.IntN(len(latinSquare))
	if err != nil {
		return models.OrderAssignment{}, fmt.Errorf("%w: %v", ErrRandomUnavailable, err)
	}
	if idx < 0 || idx >= len(latinSquare) {
		return models.OrderAssignment{}, fmt.Errorf("%w: index %d out of range", ErrRandomUnavailable, idx)
	}
	return latinSquare[idx], nil
}
