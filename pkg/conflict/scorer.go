package conflict

import (
	"sync"

	"dispersal/pkg/catalog"
	"dispersal/pkg/types"
)

// Weights holds the deterministic coefficients combined into a conflict
// score. They are configuration, not constants: operators tune how much each
// form of legal friction counts.
type Weights struct {
	PrivacyGap          float64 `json:"privacy_gap" validate:"gte=0"`
	NoSharedTreaty      float64 `json:"no_shared_treaty" validate:"gte=0"`
	SovereigntyMismatch float64 `json:"sovereignty_mismatch" validate:"gte=0"`
	MLATDivergence      float64 `json:"mlat_divergence" validate:"gte=0"`
}

// DefaultWeights favor treaty isolation first, then divergent privacy and
// MLAT regimes.
func DefaultWeights() Weights {
	return Weights{
		PrivacyGap:          1.0,
		NoSharedTreaty:      5.0,
		SovereigntyMismatch: 3.0,
		MLATDivergence:      0.05,
	}
}

// Scorer computes pairwise legal-conflict scores from catalog attributes.
// Score is a pure function of the two records; results are cached per
// unordered pair and dropped when the catalog version moves.
type Scorer struct {
	catalog *catalog.Catalog
	weights Weights

	mu           sync.Mutex
	cache        map[pairKey]float64
	cacheVersion uint64
}

type pairKey struct {
	lo, hi types.JurisdictionID
}

func newPairKey(a, b types.JurisdictionID) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{lo: a, hi: b}
}

func NewScorer(cat *catalog.Catalog, weights Weights) *Scorer {
	return &Scorer{
		catalog: cat,
		weights: weights,
		cache:   make(map[pairKey]float64),
	}
}

// Score returns the conflict score for the pair (a, b). Symmetric:
// Score(a,b) == Score(b,a). Fails only if either id is absent from the
// catalog.
func (s *Scorer) Score(a, b types.JurisdictionID) (float64, error) {
	version := s.catalog.Version()
	key := newPairKey(a, b)

	s.mu.Lock()
	if s.cacheVersion != version {
		s.cache = make(map[pairKey]float64)
		s.cacheVersion = version
	}
	if score, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return score, nil
	}
	s.mu.Unlock()

	recA, err := s.catalog.Get(a)
	if err != nil {
		return 0, err
	}
	recB, err := s.catalog.Get(b)
	if err != nil {
		return 0, err
	}

	score := ScoreRecords(recA, recB, s.weights)

	s.mu.Lock()
	if s.cacheVersion == version {
		s.cache[key] = score
	}
	s.mu.Unlock()

	return score, nil
}

// PairwiseSum returns the sum of conflict scores over all unordered pairs of
// the given jurisdictions. A single jurisdiction has no pairs and sums to 0.
func (s *Scorer) PairwiseSum(ids []types.JurisdictionID) (float64, error) {
	total := 0.0
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			score, err := s.Score(ids[i], ids[j])
			if err != nil {
				return 0, err
			}
			total += score
		}
	}
	return total, nil
}

// ScoreRecords computes the conflict score for two records directly. No
// state, no I/O.
func ScoreRecords(a, b *types.JurisdictionRecord, w Weights) float64 {
	score := 0.0

	// Divergent privacy regimes raise the bar for any single legal theory
	// covering both locations.
	score += w.PrivacyGap * absInt(a.PrivacyScore-b.PrivacyScore)

	// A shared treaty gives requesters a ready-made channel; its absence is
	// what we pay for.
	if !a.SharesTreaty(b) {
		score += w.NoSharedTreaty
	}

	// Conflicting mandatory-retention rules increase friction.
	if a.SovereigntyRequired != b.SovereigntyRequired {
		score += w.SovereigntyMismatch
	}

	score += w.MLATDivergence * absInt(a.MLATDelayDays-b.MLATDelayDays)

	return score
}

func absInt(v int) float64 {
	if v < 0 {
		v = -v
	}
	return float64(v)
}
