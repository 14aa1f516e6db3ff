package placement

import (
	"fmt"
	"sort"

	"dispersal/pkg/catalog"
	"dispersal/pkg/conflict"
	"dispersal/pkg/errs"
	"dispersal/pkg/types"
)

// Policy controls placement constraints for a dataset.
type Policy struct {
	// NoCoLocation forbids two fragments of the same dataset sharing a
	// jurisdiction. With it set, selection fails rather than degrade.
	NoCoLocation bool
}

// Request describes one placement computation. Sensitivity and ThreatLevel
// are carried so that callers can derive fragment counts and thresholds from
// them; the dispersion heuristic itself is fully determined by the catalog,
// the fragment set and the exclusions, which keeps selection reproducible.
type Request struct {
	DatasetID   types.DatasetID
	Sensitivity int
	ThreatLevel int
	Fragments   []types.FragmentID
	Exclude     map[types.JurisdictionID]bool
	Version     uint64 // version tag for the resulting placement
}

// Optimizer selects jurisdiction sets that maximize mutual legal conflict.
// Pure selection: it never persists the placement it returns.
type Optimizer struct {
	catalog *catalog.Catalog
	scorer  *conflict.Scorer
	policy  Policy
}

func NewOptimizer(cat *catalog.Catalog, scorer *conflict.Scorer, policy Policy) *Optimizer {
	return &Optimizer{catalog: cat, scorer: scorer, policy: policy}
}

// Select computes a placement for the request. Jurisdictions are chosen by a
// greedy max-min dispersion walk: seed with the most isolated candidate, then
// repeatedly add the candidate whose minimum pairwise conflict against the
// chosen set is largest. Top-K by individual score would cluster jurisdictions
// that are mutually compatible; max-min avoids that. Ties prefer the longer
// MLAT delay, then the lexically smaller identifier, so identical inputs
// always produce identical placements.
func (o *Optimizer) Select(req Request) (*types.Placement, error) {
	if len(req.Fragments) == 0 {
		return nil, fmt.Errorf("placement request for %s has no fragments", req.DatasetID)
	}
	if o.catalog.Len() < catalog.MinEntries {
		return nil, errs.InsufficientJurisdictions(req.DatasetID,
			fmt.Sprintf("catalog has %d entries, need at least %d", o.catalog.Len(), catalog.MinEntries))
	}

	candidates := o.catalog.Snapshot(func(rec *types.JurisdictionRecord) bool {
		return !req.Exclude[rec.ID]
	})

	want := len(req.Fragments)
	if want > len(candidates) {
		if o.policy.NoCoLocation {
			return nil, errs.InsufficientJurisdictions(req.DatasetID,
				fmt.Sprintf("need %d distinct jurisdictions, %d candidates after exclusions", want, len(candidates)))
		}
		want = len(candidates)
	}
	if want == 0 {
		return nil, errs.InsufficientJurisdictions(req.DatasetID, "no candidates after exclusions")
	}

	chosen, err := o.maxMinSelect(candidates, want)
	if err != nil {
		return nil, err
	}

	aggregate, err := o.scorer.PairwiseSum(chosen)
	if err != nil {
		return nil, err
	}

	// Round-robin assignment in fragment_id order for reproducibility.
	fragments := make([]types.FragmentID, len(req.Fragments))
	copy(fragments, req.Fragments)
	sort.Slice(fragments, func(i, j int) bool { return fragments[i] < fragments[j] })

	assignments := make(map[types.FragmentID]types.JurisdictionID, len(fragments))
	for i, fid := range fragments {
		assignments[fid] = chosen[i%len(chosen)]
	}

	p := &types.Placement{
		DatasetID:         req.DatasetID,
		Version:           req.Version,
		Assignments:       assignments,
		Jurisdictions:     chosen,
		AggregateConflict: aggregate,
	}

	if err := Validate(p, o.policy); err != nil {
		return nil, err
	}
	return p, nil
}

// maxMinSelect runs the greedy dispersion walk over the candidate records.
func (o *Optimizer) maxMinSelect(candidates []*types.JurisdictionRecord, count int) ([]types.JurisdictionID, error) {
	remaining := make([]*types.JurisdictionRecord, len(candidates))
	copy(remaining, candidates)

	// Seed: highest isolation rank wins.
	seedIdx := 0
	for i := 1; i < len(remaining); i++ {
		if isolationLess(remaining[seedIdx], remaining[i]) {
			seedIdx = i
		}
	}

	chosen := []types.JurisdictionID{remaining[seedIdx].ID}
	remaining = append(remaining[:seedIdx], remaining[seedIdx+1:]...)

	for len(chosen) < count {
		bestIdx := -1
		bestMin := -1.0

		for i, cand := range remaining {
			minScore, err := o.minConflictAgainst(cand.ID, chosen)
			if err != nil {
				return nil, err
			}
			switch {
			case bestIdx < 0 || minScore > bestMin:
				bestIdx, bestMin = i, minScore
			case minScore == bestMin && tieBreakLess(remaining[bestIdx], cand):
				bestIdx = i
			}
		}

		chosen = append(chosen, remaining[bestIdx].ID)
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}

	return chosen, nil
}

func (o *Optimizer) minConflictAgainst(cand types.JurisdictionID, chosen []types.JurisdictionID) (float64, error) {
	min := -1.0
	for _, id := range chosen {
		score, err := o.scorer.Score(cand, id)
		if err != nil {
			return 0, err
		}
		if min < 0 || score < min {
			min = score
		}
	}
	return min, nil
}

// isolationLess orders seed candidates: a < b when b should win the seat.
func isolationLess(a, b *types.JurisdictionRecord) bool {
	if a.IsolationRank() != b.IsolationRank() {
		return a.IsolationRank() < b.IsolationRank()
	}
	return tieBreakLess(a, b)
}

// tieBreakLess reports whether b beats the incumbent a on the deterministic
// tie-break chain: longer MLAT delay first, then lexically smaller id.
func tieBreakLess(a, b *types.JurisdictionRecord) bool {
	if a.MLATDelayDays != b.MLATDelayDays {
		return a.MLATDelayDays < b.MLATDelayDays
	}
	return b.ID < a.ID
}

// Validate checks the placement invariants: every fragment assigned exactly
// once, and no jurisdiction reuse under a no-co-location policy. A violation
// is a programming error surfaced as InvalidPlacement.
func Validate(p *types.Placement, policy Policy) error {
	if len(p.Assignments) == 0 {
		return errs.InvalidPlacement(p.DatasetID, "placement assigns no fragments")
	}

	seen := make(map[types.JurisdictionID]types.FragmentID, len(p.Assignments))
	for fid, jur := range p.Assignments {
		if jur == types.Unplaced {
			e := errs.InvalidPlacement(p.DatasetID, "fragment assigned to no jurisdiction")
			e.FragmentID = fid
			return e
		}
		if prev, dup := seen[jur]; dup && policy.NoCoLocation {
			e := errs.InvalidPlacement(p.DatasetID,
				fmt.Sprintf("jurisdiction %s holds fragments %s and %s under no-co-location", jur, prev, fid))
			e.Jurisdiction = jur
			return e
		}
		seen[jur] = fid
	}
	return nil
}
