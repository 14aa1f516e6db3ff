package migration

import (
	"sort"

	"dispersal/pkg/types"
)

// Plan is an ordered, resumable sequence of fragment moves realizing a new
// placement. MaxParallel caps in-flight moves so that at least ceil(k/2) of
// the dataset's k fragments stay retrievable at every intermediate step.
type Plan struct {
	DatasetID   types.DatasetID
	FromVersion uint64
	ToVersion   uint64
	Moves       []types.Move
	MaxParallel int
}

// NewPlan diffs the old placement against the new one and emits one move per
// fragment whose jurisdiction changes, ordered by fragment id for
// determinism. Fragments supply the content references the transport
// collaborator needs.
func NewPlan(old, next *types.Placement, fragments map[types.FragmentID]*types.Fragment) *Plan {
	ids := make([]types.FragmentID, 0, len(next.Assignments))
	for fid := range next.Assignments {
		ids = append(ids, fid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	moves := make([]types.Move, 0, len(ids))
	for _, fid := range ids {
		from := types.Unplaced
		if old != nil {
			from = old.Assignments[fid]
		}
		to := next.Assignments[fid]
		if from == to {
			continue
		}

		var ref types.ContentRef
		if frag, ok := fragments[fid]; ok {
			ref = frag.ContentRef
		}
		moves = append(moves, types.Move{
			FragmentID: fid,
			ContentRef: ref,
			From:       from,
			To:         to,
		})
	}

	var fromVersion uint64
	if old != nil {
		fromVersion = old.Version
	}

	return &Plan{
		DatasetID:   next.DatasetID,
		FromVersion: fromVersion,
		ToVersion:   next.Version,
		Moves:       moves,
		MaxParallel: maxParallelFor(len(next.Assignments)),
	}
}

// maxParallelFor bounds concurrent moves to floor(k/2), never below 1. With
// at most floor(k/2) fragments in flight, ceil(k/2) remain untouched at
// their current jurisdictions. The k=1 floor of 1 is safe because a move is
// two-phase: the only copy is deleted strictly after the new copy is
// acknowledged, so even the single in-flight fragment stays retrievable.
func maxParallelFor(k int) int {
	if k <= 1 {
		return 1
	}
	return k / 2
}
