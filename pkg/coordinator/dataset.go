package coordinator

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispersal/pkg/types"
)

// signal is one queued detector event. Exactly one of threat/access is set.
type signal struct {
	threat *types.ThreatSignal
	access *types.AccessSignal
}

// DatasetState owns everything about one protected dataset: its fragments,
// the active placement, and the threat-response state. Each dataset is an
// independent unit of concurrency; all mutation happens under mu or inside
// the dataset's single processing goroutine.
type DatasetState struct {
	id types.DatasetID

	mu        sync.RWMutex
	base      types.State // StateStable, StateMigrating or StateDegraded
	challenge bool        // challenge emission in progress, reported as CHALLENGE_PENDING

	fragments map[types.FragmentID]*types.Fragment
	placement *types.Placement

	// Sliding window of jurisdiction sets from recent placements. Migration
	// excludes these to prevent trivial hop-back patterns.
	history []map[types.JurisdictionID]bool

	lastMigration time.Time
	degradedCause error

	signals chan signal
	cancel  context.CancelFunc // stops the processing loop
	abort   context.CancelFunc // cancels an in-flight migration, between moves
}

// State reports the externally visible state. A challenge emission overlays
// the base state and is restored once all requests are out.
func (ds *DatasetState) State() types.State {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.stateLocked()
}

func (ds *DatasetState) stateLocked() types.State {
	if ds.challenge && ds.base != types.StateDegraded {
		return types.StateChallengePending
	}
	return ds.base
}

// Status builds the read-only snapshot consumed by monitoring.
func (ds *DatasetState) Status() types.DatasetStatus {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	status := types.DatasetStatus{
		DatasetID:       ds.id,
		State:           ds.stateLocked(),
		FragmentCount:   len(ds.fragments),
		LastMigrationAt: ds.lastMigration,
	}
	if ds.placement != nil {
		status.PlacementVersion = ds.placement.Version
		status.AggregateConflict = ds.placement.AggregateConflict
	}
	return status
}

// occupiedJurisdictions returns the distinct set of jurisdictions currently
// holding a fragment, in fragment-id-independent sorted order.
func (ds *DatasetState) occupiedJurisdictions() []types.JurisdictionID {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	seen := make(map[types.JurisdictionID]bool, len(ds.fragments))
	var out []types.JurisdictionID
	for _, frag := range ds.fragments {
		if frag.Jurisdiction == types.Unplaced || seen[frag.Jurisdiction] {
			continue
		}
		seen[frag.Jurisdiction] = true
		out = append(out, frag.Jurisdiction)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// excludedJurisdictions is the union of the current placement and the
// history window.
func (ds *DatasetState) excludedJurisdictions() map[types.JurisdictionID]bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	exclude := make(map[types.JurisdictionID]bool)
	if ds.placement != nil {
		for _, jur := range ds.placement.Jurisdictions {
			exclude[jur] = true
		}
	}
	for _, set := range ds.history {
		for jur := range set {
			exclude[jur] = true
		}
	}
	return exclude
}

// pushHistory records the given placement's jurisdiction set, keeping at
// most window entries.
func (ds *DatasetState) pushHistory(p *types.Placement, window int) {
	if window <= 0 || p == nil {
		return
	}
	set := make(map[types.JurisdictionID]bool, len(p.Jurisdictions))
	for _, jur := range p.Jurisdictions {
		set[jur] = true
	}
	ds.history = append(ds.history, set)
	if len(ds.history) > window {
		ds.history = ds.history[len(ds.history)-window:]
	}
}

// fragmentIDs returns all fragment ids, unsorted.
func (ds *DatasetState) fragmentIDs() []types.FragmentID {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	ids := make([]types.FragmentID, 0, len(ds.fragments))
	for fid := range ds.fragments {
		ids = append(ids, fid)
	}
	return ids
}
