package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispersal/pkg/errs"
	"dispersal/pkg/migration"
	"dispersal/pkg/placement"
	"dispersal/pkg/types"
)

// processLoop consumes a dataset's signal queue in arrival order. Challenge
// emission happens inline; migrations run in their own goroutine so that a
// queued access signal can still be processed while fragments move.
func (c *Coordinator) processLoop(ctx context.Context, ds *DatasetState) {
	defer c.wg.Done()

	for {
		select {
		case sig := <-ds.signals:
			switch {
			case sig.threat != nil:
				c.handleThreat(ctx, ds, *sig.threat)
			case sig.access != nil:
				c.handleAccess(ctx, ds, *sig.access)
			}
		case <-ctx.Done():
			return
		}
	}
}

// handleThreat applies the STABLE -> MIGRATING transition when the signal
// clears the configured severity threshold. The threshold is read here, at
// processing time, so operators can raise or lower it for queued signals.
func (c *Coordinator) handleThreat(ctx context.Context, ds *DatasetState, sig types.ThreatSignal) {
	threshold := int(c.severityThreshold.Load())
	if sig.Severity < threshold {
		c.logger.Debug("threat below threshold, no transition",
			zap.String("dataset_id", string(ds.id)),
			zap.Int("severity", sig.Severity),
			zap.Int("threshold", threshold),
			zap.String("source", sig.Source))
		return
	}

	ds.mu.Lock()
	if ds.base != types.StateStable {
		state := ds.base
		ds.mu.Unlock()
		c.logger.Info("threat ignored in current state",
			zap.String("dataset_id", string(ds.id)),
			zap.String("state", state.String()),
			zap.Int("severity", sig.Severity))
		return
	}
	ds.base = types.StateMigrating
	migCtx, abort := c.migrationContext(ctx)
	ds.abort = abort
	ds.mu.Unlock()

	c.logger.Info("threat triggered migration",
		zap.String("dataset_id", string(ds.id)),
		zap.Int("severity", sig.Severity),
		zap.String("source", sig.Source))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// Releases the context whether the migration succeeded, degraded or
		// was aborted.
		defer abort()
		c.runMigration(migCtx, ds, sig.Severity)
	}()
}

// migrationContext derives the context one migration runs under, bounded by
// the configured timeout when one is set.
func (c *Coordinator) migrationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if t := c.cfg.MigrateTimeout; t > 0 {
		return context.WithTimeout(ctx, t)
	}
	return context.WithCancel(ctx)
}

// runMigration computes a fresh placement excluding the current and
// recently-used jurisdictions, then realizes it move by move. Any failure
// leaves the dataset DEGRADED: either untouched at its last known-good
// placement (selection failed, nothing was attempted) or at a partial
// placement that is reported, never silently reverted.
func (c *Coordinator) runMigration(ctx context.Context, ds *DatasetState, threatLevel int) {
	ds.mu.RLock()
	old := ds.placement
	ds.mu.RUnlock()

	started := time.Now()
	pl, err := c.optimizer.Select(placement.Request{
		DatasetID:   ds.id,
		ThreatLevel: threatLevel,
		Fragments:   ds.fragmentIDs(),
		Exclude:     ds.excludedJurisdictions(),
		Version:     old.Version + 1,
	})
	if c.metrics != nil {
		c.metrics.PlacementLatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.PlacementFailures.Inc()
		}
		c.degrade(ds, err)
		return
	}
	if c.metrics != nil {
		c.metrics.PlacementsTotal.Inc()
	}

	ds.mu.RLock()
	fragments := ds.fragments
	ds.mu.RUnlock()

	plan := migration.NewPlan(old, pl, fragments)
	err = c.executor.Execute(ctx, plan, func(m types.Move) {
		ds.mu.Lock()
		frag := ds.fragments[m.FragmentID]
		frag.Jurisdiction = m.To
		frag.PlacementVersion = pl.Version
		ds.mu.Unlock()
		if c.metrics != nil {
			c.metrics.MovesTotal.Inc()
		}
	})
	if err != nil {
		if c.metrics != nil {
			c.metrics.MigrationFailures.Inc()
		}
		c.degrade(ds, err)
		return
	}

	ds.mu.Lock()
	ds.pushHistory(old, c.cfg.HistoryWindow)
	ds.placement = pl
	ds.base = types.StateStable
	ds.abort = nil
	ds.lastMigration = time.Now()
	ds.mu.Unlock()

	if c.metrics != nil {
		c.metrics.MigrationsTotal.Inc()
		c.metrics.AggregateConflict.WithLabelValues(string(ds.id)).Set(pl.AggregateConflict)
	}

	c.logger.Info("migration complete",
		zap.String("dataset_id", string(ds.id)),
		zap.Uint64("placement_version", pl.Version),
		zap.Strings("jurisdictions", jurisdictionStrings(pl.Jurisdictions)),
		zap.Float64("aggregate_conflict", pl.AggregateConflict))
}

// degrade fences the dataset until an operator intervenes.
func (c *Coordinator) degrade(ds *DatasetState, cause error) {
	ds.mu.Lock()
	ds.base = types.StateDegraded
	ds.degradedCause = cause
	ds.abort = nil
	ds.mu.Unlock()

	if c.metrics != nil {
		c.metrics.DatasetsDegraded.Inc()
	}

	c.logger.Error("dataset degraded, operator intervention required",
		zap.String("dataset_id", string(ds.id)),
		zap.Error(cause))
}

// handleAccess emits one ChallengeRequest per jurisdiction currently holding
// a fragment, then restores the prior state. Emission overlays but never
// replaces the base state, so an in-flight migration keeps running.
func (c *Coordinator) handleAccess(ctx context.Context, ds *DatasetState, sig types.AccessSignal) {
	ds.mu.Lock()
	if ds.base == types.StateDegraded {
		ds.mu.Unlock()
		c.logger.Info("access signal ignored while degraded",
			zap.String("dataset_id", string(ds.id)))
		return
	}
	ds.challenge = true
	ds.mu.Unlock()

	defer func() {
		ds.mu.Lock()
		ds.challenge = false
		ds.mu.Unlock()
	}()

	detectedAt := sig.ReceivedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	for _, jur := range ds.occupiedJurisdictions() {
		req := types.ChallengeRequest{
			ID:              uuid.NewString(),
			DatasetID:       ds.id,
			Jurisdiction:    jur,
			SuspectedOrigin: sig.SuspectedOrigin,
			DetectedAt:      detectedAt,
		}
		if err := c.challenges.EmitChallenge(ctx, req); err != nil {
			c.logger.Error("challenge emission failed",
				zap.String("dataset_id", string(ds.id)),
				zap.String("jurisdiction_id", string(jur)),
				zap.String("challenge_id", req.ID),
				zap.Error(err))
			continue
		}
		if c.metrics != nil {
			c.metrics.ChallengesEmitted.Inc()
		}
		c.logger.Info("challenge request emitted",
			zap.String("dataset_id", string(ds.id)),
			zap.String("jurisdiction_id", string(jur)),
			zap.String("suspected_origin", string(sig.SuspectedOrigin)),
			zap.String("challenge_id", req.ID))
	}
}

// Reset is the operator escape hatch out of DEGRADED. It re-runs placement
// against the (presumably updated or expanded) catalog and realizes it
// synchronously; on any failure the dataset stays DEGRADED.
func (c *Coordinator) Reset(ctx context.Context, id types.DatasetID) error {
	c.mu.RLock()
	ds, ok := c.datasets[id]
	c.mu.RUnlock()

	if !ok {
		e := errs.NotFound(fmt.Sprintf("dataset %s not registered", id))
		e.DatasetID = id
		return e
	}

	ds.mu.Lock()
	if ds.base != types.StateDegraded {
		state := ds.base
		ds.mu.Unlock()
		return fmt.Errorf("dataset %s is %s, reset applies only to %s", id, state, types.StateDegraded)
	}
	ds.base = types.StateMigrating
	old := ds.placement
	ds.mu.Unlock()

	if c.metrics != nil {
		c.metrics.DatasetsDegraded.Dec()
	}

	pl, err := c.optimizer.Select(placement.Request{
		DatasetID: id,
		Fragments: ds.fragmentIDs(),
		Exclude:   ds.historyExclusions(),
		Version:   old.Version + 1,
	})
	if err != nil {
		c.degrade(ds, err)
		return err
	}

	// Plan from the fragments' actual locations, which may be a partial
	// placement left behind by an aborted migration.
	runCtx, done := c.migrationContext(ctx)
	defer done()
	plan := migration.NewPlan(c.effectivePlacement(ds, old), pl, ds.currentFragments())
	err = c.executor.Execute(runCtx, plan, func(m types.Move) {
		ds.mu.Lock()
		frag := ds.fragments[m.FragmentID]
		frag.Jurisdiction = m.To
		frag.PlacementVersion = pl.Version
		ds.mu.Unlock()
	})
	if err != nil {
		c.degrade(ds, err)
		return err
	}

	ds.mu.Lock()
	ds.pushHistory(old, c.cfg.HistoryWindow)
	ds.placement = pl
	ds.base = types.StateStable
	ds.degradedCause = nil
	ds.lastMigration = time.Now()
	ds.mu.Unlock()

	if c.metrics != nil {
		c.metrics.AggregateConflict.WithLabelValues(string(id)).Set(pl.AggregateConflict)
	}

	c.logger.Info("dataset reset to stable",
		zap.String("dataset_id", string(id)),
		zap.Uint64("placement_version", pl.Version))
	return nil
}

// historyExclusions returns only the sliding-window exclusions, without the
// current placement: after a reset the catalog may be the only way out, and
// the current jurisdictions might legitimately reappear in the new set.
func (ds *DatasetState) historyExclusions() map[types.JurisdictionID]bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	exclude := make(map[types.JurisdictionID]bool)
	for _, set := range ds.history {
		for jur := range set {
			exclude[jur] = true
		}
	}
	return exclude
}

// effectivePlacement reflects where fragments actually sit right now, which
// differs from the recorded placement after a partial migration.
func (c *Coordinator) effectivePlacement(ds *DatasetState, recorded *types.Placement) *types.Placement {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	assignments := make(map[types.FragmentID]types.JurisdictionID, len(ds.fragments))
	for fid, frag := range ds.fragments {
		assignments[fid] = frag.Jurisdiction
	}
	return &types.Placement{
		DatasetID:   ds.id,
		Version:     recorded.Version,
		Assignments: assignments,
	}
}

// currentFragments returns the live fragment map for plan construction.
func (ds *DatasetState) currentFragments() map[types.FragmentID]*types.Fragment {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	out := make(map[types.FragmentID]*types.Fragment, len(ds.fragments))
	for fid, frag := range ds.fragments {
		out[fid] = frag
	}
	return out
}
