package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dispersal/pkg/catalog"
	"dispersal/pkg/config"
	"dispersal/pkg/errs"
	"dispersal/pkg/metrics"
	"dispersal/pkg/migration"
	"dispersal/pkg/placement"
	"dispersal/pkg/types"
)

// ChallengeSink is the legal-automation collaborator. Each ChallengeRequest
// is emitted exactly once.
type ChallengeSink interface {
	EmitChallenge(ctx context.Context, req types.ChallengeRequest) error
}

// FragmentSpec names one fragment at registration time. The content
// reference points into the external storage collaborator.
type FragmentSpec struct {
	ID         types.FragmentID
	ContentRef types.ContentRef
}

// Coordinator manages the protected datasets. Operations on different
// datasets proceed fully in parallel; within one dataset, transitions and
// placement mutation are serialized through the dataset's processing
// goroutine and lock.
type Coordinator struct {
	logger     *zap.Logger
	cfg        *config.Config
	catalog    *catalog.Catalog
	optimizer  *placement.Optimizer
	executor   *migration.Executor
	challenges ChallengeSink
	metrics    *metrics.Metrics

	// Severity threshold is checked at processing time, not enqueue time,
	// so runtime changes apply to already-queued signals.
	severityThreshold atomic.Int64

	mu       sync.RWMutex
	datasets map[types.DatasetID]*DatasetState
	// Ids reserved by in-flight registrations, so two concurrent Register
	// calls for the same id cannot both pass the duplicate check.
	reserved map[types.DatasetID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

const signalQueueDepth = 64

func New(cfg *config.Config, cat *catalog.Catalog, optimizer *placement.Optimizer,
	executor *migration.Executor, challenges ChallengeSink, m *metrics.Metrics, logger *zap.Logger) *Coordinator {

	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		logger:     logger,
		cfg:        cfg,
		catalog:    cat,
		optimizer:  optimizer,
		executor:   executor,
		challenges: challenges,
		metrics:    m,
		datasets:   make(map[types.DatasetID]*DatasetState),
		reserved:   make(map[types.DatasetID]bool),
		ctx:        ctx,
		cancel:     cancel,
	}
	c.severityThreshold.Store(int64(cfg.SeverityThreshold))
	return c
}

// SetSeverityThreshold changes the migration trigger threshold at runtime.
func (c *Coordinator) SetSeverityThreshold(threshold int) {
	c.severityThreshold.Store(int64(threshold))
}

// Register places a new dataset and starts tracking it. The initial
// placement is computed, written through the transport collaborator, and the
// dataset enters STABLE. Registration fails without leaving partial state if
// selection or the initial writes fail.
func (c *Coordinator) Register(ctx context.Context, id types.DatasetID, specs []FragmentSpec, sensitivity int) (*types.Placement, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("dataset %s registered with no fragments", id)
	}
	if len(specs) < c.cfg.FragmentCount {
		return nil, fmt.Errorf("dataset %s has %d fragments, policy requires at least %d",
			id, len(specs), c.cfg.FragmentCount)
	}

	// Reserve the id for the duration of the registration: placement and the
	// initial writes run outside the lock.
	c.mu.Lock()
	if _, exists := c.datasets[id]; exists || c.reserved[id] {
		c.mu.Unlock()
		return nil, fmt.Errorf("dataset %s already registered", id)
	}
	c.reserved[id] = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.reserved, id)
		c.mu.Unlock()
	}()

	fragments := make(map[types.FragmentID]*types.Fragment, len(specs))
	fragIDs := make([]types.FragmentID, 0, len(specs))
	for _, spec := range specs {
		if _, dup := fragments[spec.ID]; dup {
			return nil, fmt.Errorf("duplicate fragment id %s in dataset %s", spec.ID, id)
		}
		fragments[spec.ID] = &types.Fragment{
			ID:           spec.ID,
			DatasetID:    id,
			ContentRef:   spec.ContentRef,
			Jurisdiction: types.Unplaced,
		}
		fragIDs = append(fragIDs, spec.ID)
	}

	started := time.Now()
	pl, err := c.optimizer.Select(placement.Request{
		DatasetID:   id,
		Sensitivity: sensitivity,
		Fragments:   fragIDs,
		Version:     1,
	})
	if c.metrics != nil {
		c.metrics.PlacementLatency.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		if c.metrics != nil {
			c.metrics.PlacementFailures.Inc()
		}
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.PlacementsTotal.Inc()
	}

	ds := &DatasetState{
		id:        id,
		base:      types.StateStable,
		fragments: fragments,
		signals:   make(chan signal, signalQueueDepth),
	}

	// Initial write: every move starts from Unplaced, so this is pure
	// write, no deletes.
	plan := migration.NewPlan(nil, pl, fragments)
	if err := c.executor.Execute(ctx, plan, func(m types.Move) {
		frag := fragments[m.FragmentID]
		frag.Jurisdiction = m.To
		frag.PlacementVersion = pl.Version
	}); err != nil {
		return nil, err
	}
	ds.placement = pl

	loopCtx, stop := context.WithCancel(c.ctx)
	ds.cancel = stop

	c.mu.Lock()
	c.datasets[id] = ds
	total := len(c.datasets)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.processLoop(loopCtx, ds)

	if c.metrics != nil {
		c.metrics.DatasetsTracked.Set(float64(total))
		c.metrics.AggregateConflict.WithLabelValues(string(id)).Set(pl.AggregateConflict)
	}

	c.logger.Info("dataset registered",
		zap.String("dataset_id", string(id)),
		zap.Int("fragments", len(specs)),
		zap.Strings("jurisdictions", jurisdictionStrings(pl.Jurisdictions)),
		zap.Float64("aggregate_conflict", pl.AggregateConflict))

	return pl, nil
}

// Deregister stops tracking a dataset and destroys its fragment records.
func (c *Coordinator) Deregister(id types.DatasetID) error {
	c.mu.Lock()
	ds, ok := c.datasets[id]
	if !ok {
		c.mu.Unlock()
		e := errs.NotFound(fmt.Sprintf("dataset %s not registered", id))
		e.DatasetID = id
		return e
	}
	delete(c.datasets, id)
	total := len(c.datasets)
	c.mu.Unlock()

	ds.mu.Lock()
	if ds.abort != nil {
		ds.abort()
	}
	ds.mu.Unlock()
	ds.cancel()

	if c.metrics != nil {
		c.metrics.DatasetsTracked.Set(float64(total))
		c.metrics.AggregateConflict.DeleteLabelValues(string(id))
	}

	c.logger.Info("dataset deregistered", zap.String("dataset_id", string(id)))
	return nil
}

// SubmitThreat queues a threat signal for FIFO processing.
func (c *Coordinator) SubmitThreat(sig types.ThreatSignal) error {
	return c.enqueue(sig.DatasetID, signal{threat: &sig})
}

// SubmitAccess queues an unauthorized-access signal for FIFO processing.
func (c *Coordinator) SubmitAccess(sig types.AccessSignal) error {
	return c.enqueue(sig.DatasetID, signal{access: &sig})
}

func (c *Coordinator) enqueue(id types.DatasetID, sig signal) error {
	c.mu.RLock()
	ds, ok := c.datasets[id]
	c.mu.RUnlock()

	if !ok {
		if c.metrics != nil {
			c.metrics.SignalsDropped.Inc()
		}
		e := errs.NotFound(fmt.Sprintf("dataset %s not registered", id))
		e.DatasetID = id
		return e
	}

	// Queue rather than drop: detectors may burst, processing is FIFO.
	select {
	case ds.signals <- sig:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// Status returns the monitoring snapshot for one dataset.
func (c *Coordinator) Status(id types.DatasetID) (types.DatasetStatus, error) {
	c.mu.RLock()
	ds, ok := c.datasets[id]
	c.mu.RUnlock()

	if !ok {
		e := errs.NotFound(fmt.Sprintf("dataset %s not registered", id))
		e.DatasetID = id
		return types.DatasetStatus{}, e
	}
	return ds.Status(), nil
}

// StatusAll returns snapshots for every dataset, sorted by id.
func (c *Coordinator) StatusAll() []types.DatasetStatus {
	c.mu.RLock()
	all := make([]*DatasetState, 0, len(c.datasets))
	for _, ds := range c.datasets {
		all = append(all, ds)
	}
	c.mu.RUnlock()

	statuses := make([]types.DatasetStatus, 0, len(all))
	for _, ds := range all {
		statuses = append(statuses, ds.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].DatasetID < statuses[j].DatasetID })
	return statuses
}

// Stop cancels all processing loops and waits for them to drain.
func (c *Coordinator) Stop() {
	c.cancel()
	c.wg.Wait()
}

func jurisdictionStrings(ids []types.JurisdictionID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
