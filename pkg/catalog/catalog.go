package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"dispersal/pkg/errs"
	"dispersal/pkg/types"
)

// MinEntries is the smallest catalog any placement operation can work with.
const MinEntries = 2

// Filter selects jurisdiction records during iteration.
type Filter func(*types.JurisdictionRecord) bool

// Catalog is the active registry of jurisdiction records. Load replaces the
// whole record set atomically; readers never observe a partial catalog.
type Catalog struct {
	mu      sync.RWMutex
	records map[types.JurisdictionID]*types.JurisdictionRecord
	order   []types.JurisdictionID // load order, for deterministic iteration
	version uint64
}

func New() *Catalog {
	return &Catalog{
		records: make(map[types.JurisdictionID]*types.JurisdictionRecord),
	}
}

// Load replaces the active catalog wholesale. Partial updates are not
// supported; the previous record set stays visible until the swap.
func (c *Catalog) Load(records []*types.JurisdictionRecord) error {
	next := make(map[types.JurisdictionID]*types.JurisdictionRecord, len(records))
	order := make([]types.JurisdictionID, 0, len(records))

	for _, rec := range records {
		if rec.ID == "" {
			return fmt.Errorf("catalog record with empty id")
		}
		if _, dup := next[rec.ID]; dup {
			return fmt.Errorf("duplicate jurisdiction id %q", rec.ID)
		}
		next[rec.ID] = rec
		order = append(order, rec.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = next
	c.order = order
	c.version++
	return nil
}

// Get returns the record for id.
func (c *Catalog) Get(id types.JurisdictionID) (*types.JurisdictionRecord, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rec, ok := c.records[id]
	if !ok {
		e := errs.NotFound(fmt.Sprintf("jurisdiction %q not in catalog", id))
		e.Jurisdiction = id
		return nil, e
	}
	return rec, nil
}

// List streams records matching the filter to yield, in load order. A nil
// filter matches everything. Iteration stops when yield returns false.
func (c *Catalog) List(filter Filter, yield func(*types.JurisdictionRecord) bool) {
	c.mu.RLock()
	records := c.records
	order := c.order
	c.mu.RUnlock()

	for _, id := range order {
		rec := records[id]
		if filter != nil && !filter(rec) {
			continue
		}
		if !yield(rec) {
			return
		}
	}
}

// Snapshot returns all records matching the filter, in load order.
func (c *Catalog) Snapshot(filter Filter) []*types.JurisdictionRecord {
	var out []*types.JurisdictionRecord
	c.List(filter, func(rec *types.JurisdictionRecord) bool {
		out = append(out, rec)
		return true
	})
	return out
}

// Len returns the number of active records.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Version increments on every successful Load.
func (c *Catalog) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// recordFile is the on-disk shape of one catalog entry.
type recordFile struct {
	ID                  string   `json:"id"`
	PrivacyScore        int      `json:"privacy_score"`
	MLATDelayDays       int      `json:"mlat_delay_days"`
	SovereigntyRequired bool     `json:"sovereignty_required"`
	ExtraditionGap      bool     `json:"extradition_gap"`
	OffshoreHaven       bool     `json:"offshore_haven"`
	Treaties            []string `json:"treaties"`
}

// LoadFile reads a catalog JSON file and swaps it in wholesale.
func (c *Catalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog file: %w", err)
	}

	var entries []recordFile
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse catalog file: %w", err)
	}

	records := make([]*types.JurisdictionRecord, 0, len(entries))
	for _, e := range entries {
		treaties := make(map[types.TreatyID]bool, len(e.Treaties))
		for _, t := range e.Treaties {
			treaties[types.TreatyID(t)] = true
		}
		records = append(records, &types.JurisdictionRecord{
			ID:                  types.JurisdictionID(e.ID),
			PrivacyScore:        e.PrivacyScore,
			MLATDelayDays:       e.MLATDelayDays,
			SovereigntyRequired: e.SovereigntyRequired,
			ExtraditionGap:      e.ExtraditionGap,
			OffshoreHaven:       e.OffshoreHaven,
			Treaties:            treaties,
		})
	}

	return c.Load(records)
}
