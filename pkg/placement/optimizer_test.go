package placement

import (
	"reflect"
	"testing"

	"dispersal/pkg/catalog"
	"dispersal/pkg/conflict"
	"dispersal/pkg/errs"
	"dispersal/pkg/types"
)

func testRecords() []*types.JurisdictionRecord {
	return []*types.JurisdictionRecord{
		{
			ID:            "switzerland",
			PrivacyScore:  10,
			MLATDelayDays: 180,
			Treaties:      map[types.TreatyID]bool{"mlat-eu": true},
		},
		{
			ID:            "iceland",
			PrivacyScore:  9,
			MLATDelayDays: 120,
			Treaties:      map[types.TreatyID]bool{"mlat-eu": true},
		},
		{
			ID:                  "china",
			SovereigntyRequired: true,
		},
		{
			ID:             "russia",
			ExtraditionGap: true,
		},
	}
}

func newTestOptimizer(t *testing.T, records []*types.JurisdictionRecord, policy Policy) (*Optimizer, *conflict.Scorer) {
	t.Helper()

	cat := catalog.New()
	if err := cat.Load(records); err != nil {
		t.Fatalf("failed to load catalog: %v", err)
	}
	scorer := conflict.NewScorer(cat, conflict.DefaultWeights())
	return NewOptimizer(cat, scorer, policy), scorer
}

func TestSelectMaxMinDispersion(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords(), Policy{NoCoLocation: true})

	pl, err := opt.Select(Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"frag-a", "frag-b", "frag-c"},
		Version:   1,
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	// Seed is china (isolation rank 1, lexically before russia). Switzerland
	// has the highest conflict against it, and russia then beats iceland on
	// minimum pairwise conflict: iceland is too compatible with switzerland.
	want := []types.JurisdictionID{"china", "switzerland", "russia"}
	if !reflect.DeepEqual(pl.Jurisdictions, want) {
		t.Errorf("chosen jurisdictions = %v, want %v", pl.Jurisdictions, want)
	}

	// 27 (ch-sw) + 8 (ch-ru) + 24 (sw-ru)
	if pl.AggregateConflict != 59.0 {
		t.Errorf("aggregate conflict = %f, want 59.0", pl.AggregateConflict)
	}
}

func TestSelectBeatsCompatibleCluster(t *testing.T) {
	// Add a low-conflict jurisdiction that shares treaties with the strong
	// privacy regimes. A top-K-by-individual-score selection would cluster
	// switzerland+iceland+lowland; max-min must score strictly higher.
	records := append(testRecords(), &types.JurisdictionRecord{
		ID:            "lowland",
		PrivacyScore:  8,
		MLATDelayDays: 30,
		Treaties:      map[types.TreatyID]bool{"mlat-eu": true},
	})
	opt, scorer := newTestOptimizer(t, records, Policy{NoCoLocation: true})

	pl, err := opt.Select(Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"frag-a", "frag-b", "frag-c"},
		Version:   1,
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	cluster, err := scorer.PairwiseSum([]types.JurisdictionID{"switzerland", "iceland", "lowland"})
	if err != nil {
		t.Fatalf("PairwiseSum: %v", err)
	}

	if pl.AggregateConflict <= cluster {
		t.Errorf("selected aggregate %f not greater than compatible cluster %f",
			pl.AggregateConflict, cluster)
	}
}

func TestSelectDeterministic(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords(), Policy{NoCoLocation: true})

	req := Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"frag-c", "frag-a", "frag-b"},
		Version:   1,
	}

	first, err := opt.Select(req)
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		again, err := opt.Select(req)
		if err != nil {
			t.Fatalf("Select failed on run %d: %v", i, err)
		}
		if !reflect.DeepEqual(again.Assignments, first.Assignments) {
			t.Fatalf("run %d produced different assignments: %v vs %v", i, again.Assignments, first.Assignments)
		}
		if !reflect.DeepEqual(again.Jurisdictions, first.Jurisdictions) {
			t.Fatalf("run %d produced different jurisdiction order", i)
		}
	}
}

func TestSelectRoundRobinAssignment(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords(), Policy{})

	// 6 fragments over 4 jurisdictions: assignment wraps in fragment_id order.
	fragments := []types.FragmentID{"f1", "f2", "f3", "f4", "f5", "f6"}
	pl, err := opt.Select(Request{DatasetID: "ds-1", Fragments: fragments, Version: 1})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	for i, fid := range fragments {
		want := pl.Jurisdictions[i%len(pl.Jurisdictions)]
		if pl.Assignments[fid] != want {
			t.Errorf("fragment %s assigned to %s, want %s", fid, pl.Assignments[fid], want)
		}
	}
}

func TestSelectNoCoLocation(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords(), Policy{NoCoLocation: true})

	pl, err := opt.Select(Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"f1", "f2", "f3", "f4"},
		Version:   1,
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	used := make(map[types.JurisdictionID]bool)
	for _, jur := range pl.Assignments {
		if used[jur] {
			t.Errorf("jurisdiction %s used twice under no-co-location", jur)
		}
		used[jur] = true
	}
	if len(pl.Assignments) != 4 {
		t.Errorf("expected 4 assignments, got %d", len(pl.Assignments))
	}
}

func TestSelectInsufficientJurisdictions(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords(), Policy{NoCoLocation: true})

	_, err := opt.Select(Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"f1", "f2", "f3", "f4", "f5"},
		Version:   1,
	})
	if err == nil {
		t.Fatal("expected error when fragments exceed candidates")
	}
	if !errs.IsInsufficientJurisdictions(err) {
		t.Errorf("expected InsufficientJurisdictions, got %v", err)
	}
}

func TestSelectExclusions(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords(), Policy{NoCoLocation: true})

	pl, err := opt.Select(Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"f1", "f2"},
		Exclude:   map[types.JurisdictionID]bool{"china": true, "switzerland": true},
		Version:   1,
	})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}

	for _, jur := range pl.Jurisdictions {
		if jur == "china" || jur == "switzerland" {
			t.Errorf("excluded jurisdiction %s was selected", jur)
		}
	}
}

func TestSelectTinyCatalog(t *testing.T) {
	opt, _ := newTestOptimizer(t, testRecords()[:1], Policy{NoCoLocation: true})

	_, err := opt.Select(Request{
		DatasetID: "ds-1",
		Fragments: []types.FragmentID{"f1"},
		Version:   1,
	})
	if err == nil {
		t.Fatal("expected error with single-entry catalog")
	}
	if !errs.IsInsufficientJurisdictions(err) {
		t.Errorf("expected InsufficientJurisdictions, got %v", err)
	}
}

func TestValidateRejectsCoLocation(t *testing.T) {
	p := &types.Placement{
		DatasetID: "ds-1",
		Assignments: map[types.FragmentID]types.JurisdictionID{
			"f1": "switzerland",
			"f2": "switzerland",
		},
	}

	err := Validate(p, Policy{NoCoLocation: true})
	if err == nil {
		t.Fatal("expected co-location to be rejected")
	}
	if !errs.IsInvalidPlacement(err) {
		t.Errorf("expected InvalidPlacement, got %v", err)
	}

	if err := Validate(p, Policy{}); err != nil {
		t.Errorf("co-location should pass without the policy: %v", err)
	}
}

func TestValidateRejectsUnplaced(t *testing.T) {
	p := &types.Placement{
		DatasetID: "ds-1",
		Assignments: map[types.FragmentID]types.JurisdictionID{
			"f1": types.Unplaced,
		},
	}

	if err := Validate(p, Policy{}); !errs.IsInvalidPlacement(err) {
		t.Errorf("expected InvalidPlacement for unplaced fragment, got %v", err)
	}
}
