package types

import "time"

type DatasetID string
type FragmentID string
type JurisdictionID string
type TreatyID string

// ContentRef is an opaque handle into the external storage collaborator.
// The core never holds fragment bytes.
type ContentRef string

// Unplaced marks a fragment that has not yet been assigned a jurisdiction.
const Unplaced JurisdictionID = ""

// JurisdictionRecord is an immutable catalog entry. Records are created at
// catalog load and replaced wholesale on refresh, never mutated in place.
type JurisdictionRecord struct {
	ID                  JurisdictionID
	PrivacyScore        int // 0 (none) to 10 (strongest privacy regime)
	MLATDelayDays       int // average days to comply with an MLAT request
	SovereigntyRequired bool
	ExtraditionGap      bool
	OffshoreHaven       bool
	Treaties            map[TreatyID]bool
}

// PartyTo reports whether the jurisdiction is a signatory of the treaty.
func (r *JurisdictionRecord) PartyTo(t TreatyID) bool {
	return r.Treaties[t]
}

// SharesTreaty reports whether two jurisdictions are party to any common treaty.
func (r *JurisdictionRecord) SharesTreaty(other *JurisdictionRecord) bool {
	for t := range r.Treaties {
		if other.Treaties[t] {
			return true
		}
	}
	return false
}

// IsolationRank counts the attributes that make a jurisdiction hard to reach
// through cross-border legal process.
func (r *JurisdictionRecord) IsolationRank() int {
	rank := 0
	if r.SovereigntyRequired {
		rank++
	}
	if r.OffshoreHaven {
		rank++
	}
	if r.ExtraditionGap {
		rank++
	}
	return rank
}

// Fragment is one logical shard of a protected dataset.
type Fragment struct {
	ID               FragmentID
	DatasetID        DatasetID
	ContentRef       ContentRef
	Jurisdiction     JurisdictionID // Unplaced until first placement
	PlacementVersion uint64
}

// Placement maps every fragment of a dataset to exactly one jurisdiction.
type Placement struct {
	DatasetID         DatasetID
	Version           uint64
	Assignments       map[FragmentID]JurisdictionID
	Jurisdictions     []JurisdictionID // selection order, deterministic
	AggregateConflict float64
}

// State is the threat-response state of one dataset.
type State int

const (
	StateStable State = iota
	StateMigrating
	StateChallengePending
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateStable:
		return "STABLE"
	case StateMigrating:
		return "MIGRATING"
	case StateChallengePending:
		return "CHALLENGE_PENDING"
	case StateDegraded:
		return "DEGRADED"
	default:
		return "UNKNOWN"
	}
}

// ThreatSignal is delivered by an external threat detector.
type ThreatSignal struct {
	DatasetID  DatasetID
	Severity   int // 0-10
	Source     string
	ReceivedAt time.Time
}

// AccessSignal reports a detected unauthorized access, distinct from a
// generic threat signal.
type AccessSignal struct {
	DatasetID       DatasetID
	SuspectedOrigin JurisdictionID
	ReceivedAt      time.Time
}

// ChallengeRequest is emitted once per occupied jurisdiction when an
// unauthorized access is detected, and consumed by the external
// legal-automation collaborator.
type ChallengeRequest struct {
	ID              string // uuid
	DatasetID       DatasetID
	Jurisdiction    JurisdictionID
	SuspectedOrigin JurisdictionID
	DetectedAt      time.Time
}

// DatasetStatus is the read-only snapshot handed to monitoring.
type DatasetStatus struct {
	DatasetID         DatasetID
	State             State
	PlacementVersion  uint64
	AggregateConflict float64
	FragmentCount     int
	LastMigrationAt   time.Time
}

// Move is one step of a migration plan. Write to the new location must be
// acknowledged before delete from the old location is issued.
type Move struct {
	FragmentID FragmentID
	ContentRef ContentRef
	From       JurisdictionID
	To         JurisdictionID
}
