package errs

import (
	"errors"
	"fmt"

	"dispersal/pkg/types"
)

// Kind categorizes every error the core can surface. Callers branch on kind,
// never on message text.
type Kind string

const (
	KindNotFound                  Kind = "NOT_FOUND"
	KindInsufficientJurisdictions Kind = "INSUFFICIENT_JURISDICTIONS"
	KindTransportFailure          Kind = "TRANSPORT_FAILURE"
	KindInvalidPlacement          Kind = "INVALID_PLACEMENT"
)

// Error is a structured error value carrying the identifiers of whatever the
// failure touched. Fields are zero when not applicable.
type Error struct {
	Kind         Kind
	DatasetID    types.DatasetID
	FragmentID   types.FragmentID
	Jurisdiction types.JurisdictionID
	Message      string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.DatasetID != "" {
		msg += fmt.Sprintf(" (dataset=%s)", e.DatasetID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NotFound reports an unknown jurisdiction or dataset identifier.
func NotFound(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// InsufficientJurisdictions reports that the catalog minus exclusions cannot
// satisfy the fragment count under the active co-location policy.
func InsufficientJurisdictions(dataset types.DatasetID, message string) *Error {
	return &Error{Kind: KindInsufficientJurisdictions, DatasetID: dataset, Message: message}
}

// TransportFailure reports a failed write or delete at the storage collaborator.
func TransportFailure(dataset types.DatasetID, fragment types.FragmentID, jur types.JurisdictionID, err error) *Error {
	return &Error{
		Kind:         KindTransportFailure,
		DatasetID:    dataset,
		FragmentID:   fragment,
		Jurisdiction: jur,
		Message:      "storage operation failed",
		Err:          err,
	}
}

// InvalidPlacement reports a placement violating the uniqueness or
// no-co-location invariant. This is a programming error and is always
// surfaced, never swallowed.
func InvalidPlacement(dataset types.DatasetID, message string) *Error {
	return &Error{Kind: KindInvalidPlacement, DatasetID: dataset, Message: message}
}

// KindOf extracts the kind from an error chain, or "" if the chain holds no
// structured error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func IsInsufficientJurisdictions(err error) bool {
	return KindOf(err) == KindInsufficientJurisdictions
}

func IsTransportFailure(err error) bool { return KindOf(err) == KindTransportFailure }

func IsInvalidPlacement(err error) bool { return KindOf(err) == KindInvalidPlacement }
