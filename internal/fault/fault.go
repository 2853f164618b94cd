// Package fault classifies protocol failures so that callers (HTTP layer,
// chores, tests) can react to the kind of failure without string matching.
//
// Every package declares its own sentinel errors with New and wraps them
// with fmt.Errorf("%w: ...") when extra context helps. errors.Is works on
// the sentinels because each one is a distinct pointer.
package fault

import "errors"

// Kind is the failure category of a rejected call.
type Kind int

const (
	// Unknown is returned by KindOf for errors not created by this package.
	Unknown Kind = iota
	// Validation covers bad input: zero amounts, mismatched arrays, bad ids.
	Validation
	// Authorization covers callers lacking the required role.
	Authorization
	// State covers calls that are invalid for the current lifecycle state.
	State
	// Invariant covers checks that protect ledger invariants.
	Invariant
	// NotFound covers lookups of unknown agreements, tokens or messengers.
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Authorization:
		return "authorization"
	case State:
		return "state"
	case Invariant:
		return "invariant"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified protocol failure. Reason is the human-readable
// message surfaced to callers.
type Error struct {
	Kind   Kind
	Reason string
}

func (e *Error) Error() string { return e.Reason }

// New creates a sentinel error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Unknown
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
