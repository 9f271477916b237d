package ingest

import (
	"errors"
	"fmt"
)

type (
	TroubleType int

	// Trouble is the error type produced by the ingestion pipeline. It wraps
	// the underlying error with a classification which dictates how the
	// failure is handled and reported.
	Trouble struct {
		error
		tType TroubleType
	}
)

const (
	// INPUT_ERROR is a malformed or unrecognised job. Never retried.
	INPUT_ERROR TroubleType = iota
	// TRANSIENT_EXTERNAL_ERROR is a timeout or outage of an external collaborator.
	TRANSIENT_EXTERNAL_ERROR
	// CONFLICT_ERROR means another worker committed the same source first.
	CONFLICT_ERROR
	// INVARIANT_VIOLATION means the catalog may be inconsistent (e.g. a failed rollback).
	INVARIANT_VIOLATION
)

var (
	ErrDeliveryLimitExceeded = errors.New("job exceeded its delivery limit")
	ErrBrokerUnavailable     = errors.New("job broker rejected the submission")
	ErrEmptyAudio            = errors.New("fetcher returned no audio")
)

func newInputTrouble(err error) Trouble     { return Trouble{error: err, tType: INPUT_ERROR} }
func newTransientTrouble(err error) Trouble { return Trouble{error: err, tType: TRANSIENT_EXTERNAL_ERROR} }
func newConflictTrouble(err error) Trouble  { return Trouble{error: err, tType: CONFLICT_ERROR} }
func newInvariantTrouble(err error) Trouble { return Trouble{error: err, tType: INVARIANT_VIOLATION} }

func (t Trouble) Type() TroubleType { return t.tType }
func (t Trouble) Unwrap() error     { return t.error }

// TroubleTypeOf extracts the TroubleType from the error chain provided. Errors
// which carry no Trouble are considered transient.
func TroubleTypeOf(err error) TroubleType {
	var trouble Trouble
	if errors.As(err, &trouble) {
		return trouble.tType
	}

	return TRANSIENT_EXTERNAL_ERROR
}

// IsInputError returns true if the error provided is (or wraps) an
// INPUT_ERROR trouble.
func IsInputError(err error) bool {
	var trouble Trouble
	return errors.As(err, &trouble) && trouble.tType == INPUT_ERROR
}

func (t TroubleType) String() string {
	switch t {
	case INPUT_ERROR:
		return fmt.Sprintf("INPUT_ERROR[%d]", t)
	case TRANSIENT_EXTERNAL_ERROR:
		return fmt.Sprintf("TRANSIENT_EXTERNAL_ERROR[%d]", t)
	case CONFLICT_ERROR:
		return fmt.Sprintf("CONFLICT_ERROR[%d]", t)
	case INVARIANT_VIOLATION:
		return fmt.Sprintf("INVARIANT_VIOLATION[%d]", t)
	default:
		return fmt.Sprintf("UNKNOWN[%d]", t)
	}
}
