package ingest

import "fmt"

type State int

const (
	RECEIVED State = iota
	DEDUP_CHECK
	SKIPPED
	FETCHING
	FETCH_FAILED
	UPLOADING
	UPLOAD_FAILED
	COMMITTING
	COMMIT_FAILED
	DONE
	REJECTED
)

// IsTerminal returns true if no further transitions are
// possible from this state.
func (s State) IsTerminal() bool {
	switch s {
	case SKIPPED, FETCH_FAILED, UPLOAD_FAILED, COMMIT_FAILED, DONE, REJECTED:
		return true
	default:
		return false
	}
}

// Name returns the bare name of the state, suitable
// for metric labels and API responses.
func (s State) Name() string {
	switch s {
	case RECEIVED:
		return "RECEIVED"
	case DEDUP_CHECK:
		return "DEDUP_CHECK"
	case SKIPPED:
		return "SKIPPED"
	case FETCHING:
		return "FETCHING"
	case FETCH_FAILED:
		return "FETCH_FAILED"
	case UPLOADING:
		return "UPLOADING"
	case UPLOAD_FAILED:
		return "UPLOAD_FAILED"
	case COMMITTING:
		return "COMMITTING"
	case COMMIT_FAILED:
		return "COMMIT_FAILED"
	case DONE:
		return "DONE"
	case REJECTED:
		return "REJECTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) String() string {
	return fmt.Sprintf("%s[%d]", s.Name(), s)
}

// failureFor returns the failed terminal state reached when the
// work being done in the given state fails unexpectedly.
func failureFor(s State) State {
	switch s {
	case RECEIVED:
		return REJECTED
	case FETCHING:
		return FETCH_FAILED
	case UPLOADING:
		return UPLOAD_FAILED
	default:
		return COMMIT_FAILED
	}
}
