package store

// Store defines the interface for run-record persistence.
//
// Error handling conventions:
//   - Return nil error on success
//   - Return a *NotFoundError if the run doesn't exist (for Load/Delete)
//   - Wrap underlying errors with context using fmt.Errorf("context: %w", err)
type Store interface {
	// SaveRun atomically saves the record for a run, overwriting any
	// previous record with the same ID.
	SaveRun(runID string, record *RunRecord) error

	// LoadRun retrieves the record for a run. Returns a *NotFoundError if
	// no record exists.
	LoadRun(runID string) (*RunRecord, error)

	// ListRuns returns metadata for all stored runs. The slice may be
	// empty when nothing is stored.
	ListRuns() ([]RunInfo, error)

	// DeleteRun removes the record and all associated artifacts (loss
	// trace included) for a run. Returns a *NotFoundError if no record
	// exists.
	DeleteRun(runID string) error
}

// ErrNotFound is returned when a requested run does not exist.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &NotFoundError{}

// NotFoundError represents a missing run record.
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	if e.RunID != "" {
		return "run not found: " + e.RunID
	}
	return "run not found"
}

func (e *NotFoundError) Is(target error) bool {
	_, ok := target.(*NotFoundError)
	return ok
}
