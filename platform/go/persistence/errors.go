package persistence

import "errors"

// ErrNotFound is returned when a requested row does not exist or is soft-deleted.
var ErrNotFound = errors.New("not found")

// ErrDuplicateWorkflow is returned when a ledger entry already exists for a
// workflow id. Callers must treat it as "a run is already in flight" and must
// not start another.
var ErrDuplicateWorkflow = errors.New("workflow already recorded")
