package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist or is not
// visible to the requesting user. Ownership misses are deliberately
// indistinguishable from absence.
var ErrNotFound = errors.New("storage: not found")
