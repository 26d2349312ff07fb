package store

import "errors"

// ErrNotFound is returned by Get* lookups when no row matches.
var ErrNotFound = errors.New("store: not found")
