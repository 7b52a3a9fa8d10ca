package store

import "errors"

// ErrNotFound is returned when a requested identity does not exist.
var ErrNotFound = errors.New("store: not found")
