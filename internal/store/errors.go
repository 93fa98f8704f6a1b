package store

import "errors"

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when a uniqueness constraint would be violated.
var ErrDuplicate = errors.New("record already exists")
