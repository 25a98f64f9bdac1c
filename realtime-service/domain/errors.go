package domain

import "errors"

// ErrNotFound indicates that the requested entity does not exist, including
// entities that were hard-deleted before a lookup could describe them.
var ErrNotFound = errors.New("not found")
