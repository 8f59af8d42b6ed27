package errors

import "errors"

var (
	ErrNoPaths    = errors.New("empty path set")
	ErrSinglePath = errors.New("single path only")
)
