package app

import "errors"

// Session errors.
var (
	ErrMissingOperator  = errors.New("operator identity required")
	ErrAlreadyCapturing = errors.New("session already capturing")
	ErrNotCapturing     = errors.New("no session capturing")
)
