package uploader

import "errors"

// Sentinel errors.
var (
	ErrRejected        = errors.New("collector rejected upload")
	ErrNotConfigured   = errors.New("collector endpoint not configured")
	ErrMissingOperator = errors.New("entry has no operator")
)
