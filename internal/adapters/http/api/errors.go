package api

import "errors"

// Sentinel kinds for API errors.
var (
	ErrBadRequest = errors.New("bad request")
	ErrNotEnabled = errors.New("reading ingestion not enabled")
)
