package worker

import "errors"

// Sentinel kinds for flush errors.
var (
	ErrFlushInProgress = errors.New("flush already in progress")
	ErrBackingOff      = errors.New("flush backing off after failure")
)
