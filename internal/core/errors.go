package core

import "errors"

// ErrUnknownInterval marks an unrecognized recurrence unit. This is a
// configuration fault, not a runtime condition: callers abort the current
// update instead of defaulting to some interval.
var ErrUnknownInterval = errors.New("unknown schedule interval")

// ErrLocked is returned when another engine invocation holds the cycle lock.
var ErrLocked = errors.New("cycle lock is held by another process")
