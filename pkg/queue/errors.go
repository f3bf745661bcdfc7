package queue

import "errors"

// errQueueEmpty is returned by BlockingPop when it times out without a
// ready entry. Callers in the worker pool treat it as "nothing to do right
// now" rather than a failure.
var errQueueEmpty = errors.New("queue: no entry ready before timeout")

// ErrEmpty is the exported form of errQueueEmpty for callers that need to
// distinguish a pop timeout from a real error with errors.Is.
var ErrEmpty = errQueueEmpty
