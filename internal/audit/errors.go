package audit

import "errors"

// ErrClosed is returned when a record is written to a store that has already
// been closed.
var ErrClosed = errors.New("audit store is closed")
