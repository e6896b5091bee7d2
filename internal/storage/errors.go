package storage

import "errors"

// ErrNotFound is returned when a trade or position id does not exist. It is
// distinct from a no-effect success such as releasing an unclaimed trade.
var ErrNotFound = errors.New("not found")
