package sequence

import "errors"

// ErrUnavailable is returned when the backing store cannot issue a
// sequence number. Callers retry with backoff or fail; they never invent
// sequence numbers locally.
var ErrUnavailable = errors.New("sequence store unavailable")
