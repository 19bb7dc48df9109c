package vector

import "errors"

var (
	ErrIndexDisabled    = errors.New("vector index is disabled")
	ErrIndexUnavailable = errors.New("vector index is unavailable")
)
