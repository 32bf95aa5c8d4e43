package indicator

import "errors"

// Ошибки входных данных
var (
	ErrOutOfOrderBar = errors.New("bar open_time is not after the last accepted bar")
	ErrInvalidBar    = errors.New("bar has non-finite or negative values")
	ErrInvalidConfig = errors.New("invalid indicator config")
)
