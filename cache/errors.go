package cache

import "errors"

// Sentinel errors for store operations.
var (
	ErrNilKey         = errors.New("cache: cache key is nil")
	ErrInvalidKind    = errors.New("cache: invalid key kind")
	ErrEmptyType      = errors.New("cache: key type is empty")
	ErrUnknownLayer   = errors.New("cache: unknown layer")
	ErrTruthLayer     = errors.New("cache: truth layer cannot be removed")
	ErrUnknownMock    = errors.New("cache: unknown mock")
	ErrInvalidPolicy  = errors.New("cache: invalid policy")
	ErrStaleKey       = errors.New("cache: cache key has been released")
	ErrInvalidKeyPart = errors.New("cache: invalid key part")
)
