package action

import "errors"

// Sentinel errors for action application.
var (
	ErrInvalidAction    = errors.New("action: invalid action definition")
	ErrInvalidArgs      = errors.New("action: invalid arguments")
	ErrOptimisticUpdate = errors.New("action: optimistic update failed")
	ErrInvalidation     = errors.New("action: cache invalidation failed")
)
