package registry

import "errors"

// Store sentinels. Coordinators translate these into lifecycle kinds.
var (
	ErrNotFound            = errors.New("record not found")
	ErrConflict            = errors.New("record already exists")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidTransition   = errors.New("status transition not allowed")
)
