package domain

import "errors"

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrLockHeld       = errors.New("lock already held")
	ErrNoGateway      = errors.New("no exchange gateway configured")
	ErrBelowMinimum   = errors.New("quantity below minimum order size")
	ErrOrderNotFilled = errors.New("order not filled")
	ErrInvalidOrder   = errors.New("invalid order parameters")
)
