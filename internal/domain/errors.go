package domain

import "errors"

var (
	ErrAuthentication    = errors.New("authentication rejected")
	ErrTransientNetwork  = errors.New("transient network failure")
	ErrDecode            = errors.New("decode failed")
	ErrUnsupported       = errors.New("operation not supported")
	ErrNotAuthenticated  = errors.New("platform not authenticated")
	ErrUnknownPlatform   = errors.New("unknown platform")
	ErrInvalidTransition = errors.New("invalid status transition")
)
