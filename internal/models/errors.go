package models

import "errors"

// Error kinds shared across packages. Callers wrap them with fmt.Errorf("...: %w")
// and match with errors.Is.
var (
	ErrUpstreamUnavailable = errors.New("upstream feed unavailable")
	ErrMalformedDocument   = errors.New("malformed document")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrStorage             = errors.New("storage error")
	ErrNotFound            = errors.New("not found")
)
