package client

import "errors"

var (
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("client: invalid config")

	// ErrMissingEnv is returned when a config references an unset
	// environment variable.
	ErrMissingEnv = errors.New("client: missing environment variables")

	// ErrClosed is returned by operations on a closed Client.
	ErrClosed = errors.New("client: closed")
)
