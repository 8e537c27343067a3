package httpserver

import "errors"

var (
	// ErrStart indicates that the ops server failed to bind or serve.
	ErrStart = errors.New("failed to start ops server")
	// ErrShutdown indicates that graceful shutdown failed.
	ErrShutdown = errors.New("failed to shutdown ops server gracefully")
	// ErrAlreadyRunning is returned by Run when the server is already serving.
	ErrAlreadyRunning = errors.New("ops server already running")
)
