package core

import "sync"

var (
	defaultOnce    sync.Once
	defaultManager *Manager
	defaultErr     error
)

// Default returns the process-wide manager, created on first use with
// DefaultOptions. Closing it is the caller's responsibility during
// shutdown; there is no finalizer.
func Default() (*Manager, error) {
	defaultOnce.Do(func() {
		defaultManager, defaultErr = New(DefaultOptions())
	})
	return defaultManager, defaultErr
}
