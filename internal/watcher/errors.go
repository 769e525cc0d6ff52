package watcher

import "errors"

// Errors returned by the watcher.
var (
	// ErrClosed is returned when subscribing to a closed watcher.
	ErrClosed = errors.New("watcher closed")

	// ErrWatchLost indicates the watched location disappeared.
	ErrWatchLost = errors.New("watch target removed")
)
