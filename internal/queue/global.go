package queue

import "sync"

// The process-wide queue is built once at the composition root and injected
// everywhere it is needed. This accessor exists only for boundary layers
// (HTTP handlers, MCP tools) that cannot take constructor injection, plus a
// reset hook for test isolation.

var (
	defaultMu    sync.Mutex
	defaultQueue *Queue
)

// SetDefault installs the process-wide queue. Called once from the
// composition root.
func SetDefault(q *Queue) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultQueue = q
}

// Default returns the process-wide queue, or nil if none has been installed.
func Default() *Queue {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultQueue
}

// ResetDefault clears the process-wide queue. Tests call this in cleanup.
func ResetDefault() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultQueue = nil
}
