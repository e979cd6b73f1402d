package core

import "sync"

// DebugWriter is a function type for writing debug messages
type DebugWriter func(string)

var (
	debugMu sync.RWMutex

	// debugPrintln is the global debug print function (can be set by platform code)
	debugPrintln DebugWriter = func(s string) {} // No-op by default

	// debugEnabled controls whether debug output is active
	debugEnabled bool = false

	// Async debug output channel
	debugChan chan string
)

// SetDebugWriter sets the platform-specific debug output function.
// This allows platforms to redirect debug output to a log, a UART, or
// DebugMessage frames on a port.
func SetDebugWriter(writer DebugWriter) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugPrintln = writer
}

// SetDebugEnabled enables or disables debug output
func SetDebugEnabled(enabled bool) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = enabled
}

// IsDebugEnabled returns whether debug output is enabled
func IsDebugEnabled() bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	return debugEnabled
}

func debugTarget() DebugWriter {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugEnabled {
		return nil
	}
	return debugPrintln
}

// InitAsyncDebug starts the async debug output goroutine
// Call this from main() after SetDebugWriter
func InitAsyncDebug() {
	debugMu.Lock()
	defer debugMu.Unlock()
	if debugChan != nil {
		return
	}
	debugChan = make(chan string, 16) // Buffer 16 messages
	go debugOutputWorker(debugChan)
}

// debugOutputWorker runs in background, drains debug channel
func debugOutputWorker(ch chan string) {
	for msg := range ch {
		if w := debugTarget(); w != nil {
			w(msg)
		}
	}
}

// DebugPrintln writes a debug message using the platform-specific writer.
// Handlers run on the receive task, so with a frame-based writer this
// queues a DebugMessage rather than blocking on the link.
func DebugPrintln(msg string) {
	if w := debugTarget(); w != nil {
		w(msg)
	}
}

// DebugAsync queues a debug message for async output (non-blocking)
// Returns immediately even if channel is full (drops message)
func DebugAsync(msg string) {
	debugMu.RLock()
	ch := debugChan
	debugMu.RUnlock()
	if ch != nil {
		select {
		case ch <- msg:
		default:
			// Channel full, drop message (non-blocking)
		}
	}
}
