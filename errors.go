package veloserve

import "errors"

// Sentinel errors for every failure class the engine reports. Callers
// match with errors.Is; the wrapped message carries the detail.
var (
	// ErrUnavailable: the selected execution mode failed to initialize
	// (interpreter binary missing, worker socket absent, embedded runtime
	// init failed). Recorded once at startup and returned on every call.
	ErrUnavailable = errors.New("script engine unavailable")

	// ErrTimeout: the configured deadline elapsed before the script
	// produced a result.
	ErrTimeout = errors.New("script execution timed out")

	// ErrSpawn: the OS failed to create the interpreter process.
	ErrSpawn = errors.New("failed to spawn interpreter")

	// ErrProtocol: a wire message to or from the persistent worker was
	// malformed or could not be decoded.
	ErrProtocol = errors.New("worker protocol error")

	// ErrScript: the script ran but failed, non-zero exit with no usable
	// output, or an embedded execution with no valid response signal.
	ErrScript = errors.New("script execution failed")

	// ErrPoolExhausted: no idle worker and the pending queue is full.
	ErrPoolExhausted = errors.New("worker pool exhausted")
)
