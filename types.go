package veloserve

import (
	"strings"
	"time"
)

// Version is the engine version reported in SERVER_SOFTWARE and Stats.
const Version = "0.9.0"

// Header is a single response header. Responses carry an ordered slice of
// these rather than a map so that duplicate names survive: scripts emit
// multiple Set-Cookie lines and all of them must reach the client.
type Header struct {
	Name  string
	Value string
}

// Request describes one script execution. It is built once by the HTTP
// layer and never mutated by the engine.
type Request struct {
	// ScriptPath is the absolute filesystem path to the script.
	ScriptPath string

	Method      string
	URI         string
	QueryString string

	// Headers holds the request headers. Multiple values per name are
	// preserved in order.
	Headers map[string][]string

	Body []byte

	DocumentRoot string

	// ScriptName is the URI portion that maps to the script, e.g.
	// "/index.php" for a request to /index.php/blog/1.
	ScriptName string

	// PathInfo is the URI remainder after the script name, e.g. "/blog/1".
	PathInfo string

	RemoteAddr string
	RemotePort string

	// TLS reports whether the request arrived over HTTPS.
	TLS bool

	// Timeout overrides the engine's configured maximum execution time
	// when non-zero.
	Timeout time.Duration
}

// Response is the uniform result of a script execution, identical across
// all three execution modes.
type Response struct {
	StatusCode int
	Headers    []Header
	Body       []byte
}

// HeaderValues returns every value of the named header, case-insensitively.
func (r *Response) HeaderValues(name string) []string {
	var out []string
	for _, h := range r.Headers {
		if strings.EqualFold(h.Name, name) {
			out = append(out, h.Value)
		}
	}
	return out
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	Mode          Mode
	Available     bool
	Version       string
	Workers       int
	ActiveWorkers int

	// Socket mode only: counts reported by the remote worker pool.
	RemoteWorkers int
	IdleWorkers   int
	QueuedJobs    int
	WorkerBinary  string
}
