// Package protocol defines the messages exchanged between the engine's
// socket client and the vephp worker, and their wire encoding.
//
// Every message travels as one self-describing gob frame preceded by an
// explicit 4-byte big-endian byte count. The length prefix is load-bearing:
// receivers read exactly one complete message regardless of size, so a
// multi-megabyte POST body survives the trip intact where a fixed receive
// buffer would truncate it.
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// MaxFrameSize bounds a single frame. Anything larger is rejected as a
// protocol error before allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Kind discriminates request messages.
type Kind int

const (
	// KindExecute runs a script.
	KindExecute Kind = iota
	// KindHealthCheck asks for an immediate liveness reply.
	KindHealthCheck
	// KindStatus asks for pool counters.
	KindStatus
)

func (k Kind) String() string {
	switch k {
	case KindExecute:
		return "execute"
	case KindHealthCheck:
		return "health-check"
	case KindStatus:
		return "status"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Header is one response header. Order is preserved and duplicate names
// are allowed, which multiple Set-Cookie lines depend on.
type Header struct {
	Name  string
	Value string
}

// Request is sent from the engine to the worker, one per connection.
type Request struct {
	Kind         Kind
	ID           string // uuid for log correlation
	ScriptPath   string
	Method       string
	URI          string
	Headers      map[string][]string
	Body         []byte
	QueryParams  map[string]string
	Env          map[string]string
	DocumentRoot string
	RemoteAddr   string
	Timeout      time.Duration
}

// NewExecute builds an execute request with a fresh correlation ID.
func NewExecute(scriptPath string) *Request {
	return &Request{
		Kind:       KindExecute,
		ID:         uuid.NewString(),
		ScriptPath: scriptPath,
		Method:     "GET",
		URI:        "/",
		Timeout:    30 * time.Second,
	}
}

// NewHealthCheck builds a health-check request.
func NewHealthCheck() *Request {
	return &Request{Kind: KindHealthCheck, ID: uuid.NewString(), Timeout: 5 * time.Second}
}

// NewStatus builds a status request.
func NewStatus() *Request {
	return &Request{Kind: KindStatus, ID: uuid.NewString(), Timeout: 5 * time.Second}
}

// Response is the worker's reply, one per connection.
type Response struct {
	OK         bool
	StatusCode int
	Headers    []Header
	Body       []byte
	Error      string
	// Diagnostics carries stderr-equivalent output. It is logged by the
	// caller even when the execution succeeded.
	Diagnostics string
	Elapsed     time.Duration
	// Queued reports that the request waited in the pool's pending queue
	// before a worker picked it up.
	Queued bool

	// Status fields, populated for KindStatus replies.
	TotalWorkers int
	BusyWorkers  int
	IdleWorkers  int
	QueuedJobs   int
	Interpreter  string
}

// ErrorResponse builds a failed response carrying a message.
func ErrorResponse(msg string) *Response {
	return &Response{OK: false, StatusCode: 500, Error: msg, Diagnostics: msg}
}

// WriteMessage encodes v as gob and writes it as one length-prefixed frame.
func WriteMessage(w io.Writer, v any) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if buf.Len() > MaxFrameSize {
		return fmt.Errorf("message of %d bytes exceeds frame limit", buf.Len())
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(buf.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadMessage reads exactly one frame from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return fmt.Errorf("reading frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(v); err != nil {
		return fmt.Errorf("decoding message: %w", err)
	}
	return nil
}
