package sapi

import (
	"bytes"
	"strconv"
	"strings"
	"sync"
)

// capture accumulates everything a script emits through the host hooks:
// body bytes, response headers, and status decisions. One capture is
// reused across executions and reset between them. The mutex is
// defensive; correctness rests on the dedicated thread being the only
// caller.
type capture struct {
	mu sync.Mutex

	body bytes.Buffer

	headers []Header

	// explicitStatus comes from a "Status: NNN" header line and always
	// wins.
	explicitStatus int

	// responseCode comes from http_response_code() and applies when no
	// Status line was sent.
	responseCode int

	lastError string
}

func (c *capture) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body.Reset()
	c.headers = c.headers[:0]
	c.explicitStatus = 0
	c.responseCode = 0
	c.lastError = ""
}

func (c *capture) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.body.WriteString(s)
}

// addHeader records one raw header line. A "Status:" line sets the
// response code instead of being stored. Replace semantics match the
// interpreter contract: every earlier header with the same name is
// removed before the new one is appended, except Set-Cookie, which
// always accumulates.
func (c *capture) addHeader(line string, replace bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	name, value, found := strings.Cut(line, ":")
	if !found {
		return
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.EqualFold(name, "Status") {
		if code, err := strconv.Atoi(firstField(value)); err == nil && code >= 100 && code < 600 {
			c.explicitStatus = code
		}
		return
	}

	if replace && !strings.EqualFold(name, "Set-Cookie") {
		kept := c.headers[:0]
		for _, h := range c.headers {
			if !strings.EqualFold(h.Name, name) {
				kept = append(kept, h)
			}
		}
		c.headers = kept
	}
	c.headers = append(c.headers, Header{Name: name, Value: value})
}

func (c *capture) setResponseCode(code int) {
	if code < 100 || code >= 600 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responseCode = code
}

func (c *capture) setLastError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastError = msg
}

// finalStatus resolves the response code: explicit Status line, then
// script-set code, then 200. A Location header without either upgrades
// the default to 302.
func (c *capture) finalStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *capture) statusLocked() int {
	if c.explicitStatus != 0 {
		return c.explicitStatus
	}
	if c.responseCode != 0 {
		return c.responseCode
	}
	for _, h := range c.headers {
		if strings.EqualFold(h.Name, "Location") {
			return 302
		}
	}
	return 200
}

// produced reports whether the script emitted anything observable. A run
// that errored but still produced output is served, not failed.
func (c *capture) produced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.body.Len() > 0 || len(c.headers) > 0 ||
		c.explicitStatus != 0 || c.responseCode != 0
}

func (c *capture) result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	headers := make([]Header, len(c.headers))
	copy(headers, c.headers)
	body := make([]byte, c.body.Len())
	copy(body, c.body.Bytes())
	return &Result{
		StatusCode:  c.statusLocked(),
		Headers:     headers,
		Body:        body,
		Diagnostics: c.lastError,
	}
}

func firstField(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

// requestContext holds the inbound side of one execution: the raw body
// with a read cursor for the post-read hook, the cookie line, and the
// server variable snapshot. Same locking caveat as capture.
type requestContext struct {
	mu sync.Mutex

	body    []byte
	cursor  int
	cookies string
	env     map[string]string
}

func (rc *requestContext) reset() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.body = nil
	rc.cursor = 0
	rc.cookies = ""
	rc.env = nil
}

func (rc *requestContext) populate(inv *Invocation) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.body = inv.Body
	rc.cursor = 0
	rc.cookies = ""
	rc.env = inv.Env
	for name, values := range inv.Headers {
		if strings.EqualFold(name, "Cookie") && len(values) > 0 {
			rc.cookies = values[0]
			break
		}
	}
}

func (rc *requestContext) cookieHeader() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cookies
}

// readPost returns up to n bytes of the request body, advancing the
// cursor. Repeated calls drain the body exactly once.
func (rc *requestContext) readPost(n int) []byte {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.cursor >= len(rc.body) || n <= 0 {
		return nil
	}
	end := rc.cursor + n
	if end > len(rc.body) {
		end = len(rc.body)
	}
	chunk := rc.body[rc.cursor:end]
	rc.cursor = end
	return chunk
}
