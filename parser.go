package veloserve

import (
	"bytes"
	"strconv"
	"strings"
)

// parseScriptOutput splits combined interpreter output into headers and
// body. Scripts frequently emit no header block at all, so the parser is
// deliberately strict about what counts as a header: a line qualifies only
// if it contains a colon, does not start with '<', does not contain '{',
// and its name is made of letters, digits, '-' or '_'. The first line that
// fails the test makes the entire remaining output (including that line)
// the body. A "Status: <code> ..." line sets the status instead of being
// stored.
func parseScriptOutput(output []byte) *Response {
	resp := &Response{StatusCode: 200}
	explicit := false
	defer func() {
		if !explicit {
			applyLocationStatus(resp)
		}
	}()

	rest := output
	for len(rest) > 0 {
		line, remainder := cutLine(rest)

		// Blank line ends the header block; everything after is body.
		if len(bytes.TrimRight(line, "\r")) == 0 {
			resp.Body = remainder
			return resp
		}

		name, value, ok := splitHeaderLine(line)
		if !ok {
			// Not a header: the whole remaining output is body.
			resp.Body = rest
			return resp
		}

		if strings.EqualFold(name, "Status") {
			if code := firstToken(value); code != "" {
				if n, err := strconv.Atoi(code); err == nil {
					resp.StatusCode = n
					explicit = true
				}
			}
		} else {
			resp.Headers = append(resp.Headers, Header{Name: name, Value: value})
		}
		rest = remainder
	}

	// Headers only, no body.
	return resp
}

// applyLocationStatus upgrades a default 200 to 302 when the script sent a
// Location header without an explicit status, per CGI redirect rules.
func applyLocationStatus(resp *Response) {
	if resp.StatusCode != 200 {
		return
	}
	for _, h := range resp.Headers {
		if strings.EqualFold(h.Name, "Location") {
			resp.StatusCode = 302
			return
		}
	}
}

// cutLine splits buf at the first '\n', tolerating both LF and CRLF.
func cutLine(buf []byte) (line, rest []byte) {
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		return bytes.TrimRight(buf[:i], "\r"), buf[i+1:]
	}
	return buf, nil
}

// splitHeaderLine applies the header heuristic to a single line.
func splitHeaderLine(line []byte) (name, value string, ok bool) {
	if len(line) == 0 || line[0] == '<' || bytes.IndexByte(line, '{') >= 0 {
		return "", "", false
	}
	i := bytes.IndexByte(line, ':')
	if i <= 0 {
		return "", "", false
	}
	rawName := strings.TrimSpace(string(line[:i]))
	if !validHeaderName(rawName) {
		return "", "", false
	}
	return rawName, strings.TrimSpace(string(line[i+1:])), true
}

func validHeaderName(name string) bool {
	if name == "" {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

func firstToken(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
