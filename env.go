package veloserve

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// BuildEnvironment constructs the CGI/1.1 variable set for a request.
// The same mapping feeds every execution mode; scripts see an identical
// environment whether they run in a spawned process, a persistent worker,
// or the embedded interpreter.
func BuildEnvironment(req *Request) map[string]string {
	env := make(map[string]string, 24+len(req.Headers))

	env["GATEWAY_INTERFACE"] = "CGI/1.1"
	env["SERVER_PROTOCOL"] = "HTTP/1.1"
	env["SERVER_SOFTWARE"] = "VeloServe/" + Version

	env["REQUEST_METHOD"] = req.Method
	env["REQUEST_URI"] = req.URI
	env["SCRIPT_NAME"] = req.ScriptName
	env["SCRIPT_FILENAME"] = req.ScriptPath
	env["DOCUMENT_ROOT"] = req.DocumentRoot
	env["QUERY_STRING"] = req.QueryString

	if req.PathInfo != "" {
		env["PATH_INFO"] = req.PathInfo
		env["PATH_TRANSLATED"] = filepath.Join(req.DocumentRoot, strings.TrimPrefix(req.PathInfo, "/"))
	}

	if host := headerValue(req.Headers, "Host"); host != "" {
		env["HTTP_HOST"] = host
		name, port, ok := strings.Cut(host, ":")
		env["SERVER_NAME"] = name
		if ok && port != "" {
			env["SERVER_PORT"] = port
		} else {
			env["SERVER_PORT"] = "80"
		}
	} else {
		env["SERVER_NAME"] = "localhost"
		env["SERVER_PORT"] = "80"
	}

	if ct := headerValue(req.Headers, "Content-Type"); ct != "" {
		env["CONTENT_TYPE"] = ct
	}
	if cl := headerValue(req.Headers, "Content-Length"); cl != "" {
		env["CONTENT_LENGTH"] = cl
	} else if len(req.Body) > 0 {
		env["CONTENT_LENGTH"] = strconv.Itoa(len(req.Body))
	}

	for name, values := range req.Headers {
		lower := strings.ToLower(name)
		if lower == "content-type" || lower == "content-length" {
			continue
		}
		if len(values) == 0 {
			continue
		}
		key := "HTTP_" + strings.ReplaceAll(strings.ToUpper(name), "-", "_")
		env[key] = strings.Join(values, ", ")
	}

	// Required by CGI interpreters invoked without a web-server parent.
	env["REDIRECT_STATUS"] = "200"
	env["PHP_SELF"] = req.ScriptName

	if req.TLS {
		env["HTTPS"] = "on"
	} else {
		env["HTTPS"] = "off"
	}

	if req.RemoteAddr != "" {
		env["REMOTE_ADDR"] = req.RemoteAddr
	} else {
		env["REMOTE_ADDR"] = "127.0.0.1"
	}
	if req.RemotePort != "" {
		env["REMOTE_PORT"] = req.RemotePort
	} else {
		env["REMOTE_PORT"] = "0"
	}

	return env
}

// headerValue returns the first value of the named header, matching
// case-insensitively.
func headerValue(headers map[string][]string, name string) string {
	for k, vs := range headers {
		if strings.EqualFold(k, name) && len(vs) > 0 {
			return vs[0]
		}
	}
	return ""
}

// ResolvePathInfo splits a request URI into the script it addresses and the
// trailing path passed to that script. For doc root /var/www and URI
// /blog/index.php/post/123 it returns /var/www/blog/index.php,
// /blog/index.php and /post/123. Returns ok=false when no segment of the
// URI names an existing file under the doc root.
func ResolvePathInfo(docRoot, uriPath string) (scriptPath, scriptName, pathInfo string, ok bool) {
	parts := strings.Split(strings.TrimPrefix(uriPath, "/"), "/")
	accumulated := ""
	for i, part := range parts {
		if part == "" {
			continue
		}
		accumulated += "/" + part
		candidate := filepath.Join(docRoot, strings.TrimPrefix(accumulated, "/"))
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		rest := ""
		if i+1 < len(parts) {
			rest = "/" + strings.Join(parts[i+1:], "/")
		}
		return candidate, accumulated, rest, true
	}
	return "", "", "", false
}
