package veloserve

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildEnvironmentBasics(t *testing.T) {
	req := &Request{
		ScriptPath:   "/var/www/app/index.php",
		ScriptName:   "/app/index.php",
		Method:       "GET",
		URI:          "/app/index.php?a=1",
		QueryString:  "a=1",
		DocumentRoot: "/var/www",
	}
	env := BuildEnvironment(req)

	assert.Equal(t, "CGI/1.1", env["GATEWAY_INTERFACE"])
	assert.Equal(t, "HTTP/1.1", env["SERVER_PROTOCOL"])
	assert.Equal(t, "VeloServe/"+Version, env["SERVER_SOFTWARE"])
	assert.Equal(t, "GET", env["REQUEST_METHOD"])
	assert.Equal(t, "/app/index.php?a=1", env["REQUEST_URI"])
	assert.Equal(t, "/var/www/app/index.php", env["SCRIPT_FILENAME"])
	assert.Equal(t, "/app/index.php", env["SCRIPT_NAME"])
	assert.Equal(t, "/app/index.php", env["PHP_SELF"])
	assert.Equal(t, "/var/www", env["DOCUMENT_ROOT"])
	assert.Equal(t, "a=1", env["QUERY_STRING"])
	assert.Equal(t, "200", env["REDIRECT_STATUS"])
	assert.Equal(t, "off", env["HTTPS"])
	assert.Equal(t, "127.0.0.1", env["REMOTE_ADDR"])
	assert.Equal(t, "0", env["REMOTE_PORT"])
}

func TestBuildEnvironmentHostHeader(t *testing.T) {
	req := &Request{Headers: map[string][]string{"Host": {"example.com:8080"}}}
	env := BuildEnvironment(req)
	assert.Equal(t, "example.com:8080", env["HTTP_HOST"])
	assert.Equal(t, "example.com", env["SERVER_NAME"])
	assert.Equal(t, "8080", env["SERVER_PORT"])

	env = BuildEnvironment(&Request{Headers: map[string][]string{"host": {"example.com"}}})
	assert.Equal(t, "example.com", env["SERVER_NAME"])
	assert.Equal(t, "80", env["SERVER_PORT"])

	env = BuildEnvironment(&Request{})
	assert.Equal(t, "localhost", env["SERVER_NAME"])
	assert.Equal(t, "80", env["SERVER_PORT"])
}

func TestBuildEnvironmentContentHeaders(t *testing.T) {
	req := &Request{
		Method: "POST",
		Headers: map[string][]string{
			"Content-Type": {"application/x-www-form-urlencoded"},
		},
		Body: []byte("name=velo"),
	}
	env := BuildEnvironment(req)
	assert.Equal(t, "application/x-www-form-urlencoded", env["CONTENT_TYPE"])
	// Missing Content-Length falls back to the body size.
	assert.Equal(t, "9", env["CONTENT_LENGTH"])
	// Content headers never double as HTTP_ variables.
	_, present := env["HTTP_CONTENT_TYPE"]
	assert.False(t, present)
}

func TestBuildEnvironmentHeaderMapping(t *testing.T) {
	req := &Request{
		Headers: map[string][]string{
			"X-Custom-Token": {"abc"},
			"Accept":         {"text/html", "application/json"},
		},
	}
	env := BuildEnvironment(req)
	assert.Equal(t, "abc", env["HTTP_X_CUSTOM_TOKEN"])
	assert.Equal(t, "text/html, application/json", env["HTTP_ACCEPT"])
}

func TestBuildEnvironmentPathInfo(t *testing.T) {
	req := &Request{
		DocumentRoot: "/var/www",
		PathInfo:     "/post/123",
	}
	env := BuildEnvironment(req)
	assert.Equal(t, "/post/123", env["PATH_INFO"])
	assert.Equal(t, "/var/www/post/123", env["PATH_TRANSLATED"])

	env = BuildEnvironment(&Request{DocumentRoot: "/var/www"})
	_, present := env["PATH_INFO"]
	assert.False(t, present)
}

func TestBuildEnvironmentTLS(t *testing.T) {
	env := BuildEnvironment(&Request{TLS: true})
	assert.Equal(t, "on", env["HTTPS"])
}

func TestResolvePathInfo(t *testing.T) {
	docRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(docRoot, "blog"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(docRoot, "blog", "index.php"), []byte("x"), 0o644))

	scriptPath, scriptName, pathInfo, ok := ResolvePathInfo(docRoot, "/blog/index.php/post/123")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(docRoot, "blog", "index.php"), scriptPath)
	assert.Equal(t, "/blog/index.php", scriptName)
	assert.Equal(t, "/post/123", pathInfo)

	// No trailing path.
	_, scriptName, pathInfo, ok = ResolvePathInfo(docRoot, "/blog/index.php")
	require.True(t, ok)
	assert.Equal(t, "/blog/index.php", scriptName)
	assert.Equal(t, "", pathInfo)

	// A directory is not a script.
	_, _, _, ok = ResolvePathInfo(docRoot, "/blog")
	assert.False(t, ok)

	_, _, _, ok = ResolvePathInfo(docRoot, "/missing.php")
	assert.False(t, ok)
}
