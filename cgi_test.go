package veloserve

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeInterpreter writes an executable shell script that mimics a CGI
// interpreter: it answers -v probes, swallows -d flags, and runs the
// body against the last argument (the script path).
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakephp")
	script := `#!/bin/sh
if [ "$1" = "-v" ]; then
	echo "FakePHP 1.0.0 (cli)"
	exit 0
fi
for last; do :; done
` + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "page.php")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestCGI(t *testing.T, interpreterBody string) *cgiExecutor {
	t.Helper()
	cfg := Config{
		BinaryPath:       fakeInterpreter(t, interpreterBody),
		MemoryLimit:      "64M",
		MaxExecutionTime: 5 * time.Second,
	}
	e := newCGIExecutor(cfg, zap.NewNop())
	require.NoError(t, e.start())
	return e
}

func TestCGIStartRecordsVersion(t *testing.T) {
	e := newTestCGI(t, `cat "$last"`)
	assert.Equal(t, "FakePHP 1.0.0 (cli)", e.versionString())
}

func TestCGIStartUnavailable(t *testing.T) {
	cfg := Config{BinaryPath: "/nonexistent/fakephp"}
	e := newCGIExecutor(cfg, zap.NewNop())
	err := e.start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCGIExecuteParsesOutput(t *testing.T) {
	e := newTestCGI(t, `cat "$last"`)
	script := testScript(t, "Content-Type: text/html\r\n\r\n<b>done</b>")

	resp, err := e.execute(context.Background(), &Request{ScriptPath: script}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, []string{"text/html"}, resp.HeaderValues("Content-Type"))
	assert.Equal(t, "<b>done</b>", string(resp.Body))
}

func TestCGIExecutePassesEnvironment(t *testing.T) {
	e := newTestCGI(t, `printf 'X-Method: %s\n\n%s' "$REQUEST_METHOD" "$QUERY_STRING"`)
	script := testScript(t, "ignored")

	env := map[string]string{"REQUEST_METHOD": "POST", "QUERY_STRING": "a=1"}
	resp, err := e.execute(context.Background(), &Request{ScriptPath: script}, env)
	require.NoError(t, err)
	assert.Equal(t, []string{"POST"}, resp.HeaderValues("X-Method"))
	assert.Equal(t, "a=1", string(resp.Body))
}

func TestCGIExecutePipesBody(t *testing.T) {
	e := newTestCGI(t, `cat -`)
	script := testScript(t, "ignored")

	req := &Request{ScriptPath: script, Body: []byte("posted payload")}
	resp, err := e.execute(context.Background(), req, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, "posted payload", string(resp.Body))
}

func TestCGIExecuteTimeout(t *testing.T) {
	e := newTestCGI(t, `exec sleep 10`)
	script := testScript(t, "ignored")

	req := &Request{ScriptPath: script, Timeout: 200 * time.Millisecond}
	start := time.Now()
	_, err := e.execute(context.Background(), req, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCGIExecuteScriptFailure(t *testing.T) {
	e := newTestCGI(t, `echo "fatal error" >&2; exit 255`)
	script := testScript(t, "ignored")

	_, err := e.execute(context.Background(), &Request{ScriptPath: script}, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScript)
}

func TestCGIExecuteNonZeroExitWithOutputServes(t *testing.T) {
	e := newTestCGI(t, `printf 'Status: 500\n\nerror page'; exit 1`)
	script := testScript(t, "ignored")

	resp, err := e.execute(context.Background(), &Request{ScriptPath: script}, map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Equal(t, "error page", string(resp.Body))
}

func TestCGIExecuteSpawnFailure(t *testing.T) {
	e := &cgiExecutor{
		binary: filepath.Join(t.TempDir(), "gone"),
		cfg:    Config{MaxExecutionTime: time.Second},
		logger: zap.NewNop(),
	}
	script := testScript(t, "ignored")

	_, err := e.execute(context.Background(), &Request{ScriptPath: script}, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSpawn)
}

func TestCGISettingsArgs(t *testing.T) {
	cfg := Config{
		MemoryLimit:      "128M",
		MaxExecutionTime: 10 * time.Second,
		DisplayErrors:    true,
		Settings:         []string{"upload_max_filesize=8M"},
	}
	e := newCGIExecutor(cfg, zap.NewNop())
	args := e.settingsArgs()

	assert.Contains(t, args, "memory_limit=128M")
	assert.Contains(t, args, "max_execution_time=10")
	assert.Contains(t, args, "display_errors=On")
	assert.Contains(t, args, "upload_max_filesize=8M")
	assert.Contains(t, args, "expose_php=Off")
}
