package veloserve

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veloserve/veloserve/internal/protocol"
)

// startFakeWorker runs a minimal vephp stand-in on a loopback TCP port.
// handle inspects each request and produces the reply.
func startFakeWorker(t *testing.T, handle func(*protocol.Request) *protocol.Response) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				var req protocol.Request
				if err := protocol.ReadMessage(c, &req); err != nil {
					return
				}
				_ = protocol.WriteMessage(c, handle(&req))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newSocketEngineConfig(addr string) Config {
	return Config{
		Mode:             ModeSocket,
		SocketPath:       addr,
		MaxExecutionTime: 5 * time.Second,
		Logger:           zap.NewNop(),
	}
}

func TestSocketStartHealthChecks(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		assert.Equal(t, protocol.KindHealthCheck, req.Kind)
		return &protocol.Response{OK: true}
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())
	require.NoError(t, e.start())
}

func TestSocketStartUnavailableWhenDown(t *testing.T) {
	e := newSocketExecutor(newSocketEngineConfig("127.0.0.1:1"), zap.NewNop())
	err := e.start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSocketStartUnhealthyWorker(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		return protocol.ErrorResponse("interpreter missing")
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())
	err := e.start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSocketExecuteRoundTrip(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		assert.Equal(t, protocol.KindExecute, req.Kind)
		assert.NotEmpty(t, req.ID)
		assert.Equal(t, "/var/www/page.php", req.ScriptPath)
		assert.Equal(t, "1", req.QueryParams["a"])
		assert.Equal(t, "POST", req.Env["REQUEST_METHOD"])
		return &protocol.Response{
			OK:         true,
			StatusCode: 201,
			Headers:    []protocol.Header{{Name: "X-Worker", Value: "yes"}},
			Body:       []byte("from worker"),
		}
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())

	req := &Request{
		ScriptPath:  "/var/www/page.php",
		Method:      "POST",
		QueryString: "a=1",
	}
	resp, err := e.execute(context.Background(), req, map[string]string{"REQUEST_METHOD": "POST"})
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, []string{"yes"}, resp.HeaderValues("X-Worker"))
	assert.Equal(t, "from worker", string(resp.Body))
}

func TestSocketExecuteWorkerError(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		return protocol.ErrorResponse("script blew up")
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())

	_, err := e.execute(context.Background(), &Request{ScriptPath: "/x.php"}, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScript)
	assert.Contains(t, err.Error(), "script blew up")
}

func TestSocketExecutePoolExhausted(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		resp := protocol.ErrorResponse("queue full (100 pending)")
		resp.StatusCode = 503
		return resp
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())

	_, err := e.execute(context.Background(), &Request{ScriptPath: "/x.php"}, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestSocketExecuteWorkerSideTimeout(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		resp := protocol.ErrorResponse("script timed out after 1s")
		resp.StatusCode = 504
		return resp
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())

	// The worker reporting a deadline overrun surfaces as a timeout, not
	// a script failure.
	_, err := e.execute(context.Background(), &Request{ScriptPath: "/slow.php"}, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.NotErrorIs(t, err, ErrScript)
}

func TestSocketExecuteTimeout(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		time.Sleep(5 * time.Second)
		return &protocol.Response{OK: true}
	})
	cfg := newSocketEngineConfig(addr)
	e := newSocketExecutor(cfg, zap.NewNop())

	req := &Request{ScriptPath: "/slow.php", Timeout: 200 * time.Millisecond}
	start := time.Now()
	_, err := e.execute(context.Background(), req, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestSocketStatus(t *testing.T) {
	addr := startFakeWorker(t, func(req *protocol.Request) *protocol.Response {
		require.Equal(t, protocol.KindStatus, req.Kind)
		return &protocol.Response{OK: true, TotalWorkers: 4, IdleWorkers: 3, QueuedJobs: 1}
	})
	e := newSocketExecutor(newSocketEngineConfig(addr), zap.NewNop())

	resp, err := e.status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, resp.TotalWorkers)
	assert.Equal(t, 3, resp.IdleWorkers)
	assert.Equal(t, 1, resp.QueuedJobs)
}

func TestSocketMalformedReply(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var req protocol.Request
		_ = protocol.ReadMessage(conn, &req)
		_, _ = conn.Write([]byte("garbage, not a frame"))
	}()

	e := newSocketExecutor(newSocketEngineConfig(ln.Addr().String()), zap.NewNop())
	_, err = e.execute(context.Background(), &Request{ScriptPath: "/x.php"}, map[string]string{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestParseQueryParams(t *testing.T) {
	assert.Nil(t, parseQueryParams(""))
	assert.Equal(t, map[string]string{"a": "1", "b": ""}, parseQueryParams("a=1&b"))
	assert.Equal(t, map[string]string{"x": "y=z"}, parseQueryParams("x=y=z"))
}
