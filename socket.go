package veloserve

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veloserve/veloserve/internal/protocol"
)

// socketExecutor talks to a long-running vephp worker over a local socket.
// Each call opens its own connection, writes one request frame, reads one
// response frame and disconnects; concurrent calls need no coordination.
type socketExecutor struct {
	addr   string
	cfg    Config
	logger *zap.Logger
}

func newSocketExecutor(cfg Config, logger *zap.Logger) *socketExecutor {
	return &socketExecutor{addr: cfg.SocketPath, cfg: cfg, logger: logger}
}

// start verifies the worker answers a health check.
func (e *socketExecutor) start() error {
	resp, err := e.roundTrip(context.Background(), protocol.NewHealthCheck())
	if err != nil {
		return fmt.Errorf("%w: worker at %s: %v", ErrUnavailable, e.addr, err)
	}
	if !resp.OK {
		return fmt.Errorf("%w: worker at %s reported %q", ErrUnavailable, e.addr, resp.Error)
	}
	return nil
}

func (e *socketExecutor) execute(ctx context.Context, req *Request, env map[string]string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.MaxExecutionTime
	}

	wreq := &protocol.Request{
		Kind:         protocol.KindExecute,
		ID:           uuid.NewString(),
		ScriptPath:   req.ScriptPath,
		Method:       req.Method,
		URI:          req.URI,
		Headers:      req.Headers,
		Body:         req.Body,
		QueryParams:  parseQueryParams(req.QueryString),
		Env:          env,
		DocumentRoot: req.DocumentRoot,
		RemoteAddr:   req.RemoteAddr,
		Timeout:      timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	resp, err := e.roundTrip(ctx, wreq)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, req.ScriptPath)
		}
		return nil, err
	}

	if resp.Diagnostics != "" {
		e.logger.Warn("worker diagnostics",
			zap.String("request_id", wreq.ID),
			zap.String("script", req.ScriptPath),
			zap.String("stderr", resp.Diagnostics))
	}
	if !resp.OK {
		switch resp.StatusCode {
		case 503:
			return nil, fmt.Errorf("%w: %s", ErrPoolExhausted, resp.Error)
		case 504:
			return nil, fmt.Errorf("%w: %s", ErrTimeout, resp.Error)
		default:
			return nil, fmt.Errorf("%w: %s", ErrScript, resp.Error)
		}
	}

	out := &Response{StatusCode: resp.StatusCode, Body: resp.Body}
	for _, h := range resp.Headers {
		out.Headers = append(out.Headers, Header{Name: h.Name, Value: h.Value})
	}
	return out, nil
}

// roundTrip performs the one-connection, one-exchange protocol dance.
func (e *socketExecutor) roundTrip(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	conn, err := dialWorker(ctx, e.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", ErrUnavailable, e.addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := protocol.WriteMessage(conn, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	var resp protocol.Response
	if err := protocol.ReadMessage(conn, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return &resp, nil
}

// status queries the worker's pool counters.
func (e *socketExecutor) status(ctx context.Context) (*protocol.Response, error) {
	return e.roundTrip(ctx, protocol.NewStatus())
}

func (e *socketExecutor) versionString() string { return "vephp@" + e.addr }

func (e *socketExecutor) shutdown() {}

// dialWorker connects to either a Unix socket path or a TCP address; the
// two are distinguished by a leading slash, nothing else.
func dialWorker(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		network = "unix"
	}
	return d.DialContext(ctx, network, addr)
}

// parseQueryParams splits a raw query string into a flat map. Values keep
// their URL encoding; scripts decode per their own rules.
func parseQueryParams(query string) map[string]string {
	if query == "" {
		return nil
	}
	params := make(map[string]string)
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		params[k] = v
	}
	return params
}
