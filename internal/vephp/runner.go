package vephp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/veloserve/veloserve/internal/protocol"
	"github.com/veloserve/veloserve/internal/sapi"
)

// RunWorkerLoop is the child side of the pool: read one request frame
// from in, execute it on the embedded runtime, write one response frame
// to out, repeat until EOF. Stdout belongs to the protocol, so the
// logger must write elsewhere.
func RunWorkerLoop(in io.Reader, out io.Writer, cfg sapi.Config) error {
	if err := sapi.Init(cfg); err != nil {
		return fmt.Errorf("initializing runtime: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for {
		var req protocol.Request
		if err := protocol.ReadMessage(in, &req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return fmt.Errorf("reading request: %w", err)
		}

		resp := handleWorkerRequest(&req, logger)
		if err := protocol.WriteMessage(out, resp); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
	}
}

func handleWorkerRequest(req *protocol.Request, logger *zap.Logger) *protocol.Response {
	switch req.Kind {
	case protocol.KindHealthCheck:
		return &protocol.Response{OK: true, Interpreter: sapi.EngineVersion}
	case protocol.KindStatus:
		return &protocol.Response{OK: true, TotalWorkers: 1, Interpreter: sapi.EngineVersion}
	case protocol.KindExecute:
	default:
		return protocol.ErrorResponse(fmt.Sprintf("unknown request kind %d", int(req.Kind)))
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	inv := &sapi.Invocation{
		ScriptPath: req.ScriptPath,
		Env:        req.Env,
		Body:       req.Body,
		Headers:    req.Headers,
	}
	start := time.Now()
	res, err := sapi.Execute(context.Background(), inv, timeout)
	if err != nil {
		logger.Warn("execution failed",
			zap.String("request_id", req.ID),
			zap.String("script", req.ScriptPath),
			zap.Error(err))
		resp := protocol.ErrorResponse(err.Error())
		if errors.Is(err, sapi.ErrDeadline) {
			resp.StatusCode = 504
		}
		return resp
	}

	resp := &protocol.Response{
		OK:          true,
		StatusCode:  res.StatusCode,
		Body:        res.Body,
		Diagnostics: res.Diagnostics,
		Elapsed:     time.Since(start),
	}
	for _, h := range res.Headers {
		resp.Headers = append(resp.Headers, protocol.Header{Name: h.Name, Value: h.Value})
	}
	return resp
}
