// Package veloserve implements the script execution engine of the
// VeloServe web server: one uniform execute contract backed by three
// interchangeable strategies: an interpreter process spawned per request,
// a persistent out-of-process worker reached over a local socket, or an
// in-process embedded interpreter confined to a dedicated thread.
package veloserve

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veloserve/veloserve/internal/sapi"
)

// Mode selects the execution strategy. Exactly one concrete executor is
// constructed at Start; nothing outside construction branches on the mode.
type Mode string

const (
	// ModeCGI spawns one interpreter process per request.
	ModeCGI Mode = "cgi"
	// ModeSocket forwards requests to a vephp persistent worker.
	ModeSocket Mode = "socket"
	// ModeEmbed runs scripts on the in-process embedded interpreter.
	ModeEmbed Mode = "embed"
)

// Config holds everything the engine consumes from server configuration.
type Config struct {
	Mode Mode

	// Workers caps concurrent in-flight executions.
	Workers int

	// MemoryLimit is a human-readable size ("256M") passed to the
	// interpreter.
	MemoryLimit string

	// MaxExecutionTime bounds a single script run.
	MaxExecutionTime time.Duration

	// BinaryPath overrides interpreter discovery for cgi mode.
	BinaryPath string

	// InterpreterVersion biases binary discovery ("8.2" looks for php8.2).
	InterpreterVersion string

	// SocketPath is the vephp worker address for socket mode: a Unix
	// socket path or host:port.
	SocketPath string

	// ErrorLog, when set, receives timestamped script error lines.
	ErrorLog string

	// DisplayErrors lets scripts render their own errors into output.
	DisplayErrors bool

	// Settings are free-form "key=value" interpreter overrides.
	Settings []string

	// DataDir backs the embedded runtime's persistent KV store.
	DataDir string

	Logger *zap.Logger
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeCGI
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() * 2
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = "256M"
	}
	if c.MaxExecutionTime <= 0 {
		c.MaxExecutionTime = 30 * time.Second
	}
	if c.SocketPath == "" {
		c.SocketPath = "/run/veloserve/php.sock"
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// executor is the strategy contract. All three modes implement it.
type executor interface {
	start() error
	execute(ctx context.Context, req *Request, env map[string]string) (*Response, error)
	versionString() string
	shutdown()
}

// Engine owns strategy selection, concurrency gating and availability
// tracking, and exposes the uniform execute contract to the HTTP layer.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	exec    executor
	permits chan struct{}

	available atomic.Bool
	active    atomic.Int64
}

// New creates an engine. Call Start before Execute.
func New(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:     cfg,
		logger:  cfg.Logger,
		permits: make(chan struct{}, cfg.Workers),
	}
}

// Start constructs the configured strategy and probes it. A strategy that
// fails to initialize leaves the engine running but unavailable: every
// Execute returns ErrUnavailable instead of the process dying at startup.
func (e *Engine) Start() error {
	switch e.cfg.Mode {
	case ModeCGI:
		e.exec = newCGIExecutor(e.cfg, e.logger)
	case ModeSocket:
		e.exec = newSocketExecutor(e.cfg, e.logger)
	case ModeEmbed:
		e.exec = newEmbedExecutor(e.cfg, e.logger)
	default:
		return fmt.Errorf("unknown execution mode %q", e.cfg.Mode)
	}

	if err := e.exec.start(); err != nil {
		e.logger.Warn("script engine unavailable",
			zap.String("mode", string(e.cfg.Mode)),
			zap.Error(err))
		e.available.Store(false)
		return nil
	}

	e.available.Store(true)
	e.logger.Info("script engine started",
		zap.String("mode", string(e.cfg.Mode)),
		zap.Int("workers", e.cfg.Workers),
		zap.String("version", e.exec.versionString()))
	return nil
}

// Execute runs one script and returns the uniform response. It blocks
// while all permits are in use, so in-flight executions never exceed the
// configured worker count.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	if !e.available.Load() {
		return nil, fmt.Errorf("%w: mode %s", ErrUnavailable, e.cfg.Mode)
	}

	env := BuildEnvironment(req)

	select {
	case e.permits <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.permits }()

	e.active.Add(1)
	defer e.active.Add(-1)

	return e.exec.execute(ctx, req, env)
}

// Available reports whether the selected strategy initialized.
func (e *Engine) Available() bool {
	return e.available.Load()
}

// Stats returns a snapshot for the server's status surface.
func (e *Engine) Stats() Stats {
	s := Stats{
		Mode:          e.cfg.Mode,
		Available:     e.available.Load(),
		Workers:       e.cfg.Workers,
		ActiveWorkers: int(e.active.Load()),
	}
	if e.exec != nil {
		s.Version = e.exec.versionString()
	}
	if se, ok := e.exec.(*socketExecutor); ok && s.Available {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if resp, err := se.status(ctx); err == nil {
			s.RemoteWorkers = resp.TotalWorkers
			s.IdleWorkers = resp.IdleWorkers
			s.QueuedJobs = resp.QueuedJobs
			s.WorkerBinary = resp.Interpreter
		}
	}
	return s
}

// Shutdown releases strategy resources. The engine is not usable after.
func (e *Engine) Shutdown() {
	e.available.Store(false)
	if e.exec != nil {
		e.exec.shutdown()
	}
}

// embedExecutor adapts the embedded runtime to the executor contract.
type embedExecutor struct {
	cfg    Config
	logger *zap.Logger
}

func newEmbedExecutor(cfg Config, logger *zap.Logger) *embedExecutor {
	return &embedExecutor{cfg: cfg, logger: logger}
}

func (e *embedExecutor) start() error {
	err := sapi.Init(sapi.Config{
		MemoryLimit:   parseSize(e.cfg.MemoryLimit),
		ErrorLog:      e.cfg.ErrorLog,
		DisplayErrors: e.cfg.DisplayErrors,
		DataDir:       e.cfg.DataDir,
		Settings:      settingsMap(e.cfg.Settings),
		Logger:        e.logger,
	})
	if err != nil {
		return fmt.Errorf("%w: embedded runtime: %v", ErrUnavailable, err)
	}
	return nil
}

func (e *embedExecutor) execute(ctx context.Context, req *Request, env map[string]string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.MaxExecutionTime
	}

	inv := &sapi.Invocation{
		ScriptPath: req.ScriptPath,
		Env:        env,
		Body:       req.Body,
		Headers:    req.Headers,
	}

	res, err := sapi.Execute(ctx, inv, timeout)
	if err != nil {
		switch {
		case errors.Is(err, sapi.ErrDeadline):
			return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, req.ScriptPath)
		case errors.Is(err, sapi.ErrNotInitialized):
			return nil, fmt.Errorf("%w: embedded runtime", ErrUnavailable)
		default:
			return nil, fmt.Errorf("%w: %v", ErrScript, err)
		}
	}

	if res.Diagnostics != "" {
		e.logger.Warn("script diagnostics",
			zap.String("script", req.ScriptPath),
			zap.String("message", res.Diagnostics))
	}

	out := &Response{StatusCode: res.StatusCode, Body: res.Body}
	for _, h := range res.Headers {
		out.Headers = append(out.Headers, Header{Name: h.Name, Value: h.Value})
	}
	return out, nil
}

func (e *embedExecutor) versionString() string { return "embedded/" + sapi.EngineVersion }

// settingsMap splits "key=value" overrides into the form the embedded
// runtime serves back through ini_get.
func settingsMap(pairs []string) map[string]string {
	if len(pairs) == 0 {
		return nil
	}
	m := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, _ := strings.Cut(pair, "=")
		k = strings.TrimSpace(k)
		if k != "" {
			m[k] = strings.TrimSpace(v)
		}
	}
	return m
}

func (e *embedExecutor) shutdown() {}

// parseSize converts "256M"-style limits to bytes. Unparseable input
// means no limit.
func parseSize(s string) uint64 {
	if s == "" {
		return 0
	}
	mult := uint64(1)
	switch s[len(s)-1] {
	case 'k', 'K':
		mult = 1 << 10
		s = s[:len(s)-1]
	case 'm', 'M':
		mult = 1 << 20
		s = s[:len(s)-1]
	case 'g', 'G':
		mult = 1 << 30
		s = s[:len(s)-1]
	}
	var n uint64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + uint64(c-'0')
	}
	return n * mult
}
