// Package vephp implements the persistent worker daemon: a pool of
// long-lived interpreter child processes, a local socket server speaking
// the engine protocol, and the stdio loop the children themselves run.
package vephp

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/veloserve/veloserve/internal/protocol"
)

// DefaultQueueDepth bounds requests waiting for a free worker.
const DefaultQueueDepth = 100

// PoolConfig configures the worker pool.
type PoolConfig struct {
	// Workers is the number of child processes kept alive.
	Workers int

	// QueueDepth bounds the pending queue; zero means DefaultQueueDepth.
	QueueDepth int

	// WorkerCommand is the argv of the child process. The child must
	// speak the frame protocol on stdin/stdout.
	WorkerCommand []string

	// DefaultTimeout applies to requests that carry no timeout of their
	// own; zero means 30 seconds.
	DefaultTimeout time.Duration

	Logger *zap.Logger
}

// job pairs one request with its reply channel. Jobs sit in the queue
// until an idle worker pulls them, so a burst drains instead of being
// dropped.
type job struct {
	req      *protocol.Request
	reply    chan *protocol.Response
	queued   bool
	enqueued time.Time
}

// Pool keeps Workers child processes alive and feeds them jobs from a
// bounded queue. Each child survives across requests; a child is killed
// and respawned only after a protocol failure or a deadline overrun.
type Pool struct {
	cfg    PoolConfig
	logger *zap.Logger

	queue   chan *job
	workers []*worker
	wg      sync.WaitGroup

	// mu orders enqueues against Close: a sender holds the read lock
	// across its send, and Close takes the write lock before closing the
	// queue, so no send can race the close.
	mu     sync.RWMutex
	closed bool

	busy   atomic.Int64
	served atomic.Int64
}

// NewPool starts the worker goroutines. Children are spawned lazily on
// first dispatch so a pool can be built before its command exists.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("pool needs at least one worker, got %d", cfg.Workers)
	}
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("pool needs a worker command")
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		cfg:    cfg,
		logger: cfg.Logger,
		queue:  make(chan *job, cfg.QueueDepth),
	}
	for i := 0; i < cfg.Workers; i++ {
		w := &worker{
			id:     i,
			argv:   cfg.WorkerCommand,
			logger: cfg.Logger.With(zap.Int("worker", i)),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(p)
		}()
	}
	return p, nil
}

// Execute submits one request and blocks until a worker finishes it. A
// full queue fails fast instead of blocking the caller indefinitely.
func (p *Pool) Execute(req *protocol.Request) *protocol.Response {
	if req.Timeout <= 0 {
		req.Timeout = p.cfg.DefaultTimeout
	}

	j := &job{
		req:      req,
		reply:    make(chan *protocol.Response, 1),
		queued:   p.busy.Load() >= int64(len(p.workers)),
		enqueued: time.Now(),
	}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return protocol.ErrorResponse("pool is shut down")
	}
	select {
	case p.queue <- j:
		p.mu.RUnlock()
	default:
		p.mu.RUnlock()
		p.logger.Warn("queue full, rejecting request",
			zap.String("request_id", req.ID),
			zap.Int("depth", p.cfg.QueueDepth))
		resp := protocol.ErrorResponse(fmt.Sprintf("queue full (%d pending)", p.cfg.QueueDepth))
		// 503 marks exhaustion so the client can distinguish it from a
		// script failure.
		resp.StatusCode = 503
		return resp
	}

	resp := <-j.reply
	resp.Queued = j.queued
	return resp
}

// Status snapshots the pool counters.
func (p *Pool) Status() *protocol.Response {
	busy := int(p.busy.Load())
	return &protocol.Response{
		OK:           true,
		TotalWorkers: len(p.workers),
		BusyWorkers:  busy,
		IdleWorkers:  len(p.workers) - busy,
		QueuedJobs:   len(p.queue),
		Interpreter:  strings.Join(p.cfg.WorkerCommand, " "),
	}
}

// Served reports how many jobs completed since the pool started.
func (p *Pool) Served() int64 {
	return p.served.Load()
}

// Close rejects new work, lets queued jobs finish and kills the children.
// Safe to call while Execute is in flight on other goroutines.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

// worker owns one child process. Only the worker's goroutine touches its
// pipes, so dispatch needs no locking.
type worker struct {
	id     int
	argv   []string
	logger *zap.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// run is the worker loop: pull jobs until the queue closes. Idle workers
// block here, which is exactly what drains the queue after a burst.
func (w *worker) run(p *Pool) {
	for j := range p.queue {
		p.busy.Add(1)
		start := time.Now()
		resp := w.dispatch(j.req)
		resp.Elapsed = time.Since(start)
		p.busy.Add(-1)
		p.served.Add(1)
		j.reply <- resp
	}
	w.kill()
}

// dispatch sends one request to the child and waits for its reply. The
// child is reused across calls; a dead or misbehaving child is killed and
// the call retried once on a fresh one.
func (w *worker) dispatch(req *protocol.Request) *protocol.Response {
	for attempt := 0; ; attempt++ {
		if err := w.ensureStarted(); err != nil {
			return protocol.ErrorResponse(fmt.Sprintf("spawning worker: %v", err))
		}
		resp, err := w.exchange(req)
		if err == nil {
			return resp
		}
		w.logger.Warn("worker exchange failed",
			zap.String("request_id", req.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		w.kill()
		if attempt >= 1 {
			return protocol.ErrorResponse(fmt.Sprintf("worker exchange: %v", err))
		}
	}
}

// exchange writes one frame and reads one back, bounded by the request
// timeout plus a grace second. A timeout kills the child: its state is
// unknown mid-frame, so reuse would desynchronize the stream.
func (w *worker) exchange(req *protocol.Request) (*protocol.Response, error) {
	if err := protocol.WriteMessage(w.stdin, req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout + time.Second)
	defer timer.Stop()

	type result struct {
		resp *protocol.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		var resp protocol.Response
		err := protocol.ReadMessage(w.stdout, &resp)
		ch <- result{resp: &resp, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("reading response: %w", r.err)
		}
		return r.resp, nil
	case <-timer.C:
		w.kill()
		<-ch
		resp := protocol.ErrorResponse(fmt.Sprintf("script timed out after %s", timeout))
		// 504 marks a deadline overrun so the client can report it as a
		// timeout rather than a script failure.
		resp.StatusCode = 504
		return resp, nil
	}
}

func (w *worker) ensureStarted() error {
	if w.cmd != nil {
		return nil
	}
	cmd := exec.Command(w.argv[0], w.argv[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", w.argv[0], err)
	}

	go w.pumpStderr(stderr)

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	w.logger.Info("worker process started", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// pumpStderr forwards the child's stderr to the daemon log line by line.
func (w *worker) pumpStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			w.logger.Info("worker stderr", zap.String("line", line))
		}
	}
}

func (w *worker) kill() {
	if w.cmd == nil {
		return
	}
	_ = w.stdin.Close()
	_ = w.cmd.Process.Kill()
	_ = w.cmd.Wait()
	w.cmd = nil
	w.stdin = nil
	w.stdout = nil
}
