// Package sapi hosts the in-process embedded interpreter (QuickJS via
// modernc.org/quickjs). The interpreter is not safe to call from more than
// one thread, or concurrently from the same thread, so a single dedicated
// goroutine, locked to its OS thread for the life of the process, owns
// the VM exclusively. Every external call is marshaled through a bounded
// mailbox and answered on a per-call reply channel; no other goroutine
// ever touches the VM.
package sapi

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"modernc.org/quickjs"
)

// EngineVersion identifies the embedded interpreter in stats output.
const EngineVersion = "quickjs"

// mailboxDepth bounds in-flight requests queued for the dedicated thread.
const mailboxDepth = 32

var (
	// ErrNotInitialized is returned when Init has not run or failed.
	ErrNotInitialized = errors.New("embedded runtime not initialized")

	// ErrDeadline is returned when the caller's timeout elapses. The
	// dedicated thread still finishes the in-flight script; its result is
	// discarded.
	ErrDeadline = errors.New("embedded execution deadline exceeded")
)

// Config controls one-time runtime initialization.
type Config struct {
	// MemoryLimit in bytes for the VM heap; zero means unlimited.
	MemoryLimit uint64

	// ErrorLog, when set, receives timestamped script error lines.
	ErrorLog string

	// DisplayErrors appends script error text to the response body
	// instead of only logging it.
	DisplayErrors bool

	// DataDir enables the persistent KV host API when non-empty.
	DataDir string

	// Settings are free-form interpreter settings scripts can read back
	// through ini_get.
	Settings map[string]string

	Logger *zap.Logger
}

// Invocation is one execution request crossing into the dedicated thread.
type Invocation struct {
	ScriptPath string
	Env        map[string]string
	Body       []byte
	Headers    map[string][]string
}

// Header is an ordered response header pair.
type Header struct {
	Name  string
	Value string
}

// Result is the assembled response from one execution. Diagnostics
// carries the last script-logged error even when the run produced a
// servable response.
type Result struct {
	StatusCode  int
	Headers     []Header
	Body        []byte
	Diagnostics string
}

// message pairs an invocation with its single-use reply channel. The
// channel is buffered so the dedicated thread never blocks on a caller
// that already gave up.
type message struct {
	inv   *Invocation
	reply chan outcome
}

type outcome struct {
	res *Result
	err error
}

var (
	initOnce sync.Once
	initErr  error
	mailbox  chan *message
)

// Init starts the dedicated interpreter thread. It is safe to call more
// than once; only the first call does work. A failed initialization is
// recorded and reported by every subsequent Execute instead of panicking.
func Init(cfg Config) error {
	initOnce.Do(func() {
		if cfg.Logger == nil {
			cfg.Logger = zap.NewNop()
		}
		mailbox = make(chan *message, mailboxDepth)
		ready := make(chan error, 1)
		go runLoop(cfg, mailbox, ready)
		initErr = <-ready
		if initErr != nil {
			mailbox = nil
		}
	})
	return initErr
}

// Execute submits one invocation to the dedicated thread and waits for
// its reply or the timeout, whichever comes first. A timeout abandons the
// call logically; the script is not interrupted.
func Execute(ctx context.Context, inv *Invocation, timeout time.Duration) (*Result, error) {
	if mailbox == nil || initErr != nil {
		if initErr != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotInitialized, initErr)
		}
		return nil, ErrNotInitialized
	}

	msg := &message{inv: inv, reply: make(chan outcome, 1)}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case mailbox <- msg:
	case <-timer.C:
		return nil, ErrDeadline
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-msg.reply:
		return out.res, out.err
	case <-timer.C:
		return nil, ErrDeadline
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// runLoop is the dedicated thread: it initializes the VM, reports
// readiness, then serves the mailbox until process exit. The OS thread is
// locked for the whole lifetime; interpreter state lives in
// thread-affine C memory.
func runLoop(cfg Config, mailbox <-chan *message, ready chan<- error) {
	runtime.LockOSThread()

	vm, err := quickjs.NewVM()
	if err != nil {
		ready <- fmt.Errorf("creating VM: %w", err)
		return
	}
	if cfg.MemoryLimit > 0 {
		vm.SetMemoryLimit(uintptr(cfg.MemoryLimit))
	}

	rt := &runtimeState{
		vm:      vm,
		cfg:     cfg,
		logger:  cfg.Logger,
		capture: &capture{},
		reqCtx:  &requestContext{},
	}

	if cfg.DataDir != "" {
		store, err := openKV(cfg.DataDir)
		if err != nil {
			vm.Close()
			ready <- fmt.Errorf("opening kv store: %w", err)
			return
		}
		rt.kv = store
	}

	if err := installBindings(rt); err != nil {
		vm.Close()
		ready <- fmt.Errorf("installing host bindings: %w", err)
		return
	}

	cfg.Logger.Info("embedded runtime initialized", zap.String("engine", EngineVersion))
	ready <- nil

	for msg := range mailbox {
		res, err := rt.executeOnThread(msg.inv)
		msg.reply <- outcome{res: res, err: err}
	}
}

// runtimeState is everything the dedicated thread owns: the VM, the
// per-execution capture and request context, and the optional KV store.
// The mutexes inside capture/requestContext are defensive only; the
// correctness invariant is that nothing outside the dedicated thread
// reaches these fields.
type runtimeState struct {
	vm      *quickjs.VM
	cfg     Config
	logger  *zap.Logger
	capture *capture
	reqCtx  *requestContext
	kv      *kvStore
}
