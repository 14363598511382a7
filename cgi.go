package veloserve

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// cgiExecutor runs one interpreter process per request. It is the most
// isolated mode: each call gets its own OS process, killed outright when
// the deadline passes.
type cgiExecutor struct {
	binary  string
	cfg     Config
	logger  *zap.Logger
	version string
}

func newCGIExecutor(cfg Config, logger *zap.Logger) *cgiExecutor {
	binary := cfg.BinaryPath
	if binary == "" {
		binary = findInterpreterBinary(cfg.InterpreterVersion)
	}
	return &cgiExecutor{binary: binary, cfg: cfg, logger: logger}
}

// start probes the interpreter binary and records its version line.
func (e *cgiExecutor) start() error {
	out, err := exec.Command(e.binary, "-v").Output()
	if err != nil {
		return fmt.Errorf("%w: probing %s: %v", ErrUnavailable, e.binary, err)
	}
	line, _, _ := strings.Cut(string(out), "\n")
	e.version = strings.TrimSpace(line)
	return nil
}

func (e *cgiExecutor) execute(ctx context.Context, req *Request, env map[string]string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.MaxExecutionTime
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binary, e.settingsArgs()...)
	cmd.Args = append(cmd.Args, req.ScriptPath)

	// Relative includes resolve against the script's own directory.
	cmd.Dir = filepath.Dir(req.ScriptPath)

	// Without this, a killed interpreter whose own children still hold
	// the output pipes would stall Wait past the deadline.
	cmd.WaitDelay = time.Second

	cmd.Env = make([]string, 0, len(env))
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	if len(req.Body) > 0 {
		cmd.Stdin = bytes.NewReader(req.Body)
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if diag := strings.TrimSpace(stderr.String()); diag != "" {
		e.logger.Warn("interpreter stderr", zap.String("script", req.ScriptPath), zap.String("stderr", diag))
	}

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w after %s: %s", ErrTimeout, timeout, req.ScriptPath)
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("%w: %v", ErrSpawn, runErr)
		}
		// Non-zero exit with output is still a response: many scripts
		// exit(1) after rendering an error page or a redirect.
		if stdout.Len() == 0 {
			return nil, fmt.Errorf("%w: exit %d: %s", ErrScript, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
	}

	return parseScriptOutput(stdout.Bytes()), nil
}

// settingsArgs builds the fixed safety flags plus operator extras, passed
// as "-d key=value" pairs the way CGI interpreters accept ini overrides.
func (e *cgiExecutor) settingsArgs() []string {
	args := []string{
		"-d", "memory_limit=" + e.cfg.MemoryLimit,
		"-d", fmt.Sprintf("max_execution_time=%d", int(e.cfg.MaxExecutionTime/time.Second)),
		"-d", "expose_php=Off",
		"-d", "log_errors=On",
	}
	if e.cfg.DisplayErrors {
		args = append(args, "-d", "display_errors=On")
	} else {
		args = append(args, "-d", "display_errors=Off")
	}
	for _, s := range e.cfg.Settings {
		args = append(args, "-d", s)
	}
	return args
}

func (e *cgiExecutor) versionString() string { return e.version }

func (e *cgiExecutor) shutdown() {}

// findInterpreterBinary locates the interpreter on disk, preferring
// version-suffixed installs, then common locations, then PATH lookup.
func findInterpreterBinary(preferredVersion string) string {
	if preferredVersion != "" {
		versioned := []string{
			"/usr/bin/php" + preferredVersion,
			"/usr/local/bin/php" + preferredVersion,
			"/usr/bin/php" + strings.ReplaceAll(preferredVersion, ".", ""),
		}
		for _, p := range versioned {
			if _, err := os.Stat(p); err == nil {
				return p
			}
		}
	}
	common := []string{
		"/usr/bin/php",
		"/usr/local/bin/php",
		"/opt/php/bin/php",
		"/opt/homebrew/bin/php",
	}
	for _, p := range common {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return "php"
}
