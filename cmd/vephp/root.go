package main

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/veloserve/veloserve/internal/vephp"
)

// daemonEnvMarker distinguishes the detached re-exec from the initial
// --daemon invocation.
const daemonEnvMarker = "VEPHP_DAEMONIZED"

var rootCmd = &cobra.Command{
	Use:   "vephp",
	Short: "Persistent script worker daemon for VeloServe",
	Long: `vephp keeps a pool of interpreter worker processes alive behind a
local socket. The VeloServe engine connects per request, sends one
execute frame and reads one response frame, skipping interpreter
startup cost entirely.`,
	Version: "0.9.0",
	RunE:    runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().StringP("socket", "s", "/run/veloserve/php.sock",
		"Unix socket path (leading slash) or TCP host:port to listen on")
	rootCmd.Flags().StringP("user", "u", "", "Drop privileges to this user after binding")
	rootCmd.Flags().IntP("workers", "w", 4, "Worker processes to keep alive")
	rootCmd.Flags().Int("queue-depth", vephp.DefaultQueueDepth, "Pending requests held while all workers are busy")
	rootCmd.Flags().Int("max-conns", 0, "Simultaneous connections (0 = unlimited)")
	rootCmd.Flags().StringSlice("worker-cmd", nil,
		"Worker child argv (default: this binary's runner subcommand)")
	rootCmd.Flags().String("interpreter", "",
		"Interpreter binary to run as the worker child; must speak the frame protocol on stdio")
	rootCmd.Flags().StringP("memory-limit", "m", "256M", "Per-worker interpreter memory limit")
	rootCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Default execution timeout per request")
	rootCmd.Flags().String("settings", "", "Interpreter settings file (key=value per line)")
	rootCmd.Flags().String("error-log", "", "Script error log file")
	rootCmd.Flags().Bool("display-errors", false, "Render script errors into responses")
	rootCmd.Flags().String("data-dir", "", "Data directory for the workers' persistent KV store")
	rootCmd.Flags().BoolP("daemon", "d", false, "Detach and run in the background")
	rootCmd.Flags().String("pid-file", "", "Write the daemon PID to this file")
	rootCmd.Flags().BoolP("verbose", "v", false, "Debug logging")
}

func runServe(cmd *cobra.Command, args []string) error {
	socket, _ := cmd.Flags().GetString("socket")
	runAsUser, _ := cmd.Flags().GetString("user")
	workers, _ := cmd.Flags().GetInt("workers")
	queueDepth, _ := cmd.Flags().GetInt("queue-depth")
	maxConns, _ := cmd.Flags().GetInt("max-conns")
	workerCmd, _ := cmd.Flags().GetStringSlice("worker-cmd")
	interpreter, _ := cmd.Flags().GetString("interpreter")
	memoryLimit, _ := cmd.Flags().GetString("memory-limit")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	settingsPath, _ := cmd.Flags().GetString("settings")
	errorLog, _ := cmd.Flags().GetString("error-log")
	displayErrors, _ := cmd.Flags().GetBool("display-errors")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	daemonize, _ := cmd.Flags().GetBool("daemon")
	pidFile, _ := cmd.Flags().GetString("pid-file")
	verbose, _ := cmd.Flags().GetBool("verbose")

	if daemonize && os.Getenv(daemonEnvMarker) == "" {
		return detach()
	}

	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var extraSettings []string
	if settingsPath != "" {
		settings, err := parseSettingsFile(settingsPath)
		if err != nil {
			return err
		}
		// Recognized keys act as defaults; explicit flags win.
		if v, ok := settings["memory_limit"]; ok && !cmd.Flags().Changed("memory-limit") {
			memoryLimit = v
		}
		if v, ok := settings["error_log"]; ok && !cmd.Flags().Changed("error-log") {
			errorLog = v
		}
		if v, ok := settings["display_errors"]; ok && !cmd.Flags().Changed("display-errors") {
			displayErrors = settingTruthy(v)
		}
		if v, ok := settings["data_dir"]; ok && !cmd.Flags().Changed("data-dir") {
			dataDir = v
		}
		for k, v := range settings {
			switch k {
			case "memory_limit", "error_log", "display_errors", "data_dir":
			default:
				extraSettings = append(extraSettings, k+"="+v)
			}
		}
	}

	switch {
	case len(workerCmd) > 0:
		// Operator owns the argv, settings are not forwarded.
	case interpreter != "":
		workerCmd = []string{interpreter}
	default:
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolving own binary: %w", err)
		}
		workerCmd = []string{exe, "runner",
			"--memory-limit", memoryLimit,
		}
		if errorLog != "" {
			workerCmd = append(workerCmd, "--error-log", errorLog)
		}
		if displayErrors {
			workerCmd = append(workerCmd, "--display-errors")
		}
		if dataDir != "" {
			workerCmd = append(workerCmd, "--data-dir", dataDir)
		}
		for _, s := range extraSettings {
			workerCmd = append(workerCmd, "--set", s)
		}
	}

	if pidFile != "" {
		pid := strconv.Itoa(os.Getpid())
		if err := os.WriteFile(pidFile, []byte(pid+"\n"), 0o644); err != nil {
			return fmt.Errorf("writing pid file: %w", err)
		}
		defer os.Remove(pidFile)
	}

	pool, err := vephp.NewPool(vephp.PoolConfig{
		Workers:        workers,
		QueueDepth:     queueDepth,
		WorkerCommand:  workerCmd,
		DefaultTimeout: timeout,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	srv := vephp.NewServer(vephp.ServerConfig{
		Addr:     socket,
		MaxConns: maxConns,
		Logger:   logger,
	}, pool)
	if err := srv.Listen(); err != nil {
		logger.Error("bind failed", zap.String("addr", socket), zap.Error(err))
		return err
	}
	defer srv.Close()

	if runAsUser != "" {
		if err := dropPrivileges(runAsUser); err != nil {
			logger.Error("privilege drop failed", zap.String("user", runAsUser), zap.Error(err))
			return err
		}
		logger.Info("running as", zap.String("user", runAsUser))
	}

	logger.Info("vephp daemon started",
		zap.String("socket", socket),
		zap.Int("workers", workers),
		zap.Duration("timeout", timeout),
		zap.Strings("worker_cmd", workerCmd))

	done := make(chan error, 1)
	go func() { done <- srv.Serve() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-done:
		return err
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
		return nil
	}
}

// detach re-executes this binary in a new session with the daemon marker
// set, then exits the foreground process.
func detach() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own binary: %w", err)
	}
	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonEnvMarker+"=1")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("detaching: %w", err)
	}
	fmt.Printf("vephp started in background, pid %d\n", child.Process.Pid)
	return nil
}

// dropPrivileges switches the process to the named user. Must happen
// after binding so a privileged socket path still works.
func dropPrivileges(name string) error {
	u, err := user.Lookup(name)
	if err != nil {
		return fmt.Errorf("looking up user %q: %w", name, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid %d: %w", uid, err)
	}
	return nil
}

// parseSettingsFile reads key=value lines; '#' starts a comment.
func parseSettingsFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening settings file: %w", err)
	}
	defer f.Close()

	settings := make(map[string]string)
	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%s:%d: expected key=value, got %q", path, lineNo, line)
		}
		settings[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading settings file: %w", err)
	}
	return settings, nil
}

func settingTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "on", "true", "yes":
		return true
	}
	return false
}

// newLogger builds a console logger on stderr. Stdout is kept clean so
// the runner subcommand can own it for protocol frames.
func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	return cfg.Build()
}
