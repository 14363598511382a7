package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/veloserve/veloserve/internal/sapi"
	"github.com/veloserve/veloserve/internal/vephp"
)

var runnerCmd = &cobra.Command{
	Use:    "runner",
	Short:  "Run the worker child loop on stdin/stdout",
	Hidden: true,
	RunE:   runRunner,
}

func init() {
	runnerCmd.Flags().String("memory-limit", "256M", "Interpreter memory limit")
	runnerCmd.Flags().String("error-log", "", "Script error log file")
	runnerCmd.Flags().Bool("display-errors", false, "Render script errors into responses")
	runnerCmd.Flags().String("data-dir", "", "Data directory for the persistent KV store")
	runnerCmd.Flags().StringSlice("set", nil, "Extra interpreter setting key=value (repeatable)")
	rootCmd.AddCommand(runnerCmd)
}

func runRunner(cmd *cobra.Command, args []string) error {
	memoryLimit, _ := cmd.Flags().GetString("memory-limit")
	errorLog, _ := cmd.Flags().GetString("error-log")
	displayErrors, _ := cmd.Flags().GetBool("display-errors")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	sets, _ := cmd.Flags().GetStringSlice("set")
	verbose, _ := rootCmd.Flags().GetBool("verbose")

	logger, err := newLogger(verbose)
	if err != nil {
		return err
	}
	defer logger.Sync()

	settings := make(map[string]string, len(sets))
	for _, s := range sets {
		k, v, _ := strings.Cut(s, "=")
		settings[k] = v
	}

	cfg := sapi.Config{
		MemoryLimit:   parseMemoryLimit(memoryLimit),
		ErrorLog:      errorLog,
		DisplayErrors: displayErrors,
		DataDir:       dataDir,
		Settings:      settings,
		Logger:        logger,
	}
	if err := vephp.RunWorkerLoop(os.Stdin, os.Stdout, cfg); err != nil {
		logger.Error("worker loop failed", zap.Error(err))
		return err
	}
	return nil
}

// parseMemoryLimit converts "256M"-style limits to bytes. Unparseable
// input means no limit.
func parseMemoryLimit(s string) uint64 {
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
