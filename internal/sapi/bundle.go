package sapi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	esbuild "github.com/evanw/esbuild/pkg/api"
)

// loadScript reads a script from disk and, when it uses module syntax,
// bundles it with its imports into a single self-contained source. Plain
// scripts skip the bundler entirely.
func loadScript(path string) (string, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	src := string(source)
	if !needsBundling(src) {
		return src, nil
	}
	return bundleScript(path)
}

// bundleScript resolves imports relative to the script's own directory
// and emits one IIFE the VM can evaluate in the global scope.
func bundleScript(path string) (string, error) {
	result := esbuild.Build(esbuild.BuildOptions{
		EntryPoints:   []string{path},
		AbsWorkingDir: filepath.Dir(path),
		Bundle:        true,
		Format:        esbuild.FormatIIFE,
		Write:         false,
		Platform:      esbuild.PlatformNeutral,
		Target:        esbuild.ES2022,
		TreeShaking:   esbuild.TreeShakingFalse,
	})
	if len(result.Errors) > 0 {
		var msgs []string
		for _, e := range result.Errors {
			msgs = append(msgs, e.Text)
		}
		return "", fmt.Errorf("bundling %s: %s", path, strings.Join(msgs, "; "))
	}
	if len(result.OutputFiles) == 0 {
		return "", fmt.Errorf("bundling %s produced no output", path)
	}
	return string(result.OutputFiles[0].Contents), nil
}

func needsBundling(source string) bool {
	return strings.Contains(source, "import ") ||
		strings.Contains(source, "import{") ||
		strings.Contains(source, "import(") ||
		strings.Contains(source, "export ") ||
		strings.Contains(source, "require(")
}
