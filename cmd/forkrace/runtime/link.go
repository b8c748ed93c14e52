// Package runtime provides runtime library linking for instrumented code.
//
// This package handles injecting our Pure-Go race detector runtime into
// instrumented Go programs. It provides mechanisms to ensure the runtime
// is linked and initialized properly.
//
package runtime

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetRuntimePackagePath returns the import path for the race detector runtime.
//
// This is the package that instrumented code will import to access
// BeforeLoad, BeforeStore, Detach, AfterSync, and the other race
// detection hooks.
//
// Uses public API wrapper instead of internal package for standalone tool compatibility.
//
// Returns: "github.com/kolkov/forkrace/race"
func GetRuntimePackagePath() string {
	return "github.com/kolkov/forkrace/race"
}

// GetRuntimeInitCode returns Go code to initialize the race detector.
//
// This code should be injected at the beginning of the main() function
// to ensure the detector is properly initialized before any memory accesses.
//
// Returns:
//   - Go code string to initialize race detector
//
// Example output:
//
//	race.Init()
//	defer race.Fini()
func GetRuntimeInitCode() string {
	return `race.Init()
defer race.Fini()`
}

// ValidateRuntimeAvailable checks if the runtime library is available.
//
// It looks for the race package under the project root found by
// findProjectRoot. The result of that lookup does not change the outcome:
// a missing runtime is not detected.
//
// Returns:
//   - nil in every case
func ValidateRuntimeAvailable() error {
	// Check if we're in development (running from source)
	// In that case, the runtime is the race package at the module root.
	projectRoot, err := findProjectRoot()
	if err == nil {
		runtimePath := filepath.Join(projectRoot, "race")
		if _, err := os.Stat(runtimePath); err == nil {
			// Runtime found in development tree
			return nil
		}
	}

	// Check if runtime is installed in GOPATH/go modules
	// For now, we assume it's available since we're in the same repository
	// In production, this would check: go list github.com/.../api

	return nil
}

// findProjectRoot finds the root directory of the forkrace project.
//
// This walks up the directory tree from the current working directory
// looking for go.mod or a race directory.
//
// Returns:
//   - Project root path
//   - Error if root cannot be found
func findProjectRoot() (string, error) {
	// Start from current working directory
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	// Walk up looking for go.mod
	dir := cwd
	for {
		// Check for go.mod
		modPath := filepath.Join(dir, "go.mod")
		if _, err := os.Stat(modPath); err == nil {
			return dir, nil
		}

		// Check for the race package (our runtime)
		runtimePath := filepath.Join(dir, "race")
		if _, err := os.Stat(runtimePath); err == nil {
			return dir, nil
		}

		// Move up one directory
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root without finding project
			break
		}
		dir = parent
	}

	return "", fmt.Errorf("could not find forkrace project root")
}

// BuildFlags returns additional flags needed for building instrumented code.
//
// These flags ensure the runtime library is linked correctly and
// initialization code runs.
//
// Returns:
//   - Slice of build flags to pass to 'go build'
//
// Example:
//
//	flags := BuildFlags()
//	// flags = [] (no extra flags are needed)
func BuildFlags() []string {
	// For now, no special flags needed
	// In future, might add:
	// - Custom build tags
	// - Linker flags
	// - Optimization flags
	return []string{}
}

// ModFileOverlay creates a temporary go.mod overlay for instrumented code.
//
// When instrumenting code outside the forkrace project, we need to
// ensure it can import our runtime. This creates a go.mod overlay that
// replaces the remote import with a local path.
//
// Parameters:
//   - tempDir: Temporary directory where instrumented code is being built
//
// Returns:
//   - Path to overlay file (for -modfile flag)
//   - Error if overlay creation fails
func ModFileOverlay(tempDir string) (string, error) {
	projectRoot, err := findProjectRoot()
	if err != nil {
		// Not in development mode - use published package
		//nolint:nilerr // Error indicates published mode, not a failure
		return "", nil
	}

	// Create go.mod in temp directory that replaces remote import with local
	overlayPath := filepath.Join(tempDir, "go.mod.overlay")

	content := fmt.Sprintf(`module instrumented

go 1.19

require github.com/kolkov/forkrace v0.0.0

replace github.com/kolkov/forkrace => %s
`, projectRoot)

	if err := os.WriteFile(overlayPath, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to create go.mod overlay: %w", err)
	}

	return overlayPath, nil
}

// InjectInitCalls is kept for manual-instrumentation callers that want
// init-code text rather than an AST transform. The automated build/run/test
// path does not call this: instrument.go appends its own
// func init() { race.Init() } block directly to the printed AST output,
// which handles the common case of a single package entry point without
// needing to locate main() in arbitrary source.
//
// Parameters:
//   - sourceCode: Original Go source code
//
// Returns:
//   - sourceCode unchanged; callers that want the init snippet text use
//     GetRuntimeInitCode and splice it in themselves.
func InjectInitCalls(sourceCode string) (string, error) {
	return sourceCode, nil
}
