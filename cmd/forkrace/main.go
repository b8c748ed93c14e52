// Package main implements the forkrace CLI tool.
//
// forkrace provides automatic determinacy-race detection for fork-join Go
// programs without requiring a custom Go toolchain or CGO. It works by:
//
//  1. Parsing Go source files using go/ast.
//  2. Instrumenting memory accesses, detaches (go statements), and syncs
//     (WaitGroup.Wait) with shadow-stack engine calls.
//  3. Injecting the forkrace/race runtime.
//  4. Building/running/testing the instrumented code.
//
// Usage:
//
//	forkrace build main.go     # Build with race detection
//	forkrace run main.go       # Run with race detection
//	forkrace test ./...        # Test with race detection
package main

import (
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0-alpha"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the forkrace command tree. Each subcommand forwards its
// raw argument slice to the existing build.go/run.go/test.go
// implementations, which parse 'go build'/'go run'/'go test'-compatible
// flags themselves rather than through Cobra's own flag parser — those
// flags are the target toolchain's, not forkrace's own, so passing them
// through verbatim (via DisableFlagParsing) is
// simpler than re-declaring every go build/run/test flag on each Cobra
// command.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "forkrace",
		Short:         "Determinacy-race detector for fork-join Go programs",
		Long:          rootLongDescription,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(
		&cobra.Command{
			Use:                "build [build flags] [packages]",
			Short:              "Build Go program with race detection",
			DisableFlagParsing: true,
			RunE: func(_ *cobra.Command, args []string) error {
				buildCommand(args)
				return nil
			},
		},
		&cobra.Command{
			Use:                "run [build flags] package [program args]",
			Short:              "Run Go program with race detection",
			DisableFlagParsing: true,
			RunE: func(_ *cobra.Command, args []string) error {
				runCommand(args)
				return nil
			},
		},
		&cobra.Command{
			Use:                "test [test flags] [packages]",
			Short:              "Test Go packages with race detection",
			DisableFlagParsing: true,
			RunE: func(_ *cobra.Command, args []string) error {
				testCommand(args)
				return nil
			},
		},
		newVersionCmd(),
	)

	return root
}

const rootLongDescription = `forkrace is a standalone tool that detects determinacy races in fork-join
Go programs without requiring CGO or a custom Go toolchain.

It instruments Go code at the AST level: a go statement that follows a
WaitGroup Add() call in the same block becomes a "detach" (other go
statements stay ordinary goroutines), every Wait() call becomes a "sync",
and memory accesses
are wrapped with shadow-stack bookkeeping calls. The instrumented program is
then built, run, or tested exactly like its uninstrumented counterpart,
reporting any pair of logically-parallel strands caught writing a common
address.`
