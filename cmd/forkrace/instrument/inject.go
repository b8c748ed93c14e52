// Package instrument - import injection functionality.
//
// This file adds the race detector runtime and unsafe imports to
// instrumented files.
package instrument

import (
	"go/ast"
	"go/token"

	"golang.org/x/tools/go/ast/astutil"
)

// injectImports adds the race package and unsafe imports to file, using
// fset for position bookkeeping. astutil.AddNamedImport/AddImport already
// handle the edge cases a hand-rolled splice would have to: no existing
// import block, an existing single import, an existing grouped import, and
// an import already present under the same name (both are no-ops in that
// case; the race package imported under a different alias gets a second
// import) — so this is a thin wrapper rather than a reimplementation.
func injectImports(fset *token.FileSet, file *ast.File) error {
	astutil.AddNamedImport(fset, file, RacePackageAlias, RacePackageImportPath)
	astutil.AddImport(fset, file, "unsafe")
	return nil
}
