// Package instrument - fork-join recognition for the shadow-stack engine.
//
// Go has no spawn/sync statements, so forkrace maps the fork-join
// vocabulary the race engine speaks (detach/task/sync) onto the two idioms
// that express it in ordinary Go: a `go` statement is a detach, and a
// `sync.WaitGroup.Wait()` call is a sync closing every detach associated
// with that WaitGroup.
//
// The engine's shadow stack is a per-worker, single-threaded view: a
// detach's child task frame and the parent's continuation frame live on
// the very same stack, and joining the child folds it back into that
// stack directly. This only holds if the detached work actually runs
// against the detaching worker's own stack, so the instrumentation runs
// spawned bodies by direct call rather than a real `go` statement —
// a serial-elision build, same principle Cilk-style race detectors run
// under: the detector's guarantees hold for a program with every detach
// replaced by a plain call, and a race that would show up under real
// concurrent scheduling is provably still found this way. Programs built
// with forkrace therefore run deterministically rather than concurrently;
// that trade buys guaranteed detection instead of detection contingent on
// a particular interleaving actually occurring.
//
// Type information is not available to this package (same limitation
// visitor.go already documents for map-vs-slice detection), so the
// WaitGroup a `go` statement detaches against is found heuristically: the
// nearest preceding `X.Add(...)` call in the same block is assumed to be
// the WaitGroup the spawned goroutine will be joined through, and X's
// address becomes the sync-region tag; enclosing blocks are not searched.
// A `go` statement with no such call earlier in its block is left as an ordinary, unchecked goroutine spawn —
// forkrace cannot prove it joins anything, so it does not claim to, and
// leaving it as real concurrency doesn't threaten the single-stack
// invariant since nothing ties it to a tracked sync region.
package instrument

import (
	"go/ast"
	"go/token"
)

// instrumentForkJoin walks file's statement lists, replacing `go` statements
// with a Detach call plus a direct, serially-elided call wrapped in
// TaskExit, and appending AfterSync calls after WaitGroup.Wait() calls.
func instrumentForkJoin(file *ast.File) {
	ast.Inspect(file, func(n ast.Node) bool {
		if block, ok := n.(*ast.BlockStmt); ok {
			block.List = rewriteForkJoinStmts(block.List, nil)
		}
		return true
	})
}

// rewriteForkJoinStmts rewrites one statement list, threading the
// innermost-known WaitGroup receiver (activeWG) forward as Add calls are
// found. Nested blocks are rewritten by the outer ast.Inspect pass in
// instrumentForkJoin, which calls back into this function for each block it
// finds, so activeWG does not need to be threaded into nested blocks here.
func rewriteForkJoinStmts(stmts []ast.Stmt, activeWG ast.Expr) []ast.Stmt {
	out := make([]ast.Stmt, 0, len(stmts))
	for _, stmt := range stmts {
		if wg := waitGroupAddReceiver(stmt); wg != nil {
			activeWG = wg
		}

		switch s := stmt.(type) {
		case *ast.GoStmt:
			if activeWG != nil {
				out = append(out, detachCallStmt(activeWG))
				out = append(out, serialElisionCallStmt(s.Call))
			} else {
				out = append(out, s)
			}

		case *ast.ExprStmt:
			out = append(out, s)
			if wg := waitReceiver(s); wg != nil {
				out = append(out, afterSyncCallStmt(wg))
			}

		default:
			out = append(out, s)
		}
	}
	return out
}

// waitGroupAddReceiver returns X's expression when stmt is `X.Add(n)`, nil
// otherwise.
func waitGroupAddReceiver(stmt ast.Stmt) ast.Expr {
	expr, ok := stmt.(*ast.ExprStmt)
	if !ok {
		return nil
	}
	call, ok := expr.X.(*ast.CallExpr)
	if !ok {
		return nil
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Add" {
		return nil
	}
	return sel.X
}

// waitReceiver returns X's expression when stmt is `X.Wait()`, nil
// otherwise.
func waitReceiver(stmt *ast.ExprStmt) ast.Expr {
	call, ok := stmt.X.(*ast.CallExpr)
	if !ok || len(call.Args) != 0 {
		return nil
	}
	sel, ok := call.Fun.(*ast.SelectorExpr)
	if !ok || sel.Sel.Name != "Wait" {
		return nil
	}
	return sel.X
}

// serialElisionCallStmt rewrites `go orig(args...)` into a direct,
// synchronous call `func() { defer race.TaskExit(); orig(args...) }()` run
// in place of the `go` statement. detachCallStmt already pushed the child's
// Task frame onto the detaching worker's own stack (ShadowStack.Detach
// pushes both the continuation and the child frame); running the body
// immediately, on that same worker, keeps every later memory access inside
// it landing on the frame Detach just pushed, and the deferred TaskExit
// pops and folds exactly that frame when the body returns. Spawning a real
// goroutine here instead would hand the body to a separate, freshly seeded
// stack that never received the Detach-pushed frame, so its TaskExit would
// have no continuation to fold into.
func serialElisionCallStmt(orig *ast.CallExpr) ast.Stmt {
	innerCall := &ast.ExprStmt{X: &ast.CallExpr{
		Fun:  orig.Fun,
		Args: orig.Args,
	}}

	body := &ast.BlockStmt{
		List: []ast.Stmt{
			&ast.DeferStmt{Call: raceCall("TaskExit")},
			innerCall,
		},
	}

	call := &ast.CallExpr{
		Fun: &ast.FuncLit{
			Type: &ast.FuncType{Params: &ast.FieldList{}},
			Body: body,
		},
	}

	return &ast.ExprStmt{X: call}
}

// detachCallStmt builds `race.Detach(uintptr(unsafe.Pointer(&wg)))`.
func detachCallStmt(wg ast.Expr) ast.Stmt {
	return &ast.ExprStmt{X: raceAddrCall("Detach", wg)}
}

// afterSyncCallStmt builds `race.AfterSync(uintptr(unsafe.Pointer(&wg)))`.
func afterSyncCallStmt(wg ast.Expr) ast.Stmt {
	return &ast.ExprStmt{X: raceAddrCall("AfterSync", wg)}
}

// raceAddrCall builds `race.<fn>(uintptr(unsafe.Pointer(&addrExpr)))`.
func raceAddrCall(fn string, addrExpr ast.Expr) *ast.CallExpr {
	addrOf := &ast.UnaryExpr{Op: token.AND, X: cloneExpr(addrExpr)}
	unsafePointerCall := &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent("unsafe"),
			Sel: ast.NewIdent("Pointer"),
		},
		Args: []ast.Expr{addrOf},
	}
	uintptrConversion := &ast.CallExpr{
		Fun:  ast.NewIdent("uintptr"),
		Args: []ast.Expr{unsafePointerCall},
	}
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(RacePackageAlias),
			Sel: ast.NewIdent(fn),
		},
		Args: []ast.Expr{uintptrConversion},
	}
}

// raceCall builds a zero-argument `race.<fn>()` call.
func raceCall(fn string) *ast.CallExpr {
	return &ast.CallExpr{
		Fun: &ast.SelectorExpr{
			X:   ast.NewIdent(RacePackageAlias),
			Sel: ast.NewIdent(fn),
		},
	}
}

// cloneExpr rebuilds an Ident/SelectorExpr chain fresh so the same
// receiver expression can be spliced into more than one new call without
// two tree positions sharing a single AST node.
func cloneExpr(e ast.Expr) ast.Expr {
	switch v := e.(type) {
	case *ast.Ident:
		return ast.NewIdent(v.Name)
	case *ast.SelectorExpr:
		return &ast.SelectorExpr{X: cloneExpr(v.X), Sel: ast.NewIdent(v.Sel.Name)}
	case *ast.StarExpr:
		return &ast.StarExpr{X: cloneExpr(v.X)}
	default:
		return e
	}
}
