package frank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"franklab/internal/types"
)

// Dynamic tool code is untrusted. Instead of building binaries we interpret
// the Go source with yaegi: only an allowlisted slice of the stdlib is
// importable, the host is reachable solely through the ctx capability map,
// and every invocation runs under a hard wall-clock timeout.
//
// A tool must define:
//
//	func Run(params map[string]interface{}, ctx map[string]interface{}) (interface{}, error)
//
// where ctx carries the capability closures (log, fetch, sleep, exec,
// screenshot) plus the correlation id and per-call timeout.

// ToolFunc is the compiled callable stored in the registry.
type ToolFunc func(params map[string]any, ctx map[string]any) (any, error)

// allowedImports is the stdlib allowlist for tool code. os, os/exec, net,
// net/http, syscall and unsafe stay blocked; host capabilities come through
// ctx instead.
var allowedImports = map[string]bool{
	"strings":         true,
	"strconv":         true,
	"fmt":             true,
	"errors":          true,
	"math":            true,
	"math/rand":       true,
	"regexp":          true,
	"encoding/json":   true,
	"encoding/base64": true,
	"time":            true,
	"sort":            true,
	"bytes":           true,
	"unicode":         true,
	"net/url":         true,
}

// Sandbox compiles tool source into callables.
type Sandbox struct{}

// NewSandbox builds a sandbox.
func NewSandbox() *Sandbox {
	return &Sandbox{}
}

// Compile validates imports, evaluates the source in a fresh interpreter,
// and returns the Run callable. Non-function compilations are rejected.
func (s *Sandbox) Compile(source string) (ToolFunc, error) {
	if strings.TrimSpace(source) == "" {
		return nil, types.NewError(types.KindToolCompileFailed, "empty tool source")
	}
	if err := validateImports(source); err != nil {
		return nil, err
	}

	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, types.WrapError(types.KindToolCompileFailed, "stdlib", err)
	}
	if _, err := i.Eval(wrapSource(source)); err != nil {
		return nil, types.WrapError(types.KindToolCompileFailed, "eval", err)
	}

	v, err := i.Eval("main.Run")
	if err != nil {
		return nil, types.NewError(types.KindToolCompileFailed, "tool source does not define Run")
	}
	fn, ok := v.Interface().(func(map[string]interface{}, map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, types.NewError(types.KindToolCompileFailed,
			"Run has wrong signature (want func(params, ctx map[string]interface{}) (interface{}, error))")
	}
	return ToolFunc(fn), nil
}

// Invoke executes a compiled callable under a wall-clock timeout. Panics in
// tool code are captured as invocation errors, not process crashes.
func (s *Sandbox) Invoke(ctx context.Context, fn ToolFunc, params, capabilities map[string]any, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: types.Errorf(types.KindToolInvokeFailed, "tool panicked: %v", r)}
			}
		}()
		result, err := fn(params, capabilities)
		if err != nil {
			done <- outcome{err: types.WrapError(types.KindToolInvokeFailed, "run", err)}
			return
		}
		done <- outcome{result: result}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-runCtx.Done():
		// The goroutine is abandoned. It keeps the tool's execution slot
		// until it actually returns, so the registry never enters the same
		// closure concurrently.
		return nil, types.Errorf(types.KindToolTimeout, "tool execution exceeded %s", timeout)
	}
}

func validateImports(source string) error {
	var forbidden []string
	inBlock := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "import ("):
			inBlock = true
		case inBlock && strings.HasPrefix(trimmed, ")"):
			inBlock = false
		case inBlock:
			if pkg := parseImportLine(trimmed); pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		case strings.HasPrefix(trimmed, "import "):
			if pkg := parseImportLine(strings.TrimPrefix(trimmed, "import ")); pkg != "" && !allowedImports[pkg] {
				forbidden = append(forbidden, pkg)
			}
		}
	}
	if len(forbidden) > 0 {
		return types.Errorf(types.KindToolCompileFailed, "forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}

// parseImportLine extracts the path from an import line, tolerating aliases.
func parseImportLine(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "//") {
		return ""
	}
	if idx := strings.Index(line, `"`); idx >= 0 {
		line = line[idx:]
	}
	return strings.Trim(line, `"`)
}

func wrapSource(source string) string {
	if strings.Contains(source, "package main") {
		return source
	}
	return fmt.Sprintf("package main\n\n%s", source)
}
