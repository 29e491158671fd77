package frank

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// execAllowedBinaries gates what tool code may spawn through ctx["exec"].
// Destructive binaries are denied outright.
var execAllowedBinaries = map[string]bool{
	"xdotool":          true,
	"wmctrl":           true,
	"scrot":            true,
	"gnome-screenshot": true,
	"import":           true,
	"screencapture":    true,
	"cliclick":         true,
	"osascript":        true,
	"curl":             false,
	"rm":               false,
	"sh":               false,
	"bash":             false,
}

// ExecResult is the shape returned by the exec capability.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// CapabilityConfig wires the host facilities tool code may reach.
type CapabilityConfig struct {
	Logger *zap.Logger
	// Screenshot captures the active session, base64-encoded. May be nil
	// when no browser session exists.
	Screenshot func(ctx context.Context) (string, error)
	// FetchTimeout bounds ctx["fetch"] HTTP calls.
	FetchTimeout time.Duration
}

// BuildCapabilities assembles the per-call ctx map handed to tool code. The
// map is the only surface the sandboxed code can reach the host through.
func BuildCapabilities(ctx context.Context, cfg CapabilityConfig, correlationID string, timeout time.Duration) map[string]any {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("tool")
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 15 * time.Second
	}

	caps := map[string]any{
		"correlationId": correlationID,
		"timeoutMs":     int(timeout / time.Millisecond),

		"log": func(msg string) {
			log.Info(msg, zap.String("correlationId", correlationID))
		},

		"sleep": func(ms int) {
			if ms <= 0 {
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(ms) * time.Millisecond):
			}
		},

		"fetch": func(url string) (string, error) {
			reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
			defer cancel()
			req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
			if err != nil {
				return "", err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return "", err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
			if err != nil {
				return "", err
			}
			return string(body), nil
		},

		"exec": func(command string) map[string]any {
			return runCommand(ctx, command)
		},
	}

	if cfg.Screenshot != nil {
		caps["screenshot"] = func() (string, error) {
			return cfg.Screenshot(ctx)
		}
	} else {
		caps["screenshot"] = func() (string, error) {
			return "", fmt.Errorf("no browser session available")
		}
	}
	return caps
}

// runCommand executes an allowlisted binary and returns plain-typed results
// the interpreter can consume.
func runCommand(ctx context.Context, command string) map[string]any {
	fields := strings.Fields(command)
	result := func(stdout, stderr string, code int) map[string]any {
		return map[string]any{"stdout": stdout, "stderr": stderr, "exitCode": code}
	}
	if len(fields) == 0 {
		return result("", "empty command", -1)
	}
	if allowed, known := execAllowedBinaries[fields[0]]; !known || !allowed {
		return result("", fmt.Sprintf("binary not allowed: %s", fields[0]), -1)
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	cmd := exec.CommandContext(runCtx, fields[0], fields[1:]...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	code := 0
	if err != nil {
		code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
	}
	return result(stdout.String(), stderr.String(), code)
}

// encodePNG base64-encodes screenshot bytes for the capability surface.
func encodePNG(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
