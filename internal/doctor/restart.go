package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"franklab/internal/types"
)

const (
	restartDownWindow = 5 * time.Second
	restartUpWindow   = 15 * time.Second
	restartPollEvery  = 250 * time.Millisecond
)

// frankHealth is the slice of Frank's /health body the coordinator reads.
type frankHealth struct {
	Status       string `json:"status"`
	BusConnected bool   `json:"busConnected"`
}

// restarter cycles the Frank process so freshly created tools are live in
// the running instance. At most one restart is in flight; concurrent
// triggers while one runs are coalesced.
type restarter struct {
	log          *zap.Logger
	frankURL     string
	spawnCommand string
	httpc        *http.Client

	// sendShutdown delivers the bus shutdown message to Frank.
	sendShutdown func(ctx context.Context, reason string) error
	// resyncTools refreshes the dynamic-tool snapshot from /tools.
	resyncTools func(ctx context.Context) error

	mu       sync.Mutex
	inFlight bool
}

func newRestarter(frankURL, spawnCommand string, log *zap.Logger) *restarter {
	if log == nil {
		log = zap.NewNop()
	}
	return &restarter{
		log:          log.Named("restart"),
		frankURL:     strings.TrimRight(frankURL, "/"),
		spawnCommand: spawnCommand,
		httpc:        &http.Client{Timeout: 2 * time.Second},
	}
}

// Restart runs the shutdown / respawn / resync cycle. Returns false without
// error when another restart already holds the flag. Any step failure
// clears the flag and surfaces the error; pending tool requests are left
// intact so they can be retried.
func (r *restarter) Restart(ctx context.Context, reason string) (bool, error) {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		r.log.Info("restart already in flight, skipping", zap.String("reason", reason))
		return false, nil
	}
	r.inFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	r.log.Info("restarting frank", zap.String("reason", reason))

	if r.sendShutdown != nil {
		if err := r.sendShutdown(ctx, reason); err != nil {
			r.log.Warn("shutdown message not delivered, proceeding", zap.Error(err))
		}
	}
	if err := r.pollHealth(ctx, restartDownWindow, false); err != nil {
		return true, fmt.Errorf("frank did not go down: %w", err)
	}
	if err := r.spawn(); err != nil {
		return true, fmt.Errorf("spawning frank: %w", err)
	}
	if err := r.pollHealth(ctx, restartUpWindow, true); err != nil {
		return true, fmt.Errorf("frank did not come back: %w", err)
	}
	if r.resyncTools != nil {
		if err := r.resyncTools(ctx); err != nil {
			return true, fmt.Errorf("resyncing tools: %w", err)
		}
	}
	r.log.Info("frank restart complete")
	return true, nil
}

// pollHealth waits for Frank's /health to report the wanted bus-connected
// state. Down means the endpoint errors, returns non-OK, or reports the bus
// disconnected.
func (r *restarter) pollHealth(ctx context.Context, window time.Duration, wantUp bool) error {
	deadline := time.Now().Add(window)
	for time.Now().Before(deadline) {
		up := r.probe(ctx)
		if up == wantUp {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(restartPollEvery):
		}
	}
	return fmt.Errorf("health did not report up=%v within %s", wantUp, window)
}

func (r *restarter) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.frankURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var h frankHealth
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return false
	}
	return h.BusConnected
}

// spawn starts a new Frank process, detached, stdio discarded.
func (r *restarter) spawn() error {
	fields := strings.Fields(r.spawnCommand)
	if len(fields) == 0 {
		return types.NewError(types.KindUnexpected, "no frank spawn command configured")
	}
	cmd := exec.Command(fields[0], fields[1:]...)
	if err := cmd.Start(); err != nil {
		return err
	}
	r.log.Info("spawned frank", zap.Int("pid", cmd.Process.Pid))
	return cmd.Process.Release()
}

// FetchTools reads Frank's /tools listing. Used for the post-restart resync
// and the initial snapshot on connect.
func (r *restarter) FetchTools(ctx context.Context) ([]types.ToolInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.frankURL+"/tools", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET /tools: status %d", resp.StatusCode)
	}
	var body struct {
		Tools []types.ToolInfo `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Tools, nil
}
