package frank

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"franklab/internal/bus"
	"franklab/internal/config"
	"franklab/internal/types"
)

// Version announced on registration.
const Version = "1.0.0"

// Service is the Frankenstein component: browser surface, dynamic tool
// registry, system tools, bus handlers, and the HTTP surface.
type Service struct {
	cfg      config.Frank
	log      *zap.Logger
	client   *bus.Client
	browsers *Browsers
	registry *Registry
	store    *toolStore

	mu             sync.Mutex
	activeSession  string
	shutdownReason string
	shutdownCh     chan struct{}
	shutdownOnce   sync.Once
}

// New assembles the service.
func New(cfg config.Frank, common config.Common, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Service{
		cfg:        cfg,
		log:        log,
		shutdownCh: make(chan struct{}),
	}

	s.client = bus.NewClient(bus.ClientOptions{
		ID:               bus.ComponentFrank,
		Version:          Version,
		URL:              common.BridgeURL,
		Token:            common.AuthToken,
		Logger:           log,
		ReconnectInitial: common.ReconnectInitial(),
		ReconnectMax:     common.ReconnectMax(),
		MaxAttempts:      common.ReconnectMaxAttempts,
	})

	browserCfg := DefaultBrowserConfig()
	browserCfg.MaxBrowsers = cfg.MaxBrowsers
	browserCfg.IdleTimeout = cfg.IdleTimeout()
	browserCfg.Headless = cfg.Headless
	browserCfg.AllowLocalhost = cfg.AllowLocalhost
	s.browsers = NewBrowsers(browserCfg, log, func(typ string, payload any) {
		_ = s.client.Broadcast(context.Background(), typ, payload)
	})

	store, err := newToolStore(cfg.ToolsDir, log)
	if err != nil {
		return nil, err
	}
	s.store = store

	caps := CapabilityConfig{
		Logger: log,
		Screenshot: func(ctx context.Context) (string, error) {
			return s.screenshotActive(ctx)
		},
	}
	s.registry = NewRegistry(NewSandbox(), caps, store, log)

	store.LoadAll(s.registry)
	DetectSystemTools(s.registry, log)
	s.registerHandlers()
	return s, nil
}

// Registry exposes the tool registry to the HTTP surface.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Run serves until ctx is cancelled or a shutdown message arrives.
func (s *Service) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.client.Run(gCtx) })
	g.Go(func() error { return s.browsers.Run(gCtx) })
	g.Go(func() error { return s.store.Watch(gCtx, s.registry) })
	g.Go(func() error {
		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", s.cfg.Port),
			Handler:           NewServer(s).Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()
		select {
		case err := <-errCh:
			return err
		case <-gCtx.Done():
			shutdownCtx, sCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer sCancel()
			_ = server.Shutdown(shutdownCtx)
			return gCtx.Err()
		}
	})
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-s.shutdownCh:
			s.mu.Lock()
			reason := s.shutdownReason
			s.mu.Unlock()
			s.log.Info("shutting down on request", zap.String("reason", reason))
			cancel()
			return nil
		}
	})

	err := g.Wait()
	s.browsers.Shutdown()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// BusConnected reports bridge connectivity for /health.
func (s *Service) BusConnected() bool {
	return s.client.Connected()
}

func (s *Service) registerHandlers() {
	for _, typ := range []string{
		bus.TypeBrowserLaunch, bus.TypeBrowserNavigate, bus.TypeBrowserClick,
		bus.TypeBrowserType, bus.TypeBrowserSelect, bus.TypeBrowserScreenshot,
		bus.TypeBrowserVerify, bus.TypeBrowserClose,
	} {
		s.client.Handle(typ, s.handleBrowser)
	}
	s.client.Handle(bus.TypeToolCreate, s.handleToolCreate)
	s.client.Handle(bus.TypeToolUpdate, s.handleToolUpdate)
	s.client.Handle(bus.TypeToolInvoke, s.handleToolInvoke)
	s.client.Handle(bus.TypeToolDelete, s.handleToolDelete)
	s.client.Handle(bus.TypeToolExport, s.handleToolExport)
	s.client.Handle(bus.TypeShutdown, s.handleShutdown)
	s.client.Handle(bus.TypeVersionAnnounce, func(context.Context, *bus.Message) {})
	// Doctor re-broadcasts tool.created to the cluster; Frank is the origin
	// and ignores the echo.
	s.client.Handle(bus.TypeToolCreated, func(context.Context, *bus.Message) {})
}

func (s *Service) handleShutdown(_ context.Context, msg *bus.Message) {
	var p bus.ShutdownPayload
	_ = msg.Decode(&p)
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shutdownReason = p.Reason
		s.mu.Unlock()
		close(s.shutdownCh)
	})
}

// handleBrowser serves one browser.* command and replies with an enum-typed
// browser.result bound by correlationId.
func (s *Service) handleBrowser(ctx context.Context, msg *bus.Message) {
	var req bus.BrowserRequestPayload
	if err := msg.Decode(&req); err != nil && msg.Type != bus.TypeBrowserClose {
		s.replyBrowserError(ctx, msg, "", types.WrapError(types.KindValidationFailed, msg.Type, err))
		return
	}
	param := func(key string) string {
		v, _ := req.Params[key].(string)
		return v
	}

	sessionID := req.SessionID
	var result any
	var screenshot string
	var err error

	switch msg.Type {
	case bus.TypeBrowserLaunch:
		sessionID, err = s.browsers.Launch(ctx, param("url"))
		if err == nil {
			s.setActiveSession(sessionID)
			result = map[string]any{"sessionId": sessionID}
		}
	case bus.TypeBrowserNavigate:
		err = s.browsers.Navigate(ctx, sessionID, param("url"))
	case bus.TypeBrowserClick:
		spec := ClickSpec{
			Selector:          param("selector"),
			Text:              param("text"),
			SubmitType:        param("type") == "submit",
			WaitForNavigation: req.Params["waitForNavigation"] == true,
		}
		err = s.browsers.Click(ctx, sessionID, spec)
	case bus.TypeBrowserType:
		err = s.browsers.Type(ctx, sessionID, param("selector"), param("name"), param("text"))
	case bus.TypeBrowserSelect:
		selector := param("selector")
		value := param("value")
		if selector == "" {
			// "subreddit" style shorthand: select by field name.
			for key, v := range req.Params {
				if sv, ok := v.(string); ok && key != "value" {
					selector = fmt.Sprintf(`select[name=%q]`, key)
					value = sv
					break
				}
			}
		}
		err = s.browsers.Select(ctx, sessionID, selector, value)
	case bus.TypeBrowserScreenshot:
		var png []byte
		png, err = s.browsers.Screenshot(ctx, sessionID, req.Params["fullPage"] == true)
		if err == nil {
			screenshot = base64.StdEncoding.EncodeToString(png)
		}
	case bus.TypeBrowserVerify:
		var verified bool
		verified, err = s.browsers.VerifyText(ctx, sessionID, param("expected"))
		if err == nil {
			result = map[string]any{"verified": verified}
		}
	case bus.TypeBrowserClose:
		err = s.browsers.Close(sessionID)
		s.setActiveSession("")
	default:
		err = types.Errorf(types.KindUnknownAction, "unhandled browser command %s", msg.Type)
	}

	if err != nil {
		s.replyBrowserError(ctx, msg, sessionID, err)
		return
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeBrowserResult, bus.BrowserResultPayload{
		SessionID:  sessionID,
		OK:         true,
		Result:     result,
		Screenshot: screenshot,
	})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) replyBrowserError(ctx context.Context, msg *bus.Message, sessionID string, err error) {
	terr, ok := err.(*types.Error)
	if !ok {
		terr = types.WrapError(types.KindUnexpected, msg.Type, err)
	}
	if terr.Command == "" {
		terr.Command = msg.Type
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeBrowserResult, bus.BrowserResultPayload{
		SessionID: sessionID,
		OK:        false,
		Error:     terr,
	})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

// handleToolCreate answers tool.create with exactly one of tool.created or
// tool.error, correlated to the request.
func (s *Service) handleToolCreate(ctx context.Context, msg *bus.Message) {
	var spec bus.ToolCreatePayload
	if err := msg.Decode(&spec); err != nil {
		s.replyToolError(ctx, msg, "", err)
		return
	}
	info, err := s.registry.Create(spec)
	if err != nil {
		s.replyToolError(ctx, msg, spec.Name, err)
		return
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeToolCreated, bus.ToolCreatedPayload{ID: info.ID, Name: info.Name})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) handleToolUpdate(ctx context.Context, msg *bus.Message) {
	var req struct {
		ToolID string `json:"toolId"`
		bus.ToolCreatePayload
	}
	if err := msg.Decode(&req); err != nil {
		s.replyToolError(ctx, msg, "", err)
		return
	}
	target := req.ToolID
	if target == "" {
		target = req.Name
	}
	info, err := s.registry.Update(target, req.ToolCreatePayload)
	if err != nil {
		s.replyToolError(ctx, msg, req.Name, err)
		return
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeToolCreated, bus.ToolCreatedPayload{ID: info.ID, Name: info.Name})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) handleToolInvoke(ctx context.Context, msg *bus.Message) {
	var req bus.ToolInvokePayload
	if err := msg.Decode(&req); err != nil {
		s.replyToolError(ctx, msg, "", err)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	result, elapsed, err := s.registry.Invoke(ctx, req.ToolID, req.Params, msg.ID, timeout)

	payload := bus.ToolResultPayload{
		ToolID:     req.ToolID,
		Success:    err == nil,
		Result:     result,
		DurationMs: elapsed.Milliseconds(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeToolResult, payload)
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) handleToolDelete(ctx context.Context, msg *bus.Message) {
	var req bus.ToolDeletePayload
	if err := msg.Decode(&req); err != nil {
		s.replyToolError(ctx, msg, "", err)
		return
	}
	if err := s.registry.Delete(req.ToolID); err != nil {
		s.replyToolError(ctx, msg, req.ToolID, err)
		return
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeToolCreated, bus.ToolCreatedPayload{ID: req.ToolID})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) handleToolExport(ctx context.Context, msg *bus.Message) {
	var req bus.ToolExportPayload
	if err := msg.Decode(&req); err != nil {
		s.replyToolError(ctx, msg, "", err)
		return
	}
	artifact, err := s.registry.Export(req.ToolID)
	if err != nil {
		s.replyToolError(ctx, msg, req.ToolID, err)
		return
	}
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeToolResult, bus.ToolResultPayload{
		ToolID:  req.ToolID,
		Success: true,
		Result:  artifact,
	})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) replyToolError(ctx context.Context, msg *bus.Message, name string, err error) {
	reply, rerr := msg.Reply(bus.ComponentFrank, bus.TypeToolError, bus.ToolErrorPayload{
		Name:  name,
		Error: err.Error(),
	})
	if rerr == nil {
		_ = s.client.Send(ctx, reply)
	}
}

func (s *Service) setActiveSession(id string) {
	s.mu.Lock()
	s.activeSession = id
	s.mu.Unlock()
}

// screenshotActive backs the tool-context screenshot capability.
func (s *Service) screenshotActive(ctx context.Context) (string, error) {
	s.mu.Lock()
	session := s.activeSession
	s.mu.Unlock()
	if session == "" {
		return "", fmt.Errorf("no active browser session")
	}
	png, err := s.browsers.Screenshot(ctx, session, false)
	if err != nil {
		return "", err
	}
	return encodePNG(png), nil
}

// PID is reported in /health.
func PID() int {
	return os.Getpid()
}
