// Package frank implements Frankenstein: the browser surface, the dynamic
// tool registry with its yaegi sandbox, system tool detection, and the tool
// CRUD HTTP surface.
package frank

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"franklab/internal/bus"
	"franklab/internal/types"
)

// BrowserConfig holds the browser surface limits.
type BrowserConfig struct {
	MaxBrowsers       int
	IdleTimeout       time.Duration
	NavigationTimeout time.Duration
	Headless          bool
	AllowLocalhost    bool
	ViewportWidth     int
	ViewportHeight    int
}

// DefaultBrowserConfig returns sensible defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		MaxBrowsers:       3,
		IdleTimeout:       5 * time.Minute,
		NavigationTimeout: 30 * time.Second,
		Headless:          true,
		AllowLocalhost:    true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
	}
}

// EventPublisher pushes browser events (console output, page errors) onto
// the bus as broadcasts.
type EventPublisher func(typ string, payload any)

type browserSession struct {
	id        string
	page      *rod.Page
	mu        sync.Mutex
	url       string
	createdAt time.Time
	lastUsed  time.Time
}

func (s *browserSession) touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

func (s *browserSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Browsers owns the rod browser and its session table. One launched session
// per plan; sessions idle past the configured timeout are evicted by the
// sweeper.
type Browsers struct {
	cfg     BrowserConfig
	log     *zap.Logger
	publish EventPublisher

	mu       sync.Mutex
	browser  *rod.Browser
	sessions map[string]*browserSession
}

// NewBrowsers builds the session table; the underlying Chrome starts lazily
// on the first launch.
func NewBrowsers(cfg BrowserConfig, log *zap.Logger, publish EventPublisher) *Browsers {
	if log == nil {
		log = zap.NewNop()
	}
	if publish == nil {
		publish = func(string, any) {}
	}
	return &Browsers{
		cfg:      cfg,
		log:      log.Named("browser"),
		publish:  publish,
		sessions: make(map[string]*browserSession),
	}
}

// Run drives the idle sweeper until ctx is cancelled.
func (b *Browsers) Run(ctx context.Context) error {
	interval := b.cfg.IdleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.Shutdown()
			return ctx.Err()
		case <-ticker.C:
			b.sweepIdle()
		}
	}
}

func (b *Browsers) sweepIdle() {
	b.mu.Lock()
	var evict []*browserSession
	for id, s := range b.sessions {
		if time.Since(s.idleSince()) > b.cfg.IdleTimeout {
			evict = append(evict, s)
			delete(b.sessions, id)
		}
	}
	b.mu.Unlock()
	for _, s := range evict {
		b.log.Info("evicting idle session", zap.String("session", s.id))
		_ = s.page.Close()
	}
}

func (b *Browsers) ensureStarted(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ensureStartedLocked(ctx)
}

func (b *Browsers) ensureStartedLocked(ctx context.Context) error {
	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return nil
		}
		b.log.Warn("stale chrome connection, relaunching")
		_ = b.browser.Close()
		b.browser = nil
		b.sessions = make(map[string]*browserSession)
	}

	controlURL, err := launcher.New().Headless(b.cfg.Headless).Launch()
	if err != nil {
		return types.WrapError(types.KindBrowserNotLaunched, "launch", err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return types.WrapError(types.KindBrowserNotLaunched, "launch", err)
	}
	b.browser = browser
	return nil
}

// Launch creates a new isolated session, optionally navigating to url.
func (b *Browsers) Launch(ctx context.Context, url string) (string, error) {
	if url != "" {
		if err := types.ValidateURL(url, b.cfg.AllowLocalhost); err != nil {
			return "", err
		}
	}

	b.mu.Lock()
	if len(b.sessions) >= b.cfg.MaxBrowsers {
		b.mu.Unlock()
		return "", types.Errorf(types.KindBrowserLimitReached, "browser limit %d reached", b.cfg.MaxBrowsers)
	}
	if err := b.ensureStartedLocked(ctx); err != nil {
		b.mu.Unlock()
		return "", err
	}
	browser := b.browser
	b.mu.Unlock()

	incognito, err := browser.Incognito()
	if err != nil {
		return "", types.WrapError(types.KindUnexpected, "launch", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return "", types.WrapError(types.KindUnexpected, "launch", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             b.cfg.ViewportWidth,
		Height:            b.cfg.ViewportHeight,
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		b.log.Warn("failed to set viewport", zap.Error(err))
	}

	s := &browserSession{
		id:        uuid.NewString(),
		page:      page,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	b.startEventStream(ctx, s)

	if url != "" {
		if err := b.Navigate(ctx, s.id, url); err != nil {
			return s.id, err
		}
	}
	b.log.Info("session launched", zap.String("session", s.id), zap.String("url", url))
	return s.id, nil
}

func (b *Browsers) session(id string) (*browserSession, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if id == "" {
		return nil, types.NewError(types.KindBrowserNotLaunched, "no session id; launch first")
	}
	s, ok := b.sessions[id]
	if !ok {
		return nil, types.Errorf(types.KindBrowserNotLaunched, "unknown session %s", id)
	}
	return s, nil
}

// Navigate drives the session to url.
func (b *Browsers) Navigate(ctx context.Context, sessionID, url string) error {
	if err := types.ValidateURL(url, b.cfg.AllowLocalhost); err != nil {
		return err
	}
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	s.touch()
	if err := s.page.Context(ctx).Timeout(b.cfg.NavigationTimeout).Navigate(url); err != nil {
		return b.mapError("navigate", err)
	}
	if err := s.page.Context(ctx).Timeout(b.cfg.NavigationTimeout).WaitLoad(); err != nil {
		return b.mapError("navigate", err)
	}
	s.mu.Lock()
	s.url = url
	s.mu.Unlock()
	return nil
}

// ClickSpec selects the element to click. Exactly one of Selector, Text, or
// SubmitType should be set; WaitForNavigation blocks until the triggered
// load settles.
type ClickSpec struct {
	Selector          string
	Text              string
	SubmitType        bool
	WaitForNavigation bool
	Timeout           time.Duration
}

// Click resolves and clicks an element.
func (b *Browsers) Click(ctx context.Context, sessionID string, spec ClickSpec) error {
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	s.touch()
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = types.ActionClick.DefaultTimeout()
	}
	page := s.page.Context(ctx).Timeout(timeout)

	el, err := b.resolveElement(page, spec)
	if err != nil {
		return err
	}

	var wait func()
	if spec.WaitForNavigation {
		wait = page.WaitNavigation(proto.PageLifecycleEventNameNetworkAlmostIdle)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return b.mapError("click", err)
	}
	if wait != nil {
		wait()
	}
	return nil
}

func (b *Browsers) resolveElement(page *rod.Page, spec ClickSpec) (*rod.Element, error) {
	switch {
	case spec.Selector != "":
		if err := types.ValidateSelector(spec.Selector); err != nil {
			return nil, err
		}
		el, err := page.Element(spec.Selector)
		if err != nil {
			return nil, types.Errorf(types.KindElementNotFound, "no element matches %q", spec.Selector)
		}
		return el, nil
	case spec.SubmitType:
		el, err := page.Element(`button[type="submit"], input[type="submit"]`)
		if err != nil {
			return nil, types.NewError(types.KindElementNotFound, "no submit control on page")
		}
		return el, nil
	case spec.Text != "":
		el, err := page.ElementR(`a, button, input, [role="button"], [role="link"]`, regexp.QuoteMeta(spec.Text))
		if err != nil {
			return nil, types.Errorf(types.KindElementNotFound, "no clickable element with text %q", spec.Text)
		}
		return el, nil
	default:
		return nil, types.NewError(types.KindValidationFailed, "click needs a selector, text, or submit type")
	}
}

// Type fills text into the element addressed by selector or form-field name.
func (b *Browsers) Type(ctx context.Context, sessionID, selector, name, text string) error {
	if len(text) > types.MaxTextLength {
		return types.Errorf(types.KindValidationFailed, "text exceeds %d chars", types.MaxTextLength)
	}
	if selector == "" && name != "" {
		selector = fmt.Sprintf(`[name=%q]`, name)
	}
	if err := types.ValidateSelector(selector); err != nil {
		return err
	}
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	s.touch()
	page := s.page.Context(ctx).Timeout(types.ActionType.DefaultTimeout())
	el, err := page.Element(selector)
	if err != nil {
		return types.Errorf(types.KindElementNotFound, "no element matches %q", selector)
	}
	if err := el.SelectAllText(); err == nil {
		_ = el.Input("")
	}
	if err := el.Input(text); err != nil {
		return b.mapError("type", err)
	}
	return nil
}

// Select picks an option in a <select> by visible text or value.
func (b *Browsers) Select(ctx context.Context, sessionID, selector, value string) error {
	if err := types.ValidateSelector(selector); err != nil {
		return err
	}
	s, err := b.session(sessionID)
	if err != nil {
		return err
	}
	s.touch()
	page := s.page.Context(ctx).Timeout(types.ActionSelect.DefaultTimeout())
	el, err := page.Element(selector)
	if err != nil {
		return types.Errorf(types.KindElementNotFound, "no element matches %q", selector)
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		// Fall back to matching the option value attribute.
		if cssErr := el.Select([]string{fmt.Sprintf(`[value=%q]`, value)}, true, rod.SelectorTypeCSSSector); cssErr != nil {
			return types.Errorf(types.KindElementNotFound, "no option %q in %q", value, selector)
		}
	}
	return nil
}

// Screenshot captures the session viewport (or full page) as PNG bytes.
func (b *Browsers) Screenshot(ctx context.Context, sessionID string, fullPage bool) ([]byte, error) {
	s, err := b.session(sessionID)
	if err != nil {
		return nil, err
	}
	s.touch()
	data, err := s.page.Context(ctx).Timeout(10 * time.Second).Screenshot(fullPage, nil)
	if err != nil {
		return nil, b.mapError("screenshot", err)
	}
	return data, nil
}

// VerifyText reports whether the page body contains the expected text,
// case-insensitively.
func (b *Browsers) VerifyText(ctx context.Context, sessionID, expected string) (bool, error) {
	s, err := b.session(sessionID)
	if err != nil {
		return false, err
	}
	s.touch()
	html, err := s.page.Context(ctx).Timeout(types.ActionVerify.DefaultTimeout()).HTML()
	if err != nil {
		return false, b.mapError("verify", err)
	}
	return strings.Contains(strings.ToLower(html), strings.ToLower(expected)), nil
}

// Close tears down one session. Closing an unknown session is a no-op.
func (b *Browsers) Close(sessionID string) error {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return s.page.Close()
}

// Shutdown closes every session and the underlying Chrome.
func (b *Browsers) Shutdown() {
	b.mu.Lock()
	sessions := b.sessions
	b.sessions = make(map[string]*browserSession)
	browser := b.browser
	b.browser = nil
	b.mu.Unlock()

	for _, s := range sessions {
		_ = s.page.Close()
	}
	if browser != nil {
		_ = browser.Close()
	}
}

// SessionCount returns the number of live sessions.
func (b *Browsers) SessionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

// startEventStream mirrors console output and page errors onto the bus.
func (b *Browsers) startEventStream(ctx context.Context, s *browserSession) {
	go s.page.Context(ctx).EachEvent(
		func(ev *proto.RuntimeConsoleAPICalled) {
			b.publish(bus.TypeEventConsole, bus.EventConsolePayload{
				SessionID: s.id,
				Level:     string(ev.Type),
				Text:      stringifyConsoleArgs(ev.Args),
			})
		},
		func(ev *proto.RuntimeExceptionThrown) {
			msg := ""
			if ev.ExceptionDetails != nil {
				msg = ev.ExceptionDetails.Text
				if ev.ExceptionDetails.Exception != nil && ev.ExceptionDetails.Exception.Description != "" {
					msg = ev.ExceptionDetails.Exception.Description
				}
			}
			b.publish(bus.TypeEventError, bus.EventErrorPayload{SessionID: s.id, Message: msg})
		},
		func(ev *proto.PageFrameNavigated) {
			s.mu.Lock()
			s.url = ev.Frame.URL
			s.mu.Unlock()
		},
	)()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// mapError tags rod/context failures with the structured browser kinds.
func (b *Browsers) mapError(command string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded):
		return &types.Error{Kind: types.KindBrowserTimeout, Command: command, Detail: err.Error(), Cause: err}
	case errors.Is(err, context.Canceled):
		return &types.Error{Kind: types.KindBrowserTimeout, Command: command, Detail: "cancelled", Cause: err}
	case strings.Contains(err.Error(), "cannot find element") || strings.Contains(err.Error(), "element not found"):
		return &types.Error{Kind: types.KindElementNotFound, Command: command, Detail: err.Error(), Cause: err}
	case command == "navigate":
		return &types.Error{Kind: types.KindNavigationFailed, Command: command, Detail: err.Error(), Cause: err}
	default:
		return &types.Error{Kind: types.KindUnexpected, Command: command, Detail: err.Error(), Cause: err}
	}
}
