// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"sync"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/poll"
)

// Manager owns the Chrome process and hands out one isolated Tab per session.
type Manager struct {
	parent context.Context
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs map[string]*Tab
	mu   sync.RWMutex
	wg   sync.WaitGroup // All tabs are closed before the browser goes away.

	launchMu sync.Mutex // Guards launched and the browser contexts.
	launched bool
	closed   bool
}

var _ schemas.AutomationProvider = (*Manager)(nil)

// NewManager creates a browser manager. The browser is launched on the first Acquire.
// Cancelling ctx tears the browser down.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	m := &Manager{
		parent: ctx,
		cfg:    cfg,
		logger: logger.Named("browser_manager"),
		tabs:   make(map[string]*Tab),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m
}

// initialize starts the allocator and the root browser target. A failed
// launch leaves the manager unlaunched so the next Acquire tries again.
func (m *Manager) initialize() (context.Context, error) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("%w: browser manager is shut down", schemas.ErrEnvironment)
	}
	if m.launched {
		return m.browserCtx, nil
	}
	if err := m.parent.Err(); err != nil {
		return nil, fmt.Errorf("%w: browser manager stopped: %v", schemas.ErrEnvironment, err)
	}

	m.logger.Info("Launching browser.", zap.Bool("headless", m.cfg.Headless))

	allocCtx, allocCancel := chromedp.NewExecAllocator(m.parent, execAllocatorOptions(m.cfg)...)
	contextOpts := []chromedp.ContextOption{
		chromedp.WithErrorf(m.logger.Sugar().Errorf),
	}
	if m.cfg.Debug {
		contextOpts = append(contextOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
	}
	browserCtx, browserCancel := chromedp.NewContext(allocCtx, contextOpts...)

	// Running with no actions forces the browser to start.
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		m.logger.Warn("Browser launch failed.", zap.Error(err))
		return nil, fmt.Errorf("%w: failed to launch browser: %v", schemas.ErrEnvironment, err)
	}
	m.allocCancel = allocCancel
	m.browserCtx = browserCtx
	m.browserCancel = browserCancel
	m.launched = true
	m.logger.Info("Browser launched.")
	return browserCtx, nil
}

// Acquire opens a new tab in its own browser context.
func (m *Manager) Acquire(ctx context.Context) (schemas.Automation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	browserCtx, err := m.initialize()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	tabCtx, tabCancel := chromedp.NewContext(browserCtx, chromedp.WithNewBrowserContext())

	// The first Run on tabCtx creates the target, and chromedp ties the target's
	// lifetime to the context of that Run. It must therefore be tabCtx itself;
	// the caller's ctx only aborts the creation while it is in flight.
	opened := make(chan struct{})
	watched := make(chan bool, 1)
	go func() {
		select {
		case <-ctx.Done():
			tabCancel()
			watched <- true
		case <-opened:
			watched <- false
		}
	}()
	err = chromedp.Run(tabCtx)
	close(opened)
	aborted := <-watched
	if err != nil || aborted {
		tabCancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to open tab: %v", schemas.ErrEnvironment, err)
	}

	tab := &Tab{
		id:     id,
		ctx:    tabCtx,
		cancel: tabCancel,
		cfg:    m.cfg,
		logger: m.logger.With(zap.String("tab_id", id)),
		clock:  poll.RealClock(),
	}

	m.wg.Add(1)
	tab.onClose = func() {
		m.mu.Lock()
		delete(m.tabs, id)
		m.mu.Unlock()
		m.wg.Done()
		m.logger.Debug("Tab removed from manager.", zap.String("tab_id", id))
	}

	m.mu.Lock()
	m.tabs[id] = tab
	m.mu.Unlock()

	m.logger.Debug("New tab created.", zap.String("tab_id", id))
	return tab, nil
}

// ActiveTabs reports how many tabs are currently open.
func (m *Manager) ActiveTabs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tabs)
}

// Shutdown closes every open tab, waits for them, then stops the browser.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down browser manager.")

	m.mu.RLock()
	open := make([]*Tab, 0, len(m.tabs))
	for _, t := range m.tabs {
		open = append(open, t)
	}
	m.mu.RUnlock()

	for _, t := range open {
		if err := t.Close(ctx); err != nil {
			m.logger.Warn("Error closing tab during shutdown.", zap.String("tab_id", t.ID()), zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("timed out waiting for tabs to close: %w", ctx.Err())
	}

	m.launchMu.Lock()
	if m.browserCancel != nil {
		m.browserCancel()
	}
	if m.allocCancel != nil {
		m.allocCancel()
	}
	m.launched = false
	m.closed = true
	m.launchMu.Unlock()
	m.logger.Info("Browser manager shut down.")
	return err
}
