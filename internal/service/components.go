package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/internal/archive"
	"github.com/xkilldash9x/causelist/internal/browser"
	"github.com/xkilldash9x/causelist/internal/catalog"
	"github.com/xkilldash9x/causelist/internal/render"
	"github.com/xkilldash9x/causelist/internal/session"
)

// Components holds every service a command needs, wired together.
// This struct centralizes the lifecycle management of those dependencies.
type Components struct {
	BrowserManager *browser.Manager
	Catalog        *catalog.Catalog
	Coordinator    *session.Coordinator
	Renderer       render.Renderer
	// Archive is nil when no store URL is configured.
	Archive *archive.Archive
	// DownloadDir is the resolved directory rendered artifacts are written to.
	DownloadDir string

	logger        *zap.Logger
	cache         *catalog.Cache
	closeArchive  func()
	browserCancel context.CancelFunc
}

// Shutdown releases the components in reverse order of creation: sessions first,
// then the browser, then the stores.
func (c *Components) Shutdown(ctx context.Context) {
	logger := c.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("Beginning components shutdown sequence.")

	if c.Coordinator != nil {
		if err := c.Coordinator.Shutdown(ctx); err != nil {
			logger.Warn("Sessions did not finish before the deadline.", zap.Error(err))
		} else {
			logger.Debug("Session coordinator shut down.")
		}
	}

	if c.BrowserManager != nil {
		// Use a separate context so the browser is closed even when ctx is already done.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := c.BrowserManager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error during browser manager shutdown.", zap.Error(err))
		} else {
			logger.Debug("Browser manager shut down.")
		}
		cancel()
	}
	if c.browserCancel != nil {
		c.browserCancel()
	}

	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			logger.Warn("Failed to close option cache.", zap.Error(err))
		}
	}
	if c.closeArchive != nil {
		c.closeArchive()
		logger.Debug("Archive connection pool closed.")
	}

	logger.Info("All components shut down.")
}
