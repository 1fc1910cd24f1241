// Package service wires the configured components together for the commands.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/internal/archive"
	"github.com/xkilldash9x/causelist/internal/browser"
	"github.com/xkilldash9x/causelist/internal/catalog"
	"github.com/xkilldash9x/causelist/internal/challenge"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/extractor"
	"github.com/xkilldash9x/causelist/internal/poll"
	"github.com/xkilldash9x/causelist/internal/render"
	"github.com/xkilldash9x/causelist/internal/session"
	"github.com/xkilldash9x/causelist/internal/solver"
)

// ComponentFactory creates the set of components a command runs on.
// This abstraction is what makes the commands testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct{}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// InitializeArchive connects the session archive. It returns a nil archive and
// no error when no store URL is configured.
func InitializeArchive(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*archive.Archive, func(), error) {
	if cfg.URL == "" {
		logger.Debug("No store URL configured; sessions will not be archived.")
		return nil, func() {}, nil
	}
	a, closeFn, err := archive.Connect(ctx, cfg.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Session archive connected.")
	return a, closeFn, nil
}

// NewGate builds the challenge gate for cfg, creating a solving-service client in solver mode.
func NewGate(cfg config.ChallengeConfig, clock poll.Clock, logger *zap.Logger) (challenge.Gate, error) {
	var svc challenge.Solver
	if cfg.Mode == config.ChallengeModeSolver {
		svc = solver.NewClient(cfg.Solver, logger)
	}
	return challenge.NewGate(cfg, svc, clock, logger)
}

// Create handles the full dependency injection and initialization of components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{logger: logger}

	// Ensure cleanup happens if initialization fails midway.
	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown(context.WithoutCancel(ctx))
		}
	}()

	// 1. Archive (optional)
	arch, closeArchive, err := InitializeArchive(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize archive: %w", err)
		return nil, initializationErr
	}
	components.Archive = arch
	components.closeArchive = closeArchive

	// 2. Browser Manager. The browser itself starts on first use.
	browserCtx, browserCancel := context.WithCancel(context.WithoutCancel(ctx))
	components.browserCancel = browserCancel
	components.BrowserManager = browser.NewManager(browserCtx, cfg.Browser(), logger)

	// 3. Renderer
	renderer, err := render.New(cfg.Renderer(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize renderer: %w", err)
		return nil, initializationErr
	}
	components.Renderer = renderer
	dir, err := render.OutputDir(cfg.Renderer().OutputDir)
	if err != nil {
		initializationErr = fmt.Errorf("failed to resolve output directory: %w", err)
		return nil, initializationErr
	}
	components.DownloadDir = dir

	// 4. Challenge gate
	clock := poll.RealClock()
	gate, err := NewGate(cfg.Challenge(), clock, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize challenge gate: %w", err)
		return nil, initializationErr
	}

	// 5. Session runner and coordinator
	runner := session.NewRunner(session.Dependencies{
		Provider:  components.BrowserManager,
		Portal:    cfg.Portal(),
		Gate:      gate,
		Extractor: extractor.New(extractor.OptionsFromPortal(cfg.Portal())),
		Renderer:  renderer,
		Logger:    logger,
	})
	var opts []session.Option
	if arch != nil {
		opts = append(opts, session.WithArchive(arch))
	}
	components.Coordinator = session.NewCoordinator(runner, session.NewMemoryStore(), cfg.Session(), cfg.Browser().Concurrency, logger, opts...)

	// 6. Option catalog
	cache, err := catalog.OpenCache(cfg.Catalog().CacheDir, cfg.Catalog().TTL, logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to open option cache: %w", err)
		return nil, initializationErr
	}
	components.cache = cache
	components.Catalog = catalog.New(components.BrowserManager, cfg.Portal(), cfg.Catalog(), cache, clock, logger)

	logger.Info("All components initialized.",
		zap.String("challenge_mode", cfg.Challenge().Mode),
		zap.String("format", renderer.Format()),
		zap.Bool("archive", arch != nil),
	)
	return components, nil
}
