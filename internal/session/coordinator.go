package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
)

// Archive persists finished sessions. Implementations must be safe for concurrent use.
type Archive interface {
	Save(ctx context.Context, snap schemas.SessionSnapshot) error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithArchive saves every finished session to a.
func WithArchive(a Archive) Option {
	return func(c *Coordinator) { c.archive = a }
}

// WithClock replaces time.Now for session timestamps and retention.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithIDGenerator replaces the uuid session id source.
func WithIDGenerator(gen func() string) Option {
	return func(c *Coordinator) { c.newID = gen }
}

// Coordinator owns the session registry and the goroutines running sessions.
type Coordinator struct {
	runner  *Runner
	store   Store
	cfg     config.SessionConfig
	slots   *semaphore.Weighted
	archive Archive
	now     func() time.Time
	newID   func() string
	logger  *zap.Logger

	// baseCtx parents every session context; Shutdown cancels it.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewCoordinator runs at most concurrency sessions at a time; the rest wait pending.
func NewCoordinator(runner *Runner, store Store, cfg config.SessionConfig, concurrency int, logger *zap.Logger, opts ...Option) *Coordinator {
	if concurrency < 1 {
		concurrency = 1
	}
	if store == nil {
		store = NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		runner:     runner,
		store:      store,
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(concurrency)),
		now:        time.Now,
		newID:      uuid.NewString,
		logger:     logger.Named("coordinator"),
		baseCtx:    ctx,
		cancelBase: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start validates req, registers a new session and runs it in the background.
func (c *Coordinator) Start(req schemas.ScrapeRequest) (schemas.SessionSnapshot, error) {
	if err := req.Validate(); err != nil {
		return schemas.SessionSnapshot{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return schemas.SessionSnapshot{}, fmt.Errorf("%w: coordinator is shutting down", schemas.ErrInvalidState)
	}

	s := newSession(c.newID(), req, c.now)
	ctx, cancel := context.WithCancel(c.baseCtx)
	s.bindCancel(cancel)
	c.store.Put(s)

	c.wg.Add(1)
	go c.run(ctx, cancel, s)

	c.logger.Info("Session started.",
		zap.String("session_id", s.ID()),
		zap.Strings("selection_path", req.Path),
		zap.String("date", req.Date.String()),
		zap.String("case_type", string(req.CaseType)),
	)
	return s.Snapshot(), nil
}

func (c *Coordinator) run(ctx context.Context, cancel context.CancelFunc, s *Session) {
	defer c.wg.Done()
	defer cancel()

	if err := c.slots.Acquire(ctx, 1); err != nil {
		// Cancelled while waiting for a slot; nothing was acquired.
		c.runner.finalize(ctx, s, nil, outcome{}, fmt.Errorf("%w: %v", schemas.ErrCancelled, err), c.logger)
	} else {
		c.runner.Run(ctx, s)
		c.slots.Release(1)
	}

	if c.archive != nil {
		saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		if err := c.archive.Save(saveCtx, s.Snapshot()); err != nil {
			c.logger.Warn("Failed to archive session.", zap.String("session_id", s.ID()), zap.Error(err))
		}
		cancelSave()
	}
}

func (c *Coordinator) get(id string) (*Session, error) {
	s, ok := c.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", schemas.ErrSessionNotFound, id)
	}
	return s, nil
}

// Status returns a snapshot of session id.
func (c *Coordinator) Status(id string) (schemas.SessionSnapshot, error) {
	s, err := c.get(id)
	if err != nil {
		return schemas.SessionSnapshot{}, err
	}
	return s.Snapshot(), nil
}

// ConfirmChallenge tells session id that its CAPTCHA was solved by hand.
func (c *Coordinator) ConfirmChallenge(id string) error {
	s, err := c.get(id)
	if err != nil {
		return err
	}
	return s.ConfirmChallenge()
}

// Cancel stops session id and removes it from the registry right away. The
// session goroutine still releases its handle on its way out.
func (c *Coordinator) Cancel(id string) error {
	s, err := c.get(id)
	if err != nil {
		return err
	}
	s.Cancel()
	c.store.Delete(id)
	c.logger.Info("Session cancelled by caller.", zap.String("session_id", id))
	return nil
}

// Done returns a channel closed when session id has finished.
func (c *Coordinator) Done(id string) (<-chan struct{}, error) {
	s, err := c.get(id)
	if err != nil {
		return nil, err
	}
	return s.Done(), nil
}

// List returns snapshots of every registered session, oldest first.
func (c *Coordinator) List() []schemas.SessionSnapshot {
	sessions := c.store.List()
	out := make([]schemas.SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// Sweep drops finished sessions last updated more than the retention period ago.
// It returns how many were removed.
func (c *Coordinator) Sweep() int {
	if c.cfg.Retention <= 0 {
		return 0
	}
	cutoff := c.now().Add(-c.cfg.Retention)
	removed := 0
	for _, s := range c.store.List() {
		snap := s.Snapshot()
		if snap.Status.IsTerminal() && snap.UpdatedAt.Before(cutoff) {
			c.store.Delete(snap.ID)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("Expired sessions swept.", zap.Int("removed", removed))
	}
	return removed
}

// RunSweeper sweeps every SweepInterval until ctx is done.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	if c.cfg.SweepInterval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Shutdown cancels every running session and waits for them to release their
// handles, or for ctx to expire.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.logger.Info("Shutting down sessions.")
	for _, s := range c.store.List() {
		if !s.Status().IsTerminal() {
			s.Cancel()
		}
	}
	c.cancelBase()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("All sessions finished.")
		return nil
	case <-ctx.Done():
		return errors.New("timed out waiting for sessions to finish")
	}
}
