// Package session runs scrape sessions: one goroutine per session walks the
// portal protocol while callers observe it through snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xkilldash9x/causelist/api/schemas"
)

// Session is the state of one scrape. The owning runner writes it; any goroutine
// may read it through Snapshot.
type Session struct {
	id      string
	request schemas.ScrapeRequest
	now     func() time.Time

	mu        sync.RWMutex
	status    schemas.SessionStatus
	message   string
	errorKind schemas.ErrorKind
	tables    []schemas.CauseListTable
	artifact  string
	createdAt time.Time
	updatedAt time.Time

	confirmed atomic.Bool
	cancelled atomic.Bool
	cancel    context.CancelFunc

	doneOnce sync.Once
	done     chan struct{}
}

func newSession(id string, req schemas.ScrapeRequest, now func() time.Time) *Session {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Session{
		id:        id,
		request:   req,
		now:       now,
		status:    schemas.StatusPending,
		message:   "Waiting for a browser slot",
		createdAt: t,
		updatedAt: t,
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string                     { return s.id }
func (s *Session) Request() schemas.ScrapeRequest { return s.request }

// Done is closed once the session reached a terminal status and released its handle.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the current status.
func (s *Session) Status() schemas.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a copy that shares nothing mutable with the session.
func (s *Session) Snapshot() schemas.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := schemas.SessionSnapshot{
		ID:          s.id,
		Status:      s.status,
		Message:     s.message,
		ErrorKind:   s.errorKind,
		Request:     s.request,
		ArtifactRef: s.artifact,
		CreatedAt:   s.createdAt,
		UpdatedAt:   s.updatedAt,
	}
	snap.Request.Path = append(schemas.SelectionPath(nil), s.request.Path...)
	if s.tables != nil {
		snap.Tables = make([]schemas.CauseListTable, len(s.tables))
		for i, t := range s.tables {
			snap.Tables[i] = copyTable(t)
		}
	}
	return snap
}

func copyTable(t schemas.CauseListTable) schemas.CauseListTable {
	out := schemas.CauseListTable{Caption: t.Caption, Headers: append([]string{}, t.Headers...)}
	out.Rows = make([][]string, len(t.Rows))
	for i, r := range t.Rows {
		out.Rows[i] = append([]string(nil), r...)
	}
	return out
}

// advance moves to status with msg. Re-entering the current non-terminal status
// only replaces the message. Anything that would move backwards or leave a
// terminal status is refused.
func (s *Session) advance(status schemas.SessionStatus, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status != s.status && !s.status.CanTransition(status) {
		return false
	}
	if status == s.status && s.status.IsTerminal() {
		return false
	}
	s.status = status
	s.message = msg
	s.updatedAt = s.now()
	return true
}

// note replaces the message while keeping the status.
func (s *Session) note(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.IsTerminal() {
		return
	}
	s.message = msg
	s.updatedAt = s.now()
}

// complete records the outcome of a successful run.
func (s *Session) complete(tables []schemas.CauseListTable, artifact, msg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransition(schemas.StatusCompleted) {
		return false
	}
	s.status = schemas.StatusCompleted
	s.message = msg
	s.tables = tables
	s.artifact = artifact
	s.updatedAt = s.now()
	return true
}

// fail records err as the terminal outcome. Cancellation ends in StatusCancelled,
// everything else in StatusErrored.
func (s *Session) fail(err error) bool {
	kind := schemas.KindOf(err)
	status := schemas.StatusErrored
	msg := err.Error()
	if kind == schemas.KindCancelled || s.cancelled.Load() {
		status, kind, msg = schemas.StatusCancelled, schemas.KindCancelled, "Session cancelled"
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.status.CanTransition(status) {
		return false
	}
	s.status = status
	s.message = msg
	s.errorKind = kind
	s.updatedAt = s.now()
	return true
}

func (s *Session) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

// ConfirmChallenge records that an operator solved the CAPTCHA in the browser.
// It is only accepted while the session waits on the challenge.
func (s *Session) ConfirmChallenge() error {
	if st := s.Status(); st != schemas.StatusChallengePending {
		return fmt.Errorf("%w: session is %s, not %s", schemas.ErrInvalidState, st, schemas.StatusChallengePending)
	}
	s.confirmed.Store(true)
	return nil
}

func (s *Session) challengeConfirmed() bool { return s.confirmed.Load() }

// Cancel asks the session to stop. The runner notices at its next checkpoint or
// when the in-flight operation observes its cancelled context.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
	s.mu.RLock()
	cancel := s.cancel
	s.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Cancelled reports whether Cancel was called.
func (s *Session) Cancelled() bool { return s.cancelled.Load() }

func (s *Session) bindCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.cancelled.Load() {
		cancel()
	}
}

// checkpoint fails with ErrCancelled once the session was cancelled.
func (s *Session) checkpoint(ctx context.Context) error {
	if s.cancelled.Load() {
		return schemas.ErrCancelled
	}
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", schemas.ErrCancelled, err)
		}
		return err
	}
	return nil
}
