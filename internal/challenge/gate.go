// Package challenge blocks a session until the portal's CAPTCHA has been dealt
// with, either by a person or by a remote solving service.
package challenge

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/poll"
	"github.com/xkilldash9x/causelist/internal/solver"
)

// State is the gate's own progress, surfaced to the session through an Observer.
type State string

const (
	StateAwaiting               State = "awaiting_challenge"
	StateSolving                State = "solving"
	StateWaitingForConfirmation State = "waiting_for_confirmation"
	StateResolved               State = "resolved"
	StateTimedOut               State = "timed_out"
)

// Observer receives every gate state change with a human readable message.
type Observer func(state State, message string)

// Request carries what a gate may need from the session it runs for.
type Request struct {
	Auto schemas.Automation
	// Confirmed reports whether an operator confirmed solving the challenge.
	Confirmed func() bool
	// Cancelled reports whether the session was asked to stop.
	Cancelled func() bool
	Observe   Observer
}

func (r Request) observe(s State, msg string) {
	if r.Observe != nil {
		r.Observe(s, msg)
	}
}

func (r Request) cancelled() bool {
	return r.Cancelled != nil && r.Cancelled()
}

// Gate ends in Resolved (nil error) or TimedOut (ErrChallengeTimeout). Submission
// failures, missing elements and cancellation are reported as their own errors.
type Gate interface {
	Await(ctx context.Context, req Request) error
}

// Solver is the part of the solving-service client a gate uses.
type Solver interface {
	Submit(ctx context.Context, image []byte) (string, error)
	Poll(ctx context.Context, taskID string) (solver.Response, error)
}

// NewGate builds the gate selected by cfg.Mode. svc may be nil in human mode.
func NewGate(cfg config.ChallengeConfig, svc Solver, clock poll.Clock, logger *zap.Logger) (Gate, error) {
	switch cfg.Mode {
	case config.ChallengeModeHuman:
		return NewHumanGate(poll.Policy{
			Interval:    cfg.Human.PollInterval,
			MaxAttempts: poll.Bounded(cfg.Human.PollInterval, cfg.Human.Timeout).MaxAttempts,
			SleepFirst:  true,
		}, clock, logger), nil
	case config.ChallengeModeSolver:
		if svc == nil {
			return nil, fmt.Errorf("solver mode requires a solving service client")
		}
		return NewSolverGate(svc, cfg.ImageSelectors, cfg.InputSelectors, poll.Policy{
			Interval:    cfg.Solver.PollInterval,
			MaxAttempts: cfg.Solver.MaxAttempts,
			SleepFirst:  true,
		}, clock, logger), nil
	default:
		return nil, fmt.Errorf("unknown challenge mode %q", cfg.Mode)
	}
}
