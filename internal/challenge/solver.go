package challenge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/browser"
	"github.com/xkilldash9x/causelist/internal/poll"
	"github.com/xkilldash9x/causelist/internal/solver"
)

// errRejected marks a terminal non-OK reply from the solving service.
var errRejected = errors.New("solving service rejected the task")

// SolverGate screenshots the challenge, hands it to a solving service, polls
// for the answer and types it in.
type SolverGate struct {
	svc            Solver
	imageSelectors []string
	inputSelectors []string
	policy         poll.Policy
	clock          poll.Clock
	logger         *zap.Logger
}

func NewSolverGate(svc Solver, imageSelectors, inputSelectors []string, policy poll.Policy, clock poll.Clock, logger *zap.Logger) *SolverGate {
	return &SolverGate{
		svc:            svc,
		imageSelectors: imageSelectors,
		inputSelectors: inputSelectors,
		policy:         policy,
		clock:          clock,
		logger:         logger.Named("solver_gate"),
	}
}

func (g *SolverGate) Await(ctx context.Context, req Request) error {
	req.observe(StateAwaiting, "CAPTCHA detected")

	img, err := browser.FirstMatch(ctx, req.Auto, g.imageSelectors, "captcha_image", g.logger)
	if err != nil {
		return err
	}
	if !img.Found {
		return fmt.Errorf("%w: no challenge image on the page", schemas.ErrElementNotFound)
	}
	shot, err := req.Auto.Screenshot(ctx, img.Handle)
	if err != nil {
		return err
	}

	req.observe(StateSolving, "Sending CAPTCHA to the solving service")
	taskID, err := g.svc.Submit(ctx, shot)
	if err != nil {
		return err
	}

	var solution string
	polls, err := poll.Run(ctx, g.clock, g.policy, func(ctx context.Context, _ int) (bool, error) {
		if req.cancelled() {
			return false, schemas.ErrCancelled
		}
		resp, err := g.svc.Poll(ctx, taskID)
		if err != nil {
			return false, fmt.Errorf("%w: %v", errRejected, err)
		}
		switch resp.Status {
		case solver.StatusOK:
			solution = resp.Payload
			return true, nil
		case solver.StatusNotReady:
			return false, nil
		default:
			return false, fmt.Errorf("%w: %s", errRejected, resp.Payload)
		}
	})
	log := g.logger.With(zap.String("task_id", taskID), zap.Int("polls", polls))

	switch {
	case err == nil:
	case errors.Is(err, poll.ErrExhausted), errors.Is(err, errRejected):
		log.Warn("Challenge not solved.", zap.Error(err))
		req.observe(StateTimedOut, "CAPTCHA solving did not succeed")
		return fmt.Errorf("%w: %v", schemas.ErrChallengeTimeout, err)
	default:
		return err
	}

	input, err := browser.FirstMatch(ctx, req.Auto, g.inputSelectors, "captcha_input", g.logger)
	if err != nil {
		return err
	}
	if !input.Found {
		return fmt.Errorf("%w: no input for the challenge solution", schemas.ErrElementNotFound)
	}
	if err := req.Auto.TypeText(ctx, input.Handle, solution); err != nil {
		return err
	}

	log.Info("Challenge solved by service.")
	req.observe(StateResolved, "CAPTCHA solved")
	return nil
}
