package challenge

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/poll"
)

// HumanGate waits for an operator to solve the challenge in the browser and confirm it.
type HumanGate struct {
	policy poll.Policy
	clock  poll.Clock
	logger *zap.Logger
}

func NewHumanGate(policy poll.Policy, clock poll.Clock, logger *zap.Logger) *HumanGate {
	return &HumanGate{policy: policy, clock: clock, logger: logger.Named("human_gate")}
}

func (g *HumanGate) Await(ctx context.Context, req Request) error {
	req.observe(StateAwaiting, "CAPTCHA detected")
	req.observe(StateWaitingForConfirmation, "Please solve the CAPTCHA and confirm")

	checks, err := poll.Run(ctx, g.clock, g.policy, func(context.Context, int) (bool, error) {
		if req.cancelled() {
			return false, schemas.ErrCancelled
		}
		return req.Confirmed != nil && req.Confirmed(), nil
	})

	switch {
	case err == nil:
		g.logger.Info("Challenge confirmed by operator.", zap.Int("checks", checks))
		req.observe(StateResolved, "CAPTCHA confirmed")
		return nil
	case errors.Is(err, poll.ErrExhausted):
		g.logger.Warn("Operator did not confirm the challenge in time.", zap.Duration("waited", g.policy.Budget()))
		req.observe(StateTimedOut, "CAPTCHA was not confirmed in time")
		return fmt.Errorf("%w: no confirmation within %s", schemas.ErrChallengeTimeout, g.policy.Budget())
	default:
		return err
	}
}
