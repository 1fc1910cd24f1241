package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/poll"
)

// setSelectValue sets a <select>'s value and fires 'change' so dependent
// controls repopulate the same way they do for a user.
const setSelectValue = `function(v) {
	const known = Array.from(this.options || []).some(o => o.value === v);
	if (!known) { return false; }
	this.value = v;
	this.dispatchEvent(new Event('input', { bubbles: true }));
	this.dispatchEvent(new Event('change', { bubbles: true }));
	return true;
}`

// Tab is one isolated browser context driven through chromedp. It implements
// schemas.Automation and is owned by exactly one session.
type Tab struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	cfg    config.BrowserConfig
	logger *zap.Logger
	clock  poll.Clock

	closeOnce sync.Once
	onClose   func()
}

var _ schemas.Automation = (*Tab)(nil)

// ID returns the tab identifier used in logs.
func (t *Tab) ID() string { return t.id }

// run executes actions on the tab under the caller's cancellation and the per-action timeout.
func (t *Tab) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	opCtx, cancel := CombineContext(t.ctx, ctx)
	defer cancel()
	if timeout > 0 {
		var cancelTimeout context.CancelFunc
		opCtx, cancelTimeout = context.WithTimeout(opCtx, timeout)
		defer cancelTimeout()
	}
	err := chromedp.Run(opCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func nodeIDs(el schemas.ElementHandle) []cdp.NodeID {
	return []cdp.NodeID{cdp.NodeID(el.ID)}
}

func (t *Tab) Navigate(ctx context.Context, url string) error {
	t.logger.Debug("Navigating.", zap.String("url", url))
	err := t.run(ctx, t.cfg.NavigationTimeout,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("%w: navigate to %s: %v", schemas.ErrEnvironment, url, err)
	}
	return nil
}

func (t *Tab) FindElement(ctx context.Context, selector string) (schemas.Lookup, error) {
	handles, err := t.FindElements(ctx, selector)
	if err != nil || len(handles) == 0 {
		return schemas.NotFound, err
	}
	return schemas.Lookup{Handle: handles[0], Found: true}, nil
}

func (t *Tab) FindElements(ctx context.Context, selector string) ([]schemas.ElementHandle, error) {
	var nodes []*cdp.Node
	// AtLeast(0) turns the query into a snapshot instead of a wait.
	err := t.run(ctx, t.cfg.ActionTimeout,
		chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)),
	)
	if err != nil {
		return nil, t.wrap("query "+selector, err)
	}
	handles := make([]schemas.ElementHandle, 0, len(nodes))
	for _, n := range nodes {
		handles = append(handles, schemas.ElementHandle{ID: int64(n.NodeID), Selector: selector})
	}
	return handles, nil
}

func (t *Tab) SelectOption(ctx context.Context, el schemas.ElementHandle, value string) error {
	var applied bool
	err := t.run(ctx, t.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		obj, err := dom.ResolveNode().WithNodeID(cdp.NodeID(el.ID)).Do(ctx)
		if err != nil {
			return err
		}
		return chromedp.CallFunctionOn(setSelectValue, &applied,
			func(p *runtime.CallFunctionOnParams) *runtime.CallFunctionOnParams {
				return p.WithObjectID(obj.ObjectID)
			},
			value,
		).Do(ctx)
	}))
	if err != nil {
		return t.wrap("select "+value+" on "+el.Selector, err)
	}
	if !applied {
		return fmt.Errorf("%w: option %q on %s", schemas.ErrElementNotFound, value, el.Selector)
	}
	return nil
}

func (t *Tab) Click(ctx context.Context, el schemas.ElementHandle) error {
	err := t.run(ctx, t.cfg.ActionTimeout, chromedp.Click(nodeIDs(el), chromedp.ByNodeID))
	return t.wrap("click "+el.Selector, err)
}

func (t *Tab) TypeText(ctx context.Context, el schemas.ElementHandle, text string) error {
	err := t.run(ctx, t.cfg.ActionTimeout,
		chromedp.SetValue(nodeIDs(el), "", chromedp.ByNodeID),
		chromedp.SendKeys(nodeIDs(el), text, chromedp.ByNodeID),
	)
	return t.wrap("type into "+el.Selector, err)
}

func (t *Tab) ReadText(ctx context.Context, el schemas.ElementHandle) (string, error) {
	var text string
	err := t.run(ctx, t.cfg.ActionTimeout, chromedp.TextContent(nodeIDs(el), &text, chromedp.ByNodeID))
	return text, t.wrap("read text of "+el.Selector, err)
}

func (t *Tab) ReadAttribute(ctx context.Context, el schemas.ElementHandle, name string) (string, bool, error) {
	var (
		value string
		ok    bool
	)
	err := t.run(ctx, t.cfg.ActionTimeout, chromedp.AttributeValue(nodeIDs(el), name, &value, &ok, chromedp.ByNodeID))
	return value, ok, t.wrap("read attribute "+name+" of "+el.Selector, err)
}

func (t *Tab) OuterHTML(ctx context.Context, el schemas.ElementHandle) (string, error) {
	var html string
	err := t.run(ctx, t.cfg.ActionTimeout, chromedp.OuterHTML(nodeIDs(el), &html, chromedp.ByNodeID))
	return html, t.wrap("read html of "+el.Selector, err)
}

func (t *Tab) Screenshot(ctx context.Context, el schemas.ElementHandle) ([]byte, error) {
	var buf []byte
	err := t.run(ctx, t.cfg.ActionTimeout, chromedp.Screenshot(nodeIDs(el), &buf, chromedp.ByNodeID))
	return buf, t.wrap("screenshot "+el.Selector, err)
}

// WaitUntil polls pred every browser.wait_poll_interval until it holds or timeout elapses.
func (t *Tab) WaitUntil(ctx context.Context, pred schemas.Predicate, timeout time.Duration) error {
	interval := t.cfg.WaitPollInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	policy := poll.Bounded(interval, timeout)
	policy.MaxAttempts++ // check once more at the deadline itself

	_, err := poll.Run(ctx, t.clock, policy, func(ctx context.Context, _ int) (bool, error) {
		return pred(ctx)
	})
	if errors.Is(err, poll.ErrExhausted) {
		return schemas.ErrWaitTimeout
	}
	return err
}

// Close releases the tab. It is safe to call more than once.
func (t *Tab) Close(ctx context.Context) error {
	var err error
	t.closeOnce.Do(func() {
		// chromedp.Cancel closes the target gracefully; cancel() then frees the context.
		if cancelErr := chromedp.Cancel(t.ctx); cancelErr != nil && !errors.Is(cancelErr, context.Canceled) {
			err = fmt.Errorf("failed to close tab %s: %w", t.id, cancelErr)
		}
		t.cancel()
		if t.onClose != nil {
			t.onClose()
		}
		t.logger.Debug("Tab closed.")
	})
	return err
}

// wrap maps CDP failures to the environment sentinel, leaving cancellation alone.
func (t *Tab) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", schemas.ErrEnvironment, op, err)
}
