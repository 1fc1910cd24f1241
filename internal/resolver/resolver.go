// Package resolver drives the portal's cascading dropdowns: choosing a code on
// one level makes the portal repopulate the next one.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/browser"
	"github.com/xkilldash9x/causelist/internal/config"
)

// Cascade resolves one session's cascade. It is bound to a single automation
// handle and, like it, is not safe for concurrent use.
type Cascade struct {
	auto    schemas.Automation
	levels  []config.LevelConfig
	timeout time.Duration
	logger  *zap.Logger

	// fetched holds the option sets read since their parent was last chosen.
	fetched map[int][]schemas.HierarchyOption
	// matched remembers which matcher located each level's control.
	matched map[int]string
	chosen  []string
}

// New builds a cascade over levels. timeout bounds each repopulation wait.
func New(auto schemas.Automation, levels []config.LevelConfig, timeout time.Duration, logger *zap.Logger) *Cascade {
	return &Cascade{
		auto:    auto,
		levels:  levels,
		timeout: timeout,
		logger:  logger.Named("resolver"),
		fetched: make(map[int][]schemas.HierarchyOption),
		matched: make(map[int]string),
		chosen:  make([]string, len(levels)),
	}
}

// Depth is the number of cascade levels.
func (c *Cascade) Depth() int { return len(c.levels) }

// Chosen returns the codes selected so far, one per level ("" where nothing is chosen).
func (c *Cascade) Chosen() schemas.SelectionPath {
	return append(schemas.SelectionPath(nil), c.chosen...)
}

// Label returns the display name of the deepest chosen option, or its code when
// the name is blank. It is "" until something was chosen.
func (c *Cascade) Label() string {
	for level := len(c.chosen) - 1; level >= 0; level-- {
		code := c.chosen[level]
		if code == "" {
			continue
		}
		for _, o := range c.fetched[level] {
			if o.Code == code && o.Name != "" {
				return o.Name
			}
		}
		return code
	}
	return ""
}

// Root reads the outermost level's options once the page has populated them.
func (c *Cascade) Root(ctx context.Context) ([]schemas.HierarchyOption, error) {
	c.invalidateFrom(0)
	opts, err := c.awaitOptions(ctx, 0)
	if err != nil {
		return nil, err
	}
	c.fetched[0] = opts
	return opts, nil
}

// Resolve chooses parentCode on level-1 and returns level's freshly repopulated options.
// Level-1's options must have been fetched first and must offer parentCode.
func (c *Cascade) Resolve(ctx context.Context, level int, parentCode string) ([]schemas.HierarchyOption, error) {
	if level < 1 || level >= len(c.levels) {
		return nil, fmt.Errorf("%w: level %d has no parent level", schemas.ErrInvalidRequest, level)
	}
	if err := c.choose(ctx, level-1, parentCode); err != nil {
		return nil, err
	}
	opts, err := c.awaitOptions(ctx, level)
	if err != nil {
		return nil, err
	}
	c.fetched[level] = opts
	return opts, nil
}

// Choose selects code on level without waiting for a dependent level. It is how
// the deepest level is set.
func (c *Cascade) Choose(ctx context.Context, level int, code string) error {
	if level < 0 || level >= len(c.levels) {
		return fmt.Errorf("%w: level %d out of range", schemas.ErrInvalidRequest, level)
	}
	return c.choose(ctx, level, code)
}

// ResolvePath walks the whole cascade for path, one code per level. checkpoint,
// if non-nil, runs before every step so callers can abort between steps.
func (c *Cascade) ResolvePath(ctx context.Context, path schemas.SelectionPath, checkpoint func() error) error {
	if len(path) != len(c.levels) {
		return fmt.Errorf("%w: selection path has %d codes, portal has %d levels",
			schemas.ErrInvalidRequest, len(path), len(c.levels))
	}
	step := func() error {
		if checkpoint == nil {
			return nil
		}
		return checkpoint()
	}

	if err := step(); err != nil {
		return err
	}
	if _, err := c.Root(ctx); err != nil {
		return err
	}
	for level := 1; level < len(path); level++ {
		if err := step(); err != nil {
			return err
		}
		if _, err := c.Resolve(ctx, level, path[level-1]); err != nil {
			return err
		}
	}
	if err := step(); err != nil {
		return err
	}
	return c.Choose(ctx, len(path)-1, path.Leaf())
}

func (c *Cascade) choose(ctx context.Context, level int, code string) error {
	opts, ok := c.fetched[level]
	if !ok {
		return fmt.Errorf("%w: options of level %s must be fetched before choosing on it",
			schemas.ErrInvalidRequest, c.levels[level].Name)
	}
	if !containsCode(opts, code) {
		return fmt.Errorf("%w: code %q is not offered on level %s", schemas.ErrInvalidRequest, code, c.levels[level].Name)
	}

	control, err := c.control(ctx, level)
	if err != nil {
		return err
	}
	if err := c.auto.SelectOption(ctx, control, code); err != nil {
		return fmt.Errorf("choose %q on %s: %w", code, c.levels[level].Name, err)
	}
	c.invalidateFrom(level + 1)
	c.chosen[level] = code
	c.logger.Debug("Option chosen.", zap.String("level", c.levels[level].Name), zap.String("code", code))
	return nil
}

// invalidateFrom forgets fetched option sets and choices at level and deeper.
func (c *Cascade) invalidateFrom(level int) {
	for l := level; l < len(c.levels); l++ {
		delete(c.fetched, l)
		c.chosen[l] = ""
	}
}

func (c *Cascade) control(ctx context.Context, level int) (schemas.ElementHandle, error) {
	lvl := c.levels[level]
	m, err := browser.FirstMatch(ctx, c.auto, lvl.Selectors, lvl.Name, c.logger)
	if err != nil {
		return schemas.ElementHandle{}, err
	}
	if !m.Found {
		return schemas.ElementHandle{}, fmt.Errorf("%w: no control for level %s", schemas.ErrElementNotFound, lvl.Name)
	}
	c.matched[level] = m.Selector
	return m.Handle, nil
}

// awaitOptions waits until level's control lists more than its placeholder, then reads it.
func (c *Cascade) awaitOptions(ctx context.Context, level int) ([]schemas.HierarchyOption, error) {
	if _, err := c.control(ctx, level); err != nil {
		return nil, err
	}
	optionSel := c.matched[level] + " option"

	err := c.auto.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		els, err := c.auto.FindElements(ctx, optionSel)
		if err != nil {
			return false, err
		}
		return len(els) > 1, nil
	}, c.timeout)
	if errors.Is(err, schemas.ErrWaitTimeout) {
		return nil, fmt.Errorf("%w: level %s after %s", schemas.ErrResolutionTimeout, c.levels[level].Name, c.timeout)
	}
	if err != nil {
		return nil, err
	}

	opts, err := c.readOptions(ctx, optionSel)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Options fetched.", zap.String("level", c.levels[level].Name), zap.Int("count", len(opts)))
	return opts, nil
}

// readOptions reads every option but the first (the placeholder). Duplicates are kept.
func (c *Cascade) readOptions(ctx context.Context, optionSel string) ([]schemas.HierarchyOption, error) {
	els, err := c.auto.FindElements(ctx, optionSel)
	if err != nil {
		return nil, err
	}
	if len(els) <= 1 {
		return []schemas.HierarchyOption{}, nil
	}
	opts := make([]schemas.HierarchyOption, 0, len(els)-1)
	for _, el := range els[1:] {
		text, err := c.auto.ReadText(ctx, el)
		if err != nil {
			return nil, err
		}
		name := normalizeSpace(text)
		code, ok, err := c.auto.ReadAttribute(ctx, el, "value")
		if err != nil {
			return nil, err
		}
		if !ok {
			code = name
		}
		opts = append(opts, schemas.HierarchyOption{Code: code, Name: name})
	}
	return opts, nil
}

func containsCode(opts []schemas.HierarchyOption, code string) bool {
	for _, o := range opts {
		if o.Code == code {
			return true
		}
	}
	return false
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
