package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/portaltest"
)

func TestCombineContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("should cancel when the secondary context is cancelled", func(t *testing.T) {
		type key struct{}
		primary := context.WithValue(context.Background(), key{}, "tab")
		secondary, cancelSecondary := context.WithCancel(context.Background())

		combined, cancel := CombineContext(primary, secondary)
		defer cancel()
		assert.Equal(t, "tab", combined.Value(key{}))

		cancelSecondary()
		select {
		case <-combined.Done():
		case <-time.After(time.Second):
			t.Fatal("combined context was not cancelled")
		}
	})

	t.Run("should cancel when the primary context is cancelled", func(t *testing.T) {
		primary, cancelPrimary := context.WithCancel(context.Background())
		combined, cancel := CombineContext(primary, context.Background())
		defer cancel()

		cancelPrimary()
		<-combined.Done()
		assert.ErrorIs(t, combined.Err(), context.Canceled)
	})
}

func TestExecAllocatorOptions(t *testing.T) {
	base := len(chromedp.DefaultExecAllocatorOptions) + 4

	t.Run("should keep the default headless options", func(t *testing.T) {
		opts := execAllocatorOptions(config.BrowserConfig{Headless: true})
		assert.Len(t, opts, base)
	})

	t.Run("should add one option per configured setting", func(t *testing.T) {
		opts := execAllocatorOptions(config.BrowserConfig{
			Headless:        false,
			IgnoreTLSErrors: true,
			ExecPath:        "/usr/bin/chromium",
			UserAgent:       "causelist-test",
		})
		assert.Len(t, opts, base+4)
	})

	t.Run("should turn extra args into flags and skip blanks", func(t *testing.T) {
		opts := execAllocatorOptions(config.BrowserConfig{
			Headless: true,
			Args:     []string{"--no-zygote", "--lang=en-IN", "--", ""},
		})
		assert.Len(t, opts, base+2)
	})
}

func TestFirstMatch(t *testing.T) {
	portal := portaltest.New(nil)
	require.NoError(t, portal.Navigate(context.Background(), "https://portal.test/"))
	layout := portaltest.DefaultLayout()

	t.Run("should return the first selector that finds an element", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		m, err := FirstMatch(context.Background(), portal, []string{"#missing", layout.Submit, layout.CaptchaInput}, "submit", zap.New(core))
		require.NoError(t, err)
		assert.True(t, m.Found)
		assert.Equal(t, layout.Submit, m.Selector)
		assert.Equal(t, 1, m.Rank)
		assert.Equal(t, 1, logs.FilterMessage("Matcher hit.").Len())
	})

	t.Run("should report a miss without an error", func(t *testing.T) {
		core, logs := observer.New(zap.DebugLevel)
		m, err := FirstMatch(context.Background(), portal, []string{"#a", "#b"}, "nothing", zap.New(core))
		require.NoError(t, err)
		assert.False(t, m.Found)
		assert.Equal(t, -1, m.Rank)
		assert.Equal(t, 1, logs.FilterMessage("No matcher found the element.").FilterField(zap.String("purpose", "nothing")).Len())
	})

	t.Run("should stop on automation failures", func(t *testing.T) {
		broken := &erroringAutomation{Automation: portaltest.New(nil), err: errors.New("target closed")}

		_, err := FirstMatch(context.Background(), broken, []string{"#a"}, "submit", zap.NewNop())
		assert.EqualError(t, err, "target closed")
	})
}

type erroringAutomation struct {
	schemas.Automation
	err error
}

func (e *erroringAutomation) FindElement(context.Context, string) (schemas.Lookup, error) {
	return schemas.NotFound, e.err
}

func TestManager(t *testing.T) {
	t.Run("should shut down cleanly without ever launching", func(t *testing.T) {
		m := NewManager(context.Background(), config.BrowserConfig{}, zap.NewNop())
		assert.Equal(t, 0, m.ActiveTabs())
		assert.NoError(t, m.Shutdown(context.Background()))
	})

	t.Run("should classify a missing executable as an environment error", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		core, logs := observer.New(zap.InfoLevel)
		m := NewManager(ctx, config.BrowserConfig{Headless: true, ExecPath: "/nonexistent/chrome"}, zap.New(core))

		_, err := m.Acquire(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, schemas.ErrEnvironment)

		// A failed launch is not cached; the next Acquire launches again.
		_, err = m.Acquire(ctx)
		assert.ErrorIs(t, err, schemas.ErrEnvironment)
		assert.Equal(t, 2, logs.FilterMessage("Launching browser.").Len())
		assert.Equal(t, 2, logs.FilterMessage("Browser launch failed.").Len())
		assert.NoError(t, m.Shutdown(ctx))
	})

	t.Run("should not launch for a caller that already gave up", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		m := NewManager(context.Background(), config.BrowserConfig{ExecPath: "/nonexistent/chrome"}, zap.New(core))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := m.Acquire(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, logs.FilterMessage("Launching browser.").Len())
	})

	t.Run("should refuse to launch after shutdown", func(t *testing.T) {
		core, logs := observer.New(zap.InfoLevel)
		m := NewManager(context.Background(), config.BrowserConfig{ExecPath: "/nonexistent/chrome"}, zap.New(core))
		require.NoError(t, m.Shutdown(context.Background()))

		_, err := m.Acquire(context.Background())
		assert.ErrorIs(t, err, schemas.ErrEnvironment)
		assert.Equal(t, 0, logs.FilterMessage("Launching browser.").Len())
	})
}
