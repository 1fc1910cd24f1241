package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/config"
)

const dependentPage = `<!doctype html>
<html><body>
<select id="est_code">
  <option value="">Select</option>
  <option value="complexA">Patiala House</option>
</select>
<select id="court"><option value="">Select</option></select>
<p class="note" data-kind="info">Listed matters</p>
<script>
document.getElementById('est_code').addEventListener('change', function () {
  setTimeout(function () {
    document.getElementById('court').innerHTML =
      '<option value="">Select</option><option value="courtX">Judge X</option>';
  }, 100);
});
</script>
</body></html>`

// findChrome skips the test when no Chrome-compatible binary is installed.
func findChrome(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser test in short mode")
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if _, err := exec.LookPath(name); err == nil {
			return
		}
	}
	t.Skip("no Chrome binary found")
}

func TestTab_DrivesARealPage(t *testing.T) {
	findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, dependentPage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.BrowserConfig{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		WaitPollInterval:  50 * time.Millisecond,
	}
	m := NewManager(ctx, cfg, zaptest.NewLogger(t))
	defer func() { assert.NoError(t, m.Shutdown(context.Background())) }()

	auto, err := m.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActiveTabs())

	require.NoError(t, auto.Navigate(ctx, srv.URL))

	parent, err := auto.FindElement(ctx, "#est_code")
	require.NoError(t, err)
	require.True(t, parent.Found)

	missing, err := auto.FindElement(ctx, "#does-not-exist")
	require.NoError(t, err)
	assert.False(t, missing.Found)

	t.Run("should repopulate the dependent control after a selection", func(t *testing.T) {
		require.NoError(t, auto.SelectOption(ctx, parent.Handle, "complexA"))
		err := auto.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
			opts, err := auto.FindElements(ctx, "#court option")
			return len(opts) == 2, err
		}, 5*time.Second)
		require.NoError(t, err)
	})

	t.Run("should reject an unknown option value", func(t *testing.T) {
		err := auto.SelectOption(ctx, parent.Handle, "complexZ")
		assert.ErrorIs(t, err, schemas.ErrElementNotFound)
	})

	t.Run("should read text and attributes", func(t *testing.T) {
		note, err := auto.FindElement(ctx, ".note")
		require.NoError(t, err)

		text, err := auto.ReadText(ctx, note.Handle)
		require.NoError(t, err)
		assert.Equal(t, "Listed matters", text)

		kind, ok, err := auto.ReadAttribute(ctx, note.Handle, "data-kind")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "info", kind)

		_, ok, err = auto.ReadAttribute(ctx, note.Handle, "data-absent")
		require.NoError(t, err)
		assert.False(t, ok)

		html, err := auto.OuterHTML(ctx, note.Handle)
		require.NoError(t, err)
		assert.Contains(t, html, `class="note"`)
	})

	t.Run("should time out waiting on a predicate that never holds", func(t *testing.T) {
		err := auto.WaitUntil(ctx, func(context.Context) (bool, error) { return false, nil }, 200*time.Millisecond)
		assert.ErrorIs(t, err, schemas.ErrWaitTimeout)
	})

	require.NoError(t, auto.Close(ctx))
	require.NoError(t, auto.Close(ctx))
	assert.Equal(t, 0, m.ActiveTabs())
}

func TestManager_TabOutlivesAcquireContext(t *testing.T) {
	findChrome(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, dependentPage)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := config.BrowserConfig{
		Headless:          true,
		NavigationTimeout: 30 * time.Second,
		ActionTimeout:     10 * time.Second,
		WaitPollInterval:  50 * time.Millisecond,
	}
	m := NewManager(ctx, cfg, zaptest.NewLogger(t))
	defer func() { assert.NoError(t, m.Shutdown(context.Background())) }()

	acquireCtx, cancelAcquire := context.WithTimeout(ctx, 30*time.Second)
	auto, err := m.Acquire(acquireCtx)
	require.NoError(t, err)
	cancelAcquire()

	require.NoError(t, auto.Navigate(ctx, srv.URL))
	el, err := auto.FindElement(ctx, "#est_code")
	require.NoError(t, err)
	assert.True(t, el.Found)
	require.NoError(t, auto.Close(ctx))
}
