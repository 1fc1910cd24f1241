package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/challenge"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/poll"
	"github.com/xkilldash9x/causelist/internal/portaltest"
	"github.com/xkilldash9x/causelist/internal/render"
)

const resultsWithRows = `
<div class="distTableContent">
  <table>
    <caption>Court No. 12</caption>
    <tr><th>Serial Number</th><th>Case Type/Case Number/Case Year</th><th>Party Name</th></tr>
    <tr><td>1</td><td><span class="bt-content">CS DJ/123/2024</span></td><td>ABC vs XYZ</td></tr>
    <tr><td colspan="3">Listed after lunch</td></tr>
  </table>
</div>`

const resultsWithoutRows = `
<div class="distTableContent">
  <table><tr><th>Serial Number</th><th>Party Name</th></tr></table>
</div>
<div class="distTableContent"><p>No matters listed.</p></div>`

func sampleTree() map[string][]schemas.HierarchyOption {
	return map[string][]schemas.HierarchyOption{
		"":         {{Code: "complexA", Name: "Patiala House"}, {Code: "complexB", Name: "Saket"}},
		"complexA": {{Code: "courtX", Name: "Judge X"}, {Code: "courtY", Name: "Judge Y"}},
		"complexB": {{Code: "courtZ", Name: "Judge Z"}},
	}
}

func newPortal(configure func(p *portaltest.Portal)) func() *portaltest.Portal {
	return func() *portaltest.Portal {
		p := portaltest.New(sampleTree())
		p.RepopulateAfter = 2
		p.ResultsAfter = 3
		p.ResultHTML = resultsWithRows
		if configure != nil {
			configure(p)
		}
		return p
	}
}

// humanGate polls every 2s for up to 300s of fake time.
func humanGate(clock *poll.FakeClock) challenge.Gate {
	return challenge.NewHumanGate(poll.Policy{Interval: 2 * time.Second, MaxAttempts: 150, SleepFirst: true}, clock, zap.NewNop())
}

type runnerFixture struct {
	runner   *Runner
	provider *portaltest.Provider
	clock    *poll.FakeClock
	outDir   string
}

func newRunnerFixture(t *testing.T, configure func(p *portaltest.Portal)) *runnerFixture {
	t.Helper()
	clock := poll.NewFakeClock(epoch)
	provider := &portaltest.Provider{Factory: newPortal(configure)}
	outDir := t.TempDir()
	renderer, err := render.New(config.RendererConfig{Format: "pdf", OutputDir: outDir, PageSize: 40}, zap.NewNop())
	require.NoError(t, err)

	return &runnerFixture{
		runner: NewRunner(Dependencies{
			Provider: provider,
			Portal:   config.NewDefaultConfig().Portal(),
			Gate:     humanGate(clock),
			Renderer: renderer,
			Logger:   zap.NewNop(),
		}),
		provider: provider,
		clock:    clock,
		outDir:   outDir,
	}
}

// run executes one session synchronously. confirmAfter > 0 has the operator
// confirm the challenge once that much fake time has passed.
func (f *runnerFixture) run(t *testing.T, req schemas.ScrapeRequest, confirmAfter time.Duration) (*Session, schemas.SessionSnapshot) {
	t.Helper()
	s := newSession("session-1", req, f.clock.Now)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.bindCancel(cancel)

	if confirmAfter > 0 {
		f.clock.OnSleep = func(total time.Duration) {
			if total >= confirmAfter {
				_ = s.ConfirmChallenge()
			}
		}
	}
	f.runner.Run(ctx, s)

	select {
	case <-s.Done():
	default:
		t.Fatal("session not marked done after Run returned")
	}
	return s, s.Snapshot()
}

func (f *runnerFixture) portal(t *testing.T) *portaltest.Portal {
	t.Helper()
	issued := f.provider.Issued()
	require.Len(t, issued, 1)
	return issued[0]
}

func TestRunnerCompletes(t *testing.T) {
	f := newRunnerFixture(t, nil)
	_, snap := f.run(t, sampleRequest(), 10*time.Second)

	require.Equal(t, schemas.StatusCompleted, snap.Status, snap.Message)
	assert.Equal(t, schemas.KindNone, snap.ErrorKind)
	require.Len(t, snap.Tables, 1)
	assert.Equal(t, "Court No. 12", snap.Tables[0].Caption)
	assert.Equal(t, [][]string{{"1", "CS DJ/123/2024", "ABC vs XYZ"}, {"Listed after lunch"}}, snap.Tables[0].Rows)

	assert.Equal(t, "cause_list_Judge_X_civil_2025-10-16.pdf", snap.ArtifactRef)
	_, err := os.Stat(filepath.Join(f.outDir, snap.ArtifactRef))
	assert.NoError(t, err)

	portal := f.portal(t)
	assert.Equal(t, 1, portal.Closes())
	assert.Equal(t, []string{"complexA", "courtX"}, portal.Selected())
	submitted, date, caseType := portal.Submitted()
	assert.True(t, submitted)
	assert.Equal(t, "2025-10-16", date)
	assert.Equal(t, schemas.CaseTypeCivil, caseType)
	assert.Equal(t, 10*time.Second, f.clock.Elapsed())
}

func TestRunnerCriminalCaseType(t *testing.T) {
	f := newRunnerFixture(t, nil)
	req := sampleRequest()
	req.CaseType = schemas.CaseTypeCriminal
	_, snap := f.run(t, req, 2*time.Second)

	require.Equal(t, schemas.StatusCompleted, snap.Status, snap.Message)
	_, _, caseType := f.portal(t).Submitted()
	assert.Equal(t, schemas.CaseTypeCriminal, caseType)
}

func TestRunnerChallengeTimeout(t *testing.T) {
	f := newRunnerFixture(t, nil)
	_, snap := f.run(t, sampleRequest(), 0)

	assert.Equal(t, schemas.StatusErrored, snap.Status)
	assert.Equal(t, schemas.KindChallengeTimeout, snap.ErrorKind)
	assert.Equal(t, 300*time.Second, f.clock.Elapsed())
	portal := f.portal(t)
	assert.Equal(t, 1, portal.Closes())
	submitted, _, _ := portal.Submitted()
	assert.False(t, submitted)
}

func TestRunnerResultTimeout(t *testing.T) {
	f := newRunnerFixture(t, func(p *portaltest.Portal) { p.ResultsAfter = portaltest.Never })
	_, snap := f.run(t, sampleRequest(), 2*time.Second)

	assert.Equal(t, schemas.StatusErrored, snap.Status)
	assert.Equal(t, schemas.KindResultTimeout, snap.ErrorKind)
	assert.Empty(t, snap.Tables)
	assert.Equal(t, 1, f.portal(t).Closes())
}

func TestRunnerNoRows(t *testing.T) {
	f := newRunnerFixture(t, func(p *portaltest.Portal) {
		p.ResultHTML = resultsWithoutRows
		p.Containers = 2
	})
	_, snap := f.run(t, sampleRequest(), 2*time.Second)

	require.Equal(t, schemas.StatusCompleted, snap.Status, snap.Message)
	require.Len(t, snap.Tables, 1)
	assert.Empty(t, snap.Tables[0].Rows)
	assert.Empty(t, snap.ArtifactRef)
	assert.Equal(t, "No cause list entries found", snap.Message)

	entries, err := os.ReadDir(f.outDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunnerCancelDuringSelection(t *testing.T) {
	var s atomic.Pointer[Session]
	f := newRunnerFixture(t, func(p *portaltest.Portal) {
		p.BeforeAction = func(op string) {
			if op == "select:complexA" {
				s.Load().Cancel()
			}
		}
	})

	sess := newSession("session-1", sampleRequest(), f.clock.Now)
	s.Store(sess)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.bindCancel(cancel)
	f.runner.Run(ctx, sess)

	snap := sess.Snapshot()
	assert.Equal(t, schemas.StatusCancelled, snap.Status)
	assert.Equal(t, schemas.KindCancelled, snap.ErrorKind)
	portal := f.portal(t)
	assert.Equal(t, 1, portal.Closes())
	assert.NotContains(t, portal.Ops(), "select:courtX")
	assert.Zero(t, f.clock.Elapsed(), "the challenge gate never ran")
}

func TestRunnerCancelBeforeStart(t *testing.T) {
	f := newRunnerFixture(t, nil)
	sess := newSession("session-1", sampleRequest(), f.clock.Now)
	sess.Cancel()
	f.runner.Run(context.Background(), sess)

	assert.Equal(t, schemas.StatusCancelled, sess.Status())
	assert.Empty(t, f.provider.Issued(), "no handle is acquired for a cancelled session")
}

func TestRunnerEnvironmentFailures(t *testing.T) {
	t.Run("should fail when the handle cannot be acquired", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		f.provider.AcquireErr = errors.New("chrome not found")
		_, snap := f.run(t, sampleRequest(), 2*time.Second)

		assert.Equal(t, schemas.StatusErrored, snap.Status)
		assert.Equal(t, schemas.KindEnvironment, snap.ErrorKind)
		assert.Contains(t, snap.Message, "chrome not found")
		assert.Empty(t, f.provider.Issued())
	})

	t.Run("should fail and release the handle when navigation fails", func(t *testing.T) {
		f := newRunnerFixture(t, func(p *portaltest.Portal) { p.NavigateErr = errors.New("net::ERR_NAME_NOT_RESOLVED") })
		_, snap := f.run(t, sampleRequest(), 2*time.Second)

		assert.Equal(t, schemas.StatusErrored, snap.Status)
		assert.Equal(t, schemas.KindEnvironment, snap.ErrorKind)
		assert.Equal(t, 1, f.portal(t).Closes())
	})
}

func TestRunnerSelectionFailures(t *testing.T) {
	t.Run("should reject a code the portal does not offer", func(t *testing.T) {
		f := newRunnerFixture(t, nil)
		req := sampleRequest()
		req.Path = schemas.SelectionPath{"complexA", "courtZ"}
		_, snap := f.run(t, req, 2*time.Second)

		assert.Equal(t, schemas.StatusErrored, snap.Status)
		assert.Equal(t, schemas.KindInvalidRequest, snap.ErrorKind)
		assert.Equal(t, 1, f.portal(t).Closes())
	})

	t.Run("should time out when the dependent level never fills", func(t *testing.T) {
		f := newRunnerFixture(t, func(p *portaltest.Portal) { p.RepopulateAfter = portaltest.Never })
		_, snap := f.run(t, sampleRequest(), 2*time.Second)

		assert.Equal(t, schemas.KindResolutionTimeout, snap.ErrorKind)
		assert.Equal(t, 1, f.portal(t).Closes())
	})

	t.Run("should report a date the calendar does not offer", func(t *testing.T) {
		f := newRunnerFixture(t, func(p *portaltest.Portal) { p.Dates = []string{"2025-10-17"} })
		_, snap := f.run(t, sampleRequest(), 2*time.Second)

		assert.Equal(t, schemas.KindElementNotFound, snap.ErrorKind)
		assert.Contains(t, snap.Message, "2025-10-16")
	})
}
