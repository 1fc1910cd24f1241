package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/causelist/api/schemas"
	"github.com/xkilldash9x/causelist/internal/challenge"
	"github.com/xkilldash9x/causelist/internal/config"
	"github.com/xkilldash9x/causelist/internal/observability"
	"github.com/xkilldash9x/causelist/internal/poll"
	"github.com/xkilldash9x/causelist/internal/portaltest"
	"github.com/xkilldash9x/causelist/internal/render"
	"github.com/xkilldash9x/causelist/internal/service"
	"github.com/xkilldash9x/causelist/internal/session"
)

const resultsWithRows = `
<div class="distTableContent">
  <table>
    <caption>Court No. 12</caption>
    <tr><th>Serial Number</th><th>Case Type/Case Number/Case Year</th><th>Party Name</th></tr>
    <tr><td>1</td><td><span class="bt-content">CS DJ/123/2024</span></td><td>ABC vs XYZ</td></tr>
  </table>
</div>`

func sampleTree() map[string][]schemas.HierarchyOption {
	return map[string][]schemas.HierarchyOption{
		"":         {{Code: "complexA", Name: "Patiala House"}, {Code: "complexB", Name: "Saket"}},
		"complexA": {{Code: "courtX", Name: "Judge X"}, {Code: "courtY", Name: "Judge Y"}},
		"complexB": {{Code: "courtZ", Name: "Judge Z"}},
	}
}

func sampleRequest(t *testing.T) schemas.ScrapeRequest {
	t.Helper()
	date, err := schemas.ParseCalendarDate("2025-10-16")
	require.NoError(t, err)
	return schemas.ScrapeRequest{Path: schemas.SelectionPath{"complexA", "courtX"}, Date: date, CaseType: schemas.CaseTypeCivil}
}

// newPristineRootCmd resets package state and returns a root command writing to out.
// The log file goes to a temp dir so tests never write into the package directory.
func newPristineRootCmd(t *testing.T, out *bytes.Buffer, args ...string) *cobra.Command {
	t.Helper()
	cfgFile = ""
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
	t.Setenv("CAUSELIST_LOGGER_LOG_FILE", filepath.Join(t.TempDir(), "causelist.log"))

	root := NewRootCommand()
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	return root
}

// withFactory swaps the package component factory for the duration of the test.
func withFactory(t *testing.T, f service.ComponentFactory) {
	t.Helper()
	prev := componentFactory
	componentFactory = f
	t.Cleanup(func() { componentFactory = prev })
}

// scrapeComponents wires a real coordinator over a scripted portal.
func scrapeComponents(t *testing.T, provider *portaltest.Provider) *service.Components {
	t.Helper()
	cfg := config.NewDefaultConfig()
	outDir := t.TempDir()
	renderer, err := render.New(config.RendererConfig{Format: "text", OutputDir: outDir, PageSize: 40}, zap.NewNop())
	require.NoError(t, err)

	gate := challenge.NewHumanGate(poll.Policy{Interval: 10 * time.Millisecond, MaxAttempts: 500, SleepFirst: true}, poll.RealClock(), zap.NewNop())
	runner := session.NewRunner(session.Dependencies{
		Provider: provider,
		Portal:   cfg.Portal(),
		Gate:     gate,
		Renderer: renderer,
		Logger:   zap.NewNop(),
	})
	coord := session.NewCoordinator(runner, session.NewMemoryStore(), cfg.Session(), 2, zap.NewNop())
	return &service.Components{Coordinator: coord, Renderer: renderer, DownloadDir: outDir}
}

func withFastPolling(t *testing.T) {
	t.Helper()
	prev := statusPollInterval
	statusPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { statusPollInterval = prev })
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}
