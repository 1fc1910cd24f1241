// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, 4, cfg.Browser().Concurrency)
	assert.False(t, cfg.Browser().Headless, "human mode needs a visible window")
	assert.Equal(t, ChallengeModeHuman, cfg.Challenge().Mode)
	assert.Equal(t, 2*time.Second, cfg.Challenge().Human.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.Challenge().Human.Timeout)
	assert.Equal(t, 10*time.Second, cfg.Challenge().Solver.PollInterval)
	assert.Equal(t, 60, cfg.Challenge().Solver.MaxAttempts)
	assert.Equal(t, "downloads", cfg.Renderer().OutputDir)
	assert.Equal(t, ".distTableContent", cfg.Portal().ResultContainer)

	require.Len(t, cfg.Portal().Levels, 2)
	assert.Equal(t, "court_complex", cfg.Portal().Levels[0].Name)
	assert.Equal(t, "#est_code", cfg.Portal().Levels[0].Selectors[0])
	assert.Equal(t, "#court", cfg.Portal().Levels[1].Selectors[0])

	// Input matchers are tried in this exact order.
	assert.Equal(t, []string{
		"input[name*='captcha']", "input[id*='captcha']", "input[placeholder*='captcha']",
		"input[type='text'][name*='code']", "#captcha", ".captcha-input",
	}, cfg.Challenge().InputSelectors)

	require.NoError(t, cfg.Validate(), "defaults must validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()
		assert.NoError(t, cfg.Validate())

		invalidBrowser := *cfg
		invalidBrowser.BrowserCfg.Concurrency = 0
		err := invalidBrowser.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.concurrency must be a positive integer")

		humanHeadless := *cfg
		humanHeadless.BrowserCfg.Headless = true
		err = humanHeadless.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.headless cannot be used with challenge.mode \"human\"")

		solverHeadless := *cfg
		solverHeadless.BrowserCfg.Headless = true
		solverHeadless.ChallengeCfg.Mode = ChallengeModeSolver
		solverHeadless.ChallengeCfg.Solver.APIKey = "key"
		assert.NoError(t, solverHeadless.Validate())

		invalidFormat := *cfg
		invalidFormat.RendererCfg.Format = "docx"
		err = invalidFormat.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "renderer.format must be one of")

		invalidPage := *cfg
		invalidPage.RendererCfg.PageSize = 0
		assert.Error(t, invalidPage.Validate())
	})

	t.Run("Portal Validation", func(t *testing.T) {
		valid := NewDefaultConfig().PortalCfg
		assert.NoError(t, valid.Validate())

		noLevels := valid
		noLevels.Levels = nil
		assert.ErrorContains(t, noLevels.Validate(), "at least one level is required")

		emptyMatchers := valid
		emptyMatchers.Levels = []LevelConfig{{Name: "court"}}
		assert.ErrorContains(t, emptyMatchers.Validate(), "levels[0] (court) has no selectors")

		noTimeout := valid
		noTimeout.ResultTimeout = 0
		assert.Error(t, noTimeout.Validate())
	})

	t.Run("Challenge Validation", func(t *testing.T) {
		base := NewDefaultConfig().ChallengeCfg

		solver := base
		solver.Mode = ChallengeModeSolver
		assert.ErrorContains(t, solver.Validate(), "solver.api_key is required")

		solver.Solver.APIKey = "key"
		assert.NoError(t, solver.Validate())

		unknown := base
		unknown.Mode = "psychic"
		assert.ErrorContains(t, unknown.Validate(), "mode must be")

		human := base
		human.Human.Timeout = time.Second
		assert.Error(t, human.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
browser:
  concurrency: 2
portal:
  levels:
    - name: state
      selectors: ["#sess_state_code"]
    - name: district
      selectors: ["#sess_dist_code"]
    - name: court
      selectors: ["#court"]
renderer:
  format: xml
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 2, cfg.Browser().Concurrency)
		require.Len(t, cfg.Portal().Levels, 3)
		assert.Equal(t, "state", cfg.Portal().Levels[0].Name)
		assert.Equal(t, "xml", cfg.Renderer().Format)
		// Defaults survive alongside file values.
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("browser.concurrency", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "browser.concurrency must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		t.Setenv("CAUSELIST_SOLVER_API_KEY", "env-key")
		t.Setenv("CAUSELIST_STORE_URL", "postgres://env/db")

		v := viper.New()
		SetDefaults(v)
		v.Set("challenge.mode", ChallengeModeSolver)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "env-key", cfg.Challenge().Solver.APIKey)
		assert.Equal(t, "postgres://env/db", cfg.Store().URL)
	})
}
