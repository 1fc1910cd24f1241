// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface exposes read access to every configuration section. Components take
// the narrow section they need; the interface exists so commands can be tested
// against a mocked configuration.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Portal() PortalConfig
	Challenge() ChallengeConfig
	Renderer() RendererConfig
	Session() SessionConfig
	Catalog() CatalogConfig
	Store() StoreConfig
	API() APIConfig
}

// Config is the root configuration object.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	PortalCfg    PortalConfig    `mapstructure:"portal" yaml:"portal"`
	ChallengeCfg ChallengeConfig `mapstructure:"challenge" yaml:"challenge"`
	RendererCfg  RendererConfig  `mapstructure:"renderer" yaml:"renderer"`
	SessionCfg   SessionConfig   `mapstructure:"session" yaml:"session"`
	CatalogCfg   CatalogConfig   `mapstructure:"catalog" yaml:"catalog"`
	StoreCfg     StoreConfig     `mapstructure:"store" yaml:"store"`
	APICfg       APIConfig       `mapstructure:"api" yaml:"api"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Portal() PortalConfig       { return c.PortalCfg }
func (c *Config) Challenge() ChallengeConfig { return c.ChallengeCfg }
func (c *Config) Renderer() RendererConfig   { return c.RendererCfg }
func (c *Config) Session() SessionConfig     { return c.SessionCfg }
func (c *Config) Catalog() CatalogConfig     { return c.CatalogCfg }
func (c *Config) Store() StoreConfig         { return c.StoreCfg }
func (c *Config) API() APIConfig             { return c.APICfg }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig controls the Chrome process and the tabs handed to sessions.
type BrowserConfig struct {
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ExecPath        string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	// Concurrency caps how many sessions may hold a tab at once.
	Concurrency       int           `mapstructure:"concurrency" yaml:"concurrency"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	WaitPollInterval  time.Duration `mapstructure:"wait_poll_interval" yaml:"wait_poll_interval"`
	Debug             bool          `mapstructure:"debug" yaml:"debug"`
}

// LevelConfig is one cascade level: a name and its prioritized selector list.
type LevelConfig struct {
	Name      string   `mapstructure:"name" yaml:"name"`
	Selectors []string `mapstructure:"selectors" yaml:"selectors"`
}

// CaseTypeSelectors maps each case type to its checkbox matchers.
type CaseTypeSelectors struct {
	Civil    []string `mapstructure:"civil" yaml:"civil"`
	Criminal []string `mapstructure:"criminal" yaml:"criminal"`
}

// PortalConfig describes the target page: where it lives and how to find things on it.
type PortalConfig struct {
	URL    string        `mapstructure:"url" yaml:"url"`
	Levels []LevelConfig `mapstructure:"levels" yaml:"levels"`
	// DatePickerSelectors open the calendar widget.
	DatePickerSelectors []string `mapstructure:"date_picker_selectors" yaml:"date_picker_selectors"`
	// DateButtonTemplate is formatted with the YYYY-MM-DD date.
	DateButtonTemplate string            `mapstructure:"date_button_template" yaml:"date_button_template"`
	CaseTypes          CaseTypeSelectors `mapstructure:"case_types" yaml:"case_types"`
	SubmitSelectors    []string          `mapstructure:"submit_selectors" yaml:"submit_selectors"`
	ResultRoot         string            `mapstructure:"result_root" yaml:"result_root"`
	ResultContainer    string            `mapstructure:"result_container" yaml:"result_container"`
	CellContent        string            `mapstructure:"cell_content" yaml:"cell_content"`
	DefaultCaption     string            `mapstructure:"default_caption" yaml:"default_caption"`
	ResolutionTimeout  time.Duration     `mapstructure:"resolution_timeout" yaml:"resolution_timeout"`
	ResultTimeout      time.Duration     `mapstructure:"result_timeout" yaml:"result_timeout"`
}

// ChallengeConfig selects and tunes the CAPTCHA strategy.
type ChallengeConfig struct {
	Mode           string       `mapstructure:"mode" yaml:"mode"`
	ImageSelectors []string     `mapstructure:"image_selectors" yaml:"image_selectors"`
	InputSelectors []string     `mapstructure:"input_selectors" yaml:"input_selectors"`
	Human          HumanConfig  `mapstructure:"human" yaml:"human"`
	Solver         SolverConfig `mapstructure:"solver" yaml:"solver"`
}

const (
	ChallengeModeHuman  = "human"
	ChallengeModeSolver = "solver"
)

// HumanConfig bounds how long a session waits for an operator to solve the challenge.
type HumanConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SolverConfig configures the remote solving service client.
type SolverConfig struct {
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	PollInterval   time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	// RateLimit is requests per second across all sessions sharing the client.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

// RendererConfig controls the rendered artifact.
type RendererConfig struct {
	Format    string `mapstructure:"format" yaml:"format"`
	OutputDir string `mapstructure:"output_dir" yaml:"output_dir"`
	PageSize  int    `mapstructure:"page_size" yaml:"page_size"`
}

// SessionConfig controls the in-memory session registry.
type SessionConfig struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// CatalogConfig controls option listing and its cache.
type CatalogConfig struct {
	// CacheDir empty means an in-memory cache.
	CacheDir      string        `mapstructure:"cache_dir" yaml:"cache_dir"`
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	RetryAttempts int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryInterval time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
}

// StoreConfig holds the archive database connection details.
type StoreConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL        time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "causelist")
	v.SetDefault("logger.log_file", "causelist.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.concurrency", 4)
	v.SetDefault("browser.navigation_timeout", "60s")
	v.SetDefault("browser.action_timeout", "15s")
	v.SetDefault("browser.wait_poll_interval", "250ms")
	v.SetDefault("browser.debug", false)

	// -- Portal --
	v.SetDefault("portal.url", "https://newdelhi.dcourts.gov.in/cause-list-%e2%81%84-daily-board/")
	v.SetDefault("portal.levels", []map[string]interface{}{
		{"name": "court_complex", "selectors": []string{"#est_code", "select[name='est_code']"}},
		{"name": "court", "selectors": []string{"#court", "select[name='court']"}},
	})
	v.SetDefault("portal.date_picker_selectors", []string{".icon[aria-label^='Choose Date']", "#date"})
	v.SetDefault("portal.date_button_template", "button.dateButton[data-date='%s']")
	v.SetDefault("portal.case_types.civil", []string{"#chkCauseTypeCivil", "input[type='radio'][value='civ']"})
	v.SetDefault("portal.case_types.criminal", []string{"#chkCauseTypeCriminal", "input[type='radio'][value='cri']"})
	v.SetDefault("portal.submit_selectors", []string{"input[type='submit'][value='Search']", "button[type='submit']"})
	v.SetDefault("portal.result_root", "body")
	v.SetDefault("portal.result_container", ".distTableContent")
	v.SetDefault("portal.cell_content", ".bt-content")
	v.SetDefault("portal.default_caption", "Cause List")
	v.SetDefault("portal.resolution_timeout", "10s")
	v.SetDefault("portal.result_timeout", "15s")

	// -- Challenge --
	v.SetDefault("challenge.mode", ChallengeModeHuman)
	v.SetDefault("challenge.image_selectors", []string{
		"img[src*='captcha']", "img[src*='Captcha']", "img[alt*='captcha']", "img[alt*='Captcha']",
	})
	v.SetDefault("challenge.input_selectors", []string{
		"input[name*='captcha']", "input[id*='captcha']", "input[placeholder*='captcha']",
		"input[type='text'][name*='code']", "#captcha", ".captcha-input",
	})
	v.SetDefault("challenge.human.poll_interval", "2s")
	v.SetDefault("challenge.human.timeout", "300s")
	v.SetDefault("challenge.solver.base_url", "https://2captcha.com")
	v.SetDefault("challenge.solver.poll_interval", "10s")
	v.SetDefault("challenge.solver.max_attempts", 60)
	v.SetDefault("challenge.solver.request_timeout", "30s")
	v.SetDefault("challenge.solver.rate_limit", 1.0)
	v.SetDefault("challenge.solver.burst", 2)

	// -- Renderer --
	v.SetDefault("renderer.format", "pdf")
	v.SetDefault("renderer.output_dir", "downloads")
	v.SetDefault("renderer.page_size", 40)

	// -- Session --
	v.SetDefault("session.retention", "1h")
	v.SetDefault("session.sweep_interval", "5m")

	// -- Catalog --
	v.SetDefault("catalog.cache_dir", "")
	v.SetDefault("catalog.ttl", "12h")
	v.SetDefault("catalog.retry_attempts", 3)
	v.SetDefault("catalog.retry_interval", "2s")

	// -- Store --
	v.SetDefault("store.url", "")

	// -- API --
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.token_ttl", "24h")
	v.SetDefault("api.shutdown_timeout", "15s")
}

// NewConfigFromViper unmarshals and validates a configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("challenge.solver.api_key", "CAUSELIST_SOLVER_API_KEY")
	v.BindEnv("api.jwt_secret", "CAUSELIST_API_JWT_SECRET")
	v.BindEnv("store.url", "CAUSELIST_STORE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the key if Unmarshal didn't pick it up
	if cfg.ChallengeCfg.Mode == ChallengeModeSolver && cfg.ChallengeCfg.Solver.APIKey == "" {
		cfg.ChallengeCfg.Solver.APIKey = os.Getenv("CAUSELIST_SOLVER_API_KEY")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.BrowserCfg.Concurrency <= 0 {
		return fmt.Errorf("browser.concurrency must be a positive integer")
	}
	if err := c.PortalCfg.Validate(); err != nil {
		return fmt.Errorf("portal configuration invalid: %w", err)
	}
	if err := c.ChallengeCfg.Validate(); err != nil {
		return fmt.Errorf("challenge configuration invalid: %w", err)
	}
	// An operator cannot solve a CAPTCHA in a window that is never shown.
	if c.ChallengeCfg.Mode == ChallengeModeHuman && c.BrowserCfg.Headless {
		return fmt.Errorf("browser.headless cannot be used with challenge.mode %q; use %q or run headed", ChallengeModeHuman, ChallengeModeSolver)
	}
	switch strings.ToLower(c.RendererCfg.Format) {
	case "pdf", "text", "xml":
	default:
		return fmt.Errorf("renderer.format must be one of pdf, text, xml (got %q)", c.RendererCfg.Format)
	}
	if c.RendererCfg.PageSize <= 0 {
		return fmt.Errorf("renderer.page_size must be a positive integer")
	}
	return nil
}

// Validate checks the portal description.
func (p *PortalConfig) Validate() error {
	if p.URL == "" {
		return fmt.Errorf("url is required")
	}
	if len(p.Levels) == 0 {
		return fmt.Errorf("at least one level is required")
	}
	for i, level := range p.Levels {
		if len(level.Selectors) == 0 {
			return fmt.Errorf("levels[%d] (%s) has no selectors", i, level.Name)
		}
	}
	if p.ResolutionTimeout <= 0 || p.ResultTimeout <= 0 {
		return fmt.Errorf("resolution_timeout and result_timeout must be positive")
	}
	if p.ResultContainer == "" {
		return fmt.Errorf("result_container is required")
	}
	return nil
}

// Validate checks the challenge strategy settings.
func (c *ChallengeConfig) Validate() error {
	switch c.Mode {
	case ChallengeModeHuman:
		if c.Human.PollInterval <= 0 || c.Human.Timeout < c.Human.PollInterval {
			return fmt.Errorf("human.poll_interval must be positive and not exceed human.timeout")
		}
	case ChallengeModeSolver:
		if c.Solver.APIKey == "" {
			return fmt.Errorf("solver.api_key is required in solver mode")
		}
		if c.Solver.MaxAttempts <= 0 {
			return fmt.Errorf("solver.max_attempts must be a positive integer")
		}
		if len(c.ImageSelectors) == 0 || len(c.InputSelectors) == 0 {
			return fmt.Errorf("image_selectors and input_selectors are required in solver mode")
		}
	default:
		return fmt.Errorf("mode must be %q or %q (got %q)", ChallengeModeHuman, ChallengeModeSolver, c.Mode)
	}
	return nil
}
