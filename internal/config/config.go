// Package config loads the relay settings from flags, RELAY_* environment
// variables, an optional config file and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/VenkatGGG/notebook-relay/internal/artifact"
	"github.com/VenkatGGG/notebook-relay/internal/profile"
)

const EnvPrefix = "RELAY"

const (
	BackendDevTools = "devtools"
	BackendChromedp = "chromedp"
)

type Config struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Backend      string
	ChromeBin    string
	Headless     bool
	WindowWidth  int
	WindowHeight int
	UserAgent    string
	ChromeFlags  string

	ProfileTemplate string
	ProfileRoot     string
	ProfilePrefix   string

	PageLoadTimeout  time.Duration
	ReadyTimeout     time.Duration
	InputTimeout     time.Duration
	SubmitTimeout    time.Duration
	ResponseTimeout  time.Duration
	ResponseInterval time.Duration
	ElementInterval  time.Duration
	ClickableTimeout time.Duration
	ScrollSettle     time.Duration
	SelectorsFile    string

	APIKey        string
	RateLimit     int
	RedisAddr     string
	ClaimTTL      time.Duration
	NotebookLease bool

	IdempotencyTTL time.Duration

	ArtifactDir        string
	ArtifactBaseURL    string
	FailureScreenshots bool

	LogLevel  string
	LogFormat string
}

type setting struct {
	key   string
	value any
	usage string
}

var settings = []setting{
	{"config", "", "Path to a YAML, JSON or TOML config file"},
	{"http-addr", ":8000", "HTTP listen address"},
	{"read-timeout", 15 * time.Second, "HTTP read timeout"},
	{"write-timeout", 7 * time.Minute, "HTTP write timeout; must cover a full query execution"},
	{"idle-timeout", 60 * time.Second, "HTTP idle timeout"},
	{"shutdown-timeout", 30 * time.Second, "Graceful shutdown timeout"},
	{"backend", BackendDevTools, "Browser control backend (devtools, chromedp)"},
	{"chrome-bin", "", "Chrome binary; looked up or downloaded when empty"},
	{"headless", true, "Run Chrome headless"},
	{"window-width", 1920, "Browser window width"},
	{"window-height", 1080, "Browser window height"},
	{"user-agent", "", "User agent override"},
	{"chrome-flags", "", "Extra Chrome switches, space separated (--name=value)"},
	{"profile-template", "", "Template Chrome profile directory holding the signed-in state"},
	{"profile-root", "", "Directory scratch profiles are created in; the OS temp dir when empty"},
	{"profile-prefix", profile.DefaultPrefix, "Name prefix of scratch profile directories"},
	{"page-load-timeout", 200 * time.Second, "Bound on a single page navigation"},
	{"ready-timeout", 30 * time.Second, "Bound on waiting for the page body after navigation"},
	{"input-timeout", 30 * time.Second, "Bound on waiting for the query input"},
	{"submit-timeout", 30 * time.Second, "Bound on waiting for a clickable submit control"},
	{"response-timeout", 60 * time.Second, "Bound on waiting for a new response"},
	{"response-interval", time.Second, "Poll interval while waiting for a response"},
	{"element-interval", 250 * time.Millisecond, "Poll interval while waiting for elements"},
	{"clickable-timeout", 30 * time.Second, "Bound on waiting for the newest response to become clickable"},
	{"scroll-settle", time.Second, "Pause after scrolling the newest response into view"},
	{"selectors-file", "", "YAML file overriding the notebook UI selectors"},
	{"api-key", "", "API key required on /driver and /execute when set"},
	{"rate-limit", 0, "Requests per minute per client on /driver and /execute; 0 disables"},
	{"redis-addr", "", "Redis address for shared execution claims; in-process claims when empty"},
	{"claim-ttl", time.Duration(0), "Lifetime of an execution claim left by a crashed run; 0 is the worst-case execution plus 1m"},
	{"notebook-lease", false, "Also claim the target notebook so replicas never drive it at once"},
	{"idempotency-ttl", 24 * time.Hour, "How long Idempotency-Key responses are replayed; 0 disables replay"},
	{"artifact-dir", "", "Directory failure screenshots are stored in"},
	{"artifact-base-url", "/artifacts", "URL prefix failure screenshots are served under"},
	{"failure-screenshots", true, "Store a screenshot when a query step times out"},
	{"log-level", "info", "Log level (debug, info, warn, error)"},
	{"log-format", "json", "Log format (json, console)"},
}

// New returns a viper instance reading RELAY_* variables with every default
// registered.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, s := range settings {
		v.SetDefault(s.key, s.value)
	}
	return v
}

// BindFlags registers a persistent flag for every setting on cmd and binds
// it into v.
func BindFlags(v *viper.Viper, cmd *cobra.Command) error {
	flags := cmd.PersistentFlags()
	for _, s := range settings {
		usage := fmt.Sprintf("%s. Env: %s_%s", s.usage, EnvPrefix, strings.ToUpper(strings.ReplaceAll(s.key, "-", "_")))
		switch value := s.value.(type) {
		case string:
			flags.String(s.key, value, usage)
		case bool:
			flags.Bool(s.key, value, usage)
		case int:
			flags.Int(s.key, value, usage)
		case time.Duration:
			flags.Duration(s.key, value, usage)
		default:
			return fmt.Errorf("setting %s has unsupported type %T", s.key, s.value)
		}
		if err := v.BindPFlag(s.key, flags.Lookup(s.key)); err != nil {
			return fmt.Errorf("bind flag %s: %w", s.key, err)
		}
	}
	return nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		HTTPAddr:        v.GetString("http-addr"),
		ReadTimeout:     v.GetDuration("read-timeout"),
		WriteTimeout:    v.GetDuration("write-timeout"),
		IdleTimeout:     v.GetDuration("idle-timeout"),
		ShutdownTimeout: v.GetDuration("shutdown-timeout"),

		Backend:      strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		ChromeBin:    v.GetString("chrome-bin"),
		Headless:     v.GetBool("headless"),
		WindowWidth:  v.GetInt("window-width"),
		WindowHeight: v.GetInt("window-height"),
		UserAgent:    v.GetString("user-agent"),
		ChromeFlags:  v.GetString("chrome-flags"),

		ProfileTemplate: v.GetString("profile-template"),
		ProfileRoot:     v.GetString("profile-root"),
		ProfilePrefix:   v.GetString("profile-prefix"),

		PageLoadTimeout:  v.GetDuration("page-load-timeout"),
		ReadyTimeout:     v.GetDuration("ready-timeout"),
		InputTimeout:     v.GetDuration("input-timeout"),
		SubmitTimeout:    v.GetDuration("submit-timeout"),
		ResponseTimeout:  v.GetDuration("response-timeout"),
		ResponseInterval: v.GetDuration("response-interval"),
		ElementInterval:  v.GetDuration("element-interval"),
		ClickableTimeout: v.GetDuration("clickable-timeout"),
		ScrollSettle:     v.GetDuration("scroll-settle"),
		SelectorsFile:    v.GetString("selectors-file"),

		APIKey:        strings.TrimSpace(v.GetString("api-key")),
		RateLimit:     v.GetInt("rate-limit"),
		RedisAddr:     strings.TrimSpace(v.GetString("redis-addr")),
		ClaimTTL:      v.GetDuration("claim-ttl"),
		NotebookLease: v.GetBool("notebook-lease"),

		IdempotencyTTL: v.GetDuration("idempotency-ttl"),

		ArtifactDir:        artifact.RootDirFromEnv(v.GetString("artifact-dir")),
		ArtifactBaseURL:    normalizeArtifactBaseURL(v.GetString("artifact-base-url")),
		FailureScreenshots: v.GetBool("failure-screenshots"),

		LogLevel:  v.GetString("log-level"),
		LogFormat: v.GetString("log-format"),
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendDevTools, BackendChromedp:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendDevTools, BackendChromedp))
	}
	if c.WindowWidth <= 0 || c.WindowHeight <= 0 {
		errs = append(errs, fmt.Errorf("window size must be positive, got %dx%d", c.WindowWidth, c.WindowHeight))
	}
	if c.IdempotencyTTL < 0 {
		errs = append(errs, errors.New("idempotency-ttl must not be negative"))
	}
	if c.RateLimit < 0 {
		errs = append(errs, errors.New("rate-limit must not be negative"))
	}
	for name, d := range map[string]time.Duration{
		"page-load-timeout": c.PageLoadTimeout,
		"ready-timeout":     c.ReadyTimeout,
		"input-timeout":     c.InputTimeout,
		"submit-timeout":    c.SubmitTimeout,
		"response-timeout":  c.ResponseTimeout,
		"response-interval": c.ResponseInterval,
		"element-interval":  c.ElementInterval,
		"clickable-timeout": c.ClickableTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	budget := c.ExecutionBudget()
	if c.WriteTimeout > 0 && c.WriteTimeout < budget {
		errs = append(errs, fmt.Errorf("write-timeout %s is shorter than the worst-case query execution %s", c.WriteTimeout, budget))
	}
	if c.ClaimTTL < 0 {
		errs = append(errs, errors.New("claim-ttl must not be negative"))
	} else if c.ClaimTTL > 0 && c.ClaimTTL < budget {
		errs = append(errs, fmt.Errorf("claim-ttl %s would lapse during a query execution of up to %s", c.ClaimTTL, budget))
	}
	return errors.Join(errs...)
}

// ExecutionBudget is the longest a single query execution can take when every
// bounded wait runs to its limit.
func (c Config) ExecutionBudget() time.Duration {
	return c.PageLoadTimeout + c.ReadyTimeout + c.InputTimeout + c.SubmitTimeout +
		c.ResponseTimeout + c.ClickableTimeout + c.ScrollSettle
}

func normalizeArtifactBaseURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "/artifacts"
	}
	return strings.TrimRight(value, "/")
}
