package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

const (
	envConfigFile         = "MDBLOG_CONFIG"
	defaultConfigFilePath = "config.yaml"

	storeMemory = "memory"
	storeSQLite = "sqlite"

	defaultSourceBaseURL   = "https://raw.githubusercontent.com/ming900518/articles"
	defaultManifestURL     = defaultSourceBaseURL + "/main/article.json"
	defaultListen          = ":3000"
	defaultTLSListen       = ":443"
	defaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	LogLevel slog.Level
	Server   ServerConfig
	Source   SourceConfig
	Cache    CacheConfig
	Render   RenderConfig
	Site     SiteConfig
}

type ServerConfig struct {
	Listen          string
	ShutdownTimeout time.Duration
	TLSListen       string
	CertFile        string
	KeyFile         string
}

type SourceConfig struct {
	BaseURL          string
	ManifestURL      string
	ManifestFormat   string
	DefaultReference string
	FetchTimeout     time.Duration
	UserAgent        string
	MaxBodyBytes     int64
}

type CacheConfig struct {
	ListTTL        time.Duration
	ServeStale     bool
	RefreshBackoff time.Duration
	Store          string
	SQLiteDSN      string
}

type RenderConfig struct {
	HighlightStyle string
	Sanitize       bool
}

type SiteConfig struct {
	Title        string
	ContactEmail string
	DefaultTheme Theme
}

type fileConfig struct {
	LogLevel string     `yaml:"log_level"`
	Server   fileServer `yaml:"server"`
	Source   fileSource `yaml:"source"`
	Cache    fileCache  `yaml:"cache"`
	Render   fileRender `yaml:"render"`
	Site     fileSite   `yaml:"site"`
}

type fileServer struct {
	Listen          string  `yaml:"listen"`
	ShutdownTimeout string  `yaml:"shutdown_timeout"`
	TLS             fileTLS `yaml:"tls"`
}

type fileTLS struct {
	Listen   string `yaml:"listen"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type fileSource struct {
	BaseURL          string `yaml:"base_url"`
	ManifestURL      string `yaml:"manifest_url"`
	ManifestFormat   string `yaml:"manifest_format"`
	DefaultReference string `yaml:"default_reference"`
	FetchTimeout     string `yaml:"fetch_timeout"`
	UserAgent        string `yaml:"user_agent"`
	MaxBodyBytes     *int64 `yaml:"max_body_bytes"`
}

type fileCache struct {
	ListTTL        string `yaml:"list_ttl"`
	ServeStale     *bool  `yaml:"serve_stale"`
	RefreshBackoff string `yaml:"refresh_backoff"`
	Store          string `yaml:"store"`
	SQLiteDSN      string `yaml:"sqlite_dsn"`
}

type fileRender struct {
	HighlightStyle string `yaml:"highlight_style"`
	Sanitize       *bool  `yaml:"sanitize"`
}

type fileSite struct {
	Title        string `yaml:"title"`
	ContactEmail string `yaml:"contact_email"`
	DefaultTheme string `yaml:"default_theme"`
}

func DefaultConfig() Config {
	return Config{
		LogLevel: slog.LevelInfo,
		Server: ServerConfig{
			Listen:          defaultListen,
			ShutdownTimeout: defaultShutdownTimeout,
			TLSListen:       defaultTLSListen,
			CertFile:        "ssl/ssl.pem",
			KeyFile:         "ssl/ssl.key",
		},
		Source: SourceConfig{
			BaseURL:          defaultSourceBaseURL,
			ManifestURL:      defaultManifestURL,
			ManifestFormat:   manifestFormatJSON,
			DefaultReference: defaultArticleReference,
			FetchTimeout:     defaultFetchTimeout,
			UserAgent:        defaultUserAgent,
			MaxBodyBytes:     defaultMaxBodyBytes,
		},
		Cache: CacheConfig{
			ListTTL:        defaultListTTL,
			ServeStale:     true,
			RefreshBackoff: defaultRefreshBackoff,
			Store:          storeMemory,
			SQLiteDSN:      defaultSQLiteDSN,
		},
		Render: RenderConfig{
			HighlightStyle: defaultHighlightStyle,
			Sanitize:       true,
		},
		Site: SiteConfig{
			Title:        "Ming Chang",
			ContactEmail: defaultContactEmail,
			DefaultTheme: ThemeChisaki,
		},
	}
}

// resolveConfigPath prefers the flag, then the environment, then config.yaml in the
// working directory. explicit reports whether the file must exist.
func resolveConfigPath(flagValue string) (path string, explicit bool) {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path, true
	}
	if path := strings.TrimSpace(os.Getenv(envConfigFile)); path != "" {
		return path, true
	}
	return defaultConfigFilePath, false
}

// LoadConfig reads path over the defaults. A missing optional file yields the defaults.
func LoadConfig(path string, required bool) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	cfg, err := parseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func parseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()

	var parsed fileConfig
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return Config{}, platformerrors.Wrap(err, platformerrors.CodeInvalidConfig, "parse yaml")
	}

	if raw := strings.TrimSpace(parsed.LogLevel); raw != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw)); err != nil {
			return Config{}, invalidConfig("log_level", err)
		}
	}

	if raw := strings.TrimSpace(parsed.Server.Listen); raw != "" {
		cfg.Server.Listen = raw
	}
	if err := parsePositiveDuration(parsed.Server.ShutdownTimeout, "server.shutdown_timeout", &cfg.Server.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if raw := strings.TrimSpace(parsed.Server.TLS.Listen); raw != "" {
		cfg.Server.TLSListen = raw
	}
	if raw := strings.TrimSpace(parsed.Server.TLS.CertFile); raw != "" {
		cfg.Server.CertFile = raw
	}
	if raw := strings.TrimSpace(parsed.Server.TLS.KeyFile); raw != "" {
		cfg.Server.KeyFile = raw
	}

	if raw := strings.TrimSpace(parsed.Source.BaseURL); raw != "" {
		cfg.Source.BaseURL = raw
	}
	if raw := strings.TrimSpace(parsed.Source.ManifestURL); raw != "" {
		cfg.Source.ManifestURL = raw
	}
	if raw := strings.TrimSpace(parsed.Source.ManifestFormat); raw != "" {
		cfg.Source.ManifestFormat = strings.ToLower(raw)
	}
	if raw := strings.TrimSpace(parsed.Source.DefaultReference); raw != "" {
		cfg.Source.DefaultReference = raw
	}
	if err := parsePositiveDuration(parsed.Source.FetchTimeout, "source.fetch_timeout", &cfg.Source.FetchTimeout); err != nil {
		return Config{}, err
	}
	if raw := strings.TrimSpace(parsed.Source.UserAgent); raw != "" {
		cfg.Source.UserAgent = raw
	}
	if parsed.Source.MaxBodyBytes != nil {
		if *parsed.Source.MaxBodyBytes <= 0 {
			return Config{}, invalidConfig("source.max_body_bytes", fmt.Errorf("must be > 0"))
		}
		cfg.Source.MaxBodyBytes = *parsed.Source.MaxBodyBytes
	}

	if err := parsePositiveDuration(parsed.Cache.ListTTL, "cache.list_ttl", &cfg.Cache.ListTTL); err != nil {
		return Config{}, err
	}
	if parsed.Cache.ServeStale != nil {
		cfg.Cache.ServeStale = *parsed.Cache.ServeStale
	}
	if raw := strings.TrimSpace(parsed.Cache.RefreshBackoff); raw != "" {
		backoff, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, invalidConfig("cache.refresh_backoff", err)
		}
		if backoff < 0 {
			return Config{}, invalidConfig("cache.refresh_backoff", fmt.Errorf("must be >= 0"))
		}
		cfg.Cache.RefreshBackoff = backoff
	}
	if raw := strings.TrimSpace(parsed.Cache.Store); raw != "" {
		cfg.Cache.Store = strings.ToLower(raw)
	}
	if raw := strings.TrimSpace(parsed.Cache.SQLiteDSN); raw != "" {
		cfg.Cache.SQLiteDSN = raw
	}

	if raw := strings.TrimSpace(parsed.Render.HighlightStyle); raw != "" {
		cfg.Render.HighlightStyle = raw
	}
	if parsed.Render.Sanitize != nil {
		cfg.Render.Sanitize = *parsed.Render.Sanitize
	}

	if raw := strings.TrimSpace(parsed.Site.Title); raw != "" {
		cfg.Site.Title = raw
	}
	if raw := strings.TrimSpace(parsed.Site.ContactEmail); raw != "" {
		cfg.Site.ContactEmail = raw
	}
	if raw := strings.TrimSpace(parsed.Site.DefaultTheme); raw != "" {
		theme, ok := LookupTheme(raw)
		if !ok {
			return Config{}, invalidConfig("site.default_theme", fmt.Errorf("unknown theme %q", raw))
		}
		cfg.Site.DefaultTheme = theme
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	for key, raw := range map[string]string{
		"source.base_url":     cfg.Source.BaseURL,
		"source.manifest_url": cfg.Source.ManifestURL,
	} {
		parsed, err := url.Parse(raw)
		if err != nil {
			return invalidConfig(key, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return invalidConfig(key, fmt.Errorf("scheme must be http or https"))
		}
	}
	switch cfg.Source.ManifestFormat {
	case manifestFormatJSON, manifestFormatFeed:
	default:
		return invalidConfig("source.manifest_format", fmt.Errorf("must be %s or %s", manifestFormatJSON, manifestFormatFeed))
	}
	switch cfg.Cache.Store {
	case storeMemory, storeSQLite:
	default:
		return invalidConfig("cache.store", fmt.Errorf("must be %s or %s", storeMemory, storeSQLite))
	}
	return nil
}

func parsePositiveDuration(raw, key string, target *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return invalidConfig(key, err)
	}
	if value <= 0 {
		return invalidConfig(key, fmt.Errorf("must be > 0"))
	}
	*target = value
	return nil
}

func invalidConfig(key string, err error) error {
	return platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "parse %s", key)
}
