package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath      = "config.toml"
	DefaultHTTPAddr        = ":8080"
	DefaultLinksPath       = "files.json"
	DefaultDomainPath      = "domain.json"
	DefaultLinkMode        = "single"
	DefaultPollTimeout     = 30
	DefaultResolveTimeout  = "15s"
	DefaultDownloadTimeout = "30s"
	DefaultSessionTTL      = "30m"
	DefaultMaxSessions     = 1024
	DefaultAPIEndpoint     = "https://api.telegram.org/bot%s/%s"
	DefaultFileEndpoint    = "https://api.telegram.org/file/bot%s/%s"
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	Telegram     TelegramConfig     `toml:"telegram"`
	Links        LinksConfig        `toml:"links"`
	Public       PublicConfig       `toml:"public"`
	Conversation ConversationConfig `toml:"conversation"`
	Gateway      GatewayConfig      `toml:"gateway"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`
}

// Port returns the port part of Addr, or "8080" when Addr has none.
func (c ServerConfig) Port() string {
	_, port, err := net.SplitHostPort(strings.TrimSpace(c.Addr))
	if err != nil || port == "" {
		return "8080"
	}
	return port
}

type TelegramConfig struct {
	BotToken           string  `toml:"bot_token" validate:"required"`
	AdminIDs           []int64 `toml:"admin_ids"`
	APIEndpoint        string  `toml:"api_endpoint" validate:"required,contains=%s"`
	FileEndpoint       string  `toml:"file_endpoint" validate:"required,contains=%s"`
	PollTimeout        int     `toml:"poll_timeout" validate:"gte=0"`
	ResolveTimeout     string  `toml:"resolve_timeout"`
	DownloadTimeout    string  `toml:"download_timeout"`
	DropPendingUpdates bool    `toml:"drop_pending_updates"`
}

// ResolveTimeoutDuration bounds the getFile call.
func (c TelegramConfig) ResolveTimeoutDuration() time.Duration {
	return parseDurationOr(c.ResolveTimeout, 15*time.Second)
}

// DownloadTimeoutDuration bounds dialing and response headers of the file
// content request. The body itself is not bounded.
func (c TelegramConfig) DownloadTimeoutDuration() time.Duration {
	return parseDurationOr(c.DownloadTimeout, 30*time.Second)
}

type LinksConfig struct {
	Mode       string `toml:"mode" validate:"oneof=single multi"`
	Path       string `toml:"path" validate:"required"`
	DomainPath string `toml:"domain_path" validate:"required"`
}

type PublicConfig struct {
	Domain string `toml:"domain"`
	// ExternalURL is the platform-provided public URL (RENDER_EXTERNAL_URL).
	// It takes precedence over Domain.
	ExternalURL string `toml:"external_url"`
}

type ConversationConfig struct {
	SessionTTL  string `toml:"session_ttl"`
	MaxSessions int    `toml:"max_sessions" validate:"gte=0"`
}

// SessionTTLDuration returns how long an idle conversation is kept.
func (c ConversationConfig) SessionTTLDuration() time.Duration {
	return parseDurationOr(c.SessionTTL, 30*time.Minute)
}

type GatewayConfig struct {
	// UpstreamRPS limits getFile calls per second. Zero disables the limit.
	UpstreamRPS   float64 `toml:"upstream_rps" validate:"gte=0"`
	UpstreamBurst int     `toml:"upstream_burst" validate:"gte=0"`
}

// PublicBaseURL returns the base URL reported to the admin when no domain
// override has been saved from chat.
func (c Config) PublicBaseURL() string {
	if v := trimBaseURL(c.Public.ExternalURL); v != "" {
		return v
	}
	if v := trimBaseURL(c.Public.Domain); v != "" {
		return v
	}
	return "http://localhost:" + c.Server.Port()
}

// IsAdmin reports whether userID is on the allow-list.
func (c TelegramConfig) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Validate checks required fields and enumerations.
func (c Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

type envOverrides struct {
	APIToken          string `env:"API_TOKEN"`
	AdminIDs          string `env:"ADMIN_IDS"`
	Port              string `env:"PORT"`
	HTTPAddr          string `env:"HTTP_ADDR"`
	Domain            string `env:"DOMAIN"`
	RenderExternalURL string `env:"RENDER_EXTERNAL_URL"`
	LinkMode          string `env:"LINK_MODE"`
	LinksPath         string `env:"FILES_DB"`
	DomainPath        string `env:"DOMAIN_DB"`
	LogLevel          string `env:"LOG_LEVEL"`
	LogFormat         string `env:"LOG_FORMAT"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Telegram: TelegramConfig{
			APIEndpoint:        DefaultAPIEndpoint,
			FileEndpoint:       DefaultFileEndpoint,
			PollTimeout:        DefaultPollTimeout,
			ResolveTimeout:     DefaultResolveTimeout,
			DownloadTimeout:    DefaultDownloadTimeout,
			DropPendingUpdates: true,
		},
		Links: LinksConfig{
			Mode:       DefaultLinkMode,
			Path:       DefaultLinksPath,
			DomainPath: DefaultDomainPath,
		},
		Conversation: ConversationConfig{
			SessionTTL:  DefaultSessionTTL,
			MaxSessions: DefaultMaxSessions,
		},
	}
}

// Load reads the TOML file at path (missing file is fine) over the defaults
// and applies environment overrides from the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnviron(path, os.Environ())
}

// LoadWithEnviron is Load with an explicit environment in os.Environ form.
func LoadWithEnviron(path string, environ []string) (Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return cfg, err
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := applyEnv(&cfg, environ); err != nil {
		return cfg, err
	}
	cfg.Links.Mode = strings.ToLower(strings.TrimSpace(cfg.Links.Mode))
	return cfg, nil
}

func applyEnv(cfg *Config, environ []string) error {
	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	var ov envOverrides
	if err := env.Unmarshal(es, &ov); err != nil {
		return fmt.Errorf("decode environment: %w", err)
	}

	if v := strings.TrimSpace(ov.APIToken); v != "" {
		cfg.Telegram.BotToken = v
	}
	if strings.TrimSpace(ov.AdminIDs) != "" {
		ids, err := ParseAdminIDs(ov.AdminIDs)
		if err != nil {
			return fmt.Errorf("ADMIN_IDS: %w", err)
		}
		cfg.Telegram.AdminIDs = ids
	}
	if v := strings.TrimSpace(ov.Port); v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: invalid port %q", v)
		}
		cfg.Server.Addr = ":" + v
	}
	if v := strings.TrimSpace(ov.HTTPAddr); v != "" {
		cfg.Server.Addr = v
	}
	if v := strings.TrimSpace(ov.Domain); v != "" {
		cfg.Public.Domain = v
	}
	if v := strings.TrimSpace(ov.RenderExternalURL); v != "" {
		cfg.Public.ExternalURL = v
	}
	if v := strings.TrimSpace(ov.LinkMode); v != "" {
		cfg.Links.Mode = v
	}
	if v := strings.TrimSpace(ov.LinksPath); v != "" {
		cfg.Links.Path = v
	}
	if v := strings.TrimSpace(ov.DomainPath); v != "" {
		cfg.Links.DomainPath = v
	}
	if v := strings.TrimSpace(ov.LogLevel); v != "" {
		cfg.Log.Level = v
	}
	if v := strings.TrimSpace(ov.LogFormat); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

// ParseAdminIDs parses a comma-separated list of Telegram user ids.
// Blank entries are skipped.
func ParseAdminIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func trimBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
