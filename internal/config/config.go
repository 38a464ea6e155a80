package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPolicyURL is the vendor allow-list used until the user sets one
const DefaultPolicyURL = "https://gist.githubusercontent.com/zezudoo/3af8883fd0699ae5b6e6fd5443c4e41e/raw/6a9186bcffb443a82070d1e6ed74948f2045def0/allowlist_wa_guard.json"

// Config is the daemon configuration
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`
	Proxy struct {
		Enabled bool   `mapstructure:"enabled"`
		Addr    string `mapstructure:"addr"`
		CertDir string `mapstructure:"cert_dir"`
	} `mapstructure:"proxy"`
	Store struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"store"`
	Audit struct {
		Path      string        `mapstructure:"path"`
		Retention time.Duration `mapstructure:"retention"`
	} `mapstructure:"audit"`
	Policy struct {
		DefaultURL      string        `mapstructure:"default_url"`
		RefreshInterval time.Duration `mapstructure:"refresh_interval"`
		FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	} `mapstructure:"policy"`
	Origin struct {
		HostsConfig string `mapstructure:"hosts_config"`
	} `mapstructure:"origin"`
	Enforce struct {
		FallbackDelay  time.Duration `mapstructure:"fallback_delay"`
		HandledTTL     time.Duration `mapstructure:"handled_ttl"`
		NotifyCooldown time.Duration `mapstructure:"notify_cooldown"`
		TabTTL         time.Duration `mapstructure:"tab_ttl"`
		ExtensionID    string        `mapstructure:"extension_id"`
	} `mapstructure:"enforce"`
	Decision struct {
		GenericMIMETypes []string `mapstructure:"generic_mime_types"`
	} `mapstructure:"decision"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`

	// file is the config file that was read, if any
	file string
}

// File returns the path of the config file that was read, or ""
func (c *Config) File() string {
	return c.file
}

// Dir returns the default configuration directory (~/.waguard)
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".waguard"
	}
	return filepath.Join(home, ".waguard")
}

func setDefaults(v *viper.Viper) {
	dir := Dir()
	v.SetDefault("server.addr", "127.0.0.1:8787")
	v.SetDefault("proxy.enabled", false)
	v.SetDefault("proxy.addr", "127.0.0.1:8788")
	v.SetDefault("proxy.cert_dir", filepath.Join(dir, "certs"))
	v.SetDefault("store.path", filepath.Join(dir, "settings.db"))
	v.SetDefault("audit.path", filepath.Join(dir, "audit.db"))
	v.SetDefault("audit.retention", 30*24*time.Hour)
	v.SetDefault("policy.default_url", DefaultPolicyURL)
	v.SetDefault("policy.refresh_interval", time.Hour)
	v.SetDefault("policy.fetch_timeout", 15*time.Second)
	v.SetDefault("origin.hosts_config", "")
	v.SetDefault("enforce.fallback_delay", 800*time.Millisecond)
	v.SetDefault("enforce.handled_ttl", 5*time.Second)
	v.SetDefault("enforce.notify_cooldown", 3*time.Second)
	v.SetDefault("enforce.tab_ttl", 2*time.Minute)
	v.SetDefault("enforce.extension_id", "")
	v.SetDefault("decision.generic_mime_types", []string{
		"application/octet-stream",
		"binary/octet-stream",
		"application/unknown",
		"application/x-download",
		"application/force-download",
		"application/download",
	})
	v.SetDefault("logging.level", "info")
}

// Load reads configuration from cfgFile (or ~/.waguard/config.yaml and
// ./config.yaml when empty), WAGUARD_* environment variables and defaults
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		path, err := expandTilde(cfgFile)
		if err != nil {
			return nil, err
		}
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	} else {
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("WAGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var file string
	if err := v.ReadInConfig(); err == nil {
		file = v.ConfigFileUsed()
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || cfgFile != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.file = file

	for _, p := range []*string{&cfg.Store.Path, &cfg.Audit.Path, &cfg.Proxy.CertDir, &cfg.Origin.HostsConfig} {
		expanded, err := expandTilde(*p)
		if err != nil {
			return nil, err
		}
		*p = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Proxy.Enabled && c.Proxy.Addr == "" {
		return errors.New("proxy.addr must not be empty when the proxy is enabled")
	}
	for name, d := range map[string]time.Duration{
		"policy.refresh_interval": c.Policy.RefreshInterval,
		"policy.fetch_timeout":    c.Policy.FetchTimeout,
		"enforce.fallback_delay":  c.Enforce.FallbackDelay,
		"enforce.handled_ttl":     c.Enforce.HandledTTL,
		"enforce.notify_cooldown": c.Enforce.NotifyCooldown,
		"enforce.tab_ttl":         c.Enforce.TabTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level)
	}
	return nil
}

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
