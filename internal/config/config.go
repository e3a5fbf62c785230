package config

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models formline.yml.
type Config struct {
	Service struct {
		Name     string `yaml:"name"`
		LogEnv   string `yaml:"log_env"`
		LogLevel string `yaml:"log_level"`
	} `yaml:"service"`
	Storage struct {
		Driver    string `yaml:"driver"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	HTTP struct {
		Addr          string `yaml:"addr"`
		BasePath      string `yaml:"base_path"`
		PublicBaseURL string `yaml:"public_base_url"`
		JWTSecret     string `yaml:"jwt_secret"`
	} `yaml:"http"`
	Forms struct {
		TTL            Duration `yaml:"ttl"`
		DefaultSubject string   `yaml:"default_subject"`
	} `yaml:"forms"`
	Cases struct {
		SLAWindow Duration `yaml:"sla_window"`
	} `yaml:"cases"`
	Reconcile struct {
		Enabled        bool     `yaml:"enabled"`
		PollInterval   Duration `yaml:"poll_interval"`
		Workers        int      `yaml:"workers"`
		MailboxTimeout Duration `yaml:"mailbox_timeout"`
		BodyCacheTTL   Duration `yaml:"body_cache_ttl"`
	} `yaml:"reconcile"`
	Vault struct {
		MasterKey      string   `yaml:"master_key"`
		RefreshTimeout Duration `yaml:"refresh_timeout"`
		RefreshSkew    Duration `yaml:"refresh_skew"`
	} `yaml:"vault"`
	Providers struct {
		Gmail     Provider `yaml:"gmail"`
		Microsoft Provider `yaml:"microsoft"`
	} `yaml:"providers"`
	SMTP struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		Username string `yaml:"username"`
		Password string `yaml:"password"`
		TLSMode  string `yaml:"tls_mode"`
	} `yaml:"smtp"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`
}

// Provider holds OAuth client settings and the API root for one mail provider.
type Provider struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenURL     string `yaml:"token_url"`
	APIBaseURL   string `yaml:"api_base_url"`
}

// Duration accepts Go duration strings plus a "d" (day) suffix.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// ParseDuration parses "90s", "72h" or "14d".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if strings.HasSuffix(s, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config.storage.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("config.storage.driver must be sqlite or postgres")
	}
	if c.Forms.TTL.Duration <= 0 {
		return fmt.Errorf("config.forms.ttl must be positive")
	}
	if c.Cases.SLAWindow.Duration <= 0 {
		return fmt.Errorf("config.cases.sla_window must be positive")
	}
	if c.Reconcile.PollInterval.Duration <= 0 {
		return fmt.Errorf("config.reconcile.poll_interval must be positive")
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("config.reconcile.workers must be positive")
	}
	if c.Reconcile.MailboxTimeout.Duration <= 0 {
		return fmt.Errorf("config.reconcile.mailbox_timeout must be positive")
	}
	if c.Vault.MasterKey != "" {
		if _, err := DecodeKey(c.Vault.MasterKey); err != nil {
			return fmt.Errorf("config.vault.master_key: %w", err)
		}
	}
	if strings.TrimSpace(c.Forms.DefaultSubject) == "" {
		return fmt.Errorf("config.forms.default_subject is required")
	}
	return nil
}

// DecodeKey accepts a 32-byte key as base64, hex or raw text.
func DecodeKey(key string) ([32]byte, error) {
	var out [32]byte
	key = strings.TrimSpace(key)
	var raw []byte
	if b, err := base64.StdEncoding.DecodeString(key); err == nil && len(b) == 32 {
		raw = b
	} else if b, err := base64.RawStdEncoding.DecodeString(key); err == nil && len(b) == 32 {
		raw = b
	} else if b, err := hex.DecodeString(key); err == nil && len(b) == 32 {
		raw = b
	} else {
		raw = []byte(key)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("key must decode to 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "formline.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML overlays raw YAML on the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Load reads formline.yml from the workspace, falling back to defaults when absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			cfg.Storage.Workspace = workspace
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Workspace == "" {
		cfg.Storage.Workspace = workspace
	}
	return cfg, nil
}

const defaultTemplate = `service:
  name: formline
  log_env: dev
  log_level: info

storage:
  driver: sqlite
  dsn: ""
  workspace: ""

http:
  addr: ":8080"
  base_path: /v1
  public_base_url: http://localhost:8080
  jwt_secret: ""

forms:
  ttl: 14d
  default_subject: "Candidate information request"

cases:
  sla_window: 72h

reconcile:
  enabled: true
  poll_interval: 60s
  workers: 4
  mailbox_timeout: 30s
  body_cache_ttl: 24h

vault:
  master_key: ""
  refresh_timeout: 10s
  refresh_skew: 60s

providers:
  gmail:
    token_url: https://oauth2.googleapis.com/token
    api_base_url: https://gmail.googleapis.com
  microsoft:
    token_url: https://login.microsoftonline.com/common/oauth2/v2.0/token
    api_base_url: https://graph.microsoft.com

smtp:
  host: ""
  port: 587
  tls_mode: auto

redis:
  addr: ""
  db: 0
  prefix: formline
`
