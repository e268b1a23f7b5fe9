package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models deployline.yml.
type Config struct {
	Registry struct {
		Path      string `yaml:"path"`
		BackupDir string `yaml:"backup_dir"`
	} `yaml:"registry"`
	Remote struct {
		Host           string         `yaml:"host"`
		User           string         `yaml:"user"`
		Port           int            `yaml:"port"`
		KeyPath        string         `yaml:"key_path"`
		AgentSocket    string         `yaml:"agent_socket"`
		KnownHostsPath string         `yaml:"known_hosts_path"`
		ConnectTimeout time.Duration  `yaml:"connect_timeout"`
		AppsRoot       string         `yaml:"apps_root"`
		UseSudo        bool           `yaml:"use_sudo"`
		ProcessManager ProcessManager `yaml:"process_manager"`
	} `yaml:"remote"`
	GitHub struct {
		APIURL            string        `yaml:"api_url"`
		Owner             string        `yaml:"owner"`
		Token             string        `yaml:"-"`
		Timeout           time.Duration `yaml:"timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
	} `yaml:"github"`
	Discovery struct {
		Keywords []string `yaml:"keywords"`
		Match    string   `yaml:"match"`
	} `yaml:"discovery"`
	Provisioning struct {
		VerifyRepository bool `yaml:"verify_repository"`
	} `yaml:"provisioning"`
	Monitor struct {
		Window       time.Duration `yaml:"window"`
		FetchLimit   int           `yaml:"fetch_limit"`
		MaxFailures  uint32        `yaml:"max_failures"`
		OpenCooldown time.Duration `yaml:"open_cooldown"`
	} `yaml:"monitor"`
	Journal struct {
		Path string `yaml:"path"`
	} `yaml:"journal"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Server   struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		JWTSecret string `yaml:"-"`
	} `yaml:"server"`
}

type ProcessManager struct {
	Binary string `yaml:"binary"`
	RunAs  string `yaml:"run_as"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

const (
	MatchExact = "exact"
	MatchFuzzy = "fuzzy"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Registry.Path) == "" {
		return fmt.Errorf("config.registry.path is required")
	}
	if strings.TrimSpace(c.Registry.BackupDir) == "" {
		return fmt.Errorf("config.registry.backup_dir is required")
	}
	if c.Remote.Port < 0 || c.Remote.Port > 65535 {
		return fmt.Errorf("config.remote.port %d out of range", c.Remote.Port)
	}
	if c.Remote.ConnectTimeout <= 0 {
		return fmt.Errorf("config.remote.connect_timeout must be positive")
	}
	if !strings.HasPrefix(c.Remote.AppsRoot, "/") {
		return fmt.Errorf("config.remote.apps_root must be an absolute path")
	}
	if c.Remote.ProcessManager.Binary == "" {
		return fmt.Errorf("config.remote.process_manager.binary is required")
	}
	if c.GitHub.APIURL == "" {
		return fmt.Errorf("config.github.api_url is required")
	}
	if c.GitHub.Timeout <= 0 {
		return fmt.Errorf("config.github.timeout must be positive")
	}
	if c.GitHub.RequestsPerSecond < 0 {
		return fmt.Errorf("config.github.requests_per_second must not be negative")
	}
	if len(c.Discovery.Keywords) == 0 {
		return fmt.Errorf("config.discovery.keywords must not be empty")
	}
	for _, kw := range c.Discovery.Keywords {
		if strings.TrimSpace(kw) == "" {
			return fmt.Errorf("config.discovery.keywords contains an empty keyword")
		}
	}
	switch c.Discovery.Match {
	case MatchExact, MatchFuzzy:
	default:
		return fmt.Errorf("config.discovery.match must be %q or %q", MatchExact, MatchFuzzy)
	}
	if c.Monitor.Window <= 0 {
		return fmt.Errorf("config.monitor.window must be positive")
	}
	if c.Monitor.FetchLimit <= 0 || c.Monitor.FetchLimit > 100 {
		return fmt.Errorf("config.monitor.fetch_limit must be between 1 and 100")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "deployline.yml")
}

// Resolve makes workspace-relative paths absolute against workspace.
func (c *Config) Resolve(workspace string) {
	if workspace == "" {
		workspace = "."
	}
	for _, p := range []*string{&c.Registry.Path, &c.Registry.BackupDir, &c.Journal.Path} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(workspace, *p)
		}
	}
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with deployline config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(DefaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from
// data keep their default values.
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

const DefaultTemplate = `registry:
  path: .deployline/pipelines.json
  backup_dir: .deployline/backups

remote:
  host: ""
  user: ""
  port: 22
  key_path: ""
  known_hosts_path: ""
  connect_timeout: 10s
  apps_root: /home/deployer/apps
  use_sudo: true
  process_manager:
    binary: pm2
    run_as: deployer

github:
  api_url: https://api.github.com
  owner: ""
  timeout: 10s
  requests_per_second: 0

discovery:
  keywords: [deploy, release, cd, production]
  match: fuzzy

provisioning:
  verify_repository: true

monitor:
  window: 24h
  fetch_limit: 50
  max_failures: 3
  open_cooldown: 30s

journal:
  path: .deployline/journal.db

server:
  addr: 127.0.0.1:8080
  base_path: /v0
`
