// Package config loads the harvest YAML configuration.
//
// LoadFile reads <name>.yaml and, when present, merges <name>.local.yaml
// over it, then fills defaults. Durations are written as Go duration
// strings ("30s", "5m").
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/harvest/slug"
)

// SealKeyEnv holds the secret used to seal stored cookies.
const SealKeyEnv = "HARVEST_SEAL_KEY"

// Config is the top-level harvest configuration.
type Config struct {
	// OutputRoot is the canonical artifact root.
	OutputRoot string `yaml:"output_root"`
	// DownloadDir receives browser downloads before capture.
	DownloadDir string `yaml:"download_dir"`
	// ProfilesRoot holds per-account browser profiles and lane lock files.
	ProfilesRoot string `yaml:"profiles_root"`
	// DataDB holds profiles, the job queue and the run ledger.
	DataDB string `yaml:"data_db"`
	// Catalog is the platform catalog file, relative to the config file.
	Catalog string `yaml:"catalog"`
	// SessionMaxAge bounds session reuse.
	SessionMaxAge time.Duration `yaml:"session_max_age"`
	Region        string        `yaml:"region"`

	Browser   Browser           `yaml:"browser"`
	Tuning    Tuning            `yaml:"tuning"`
	Platforms map[string]Tuning `yaml:"platforms"`
	Accounts  []Account         `yaml:"accounts"`
	Redis     Redis             `yaml:"redis"`
	NATS      NATS              `yaml:"nats"`
	IMAP      IMAP              `yaml:"imap"`
	Server    Server            `yaml:"server"`
	Queue     Queue             `yaml:"queue"`

	// dir is the directory of the loaded file.
	dir string
}

// Browser controls Chrome.
type Browser struct {
	// Bin overrides the Chrome binary. Empty lets rod find or fetch one.
	Bin string `yaml:"bin"`
	// Remote is a DevTools websocket URL. Jobs then run in incognito
	// contexts instead of persistent profiles.
	Remote   string `yaml:"remote"`
	Headless bool   `yaml:"headless"`
	Stealth  bool   `yaml:"stealth"`
	// BlockResources lists resource types aborted on job pages.
	BlockResources []string `yaml:"block_resources"`
}

// Account is one seller-console login.
type Account struct {
	Platform string `yaml:"platform"`
	ID       string `yaml:"id"`
	Label    string `yaml:"label"`
	Username string `yaml:"username"`
	// Password is the last-resort fallback after keyring and environment.
	Password string `yaml:"password"`
	// Mode is the preferred login form: phone or email.
	Mode  string   `yaml:"mode"`
	Shops []Shop   `yaml:"shops"`
	Codes []string `yaml:"codes"`
}

// Shop is a shop reachable from an account.
type Shop struct {
	Name string `yaml:"name"`
	ID   string `yaml:"id"`
}

// Redis configures the login tracker. Empty Addr disables it.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	Prefix      string        `yaml:"prefix"`
	LoginBudget int           `yaml:"login_budget"`
	Window      time.Duration `yaml:"window"`
}

// NATS configures artifact events. Empty URL disables them.
type NATS struct {
	URL    string `yaml:"url"`
	Prefix string `yaml:"prefix"`
}

// IMAP configures EMAIL_OTP retrieval. Empty Addr disables it.
type IMAP struct {
	Addr     string        `yaml:"addr"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	Mailbox  string        `yaml:"mailbox"`
	MaxAge   time.Duration `yaml:"max_age"`
	Wait     time.Duration `yaml:"wait"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr string `yaml:"addr"`
}

// Queue configures the queued execution mode.
type Queue struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Visibility   time.Duration `yaml:"visibility"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

// LoadFile reads path, merges the sibling .local file over it and applies
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg, err := readYAML(path)
	if err != nil {
		return nil, err
	}
	ext := filepath.Ext(path)
	local := strings.TrimSuffix(path, ext) + ".local" + ext
	override, err := readYAML(local)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := mergo.Merge(cfg, override, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("config: merge %s: %w", local, err)
		}
		slog.Info("config: merged local overrides", "local", local)
	}
	cfg.dir = filepath.Dir(path)
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

// Parse decodes a configuration document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, cfg.validate()
}

func readYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OutputRoot == "" {
		c.OutputRoot = "data/raw"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "data/downloads"
	}
	if c.ProfilesRoot == "" {
		c.ProfilesRoot = "data/profiles"
	}
	if c.DataDB == "" {
		c.DataDB = "data/harvest.db"
	}
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 30 * 24 * time.Hour
	}
	if c.Region == "" {
		c.Region = "CN"
	}
	if len(c.Browser.BlockResources) == 0 {
		c.Browser.BlockResources = []string{"image", "font", "media"}
	}
	c.Tuning.applyDefaults()
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "harvest"
	}
	if c.NATS.Prefix == "" {
		c.NATS.Prefix = "harvest"
	}
	if c.IMAP.Mailbox == "" {
		c.IMAP.Mailbox = "INBOX"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8088"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 2
	}
	if c.Queue.PollInterval <= 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.Visibility <= 0 {
		c.Queue.Visibility = 20 * time.Minute
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = 3
	}
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if a.Label == "" {
			a.Label = a.ID
		}
		if a.Mode == "" {
			a.Mode = "phone"
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Platform == "" || a.ID == "" {
			return fmt.Errorf("config: accounts[%d]: platform and id are required", i)
		}
		if a.Mode != "phone" && a.Mode != "email" {
			return fmt.Errorf("config: accounts[%d]: mode %q is not phone or email", i, a.Mode)
		}
		key := slug.Make(a.Platform) + "/" + a.ID
		if seen[key] {
			return fmt.Errorf("config: duplicate account %s", key)
		}
		seen[key] = true
	}
	return nil
}

// Resolve returns p relative to the directory of the loaded file.
func (c *Config) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || c.dir == "" {
		return p
	}
	return filepath.Join(c.dir, p)
}

// ErrUnknownAccount is returned by Account for unconfigured accounts.
var ErrUnknownAccount = errors.New("config: unknown account")

// Account returns the account (platform, id).
func (c *Config) Account(platform, id string) (*Account, error) {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		if strings.EqualFold(a.Platform, platform) && a.ID == id {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s/%s", ErrUnknownAccount, platform, id)
}

// SealKey returns the cookie sealing secret from the environment, or nil
// when unset.
func SealKey(lookup func(string) (string, bool)) []byte {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, ok := lookup(SealKeyEnv)
	if !ok || v == "" {
		return nil
	}
	return []byte(v)
}
