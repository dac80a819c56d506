package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/conductor/internal/otel"
)

// BackendConfig describes one media gateway the conductor connects to.
type BackendConfig struct {
	ID               string `yaml:"id"`
	URL              string `yaml:"url"`
	Capacity         *int64 `yaml:"capacity,omitempty"`
	BalancerCapacity *int64 `yaml:"balancer_capacity,omitempty"`
	Group            string `yaml:"group,omitempty"`
}

// UploadTarget is where recordings of a given audience are uploaded.
type UploadTarget struct {
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
}

// UploadConfig maps audiences to upload targets, per room sharing policy.
type UploadConfig struct {
	Shared map[string]UploadTarget `yaml:"shared"`
	Owned  map[string]UploadTarget `yaml:"owned"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// ID is the agent address the conductor answers as.
	ID         string `yaml:"id"`
	AgentLabel string `yaml:"agent_label"`
	Audience   string `yaml:"audience"`
	BindAddr   string `yaml:"bind_addr"`
	LogLevel   string `yaml:"log_level"`

	DBPath         string `yaml:"db_path"`
	DBMaxCheckouts int64  `yaml:"db_max_checkouts"`

	// JanusGroup restricts vacuum sweeps to rooms served by this deployment group.
	JanusGroup string          `yaml:"janus_group"`
	Backends   []BackendConfig `yaml:"backends"`

	HandlePoolSize            int                      `yaml:"handle_pool_size"`
	DefaultTransactionTimeout time.Duration            `yaml:"default_transaction_timeout"`
	TransactionTimeouts       map[string]time.Duration `yaml:"transaction_timeouts"`
	TimeoutSweepInterval      time.Duration            `yaml:"timeout_sweep_interval"`
	ServicePingInterval       time.Duration            `yaml:"service_ping_interval"`
	ReconnectInterval         time.Duration            `yaml:"reconnect_interval"`

	OrphanedRoomTimeout time.Duration `yaml:"orphaned_room_timeout"`
	VacuumSchedule      string        `yaml:"vacuum_schedule"`
	OrphansSchedule     string        `yaml:"orphans_schedule"`

	Upload UploadConfig `yaml:"upload"`

	AuthzPath    string   `yaml:"authz_path"`
	AllowOrigins []string `yaml:"allow_origins"`

	Otel otel.Config `yaml:"otel"`
}

// TransactionTimeout returns the expiry window for the given protocol method.
func (c Config) TransactionTimeout(method string) time.Duration {
	if d, ok := c.TransactionTimeouts[method]; ok && d > 0 {
		return d
	}
	return c.DefaultTransactionTimeout
}

// UploadTarget resolves the upload destination for a room.
// policy is "shared" or "owned"; ok is false when nothing is configured.
func (c Config) UploadTarget(policy, audience string) (UploadTarget, bool) {
	var m map[string]UploadTarget
	switch policy {
	case "shared":
		m = c.Upload.Shared
	case "owned":
		m = c.Upload.Owned
	default:
		return UploadTarget{}, false
	}
	t, ok := m[audience]
	return t, ok
}

// Backend returns the configured backend with the given id.
func (c Config) Backend(id string) (BackendConfig, bool) {
	for _, b := range c.Backends {
		if b.ID == id {
			return b, true
		}
	}
	return BackendConfig{}, false
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	ids := make([]string, 0, len(c.Backends))
	for _, b := range c.Backends {
		ids = append(ids, b.ID+"="+b.URL)
	}
	sort.Strings(ids)
	fmt.Fprintf(h, "id=%s|bind=%s|log=%s|db=%s|pool=%d|group=%s|backends=%v|orphan=%s",
		c.ID, c.BindAddr, c.LogLevel, c.DBPath, c.HandlePoolSize, c.JanusGroup, ids, c.OrphanedRoomTimeout)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		ID:                        "conductor.svc.localhost",
		AgentLabel:                "alpha",
		Audience:                  "svc.localhost",
		BindAddr:                  "127.0.0.1:18790",
		LogLevel:                  "info",
		DBMaxCheckouts:            4,
		HandlePoolSize:            4,
		DefaultTransactionTimeout: 30 * time.Second,
		TimeoutSweepInterval:      5 * time.Second,
		ServicePingInterval:       30 * time.Second,
		ReconnectInterval:         5 * time.Second,
		OrphanedRoomTimeout:       10 * time.Minute,
		VacuumSchedule:            "*/5 * * * *",
		OrphansSchedule:           "* * * * *",
	}
}

func HomeDir() string {
	if override := os.Getenv("CONDUCTOR_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor")
}

// Load reads config.yaml from HomeDir. A missing file yields the defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create conductor home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "conductor.db")
	}
	if cfg.DBMaxCheckouts <= 0 {
		cfg.DBMaxCheckouts = 4
	}
	if cfg.HandlePoolSize < 0 {
		cfg.HandlePoolSize = 0
	}
	if cfg.DefaultTransactionTimeout <= 0 {
		cfg.DefaultTransactionTimeout = 30 * time.Second
	}
	if cfg.TimeoutSweepInterval <= 0 {
		cfg.TimeoutSweepInterval = 5 * time.Second
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.OrphanedRoomTimeout <= 0 {
		cfg.OrphanedRoomTimeout = 10 * time.Minute
	}
	if strings.TrimSpace(cfg.AuthzPath) == "" {
		cfg.AuthzPath = filepath.Join(cfg.HomeDir, "authz.yaml")
	}
	if cfg.Otel.ServiceName == "" {
		cfg.Otel.ServiceName = "conductor"
	}
	for i := range cfg.Backends {
		cfg.Backends[i].ID = strings.TrimSpace(cfg.Backends[i].ID)
		cfg.Backends[i].URL = strings.TrimSpace(cfg.Backends[i].URL)
	}
}

func validate(cfg Config) error {
	seen := make(map[string]bool, len(cfg.Backends))
	for i, b := range cfg.Backends {
		if b.ID == "" {
			return fmt.Errorf("backends[%d]: id is required", i)
		}
		if b.URL == "" {
			return fmt.Errorf("backend %s: url is required", b.ID)
		}
		if seen[b.ID] {
			return fmt.Errorf("backend %s: duplicate id", b.ID)
		}
		seen[b.ID] = true
	}
	for audience, t := range cfg.Upload.Shared {
		if t.Bucket == "" {
			return fmt.Errorf("upload.shared.%s: bucket is required", audience)
		}
	}
	for audience, t := range cfg.Upload.Owned {
		if t.Bucket == "" {
			return fmt.Errorf("upload.owned.%s: bucket is required", audience)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CONDUCTOR_ID"); raw != "" {
		cfg.ID = raw
	}
	if raw := os.Getenv("CONDUCTOR_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CONDUCTOR_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CONDUCTOR_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CONDUCTOR_DB_MAX_CHECKOUTS"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.DBMaxCheckouts = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_JANUS_GROUP"); raw != "" {
		cfg.JanusGroup = raw
	}
	if raw := os.Getenv("CONDUCTOR_HANDLE_POOL_SIZE"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HandlePoolSize = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_ORPHANED_ROOM_TIMEOUT"); raw != "" {
		if v, err := time.ParseDuration(raw); err == nil {
			cfg.OrphanedRoomTimeout = v
		}
	}
	if raw := os.Getenv("CONDUCTOR_AUTHZ_PATH"); raw != "" {
		cfg.AuthzPath = raw
	}
	if raw := os.Getenv("CONDUCTOR_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Endpoint = raw
	}
}
