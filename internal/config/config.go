package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vjranagit/historian/pkg/backend"
	"github.com/vjranagit/historian/pkg/codec"
	"github.com/vjranagit/historian/pkg/store"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "historian"

// Roles a process can serve.
const (
	RoleStore = "store"
	RoleProxy = "proxy"
	RolePAP   = "pap"
)

// Config holds the application configuration
type Config struct {
	Role       string           `json:"role" mapstructure:"role"`
	Log        LogConfig        `json:"log" mapstructure:"log"`
	Server     ServerConfig     `json:"server" mapstructure:"server"`
	Store      StoreConfig      `json:"store" mapstructure:"store"`
	Backend    BackendConfig    `json:"backend" mapstructure:"backend"`
	Catalog    CatalogConfig    `json:"catalog" mapstructure:"catalog"`
	Replicator ReplicatorConfig `json:"replicator" mapstructure:"replicator"`
	Traces     TracesConfig     `json:"traces" mapstructure:"traces"`
	Proxy      ProxyConfig      `json:"proxy" mapstructure:"proxy"`
	PAP        PAPConfig        `json:"pap" mapstructure:"pap"`
}

// LogConfig selects the log handler
type LogConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr   string        `json:"listen_addr" mapstructure:"listen-addr"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read-timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write-timeout"`
}

// StoreConfig holds store server configuration
type StoreConfig struct {
	Name          string        `json:"name" mapstructure:"name"`
	DataDir       string        `json:"data_dir" mapstructure:"data-dir"`
	Snapshot      bool          `json:"snapshot" mapstructure:"snapshot"`
	PullDisabled  bool          `json:"pull_disabled" mapstructure:"pull-disabled"`
	DropDeleted   bool          `json:"drop_deleted" mapstructure:"drop-deleted"`
	NullRemoves   bool          `json:"null_removes" mapstructure:"null-removes"`
	ResponseLimit int           `json:"response_limit" mapstructure:"response-limit"`
	BackendLimit  int           `json:"backend_limit" mapstructure:"backend-limit"`
	PullSleep     time.Duration `json:"pull_sleep" mapstructure:"pull-sleep"`
}

// BackendConfig holds badger tuning
type BackendConfig struct {
	SyncWrites           bool `json:"sync_writes" mapstructure:"sync-writes"`
	CompressionLevel     int  `json:"compression_level" mapstructure:"compression-level"`
	CompressionThreshold int  `json:"compression_threshold" mapstructure:"compression-threshold"`
	InMemory             bool `json:"in_memory" mapstructure:"in-memory"`
	// MemTableMB bounds both the memtable and the largest transaction.
	MemTableMB int `json:"memtable_mb" mapstructure:"memtable-mb"`
}

// CatalogConfig locates the point catalog
type CatalogConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// ReplicatorConfig holds NATS replication settings
type ReplicatorConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	URL     string `json:"url" mapstructure:"url"`
	Subject string `json:"subject" mapstructure:"subject"`
}

// TracesConfig holds update trace settings
type TracesConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Dir     string `json:"dir" mapstructure:"dir"`
}

// ProxyConfig holds proxy routing settings
type ProxyConfig struct {
	// Stores lists remote stores as name=url.
	Stores         []string      `json:"stores" mapstructure:"stores"`
	ListenerUser   string        `json:"listener_user" mapstructure:"listener-user"`
	RouteCacheSize int           `json:"route_cache_size" mapstructure:"route-cache-size"`
	RouteTTL       time.Duration `json:"route_ttl" mapstructure:"route-ttl"`
}

// PAPConfig holds protocol bridge settings
type PAPConfig struct {
	ListenerUser string        `json:"listener_user" mapstructure:"listener-user"`
	Subject      string        `json:"subject" mapstructure:"subject"`
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	// Simulate serves in-memory registers instead of a device gateway.
	Simulate bool `json:"simulate" mapstructure:"simulate"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Role: RoleStore,
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ListenAddr:   ":9090",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
		Store: StoreConfig{
			Name:          "store",
			DataDir:       "./data",
			ResponseLimit: 5000,
			BackendLimit:  1000,
			PullSleep:     time.Minute,
		},
		Backend: BackendConfig{
			CompressionLevel:     2,
			CompressionThreshold: codec.DefaultCompressionThreshold,
			MemTableMB:           64,
		},
		Replicator: ReplicatorConfig{
			URL:     "nats://127.0.0.1:4222",
			Subject: "historian.replicate",
		},
		Traces: TracesConfig{
			Dir: "./data/traces",
		},
		Proxy: ProxyConfig{
			RouteCacheSize: 10000,
			RouteTTL:       5 * time.Minute,
		},
		PAP: PAPConfig{
			Subject: "historian.pap",
			Timeout: 5 * time.Second,
		},
	}
}

// flag describes one command line flag and the config key it feeds.
type flag struct {
	name  string
	key   string
	usage string
	value any
}

func flags(d *Config) []flag {
	return []flag{
		{"role", "role", "Role to serve (store, proxy, pap)", d.Role},
		{"log-level", "log.level", "Log level (debug, info, warn, error)", d.Log.Level},
		{"log-format", "log.format", "Log format (text, json)", d.Log.Format},
		{"listen-addr", "server.listen-addr", "HTTP listen address", d.Server.ListenAddr},
		{"read-timeout", "server.read-timeout", "HTTP read timeout", d.Server.ReadTimeout},
		{"write-timeout", "server.write-timeout", "HTTP write timeout", d.Server.WriteTimeout},
		{"store-name", "store.name", "Name of this store", d.Store.Name},
		{"data-dir", "store.data-dir", "Directory holding the backend", d.Store.DataDir},
		{"snapshot", "store.snapshot", "Keep only the latest value of each point", d.Store.Snapshot},
		{"pull-disabled", "store.pull-disabled", "Do not maintain the version index", d.Store.PullDisabled},
		{"drop-deleted", "store.drop-deleted", "Do not keep tombstones for deleted values", d.Store.DropDeleted},
		{"null-removes", "store.null-removes", "Treat updates without a value as deletes", d.Store.NullRemoves},
		{"response-limit", "store.response-limit", "Most values returned by one select call", d.Store.ResponseLimit},
		{"backend-limit", "store.backend-limit", "Most values returned for one query", d.Store.BackendLimit},
		{"pull-sleep", "store.pull-sleep", "Longest wait between pull retries", d.Store.PullSleep},
		{"sync-writes", "backend.sync-writes", "Sync every commit to disk", d.Backend.SyncWrites},
		{"compression-level", "backend.compression-level", "zstd level for large values (1-4)", d.Backend.CompressionLevel},
		{"compression-threshold", "backend.compression-threshold", "Value size in bytes above which values are compressed", d.Backend.CompressionThreshold},
		{"in-memory", "backend.in-memory", "Keep the backend in memory only", d.Backend.InMemory},
		{"memtable-mb", "backend.memtable-mb", "Badger memtable size in MiB", d.Backend.MemTableMB},
		{"catalog", "catalog.path", "Point catalog YAML file", d.Catalog.Path},
		{"catalog-watch", "catalog.watch", "Reload the catalog when the file changes", d.Catalog.Watch},
		{"replicate", "replicator.enabled", "Replicate committed values over NATS", d.Replicator.Enabled},
		{"nats-url", "replicator.url", "NATS server URL", d.Replicator.URL},
		{"replicate-subject", "replicator.subject", "NATS subject for replicated batches", d.Replicator.Subject},
		{"traces", "traces.enabled", "Write update trace logs", d.Traces.Enabled},
		{"traces-dir", "traces.dir", "Directory holding trace logs", d.Traces.Dir},
		{"proxy-stores", "proxy.stores", "Remote stores routed by the proxy as name=url", d.Proxy.Stores},
		{"proxy-listener-user", "proxy.listener-user", "Identity used by the proxy for anonymous calls", d.Proxy.ListenerUser},
		{"route-cache-size", "proxy.route-cache-size", "Routes kept by the proxy", d.Proxy.RouteCacheSize},
		{"route-ttl", "proxy.route-ttl", "Lifetime of a cached route", d.Proxy.RouteTTL},
		{"pap-listener-user", "pap.listener-user", "Identity used by the bridge for anonymous calls", d.PAP.ListenerUser},
		{"pap-subject", "pap.subject", "NATS subject prefix of the device gateway", d.PAP.Subject},
		{"pap-timeout", "pap.timeout", "Device round trip timeout", d.PAP.Timeout},
		{"pap-simulate", "pap.simulate", "Serve simulated in-memory devices", d.PAP.Simulate},
	}
}

// RegisterFlags adds the configuration flags to cmd and binds them to v.
func RegisterFlags(cmd *cobra.Command, v *viper.Viper) error {
	fs := cmd.Flags()
	for _, f := range flags(DefaultConfig()) {
		switch def := f.value.(type) {
		case string:
			fs.String(f.name, def, f.usage)
		case bool:
			fs.Bool(f.name, def, f.usage)
		case int:
			fs.Int(f.name, def, f.usage)
		case time.Duration:
			fs.Duration(f.name, def, f.usage)
		case []string:
			fs.StringSlice(f.name, def, f.usage)
		default:
			return fmt.Errorf("flag %s has unsupported type %T", f.name, def)
		}
		if err := v.BindPFlag(f.key, fs.Lookup(f.name)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", f.name, err)
		}
	}
	return nil
}

// NewViper returns a viper instance reading HISTORIAN_ environment variables
// such as HISTORIAN_STORE_NAME.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for _, f := range flags(DefaultConfig()) {
		v.SetDefault(f.key, f.value)
	}
	return v
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Role {
	case RoleStore, RoleProxy, RolePAP:
	default:
		return fmt.Errorf("unknown role %q", c.Role)
	}

	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be text or json")
	}

	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Store.Name == "" {
		return fmt.Errorf("store name is required")
	}

	if c.Role == RoleStore {
		if c.Store.DataDir == "" && !c.Backend.InMemory {
			return fmt.Errorf("store data dir is required")
		}
		if c.Store.ResponseLimit < 1 || c.Store.BackendLimit < 1 {
			return fmt.Errorf("response and backend limits must be at least 1")
		}
		if c.Backend.CompressionLevel < 1 || c.Backend.CompressionLevel > 4 {
			return fmt.Errorf("compression level must be between 1 and 4")
		}
		if c.Backend.MemTableMB < 1 {
			return fmt.Errorf("memtable size must be at least 1 MiB")
		}
	}

	if c.Role == RoleProxy {
		if _, err := c.ProxyStores(); err != nil {
			return err
		}
		if c.Catalog.Path == "" {
			return fmt.Errorf("proxy needs a catalog to route points")
		}
	}

	needsNATS := c.Replicator.Enabled || (c.Role == RolePAP && !c.PAP.Simulate)
	if needsNATS && c.Replicator.URL == "" {
		return fmt.Errorf("nats url is required")
	}

	if c.Traces.Enabled && c.Traces.Dir == "" {
		return fmt.Errorf("traces dir is required")
	}

	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return level, fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return level, nil
}

// ProxyStores parses the name=url list of the proxy's remote stores.
func (c *Config) ProxyStores() (map[string]string, error) {
	if len(c.Proxy.Stores) == 0 {
		return nil, fmt.Errorf("proxy needs at least one store")
	}
	stores := make(map[string]string, len(c.Proxy.Stores))
	for _, entry := range c.Proxy.Stores {
		name, url, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok || name == "" || url == "" {
			return nil, fmt.Errorf("invalid proxy store %q (expected NAME=URL)", entry)
		}
		if _, dup := stores[name]; dup {
			return nil, fmt.Errorf("duplicate proxy store %q", name)
		}
		stores[name] = url
	}
	return stores, nil
}

// ToBackendConfig converts to backend.Config
func (c *Config) ToBackendConfig(logger *slog.Logger) backend.Config {
	mode := codec.Archive
	if c.Store.Snapshot {
		mode = codec.Snapshot
	}
	return backend.Config{
		Home:                 c.Store.DataDir,
		Mode:                 mode,
		PullDisabled:         c.Store.PullDisabled,
		DropDeleted:          c.Store.DropDeleted,
		SyncWrites:           c.Backend.SyncWrites,
		InMemory:             c.Backend.InMemory,
		CompressionLevel:     c.Backend.CompressionLevel,
		CompressionThreshold: c.Backend.CompressionThreshold,
		MemTableSize:         int64(c.Backend.MemTableMB) << 20,
		Logger:               logger,
	}
}

// ToStoreOptions converts to store.Options. Collaborators are left for the
// caller to wire.
func (c *Config) ToStoreOptions(logger *slog.Logger) store.Options {
	opts := store.DefaultOptions()
	opts.Name = c.Store.Name
	opts.ResponseLimit = c.Store.ResponseLimit
	opts.BackendLimit = c.Store.BackendLimit
	opts.NullRemoves = c.Store.NullRemoves
	opts.PullSleep = c.Store.PullSleep
	opts.Logger = logger
	return opts
}
