// Package config handles configuration loading for the projection tile server.
package config

import (
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Projections ProjectionsConfig `yaml:"projections"`
	Storage     StorageConfig     `yaml:"storage"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Cache       CacheConfig       `yaml:"cache"`
	Overlay     OverlayConfig     `yaml:"overlay"`
	Render      RenderConfig      `yaml:"render"`
	Query       QueryConfig       `yaml:"query"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// Projection describes one projection that can be activated.
type Projection struct {
	ID   string `yaml:"-"`
	Name string `yaml:"name"`
}

// ProjectionsConfig lists projections in file order. The first one is the
// default.
type ProjectionsConfig struct {
	Default string
	Items   map[string]Projection
	order   []string
}

// UnmarshalYAML reads a mapping of id to projection, keeping the key order.
func (p *ProjectionsConfig) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return errors.Newf("projections: expected a mapping, got line %d", node.Line)
	}
	p.Items = make(map[string]Projection, len(node.Content)/2)
	p.order = p.order[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var proj Projection
		if err := node.Content[i+1].Decode(&proj); err != nil {
			return errors.Wrapf(err, "projection %q", id)
		}
		if _, dup := p.Items[id]; dup {
			return errors.Newf("projection %q listed twice", id)
		}
		proj.ID = id
		if proj.Name == "" {
			proj.Name = id
		}
		p.Items[id] = proj
		p.order = append(p.order, id)
	}
	if len(p.order) > 0 {
		p.Default = p.order[0]
	}
	return nil
}

// IDs returns projection ids in file order.
func (p ProjectionsConfig) IDs() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// List returns projections in file order.
func (p ProjectionsConfig) List() []Projection {
	out := make([]Projection, 0, len(p.order))
	for _, id := range p.order {
		out = append(out, p.Items[id])
	}
	return out
}

// Add appends a projection.
func (p *ProjectionsConfig) Add(proj Projection) {
	if p.Items == nil {
		p.Items = make(map[string]Projection)
	}
	if _, ok := p.Items[proj.ID]; !ok {
		p.order = append(p.order, proj.ID)
	}
	if proj.Name == "" {
		proj.Name = proj.ID
	}
	p.Items[proj.ID] = proj
	if p.Default == "" {
		p.Default = proj.ID
	}
}

// StorageConfig selects where tiles are signed and served from.
type StorageConfig struct {
	Backend          string `yaml:"backend"`
	Bucket           string `yaml:"bucket"`
	LocalDir         string `yaml:"local_dir"`
	Endpoint         string `yaml:"endpoint"`
	Region           string `yaml:"region"`
	AccessKey        string `yaml:"access_key"`
	SecretKey        string `yaml:"secret_key"`
	UseSSL           bool   `yaml:"use_ssl"`
	URLExpiryMinutes int    `yaml:"url_expiry_minutes"`
	RefreshMinutes   int    `yaml:"refresh_minutes"`
}

// URLExpiry returns the signed URL lifetime.
func (s StorageConfig) URLExpiry() time.Duration {
	return time.Duration(s.URLExpiryMinutes) * time.Minute
}

// RefreshInterval returns how often signed URLs are renewed.
func (s StorageConfig) RefreshInterval() time.Duration {
	return time.Duration(s.RefreshMinutes) * time.Minute
}

// FetchConfig contains tile download settings.
type FetchConfig struct {
	Concurrency       int     `yaml:"concurrency"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	MaxRetries        int     `yaml:"max_retries"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
}

// CacheConfig contains caching settings.
type CacheConfig struct {
	TileSizeMB     int `yaml:"tile_size_mb"`
	TileTTLMinutes int `yaml:"tile_ttl_minutes"`
	QueryCacheSize int `yaml:"query_cache_size"`
}

// OverlayConfig bounds query overlays.
type OverlayConfig struct {
	MaxHashes int `yaml:"max_hashes"`
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	Width      int  `yaml:"width"`
	Height     int  `yaml:"height"`
	ZoomOffset *int `yaml:"zoom_offset"`
}

// QueryConfig points at the database live filters run against.
type QueryConfig struct {
	Driver      string `yaml:"driver"`
	DSN         string `yaml:"dsn"`
	MaxRows     int    `yaml:"max_rows"`
	HistoryPath string `yaml:"history_path"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
	Path  string `yaml:"path"`
	Mode  string `yaml:"mode"`
	JSON  bool   `yaml:"json"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		return DefaultConfig(), nil
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}

	// Apply defaults for missing values
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	zoomOffset := -4
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Projection Explorer",
		},
		Storage: StorageConfig{
			Backend:          "local",
			Bucket:           "quadtree-tiles",
			LocalDir:         "./data/tiles",
			URLExpiryMinutes: 90 * 60,
			RefreshMinutes:   85,
		},
		Fetch: FetchConfig{
			Concurrency:       8,
			RequestsPerSecond: 50,
			MaxRetries:        3,
			TimeoutSeconds:    30,
		},
		Cache: CacheConfig{
			TileSizeMB:     512,
			TileTTLMinutes: 120,
			QueryCacheSize: 256,
		},
		Overlay: OverlayConfig{
			MaxHashes: 30000,
		},
		Render: RenderConfig{
			Width:      1024,
			Height:     768,
			ZoomOffset: &zoomOffset,
		},
		Query: QueryConfig{
			Driver:      "sqlite",
			MaxRows:     1_000_000,
			HistoryPath: "./data/query_history.db",
		},
		Log: LogConfig{
			Level: "info",
			Mode:  "append",
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.Title == "" {
		cfg.Server.Title = defaults.Server.Title
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = defaults.Storage.Backend
	}
	if cfg.Storage.Bucket == "" {
		cfg.Storage.Bucket = defaults.Storage.Bucket
	}
	if cfg.Storage.LocalDir == "" {
		cfg.Storage.LocalDir = defaults.Storage.LocalDir
	}
	if cfg.Storage.URLExpiryMinutes == 0 {
		cfg.Storage.URLExpiryMinutes = defaults.Storage.URLExpiryMinutes
	}
	if cfg.Storage.RefreshMinutes == 0 {
		cfg.Storage.RefreshMinutes = defaults.Storage.RefreshMinutes
	}
	if cfg.Fetch.Concurrency == 0 {
		cfg.Fetch.Concurrency = defaults.Fetch.Concurrency
	}
	if cfg.Fetch.RequestsPerSecond == 0 {
		cfg.Fetch.RequestsPerSecond = defaults.Fetch.RequestsPerSecond
	}
	if cfg.Fetch.MaxRetries == 0 {
		cfg.Fetch.MaxRetries = defaults.Fetch.MaxRetries
	}
	if cfg.Fetch.TimeoutSeconds == 0 {
		cfg.Fetch.TimeoutSeconds = defaults.Fetch.TimeoutSeconds
	}
	if cfg.Cache.TileSizeMB == 0 {
		cfg.Cache.TileSizeMB = defaults.Cache.TileSizeMB
	}
	if cfg.Cache.TileTTLMinutes == 0 {
		cfg.Cache.TileTTLMinutes = defaults.Cache.TileTTLMinutes
	}
	if cfg.Cache.QueryCacheSize == 0 {
		cfg.Cache.QueryCacheSize = defaults.Cache.QueryCacheSize
	}
	if cfg.Overlay.MaxHashes == 0 {
		cfg.Overlay.MaxHashes = defaults.Overlay.MaxHashes
	}
	if cfg.Render.Width == 0 {
		cfg.Render.Width = defaults.Render.Width
	}
	if cfg.Render.Height == 0 {
		cfg.Render.Height = defaults.Render.Height
	}
	if cfg.Render.ZoomOffset == nil {
		cfg.Render.ZoomOffset = defaults.Render.ZoomOffset
	}
	if cfg.Query.Driver == "" {
		cfg.Query.Driver = defaults.Query.Driver
	}
	if cfg.Query.MaxRows == 0 {
		cfg.Query.MaxRows = defaults.Query.MaxRows
	}
	if cfg.Query.HistoryPath == "" {
		cfg.Query.HistoryPath = defaults.Query.HistoryPath
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = defaults.Log.Level
	}
	if cfg.Log.Mode == "" {
		cfg.Log.Mode = defaults.Log.Mode
	}
}

// Validate checks settings that have no usable default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local", "s3", "minio":
	default:
		return errors.Newf("storage.backend: unknown backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "minio" && c.Storage.Endpoint == "" {
		return errors.New("storage.endpoint is required for the minio backend")
	}
	if c.Storage.RefreshMinutes >= c.Storage.URLExpiryMinutes {
		return errors.Newf("storage.refresh_minutes (%d) must be shorter than url_expiry_minutes (%d)",
			c.Storage.RefreshMinutes, c.Storage.URLExpiryMinutes)
	}
	if c.Query.Driver != "sqlite" {
		return errors.Newf("query.driver: unsupported driver %q", c.Query.Driver)
	}
	if c.Overlay.MaxHashes < 0 {
		return errors.New("overlay.max_hashes must not be negative")
	}
	return nil
}
