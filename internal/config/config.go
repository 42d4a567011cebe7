package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dpup/info.ersn.net/routing/internal/lib/geo"
	"github.com/dpup/info.ersn.net/routing/internal/lib/routing"
)

// EnvPrefix marks environment variables that override file settings.
// ROUTING__REMOTE__API_KEY sets routing.remote.api_key. Listener settings
// belong to prefab and use its PF__ prefix.
const EnvPrefix = "ROUTING__"

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error: field %q: %s", e.Field, e.Message)
}

// Config represents the complete application configuration
type Config struct {
	Routing RoutingConfig `koanf:"routing" yaml:"routing"`
}

// RoutingConfig holds the hybrid router policy and its providers
type RoutingConfig struct {
	PreferredProvider   routing.ProviderID `koanf:"preferred_provider" yaml:"preferred_provider"`
	FallbackEnabled     bool               `koanf:"fallback_enabled" yaml:"fallback_enabled"`
	HealthCheckInterval time.Duration      `koanf:"health_check_interval" yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration      `koanf:"health_check_timeout" yaml:"health_check_timeout"`
	MaxRetries          int                `koanf:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration      `koanf:"retry_delay" yaml:"retry_delay"`
	Region              geo.BoundingBox    `koanf:"region" yaml:"region"`
	Remote              RemoteConfig       `koanf:"remote" yaml:"remote"`
	Offline             OfflineConfig      `koanf:"offline" yaml:"offline"`

	// Corridors are refreshed every RefreshInterval to keep the remote cache warm
	Corridors       []Corridor    `koanf:"corridors" yaml:"corridors"`
	RefreshInterval time.Duration `koanf:"refresh_interval" yaml:"refresh_interval"`
}

// Corridor is a frequently requested route between two fixed points
type Corridor struct {
	ID      string  `koanf:"id" yaml:"id"`
	FromLat float64 `koanf:"from_lat" yaml:"from_lat"`
	FromLon float64 `koanf:"from_lon" yaml:"from_lon"`
	ToLat   float64 `koanf:"to_lat" yaml:"to_lat"`
	ToLon   float64 `koanf:"to_lon" yaml:"to_lon"`
}

// From returns the corridor start
func (c Corridor) From() geo.Point {
	return geo.Point{Latitude: c.FromLat, Longitude: c.FromLon}
}

// To returns the corridor end
func (c Corridor) To() geo.Point {
	return geo.Point{Latitude: c.ToLat, Longitude: c.ToLon}
}

// RemoteConfig holds Mapbox-compatible API settings
type RemoteConfig struct {
	APIKey            string          `koanf:"api_key" yaml:"api_key"`
	BaseURL           string          `koanf:"base_url" yaml:"base_url"`
	RequestsPerMinute int             `koanf:"requests_per_minute" yaml:"requests_per_minute"`
	Timeout           time.Duration   `koanf:"timeout" yaml:"timeout"`
	MaxConcurrent     int             `koanf:"max_concurrent" yaml:"max_concurrent"`
	CacheEnabled      bool            `koanf:"cache_enabled" yaml:"cache_enabled"`
	CacheTTL          time.Duration   `koanf:"cache_ttl" yaml:"cache_ttl"`
	CacheMaxEntries   int             `koanf:"cache_max_entries" yaml:"cache_max_entries"`
	Profile           routing.Profile `koanf:"profile" yaml:"profile"`

	// Known-good coordinate for availability probes; defaults to the region centre
	ProbeLatitude  float64 `koanf:"probe_lat" yaml:"probe_lat"`
	ProbeLongitude float64 `koanf:"probe_lon" yaml:"probe_lon"`
}

// Enabled reports whether enough is configured to talk to the remote API
func (r RemoteConfig) Enabled() bool {
	return r.APIKey != ""
}

// OfflineConfig holds local road network settings
type OfflineConfig struct {
	RoadsFile       string  `koanf:"roads_file" yaml:"roads_file"`
	AssumedSpeedKmh float64 `koanf:"assumed_speed_kmh" yaml:"assumed_speed_kmh"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Routing: RoutingConfig{
			PreferredProvider:   routing.ProviderRemote,
			FallbackEnabled:     true,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			MaxRetries:          2,
			RetryDelay:          time.Second,
			// Ebbett's Pass corridor, Highway 4 from Angels Camp to Markleeville
			Region: geo.BoundingBox{
				MinLatitude:  37.95,
				MinLongitude: -120.70,
				MaxLatitude:  38.75,
				MaxLongitude: -119.70,
			},
			Remote: RemoteConfig{
				BaseURL:           "https://api.mapbox.com",
				RequestsPerMinute: 300,
				Timeout:           5 * time.Second,
				MaxConcurrent:     5,
				CacheEnabled:      true,
				CacheTTL:          2 * time.Minute,
				Profile:           routing.ProfileDriving,
			},
			Offline: OfflineConfig{
				AssumedSpeedKmh: 40,
			},
			RefreshInterval: 5 * time.Minute,
		},
	}
}

// ProbePoint returns the coordinate used for remote availability checks
func (c *RoutingConfig) ProbePoint() geo.Point {
	if c.Remote.ProbeLatitude != 0 || c.Remote.ProbeLongitude != 0 {
		return geo.Point{Latitude: c.Remote.ProbeLatitude, Longitude: c.Remote.ProbeLongitude}
	}
	return c.Region.Center()
}

// Load layers defaults, an optional YAML file and ROUTING__ environment
// variables. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaultValues(), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps ROUTING__REMOTE__API_KEY to routing.remote.api_key
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return "routing." + strings.ReplaceAll(key, "__", ".")
}

// defaultValues flattens DefaultConfig into koanf keys
func defaultValues() map[string]any {
	d := DefaultConfig()
	r := d.Routing
	return map[string]any{
		"routing.preferred_provider":         string(r.PreferredProvider),
		"routing.fallback_enabled":           r.FallbackEnabled,
		"routing.health_check_interval":      r.HealthCheckInterval.String(),
		"routing.health_check_timeout":       r.HealthCheckTimeout.String(),
		"routing.max_retries":                r.MaxRetries,
		"routing.retry_delay":                r.RetryDelay.String(),
		"routing.region.min_lat":             r.Region.MinLatitude,
		"routing.region.min_lon":             r.Region.MinLongitude,
		"routing.region.max_lat":             r.Region.MaxLatitude,
		"routing.region.max_lon":             r.Region.MaxLongitude,
		"routing.remote.base_url":            r.Remote.BaseURL,
		"routing.remote.requests_per_minute": r.Remote.RequestsPerMinute,
		"routing.remote.timeout":             r.Remote.Timeout.String(),
		"routing.remote.max_concurrent":      r.Remote.MaxConcurrent,
		"routing.remote.cache_enabled":       r.Remote.CacheEnabled,
		"routing.remote.cache_ttl":           r.Remote.CacheTTL.String(),
		"routing.remote.cache_max_entries":   r.Remote.CacheMaxEntries,
		"routing.remote.profile":             string(r.Remote.Profile),
		"routing.offline.assumed_speed_kmh":  r.Offline.AssumedSpeedKmh,
		"routing.refresh_interval":           r.RefreshInterval.String(),
	}
}

// Validate checks every field and reports all problems at once
func (c *Config) Validate() error {
	return c.Routing.Validate()
}

// Validate checks the routing section on its own
func (r *RoutingConfig) Validate() error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, &ConfigError{Field: field, Message: msg})
	}

	switch r.PreferredProvider {
	case routing.ProviderOffline, routing.ProviderRemote:
	default:
		add("routing.preferred_provider", fmt.Sprintf("must be %q or %q", routing.ProviderOffline, routing.ProviderRemote))
	}
	if r.HealthCheckInterval <= 0 {
		add("routing.health_check_interval", "must be positive")
	}
	if r.HealthCheckTimeout < 0 {
		add("routing.health_check_timeout", "cannot be negative")
	}
	if r.MaxRetries < 0 {
		add("routing.max_retries", "cannot be negative")
	}
	if r.RetryDelay < 0 {
		add("routing.retry_delay", "cannot be negative")
	}
	if !r.Region.IsZero() {
		if !geo.IsValidCoordinate(r.Region.MinLatitude, r.Region.MinLongitude) ||
			!geo.IsValidCoordinate(r.Region.MaxLatitude, r.Region.MaxLongitude) {
			add("routing.region", "corners must be valid coordinates")
		} else if r.Region.MinLatitude >= r.Region.MaxLatitude || r.Region.MinLongitude >= r.Region.MaxLongitude {
			add("routing.region", "min corner must be south-west of max corner")
		}
	}

	rc := r.Remote
	if rc.Enabled() {
		if u, err := url.Parse(rc.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("routing.remote.base_url", "must be an absolute URL")
		}
	}
	if rc.RequestsPerMinute < 0 {
		add("routing.remote.requests_per_minute", "cannot be negative")
	}
	if rc.Timeout <= 0 {
		add("routing.remote.timeout", "must be positive")
	}
	if rc.MaxConcurrent < 1 {
		add("routing.remote.max_concurrent", "must be at least 1")
	}
	if rc.CacheTTL < 0 {
		add("routing.remote.cache_ttl", "cannot be negative")
	}
	if rc.CacheMaxEntries < 0 {
		add("routing.remote.cache_max_entries", "cannot be negative")
	}
	if rc.Profile != "" && !rc.Profile.Valid() {
		add("routing.remote.profile", "unknown profile")
	}
	if rc.Enabled() && !geo.IsValidCoordinate(rc.ProbeLatitude, rc.ProbeLongitude) {
		add("routing.remote.probe_lat", "probe point must be a valid coordinate")
	}

	if r.Offline.AssumedSpeedKmh < 0 {
		add("routing.offline.assumed_speed_kmh", "cannot be negative")
	}

	if len(r.Corridors) > 0 && r.RefreshInterval <= 0 {
		add("routing.refresh_interval", "must be positive when corridors are configured")
	}
	for i, c := range r.Corridors {
		if err := geo.ValidatePoints(c.From(), c.To()); err != nil {
			add(fmt.Sprintf("routing.corridors[%d]", i), "endpoints must be valid coordinates")
		}
	}

	return errors.Join(errs...)
}
