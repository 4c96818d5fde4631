package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure
type Config struct {
	Version   int             `yaml:"version"`
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Relays    []string        `yaml:"relays" env:"RELAYS" validate:"required,min=1,dive,url"`
	Seeds     []string        `yaml:"seeds" env:"SEEDS" validate:"required,min=1,dive,hexadecimal,len=64"`
	Discovery DiscoveryConfig `yaml:"discovery" envPrefix:"DISCOVERY_"`
	Feed      FeedConfig      `yaml:"feed" envPrefix:"FEED_"`
	Cache     CacheConfig     `yaml:"cache" envPrefix:"CACHE_"`
	Server    ServerConfig    `yaml:"server" envPrefix:"SERVER_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
}

// DatabaseConfig holds database settings. An empty path disables the
// persistent cache layer.
type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// DiscoveryConfig holds web-of-trust discovery timings
type DiscoveryConfig struct {
	SeedProfileSettle    Duration `yaml:"seed_profile_settle" env:"SEED_PROFILE_SETTLE" validate:"gt=0"`
	FollowSettle         Duration `yaml:"follow_settle" env:"FOLLOW_SETTLE" validate:"gt=0"`
	ProfileBatchSize     int      `yaml:"profile_batch_size" env:"PROFILE_BATCH_SIZE" validate:"gt=0"`
	ProfileBatchSettle   Duration `yaml:"profile_batch_settle" env:"PROFILE_BATCH_SETTLE" validate:"gt=0"`
	MutualSampleSize     int      `yaml:"mutual_sample_size" env:"MUTUAL_SAMPLE_SIZE" validate:"gt=0"`
	MutualSettle         Duration `yaml:"mutual_settle" env:"MUTUAL_SETTLE" validate:"gt=0"`
	SubscriptionLifetime Duration `yaml:"subscription_lifetime" env:"SUBSCRIPTION_LIFETIME" validate:"gt=0"`
}

// FeedConfig holds the default feed query and its timings
type FeedConfig struct {
	Tag            string   `yaml:"tag" env:"TAG"`
	MinTrustScore  *int     `yaml:"min_trust_score,omitempty" env:"MIN_TRUST_SCORE" validate:"omitempty,min=0,max=100"`
	Limit          int      `yaml:"limit" env:"LIMIT" validate:"gt=0"`
	ImagesOnly     bool     `yaml:"images_only" env:"IMAGES_ONLY"`
	Lifetime       Duration `yaml:"lifetime" env:"LIFETIME" validate:"gt=0"`
	LoadingTimeout Duration `yaml:"loading_timeout" env:"LOADING_TIMEOUT" validate:"gt=0"`
	SortThreshold  int      `yaml:"sort_threshold" env:"SORT_THRESHOLD" validate:"gt=0"`
	PageSize       int      `yaml:"page_size" env:"PAGE_SIZE" validate:"gt=0"`
}

// CacheConfig controls persistent-layer degradation
type CacheConfig struct {
	BreakerFailures uint32   `yaml:"breaker_failures" env:"BREAKER_FAILURES" validate:"gt=0"`
	BreakerTimeout  Duration `yaml:"breaker_timeout" env:"BREAKER_TIMEOUT" validate:"gt=0"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Addr        string   `yaml:"addr" env:"ADDR" validate:"required"`
	CORSOrigins []string `yaml:"cors_origins" env:"CORS_ORIGINS"`
	WatchConfig bool     `yaml:"watch_config" env:"WATCH_CONFIG"`
}

// LogConfig selects the logger
type LogConfig struct {
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json console"`
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
}

// Duration wraps time.Duration for YAML and environment text
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
