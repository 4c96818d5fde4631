// Package config provides configuration management for the community hub.
//
// Values come from three layers, later layers winning:
//  1. built-in defaults
//  2. a YAML file
//  3. COMMUNITYHUB_* environment variables, optionally from a .env file
//
// Config file locations (priority order):
//  1. $COMMUNITYHUB_CONFIG
//  2. ./communityhub.yaml
//  3. ~/.config/communityhub/config.yaml
//  4. /etc/communityhub/config.yaml
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/feed"
	"communityhub/internal/logging"
	"communityhub/internal/wot"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure
var ErrInvalid = errors.New("invalid config")

// DefaultRelays are used when no relays are configured
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://relay.nostr.band",
	"wss://nos.lol",
}

// DefaultSeeds are the community's founding identities
var DefaultSeeds = []string{
	"699af55b12ba03620cda782766ea5555b78f2b94ff36f1855c69cd4126f3b545",
	"4f278bf7e63b3d5f0e19cebb787083c355088e66f906be6d39317f9c07687747",
	"cad00c48a8c689d32d7c770b90221124d6a68bbc6b1d31c2039a84d5ab90cf7b",
	"83d999a148625c3d2bb819af3064c0f6a12d7da88f68b2c69221f3a746171d19",
}

var validate = validator.New()

// Load finds the config file, applies environment overrides and validates
// the result. The returned path is empty when no file was found.
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		cfg := DefaultConfig()
		if err := cfg.finish(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.finish(); err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadDotEnv loads variables from .env files into the process environment
// without overriding variables already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if !fileExists(f) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func (c *Config) finish() error {
	if err := c.ApplyEnv(); err != nil {
		return err
	}
	c.applyDefaults()
	return c.Validate()
}

// ApplyEnv overrides fields from COMMUNITYHUB_* environment variables
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks field constraints
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, formatFieldError(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	// feed handles must be shorter-lived than discovery handles
	if c.Feed.Lifetime >= c.Discovery.SubscriptionLifetime {
		return fmt.Errorf("%w: Feed.Lifetime (%s) must be shorter than Discovery.SubscriptionLifetime (%s)",
			ErrInvalid, c.Feed.Lifetime.Duration(), c.Discovery.SubscriptionLifetime.Duration())
	}
	return nil
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "len", "hexadecimal":
		return fmt.Sprintf("%s must be a 64 character hex key", field)
	case "url":
		return fmt.Sprintf("%s must be a relay URL", field)
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// Save writes config to the specified path
func (c *Config) Save(path string) error {
	if err := EnsureConfigDir(path); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DefaultConfig returns sensible defaults for a new installation
func DefaultConfig() *Config {
	minScore := 50
	return &Config{
		Version:  1,
		Database: DatabaseConfig{Path: "./communityhub.db"},
		Relays:   append([]string(nil), DefaultRelays...),
		Seeds:    append([]string(nil), DefaultSeeds...),
		Discovery: DiscoveryConfig{
			SeedProfileSettle:    Duration(3 * time.Second),
			FollowSettle:         Duration(5 * time.Second),
			ProfileBatchSize:     50,
			ProfileBatchSettle:   Duration(3 * time.Second),
			MutualSampleSize:     100,
			MutualSettle:         Duration(5 * time.Second),
			SubscriptionLifetime: Duration(30 * time.Second),
		},
		Feed: FeedConfig{
			Tag:            "madeira",
			MinTrustScore:  &minScore,
			Limit:          50,
			ImagesOnly:     true,
			Lifetime:       Duration(20 * time.Second),
			LoadingTimeout: Duration(5 * time.Second),
			SortThreshold:  100,
			PageSize:       feed.DefaultPageSize,
		},
		Cache: CacheConfig{
			BreakerFailures: 1,
			BreakerTimeout:  Duration(30 * time.Second),
		},
		Server: ServerConfig{
			Addr:        ":8080",
			CORSOrigins: []string{"*"},
			WatchConfig: true,
		},
		Log: LogConfig{Format: "json", Level: "info"},
	}
}

// applyDefaults fills in values a file may have zeroed
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Version == 0 {
		c.Version = d.Version
	}
	if len(c.Relays) == 0 {
		c.Relays = d.Relays
	}
	if len(c.Seeds) == 0 {
		c.Seeds = d.Seeds
	}
	for i, s := range c.Seeds {
		c.Seeds[i] = strings.ToLower(strings.TrimSpace(s))
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

// WoT returns the discovery configuration
func (c *Config) WoT() wot.Config {
	return wot.Config{
		Seeds:                append([]string(nil), c.Seeds...),
		SeedProfileSettle:    c.Discovery.SeedProfileSettle.Duration(),
		FollowSettle:         c.Discovery.FollowSettle.Duration(),
		ProfileBatchSize:     c.Discovery.ProfileBatchSize,
		ProfileBatchSettle:   c.Discovery.ProfileBatchSettle.Duration(),
		MutualSampleSize:     c.Discovery.MutualSampleSize,
		MutualSettle:         c.Discovery.MutualSettle.Duration(),
		SubscriptionLifetime: c.Discovery.SubscriptionLifetime.Duration(),
	}
}

// FeedTimings returns the aggregator timings
func (c *Config) FeedTimings() feed.Config {
	return feed.Config{
		Lifetime:       c.Feed.Lifetime.Duration(),
		LoadingTimeout: c.Feed.LoadingTimeout.Duration(),
		SortThreshold:  c.Feed.SortThreshold,
		DefaultLimit:   c.Feed.Limit,
	}
}

// FeedOptions returns the default feed query
func (c *Config) FeedOptions() feed.Options {
	opts := feed.Options{
		Tag:        c.Feed.Tag,
		Limit:      c.Feed.Limit,
		ImagesOnly: c.Feed.ImagesOnly,
	}
	if c.Feed.MinTrustScore != nil {
		v := *c.Feed.MinTrustScore
		opts.MinTrustScore = &v
	}
	return opts
}

// CacheOptions returns the breaker settings for the cache tier
func (c *Config) CacheOptions() cache.Options {
	return cache.Options{
		BreakerFailures: c.Cache.BreakerFailures,
		BreakerTimeout:  c.Cache.BreakerTimeout.Duration(),
	}
}

// Logging returns the logger options
func (c *Config) Logging() logging.Options {
	return logging.Options{Format: c.Log.Format, Level: c.Log.Level}
}

// Summary returns a human-readable config summary
func (c *Config) Summary() string {
	summary := fmt.Sprintf("Relays (%d): %s\n", len(c.Relays), strings.Join(c.Relays, ", "))
	summary += fmt.Sprintf("Seeds: %d, batch %d, mutual sample %d\n",
		len(c.Seeds), c.Discovery.ProfileBatchSize, c.Discovery.MutualSampleSize)
	summary += fmt.Sprintf("Feed: #%s, images only %v, page size %d", c.Feed.Tag, c.Feed.ImagesOnly, c.Feed.PageSize)
	return summary
}
