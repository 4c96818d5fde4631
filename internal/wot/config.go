package wot

import (
	"time"

	"communityhub/internal/domain"
	"communityhub/internal/subscription"
)

// Config holds discovery parameters
type Config struct {
	Seeds []domain.ProfileID

	// SeedProfileSettle bounds the seed profile fetch
	SeedProfileSettle time.Duration
	// FollowSettle bounds first-degree discovery
	FollowSettle time.Duration
	// ProfileBatchSize is the number of authors per profile request
	ProfileBatchSize int
	// ProfileBatchSettle is how long each profile batch collects events
	ProfileBatchSettle time.Duration
	// MutualSampleSize caps the first-degree identities checked for follows back
	MutualSampleSize int
	// MutualSettle bounds mutual-follow discovery
	MutualSettle time.Duration
	// SubscriptionLifetime is the hard lifetime of every discovery subscription
	SubscriptionLifetime time.Duration
}

// DefaultConfig returns the standard discovery timings for seeds
func DefaultConfig(seeds []domain.ProfileID) Config {
	return Config{
		Seeds:                seeds,
		SeedProfileSettle:    3 * time.Second,
		FollowSettle:         5 * time.Second,
		ProfileBatchSize:     subscription.DefaultBatchSize,
		ProfileBatchSettle:   3 * time.Second,
		MutualSampleSize:     100,
		MutualSettle:         5 * time.Second,
		SubscriptionLifetime: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig(nil)
	if c.SeedProfileSettle <= 0 {
		c.SeedProfileSettle = d.SeedProfileSettle
	}
	if c.FollowSettle <= 0 {
		c.FollowSettle = d.FollowSettle
	}
	if c.ProfileBatchSize <= 0 {
		c.ProfileBatchSize = d.ProfileBatchSize
	}
	if c.ProfileBatchSettle <= 0 {
		c.ProfileBatchSettle = d.ProfileBatchSettle
	}
	if c.MutualSampleSize <= 0 {
		c.MutualSampleSize = d.MutualSampleSize
	}
	if c.MutualSettle <= 0 {
		c.MutualSettle = d.MutualSettle
	}
	if c.SubscriptionLifetime <= 0 {
		c.SubscriptionLifetime = d.SubscriptionLifetime
	}
}
