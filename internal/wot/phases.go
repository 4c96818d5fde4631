package wot

import (
	"context"

	"communityhub/internal/domain"
	"communityhub/internal/subscription"

	"go.uber.org/zap"
)

// seed applies cached seed profiles so seeds have metadata before the fetch
func (b *Builder) seed(ctx context.Context) {
	b.applyCachedProfiles(ctx, b.graph.Seeds())
}

func (b *Builder) fetchSeedProfiles(ctx context.Context) {
	seeds := b.graph.Seeds()
	if len(seeds) == 0 {
		return
	}
	h, err := b.subs.Open(ctx, domain.Filter{
		Kinds:   []int{domain.KindProfileMetadata},
		Authors: seeds,
	}, b.subOptions())
	if err != nil {
		b.logger.Warn("seed profile fetch failed", zap.Error(err))
		return
	}
	defer h.Close()
	subscription.Collect(ctx, b.clock, h.Events(), b.cfg.SeedProfileSettle, b.handleProfile)
}

// discoverFollows opens one follow-list subscription per seed
func (b *Builder) discoverFollows(ctx context.Context) {
	handles := make([]*subscription.Handle, 0, len(b.cfg.Seeds))
	for _, seed := range b.graph.Seeds() {
		h, err := b.subs.Open(ctx, domain.Filter{
			Kinds:   []int{domain.KindFollowList},
			Authors: []domain.ProfileID{seed},
		}, b.subOptions())
		if err != nil {
			b.logger.Warn("follow list fetch failed", zap.String("seed", seed), zap.Error(err))
			continue
		}
		handles = append(handles, h)
	}
	if len(handles) == 0 {
		return
	}
	defer subscription.CloseAll(handles)

	subscription.Collect(ctx, b.clock, subscription.Merge(handles...), b.cfg.FollowSettle, func(ev domain.RawEvent) {
		if list, ok := b.parse(ev).(domain.FollowList); ok {
			b.applySeedFollows(list)
		}
	})
	b.logger.Info("first-degree discovery finished", zap.Int("identities", len(b.firstDegree)))
}

func (b *Builder) fetchFollowProfiles(ctx context.Context) {
	if len(b.firstDegree) == 0 {
		return
	}
	b.applyCachedProfiles(ctx, b.firstDegree)

	err := b.subs.FetchBatched(ctx, domain.Filter{Kinds: []int{domain.KindProfileMetadata}}, b.firstDegree, subscription.BatchOptions{
		Size:            b.cfg.ProfileBatchSize,
		Settle:          b.cfg.ProfileBatchSettle,
		Lifetime:        b.cfg.SubscriptionLifetime,
		CloseOnComplete: true,
	}, b.handleProfile)
	if err != nil {
		b.logger.Warn("some profile batches failed", zap.Error(err))
	}
}

func (b *Builder) discoverMutuals(ctx context.Context) {
	sample := b.firstDegree
	if len(sample) > b.cfg.MutualSampleSize {
		sample = sample[:b.cfg.MutualSampleSize]
	}
	if len(sample) == 0 {
		return
	}

	h, err := b.subs.Open(ctx, domain.Filter{
		Kinds:   []int{domain.KindFollowList},
		Authors: sample,
	}, b.subOptions())
	if err != nil {
		b.logger.Warn("mutual follow fetch failed", zap.Error(err))
		return
	}
	defer h.Close()

	subscription.Collect(ctx, b.clock, h.Events(), b.cfg.MutualSettle, func(ev domain.RawEvent) {
		if list, ok := b.parse(ev).(domain.FollowList); ok {
			b.applyMutualFollows(list)
		}
	})
}

func (b *Builder) score(context.Context) {
	b.graph.RecomputeScores()
}

func (b *Builder) subOptions() subscription.Options {
	return subscription.Options{
		MaxLifetime:     b.cfg.SubscriptionLifetime,
		CloseOnComplete: true,
	}
}

func (b *Builder) handleProfile(ev domain.RawEvent) {
	update, ok := b.parse(ev).(domain.ProfileUpdate)
	if !ok {
		return
	}
	if !b.graph.SetProfile(update.Profile) {
		return
	}
	if b.cache != nil {
		b.cache.CacheProfile(context.Background(), update.Profile)
	}
}

func (b *Builder) applyCachedProfiles(ctx context.Context, ids []domain.ProfileID) {
	if b.cache == nil {
		return
	}
	for _, id := range ids {
		if p, ok := b.cache.GetProfile(ctx, id); ok {
			b.graph.SetProfile(p)
		}
	}
}

// applySeedFollows adds seed -> target edges, creating placeholders for
// identities seen for the first time
func (b *Builder) applySeedFollows(list domain.FollowList) {
	if !b.graph.IsSeed(list.Author) {
		return
	}
	for _, target := range list.Follows {
		if b.graph.EnsureNode(target, domain.PerSeedTrustScore) {
			b.firstDegree = append(b.firstDegree, target)
		}
		b.addFollow(list.Author, target)
	}
}

// applyMutualFollows adds edges between identities already in the graph
func (b *Builder) applyMutualFollows(list domain.FollowList) {
	if !b.graph.HasNode(list.Author) {
		return
	}
	for _, target := range list.Follows {
		if b.graph.HasNode(target) {
			b.addFollow(list.Author, target)
		}
	}
}

// addFollow adds source -> target and, when target already follows source,
// marks both edges mutual
func (b *Builder) addFollow(source, target domain.ProfileID) {
	b.graph.AddFollow(source, target)
	b.graph.MarkMutual(source, target)
}
