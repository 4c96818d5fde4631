// Package wot builds the web of trust. A Builder owns the live graph, runs the
// discovery phases one after another on a single goroutine, and publishes an
// immutable snapshot after every phase.
//
// Discovery never fails as a whole: a phase whose subscription cannot be
// opened ends early and the next phase runs with whatever was collected, so
// every run reaches PhaseReady.
package wot

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"communityhub/internal/cache"
	"communityhub/internal/clock"
	"communityhub/internal/codec"
	"communityhub/internal/domain"
	"communityhub/internal/metrics"
	"communityhub/internal/subscription"

	"go.uber.org/zap"
)

// ErrAlreadyStarted is returned when Run or Start is called twice
var ErrAlreadyStarted = errors.New("web of trust builder already started")

const consumerName = "wot"

// Options carry the builder's collaborators
type Options struct {
	// Cache receives profiles and graph snapshots; optional
	Cache   *cache.Tier
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// OnProgress is called from the builder goroutine; it must not block
	OnProgress func(Progress)
}

// Builder runs discovery. Read methods are safe for concurrent use.
type Builder struct {
	cfg     Config
	subs    *subscription.Manager
	clock   clock.Clock
	cache   *cache.Tier
	logger  *zap.Logger
	metrics *metrics.Collector
	notify  func(Progress)

	started  atomic.Bool
	phase    atomic.Value // Phase
	snapshot atomic.Pointer[domain.WebOfTrust]
	ready    chan struct{}

	// owned by the run goroutine
	graph       *domain.Graph
	firstDegree []domain.ProfileID
	warm        *domain.WebOfTrust

	readyOnce sync.Once
}

// NewBuilder creates a builder for cfg. When the cache holds a snapshot from a
// previous run it is published immediately so readers have data before
// discovery finishes.
func NewBuilder(subs *subscription.Manager, cfg Config, opts Options) *Builder {
	cfg.applyDefaults()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	b := &Builder{
		cfg:     cfg,
		subs:    subs,
		clock:   subs.Clock(),
		cache:   opts.Cache,
		logger:  opts.Logger.With(zap.String("component", consumerName)),
		metrics: opts.Metrics,
		notify:  opts.OnProgress,
		ready:   make(chan struct{}),
		graph:   domain.NewGraph(cfg.Seeds),
	}
	b.phase.Store(PhaseIdle)

	initial := b.graph.Snapshot()
	if b.cache != nil {
		if cached, ok := b.cache.GetGraph(context.Background()); ok && len(cached.Nodes) > 0 {
			b.warm = cached
			initial = cached
			b.logger.Info("warm start from cached graph",
				zap.Int("nodes", len(cached.Nodes)), zap.Int("edges", len(cached.Edges)))
		}
	}
	b.snapshot.Store(initial)
	return b
}

// Start runs discovery in a new goroutine
func (b *Builder) Start(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	go b.run(ctx)
	return nil
}

// Run runs discovery and returns once the builder is ready. It returns the
// context error if ctx ended early; the builder is ready regardless.
func (b *Builder) Run(ctx context.Context) error {
	if !b.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	b.run(ctx)
	return ctx.Err()
}

func (b *Builder) run(ctx context.Context) {
	steps := []struct {
		phase Phase
		fn    func(context.Context)
	}{
		{PhaseSeed, b.seed},
		{PhaseSeedProfiles, b.fetchSeedProfiles},
		{PhaseFollows, b.discoverFollows},
		{PhaseFollowProfiles, b.fetchFollowProfiles},
		{PhaseMutuals, b.discoverMutuals},
		{PhaseScoring, b.score},
	}
	for _, step := range steps {
		b.enter(step.phase)
		step.fn(ctx)
		b.publish(ctx)
	}

	b.enter(PhaseReady)
	b.publish(ctx)
	b.readyOnce.Do(func() { close(b.ready) })
	b.logger.Info("web of trust ready",
		zap.Int("nodes", b.graph.NodeCount()), zap.Int("edges", b.graph.EdgeCount()))
}

func (b *Builder) enter(p Phase) {
	b.phase.Store(p)
	b.metrics.Phase(string(p), phaseNames())
	b.logger.Info("phase started", zap.String("phase", string(p)))
}

// publish swaps in a new snapshot. While a warm-start snapshot is larger than
// the live graph, intermediate snapshots are held back so readers never see
// the graph shrink; the final snapshot of a completed run always replaces it.
// A cancelled run never writes its partial graph to the cache.
func (b *Builder) publish(ctx context.Context) {
	snap := b.graph.Snapshot()
	phase := b.Phase()
	cancelled := ctx.Err() != nil

	if b.warm != nil && (phase != PhaseReady || cancelled) && len(snap.Nodes) < len(b.warm.Nodes) {
		b.progress(len(snap.Nodes), len(snap.Edges))
		return
	}
	b.warm = nil
	b.snapshot.Store(snap)
	if b.cache != nil && !cancelled {
		b.cache.CacheGraph(ctx, snap)
	}
	b.metrics.GraphSize(len(snap.Nodes), len(snap.Edges))
	b.progress(len(snap.Nodes), len(snap.Edges))
}

func (b *Builder) progress(nodes, edges int) {
	if b.notify == nil {
		return
	}
	phase := b.Phase()
	b.notify(Progress{Phase: phase, Nodes: nodes, Edges: edges, Loading: phase != PhaseReady})
}

// Phase returns the current phase
func (b *Builder) Phase() Phase {
	return b.phase.Load().(Phase)
}

// IsLoading reports whether discovery has not reached PhaseReady
func (b *Builder) IsLoading() bool {
	return b.Phase() != PhaseReady
}

// Ready is closed once discovery finishes
func (b *Builder) Ready() <-chan struct{} {
	return b.ready
}

// WebOfTrust returns the latest published snapshot. It is shared; callers
// must Clone it before modifying it.
func (b *Builder) WebOfTrust() *domain.WebOfTrust {
	return b.snapshot.Load()
}

// TrustedProfiles returns the profiles scoring at least minScore in the
// latest snapshot, in no particular order
func (b *Builder) TrustedProfiles(minScore int) []domain.Profile {
	return b.WebOfTrust().TrustedProfiles(minScore)
}

// FirstDegree returns the identities discovered from seed follow lists, in
// discovery order. Only meaningful once ready.
func (b *Builder) FirstDegree() []domain.ProfileID {
	<-b.ready
	return append([]domain.ProfileID(nil), b.firstDegree...)
}

// Config returns the builder's configuration
func (b *Builder) Config() Config {
	return b.cfg
}

// parse turns a raw event into its variant, counting what gets dropped
func (b *Builder) parse(ev domain.RawEvent) domain.Parsed {
	parsed := codec.ParseEvent(ev)
	if u, ok := parsed.(domain.Unparseable); ok {
		b.metrics.EventDropped(consumerName, "unparseable")
		b.logger.Debug("dropping malformed event", zap.String("event", u.ID), zap.Int("kind", u.Kind), zap.String("reason", u.Reason))
		return nil
	}
	b.metrics.EventIngested(consumerName, ev.Kind)
	return parsed
}
