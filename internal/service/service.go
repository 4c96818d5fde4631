package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/clock"
	"communityhub/internal/codec"
	"communityhub/internal/config"
	"communityhub/internal/domain"
	"communityhub/internal/feed"
	"communityhub/internal/logging"
	"communityhub/internal/metrics"
	"communityhub/internal/relay"
	"communityhub/internal/subscription"
	"communityhub/internal/wot"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNotStarted is returned before the first session starts
	ErrNotStarted = errors.New("community service not started")
	// ErrClosed is returned by Reload after Close
	ErrClosed = errors.New("community service closed")
	// ErrProfileNotFound is returned for identities neither in the graph nor cached
	ErrProfileNotFound = errors.New("profile not found")
	// ErrUnsupportedFormat is returned by Export for unknown formats
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// Transport is a relay connection the service can close
type Transport interface {
	subscription.Transport
	Connected() []string
	Close() error
}

// Connector opens a transport to relays
type Connector func(ctx context.Context, relays []string, logger *zap.Logger) (Transport, error)

// RelayConnector dials relays with a websocket pool
func RelayConnector(ctx context.Context, relays []string, logger *zap.Logger) (Transport, error) {
	pool := relay.NewPool(relays, relay.Options{Logger: logger})
	if err := pool.Connect(ctx); err != nil {
		return nil, err
	}
	return pool, nil
}

// Options carry the service's collaborators
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Clock   clock.Clock
	// Connect defaults to RelayConnector
	Connect Connector
}

// CommunityService runs one discovery session at a time: a relay transport,
// the web-of-trust builder on top of it, and the feed that loads once the
// graph is ready. Reload replaces the session.
type CommunityService struct {
	tier    *cache.Tier
	bus     *EventBus
	logger  *zap.Logger
	metrics *metrics.Collector
	clock   clock.Clock
	connect Connector

	mu      sync.RWMutex
	session *session
	closed  bool
}

type session struct {
	id        string
	cfg       *config.Config
	transport Transport
	builder   *wot.Builder
	feed      *feed.Aggregator
	cancel    context.CancelFunc
	started   time.Time
}

// NewCommunityService creates the service. tier is shared across sessions so
// each new session warm-starts from the previous one.
func NewCommunityService(tier *cache.Tier, bus *EventBus, opts Options) *CommunityService {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Connect == nil {
		opts.Connect = RelayConnector
	}
	return &CommunityService{
		tier:    tier,
		bus:     bus,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		clock:   opts.Clock,
		connect: opts.Connect,
	}
}

// Start opens the first session. It is the same as Reload.
func (s *CommunityService) Start(ctx context.Context, cfg *config.Config) error {
	return s.Reload(ctx, cfg)
}

// Reload connects to cfg's relays and starts discovery for cfg's seeds. The
// previous session keeps serving until the new transport is connected, then
// it is shut down.
func (s *CommunityService) Reload(ctx context.Context, cfg *config.Config) error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	id := uuid.NewString()
	logger := s.logger.With(zap.String("session", id))

	transport, err := s.connect(ctx, cfg.Relays, logger)
	if err != nil {
		return fmt.Errorf("failed to connect relays: %w", err)
	}

	subs := subscription.NewManager(transport, subscription.ManagerOptions{
		Clock:   s.clock,
		Logger:  logger,
		Metrics: s.metrics,
	})
	builder := wot.NewBuilder(subs, cfg.WoT(), wot.Options{
		Cache:   s.tier,
		Logger:  logger,
		Metrics: s.metrics,
		OnProgress: func(p wot.Progress) {
			s.bus.Publish(Event{Type: EventWoTProgress, Payload: p})
		},
	})
	agg := feed.NewAggregator(subs, builder, feed.AggregatorOptions{
		Config:  cfg.FeedTimings(),
		Cache:   s.tier,
		Logger:  logger,
		Metrics: s.metrics,
		OnUpdate: func(r feed.Result) {
			s.bus.Publish(Event{Type: EventFeedUpdated, Payload: feedSummary(r)})
		},
	})

	sessCtx, cancel := context.WithCancel(context.Background())
	next := &session{
		id:        id,
		cfg:       cfg,
		transport: transport,
		builder:   builder,
		feed:      agg,
		cancel:    cancel,
		started:   s.clock.Now(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		next.shutdown(logger)
		return ErrClosed
	}
	prev := s.session
	s.session = next
	s.mu.Unlock()

	if prev != nil {
		prev.shutdown(s.logger.With(zap.String("session", prev.id)))
	}

	if err := builder.Start(sessCtx); err != nil {
		return fmt.Errorf("failed to start discovery: %w", err)
	}
	go s.loadFeedWhenReady(sessCtx, next, logger)

	logger.Info("session started",
		zap.Strings("relays", transport.Connected()),
		zap.Int("seeds", len(cfg.Seeds)))
	s.bus.Publish(Event{Type: EventSessionStarted, Payload: map[string]any{
		"session": id,
		"relays":  transport.Connected(),
		"seeds":   len(cfg.Seeds),
	}})
	return nil
}

func (s *CommunityService) loadFeedWhenReady(ctx context.Context, sess *session, logger *zap.Logger) {
	select {
	case <-sess.builder.Ready():
	case <-ctx.Done():
		return
	}
	w := sess.builder.WebOfTrust()
	s.bus.Publish(Event{Type: EventWoTReady, Payload: map[string]int{
		"nodes": len(w.Nodes),
		"edges": len(w.Edges),
	}})

	if _, err := sess.feed.LoadFeed(ctx, sess.cfg.FeedOptions()); err != nil && !errors.Is(err, feed.ErrClosed) {
		logger.Warn("initial feed load failed", zap.Error(err))
	}
}

func (sess *session) shutdown(logger *zap.Logger) {
	sess.cancel()
	sess.feed.Close()
	if err := sess.transport.Close(); err != nil {
		logger.Warn("failed to close transport", zap.Error(err))
	}
	logger.Info("session stopped")
}

// Close shuts the current session down. The service cannot be restarted.
func (s *CommunityService) Close() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.closed = true
	s.mu.Unlock()

	if sess != nil {
		sess.shutdown(s.logger.With(zap.String("session", sess.id)))
	}
}

func (s *CommunityService) current() (*session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return nil, ErrNotStarted
	}
	return s.session, nil
}

// Graph returns the graph view filtered to minScore with optional highlight
func (s *CommunityService) Graph(minScore int, highlight domain.ProfileID) (*domain.WebOfTrust, error) {
	sess, err := s.current()
	if err != nil {
		return nil, err
	}
	return sess.builder.WebOfTrust().View(minScore, highlight), nil
}

// TrustedProfiles returns profiles scoring at least minScore, highest first
func (s *CommunityService) TrustedProfiles(minScore int) ([]domain.GraphNode, error) {
	sess, err := s.current()
	if err != nil {
		return nil, err
	}
	nodes := sess.builder.WebOfTrust().SortedNodes()
	trusted := make([]domain.GraphNode, 0, len(nodes))
	for _, n := range nodes {
		if n.TrustScore >= minScore {
			trusted = append(trusted, n)
		}
	}
	return trusted, nil
}

// Profile returns the graph node for id, falling back to the profile cache
// for identities outside the graph
func (s *CommunityService) Profile(ctx context.Context, id domain.ProfileID) (domain.GraphNode, error) {
	if sess, err := s.current(); err == nil {
		if n, ok := sess.builder.WebOfTrust().Nodes[id]; ok {
			return n, nil
		}
	}
	if p, ok := s.tier.GetProfile(ctx, id); ok {
		return domain.GraphNode{ID: id, Profile: p}, nil
	}
	return domain.GraphNode{}, fmt.Errorf("%w: %s", ErrProfileNotFound, id)
}

// NotesByAuthor returns cached notes written by id, newest first
func (s *CommunityService) NotesByAuthor(ctx context.Context, id domain.ProfileID) []domain.Note {
	return s.tier.NotesByAuthor(ctx, id)
}

// Feed returns the current feed results
func (s *CommunityService) Feed() (feed.Result, error) {
	sess, err := s.current()
	if err != nil {
		return feed.Result{}, err
	}
	return sess.feed.Result(), nil
}

// FeedOptions returns the options of the last feed load, or the configured
// defaults when nothing has loaded yet
func (s *CommunityService) FeedOptions() (feed.Options, error) {
	sess, err := s.current()
	if err != nil {
		return feed.Options{}, err
	}
	if opts, ok := sess.feed.Options(); ok {
		return opts, nil
	}
	return sess.cfg.FeedOptions(), nil
}

// PageSize returns the configured feed page size
func (s *CommunityService) PageSize() int {
	sess, err := s.current()
	if err != nil {
		return feed.DefaultPageSize
	}
	return sess.cfg.Feed.PageSize
}

// LoadFeed replaces the feed query
func (s *CommunityService) LoadFeed(ctx context.Context, opts feed.Options) (feed.Result, error) {
	sess, err := s.current()
	if err != nil {
		return feed.Result{}, err
	}
	return sess.feed.LoadFeed(ctx, opts)
}

// RefreshFeed reloads the feed with its current query
func (s *CommunityService) RefreshFeed(ctx context.Context) (feed.Result, error) {
	sess, err := s.current()
	if err != nil {
		return feed.Result{}, err
	}
	if _, ok := sess.feed.Options(); !ok {
		return sess.feed.LoadFeed(ctx, sess.cfg.FeedOptions())
	}
	return sess.feed.Refresh(ctx)
}

// ClearCache empties one cache kind, or every kind when kind is empty
func (s *CommunityService) ClearCache(ctx context.Context, kind string) error {
	if kind == "" {
		s.tier.ClearAll(ctx)
		s.bus.Publish(Event{Type: EventCacheCleared, Payload: map[string]string{"kind": "all"}})
		return nil
	}
	k, err := cache.ParseKind(kind)
	if err != nil {
		return err
	}
	if err := s.tier.Clear(ctx, k); err != nil {
		return err
	}
	s.bus.Publish(Event{Type: EventCacheCleared, Payload: map[string]string{"kind": string(k)}})
	return nil
}

// Status summarizes the running session
type Status struct {
	Session   string                         `json:"session"`
	StartedAt time.Time                      `json:"started_at"`
	Relays    []string                       `json:"relays"`
	Phase     wot.Phase                      `json:"phase"`
	Loading   bool                           `json:"loading"`
	Nodes     int                            `json:"nodes"`
	Edges     int                            `json:"edges"`
	Feed      FeedSummary                    `json:"feed"`
	Cache     map[cache.Kind]cache.KindStats `json:"cache"`
}

// FeedSummary is the size and state of the feed
type FeedSummary struct {
	Status feed.Status `json:"status"`
	Notes  int         `json:"notes"`
	Images int         `json:"images"`
	Error  string      `json:"error,omitempty"`
}

func feedSummary(r feed.Result) FeedSummary {
	return FeedSummary{Status: r.Status, Notes: len(r.Notes), Images: len(r.Images), Error: r.Error}
}

// Status reports the current session state
func (s *CommunityService) Status(ctx context.Context) (Status, error) {
	sess, err := s.current()
	if err != nil {
		return Status{}, err
	}
	w := sess.builder.WebOfTrust()
	relays := sess.transport.Connected()
	sort.Strings(relays)
	return Status{
		Session:   sess.id,
		StartedAt: sess.started,
		Relays:    relays,
		Phase:     sess.builder.Phase(),
		Loading:   sess.builder.IsLoading(),
		Nodes:     len(w.Nodes),
		Edges:     len(w.Edges),
		Feed:      feedSummary(sess.feed.Result()),
		Cache:     s.tier.Stats(ctx),
	}, nil
}

// Export writes the latest graph snapshot in format ("json" or "yaml")
func (s *CommunityService) Export(format string, w io.Writer) error {
	c, ok := codec.ForFormat(format)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	sess, err := s.current()
	if err != nil {
		return err
	}
	return c.Export(sess.builder.WebOfTrust(), w)
}

// WaitReady blocks until the current session's graph is ready or ctx ends
func (s *CommunityService) WaitReady(ctx context.Context) error {
	sess, err := s.current()
	if err != nil {
		return err
	}
	select {
	case <-sess.builder.Ready():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
