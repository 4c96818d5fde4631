// Package feed aggregates text notes from trusted authors into a live,
// deduplicated, newest-first result list.
package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/clock"
	"communityhub/internal/codec"
	"communityhub/internal/domain"
	"communityhub/internal/metrics"
	"communityhub/internal/subscription"

	"go.uber.org/zap"
)

var (
	// ErrNoTrustSource is returned when a trust filter is requested but the
	// aggregator has no trust source
	ErrNoTrustSource = errors.New("feed has no trust source")
	// ErrClosed is returned by loads on a closed aggregator
	ErrClosed = errors.New("feed is closed")
)

const consumerName = "feed"

// TrustSource answers the trusted-author query. *wot.Builder satisfies it.
type TrustSource interface {
	TrustedProfiles(minScore int) []domain.Profile
}

// Status is the load state of a feed
type Status string

const (
	StatusIdle    Status = "idle"
	StatusLoading Status = "loading"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

// Options select what a load fetches
type Options struct {
	Tag string `json:"tag,omitempty"`
	// MinTrustScore restricts authors to trusted profiles; nil disables the
	// trust filter
	MinTrustScore *int `json:"min_trust_score,omitempty"`
	Limit         int  `json:"limit,omitempty"`
	ImagesOnly    bool `json:"images_only,omitempty"`
}

// Result is a snapshot of the feed
type Result struct {
	Notes  []domain.Note      `json:"notes"`
	Images []domain.ImageNote `json:"images"`
	Status Status             `json:"status"`
	Error  string             `json:"error,omitempty"`
}

// Loading reports whether results are still expected
func (r Result) Loading() bool {
	return r.Status == StatusLoading
}

// Config holds feed timings
type Config struct {
	// Lifetime bounds the live subscription of a load
	Lifetime time.Duration
	// LoadingTimeout flips a load from loading to ready
	LoadingTimeout time.Duration
	// SortThreshold is the result count above which new items are appended
	// unsorted
	SortThreshold int
	DefaultLimit  int
}

// DefaultConfig returns the standard feed timings
func DefaultConfig() Config {
	return Config{
		Lifetime:       20 * time.Second,
		LoadingTimeout: 5 * time.Second,
		SortThreshold:  100,
		DefaultLimit:   50,
	}
}

// AggregatorOptions carry the aggregator's collaborators
type AggregatorOptions struct {
	Config Config
	// Cache is optional; without it there is no warm start
	Cache   *cache.Tier
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// OnUpdate receives a copy of the result after every change. It runs on
	// the aggregator's goroutines and must not block.
	OnUpdate func(Result)
}

// Aggregator runs one feed load at a time. A new load replaces the previous
// one; events still in flight for an old load are discarded.
type Aggregator struct {
	subs     *subscription.Manager
	trust    TrustSource
	cache    *cache.Tier
	clock    clock.Clock
	cfg      Config
	logger   *zap.Logger
	metrics  *metrics.Collector
	onUpdate func(Result)

	// ctx bounds every live subscription; cancelled by Close
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	opts      Options
	loaded    bool
	gen       uint64
	handle    *subscription.Handle
	loadTimer clock.Timer
	seen      map[string]struct{}
	created   map[string]int64
	notes     []domain.Note
	images    []domain.ImageNote
	status    Status
	err       string
	closed    bool

	closeOnce sync.Once
}

// NewAggregator creates an aggregator. trust may be nil when loads never set
// MinTrustScore.
func NewAggregator(subs *subscription.Manager, trust TrustSource, opts AggregatorOptions) *Aggregator {
	cfg := opts.Config
	d := DefaultConfig()
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = d.Lifetime
	}
	if cfg.LoadingTimeout <= 0 {
		cfg.LoadingTimeout = d.LoadingTimeout
	}
	if cfg.SortThreshold <= 0 {
		cfg.SortThreshold = d.SortThreshold
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = d.DefaultLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		subs:     subs,
		trust:    trust,
		cache:    opts.Cache,
		clock:    subs.Clock(),
		cfg:      cfg,
		logger:   opts.Logger.With(zap.String("component", consumerName)),
		metrics:  opts.Metrics,
		onUpdate: opts.OnUpdate,
		ctx:      ctx,
		cancel:   cancel,
		status:   StatusIdle,
	}
}

// LoadFeed replaces the current load with one for opts. It returns once the
// warm-start results are in place and the live subscription is open; live
// events keep arriving afterwards. ctx bounds only the setup.
func (a *Aggregator) LoadFeed(ctx context.Context, opts Options) (Result, error) {
	if opts.Limit <= 0 {
		opts.Limit = a.cfg.DefaultLimit
	}

	authors, err := a.authors(opts)
	if err != nil {
		return a.Result(), err
	}
	warmNotes, warmImages := a.warmStart(ctx, opts, authors)

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return Result{Status: StatusIdle}, ErrClosed
	}
	a.stopLocked()
	a.gen++
	gen := a.gen
	a.opts = opts
	a.loaded = true
	a.seen = make(map[string]struct{}, len(warmNotes))
	a.created = make(map[string]int64, len(warmNotes))
	for _, n := range warmNotes {
		a.seen[n.ID] = struct{}{}
		a.created[n.ID] = n.CreatedAt
	}
	a.notes = warmNotes
	a.images = warmImages
	a.status = StatusLoading
	a.err = ""
	a.mu.Unlock()

	a.logger.Info("loading feed",
		zap.String("tag", opts.Tag),
		zap.Int("authors", len(authors)),
		zap.Bool("images_only", opts.ImagesOnly),
		zap.Int("cached", len(warmNotes)))

	filter := domain.Filter{
		Kinds:   []int{domain.KindTextNote},
		Authors: authors,
		Limit:   opts.Limit,
	}
	if opts.Tag != "" {
		filter.Tags = map[string][]string{domain.TagKeyHashtag: {opts.Tag}}
	}

	h, err := a.subs.Open(a.ctx, filter, subscription.Options{
		MaxLifetime:     a.cfg.Lifetime,
		CloseOnComplete: true,
	})
	if err != nil {
		return a.failLoad(gen, fmt.Errorf("failed to load feed: %w", err))
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		h.Close()
		return a.Result(), nil
	}
	a.handle = h
	a.loadTimer = a.clock.AfterFunc(a.cfg.LoadingTimeout, func() { a.markReady(gen) })
	a.mu.Unlock()

	go a.consume(gen, h)
	result := a.Result()
	a.publish(result)
	return result, nil
}

// Refresh reloads the feed with the options of the last load
func (a *Aggregator) Refresh(ctx context.Context) (Result, error) {
	a.mu.Lock()
	opts := a.opts
	a.mu.Unlock()
	return a.LoadFeed(ctx, opts)
}

// Options returns the options of the last load
func (a *Aggregator) Options() (Options, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.opts, a.loaded
}

// Close stops the live subscription. Further loads return ErrClosed.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		a.gen++
		a.stopLocked()
		a.mu.Unlock()
		a.cancel()
	})
}

// Result returns a copy of the current results
func (a *Aggregator) Result() Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.resultLocked()
}

func (a *Aggregator) resultLocked() Result {
	r := Result{
		Notes:  append(make([]domain.Note, 0, len(a.notes)), a.notes...),
		Images: append(make([]domain.ImageNote, 0, len(a.images)), a.images...),
		Status: a.status,
		Error:  a.err,
	}
	return r
}

// authors resolves the author allow-list. An empty trusted set removes the
// author filter rather than producing an empty feed.
func (a *Aggregator) authors(opts Options) ([]domain.ProfileID, error) {
	if opts.MinTrustScore == nil {
		return nil, nil
	}
	if a.trust == nil {
		return nil, ErrNoTrustSource
	}
	profiles := a.trust.TrustedProfiles(*opts.MinTrustScore)
	if len(profiles) == 0 {
		a.logger.Warn("no trusted profiles, loading without author filter", zap.Int("min_score", *opts.MinTrustScore))
		return nil, nil
	}
	ids := make([]domain.ProfileID, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	sort.Strings(ids)
	return ids, nil
}

// warmStart returns cached results for opts. Image entries whose backing note
// is missing or empty are dropped along with the note.
func (a *Aggregator) warmStart(ctx context.Context, opts Options, authors []domain.ProfileID) ([]domain.Note, []domain.ImageNote) {
	if a.cache == nil || opts.Tag == "" {
		return nil, nil
	}
	if !opts.ImagesOnly {
		return a.cache.NotesWithTag(ctx, opts.Tag, authors), nil
	}

	var notes []domain.Note
	var images []domain.ImageNote
	for _, img := range a.cache.ImageNotesWithTag(ctx, opts.Tag, authors) {
		n, ok := a.cache.GetNote(ctx, img.ID)
		if !ok || n.Body == "" {
			continue
		}
		notes = append(notes, n)
		images = append(images, img)
	}
	return notes, images
}

func (a *Aggregator) consume(gen uint64, h *subscription.Handle) {
	for ev := range h.Events() {
		a.ingest(gen, ev)
	}
	a.markReady(gen)
}

func (a *Aggregator) ingest(gen uint64, ev domain.RawEvent) {
	post, ok := codec.ParseEvent(ev).(domain.ContentPost)
	if !ok {
		a.metrics.EventDropped(consumerName, "unparseable")
		return
	}
	note := post.Note

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	if _, dup := a.seen[note.ID]; dup {
		a.mu.Unlock()
		a.metrics.EventDropped(consumerName, "duplicate")
		return
	}
	a.seen[note.ID] = struct{}{}
	imagesOnly := a.opts.ImagesOnly
	a.mu.Unlock()

	url, hasImage := a.cacheNote(note)
	a.metrics.EventIngested(consumerName, ev.Kind)
	if imagesOnly && !hasImage {
		return
	}

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.created[note.ID] = note.CreatedAt
	a.notes = append(a.notes, note)
	if len(a.notes) <= a.cfg.SortThreshold {
		sort.SliceStable(a.notes, func(i, j int) bool { return a.notes[i].CreatedAt > a.notes[j].CreatedAt })
	}
	if imagesOnly {
		a.images = append(a.images, note.ImageNote(url))
		if len(a.images) <= a.cfg.SortThreshold {
			sort.SliceStable(a.images, func(i, j int) bool {
				return a.created[a.images[i].ID] > a.created[a.images[j].ID]
			})
		}
	}
	result := a.resultLocked()
	a.mu.Unlock()

	a.metrics.FeedSize(len(result.Notes), len(result.Images))
	a.publish(result)
}

func (a *Aggregator) cacheNote(n domain.Note) (string, bool) {
	if a.cache == nil {
		return n.FirstImageURL()
	}
	return a.cache.CacheNote(a.ctx, n)
}

func (a *Aggregator) markReady(gen uint64) {
	a.mu.Lock()
	if gen != a.gen || a.status != StatusLoading {
		a.mu.Unlock()
		return
	}
	a.status = StatusReady
	result := a.resultLocked()
	a.mu.Unlock()

	a.logger.Info("feed ready", zap.Int("notes", len(result.Notes)), zap.Int("images", len(result.Images)))
	a.publish(result)
}

// failLoad records a load that could not open its subscription. Warm-start
// results, when present, keep the load usable.
func (a *Aggregator) failLoad(gen uint64, err error) (Result, error) {
	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return a.Result(), err
	}
	if len(a.notes) > 0 {
		a.status = StatusReady
		a.mu.Unlock()
		a.logger.Warn("live feed unavailable, serving cached notes", zap.Error(err))
		result := a.Result()
		a.publish(result)
		return result, nil
	}
	a.status = StatusFailed
	a.err = err.Error()
	result := a.resultLocked()
	a.mu.Unlock()

	a.logger.Error("feed load failed", zap.Error(err))
	a.publish(result)
	return result, err
}

// stopLocked ends the live subscription and loading timer of the current load
func (a *Aggregator) stopLocked() {
	if a.loadTimer != nil {
		a.loadTimer.Stop()
		a.loadTimer = nil
	}
	if a.handle != nil {
		a.handle.Close()
		a.handle = nil
	}
}

func (a *Aggregator) publish(r Result) {
	if a.onUpdate != nil {
		a.onUpdate(r)
	}
}
