// Package cache is the two-layer cache tier. Reads go to the volatile layer
// first and fall back to the persistent store, promoting what they find.
// Writes go to both. Store failures never reach callers; after
// Options.BreakerFailures consecutive failures a kind runs volatile-only until
// its breaker lets a probe through again.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"communityhub/internal/domain"
	"communityhub/internal/metrics"
	"communityhub/internal/repository"

	"go.uber.org/zap"
)

// Kind names an entity namespace
type Kind string

const (
	KindProfiles Kind = "profiles"
	KindNotes    Kind = "notes"
	KindImages   Kind = "images"
	KindGraph    Kind = "graph-snapshot"
)

// Kinds lists every namespace
var Kinds = []Kind{KindProfiles, KindNotes, KindImages, KindGraph}

// ErrUnknownKind is returned by Clear for a namespace that does not exist
var ErrUnknownKind = errors.New("unknown cache kind")

// ParseKind validates a namespace name
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

const graphKey = "current"

// Options configures a Tier
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Collector
	// BreakerFailures is the number of consecutive store failures that
	// switch a kind to volatile-only
	BreakerFailures uint32
	// BreakerTimeout is how long a kind stays volatile-only before a probe
	BreakerTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.BreakerFailures == 0 {
		o.BreakerFailures = 1
	}
	if o.BreakerTimeout <= 0 {
		o.BreakerTimeout = 30 * time.Second
	}
}

// Tier is the cache facade. It is safe for concurrent use.
type Tier struct {
	logger   *zap.Logger
	profiles *namespace[domain.Profile]
	notes    *namespace[domain.Note]
	images   *namespace[string]
	graph    *namespace[*domain.WebOfTrust]
}

// New creates a cache tier over store. A nil store gives a volatile-only tier.
func New(store repository.CacheStore, opts Options) *Tier {
	opts.applyDefaults()

	t := &Tier{
		logger:   opts.Logger,
		profiles: newNamespace[domain.Profile](KindProfiles, store, opts),
		notes:    newNamespace[domain.Note](KindNotes, store, opts),
		images:   newNamespace[string](KindImages, store, opts),
		graph:    newNamespace[*domain.WebOfTrust](KindGraph, store, opts),
	}
	t.notes.copyValue = copyNote
	t.graph.copyValue = func(w *domain.WebOfTrust) *domain.WebOfTrust { return w.Clone() }
	return t
}

func copyNote(n domain.Note) domain.Note {
	if n.Tags != nil {
		tags := make([][]string, len(n.Tags))
		for i, tag := range n.Tags {
			tags[i] = append([]string(nil), tag...)
		}
		n.Tags = tags
	}
	return n
}

// CacheProfile stores p under its id
func (t *Tier) CacheProfile(ctx context.Context, p domain.Profile) {
	t.profiles.put(ctx, p.ID, p)
}

// GetProfile returns the cached profile for id
func (t *Tier) GetProfile(ctx context.Context, id domain.ProfileID) (domain.Profile, bool) {
	return t.profiles.get(ctx, id)
}

// CacheNote stores n and, when its body carries an image URL, the first such
// URL under the same id. It returns the image URL, if any.
func (t *Tier) CacheNote(ctx context.Context, n domain.Note) (string, bool) {
	t.notes.put(ctx, n.ID, n)
	url, ok := n.FirstImageURL()
	if ok {
		t.images.put(ctx, n.ID, url)
	}
	return url, ok
}

// GetNote returns the cached note for id
func (t *Tier) GetNote(ctx context.Context, id string) (domain.Note, bool) {
	return t.notes.get(ctx, id)
}

// GetImageURL returns the cached image URL for note id
func (t *Tier) GetImageURL(ctx context.Context, id string) (string, bool) {
	return t.images.get(ctx, id)
}

// CacheGraph replaces the stored graph snapshot with a copy of w
func (t *Tier) CacheGraph(ctx context.Context, w *domain.WebOfTrust) {
	if w == nil {
		return
	}
	t.graph.put(ctx, graphKey, w)
}

// GetGraph returns a copy of the stored graph snapshot
func (t *Tier) GetGraph(ctx context.Context) (*domain.WebOfTrust, bool) {
	w, ok := t.graph.get(ctx, graphKey)
	if !ok || w == nil {
		return nil, false
	}
	return w, true
}

// NotesWithTag returns cached notes carrying hashtag tag (any note when tag
// is empty), restricted to authors when it is non-empty. Newest first.
func (t *Tier) NotesWithTag(ctx context.Context, tag string, authors []domain.ProfileID) []domain.Note {
	allowed := allowSet(authors)
	notes := make([]domain.Note, 0)
	t.notes.scan(ctx, func(_ string, n domain.Note) bool {
		if tag != "" && !n.HasHashtag(tag) {
			return true
		}
		if allowed != nil && !allowed[n.AuthorID] {
			return true
		}
		notes = append(notes, n)
		return true
	})
	sortNewestFirst(notes)
	return notes
}

// ImageNotesWithTag returns the image view of every cached note that carries
// hashtag tag and an image URL, restricted to authors when it is non-empty.
// Newest first.
func (t *Tier) ImageNotesWithTag(ctx context.Context, tag string, authors []domain.ProfileID) []domain.ImageNote {
	images := make([]domain.ImageNote, 0)
	for _, n := range t.NotesWithTag(ctx, tag, authors) {
		url, ok := t.images.get(ctx, n.ID)
		if !ok {
			if url, ok = n.FirstImageURL(); !ok {
				continue
			}
		}
		images = append(images, n.ImageNote(url))
	}
	return images
}

// NotesByAuthor returns every cached note written by author, newest first
func (t *Tier) NotesByAuthor(ctx context.Context, author domain.ProfileID) []domain.Note {
	notes := make([]domain.Note, 0)
	t.notes.scan(ctx, func(_ string, n domain.Note) bool {
		if n.AuthorID == author {
			notes = append(notes, n)
		}
		return true
	})
	sortNewestFirst(notes)
	return notes
}

// Clear empties one namespace in both layers
func (t *Tier) Clear(ctx context.Context, kind Kind) error {
	switch kind {
	case KindProfiles:
		t.profiles.clear(ctx)
	case KindNotes:
		t.notes.clear(ctx)
	case KindImages:
		t.images.clear(ctx)
	case KindGraph:
		t.graph.clear(ctx)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	t.logger.Info("cache cleared", zap.String("kind", string(kind)))
	return nil
}

// ClearAll empties every namespace
func (t *Tier) ClearAll(ctx context.Context) {
	for _, kind := range Kinds {
		_ = t.Clear(ctx, kind)
	}
}

// KindStats describes one namespace
type KindStats struct {
	Volatile int `json:"volatile"`
	// Persistent is -1 when the store is unavailable
	Persistent int    `json:"persistent"`
	Breaker    string `json:"breaker"`
	Degraded   bool   `json:"degraded"`
}

// Stats reports entry counts and breaker state per kind
func (t *Tier) Stats(ctx context.Context) map[Kind]KindStats {
	return map[Kind]KindStats{
		KindProfiles: t.profiles.stats(ctx),
		KindNotes:    t.notes.stats(ctx),
		KindImages:   t.images.stats(ctx),
		KindGraph:    t.graph.stats(ctx),
	}
}

func allowSet(authors []domain.ProfileID) map[domain.ProfileID]bool {
	if len(authors) == 0 {
		return nil
	}
	set := make(map[domain.ProfileID]bool, len(authors))
	for _, a := range authors {
		set[a] = true
	}
	return set
}

func sortNewestFirst(notes []domain.Note) {
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].CreatedAt != notes[j].CreatedAt {
			return notes[i].CreatedAt > notes[j].CreatedAt
		}
		return notes[i].ID < notes[j].ID
	})
}
