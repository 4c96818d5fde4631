package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/clock"
	"communityhub/internal/domain"
	"communityhub/internal/subscription"
	"communityhub/internal/subscription/subscriptiontest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticTrust []domain.Profile

func (s staticTrust) TrustedProfiles(minScore int) []domain.Profile {
	return s
}

func note(id, author string, createdAt int64, body string, tags ...string) domain.RawEvent {
	ev := domain.RawEvent{ID: id, Author: author, Kind: domain.KindTextNote, Content: body, CreatedAt: createdAt}
	for _, tag := range tags {
		ev.Tags = append(ev.Tags, []string{domain.TagKeyHashtag, tag})
	}
	return ev
}

func intPtr(v int) *int { return &v }

func noteIDs(r Result) []string {
	ids := make([]string, 0, len(r.Notes))
	for _, n := range r.Notes {
		ids = append(ids, n.ID)
	}
	return ids
}

func newAggregator(t *testing.T, transport *subscriptiontest.Transport, trust TrustSource, opts AggregatorOptions) *Aggregator {
	t.Helper()
	subs := subscription.NewManager(transport, subscription.ManagerOptions{})
	a := NewAggregator(subs, trust, opts)
	t.Cleanup(a.Close)
	return a
}

func waitReady(t *testing.T, a *Aggregator) Result {
	t.Helper()
	require.Eventually(t, func() bool { return a.Result().Status == StatusReady }, 5*time.Second, 5*time.Millisecond)
	return a.Result()
}

func TestLoadFeedSortsNewestFirst(t *testing.T) {
	transport := subscriptiontest.New(
		note("a", "alice", 10, "first", "madeira"),
		note("c", "alice", 30, "third", "madeira"),
		note("b", "bob", 20, "second", "madeira"),
		note("x", "bob", 40, "untagged"),
	)
	a := newAggregator(t, transport, nil, AggregatorOptions{})

	_, err := a.LoadFeed(context.Background(), Options{Tag: "madeira"})
	require.NoError(t, err)

	r := waitReady(t, a)
	assert.Equal(t, []string{"c", "b", "a"}, noteIDs(r))
	assert.Empty(t, r.Images)
	assert.False(t, r.Loading())

	filters := transport.Filters()
	require.Len(t, filters, 1)
	assert.Equal(t, []int{domain.KindTextNote}, filters[0].Kinds)
	assert.Equal(t, []string{"madeira"}, filters[0].Tags[domain.TagKeyHashtag])
	assert.Equal(t, 50, filters[0].Limit)
	assert.Empty(t, filters[0].Authors)
}

func TestAppendOnlyAboveSortThreshold(t *testing.T) {
	transport := subscriptiontest.New(
		note("a", "alice", 10, "one"),
		note("b", "alice", 30, "two"),
		note("c", "alice", 20, "three"),
	)
	a := newAggregator(t, transport, nil, AggregatorOptions{Config: Config{SortThreshold: 2}})

	_, err := a.LoadFeed(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, noteIDs(waitReady(t, a)))
}

func TestTrustFilterRestrictsAuthors(t *testing.T) {
	transport := subscriptiontest.New(
		note("a", "alice", 10, "hi"),
		note("b", "mallory", 20, "spam"),
	)
	trust := staticTrust{{ID: "bob"}, {ID: "alice"}}
	a := newAggregator(t, transport, trust, AggregatorOptions{})

	_, err := a.LoadFeed(context.Background(), Options{MinTrustScore: intPtr(50)})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, noteIDs(waitReady(t, a)))
	assert.Equal(t, []string{"alice", "bob"}, transport.Filters()[0].Authors)
}

func TestEmptyTrustSetFailsOpen(t *testing.T) {
	transport := subscriptiontest.New(
		note("a", "alice", 10, "hi"),
		note("b", "mallory", 20, "hello"),
	)
	a := newAggregator(t, transport, staticTrust{}, AggregatorOptions{})

	_, err := a.LoadFeed(context.Background(), Options{MinTrustScore: intPtr(100)})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, noteIDs(waitReady(t, a)))
	assert.Empty(t, transport.Filters()[0].Authors)
}

func TestTrustFilterWithoutSource(t *testing.T) {
	a := newAggregator(t, subscriptiontest.New(), nil, AggregatorOptions{})
	_, err := a.LoadFeed(context.Background(), Options{MinTrustScore: intPtr(50)})
	assert.ErrorIs(t, err, ErrNoTrustSource)
}

func TestImagesOnly(t *testing.T) {
	transport := subscriptiontest.New(
		note("a", "alice", 10, "look https://img.example/a.png", "madeira"),
		note("b", "alice", 20, "no picture here", "madeira"),
		note("c", "bob", 30, "https://img.example/c.jpg nice", "madeira"),
	)
	tier := cache.New(nil, cache.Options{})
	a := newAggregator(t, transport, nil, AggregatorOptions{Cache: tier})

	_, err := a.LoadFeed(context.Background(), Options{Tag: "madeira", ImagesOnly: true})
	require.NoError(t, err)

	r := waitReady(t, a)
	assert.Equal(t, []string{"c", "a"}, noteIDs(r))
	require.Len(t, r.Images, 2)
	assert.Equal(t, "https://img.example/c.jpg", r.Images[0].ImageURL)
	assert.Equal(t, "https://img.example/a.png", r.Images[1].ImageURL)

	_, ok := tier.GetNote(context.Background(), "b")
	assert.True(t, ok, "notes without images are still cached")
	url, ok := tier.GetImageURL(context.Background(), "a")
	require.True(t, ok)
	assert.Equal(t, "https://img.example/a.png", url)
}

func TestWarmStartSeedsSeenSet(t *testing.T) {
	ctx := context.Background()
	tier := cache.New(nil, cache.Options{})
	tier.CacheNote(ctx, domain.Note{ID: "a", AuthorID: "alice", Body: "https://img.example/a.png", CreatedAt: 10,
		Tags: [][]string{{domain.TagKeyHashtag, "madeira"}}})

	transport := subscriptiontest.New(
		note("a", "alice", 10, "https://img.example/a.png", "madeira"),
		note("b", "alice", 20, "https://img.example/b.png", "madeira"),
	)
	transport.Hold = true
	a := newAggregator(t, transport, nil, AggregatorOptions{Cache: tier})

	r, err := a.LoadFeed(ctx, Options{Tag: "madeira", ImagesOnly: true})
	require.NoError(t, err)
	assert.Equal(t, StatusLoading, r.Status)
	assert.Contains(t, noteIDs(r), "a", "cached notes are available immediately")

	require.Eventually(t, func() bool { return len(a.Result().Notes) == 2 }, 5*time.Second, 5*time.Millisecond)
	r = a.Result()
	assert.Equal(t, []string{"b", "a"}, noteIDs(r))
	assert.Len(t, r.Images, 2)
}

func TestSameNoteFromTwoSourcesKeptOnce(t *testing.T) {
	for _, imagesOnly := range []bool{false, true} {
		t.Run(fmt.Sprintf("images_only=%t", imagesOnly), func(t *testing.T) {
			ctx := context.Background()
			tier := cache.New(nil, cache.Options{})
			tier.CacheNote(ctx, domain.Note{ID: "warm", AuthorID: "alice", Body: "https://img.example/warm.png", CreatedAt: 10,
				Tags: [][]string{{domain.TagKeyHashtag, "madeira"}}})

			transport := subscriptiontest.New()
			transport.Hold = true
			a := newAggregator(t, transport, nil, AggregatorOptions{Cache: tier})

			r, err := a.LoadFeed(ctx, Options{Tag: "madeira", ImagesOnly: imagesOnly})
			require.NoError(t, err)
			require.Equal(t, []string{"warm"}, noteIDs(r))

			// the cached note arrives again live, ahead of a new one
			warm := note("warm", "alice", 10, "https://img.example/warm.png", "madeira")
			live := note("live", "bob", 20, "https://img.example/live.png", "madeira")
			transport.Publish(warm)
			transport.Publish(live)
			require.Eventually(t, func() bool { return len(a.Result().Notes) == 2 }, 5*time.Second, 5*time.Millisecond)

			// a second stream of the same load delivering both again
			a.mu.Lock()
			gen := a.gen
			a.mu.Unlock()
			a.ingest(gen, live)
			a.ingest(gen, warm)

			r = a.Result()
			assert.Equal(t, []string{"live", "warm"}, noteIDs(r))
			if imagesOnly {
				require.Len(t, r.Images, 2)
				assert.Equal(t, "live", r.Images[0].ID)
				assert.Equal(t, "warm", r.Images[1].ID)
			} else {
				assert.Empty(t, r.Images)
			}
		})
	}
}

func TestLiveEventsAndLoadingTimer(t *testing.T) {
	clk := clock.NewManual(time.Unix(0, 0))
	transport := subscriptiontest.New()
	transport.Hold = true
	subs := subscription.NewManager(transport, subscription.ManagerOptions{Clock: clk})

	var mu sync.Mutex
	var updates []Result
	a := NewAggregator(subs, nil, AggregatorOptions{OnUpdate: func(r Result) {
		mu.Lock()
		updates = append(updates, r)
		mu.Unlock()
	}})
	defer a.Close()

	r, err := a.LoadFeed(context.Background(), Options{Tag: "madeira"})
	require.NoError(t, err)
	assert.True(t, r.Loading())

	transport.Publish(note("live", "alice", 5, "fresh", "madeira"))
	transport.Publish(note("live", "alice", 5, "fresh", "madeira"))
	require.Eventually(t, func() bool { return len(a.Result().Notes) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusLoading, a.Result().Status)

	clk.Advance(5 * time.Second)
	waitReady(t, a)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(updates) > 0 && updates[len(updates)-1].Status == StatusReady
	}, time.Second, 5*time.Millisecond)
}

func TestReloadDiscardsPreviousLoad(t *testing.T) {
	transport := subscriptiontest.New()
	transport.Hold = true
	a := newAggregator(t, transport, nil, AggregatorOptions{})
	ctx := context.Background()

	_, err := a.LoadFeed(ctx, Options{Tag: "old"})
	require.NoError(t, err)
	transport.Publish(note("o1", "alice", 1, "old one", "old"))
	require.Eventually(t, func() bool { return len(a.Result().Notes) == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = a.LoadFeed(ctx, Options{Tag: "new"})
	require.NoError(t, err)
	assert.Empty(t, a.Result().Notes, "results reset on reload")
	assert.Equal(t, 1, transport.OpenStreams())

	transport.Publish(note("o2", "alice", 2, "old two", "old"))
	transport.Publish(note("n1", "alice", 3, "new one", "new"))
	require.Eventually(t, func() bool { return len(a.Result().Notes) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"n1"}, noteIDs(a.Result()))

	opts, ok := a.Options()
	require.True(t, ok)
	assert.Equal(t, "new", opts.Tag)
}

func TestRefreshReusesOptions(t *testing.T) {
	transport := subscriptiontest.New(note("a", "alice", 1, "hi", "madeira"))
	a := newAggregator(t, transport, nil, AggregatorOptions{})

	_, err := a.LoadFeed(context.Background(), Options{Tag: "madeira", Limit: 7})
	require.NoError(t, err)
	waitReady(t, a)

	_, err = a.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, noteIDs(waitReady(t, a)))

	filters := transport.Filters()
	require.Len(t, filters, 2)
	assert.Equal(t, filters[0], filters[1])
}

func TestLoadFailure(t *testing.T) {
	transport := subscriptiontest.New()
	transport.Fail = func(domain.Filter) error { return errors.New("relays unreachable") }
	a := newAggregator(t, transport, nil, AggregatorOptions{})

	r, err := a.LoadFeed(context.Background(), Options{Tag: "madeira"})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, r.Status)
	assert.Contains(t, r.Error, "relays unreachable")
}

func TestLoadFailureWithCachedNotes(t *testing.T) {
	ctx := context.Background()
	tier := cache.New(nil, cache.Options{})
	tier.CacheNote(ctx, domain.Note{ID: "a", AuthorID: "alice", Body: "cached", CreatedAt: 1,
		Tags: [][]string{{domain.TagKeyHashtag, "madeira"}}})

	transport := subscriptiontest.New()
	transport.Fail = func(domain.Filter) error { return errors.New("relays unreachable") }
	a := newAggregator(t, transport, nil, AggregatorOptions{Cache: tier})

	r, err := a.LoadFeed(ctx, Options{Tag: "madeira"})
	require.NoError(t, err)
	assert.Equal(t, StatusReady, r.Status)
	assert.Empty(t, r.Error)
	assert.Equal(t, []string{"a"}, noteIDs(r))
}

func TestClose(t *testing.T) {
	transport := subscriptiontest.New()
	transport.Hold = true
	a := newAggregator(t, transport, nil, AggregatorOptions{})

	_, err := a.LoadFeed(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, transport.OpenStreams())

	a.Close()
	a.Close()
	require.Eventually(t, func() bool { return transport.OpenStreams() == 0 }, time.Second, 5*time.Millisecond)

	_, err = a.LoadFeed(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrClosed)
}
