package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"communityhub/internal/cache"
	"communityhub/internal/config"
	"communityhub/internal/domain"
	"communityhub/internal/subscription/subscriptiontest"
	"communityhub/internal/wot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTransport struct {
	*subscriptiontest.Transport
	relays []string

	mu     sync.Mutex
	closed bool
}

func (f *fakeTransport) Connected() []string { return f.relays }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type fakeConnector struct {
	mu     sync.Mutex
	events []domain.RawEvent
	opened []*fakeTransport
	err    error
}

func (c *fakeConnector) connect(ctx context.Context, relays []string, logger *zap.Logger) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	t := &fakeTransport{Transport: subscriptiontest.New(c.events...), relays: relays}
	c.opened = append(c.opened, t)
	return t, nil
}

func (c *fakeConnector) transports() []*fakeTransport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*fakeTransport(nil), c.opened...)
}

func testEvents() []domain.RawEvent {
	return []domain.RawEvent{
		{ID: "p-alice", Author: "alice", Kind: domain.KindProfileMetadata, Content: `{"name":"Alice"}`, CreatedAt: 5},
		{ID: "f-alice", Author: "alice", Kind: domain.KindFollowList, CreatedAt: 5,
			Tags: [][]string{{domain.TagKeyPubkey, "bob"}}},
		{ID: "f-bob", Author: "bob", Kind: domain.KindFollowList, CreatedAt: 5,
			Tags: [][]string{{domain.TagKeyPubkey, "alice"}}},
		{ID: "n-1", Author: "alice", Kind: domain.KindTextNote, CreatedAt: 20,
			Content: "levada walk https://img.example/levada.jpg",
			Tags:    [][]string{{domain.TagKeyHashtag, "madeira"}}},
	}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Relays = []string{"wss://relay.example"}
	cfg.Seeds = []string{"alice"}
	settle := config.Duration(50 * time.Millisecond)
	cfg.Discovery.SeedProfileSettle = settle
	cfg.Discovery.FollowSettle = settle
	cfg.Discovery.ProfileBatchSettle = settle
	cfg.Discovery.MutualSettle = settle
	cfg.Feed.LoadingTimeout = settle
	return cfg
}

func newTestService(t *testing.T, conn *fakeConnector) (*CommunityService, *EventBus) {
	t.Helper()
	bus := NewEventBus()
	svc := NewCommunityService(cache.New(nil, cache.Options{}), bus, Options{Connect: conn.connect})
	t.Cleanup(svc.Close)
	return svc, bus
}

func waitReady(t *testing.T, svc *CommunityService) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.WaitReady(ctx))
}

func waitFeedLoaded(t *testing.T, svc *CommunityService) {
	t.Helper()
	require.Eventually(t, func() bool {
		sess, err := svc.current()
		if err != nil {
			return false
		}
		_, loaded := sess.feed.Options()
		return loaded
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	ch := make(chan Event, 1)
	unsubscribe := bus.Subscribe(ch)

	bus.Publish(Event{Type: EventCacheCleared})
	bus.Publish(Event{Type: EventFeedUpdated}) // dropped: buffer full
	assert.Equal(t, EventCacheCleared, (<-ch).Type)

	unsubscribe()
	unsubscribe()
	bus.Publish(Event{Type: EventWoTReady})
	assert.Empty(t, ch)

	var nilBus *EventBus
	assert.NotPanics(t, func() { nilBus.Publish(Event{Type: EventWoTReady}) })
}

func TestNotStarted(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{})

	_, err := svc.Graph(0, "")
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.Status(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = svc.Feed()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, svc.WaitReady(context.Background()), ErrNotStarted)
	assert.Equal(t, 12, svc.PageSize())
}

func TestStartBuildsGraphAndFeed(t *testing.T) {
	conn := &fakeConnector{events: testEvents()}
	svc, bus := newTestService(t, conn)
	events := make(chan Event, 64)
	defer bus.Subscribe(events)()

	require.NoError(t, svc.Start(context.Background(), testConfig()))
	waitReady(t, svc)

	g, err := svc.Graph(0, "")
	require.NoError(t, err)
	require.Len(t, g.Nodes, 2)
	assert.Equal(t, 100, g.Nodes["alice"].TrustScore)
	edge, ok := g.Edge("alice", "bob")
	require.True(t, ok)
	assert.Equal(t, domain.EdgeKindMutual, edge.Kind)

	trusted, err := svc.TrustedProfiles(50)
	require.NoError(t, err)
	require.Len(t, trusted, 1)
	assert.Equal(t, domain.ProfileID("alice"), trusted[0].ID)

	require.Eventually(t, func() bool {
		r, err := svc.Feed()
		return err == nil && len(r.Images) == 1
	}, 5*time.Second, 10*time.Millisecond)
	r, _ := svc.Feed()
	assert.Equal(t, "https://img.example/levada.jpg", r.Images[0].ImageURL)

	seen := map[EventType]bool{}
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				seen[ev.Type] = true
			default:
				return seen[EventSessionStarted] && seen[EventWoTProgress] && seen[EventWoTReady] && seen[EventFeedUpdated]
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStatus(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{events: testEvents()})
	require.NoError(t, svc.Start(context.Background(), testConfig()))
	waitReady(t, svc)

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, st.Session)
	assert.Equal(t, []string{"wss://relay.example"}, st.Relays)
	assert.Equal(t, wot.PhaseReady, st.Phase)
	assert.False(t, st.Loading)
	assert.Equal(t, 2, st.Nodes)
	assert.Contains(t, st.Cache, cache.KindProfiles)
}

func TestReloadReplacesSession(t *testing.T) {
	conn := &fakeConnector{events: testEvents()}
	svc, _ := newTestService(t, conn)
	require.NoError(t, svc.Start(context.Background(), testConfig()))
	waitReady(t, svc)
	first, _ := svc.Status(context.Background())

	cfg := testConfig()
	cfg.Relays = []string{"wss://other.example"}
	require.NoError(t, svc.Reload(context.Background(), cfg))
	waitReady(t, svc)

	second, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, first.Session, second.Session)
	assert.Equal(t, []string{"wss://other.example"}, second.Relays)

	opened := conn.transports()
	require.Len(t, opened, 2)
	assert.True(t, opened[0].isClosed())
	assert.False(t, opened[1].isClosed())
}

func TestReloadConnectFailureKeepsSession(t *testing.T) {
	conn := &fakeConnector{events: testEvents()}
	svc, _ := newTestService(t, conn)
	require.NoError(t, svc.Start(context.Background(), testConfig()))
	waitReady(t, svc)

	conn.mu.Lock()
	conn.err = errors.New("no relays reachable")
	conn.mu.Unlock()

	err := svc.Reload(context.Background(), testConfig())
	require.Error(t, err)

	_, err = svc.Graph(0, "")
	assert.NoError(t, err)
	assert.False(t, conn.transports()[0].isClosed())
}

func TestCloseStopsService(t *testing.T) {
	conn := &fakeConnector{events: testEvents()}
	svc, _ := newTestService(t, conn)
	require.NoError(t, svc.Start(context.Background(), testConfig()))

	svc.Close()
	assert.True(t, conn.transports()[0].isClosed())
	assert.ErrorIs(t, svc.Reload(context.Background(), testConfig()), ErrClosed)
	_, err := svc.Graph(0, "")
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestProfileFallsBackToCache(t *testing.T) {
	conn := &fakeConnector{events: testEvents()}
	svc, _ := newTestService(t, conn)
	ctx := context.Background()

	svc.tier.CacheProfile(ctx, domain.Profile{ID: "dave", Name: "Dave", UpdatedAt: 1})
	p, err := svc.Profile(ctx, "dave")
	require.NoError(t, err)
	assert.Equal(t, "Dave", p.Profile.Name)

	_, err = svc.Profile(ctx, "nobody")
	assert.ErrorIs(t, err, ErrProfileNotFound)

	require.NoError(t, svc.Start(ctx, testConfig()))
	waitReady(t, svc)
	p, err = svc.Profile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, p.IsSeed)
	assert.Equal(t, "Alice", p.Profile.Name)
}

func TestClearCache(t *testing.T) {
	svc, bus := newTestService(t, &fakeConnector{})
	events := make(chan Event, 4)
	defer bus.Subscribe(events)()
	ctx := context.Background()

	svc.tier.CacheProfile(ctx, domain.Profile{ID: "dave", Name: "Dave", UpdatedAt: 1})
	require.NoError(t, svc.ClearCache(ctx, "profiles"))
	_, ok := svc.tier.GetProfile(ctx, "dave")
	assert.False(t, ok)

	ev := <-events
	assert.Equal(t, EventCacheCleared, ev.Type)
	assert.Equal(t, map[string]string{"kind": "profiles"}, ev.Payload)

	require.NoError(t, svc.ClearCache(ctx, ""))
	assert.Equal(t, map[string]string{"kind": "all"}, (<-events).Payload)

	assert.Error(t, svc.ClearCache(ctx, "bogus"))
}

func TestExport(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{events: testEvents()})

	var buf bytes.Buffer
	assert.ErrorIs(t, svc.Export("xml", &buf), ErrUnsupportedFormat)
	assert.ErrorIs(t, svc.Export("json", &buf), ErrNotStarted)

	require.NoError(t, svc.Start(context.Background(), testConfig()))
	waitReady(t, svc)

	require.NoError(t, svc.Export("json", &buf))
	var out map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	assert.Contains(t, out, "nodes")

	buf.Reset()
	require.NoError(t, svc.Export("yaml", &buf))
	assert.Contains(t, buf.String(), "alice")
}

func TestRefreshFeedUsesConfiguredDefaults(t *testing.T) {
	svc, _ := newTestService(t, &fakeConnector{events: testEvents()})
	require.NoError(t, svc.Start(context.Background(), testConfig()))
	waitReady(t, svc)
	waitFeedLoaded(t, svc)

	opts, err := svc.FeedOptions()
	require.NoError(t, err)
	assert.Equal(t, "madeira", opts.Tag)

	opts.Tag = "funchal"
	opts.ImagesOnly = false
	_, err = svc.LoadFeed(context.Background(), opts)
	require.NoError(t, err)

	_, err = svc.RefreshFeed(context.Background())
	require.NoError(t, err)
	got, _ := svc.FeedOptions()
	assert.Equal(t, "funchal", got.Tag)
}
