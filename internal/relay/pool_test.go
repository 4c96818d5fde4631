package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"communityhub/internal/domain"
	"communityhub/internal/subscription"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay answers every REQ with its stored events followed by EOSE
type fakeRelay struct {
	server *httptest.Server
	events []domain.RawEvent

	mu     sync.Mutex
	closed []string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newFakeRelay(t *testing.T, events ...domain.RawEvent) *fakeRelay {
	t.Helper()
	r := &fakeRelay{events: events}
	r.server = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.server.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.server.URL, "http")
}

func (r *fakeRelay) closedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		var frame []json.RawMessage
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		var label, subID string
		if len(frame) < 2 || json.Unmarshal(frame[0], &label) != nil || json.Unmarshal(frame[1], &subID) != nil {
			continue
		}

		switch label {
		case "REQ":
			conn.WriteJSON([]any{"NOTICE", "hello"})
			for _, ev := range r.events {
				conn.WriteJSON([]any{"EVENT", subID, ev})
			}
			conn.WriteJSON([]any{"EOSE", subID})
		case "CLOSE":
			r.mu.Lock()
			r.closed = append(r.closed, subID)
			r.mu.Unlock()
		}
	}
}

func collect(t *testing.T, s subscription.Stream) []string {
	t.Helper()
	var ids []string
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return ids
			}
			ids = append(ids, ev.ID)
		case <-timeout:
			t.Fatal("stream did not complete")
		}
	}
}

func TestPoolSubscribeCompletesOnEOSE(t *testing.T) {
	r1 := newFakeRelay(t, domain.RawEvent{ID: "a", Author: "x", Kind: 1})
	r2 := newFakeRelay(t, domain.RawEvent{ID: "b", Author: "y", Kind: 1}, domain.RawEvent{ID: "a", Author: "x", Kind: 1})

	pool := NewPool([]string{r1.url(), r2.url()}, Options{})
	require.NoError(t, pool.Connect(context.Background()))
	defer pool.Close()
	assert.Len(t, pool.Connected(), 2)

	s, err := pool.Subscribe(context.Background(), domain.Filter{Kinds: []int{1}}, subscription.SubscribeOptions{CloseOnComplete: true})
	require.NoError(t, err)

	ids := collect(t, s)
	assert.ElementsMatch(t, []string{"a", "b", "a"}, ids, "the pool does not dedup; handles do")

	require.Eventually(t, func() bool {
		return len(r1.closedIDs()) == 1 && len(r2.closedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPoolStopSendsClose(t *testing.T) {
	r := newFakeRelay(t)
	pool := NewPool([]string{r.url()}, Options{})
	require.NoError(t, pool.Connect(context.Background()))
	defer pool.Close()

	s, err := pool.Subscribe(context.Background(), domain.Filter{Kinds: []int{3}}, subscription.SubscribeOptions{})
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.Empty(t, collect(t, s))
	require.Eventually(t, func() bool { return len(r.closedIDs()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPoolPartialConnect(t *testing.T) {
	r := newFakeRelay(t)
	pool := NewPool([]string{r.url(), "ws://127.0.0.1:1"}, Options{DialTimeout: time.Second})
	require.NoError(t, pool.Connect(context.Background()))
	defer pool.Close()
	assert.Equal(t, []string{r.url()}, pool.Connected())
}

func TestPoolNoRelays(t *testing.T) {
	pool := NewPool([]string{"ws://127.0.0.1:1"}, Options{DialTimeout: time.Second})
	err := pool.Connect(context.Background())
	assert.True(t, errors.Is(err, ErrNoRelays))

	_, err = pool.Subscribe(context.Background(), domain.Filter{}, subscription.SubscribeOptions{})
	assert.True(t, errors.Is(err, ErrNotConnected))
}

func TestSubscriptionIDsAreUnique(t *testing.T) {
	pool := NewPool(nil, Options{})
	f := domain.Filter{Kinds: []int{0}, Authors: []string{"a"}}
	id1 := pool.subscriptionID(f)
	id2 := pool.subscriptionID(f)
	assert.NotEqual(t, id1, id2)
	assert.Equal(t, strings.Split(id1, "-")[0], strings.Split(id2, "-")[0], "same filter, same fingerprint")
	assert.LessOrEqual(t, len(id1), 64)
}
