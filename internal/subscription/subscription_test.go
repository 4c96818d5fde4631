package subscription_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"communityhub/internal/clock"
	"communityhub/internal/domain"
	"communityhub/internal/subscription"
	"communityhub/internal/subscription/subscriptiontest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textNote(id, author string) domain.RawEvent {
	return domain.RawEvent{ID: id, Author: author, Kind: domain.KindTextNote, Content: id}
}

func drain(ch <-chan domain.RawEvent) []string {
	var ids []string
	for ev := range ch {
		ids = append(ids, ev.ID)
	}
	return ids
}

func TestOpenDeliversAndCompletes(t *testing.T) {
	transport := subscriptiontest.New(textNote("a", "x"), textNote("b", "x"), textNote("c", "y"))
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	h, err := m.Open(context.Background(), domain.Filter{Kinds: []int{1}, Authors: []string{"x"}}, subscription.Options{
		MaxLifetime:     time.Minute,
		CloseOnComplete: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, h.ID())

	assert.Equal(t, []string{"a", "b"}, drain(h.Events()))
	<-h.Done()
	assert.Equal(t, subscription.ReasonCompleted, h.Reason())
	assert.Zero(t, transport.OpenStreams())
}

func TestHandleDedupsByID(t *testing.T) {
	transport := subscriptiontest.New(textNote("a", "x"), textNote("a", "x"), textNote("b", "x"))
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	h, err := m.Open(context.Background(), domain.Filter{Kinds: []int{1}}, subscription.Options{CloseOnComplete: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, drain(h.Events()))
}

func TestHandleExpires(t *testing.T) {
	transport := subscriptiontest.New()
	transport.Hold = true
	clk := clock.NewManual(time.Unix(0, 0))
	m := subscription.NewManager(transport, subscription.ManagerOptions{Clock: clk})

	h, err := m.Open(context.Background(), domain.Filter{Kinds: []int{1}}, subscription.Options{MaxLifetime: 20 * time.Second})
	require.NoError(t, err)

	clk.Advance(19 * time.Second)
	select {
	case <-h.Done():
		t.Fatal("expired early")
	default:
	}

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return h.Reason() == subscription.ReasonExpired }, time.Second, time.Millisecond)
	assert.Empty(t, drain(h.Events()))
	assert.Equal(t, 1, transport.Stopped())

	// closing after expiry is a no-op
	assert.NotPanics(t, func() {
		h.Close()
		h.Close()
	})
	assert.Equal(t, subscription.ReasonExpired, h.Reason())
	assert.Equal(t, 1, transport.Stopped())
}

func TestCloseIsIdempotentAndConcurrent(t *testing.T) {
	transport := subscriptiontest.New()
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	h, err := m.Open(context.Background(), domain.Filter{Kinds: []int{1}}, subscription.Options{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Close()
		}()
	}
	wg.Wait()

	assert.Equal(t, subscription.ReasonClosed, h.Reason())
	assert.Equal(t, 1, transport.Stopped())
	assert.Empty(t, drain(h.Events()))
}

func TestContextCancelEndsHandle(t *testing.T) {
	transport := subscriptiontest.New()
	m := subscription.NewManager(transport, subscription.ManagerOptions{})
	ctx, cancel := context.WithCancel(context.Background())

	h, err := m.Open(ctx, domain.Filter{Kinds: []int{1}}, subscription.Options{})
	require.NoError(t, err)
	cancel()

	<-h.Done()
	assert.Equal(t, subscription.ReasonCancelled, h.Reason())
}

func TestOpenFailure(t *testing.T) {
	transport := subscriptiontest.New()
	boom := errors.New("no relays")
	transport.Fail = func(domain.Filter) error { return boom }
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	_, err := m.Open(context.Background(), domain.Filter{}, subscription.Options{})
	assert.True(t, errors.Is(err, boom))
}

func TestMerge(t *testing.T) {
	transport := subscriptiontest.New(textNote("a", "x"), textNote("b", "y"))
	m := subscription.NewManager(transport, subscription.ManagerOptions{})
	opts := subscription.Options{CloseOnComplete: true}

	h1, err := m.Open(context.Background(), domain.Filter{Authors: []string{"x"}}, opts)
	require.NoError(t, err)
	h2, err := m.Open(context.Background(), domain.Filter{Authors: []string{"y"}}, opts)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, drain(subscription.Merge(h1, h2, nil)))
}

func TestMergeDeliversAfterCompletion(t *testing.T) {
	for run := 0; run < 50; run++ {
		transport := subscriptiontest.New(textNote("a", "x"), textNote("b", "y"))
		m := subscription.NewManager(transport, subscription.ManagerOptions{})
		opts := subscription.Options{CloseOnComplete: true}

		h1, err := m.Open(context.Background(), domain.Filter{Authors: []string{"x"}}, opts)
		require.NoError(t, err)
		h2, err := m.Open(context.Background(), domain.Filter{Authors: []string{"y"}}, opts)
		require.NoError(t, err)
		merged := subscription.Merge(h1, h2)

		// both handles complete while their only event waits on a busy reader
		<-h1.Done()
		<-h2.Done()
		time.Sleep(time.Millisecond)

		require.ElementsMatch(t, []string{"a", "b"}, drain(merged), "run %d", run)
		assert.Equal(t, subscription.ReasonCompleted, h1.Reason())
	}
}

func TestMergeReleasedByCloseAfterCompletion(t *testing.T) {
	transport := subscriptiontest.New(textNote("a", "x"))
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	h, err := m.Open(context.Background(), domain.Filter{Authors: []string{"x"}}, subscription.Options{CloseOnComplete: true})
	require.NoError(t, err)
	merged := subscription.Merge(h)
	<-h.Done()

	h.Close()
	assert.Equal(t, subscription.ReasonCompleted, h.Reason(), "Close keeps the first reason")
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-merged:
			return !ok
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestMergeStopsOnClose(t *testing.T) {
	transport := subscriptiontest.New()
	transport.Hold = true
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	h, err := m.Open(context.Background(), domain.Filter{Kinds: []int{1}}, subscription.Options{})
	require.NoError(t, err)
	merged := subscription.Merge(h)

	subscription.CloseAll([]*subscription.Handle{h})
	assert.Empty(t, drain(merged))
}

func TestChunk(t *testing.T) {
	ids := make([]domain.ProfileID, 120)
	for i := range ids {
		ids[i] = fmt.Sprintf("id%03d", i)
	}

	chunks := subscription.Chunk(ids, 50)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 50)
	assert.Len(t, chunks[1], 50)
	assert.Len(t, chunks[2], 20)
	assert.Equal(t, "id100", chunks[2][0])

	assert.Empty(t, subscription.Chunk(nil, 50))
	assert.Len(t, subscription.Chunk(ids, 0), 3, "non-positive size uses the default")
}

func TestFetchBatched(t *testing.T) {
	authors := make([]domain.ProfileID, 0, 120)
	var stored []domain.RawEvent
	for i := 0; i < 120; i++ {
		id := fmt.Sprintf("author%03d", i)
		authors = append(authors, id)
		stored = append(stored, domain.RawEvent{ID: "p" + id, Author: id, Kind: domain.KindProfileMetadata, Content: "{}"})
	}
	transport := subscriptiontest.New(stored...)
	clk := clock.NewManual(time.Unix(0, 0))
	m := subscription.NewManager(transport, subscription.ManagerOptions{Clock: clk})

	var got []string
	done := make(chan error, 1)
	go func() {
		done <- m.FetchBatched(context.Background(), domain.Filter{Kinds: []int{0}}, authors, subscription.BatchOptions{
			Size:            50,
			Settle:          3 * time.Second,
			CloseOnComplete: true,
		}, func(ev domain.RawEvent) {
			got = append(got, ev.Author)
		})
	}()

	// each completed batch still waits out the settle before the next opens
	for batch := 1; batch < 3; batch++ {
		require.Eventually(t, func() bool {
			return len(transport.Filters()) == batch && transport.OpenStreams() == 0 && clk.Waiters() >= 2
		}, time.Second, time.Millisecond)
		assert.Never(t, func() bool { return len(transport.Filters()) > batch }, 30*time.Millisecond, time.Millisecond,
			"batch %d opened before the clock advanced", batch+1)
		clk.Advance(3 * time.Second)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FetchBatched did not return")
	}
	assert.Len(t, got, 120)

	filters := transport.Filters()
	require.Len(t, filters, 3)
	assert.Len(t, filters[0].Authors, 50)
	assert.Len(t, filters[2].Authors, 20)
	assert.Zero(t, transport.OpenStreams(), "every batch is closed before returning")
}

func TestFetchBatchedWaitHonoursContext(t *testing.T) {
	transport := subscriptiontest.New()
	clk := clock.NewManual(time.Unix(0, 0))
	m := subscription.NewManager(transport, subscription.ManagerOptions{Clock: clk})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.FetchBatched(ctx, domain.Filter{Kinds: []int{0}}, []domain.ProfileID{"a", "b"}, subscription.BatchOptions{
			Size: 1, Settle: time.Hour, CloseOnComplete: true,
		}, func(domain.RawEvent) {})
	}()

	require.Eventually(t, func() bool {
		return len(transport.Filters()) == 1 && clk.Waiters() >= 2
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("FetchBatched did not return after cancel")
	}
	assert.Len(t, transport.Filters(), 1)
}

func TestFetchBatchedSettleTimeout(t *testing.T) {
	transport := subscriptiontest.New()
	transport.Hold = true
	clk := clock.NewManual(time.Unix(0, 0))
	m := subscription.NewManager(transport, subscription.ManagerOptions{Clock: clk})

	authors := []domain.ProfileID{"a", "b", "c"}
	done := make(chan error, 1)
	go func() {
		done <- m.FetchBatched(context.Background(), domain.Filter{Kinds: []int{0}}, authors, subscription.BatchOptions{
			Size:   2,
			Settle: 3 * time.Second,
		}, func(domain.RawEvent) {})
	}()

	// two batches, each waiting on its own settle timer
	for batch := 0; batch < 2; batch++ {
		require.Eventually(t, func() bool {
			return len(transport.Filters()) == batch+1 && clk.Waiters() >= 2
		}, time.Second, time.Millisecond)
		assert.Equal(t, 1, transport.OpenStreams(), "one batch in flight")
		clk.Advance(3 * time.Second)
	}

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("FetchBatched did not return")
	}
	assert.Zero(t, transport.OpenStreams())
}

func TestFetchBatchedErrors(t *testing.T) {
	transport := subscriptiontest.New()
	boom := errors.New("relay down")
	calls := 0
	transport.Fail = func(domain.Filter) error {
		calls++
		if calls == 1 {
			return boom
		}
		return nil
	}
	m := subscription.NewManager(transport, subscription.ManagerOptions{})

	err := m.FetchBatched(context.Background(), domain.Filter{Kinds: []int{0}}, []domain.ProfileID{"a", "b"}, subscription.BatchOptions{
		Size: 1, Settle: time.Minute, CloseOnComplete: true,
	}, func(domain.RawEvent) {})
	assert.True(t, errors.Is(err, boom))
	assert.Len(t, transport.Filters(), 1, "second batch still ran")

	err = m.FetchBatched(context.Background(), domain.Filter{}, nil, subscription.BatchOptions{}, func(domain.RawEvent) {})
	assert.True(t, errors.Is(err, subscription.ErrNoAuthors))
}
