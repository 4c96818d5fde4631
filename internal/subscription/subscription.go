// Package subscription wraps the relay transport with bounded-lifetime
// handles, per-handle dedup, fan-in and batched fetches.
//
// Every handle terminates: when its stream completes, when MaxLifetime
// elapses, when its context ends, or when Close is called, whichever comes
// first. Close may be called any number of times from any goroutine.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"communityhub/internal/clock"
	"communityhub/internal/domain"
	"communityhub/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscribeOptions are passed through to the transport
type SubscribeOptions struct {
	// CloseOnComplete asks the transport to end the stream once every source
	// has sent its stored events
	CloseOnComplete bool
}

// Stream is a live transport subscription. Events is closed when the stream
// completes or is stopped.
type Stream interface {
	Events() <-chan domain.RawEvent
	Stop()
}

// Transport opens streams
type Transport interface {
	Subscribe(ctx context.Context, filter domain.Filter, opts SubscribeOptions) (Stream, error)
}

// CloseReason records why a handle ended
type CloseReason string

const (
	ReasonOpen      CloseReason = ""
	ReasonClosed    CloseReason = "closed"
	ReasonCompleted CloseReason = "completed"
	ReasonExpired   CloseReason = "expired"
	ReasonCancelled CloseReason = "cancelled"
)

// DefaultLifetime bounds handles opened without an explicit MaxLifetime
const DefaultLifetime = 30 * time.Second

// Options configure one handle
type Options struct {
	MaxLifetime     time.Duration
	CloseOnComplete bool
}

// ManagerOptions configure a Manager
type ManagerOptions struct {
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
}

// Manager opens handles over a transport
type Manager struct {
	transport Transport
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
}

// NewManager creates a manager over transport
func NewManager(transport Transport, opts ManagerOptions) *Manager {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Manager{
		transport: transport,
		clock:     opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}
}

// Clock returns the manager's time source
func (m *Manager) Clock() clock.Clock {
	return m.clock
}

// Handle is one open subscription
type Handle struct {
	id      string
	filter  domain.Filter
	stream  Stream
	events  chan domain.RawEvent
	done    chan struct{}
	stopped chan struct{}
	logger  *zap.Logger
	metrics *metrics.Collector

	once     sync.Once
	stopOnce sync.Once
	mu       sync.Mutex
	timer    clock.Timer
	reason   CloseReason
}

// Open subscribes to filter. The handle's events arrive on Events until the
// handle ends for any reason.
func (m *Manager) Open(ctx context.Context, filter domain.Filter, opts Options) (*Handle, error) {
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultLifetime
	}

	stream, err := m.transport.Subscribe(ctx, filter, SubscribeOptions{CloseOnComplete: opts.CloseOnComplete})
	if err != nil {
		return nil, fmt.Errorf("failed to open subscription: %w", err)
	}

	h := &Handle{
		id:      uuid.NewString(),
		filter:  filter,
		stream:  stream,
		events:  make(chan domain.RawEvent),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
		metrics: m.metrics,
	}
	h.logger = m.logger.With(zap.String("subscription", h.id))
	m.metrics.SubscriptionOpened()

	h.mu.Lock()
	h.timer = m.clock.AfterFunc(opts.MaxLifetime, func() { h.finish(ReasonExpired) })
	h.mu.Unlock()
	go h.pump(ctx)

	h.logger.Debug("subscription opened",
		zap.Ints("kinds", filter.Kinds),
		zap.Int("authors", len(filter.Authors)),
		zap.Duration("lifetime", opts.MaxLifetime))
	return h, nil
}

// pump is the only sender on h.events
func (h *Handle) pump(ctx context.Context) {
	defer close(h.events)

	seen := make(map[string]struct{})
	src := h.stream.Events()
	for {
		select {
		case <-h.done:
			return
		case <-ctx.Done():
			h.finish(ReasonCancelled)
			return
		case ev, ok := <-src:
			if !ok {
				h.finish(ReasonCompleted)
				return
			}
			if _, dup := seen[ev.ID]; dup {
				h.metrics.EventDropped("subscription", "duplicate")
				continue
			}
			seen[ev.ID] = struct{}{}

			select {
			case h.events <- ev:
			case <-h.done:
				return
			case <-ctx.Done():
				h.finish(ReasonCancelled)
				return
			}
		}
	}
}

func (h *Handle) finish(reason CloseReason) {
	if reason != ReasonCompleted {
		h.stop()
	}
	h.once.Do(func() {
		h.mu.Lock()
		h.reason = reason
		timer := h.timer
		h.mu.Unlock()

		if timer != nil {
			timer.Stop()
		}
		h.stream.Stop()
		close(h.done)
		h.metrics.SubscriptionClosed()
		h.logger.Debug("subscription ended", zap.String("reason", string(reason)))
	})
}

// stop releases readers still holding an undelivered event. Completion
// leaves it open so those events are still forwarded.
func (h *Handle) stop() {
	h.stopOnce.Do(func() { close(h.stopped) })
}

// ID returns the handle's unique id
func (h *Handle) ID() string { return h.id }

// Filter returns the filter the handle was opened with
func (h *Handle) Filter() domain.Filter { return h.filter }

// Events delivers deduplicated events. It is closed after the handle ends.
func (h *Handle) Events() <-chan domain.RawEvent { return h.events }

// Done is closed when the handle ends
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close ends the handle. After completion it only releases Merge readers.
// Calling it again does nothing.
func (h *Handle) Close() { h.finish(ReasonClosed) }

// Reason reports why the handle ended, or ReasonOpen while it is live
func (h *Handle) Reason() CloseReason {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Merge fans the events of every handle into one channel, closed once all
// handles' event channels are closed. Events of a completed handle are
// forwarded until the reader takes them; a handle that is closed, expires or
// is cancelled stops forwarding at once.
func Merge(handles ...*Handle) <-chan domain.RawEvent {
	out := make(chan domain.RawEvent)
	var wg sync.WaitGroup
	for _, h := range handles {
		if h == nil {
			continue
		}
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			for ev := range h.Events() {
				select {
				case out <- ev:
				case <-h.stopped:
					return
				}
			}
		}(h)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// CloseAll closes every handle
func CloseAll(handles []*Handle) {
	for _, h := range handles {
		if h != nil {
			h.Close()
		}
	}
}

// DefaultBatchSize is the number of authors per batched request
const DefaultBatchSize = 50

// BatchOptions control FetchBatched
type BatchOptions struct {
	Size int
	// Settle is how long each batch collects events before it is closed
	Settle time.Duration
	// Lifetime bounds each batch handle; defaults to Settle
	Lifetime        time.Duration
	CloseOnComplete bool
}

// ErrNoAuthors is returned by FetchBatched for an empty author list
var ErrNoAuthors = errors.New("no authors to fetch")

// FetchBatched requests base for authors in chunks of opts.Size, one chunk
// at a time. Each chunk collects events for opts.Settle, or until its stream
// completes, then is closed. The next chunk opens no sooner than opts.Settle
// after the previous one opened. fn runs on the caller's
// goroutine. Chunks that fail to open are skipped; their errors are joined
// into the returned error.
func (m *Manager) FetchBatched(ctx context.Context, base domain.Filter, authors []domain.ProfileID, opts BatchOptions, fn func(domain.RawEvent)) error {
	if len(authors) == 0 {
		return ErrNoAuthors
	}
	if opts.Size <= 0 {
		opts.Size = DefaultBatchSize
	}
	if opts.Lifetime <= 0 {
		opts.Lifetime = opts.Settle
	}

	var errs []error
	batches := Chunk(authors, opts.Size)
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		m.logger.Debug("fetching batch", zap.Int("batch", i+1), zap.Int("authors", len(batch)))
		started := m.clock.Now()
		h, err := m.Open(ctx, base.WithAuthors(batch), Options{
			MaxLifetime:     opts.Lifetime,
			CloseOnComplete: opts.CloseOnComplete,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("batch %d: %w", i+1, err))
			continue
		}
		Collect(ctx, m.clock, h.Events(), opts.Settle, fn)
		h.Close()

		if i < len(batches)-1 {
			m.wait(ctx, opts.Settle-m.clock.Now().Sub(started))
		}
	}
	return errors.Join(errs...)
}

// wait blocks for d on the manager's clock or until ctx ends
func (m *Manager) wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-m.clock.After(d):
	case <-ctx.Done():
	}
}

// Collect calls fn for events from ch until ch closes, settle elapses or ctx
// ends. It reports whether ch was drained to completion.
func Collect(ctx context.Context, c clock.Clock, ch <-chan domain.RawEvent, settle time.Duration, fn func(domain.RawEvent)) bool {
	timeout := c.After(settle)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return true
			}
			fn(ev)
		case <-timeout:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Chunk splits ids into consecutive slices of at most size elements
func Chunk(ids []domain.ProfileID, size int) [][]domain.ProfileID {
	if size <= 0 {
		size = DefaultBatchSize
	}
	chunks := make([][]domain.ProfileID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
