// Package subscriptiontest provides an in-memory Transport for tests
package subscriptiontest

import (
	"context"
	"strings"
	"sync"

	"communityhub/internal/domain"
	"communityhub/internal/subscription"
)

// Transport serves stored events to matching subscriptions. Streams opened
// with CloseOnComplete end after the stored events unless Hold is set; other
// streams stay open and receive events passed to Publish.
type Transport struct {
	mu      sync.Mutex
	stored  []domain.RawEvent
	streams map[*stream]struct{}
	filters []domain.Filter
	stopped int

	// Hold keeps every stream open until stopped
	Hold bool
	// Fail, when set, rejects subscriptions for which it returns an error
	Fail func(domain.Filter) error
}

var _ subscription.Transport = (*Transport)(nil)

// New creates a transport holding events
func New(events ...domain.RawEvent) *Transport {
	return &Transport{
		stored:  append([]domain.RawEvent(nil), events...),
		streams: make(map[*stream]struct{}),
	}
}

// Store adds events served to subscriptions opened afterwards
func (t *Transport) Store(events ...domain.RawEvent) {
	t.mu.Lock()
	t.stored = append(t.stored, events...)
	t.mu.Unlock()
}

// Publish delivers ev to every open live stream whose filter matches
func (t *Transport) Publish(ev domain.RawEvent) {
	t.mu.Lock()
	targets := make([]*stream, 0, len(t.streams))
	for s := range t.streams {
		if !s.complete && Matches(s.filter, ev) {
			targets = append(targets, s)
		}
	}
	t.mu.Unlock()

	for _, s := range targets {
		select {
		case s.live <- ev:
		case <-s.stop:
		}
	}
}

// Filters returns every filter subscribed so far
func (t *Transport) Filters() []domain.Filter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.Filter(nil), t.filters...)
}

// OpenStreams returns the number of streams not yet stopped
func (t *Transport) OpenStreams() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.streams)
}

// Stopped returns the number of Stop calls that ended a stream
func (t *Transport) Stopped() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Subscribe implements subscription.Transport
func (t *Transport) Subscribe(ctx context.Context, filter domain.Filter, opts subscription.SubscribeOptions) (subscription.Stream, error) {
	if t.Fail != nil {
		if err := t.Fail(filter); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.filters = append(t.filters, filter)

	var initial []domain.RawEvent
	for _, ev := range t.stored {
		if Matches(filter, ev) {
			initial = append(initial, ev)
		}
	}

	s := &stream{
		transport: t,
		filter:    filter,
		complete:  opts.CloseOnComplete && !t.Hold,
		ch:        make(chan domain.RawEvent),
		live:      make(chan domain.RawEvent, 64),
		stop:      make(chan struct{}),
	}
	t.streams[s] = struct{}{}
	go s.run(initial)
	return s, nil
}

type stream struct {
	transport *Transport
	filter    domain.Filter
	complete  bool
	ch        chan domain.RawEvent
	live      chan domain.RawEvent
	stop      chan struct{}
	once      sync.Once
}

func (s *stream) run(initial []domain.RawEvent) {
	defer close(s.ch)
	for _, ev := range initial {
		select {
		case s.ch <- ev:
		case <-s.stop:
			return
		}
	}
	if s.complete {
		return
	}
	for {
		select {
		case ev := <-s.live:
			select {
			case s.ch <- ev:
			case <-s.stop:
				return
			}
		case <-s.stop:
			return
		}
	}
}

func (s *stream) Events() <-chan domain.RawEvent { return s.ch }

func (s *stream) Stop() {
	s.once.Do(func() {
		close(s.stop)
		t := s.transport
		t.mu.Lock()
		delete(t.streams, s)
		t.stopped++
		t.mu.Unlock()
	})
}

// Matches reports whether ev satisfies f. Limit is ignored.
func Matches(f domain.Filter, ev domain.RawEvent) bool {
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, ev.Author) {
		return false
	}
	for key, values := range f.Tags {
		if len(values) == 0 {
			continue
		}
		found := false
		for _, v := range ev.TagValues(key) {
			for _, want := range values {
				if strings.EqualFold(v, want) {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsInt(values []int, v int) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
