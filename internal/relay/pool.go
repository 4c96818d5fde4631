// Package relay is the websocket transport: a pool of relay connections
// speaking the NIP-01 REQ/EVENT/EOSE/CLOSE exchange.
package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"communityhub/internal/codec"
	"communityhub/internal/domain"
	"communityhub/internal/subscription"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoRelays is returned when no relay could be reached
	ErrNoRelays = errors.New("no relay reachable")
	// ErrNotConnected is returned by Subscribe before Connect succeeds
	ErrNotConnected = errors.New("relay pool not connected")
)

// Options configure a Pool
type Options struct {
	Logger      *zap.Logger
	Dialer      *websocket.Dialer
	DialTimeout time.Duration
	// ReadLimit caps a single relay frame in bytes
	ReadLimit int64
}

// Pool fans subscriptions out to every connected relay
type Pool struct {
	urls   []string
	logger *zap.Logger
	dialer *websocket.Dialer
	opts   Options

	mu    sync.RWMutex
	conns map[string]*relayConn
	subs  map[string]*stream

	counter atomic.Uint64
}

var _ subscription.Transport = (*Pool)(nil)

// relayConn wraps a websocket connection with a write mutex. gorilla/websocket
// connections do not support concurrent writers.
type relayConn struct {
	url  string
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (c *relayConn) write(data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// NewPool creates a pool for urls. Nothing is dialed until Connect.
func NewPool(urls []string, opts Options) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = 1 << 20
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: opts.DialTimeout}
	}
	return &Pool{
		urls:   append([]string(nil), urls...),
		logger: opts.Logger,
		dialer: dialer,
		opts:   opts,
		conns:  make(map[string]*relayConn),
		subs:   make(map[string]*stream),
	}
}

// Connect dials every relay concurrently. It succeeds when at least one
// relay accepts the connection.
func (p *Pool) Connect(ctx context.Context) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, url := range p.urls {
		url := url
		g.Go(func() error {
			if err := p.dial(ctx, url); err != nil {
				p.logger.Warn("relay unreachable", zap.String("relay", url), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(p.Connected()) == 0 {
		return fmt.Errorf("%w: %w", ErrNoRelays, errors.Join(errs...))
	}
	return nil
}

func (p *Pool) dial(ctx context.Context, url string) error {
	p.mu.RLock()
	_, exists := p.conns[url]
	p.mu.RUnlock()
	if exists {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.DialTimeout)
	defer cancel()

	conn, _, err := p.dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(p.opts.ReadLimit)

	rc := &relayConn{url: url, conn: conn}
	p.mu.Lock()
	p.conns[url] = rc
	p.mu.Unlock()

	p.logger.Info("relay connected", zap.String("relay", url))
	go p.readLoop(rc)
	return nil
}

// Connected returns the urls of live connections
func (p *Pool) Connected() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	urls := make([]string, 0, len(p.conns))
	for url := range p.conns {
		urls = append(urls, url)
	}
	return urls
}

// Close stops every stream and disconnects every relay
func (p *Pool) Close() error {
	p.mu.Lock()
	streams := make([]*stream, 0, len(p.subs))
	for _, s := range p.subs {
		streams = append(streams, s)
	}
	conns := p.conns
	p.conns = make(map[string]*relayConn)
	p.mu.Unlock()

	for _, s := range streams {
		s.end(false)
	}

	var errs []error
	for _, c := range conns {
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.wmu.Unlock()
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Pool) readLoop(rc *relayConn) {
	defer func() {
		rc.conn.Close()
		p.mu.Lock()
		if existing, ok := p.conns[rc.url]; ok && existing == rc {
			delete(p.conns, rc.url)
		}
		streams := make([]*stream, 0, len(p.subs))
		for _, s := range p.subs {
			streams = append(streams, s)
		}
		p.mu.Unlock()

		// a lost relay will never send EOSE
		for _, s := range streams {
			s.relayDone(rc.url)
		}
		p.logger.Info("relay disconnected", zap.String("relay", rc.url))
	}()

	for {
		_, data, err := rc.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := codec.DecodeRelayMessage(data)
		if err != nil {
			p.logger.Debug("dropping relay frame", zap.String("relay", rc.url), zap.Error(err))
			continue
		}

		switch msg.Type {
		case codec.MessageEvent:
			if s := p.stream(msg.SubscriptionID); s != nil {
				s.deliver(msg.Event)
			}
		case codec.MessageEOSE:
			if s := p.stream(msg.SubscriptionID); s != nil {
				s.relayDone(rc.url)
			}
		case codec.MessageClosed:
			p.logger.Debug("relay closed subscription",
				zap.String("relay", rc.url),
				zap.String("subscription", msg.SubscriptionID),
				zap.String("message", msg.Message))
			if s := p.stream(msg.SubscriptionID); s != nil {
				s.relayDone(rc.url)
			}
		case codec.MessageNotice:
			p.logger.Info("relay notice", zap.String("relay", rc.url), zap.String("message", msg.Message))
		}
	}
}

func (p *Pool) stream(id string) *stream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.subs[id]
}

// subscriptionID derives a short id from the filter contents plus a counter
func (p *Pool) subscriptionID(filter domain.Filter) string {
	data, _ := json.Marshal(codec.EncodeFilter(filter))
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%s-%d", hex.EncodeToString(sum[:6]), p.counter.Add(1))
}

// Subscribe sends a REQ for filter to every connected relay
func (p *Pool) Subscribe(ctx context.Context, filter domain.Filter, opts subscription.SubscribeOptions) (subscription.Stream, error) {
	p.mu.RLock()
	conns := make([]*relayConn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()
	if len(conns) == 0 {
		return nil, ErrNotConnected
	}

	id := p.subscriptionID(filter)
	req, err := codec.EncodeReq(id, filter)
	if err != nil {
		return nil, err
	}

	s := &stream{
		id:              id,
		pool:            p,
		closeOnComplete: opts.CloseOnComplete,
		ch:              make(chan domain.RawEvent, 256),
		stop:            make(chan struct{}),
		pending:         make(map[string]bool),
	}

	// register before sending so no EVENT is missed
	p.mu.Lock()
	p.subs[id] = s
	p.mu.Unlock()

	var errs []error
	s.mu.Lock()
	for _, c := range conns {
		if err := c.write(req); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.url, err))
			continue
		}
		s.pending[c.url] = true
		s.relays = append(s.relays, c)
	}
	sent := len(s.relays)
	s.mu.Unlock()

	if sent == 0 {
		s.end(false)
		return nil, fmt.Errorf("failed to send REQ: %w", errors.Join(errs...))
	}
	return s, nil
}

func (p *Pool) removeStream(id string) {
	p.mu.Lock()
	delete(p.subs, id)
	p.mu.Unlock()
}

// stream is one REQ across the pool
type stream struct {
	id              string
	pool            *Pool
	closeOnComplete bool

	ch   chan domain.RawEvent
	stop chan struct{}
	once sync.Once

	mu      sync.RWMutex
	closed  bool
	pending map[string]bool
	relays  []*relayConn
}

func (s *stream) Events() <-chan domain.RawEvent { return s.ch }

func (s *stream) Stop() { s.end(true) }

func (s *stream) deliver(ev domain.RawEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	case <-s.stop:
	}
}

// relayDone marks url as finished with stored events
func (s *stream) relayDone(url string) {
	s.mu.Lock()
	delete(s.pending, url)
	complete := s.closeOnComplete && len(s.pending) == 0 && len(s.relays) > 0
	s.mu.Unlock()
	if complete {
		s.end(true)
	}
}

// end closes the stream once; sendClose tells relays to drop the REQ
func (s *stream) end(sendClose bool) {
	s.once.Do(func() {
		close(s.stop)

		s.mu.Lock()
		s.closed = true
		close(s.ch)
		relays := s.relays
		s.mu.Unlock()

		s.pool.removeStream(s.id)

		if !sendClose {
			return
		}
		frame, err := codec.EncodeClose(s.id)
		if err != nil {
			return
		}
		for _, c := range relays {
			_ = c.write(frame)
		}
	})
}
