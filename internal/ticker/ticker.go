// Package ticker streams the brokerage WebSocket feed, which carries order
// postbacks as text frames, to registered handlers.
//
// The connection is opened lazily on the first subscription and only when
// credentials are configured. Dropped connections are re-dialed with
// exponential backoff until Close is called; the delay only starts over once
// a connection has stayed up for StableAfter.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/amirphl/order-router/internal/utils"
)

const DefaultURL = "wss://ws.kite.trade/"

var ErrClosed = errors.New("ticker closed")

// Handler receives every frame read from the feed. messageType is one of
// websocket.TextMessage or websocket.BinaryMessage.
type Handler func(messageType int, payload []byte)

type Config struct {
	URL         string
	APIKey      string
	AccessToken string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ReadTimeout    time.Duration
	// StableAfter is how long a connection must last before the reconnect
	// delay starts over from InitialBackoff.
	StableAfter time.Duration
}

type Service struct {
	cfg    Config
	dialer *websocket.Dialer

	mu       sync.RWMutex
	handlers map[string]Handler
	conn     *websocket.Conn
	running  bool
	closed   bool
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewService(cfg Config) *Service {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = 10 * time.Second
	}
	return &Service{
		cfg:      cfg,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		handlers: make(map[string]Handler),
	}
}

func (s *Service) hasCredentials() bool {
	return s.cfg.APIKey != "" && s.cfg.AccessToken != ""
}

func (s *Service) endpoint() (string, error) {
	u, err := url.Parse(s.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("ticker url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", s.cfg.APIKey)
	q.Set("access_token", s.cfg.AccessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Subscribe registers h under key, replacing any previous handler with the
// same key, and connects if needed.
func (s *Service) Subscribe(ctx context.Context, key string, h Handler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.handlers[key] = h
	s.mu.Unlock()
	return s.Connect(ctx)
}

func (s *Service) Unsubscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, key)
}

// Connect starts the background stream. It is a no-op when already running
// or when no credentials are configured.
func (s *Service) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.running || !s.hasCredentials() {
		return nil
	}
	endpoint, err := s.endpoint()
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.run(runCtx, endpoint, s.done)
	return nil
}

func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// Close stops the stream and drops every handler.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel, done, conn := s.cancel, s.done, s.conn
	s.handlers = make(map[string]Handler)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	utils.GetLogger().Infof("Ticker | closed")
}

func (s *Service) run(ctx context.Context, endpoint string, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	log := utils.GetLogger()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	// One backoff sequence spans dial failures and dropped streams, so a
	// server that accepts and immediately closes is not redialed in a loop.
	for {
		conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
		if err == nil {
			started := time.Now()
			err = s.stream(ctx, conn)
			if time.Since(started) >= s.cfg.StableAfter {
				b.Reset()
			}
		}
		if ctx.Err() != nil {
			return
		}

		wait := b.NextBackOff()
		log.Warnf("Ticker | disconnected, retrying in %v: %v", wait, err)
		if !sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d and reports false when ctx ends first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) stream(ctx context.Context, conn *websocket.Conn) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	utils.GetLogger().Infof("Ticker | connected")

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.dispatch(msgType, payload)
	}
}

func (s *Service) dispatch(msgType int, payload []byte) {
	s.mu.RLock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		h(msgType, payload)
	}
}
