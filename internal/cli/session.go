// Package cli is the interactive front end: a Session wiring every service
// for one process, and a Dispatcher that turns command tokens into router
// calls and prints the outcome.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/amirphl/order-router/internal/config"
	"github.com/amirphl/order-router/internal/db"
	"github.com/amirphl/order-router/internal/exchange"
	"github.com/amirphl/order-router/internal/notifier"
	"github.com/amirphl/order-router/internal/portfolio"
	"github.com/amirphl/order-router/internal/quote"
	"github.com/amirphl/order-router/internal/router"
	"github.com/amirphl/order-router/internal/ticker"
	"github.com/amirphl/order-router/internal/utils"
)

const feedHandlerKey = "session"

// Deps overrides the collaborators NewSession would otherwise build from the
// config. Nil fields are built. An injected Ticker is shared: Close only
// removes the session's handler from it.
type Deps struct {
	Client        exchange.Client
	Index         db.Index
	Notifier      notifier.Notifier
	Ticker        *ticker.Service
	RouterOptions []router.Option
}

// Session owns every service used by one CLI process.
type Session struct {
	Config    config.Config
	Client    exchange.Client
	Router    *router.Router
	Portfolio *portfolio.Reader
	Quotes    *quote.Service
	Index     db.Index
	Ticker    *ticker.Service
	Notifier  notifier.Notifier

	ctx        context.Context
	log        *zap.SugaredLogger
	ownsTicker bool
	notifying  sync.WaitGroup
}

// RouterConfig maps the application config onto the router's knobs.
func RouterConfig(cfg config.Config) router.Config {
	return router.Config{
		DryRun:           cfg.DryRun,
		MarketProtection: cfg.MarketProtection,
		Autoslice:        cfg.Autoslice,
		PerSecond:        cfg.RateLimit.PerSecond,
		PerMinute:        cfg.RateLimit.PerMinute,
		ThrottleWarning:  cfg.ThrottleWarning,
		ScalePacing:      cfg.ScalePacing,
		ChaseInterval:    cfg.Chase.Interval,
		ChaseTick:        cfg.Chase.Tick,
		ChaseMaxMoves:    cfg.Chase.MaxMoves,
		SwarmDelay:       cfg.SwarmDelay,
	}
}

// OpenIndex opens the metadata side-index named by cfg.
func OpenIndex(ctx context.Context, cfg config.Index) (db.Index, error) {
	if cfg.Driver == config.IndexMemory {
		return db.NewMemory(), nil
	}
	if cfg.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o700); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}
	return db.Open(ctx, cfg.Driver, cfg.DSN)
}

func NewSession(ctx context.Context, cfg config.Config, deps Deps) (*Session, error) {
	s := &Session{
		Config:   cfg,
		Client:   deps.Client,
		Index:    deps.Index,
		Notifier: deps.Notifier,
		Ticker:   deps.Ticker,
		ctx:      ctx,
		log:      utils.GetLogger(),
	}

	if s.Client == nil {
		s.Client = exchange.NewKiteClient(exchange.KiteConfig{
			RootURL:     cfg.RootURL,
			APIKey:      cfg.Creds.APIKey,
			AccessToken: cfg.Creds.AccessToken,
			Timeout:     cfg.HTTPTimeout,
		})
	}
	if s.Index == nil {
		idx, err := OpenIndex(ctx, cfg.Index)
		if err != nil {
			return nil, fmt.Errorf("open order index: %w", err)
		}
		s.Index = idx
	}
	if s.Notifier == nil {
		if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != "" {
			s.Notifier = notifier.NewTelegramNotifier(cfg.Telegram.Token, cfg.Telegram.ChatID,
				cfg.Telegram.ProxyURL, cfg.Telegram.Retries, cfg.Telegram.Delay)
		} else {
			s.Notifier = notifier.Noop{}
		}
	}
	if s.Ticker == nil {
		s.ownsTicker = true
		s.Ticker = ticker.NewService(ticker.Config{
			URL:         cfg.WebsocketURL,
			APIKey:      cfg.Creds.APIKey,
			AccessToken: cfg.Creds.AccessToken,
		})
	}

	s.Router = router.New(RouterConfig(cfg), s.Client, deps.RouterOptions...)
	s.Portfolio = portfolio.NewReader(s.Client)
	s.Quotes = quote.NewService(s.Client)
	return s, nil
}

// Bootstrap starts the live order-update feed. It does nothing in dry-run
// mode or without credentials.
func (s *Session) Bootstrap(ctx context.Context) error {
	if s.Config.DryRun || !s.Config.HasLiveCredentials() {
		return nil
	}
	s.ctx = ctx
	return s.Ticker.Subscribe(ctx, feedHandlerKey, s.handleFeed)
}

// feedMessage is a text frame on the ticker socket.
type feedMessage struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func terminal(status string) bool {
	switch status {
	case "COMPLETE", "CANCELLED", "REJECTED":
		return true
	}
	return false
}

// handleFeed reacts to order postbacks: terminal orders leave the metadata
// index and the operator is notified.
func (s *Session) handleFeed(messageType int, payload []byte) {
	if messageType != websocket.TextMessage {
		return
	}
	var msg feedMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type != "order" {
		return
	}

	id := exchange.String(msg.Data["order_id"])
	status := exchange.String(msg.Data["status"])
	symbol := exchange.String(msg.Data["tradingsymbol"])
	s.log.Infof("Session | order update %s %s %s", id, symbol, status)
	if id == "" || !terminal(status) {
		return
	}

	if err := s.Index.Purge(s.ctx, []string{id}); err != nil {
		s.log.Warnf("Session | purge %s from index failed: %v", id, err)
	}
	text := fmt.Sprintf("%s %s %s %s", status, exchange.String(msg.Data["transaction_type"]), symbol, id)
	// Retries may sleep; the ticker read loop must not.
	s.notifying.Add(1)
	go func() {
		defer s.notifying.Done()
		if err := s.Notifier.SendWithRetry(s.ctx, text); err != nil {
			s.log.Warnf("Session | notify failed: %v", err)
		}
	}()
}

// Close stops the order feed, waits for pending notifications and closes
// the index.
func (s *Session) Close() error {
	if s.Ticker != nil {
		if s.ownsTicker {
			s.Ticker.Close()
		} else {
			s.Ticker.Unsubscribe(feedHandlerKey)
		}
	}
	s.notifying.Wait()
	if s.Index != nil {
		return s.Index.Close()
	}
	return nil
}
