package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"dex-kline-engine/internal/domain"
	"dex-kline-engine/internal/observability"
)

// WSConfig configures WebSocket source behavior.
type WSConfig struct {
	// ReconnectDelay is initial delay before reconnect attempt.
	ReconnectDelay time.Duration
	// MaxReconnectDelay is maximum delay between reconnect attempts.
	MaxReconnectDelay time.Duration
	// PingInterval is interval for sending ping frames.
	PingInterval time.Duration
	// ReadTimeout is timeout for reading messages.
	ReadTimeout time.Duration
	// WriteTimeout is timeout for writing messages.
	WriteTimeout time.Duration
}

// DefaultWSConfig returns default WebSocket configuration.
func DefaultWSConfig() WSConfig {
	return WSConfig{
		ReconnectDelay:    1 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		PingInterval:      30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// WSTradeSource streams trade events from a WebSocket feed using
// gorilla/websocket. It reconnects with exponential backoff and resends the
// pair subscription after each reconnect.
type WSTradeSource struct {
	endpoint string
	pairs    []string // "network:address" subscription keys
	config   WSConfig
	logger   *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex
	closed atomic.Bool

	out chan *domain.TradeEvent

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWSTradeSource creates a source and connects to the endpoint.
func NewWSTradeSource(ctx context.Context, endpoint string, pairs []string, config *WSConfig, logger *log.Logger) (*WSTradeSource, error) {
	cfg := DefaultWSConfig()
	if config != nil {
		cfg = *config
	}
	if logger == nil {
		logger = log.Default()
	}

	s := &WSTradeSource{
		endpoint: endpoint,
		pairs:    pairs,
		config:   cfg,
		logger:   logger,
		// Blocking send ensures no event loss; buffer absorbs burst
		out:  make(chan *domain.TradeEvent, 10000),
		done: make(chan struct{}),
	}

	if err := s.connect(ctx); err != nil {
		return nil, err
	}

	return s, nil
}

// Subscribe sends the pair subscription and starts the reader and ping loops.
func (s *WSTradeSource) Subscribe(ctx context.Context) (<-chan *domain.TradeEvent, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("source closed")
	}

	if err := s.sendSubscribe(); err != nil {
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop()

	s.wg.Add(1)
	go s.pingLoop()

	return s.out, nil
}

// Close closes the WebSocket connection and the output channel.
func (s *WSTradeSource) Close() error {
	if s.closed.Swap(true) {
		return nil // Already closed
	}

	close(s.done)

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
	}
	s.connMu.Unlock()

	s.wg.Wait()
	close(s.out)
	return nil
}

// connect establishes the WebSocket connection.
func (s *WSTradeSource) connect(ctx context.Context) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.endpoint, nil)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.conn = conn
	return nil
}

// sendSubscribe writes the trade subscription frame for the configured pairs.
func (s *WSTradeSource) sendSubscribe() error {
	req := wsSubscribeRequest{
		Op:      "subscribe",
		Channel: "trades",
		Pairs:   s.pairs,
	}

	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn == nil {
		return fmt.Errorf("not connected")
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	if err := s.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}
	return nil
}

// readLoop reads messages from the WebSocket and forwards trade frames.
func (s *WSTradeSource) readLoop() {
	defer s.wg.Done()

	reconnectDelay := s.config.ReconnectDelay

	for !s.closed.Load() {
		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()

		if conn == nil {
			select {
			case <-s.done:
				return
			case <-time.After(100 * time.Millisecond):
				continue
			}
		}

		conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))

		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				return
			}

			s.logger.Printf("WARN: feed read failed, reconnecting in %v: %v", reconnectDelay, err)
			s.reconnect(reconnectDelay)

			// Increase delay for next reconnect (exponential backoff)
			reconnectDelay = reconnectDelay * 2
			if reconnectDelay > s.config.MaxReconnectDelay {
				reconnectDelay = s.config.MaxReconnectDelay
			}
			continue
		}

		// Reset delay on successful read
		reconnectDelay = s.config.ReconnectDelay

		s.handleMessage(message)
	}
}

// reconnect re-dials after the given delay and resends the subscription.
func (s *WSTradeSource) reconnect(delay time.Duration) {
	if s.closed.Load() {
		return
	}

	select {
	case <-s.done:
		return
	case <-time.After(delay):
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	observability.RecordFeedReconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.connect(ctx); err != nil {
		// Reconnect failed, will retry on next read error
		return
	}

	if err := s.sendSubscribe(); err != nil {
		s.logger.Printf("WARN: resubscribe after reconnect failed: %v", err)
	}
}

// handleMessage decodes one frame and forwards trade events.
func (s *WSTradeSource) handleMessage(message []byte) {
	var frame wsFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Printf("WARN: undecodable feed frame: %v", err)
		return
	}

	switch frame.Type {
	case "trade":
		event := &domain.TradeEvent{
			Network:     frame.Network,
			PairAddress: frame.Pair,
			Price:       frame.Price,
			Size:        frame.Size,
			Timestamp:   frame.Timestamp,
		}

		// Block until we can send - never drop events
		select {
		case s.out <- event:
		case <-s.done:
		}

	case "subscribed", "pong", "":
		// Control frames carry no trades.

	case "error":
		s.logger.Printf("WARN: feed error frame: %s", frame.Message)
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (s *WSTradeSource) pingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.connMu.Lock()
			if s.conn != nil {
				s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					// Connection might be dead, reader will handle reconnect
				}
			}
			s.connMu.Unlock()
		}
	}
}

// Compile-time interface check.
var _ TradeSource = (*WSTradeSource)(nil)

// WebSocket message types

type wsSubscribeRequest struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel"`
	Pairs   []string `json:"pairs,omitempty"`
}

type wsFrame struct {
	Type      string `json:"type"`
	Network   string `json:"network"`
	Pair      string `json:"pair"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message,omitempty"`
}
