package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tickd/tickd/internal/domain"
	"github.com/tickd/tickd/internal/subscription"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const wsWriteTimeout = 10 * time.Second

// clientFrame is one client-to-server message.
type clientFrame struct {
	Action     string `json:"action"`
	Market     string `json:"market"`
	Provider   string `json:"provider"`
	Symbol     string `json:"symbol"`
	StreamType string `json:"stream_type"`
	Timeframe  string `json:"timeframe"`
	Since      *int64 `json:"since"`
}

func (f clientFrame) assetKey() domain.AssetKey {
	return domain.AssetKey{
		Market:    f.Market,
		Provider:  f.Provider,
		Symbol:    f.Symbol,
		Timeframe: f.Timeframe,
	}
}

// wsSubscriber adapts one websocket connection to the subscription
// Subscriber contract. All writes go through the out channel so a single
// goroutine owns the connection.
type wsSubscriber struct {
	id   string
	out  chan subscription.Frame
	done chan struct{}
}

func (c *wsSubscriber) ID() string { return c.id }

// Send enqueues without blocking; a full queue means the client cannot
// keep up and the subscription layer should drop it.
func (c *wsSubscriber) Send(f subscription.Frame) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection closed")
	case c.out <- f:
		return nil
	default:
		return fmt.Errorf("subscriber queue full")
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	queueSize := s.wsCfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	sub := &wsSubscriber{
		id:   uuid.New().String(),
		out:  make(chan subscription.Frame, queueSize),
		done: make(chan struct{}),
	}
	logger := s.logger.With().Str("subscriber", sub.id[:8]).Logger()
	logger.Info().Msg("websocket connected")

	go s.wsWriter(conn, sub, logger)

	// Subscriptions held by this connection, for teardown and routing.
	type binding struct {
		key domain.AssetKey
		mgr *subscription.Manager
	}
	bindings := map[string]binding{}

	defer func() {
		close(sub.done)
		conn.Close()
		for _, b := range bindings {
			b.mgr.Unsubscribe(b.key, sub.id)
		}
		logger.Info().Msg("websocket disconnected")
	}()

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("websocket read failed")
			}
			return
		}

		switch frame.Action {
		case "subscribe":
			key := frame.assetKey()
			svc, err := s.registry.Lookup(frame.Market, frame.Provider)
			if err != nil {
				sub.Send(subscription.NewMessageFrame(subscription.FrameError, key, err.Error()))
				continue
			}
			if err := svc.Subscriptions.Subscribe(r.Context(), sub, key, frame.Since); err != nil {
				logger.Warn().Err(err).Str("key", key.String()).Msg("subscribe failed")
				continue
			}
			bindings[key.String()] = binding{key: key, mgr: svc.Subscriptions}

		case "unsubscribe":
			key := frame.assetKey()
			if b, ok := bindings[key.String()]; ok {
				b.mgr.Unsubscribe(b.key, sub.id)
				delete(bindings, key.String())
			}

		case "ping":
			sub.Send(subscription.Frame{Type: subscription.FramePong})

		case "pong":
			// Client answered our ping; nothing to do.

		default:
			sub.Send(subscription.Frame{
				Type:    subscription.FrameError,
				Payload: subscription.MessagePayload{Message: fmt.Sprintf("unknown action %q", frame.Action)},
			})
		}
	}
}

// wsWriter owns all writes on the connection: queued frames plus the
// periodic server ping.
func (s *Server) wsWriter(conn *websocket.Conn, sub *wsSubscriber, logger zerolog.Logger) {
	pingInterval := time.Duration(s.wsCfg.PingIntervalSec) * time.Second
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sub.done:
			return
		case f := <-sub.out:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(f); err != nil {
				logger.Warn().Err(err).Msg("websocket write failed")
				conn.Close()
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(subscription.Frame{Type: subscription.FramePing}); err != nil {
				logger.Warn().Err(err).Msg("websocket ping failed")
				conn.Close()
				return
			}
		}
	}
}
