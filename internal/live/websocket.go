package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024
	sendQueueSize  = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 16 * 1024,
	CheckOrigin: func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, req.Host)
	},
}

// WSSubscriber is a Subscriber backed by a gorilla websocket connection.
type WSSubscriber struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	pings  chan struct{}
	logger *slog.Logger

	lastSeen atomic.Int64
	done     chan struct{}
	once     sync.Once
}

var _ Subscriber = (*WSSubscriber)(nil)

func newWSSubscriber(conn *websocket.Conn, logger *slog.Logger) *WSSubscriber {
	s := &WSSubscriber{
		id:     "client-" + uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		pings:  make(chan struct{}, 1),
		logger: logger,
		done:   make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *WSSubscriber) ID() string { return s.id }

func (s *WSSubscriber) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *WSSubscriber) Send(data []byte) error {
	select {
	case <-s.done:
		return ErrSubscriberGone
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendQueueFull
	}
}

func (s *WSSubscriber) Probe() error {
	select {
	case <-s.done:
		return ErrSubscriberGone
	case s.pings <- struct{}{}:
	default:
		// A ping is already queued.
	}
	return nil
}

func (s *WSSubscriber) RespondedSince(t time.Time) bool {
	return s.lastSeen.Load() >= t.UnixNano()
}

func (s *WSSubscriber) Close() {
	s.once.Do(func() {
		close(s.done)
	})
}

// readPump handles incoming client messages and pongs. It returns when the connection fails.
func (s *WSSubscriber) readPump(ctx context.Context, subs Subscriptions) {
	defer s.Close()

	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetPongHandler(func(string) error {
		s.touch()
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("Live connection read failed", slog.String("client", s.id), slog.Any("error", err))
			}
			return
		}
		s.touch()

		var req ClientRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			s.logger.Debug("Ignoring malformed client message", slog.String("client", s.id), slog.Any("error", err))
			continue
		}
		subs.HandleClientMessage(ctx, s.id, req)
	}
}

// writePump is the only writer of the connection.
func (s *WSSubscriber) writePump() {
	defer s.conn.Close()

	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-s.pings:
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				s.Close()
				return
			}
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logger.Warn("Live connection write failed", slog.String("client", s.id), slog.Any("error", err))
				s.Close()
				return
			}
		}
	}
}

// Subscriptions admits and removes push connections.
type Subscriptions interface {
	SubscribeLive(ctx context.Context, sub Subscriber) error
	UnsubscribeLive(id string)
	HandleClientMessage(ctx context.Context, id string, req ClientRequest)
}

// ServeWS upgrades the request and serves the connection until it closes.
func ServeWS(subs Subscriptions, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Failed to upgrade live connection", slog.Any("error", err))
			return
		}

		sub := newWSSubscriber(conn, logger)
		go sub.writePump()

		// The request context ends with the handler; the connection outlives it.
		ctx := context.WithoutCancel(r.Context())
		if err := subs.SubscribeLive(ctx, sub); err != nil {
			logger.Info("Refusing live connection", slog.String("client", sub.ID()), slog.Any("error", err))
			sub.Close()
			return
		}
		go func() {
			sub.readPump(ctx, subs)
			subs.UnsubscribeLive(sub.ID())
		}()
	}
}
