package simserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type session struct {
	id            string
	userID        string
	authenticated bool
	connectedAt   time.Time

	conn         *websocket.Conn
	sendCh       chan []byte
	closeCh      chan struct{}
	writeTimeout time.Duration
	pingInterval time.Duration
	logger       *zap.Logger

	mu     sync.Mutex
	closed bool

	topicMu sync.Mutex
	routes  map[string]bool
	trips   map[string]bool
}

func newSession(id string, conn *websocket.Conn, cfg Config, logger *zap.Logger) *session {
	s := &session{
		id:           id,
		connectedAt:  time.Now(),
		conn:         conn,
		sendCh:       make(chan []byte, cfg.BufferSize),
		closeCh:      make(chan struct{}),
		writeTimeout: cfg.WriteTimeout,
		pingInterval: cfg.PingInterval,
		logger:       logger.With(zap.String("session", id)),
		routes:       make(map[string]bool),
		trips:        make(map[string]bool),
	}

	go s.writePump()

	return s
}

func (s *session) writePump() {
	var pingC <-chan time.Time
	if s.pingInterval > 0 {
		ticker := time.NewTicker(s.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-s.closeCh:
			return
		case <-pingC:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout)); err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		case message := <-s.sendCh:
			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("write failed", zap.Error(err))
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
		}
	}
}

func (s *session) read() ([]byte, error) {
	_, message, err := s.conn.ReadMessage()
	return message, err
}

func (s *session) write(data []byte) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return
	}

	select {
	case s.sendCh <- data:
	default:
		s.logger.Warn("send buffer full, closing session")
		s.close(websocket.CloseTryAgainLater, "send buffer full")
	}
}

// close sends a close frame with code and tears the connection down. Codes
// outside the sendable range skip the frame.
func (s *session) close(code int, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.closeCh)
	s.mu.Unlock()

	if code != websocket.CloseAbnormalClosure {
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
	}
	_ = s.conn.Close()
}

func (s *session) track(kind, id string, on bool) {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()

	set := s.routes
	if kind == "trip" {
		set = s.trips
	}
	if on {
		set[id] = true
	} else {
		delete(set, id)
	}
}

func (s *session) topics() (routes, trips []string) {
	s.topicMu.Lock()
	defer s.topicMu.Unlock()

	for id := range s.routes {
		routes = append(routes, id)
	}
	for id := range s.trips {
		trips = append(trips, id)
	}
	return routes, trips
}
