// Package simserver is an in-process push server speaking the realtime
// protocol: topic rooms, subscription acknowledgments, heartbeats and status
// queries. It backs integration tests and the example programs.
package simserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Envelope is the JSON frame exchanged with clients.
type Envelope struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// Received is an inbound client frame recorded by the server.
type Received struct {
	SessionID string
	Event     string
	Data      json.RawMessage
}

// Authorizer maps a bearer token to a user id. ok=false rejects the handshake.
type Authorizer func(token string) (userID string, ok bool)

type Config struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	BufferSize   int
}

func DefaultConfig() Config {
	return Config{
		PingInterval: 25 * time.Second,
		WriteTimeout: 10 * time.Second,
		BufferSize:   256,
	}
}

type Server struct {
	mu       sync.RWMutex
	sessions map[string]*session
	rooms    *RoomManager

	upgrader  websocket.Upgrader
	config    Config
	authorize Authorizer
	logger    *zap.Logger

	recMu    sync.Mutex
	received []Received

	connects int
}

type Option func(*Server)

func WithPingInterval(d time.Duration) Option {
	return func(s *Server) {
		s.config.PingInterval = d
	}
}

func WithAuthorizer(fn Authorizer) Option {
	return func(s *Server) {
		s.authorize = fn
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(opts ...Option) *Server {
	s := &Server{
		sessions: make(map[string]*session),
		rooms:    NewRoomManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		config: DefaultConfig(),
		logger: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, authenticated := "", false
	if token := bearerToken(r); token != "" && s.authorize != nil {
		var ok bool
		userID, ok = s.authorize(token)
		if !ok {
			s.logger.Info("rejecting handshake: invalid token")
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		authenticated = true
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	sess := newSession(uuid.NewString(), conn, s.config, s.logger)
	sess.userID = userID
	sess.authenticated = authenticated

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.connects++
	s.mu.Unlock()

	s.logger.Info("client connected", zap.String("session", sess.id), zap.Bool("authenticated", authenticated))

	s.send(sess, "connection_status", map[string]interface{}{
		"connected":     true,
		"authenticated": authenticated,
		"timestamp":     now(),
	})

	s.readLoop(sess)
}

func (s *Server) readLoop(sess *session) {
	defer s.drop(sess)

	for {
		data, err := sess.read()
		if err != nil {
			sess.logger.Debug("read loop ended", zap.Error(err))
			return
		}

		var msg Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			s.send(sess, "error", map[string]string{"message": "Invalid message format"})
			continue
		}

		s.recMu.Lock()
		s.received = append(s.received, Received{SessionID: sess.id, Event: msg.Event, Data: msg.Data})
		s.recMu.Unlock()

		s.handle(sess, msg)
	}
}

func (s *Server) handle(sess *session, msg Envelope) {
	var body map[string]interface{}
	if len(msg.Data) > 0 {
		_ = json.Unmarshal(msg.Data, &body)
	}
	field := func(key string) string {
		v, _ := body[key].(string)
		return v
	}

	switch msg.Event {
	case "subscribe_route":
		s.subscribe(sess, "route", field("route_id"))
	case "unsubscribe_route":
		s.unsubscribe(sess, "route", field("route_id"))
	case "subscribe_trip":
		s.subscribe(sess, "trip", field("trip_id"))
	case "unsubscribe_trip":
		s.unsubscribe(sess, "trip", field("trip_id"))
	case "join_user_room":
		userID := field("user_id")
		if !sess.authenticated {
			s.send(sess, "error", map[string]string{"message": "Authentication required"})
			return
		}
		if sess.userID != userID {
			s.send(sess, "error", map[string]string{"message": "Unauthorized"})
			return
		}
		s.rooms.Join(UserRoom(userID), sess)
	case "ping":
		s.send(sess, "pong", nil)
	case "get_status":
		routes, trips := sess.topics()
		s.mu.RLock()
		total := len(s.sessions)
		s.mu.RUnlock()
		s.send(sess, "status_response", map[string]interface{}{
			"connected":         true,
			"authenticated":     sess.authenticated,
			"user_id":           sess.userID,
			"connected_at":      sess.connectedAt.UTC().Format(time.RFC3339Nano),
			"subscribed_routes": routes,
			"subscribed_trips":  trips,
			"total_connections": total,
		})
	default:
		sess.logger.Debug("ignoring unknown event", zap.String("event", msg.Event))
	}
}

func (s *Server) subscribe(sess *session, kind, id string) {
	if id == "" {
		label := "Route"
		if kind == "trip" {
			label = "Trip"
		}
		s.send(sess, "error", map[string]string{"message": label + " ID required"})
		return
	}
	s.rooms.Join(kind+":"+id, sess)
	sess.track(kind, id, true)
	s.send(sess, "subscription_confirmed", map[string]string{"type": kind, "id": id, "timestamp": now()})
}

func (s *Server) unsubscribe(sess *session, kind, id string) {
	if id == "" {
		return
	}
	s.rooms.Leave(kind+":"+id, sess.id)
	sess.track(kind, id, false)
	s.send(sess, "subscription_cancelled", map[string]string{"type": kind, "id": id, "timestamp": now()})
}

func (s *Server) drop(sess *session) {
	sess.close(websocket.CloseNormalClosure, "")

	s.mu.Lock()
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	s.rooms.LeaveAll(sess.id)
	s.logger.Info("client disconnected", zap.String("session", sess.id))
}

func (s *Server) send(sess *session, event string, data interface{}) {
	frame, err := encode(event, data)
	if err != nil {
		s.logger.Error("encode failed", zap.String("event", event), zap.Error(err))
		return
	}
	sess.write(frame)
}

func encode(event string, data interface{}) ([]byte, error) {
	env := Envelope{Event: event, Timestamp: now()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Emit sends event to every session in the given rooms, each session once.
func (s *Server) Emit(event string, data interface{}, rooms ...string) int {
	frame, err := encode(event, data)
	if err != nil {
		s.logger.Error("encode failed", zap.String("event", event), zap.Error(err))
		return 0
	}

	members := s.rooms.membersOf(rooms...)
	for _, sess := range members {
		sess.write(frame)
	}
	return len(members)
}

// Broadcast sends event to every connected session.
func (s *Server) Broadcast(event string, data interface{}) int {
	frame, err := encode(event, data)
	if err != nil {
		return 0
	}

	for _, sess := range s.snapshot() {
		sess.write(frame)
	}
	return s.Count()
}

// PublishTripUpdate delivers a trip update to subscribers of the trip and of
// its route.
func (s *Server) PublishTripUpdate(routeID, tripID string, update interface{}) int {
	return s.Emit("trip_update", update, RouteRoom(routeID), TripRoom(tripID))
}

func (s *Server) PublishRouteStatus(routeID string, status interface{}) int {
	return s.Emit("route_status", map[string]interface{}{
		"type":      "route_status",
		"route_id":  routeID,
		"data":      status,
		"timestamp": now(),
	}, RouteRoom(routeID))
}

func (s *Server) NotifyUser(userID string, notification interface{}) int {
	return s.Emit("notification", notification, UserRoom(userID))
}

func (s *Server) SystemAlert(alert interface{}) int {
	return s.Broadcast("system_alert", alert)
}

// DropAll closes every session with the given close code, simulating a server
// restart (CloseServiceRestart) or an auth revocation (4401).
func (s *Server) DropAll(code int, reason string) {
	for _, sess := range s.snapshot() {
		sess.close(code, reason)
	}
}

func (s *Server) snapshot() []*session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (s *Server) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Connects is the number of accepted handshakes since the server started.
func (s *Server) Connects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connects
}

func (s *Server) Subscribers(room string) int {
	return s.rooms.Count(room)
}

// Received returns the inbound frames recorded so far, optionally filtered by
// event name.
func (s *Server) Received(events ...string) []Received {
	s.recMu.Lock()
	defer s.recMu.Unlock()

	var out []Received
	for _, r := range s.received {
		if len(events) == 0 || contains(events, r.Event) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.DropAll(websocket.CloseGoingAway, "server shutdown")
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func RouteRoom(id string) string { return "route:" + id }
func TripRoom(id string) string  { return "trip:" + id }
func UserRoom(id string) string  { return "user:" + id }

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
