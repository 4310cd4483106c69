package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventName is the wire name of a pushed or emitted event.
type EventName string

// Inbound events.
const (
	EventTripUpdate            EventName = "trip_update"
	EventNotification          EventName = "notification"
	EventSystemAlert           EventName = "system_alert"
	EventRouteStatus           EventName = "route_status"
	EventSubscriptionConfirmed EventName = "subscription_confirmed"
	EventSubscriptionCancelled EventName = "subscription_cancelled"
	EventConnectionStatus      EventName = "connection_status"
	EventStatusResponse        EventName = "status_response"
	EventPong                  EventName = "pong"
	EventError                 EventName = "error"
)

// Outbound events.
const (
	EventSubscribeRoute   EventName = "subscribe_route"
	EventUnsubscribeRoute EventName = "unsubscribe_route"
	EventSubscribeTrip    EventName = "subscribe_trip"
	EventUnsubscribeTrip  EventName = "unsubscribe_trip"
	EventJoinUserRoom     EventName = "join_user_room"
	EventPing             EventName = "ping"
	EventGetStatus        EventName = "get_status"
)

// Kind identifies an inbound event class a consumer can register for.
type Kind int

const (
	KindUnknown Kind = iota
	KindTripUpdate
	KindNotification
	KindSystemAlert
	KindRouteStatus
	KindSubscriptionConfirmed
	KindSubscriptionCancelled
	KindConnectionStatus
	KindStatusResponse
	KindPong
	KindError
)

var kindByName = map[EventName]Kind{
	EventTripUpdate:            KindTripUpdate,
	EventNotification:          KindNotification,
	EventSystemAlert:           KindSystemAlert,
	EventRouteStatus:           KindRouteStatus,
	EventSubscriptionConfirmed: KindSubscriptionConfirmed,
	EventSubscriptionCancelled: KindSubscriptionCancelled,
	EventConnectionStatus:      KindConnectionStatus,
	EventStatusResponse:        KindStatusResponse,
	EventPong:                  KindPong,
	EventError:                 KindError,
}

// KindOf resolves a wire name. Unknown names yield KindUnknown.
func KindOf(name EventName) Kind {
	return kindByName[name]
}

func (k Kind) String() string {
	for name, kind := range kindByName {
		if kind == k {
			return string(name)
		}
	}
	return "unknown"
}

// Message is the JSON envelope of every frame.
type Message struct {
	Event     EventName       `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp *Timestamp      `json:"timestamp,omitempty"`
}

// Event is one inbound message, consumed synchronously by the dispatcher.
type Event struct {
	Name      EventName
	Payload   json.RawMessage
	Timestamp time.Time
}

func encodeMessage(name EventName, payload interface{}) ([]byte, error) {
	msg := Message{Event: name}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return json.Marshal(msg)
}

func decodeMessage(data []byte, received time.Time) (Event, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.Event == "" {
		return Event{}, fmt.Errorf("%w: missing event name", ErrInvalidMessage)
	}

	ev := Event{Name: msg.Event, Payload: msg.Data, Timestamp: received}
	if msg.Timestamp != nil && !msg.Timestamp.IsZero() {
		ev.Timestamp = msg.Timestamp.Time
	}
	return ev, nil
}

var (
	ErrNotConnected       = errors.New("realtime: not connected")
	ErrAuthFailed         = errors.New("realtime: authentication failed")
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrUnknownEvent       = errors.New("realtime: unknown event")
	ErrInvalidMessage     = errors.New("realtime: invalid message format")
	ErrClientDisconnected = errors.New("realtime: disconnected by client")
	ErrEmptyTarget        = errors.New("realtime: empty target id")
)

// ProtocolError is a server-pushed error event.
type ProtocolError struct {
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return "realtime: server error: " + e.Message
}
