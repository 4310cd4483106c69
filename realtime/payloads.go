package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Timestamp decodes RFC 3339 times as well as the zone-less ISO-8601 form some
// servers emit, which is read as UTC.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		var unix float64
		if err := json.Unmarshal(data, &unix); err != nil {
			return fmt.Errorf("timestamp: %s", data)
		}
		sec := int64(unix)
		t.Time = time.Unix(sec, int64((unix-float64(sec))*1e9)).UTC()
		return nil
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("timestamp: unrecognized format %q", raw)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// Location is a GPS fix.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// TripUpdate reports vehicle progress. Status is one of active, delayed,
// completed or cancelled.
type TripUpdate struct {
	TripID                string     `json:"trip_id"`
	RouteID               string     `json:"route_id"`
	CurrentStopID         string     `json:"current_stop_id,omitempty"`
	NextStopID            string     `json:"next_stop_id,omitempty"`
	Location              *Location  `json:"current_location,omitempty"`
	Speed                 *float64   `json:"speed,omitempty"`
	Heading               *float64   `json:"heading,omitempty"`
	DelayMinutes          *float64   `json:"delay_minutes,omitempty"`
	PredictedDelayMinutes *float64   `json:"predicted_delay_minutes,omitempty"`
	Status                string     `json:"status"`
	PassengersCount       *int       `json:"passengers_count,omitempty"`
	LastUpdated           *Timestamp `json:"last_updated,omitempty"`
}

// Priority of a user notification.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityUrgent:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether p is as high as min. Unknown priorities rank as normal.
func (p Priority) AtLeast(min Priority) bool {
	return p.rank() >= min.rank()
}

type Notification struct {
	UserID         string     `json:"user_id,omitempty"`
	NotificationID string     `json:"notification_id,omitempty"`
	Title          string     `json:"title"`
	Message        string     `json:"message"`
	Type           string     `json:"type"`
	Priority       Priority   `json:"priority"`
	RouteID        string     `json:"route_id,omitempty"`
	TripID         string     `json:"trip_id,omitempty"`
	StopID         string     `json:"stop_id,omitempty"`
	ActionURL      string     `json:"action_url,omitempty"`
	ExpiresAt      *Timestamp `json:"expires_at,omitempty"`
}

type SystemAlert struct {
	AlertID string `json:"alert_id,omitempty"`
	Type    string `json:"type,omitempty"`
	// AlertType is the legacy severity field used by broadcast alerts.
	AlertType      string     `json:"alert_type,omitempty"`
	Severity       Severity   `json:"severity,omitempty"`
	Title          string     `json:"title,omitempty"`
	Message        string     `json:"message"`
	AffectedRoutes []string   `json:"affected_routes,omitempty"`
	StartTime      *Timestamp `json:"start_time,omitempty"`
	EndTime        *Timestamp `json:"end_time,omitempty"`
	AutoDismiss    bool       `json:"auto_dismiss,omitempty"`
}

// EffectiveSeverity falls back to AlertType when Severity is absent.
func (a SystemAlert) EffectiveSeverity() Severity {
	if a.Severity != "" {
		return a.Severity.normalize()
	}
	return Severity(a.AlertType).normalize()
}

type RouteStatusData struct {
	Status        string   `json:"status"`
	ActiveTrips   int      `json:"active_trips"`
	AverageDelay  *float64 `json:"average_delay,omitempty"`
	ServiceAlerts []string `json:"service_alerts,omitempty"`
}

type RouteStatus struct {
	RouteID   string          `json:"route_id"`
	Data      RouteStatusData `json:"data"`
	Timestamp *Timestamp      `json:"timestamp,omitempty"`
}

// SubscriptionAck is the payload of subscription_confirmed and
// subscription_cancelled.
type SubscriptionAck struct {
	Type      SubscriptionKind `json:"type"`
	ID        string           `json:"id"`
	Timestamp *Timestamp       `json:"timestamp,omitempty"`
}

func (a SubscriptionAck) Subscription() Subscription {
	return Subscription{Kind: a.Type, TargetID: a.ID}
}

type ConnectionStatus struct {
	Connected     bool       `json:"connected"`
	Authenticated bool       `json:"authenticated"`
	Timestamp     *Timestamp `json:"timestamp,omitempty"`
}

type StatusResponse struct {
	Connected        bool       `json:"connected"`
	Authenticated    bool       `json:"authenticated"`
	UserID           string     `json:"user_id,omitempty"`
	ConnectedAt      *Timestamp `json:"connected_at,omitempty"`
	SubscribedRoutes []string   `json:"subscribed_routes"`
	SubscribedTrips  []string   `json:"subscribed_trips"`
	TotalConnections int        `json:"total_connections"`
}
