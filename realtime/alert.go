package realtime

import (
	"strings"
	"time"

	"go.uber.org/zap"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Display durations by severity. Critical alerts are also blocking.
const (
	DurationInfo     = 3 * time.Second
	DurationWarning  = 5 * time.Second
	DurationCritical = 10 * time.Second
)

func (s Severity) normalize() Severity {
	switch strings.ToLower(string(s)) {
	case "critical", "severe", "emergency", "error":
		return SeverityCritical
	case "warning", "warn", "major", "high":
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func (s Severity) Duration() time.Duration {
	switch s.normalize() {
	case SeverityCritical:
		return DurationCritical
	case SeverityWarning:
		return DurationWarning
	default:
		return DurationInfo
	}
}

func (s Severity) Blocking() bool {
	return s.normalize() == SeverityCritical
}

// Alert sources.
const (
	SourceNotification = "notification"
	SourceSystemAlert  = "system_alert"
	SourceConnection   = "connection"
)

// Alert is a user-visible message derived from an inbound event or a
// connection state transition.
type Alert struct {
	Source      string
	Title       string
	Message     string
	Severity    Severity
	AutoDismiss bool
	Duration    time.Duration
	Blocking    bool
	Time        time.Time
}

func newAlert(source, title, message string, severity Severity, at time.Time) Alert {
	severity = severity.normalize()
	return Alert{
		Source:      source,
		Title:       title,
		Message:     message,
		Severity:    severity,
		AutoDismiss: !severity.Blocking(),
		Duration:    severity.Duration(),
		Blocking:    severity.Blocking(),
		Time:        at,
	}
}

func notificationSeverity(p Priority) Severity {
	switch p {
	case PriorityUrgent:
		return SeverityCritical
	case PriorityHigh:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// classify turns alert-worthy payloads into an Alert. Other payloads yield
// false.
func classify(payload interface{}, at time.Time) (Alert, bool) {
	switch p := payload.(type) {
	case Notification:
		return newAlert(SourceNotification, p.Title, p.Message, notificationSeverity(p.Priority), at), true
	case SystemAlert:
		title := p.Title
		if title == "" {
			title = "System alert"
		}
		a := newAlert(SourceSystemAlert, title, p.Message, p.EffectiveSeverity(), at)
		if p.AutoDismiss {
			a.AutoDismiss = true
		}
		return a, true
	}
	return Alert{}, false
}

// AlertPresenter shows alerts to the user. Present is called synchronously
// from the dispatching goroutine.
type AlertPresenter interface {
	Present(Alert)
}

type PresenterFunc func(Alert)

func (f PresenterFunc) Present(a Alert) { f(a) }

// NopPresenter discards alerts, for consumers that render them from their own
// callbacks.
type NopPresenter struct{}

func (NopPresenter) Present(Alert) {}

// LogPresenter writes alerts to a logger, picking the level from severity.
type LogPresenter struct {
	Logger *zap.Logger
}

func (p LogPresenter) Present(a Alert) {
	if p.Logger == nil {
		return
	}

	fields := []zap.Field{
		zap.String("source", a.Source),
		zap.String("title", a.Title),
		zap.String("severity", string(a.Severity)),
		zap.Duration("duration", a.Duration),
		zap.Bool("blocking", a.Blocking),
	}

	switch a.Severity {
	case SeverityCritical:
		p.Logger.Error(a.Message, fields...)
	case SeverityWarning:
		p.Logger.Warn(a.Message, fields...)
	default:
		p.Logger.Info(a.Message, fields...)
	}
}
