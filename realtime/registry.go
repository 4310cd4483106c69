package realtime

import (
	"sync"
)

// SubscriptionKind is the topic class of a subscription.
type SubscriptionKind string

const (
	TopicRoute SubscriptionKind = "route"
	TopicTrip  SubscriptionKind = "trip"
	TopicUser  SubscriptionKind = "user"
)

// Subscription identifies one topic. It is comparable and used as a map key.
type Subscription struct {
	Kind     SubscriptionKind `json:"type"`
	TargetID string           `json:"id"`
}

func RouteTopic(id string) Subscription { return Subscription{Kind: TopicRoute, TargetID: id} }
func TripTopic(id string) Subscription  { return Subscription{Kind: TopicTrip, TargetID: id} }
func UserTopic(id string) Subscription  { return Subscription{Kind: TopicUser, TargetID: id} }

func (s Subscription) String() string {
	return string(s.Kind) + ":" + s.TargetID
}

// request returns the outbound event and payload that establishes s.
func (s Subscription) request() (EventName, map[string]string) {
	switch s.Kind {
	case TopicRoute:
		return EventSubscribeRoute, map[string]string{"route_id": s.TargetID}
	case TopicTrip:
		return EventSubscribeTrip, map[string]string{"trip_id": s.TargetID}
	default:
		return EventJoinUserRoom, map[string]string{"user_id": s.TargetID}
	}
}

// cancelRequest returns the outbound event that tears s down. User rooms have
// no leave event.
func (s Subscription) cancelRequest() (EventName, map[string]string, bool) {
	switch s.Kind {
	case TopicRoute:
		return EventUnsubscribeRoute, map[string]string{"route_id": s.TargetID}, true
	case TopicTrip:
		return EventUnsubscribeTrip, map[string]string{"trip_id": s.TargetID}, true
	default:
		return "", nil, false
	}
}

// Registry is the set of topics the client believes it is subscribed to.
// Entries keep insertion order so replays are deterministic.
type Registry struct {
	mu      sync.RWMutex
	entries map[Subscription]bool
	order   []Subscription
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Subscription]bool),
	}
}

// Add records sub as pending confirmation. It reports false when sub is
// already present, in which case no request should be sent.
func (r *Registry) Add(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[sub]; exists {
		return false
	}
	r.entries[sub] = false
	r.order = append(r.order, sub)
	return true
}

// Remove deletes sub and reports whether it was present.
func (r *Registry) Remove(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[sub]; !exists {
		return false
	}
	delete(r.entries, sub)
	for i, s := range r.order {
		if s == sub {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry) Has(sub Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.entries[sub]
	return exists
}

// Confirm marks sub as acknowledged by the server. Acks for absent entries are
// ignored and reported as false.
func (r *Registry) Confirm(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[sub]; !exists {
		return false
	}
	r.entries[sub] = true
	return true
}

func (r *Registry) Confirmed(sub Subscription) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[sub]
}

// AllActive returns every entry, confirmed or pending, in insertion order.
func (r *Registry) AllActive() []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Subscription, len(r.order))
	copy(out, r.order)
	return out
}

// Reset clears every confirmation, as the server forgets subscriptions with
// the connection.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.entries {
		r.entries[sub] = false
	}
}

func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[Subscription]bool)
	r.order = nil
}

func (r *Registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
