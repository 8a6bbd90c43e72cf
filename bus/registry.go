package bus

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ErrDuplicateSubscription is returned when a consumer group is registered twice.
var ErrDuplicateSubscription = errors.New("bus: consumer group already registered")

// Subscription binds a consumer group to the Event types it is interested in.
//
// An empty EventTypes list matches every Event. Subscriptions with no Handler
// declare consumer groups served by other processes: Events are enqueued
// for them, but never claimed locally.
type Subscription struct {
	Group      string
	EventTypes []string
	Handler    Handler
}

// Matches reports whether the Subscription is interested in the Event type.
func (s Subscription) Matches(eventType string) bool {
	return len(s.EventTypes) == 0 || slices.Contains(s.EventTypes, eventType)
}

// Local reports whether the Subscription is handled in this process.
func (s Subscription) Local() bool { return s.Handler != nil }

// Registry holds the Subscriptions known to a Bus.
type Registry struct {
	mx            sync.RWMutex
	subscriptions map[string]Subscription
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{subscriptions: make(map[string]Subscription)}
}

// Register adds the Subscription to the Registry.
func (r *Registry) Register(sub Subscription) error {
	if sub.Group == "" {
		return fmt.Errorf("bus.Registry: consumer group name is required")
	}

	r.mx.Lock()
	defer r.mx.Unlock()

	if _, ok := r.subscriptions[sub.Group]; ok {
		return fmt.Errorf("bus.Registry: %w: %s", ErrDuplicateSubscription, sub.Group)
	}

	sub.EventTypes = slices.Clone(sub.EventTypes)
	r.subscriptions[sub.Group] = sub

	return nil
}

// Get returns the Subscription of the consumer group.
func (r *Registry) Get(group string) (Subscription, bool) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	sub, ok := r.subscriptions[group]

	return sub, ok
}

// GroupsFor returns the consumer groups interested in the Event type, sorted.
func (r *Registry) GroupsFor(eventType string) []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	var groups []string

	for group, sub := range r.subscriptions {
		if sub.Matches(eventType) {
			groups = append(groups, group)
		}
	}

	sort.Strings(groups)

	return groups
}

// LocalGroups returns the consumer groups with a Handler in this process, sorted.
func (r *Registry) LocalGroups() []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	var groups []string

	for group, sub := range r.subscriptions {
		if sub.Local() {
			groups = append(groups, group)
		}
	}

	sort.Strings(groups)

	return groups
}

// Len returns the number of Subscriptions.
func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()

	return len(r.subscriptions)
}
