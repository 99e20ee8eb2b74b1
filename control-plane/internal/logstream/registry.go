package logstream

import (
	"context"
	"sync"
)

// Subscriber is one live endpoint interested in a deploy's log stream.
// Implementations must be pointer types: the registry keys on identity.
type Subscriber interface {
	Send(ctx context.Context, line string) error
	Close(reason string) error
}

// Registry tracks, per deploy ID, the set of connected subscribers.
// A deploy with no subscribers has no entry.
type Registry struct {
	mu          sync.Mutex
	subscribers map[int64]map[Subscriber]struct{} // deployID -> set of subscribers
	total       int

	metrics *Metrics
}

func NewRegistry(metrics *Metrics) *Registry {
	return &Registry{
		subscribers: make(map[int64]map[Subscriber]struct{}),
		metrics:     metrics,
	}
}

func (r *Registry) Register(buildID int64, sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subscribers[buildID]
	if set == nil {
		set = make(map[Subscriber]struct{})
		r.subscribers[buildID] = set
	}
	if _, ok := set[sub]; ok {
		return
	}
	set[sub] = struct{}{}
	r.total++
	r.metrics.setRegistrySize(len(r.subscribers), r.total)
}

// Unregister removes sub from buildID's set and reports whether it was there.
// Unknown deploys and subscribers are a no-op.
func (r *Registry) Unregister(buildID int64, sub Subscriber) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subscribers[buildID]
	if set == nil {
		return false
	}
	if _, ok := set[sub]; !ok {
		return false
	}
	delete(set, sub)
	r.total--
	if len(set) == 0 {
		delete(r.subscribers, buildID)
	}
	r.metrics.setRegistrySize(len(r.subscribers), r.total)
	return true
}

// SubscribersOf returns a copy of buildID's current subscribers. The caller
// may do I/O on the result without holding the registry lock.
func (r *Registry) SubscribersOf(buildID int64) []Subscriber {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subscribers[buildID]
	out := make([]Subscriber, 0, len(set))
	for sub := range set {
		out = append(out, sub)
	}
	return out
}

func (r *Registry) Count(buildID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers[buildID])
}

func (r *Registry) Has(buildID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subscribers[buildID]
	return ok
}

// Builds returns the number of deploys with at least one subscriber.
func (r *Registry) Builds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// Len returns the total number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// CloseAll empties the registry and closes every subscriber. Used on shutdown.
func (r *Registry) CloseAll(reason string) int {
	r.mu.Lock()
	var subs []Subscriber
	for _, set := range r.subscribers {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	r.subscribers = make(map[int64]map[Subscriber]struct{})
	r.total = 0
	r.metrics.setRegistrySize(0, 0)
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close(reason)
	}
	return len(subs)
}
