package health

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// Status is the reachability of an upstream origin.
type Status string

const (
	StatusUp      Status = "up"
	StatusDown    Status = "down"
	StatusUnknown Status = "unknown"
)

// Upstream is the last known state of one proxy target.
type Upstream struct {
	Target          string     `json:"target"`
	Status          Status     `json:"status"`
	HTTPCode        *int       `json:"httpCode,omitempty"`
	LatencyMs       *int64     `json:"latencyMs,omitempty"`
	LastChecked     *time.Time `json:"lastChecked,omitempty"`
	LastStateChange *time.Time `json:"lastStateChange,omitempty"`
	Error           *string    `json:"error,omitempty"`
}

// Store is a concurrency-safe map of upstream states keyed by target URL.
type Store struct {
	mu        sync.RWMutex
	upstreams map[string]Upstream
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{upstreams: make(map[string]Upstream)}
}

// Get returns the state for target. Unknown targets report StatusUnknown.
func (s *Store) Get(target string) Upstream {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if u, ok := s.upstreams[target]; ok {
		return u
	}
	return Upstream{Target: target, Status: StatusUnknown}
}

// All returns every tracked upstream ordered by target.
func (s *Store) All() []Upstream {
	s.mu.RLock()
	out := make([]Upstream, 0, len(s.upstreams))
	for _, u := range s.upstreams {
		out = append(out, u)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Upstream) int {
		return strings.Compare(a.Target, b.Target)
	})
	return out
}

// Update applies fn to the state of target under the write lock, creating
// the entry as StatusUnknown first if needed.
func (s *Store) Update(target string, fn func(*Upstream)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.upstreams[target]
	if !ok {
		u = Upstream{Target: target, Status: StatusUnknown}
	}
	fn(&u)
	u.Target = target
	s.upstreams[target] = u
}

// Retain drops every upstream whose target is not listed. It is called after
// a config reload removes rules.
func (s *Store) Retain(targets []string) {
	keep := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		keep[t] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for t := range s.upstreams {
		if _, ok := keep[t]; !ok {
			delete(s.upstreams, t)
		}
	}
}
