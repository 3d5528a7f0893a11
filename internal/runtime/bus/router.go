package bus

import (
	"maps"
	"slices"
	"strings"
	"sync"
)

type route struct {
	pattern string
	prefix  string
	targets []string
}

// Router maps topics to the ids of the units interested in them. A pattern
// ending in "*" matches every topic starting with the rest of the pattern.
//
// Resolution: an exact pattern wins; otherwise the wildcard with the
// longest prefix wins, and equal prefixes go to the one registered first.
type Router struct {
	mu        sync.RWMutex
	exact     map[string][]string
	wildcards []*route
}

func NewRouter() *Router {
	return &Router{exact: make(map[string][]string)}
}

// AddRoute appends target to pattern's target list.
func (r *Router) AddRoute(pattern, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !strings.HasSuffix(pattern, "*") {
		r.exact[pattern] = append(r.exact[pattern], target)
		return
	}
	for _, rt := range r.wildcards {
		if rt.pattern == pattern {
			rt.targets = append(rt.targets, target)
			return
		}
	}
	r.wildcards = append(r.wildcards, &route{
		pattern: pattern,
		prefix:  strings.TrimSuffix(pattern, "*"),
		targets: []string{target},
	})
}

// Resolve returns the targets for topic, or an empty slice.
func (r *Router) Resolve(topic string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if targets, ok := r.exact[topic]; ok {
		return append([]string(nil), targets...)
	}
	var best *route
	for _, rt := range r.wildcards {
		if !strings.HasPrefix(topic, rt.prefix) {
			continue
		}
		if best == nil || len(rt.prefix) > len(best.prefix) {
			best = rt
		}
	}
	if best == nil {
		return []string{}
	}
	return append([]string(nil), best.targets...)
}

// Load adds every pattern → targets pair, in sorted pattern order so
// wildcard tie-breaks are deterministic for map input.
func (r *Router) Load(routes map[string][]string) {
	for _, pattern := range sortedKeys(routes) {
		for _, target := range routes[pattern] {
			r.AddRoute(pattern, target)
		}
	}
}

// Reset drops every route.
func (r *Router) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact = make(map[string][]string)
	r.wildcards = nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
