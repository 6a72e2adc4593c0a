package rpc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds one pool per logical network and exposes breaker controls keyed by
// "<network>/<endpoint>".
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry indexes the supplied pools by network.
func NewRegistry(pools ...*Pool) (*Registry, error) {
	r := &Registry{pools: make(map[string]*Pool, len(pools))}
	for _, pool := range pools {
		if pool == nil {
			continue
		}
		if _, dup := r.pools[pool.Network()]; dup {
			return nil, fmt.Errorf("rpc: duplicate pool for network %s", pool.Network())
		}
		r.pools[pool.Network()] = pool
	}
	return r, nil
}

// Pool returns the pool for network.
func (r *Registry) Pool(network string) (*Pool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[strings.ToLower(strings.TrimSpace(network))]
	if !ok {
		return nil, fmt.Errorf("%w: network %q", ErrUnknownEndpoint, network)
	}
	return pool, nil
}

// Networks lists configured networks in sorted order.
func (r *Registry) Networks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.pools))
	for name := range r.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status returns every breaker keyed by "<network>/<endpoint>".
func (r *Registry) Status() map[string]BreakerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerStatus)
	for network, pool := range r.pools {
		for endpoint, status := range pool.Status() {
			out[network+"/"+endpoint] = status
		}
	}
	return out
}

// Reset closes a single breaker. The key is "<network>/<endpoint>"; a bare endpoint
// name is accepted when it is unambiguous.
func (r *Registry) Reset(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key = strings.TrimSpace(key)
	if network, endpoint, ok := strings.Cut(key, "/"); ok {
		pool, exists := r.pools[strings.ToLower(network)]
		return exists && pool.Reset(endpoint)
	}
	var match *Pool
	for _, pool := range r.pools {
		if _, ok := pool.Status()[key]; ok {
			if match != nil {
				return false
			}
			match = pool
		}
	}
	return match != nil && match.Reset(key)
}

// ResetAll closes every breaker in every pool.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, pool := range r.pools {
		pool.ResetAll()
	}
}
