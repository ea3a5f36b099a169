// Package registry resolves which destinations receive a topic's messages.
package registry

import (
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/machinefabric/aacsipc-go/config"
	"github.com/machinefabric/aacsipc-go/ipc"
)

var log = logging.Logger("aacs-registry")

// ErrorType classifies registry failures.
type ErrorType int

const (
	ErrorTypeNoTargetsFound ErrorType = iota
	ErrorTypeInvalidConfig
)

// Error is returned when a topic cannot be resolved.
type Error struct {
	Type    ErrorType
	Topic   string
	Action  string
	Message string
}

func (e *Error) Error() string {
	switch e.Type {
	case ErrorTypeNoTargetsFound:
		return fmt.Sprintf("no targets found for topic=%s action=%s", e.Topic, e.Action)
	case ErrorTypeInvalidConfig:
		return fmt.Sprintf("invalid targets for topic=%s: %s", e.Topic, e.Message)
	default:
		return fmt.Sprintf("registry error for topic=%s: %s", e.Topic, e.Message)
	}
}

// Resolver discovers destinations that declared interest in topic/action.
// *ipc.Bus is a Resolver.
type Resolver interface {
	Resolve(topic, action string) []ipc.Destination
}

// Registry finds targets for a topic: configured targets win, then earlier
// discovery results, then the Resolver. Discovery results are cached per
// topic and action until Reload or ClearCache.
type Registry struct {
	mu       sync.RWMutex
	cfg      *config.Config
	resolver Resolver
	cache    map[string][]ipc.Destination
}

// New creates a Registry. A nil cfg means no configured targets; a nil
// resolver disables discovery.
func New(cfg *config.Config, resolver Resolver) *Registry {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Registry{
		cfg:      cfg,
		resolver: resolver,
		cache:    make(map[string][]ipc.Destination),
	}
}

func cacheKey(topic, action string) string {
	return topic + "+" + action
}

// FindTargets returns the destinations for topic/action.
func (r *Registry) FindTargets(topic, action string) ([]ipc.Destination, error) {
	r.mu.RLock()
	cfg := r.cfg
	cached, hit := r.cache[cacheKey(topic, action)]
	r.mu.RUnlock()

	configured, err := cfg.TargetsFor(topic)
	if err != nil {
		return nil, &Error{Type: ErrorTypeInvalidConfig, Topic: topic, Action: action, Message: err.Error()}
	}
	if len(configured) > 0 {
		log.Debugw("targets found in config", "topic", topic, "count", len(configured))
		return configured, nil
	}

	if hit {
		log.Debugw("targets found in cache", "topic", topic, "action", action, "count", len(cached))
		return append([]ipc.Destination(nil), cached...), nil
	}

	if r.resolver == nil {
		log.Errorw("no targets found", "topic", topic, "action", action)
		return nil, &Error{Type: ErrorTypeNoTargetsFound, Topic: topic, Action: action}
	}
	resolved := r.resolver.Resolve(topic, action)
	if len(resolved) == 0 {
		log.Errorw("no targets found", "topic", topic, "action", action)
		return nil, &Error{Type: ErrorTypeNoTargetsFound, Topic: topic, Action: action}
	}

	log.Infow("caching targets", "topic", topic, "action", action, "count", len(resolved))
	r.mu.Lock()
	r.cache[cacheKey(topic, action)] = resolved
	r.mu.Unlock()
	return append([]ipc.Destination(nil), resolved...), nil
}

// Reload swaps in a new configuration and forgets discovered targets.
func (r *Registry) Reload(cfg *config.Config) {
	if cfg == nil {
		cfg = config.Default()
	}
	r.mu.Lock()
	r.cfg = cfg
	r.cache = make(map[string][]ipc.Destination)
	r.mu.Unlock()
}

// ClearCache forgets discovered targets.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	r.cache = make(map[string][]ipc.Destination)
	r.mu.Unlock()
}

// Config returns the configuration in effect.
func (r *Registry) Config() *config.Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}
