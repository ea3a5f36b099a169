// Package aacsipc wires the IPC pieces into one service: an in-process bus,
// a sender, and a registry resolving topics to destinations.
//
//	svc, err := aacsipc.New(cfg)
//	svc.Bus().Register(dest, receiver, ipc.Filter{Topic: "Navigation"})
//	ok, err := svc.Publish(payload, "Navigation", "StartNavigation").Wait(ctx)
package aacsipc

import (
	"context"
	"fmt"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/machinefabric/aacsipc-go/config"
	"github.com/machinefabric/aacsipc-go/ipc"
	"github.com/machinefabric/aacsipc-go/registry"
)

var log = logging.Logger(ipc.LoggerName)

type options struct {
	registerer prometheus.Registerer
	bus        *ipc.Bus
}

// Option configures a Service.
type Option func(*options)

// WithMetrics registers the sender's collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBus uses an existing bus instead of creating one.
func WithBus(bus *ipc.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// Service publishes messages to the targets of their topic.
type Service struct {
	bus      *ipc.Bus
	sender   *ipc.Sender
	registry *registry.Registry
	metrics  *ipc.Metrics

	mu      sync.Mutex
	cfg     *config.Config
	watcher *config.Watcher
	closed  bool
}

// New builds a Service from cfg; a nil cfg uses defaults.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.ApplyLogging(); err != nil {
		return nil, err
	}

	bus := o.bus
	if bus == nil {
		bus = ipc.NewBus()
	}

	var metrics *ipc.Metrics
	if o.registerer != nil {
		m, err := ipc.NewMetrics(o.registerer, "sender")
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	senderOpts := append(cfg.SenderOptions(), ipc.WithSenderMetrics(metrics))
	sender, err := ipc.NewSender(bus, senderOpts...)
	if err != nil {
		return nil, fmt.Errorf("create sender: %w", err)
	}

	return &Service{
		bus:      bus,
		sender:   sender,
		registry: registry.New(cfg, bus),
		metrics:  metrics,
		cfg:      cfg,
	}, nil
}

func (s *Service) Bus() *ipc.Bus {
	return s.bus
}

func (s *Service) Sender() *ipc.Sender {
	return s.sender
}

func (s *Service) Registry() *registry.Registry {
	return s.registry
}

// Metrics returns the sender's collectors, or nil when metrics are off.
func (s *Service) Metrics() *ipc.Metrics {
	return s.metrics
}

// Config returns the configuration in effect.
func (s *Service) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Route sends everything addressed to package pkg through t, typically a
// Conn to the process hosting it.
func (s *Service) Route(pkg string, t ipc.Transport) {
	s.bus.Route(ipc.Destination{Package: pkg}, t)
}

// Publish sends message to every target of topic, streaming it when it is
// too large to embed.
func (s *Service) Publish(message, topic, action string) *ipc.Delivery {
	targets, err := s.registry.FindTargets(topic, action)
	if err != nil {
		return ipc.FailedDelivery(nil, err)
	}
	log.Debugw("publishing", "topic", topic, "action", action, "targets", len(targets))
	return s.sender.SendAnySize(message, topic, action, targets...)
}

// ApplyConfig switches to cfg: log level and targets change immediately.
// Transfer settings are fixed when the sender is built; changes to them are
// logged and ignored.
func (s *Service) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return &config.Error{Type: config.ErrorTypeInvalid, Message: "nil configuration"}
	}
	if err := cfg.ApplyLogging(); err != nil {
		return err
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if prev.IPC != cfg.IPC {
		log.Warnw("ipc settings changed; restart to apply", "previous", prev.IPC, "requested", cfg.IPC)
	}
	s.registry.Reload(cfg)
	log.Infow("configuration applied", "topics", len(cfg.Targets), "level", cfg.Logging.Level)
	return nil
}

// WatchConfig applies every valid revision of the file at path until ctx
// ends or the service closes.
func (s *Service) WatchConfig(ctx context.Context, path string) error {
	watcher, err := config.Watch(ctx, path, func(cfg *config.Config) {
		if err := s.ApplyConfig(cfg); err != nil {
			log.Warnw("failed to apply reloaded configuration", "path", path, "error", err)
		}
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = watcher.Close()
		return &ipc.Error{Type: ipc.ErrorTypeClosed}
	}
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	s.watcher = watcher
	return nil
}

// Close stops config watching and the sender; in-flight transfers fail.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watcher := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	if watcher != nil {
		_ = watcher.Close()
	}
	s.sender.Close()
	return nil
}
