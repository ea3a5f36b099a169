// Package config loads the IPC configuration file: transfer limits, log
// level and the per-topic delivery targets.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/machinefabric/aacsipc-go/ipc"
)

var log = logging.Logger("aacs-config")

// Loggers whose level follows logging.level.
var Subsystems = []string{ipc.LoggerName, "aacs-registry", "aacs-config"}

// ErrorType classifies configuration failures.
type ErrorType int

const (
	ErrorTypeRead ErrorType = iota
	ErrorTypeParse
	ErrorTypeSchema
	ErrorTypeInvalid
)

// Error is returned for unreadable or invalid configuration.
type Error struct {
	Type    ErrorType
	Path    string
	Message string
}

func (e *Error) Error() string {
	prefix := "config"
	if e.Path != "" {
		prefix = fmt.Sprintf("config %s", e.Path)
	}
	switch e.Type {
	case ErrorTypeRead:
		return fmt.Sprintf("%s: read failed: %s", prefix, e.Message)
	case ErrorTypeParse:
		return fmt.Sprintf("%s: parse failed: %s", prefix, e.Message)
	case ErrorTypeSchema:
		return fmt.Sprintf("%s: schema validation failed:\n%s", prefix, e.Message)
	case ErrorTypeInvalid:
		return fmt.Sprintf("%s: invalid: %s", prefix, e.Message)
	default:
		return fmt.Sprintf("%s: %s", prefix, e.Message)
	}
}

// IPC holds transfer settings. Zero values mean "use the default".
type IPC struct {
	CacheCapacity     int `json:"cacheCapacity,omitempty"`
	MaxEmbeddedBytes  int `json:"maxEmbeddedBytes,omitempty"`
	StreamWorkers     int `json:"streamWorkers,omitempty"`
	TransferTimeoutMs int `json:"transferTimeoutMs,omitempty"`
}

type Logging struct {
	Level string `json:"level,omitempty"`
}

// Target is one delivery target of a topic.
type Target struct {
	Package string `json:"package"`
	Class   string `json:"class"`
	Type    string `json:"type"`
}

// IntentTargets is the parallel-array form of a topic's targets.
type IntentTargets struct {
	Package []string `json:"package"`
	Class   []string `json:"class"`
	Type    []string `json:"type"`
}

// Config is the parsed configuration file.
type Config struct {
	IPC           IPC                      `json:"ipc"`
	Logging       Logging                  `json:"logging"`
	Targets       map[string][]Target      `json:"targets,omitempty"`
	IntentTargets map[string]IntentTargets `json:"intentTargets,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads and parses the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Type: ErrorTypeRead, Path: path, Message: err.Error()}
	}
	cfg, err := Parse(data)
	if err != nil {
		if cerr, ok := err.(*Error); ok {
			cerr.Path = path
		}
		return nil, err
	}
	return cfg, nil
}

// Parse validates data against the schema, decodes it and fills in defaults.
// intentTargets entries are folded into Targets.
func Parse(data []byte) (*Config, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, &Error{Type: ErrorTypeParse, Message: err.Error()}
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.IPC.CacheCapacity <= 0 {
		c.IPC.CacheCapacity = ipc.DefaultCacheCapacity
	}
	if c.IPC.MaxEmbeddedBytes <= 0 {
		c.IPC.MaxEmbeddedBytes = ipc.DefaultMaxEmbeddedBytes
	}
	if c.IPC.StreamWorkers <= 0 {
		c.IPC.StreamWorkers = ipc.DefaultStreamWorkers
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) normalize() error {
	for topic, it := range c.IntentTargets {
		if len(it.Package) != len(it.Class) || len(it.Package) != len(it.Type) {
			return &Error{
				Type:    ErrorTypeInvalid,
				Message: fmt.Sprintf("intentTargets.%s: package, class and type lists differ in length", topic),
			}
		}
		if c.Targets == nil {
			c.Targets = make(map[string][]Target)
		}
		for i := range it.Package {
			c.Targets[topic] = append(c.Targets[topic], Target{
				Package: it.Package[i],
				Class:   it.Class[i],
				Type:    it.Type[i],
			})
		}
	}
	c.IntentTargets = nil
	return nil
}

// TransferTimeout is ipc.transferTimeoutMs as a duration; zero disables it.
func (c *Config) TransferTimeout() time.Duration {
	return time.Duration(c.IPC.TransferTimeoutMs) * time.Millisecond
}

// SenderOptions maps the ipc section to sender options.
func (c *Config) SenderOptions() []ipc.SenderOption {
	return []ipc.SenderOption{
		ipc.WithCacheCapacity(c.IPC.CacheCapacity),
		ipc.WithMaxEmbeddedBytes(c.IPC.MaxEmbeddedBytes),
		ipc.WithStreamWorkers(c.IPC.StreamWorkers),
		ipc.WithTransferTimeout(c.TransferTimeout()),
	}
}

// TargetsFor returns the configured destinations of topic, in file order.
// It returns nil when the topic has no configured targets.
func (c *Config) TargetsFor(topic string) ([]ipc.Destination, error) {
	targets := c.Targets[topic]
	if len(targets) == 0 {
		return nil, nil
	}
	dests := make([]ipc.Destination, 0, len(targets))
	for _, t := range targets {
		typ, err := ipc.ParseDestinationType(t.Type)
		if err != nil {
			return nil, &Error{Type: ErrorTypeInvalid, Message: fmt.Sprintf("targets.%s: %v", topic, err)}
		}
		dests = append(dests, ipc.NewDestination(typ, t.Package, t.Class))
	}
	return dests, nil
}

// ApplyLogging sets the level of every library logger.
func (c *Config) ApplyLogging() error {
	for _, name := range Subsystems {
		err := logging.SetLogLevel(name, c.Logging.Level)
		if errors.Is(err, logging.ErrNoSuchLogger) {
			// package not linked in
			continue
		}
		if err != nil {
			return &Error{Type: ErrorTypeInvalid, Message: fmt.Sprintf("logging.level: %v", err)}
		}
	}
	log.Debugw("log level applied", "level", c.Logging.Level)
	return nil
}
