// Package config loads the dbus-bridge daemon configuration.
//
// The configuration is a single YAML file:
//
//	bus: system            # system, session, or a socket path or unix: address
//	call_timeout: 25s
//	event_timeout: 10s
//	queue_limit: 64
//	log_level: info
//	log_format: text
//	event_log: /var/log/dbus-bridge/events.cbor
//	objects:
//	  - name: org.matahariproject.Test
//	    path: /org/matahariproject/Test
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danderson/dbusbridge/bridge"
	"github.com/danderson/dbusbridge/dbus"
	"github.com/danderson/dbusbridge/internal/logging"
	"gopkg.in/yaml.v3"
)

// Well-known values for Config.Bus.
const (
	SystemBus  = "system"
	SessionBus = "session"
)

// Config is the daemon configuration.
type Config struct {
	// Bus selects the bus to bridge: "system", "session", or the
	// address of another bus.
	Bus string `yaml:"bus"`
	// CallTimeout and EventTimeout are Go durations, like "25s".
	CallTimeout  string `yaml:"call_timeout"`
	EventTimeout string `yaml:"event_timeout"`
	// QueueLimit is the per-subscriber event buffer.
	QueueLimit int `yaml:"queue_limit"`
	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
	// LogFormat is one of text, json or logfmt.
	LogFormat string `yaml:"log_format"`
	// EventLog, if set, is the file that bridged events are appended
	// to, in CBOR.
	EventLog string `yaml:"event_log,omitempty"`
	// Objects are the foreign objects whose signals are bridged.
	Objects []Object `yaml:"objects"`
}

// Object identifies a foreign object.
type Object struct {
	Name string `yaml:"name"`
	Path string `yaml:"path"`
}

// Default returns the configuration used for settings the file does
// not mention.
func Default() *Config {
	return &Config{
		Bus:          SystemBus,
		CallTimeout:  bridge.DefaultCallTimeout.String(),
		EventTimeout: bridge.DefaultEventTimeout.String(),
		QueueLimit:   bridge.DefaultQueueLimit,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

// LoadFile loads and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Bus == "" {
		errs = append(errs, errors.New("bus is required"))
	}
	if _, err := parseDuration(c.CallTimeout); err != nil {
		errs = append(errs, fmt.Errorf("call_timeout: %w", err))
	}
	if _, err := parseDuration(c.EventTimeout); err != nil {
		errs = append(errs, fmt.Errorf("event_timeout: %w", err))
	}
	if c.QueueLimit < 0 {
		errs = append(errs, fmt.Errorf("queue_limit must not be negative, got %d", c.QueueLimit))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if _, err := logging.ParseFormat(c.LogFormat); err != nil {
		errs = append(errs, fmt.Errorf("log_format: %w", err))
	}

	seen := map[Object]bool{}
	for i, o := range c.Objects {
		if err := dbus.ValidBusName(o.Name); err != nil {
			errs = append(errs, fmt.Errorf("objects[%d].name: %w", i, err))
		}
		if err := dbus.ObjectPath(o.Path).Valid(); err != nil {
			errs = append(errs, fmt.Errorf("objects[%d].path: %w", i, err))
		}
		if seen[o] {
			errs = append(errs, fmt.Errorf("objects[%d]: %s:%s listed twice", i, o.Name, o.Path))
		}
		seen[o] = true
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %s", s)
	}
	return d, nil
}

// BridgeOptions returns the bridge options described by c. c must be
// valid.
func (c *Config) BridgeOptions(logger *log.Logger) *bridge.Options {
	call, _ := parseDuration(c.CallTimeout)
	event, _ := parseDuration(c.EventTimeout)
	return &bridge.Options{
		CallTimeout:  call,
		EventTimeout: event,
		QueueLimit:   c.QueueLimit,
		Logger:       logger,
	}
}

// Dial connects to the configured bus.
func (c *Config) Dial(ctx context.Context) (*dbus.Conn, error) {
	switch {
	case c.Bus == SystemBus:
		return dbus.SystemBus(ctx)
	case c.Bus == SessionBus:
		return dbus.SessionBus(ctx)
	case strings.HasPrefix(c.Bus, "unix:"):
		path, err := dbus.ParseAddress(c.Bus)
		if err != nil {
			return nil, err
		}
		return dbus.Dial(ctx, path)
	default:
		return dbus.Dial(ctx, c.Bus)
	}
}
