// Package config loads the snapsync configuration file
// and builds the logger it describes.
package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Environment variables that override the file.
const (
	EnvPublisherID = "SNAPSYNC_PUBLISHER_ID"
	EnvLogLevel    = "LOG_LEVEL"
	EnvLogFormat   = "LOG_FORMAT"
)

// Config is the contents of a snapsync.yaml file.
// Relative paths are relative to the file's directory.
type Config struct {
	// PublisherID is the agent id of the publisher.
	// It defaults to the name of the running program.
	PublisherID string `yaml:"publisher_id"`

	// Repository is the snapshot repository directory.
	Repository string `yaml:"repository"`

	// Origin, if set, makes Repository a mirror of this repository directory or grpc:// address.
	Origin string `yaml:"origin"`

	// StateDir holds the agent state document.
	StateDir string `yaml:"state_dir"`

	// Objects, if set, is the object store configuration, with a "type" key.
	// Otherwise the repository keeps its objects in files under its metadata directory.
	Objects map[string]interface{} `yaml:"objects"`

	// Replicas are further object stores brought up to date after each publish.
	Replicas []map[string]interface{} `yaml:"replicas"`

	Publisher  PublisherConfig  `yaml:"publisher"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Log        LogConfig        `yaml:"log"`
}

// PublisherConfig configures the publisher's servers and notifications.
type PublisherConfig struct {
	Listen        string        `yaml:"listen"`
	ObjectsListen string        `yaml:"objects_listen"`
	NotifyTimeout time.Duration `yaml:"notify_timeout"`
}

// SubscriberConfig configures a subscriber instance.
type SubscriberConfig struct {
	ID           string `yaml:"id"`
	Listen       string `yaml:"listen"`
	PublicURI    string `yaml:"public_uri"`
	PrivateURI   string `yaml:"private_uri"`
	PublisherURL string `yaml:"publisher_url"`

	ThrottleWindow time.Duration `yaml:"throttle_window"`
	ThrottleMax    int           `yaml:"throttle_max"`
}

// LogConfig selects the log level (debug, info, warn, error)
// and format (text or json).
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func (c *Config) defaults() {
	if c.PublisherID == "" {
		c.PublisherID = strings.TrimSuffix(filepath.Base(os.Args[0]), ".exe")
	}
	if c.Repository == "" {
		c.Repository = "repo"
	}
	if c.StateDir == "" {
		c.StateDir = "state"
	}
	if c.Publisher.Listen == "" {
		c.Publisher.Listen = ":8470"
	}
	if c.Publisher.ObjectsListen == "" {
		c.Publisher.ObjectsListen = ":8471"
	}
	if c.Publisher.NotifyTimeout <= 0 {
		c.Publisher.NotifyTimeout = 5 * time.Minute
	}
	if c.Subscriber.Listen == "" {
		c.Subscriber.Listen = ":8472"
	}
	if c.Subscriber.ThrottleWindow <= 0 {
		c.Subscriber.ThrottleWindow = 10 * time.Second
	}
	if c.Subscriber.ThrottleMax <= 0 {
		c.Subscriber.ThrottleMax = 10
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) env() {
	if v := os.Getenv(EnvPublisherID); v != "" {
		c.PublisherID = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvLogFormat); v != "" {
		c.Log.Format = strings.ToLower(v)
	}
}

// Load reads the configuration file at path.
// A missing file is not an error: the result is then the default configuration,
// relative to the current directory.
// Environment variables override the file, and defaults fill in the rest.
func Load(path string) (*Config, error) {
	c := new(Config)

	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// defaults only
	case err != nil:
		return nil, errors.Wrapf(err, "opening %s", path)
	default:
		defer f.Close()
		if err = Decode(f, c); err != nil {
			return nil, errors.Wrapf(err, "decoding %s", path)
		}
	}

	c.env()
	c.defaults()
	if err = c.Validate(); err != nil {
		return nil, err
	}
	c.resolve(filepath.Dir(path))
	return c, nil
}

// Decode reads YAML configuration from r into c.
func Decode(r io.Reader, c *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	err := dec.Decode(c)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Validate checks values that have a fixed set of choices.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.Objects != nil {
		if _, ok := c.Objects["type"].(string); !ok {
			return errors.New("objects config missing `type` parameter")
		}
	}
	for i, r := range c.Replicas {
		if _, ok := r["type"].(string); !ok {
			return errors.Errorf("replica %d config missing `type` parameter", i)
		}
	}
	return nil
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Repository = abs(c.Repository)
	c.StateDir = abs(c.StateDir)
	if c.Origin != "" && !strings.Contains(c.Origin, "://") {
		c.Origin = abs(c.Origin)
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, errors.Wrapf(err, "parsing log level %q", s)
}

// Logger builds the logger described by c, writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if c.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}
