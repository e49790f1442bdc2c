package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends
const (
	StoreRemote = "remote"
	StoreLocal  = "local"
)

type Config struct {
	Port string `yaml:"port"`

	Supabase struct {
		URL     string `yaml:"url"`
		AnonKey string `yaml:"anon_key"`
	} `yaml:"supabase"`

	Store struct {
		Backend    string `yaml:"backend"`
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"store"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`

	Timeouts struct {
		Write     time.Duration `yaml:"write"`
		Beacon    time.Duration `yaml:"beacon"`
		Heartbeat time.Duration `yaml:"heartbeat"`
	} `yaml:"timeouts"`
}

// Defaults returns a config with every optional value filled in.
func Defaults() *Config {
	c := &Config{Port: "8080"}
	c.Store.Backend = StoreRemote
	c.Store.SQLitePath = "scuffedchat.db"
	c.Log.Level = "info"
	c.Log.Format = "json"
	c.Timeouts.Write = 10 * time.Second
	c.Timeouts.Beacon = 2 * time.Second
	c.Timeouts.Heartbeat = 30 * time.Second
	return c
}

// Load reads .env (if present), then the optional YAML file at path, then
// environment overrides. It reports whether a .env file was found.
func Load(path string) (*Config, bool, error) {
	dotenv := godotenv.Load() == nil

	c := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, dotenv, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, dotenv, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, dotenv, err
	}
	return c, dotenv, c.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("PORT", &c.Port)
	str("SUPABASE_URL", &c.Supabase.URL)
	str("SUPABASE_ANON_KEY", &c.Supabase.AnonKey)
	str("STORE", &c.Store.Backend)
	str("SQLITE_PATH", &c.Store.SQLitePath)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	return errors.Join(
		dur("WRITE_TIMEOUT", &c.Timeouts.Write),
		dur("BEACON_TIMEOUT", &c.Timeouts.Beacon),
		dur("HEARTBEAT_INTERVAL", &c.Timeouts.Heartbeat),
	)
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Backend {
	case StoreRemote:
		if c.Supabase.URL == "" {
			errs = append(errs, errors.New("SUPABASE_URL is required for the remote store"))
		} else if u, err := url.Parse(c.Supabase.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("SUPABASE_URL %q is not an absolute URL", c.Supabase.URL))
		}
		if c.Supabase.AnonKey == "" {
			errs = append(errs, errors.New("SUPABASE_ANON_KEY is required for the remote store"))
		}
	case StoreLocal:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("SQLITE_PATH is required for the local store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Timeouts.Write <= 0 || c.Timeouts.Beacon <= 0 || c.Timeouts.Heartbeat <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	return errors.Join(errs...)
}

// RealtimeURL derives the realtime websocket endpoint from the project URL.
func (c *Config) RealtimeURL() string {
	u := strings.TrimRight(c.Supabase.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

// RESTURL is the PostgREST root for the project.
func (c *Config) RESTURL() string {
	return strings.TrimRight(c.Supabase.URL, "/") + "/rest/v1"
}

// AuthURL is the auth provider root for the project.
func (c *Config) AuthURL() string {
	return strings.TrimRight(c.Supabase.URL, "/") + "/auth/v1"
}
