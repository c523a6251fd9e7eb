// Package config loads chatsync settings from a YAML file, the environment
// and finally command-line flags.
package config

import (
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/eventbus"
	"github.com/go-go-golems/chatsync/pkg/logging"
)

const envPrefix = "CHATSYNC_"

type Config struct {
	BaseURL          string        `yaml:"base_url"`
	StreamURL        string        `yaml:"stream_url"`
	HistoryLimit     int           `yaml:"history_limit"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	MaxRetries       int           `yaml:"max_retries"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	CredentialsFile  string        `yaml:"credentials_file"`
	SendRate         float64       `yaml:"send_rate"`
	SendBurst        int           `yaml:"send_burst"`
	TranscriptDB     string        `yaml:"transcript_db"`
	MetricsAddr      string        `yaml:"metrics_addr"`

	Log   logging.Settings  `yaml:"log"`
	Redis eventbus.Settings `yaml:"redis"`
}

func Default() *Config {
	return &Config{
		BaseURL:          "http://127.0.0.1:8000/",
		HistoryLimit:     50,
		RetryDelay:       2 * time.Second,
		MaxRetries:       1,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		RequestTimeout:   15 * time.Second,
		CredentialsFile:  filepath.Join(homeDir(), ".chatsync", "credentials.yaml"),
		SendRate:         5,
		SendBurst:        10,
		Log:              logging.DefaultSettings(),
		Redis:            eventbus.DefaultSettings(),
	}
}

// DefaultPath is where Load looks when no explicit path is given.
func DefaultPath() string {
	return filepath.Join(homeDir(), ".chatsync", "config.yaml")
}

// Load reads path on top of the defaults and applies CHATSYNC_* overrides.
// A missing file is not an error when path is the default location.
func Load(path string) (*Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills derived values and validates the result.
func (c *Config) Normalize() error {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.BaseURL == "" {
		return errors.New("config: base_url is empty")
	}
	if !strings.HasSuffix(c.BaseURL, "/") {
		c.BaseURL += "/"
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return errors.Wrap(err, "config: invalid base_url")
	}
	if strings.TrimSpace(c.StreamURL) == "" {
		derived, err := DeriveStreamURL(c.BaseURL)
		if err != nil {
			return err
		}
		c.StreamURL = derived
	}
	if !strings.HasSuffix(c.StreamURL, "/") {
		c.StreamURL += "/"
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if c.RetryDelay < 0 {
		return errors.New("config: retry_delay must be >= 0")
	}
	return nil
}

// DeriveStreamURL maps http(s)://host/ to ws(s)://host/ws/chat/.
func DeriveStreamURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", errors.Wrap(err, "config: invalid base_url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", errors.Errorf("config: unsupported base_url scheme %q", u.Scheme)
	}
	u.Path = "/ws/chat/"
	u.RawQuery = ""
	return u.String(), nil
}

// applyEnv overrides every setting that has a CHATSYNC_<KEY> variable. Keys
// are the YAML names upper-cased, with LOG_ and REDIS_ prefixes for the
// nested sections.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("BASE_URL", &c.BaseURL)
	e.str("STREAM_URL", &c.StreamURL)
	e.integer("HISTORY_LIMIT", &c.HistoryLimit)
	e.duration("RETRY_DELAY", &c.RetryDelay)
	e.integer("MAX_RETRIES", &c.MaxRetries)
	e.duration("HANDSHAKE_TIMEOUT", &c.HandshakeTimeout)
	e.duration("WRITE_TIMEOUT", &c.WriteTimeout)
	e.duration("REQUEST_TIMEOUT", &c.RequestTimeout)
	e.str("CREDENTIALS_FILE", &c.CredentialsFile)
	e.float("SEND_RATE", &c.SendRate)
	e.integer("SEND_BURST", &c.SendBurst)
	e.str("TRANSCRIPT_DB", &c.TranscriptDB)
	e.str("METRICS_ADDR", &c.MetricsAddr)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	e.str("LOG_FILE", &c.Log.File)

	e.boolean("REDIS_ENABLED", &c.Redis.Enabled)
	e.str("REDIS_ADDR", &c.Redis.Addr)
	e.str("REDIS_TOPIC", &c.Redis.Topic)
	e.str("REDIS_GROUP", &c.Redis.Group)
	e.str("REDIS_CONSUMER", &c.Redis.Consumer)

	return e.err
}

// envReader keeps the first parse error and skips the remaining keys.
type envReader struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	return e.lookup(envPrefix + key)
}

func (e *envReader) fail(key string, err error) {
	e.err = errors.Wrapf(err, "config: %s%s", envPrefix, key)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}
