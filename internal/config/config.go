package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host           string   `yaml:"host"`
		Port           int      `yaml:"port"`
		AllowedOrigins []string `yaml:"allowedOrigins"`
		AcceptRate     float64  `yaml:"acceptRate"`
		AcceptBurst    int      `yaml:"acceptBurst"`
		RequestLog     bool     `yaml:"requestLog"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret string        `yaml:"jwtSecret"`
		TokenTTL  time.Duration `yaml:"tokenTTL"`
	} `yaml:"auth"`
	Hub struct {
		Channels  []string      `yaml:"channels"`
		KeepState bool          `yaml:"keepState"`
		PageTTL   time.Duration `yaml:"pageTTL"`
	} `yaml:"hub"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Discovery struct {
		Enabled  bool   `yaml:"enabled"`
		Instance string `yaml:"instance"`
	} `yaml:"discovery"`
	Client struct {
		URL            string        `yaml:"url"`
		BackoffInitial time.Duration `yaml:"backoffInitial"`
		BackoffMax     time.Duration `yaml:"backoffMax"`
		QueueSize      int           `yaml:"queueSize"`
	} `yaml:"client"`
}

// LoadFromBytes loads configuration from YAML bytes with environment variable expansion
func LoadFromBytes(data []byte) (Config, error) {
	var c Config
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
		return c, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Load reads path, or falls back to the embedded defaults when path is empty.
func Load(path string, embedded []byte) (Config, error) {
	if path == "" {
		return LoadFromBytes(embedded)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(data)
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 7420
	}
	if c.Server.AcceptRate > 0 && c.Server.AcceptBurst <= 0 {
		c.Server.AcceptBurst = int(c.Server.AcceptRate)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Client.BackoffInitial == 0 {
		c.Client.BackoffInitial = 100 * time.Millisecond
	}
	if c.Client.BackoffMax == 0 {
		c.Client.BackoffMax = 10 * time.Second
	}
	if c.Client.QueueSize == 0 {
		c.Client.QueueSize = 256
	}
	c.Server.AllowedOrigins = compact(c.Server.AllowedOrigins)
	c.Hub.Channels = compact(c.Hub.Channels)
}

// compact trims entries and drops empty ones.
func compact(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.AcceptRate < 0 {
		errs = append(errs, errors.New("server.acceptRate must not be negative"))
	}
	if len(c.Hub.Channels) == 0 {
		errs = append(errs, errors.New("hub.channels is empty"))
	}
	for _, ch := range c.Hub.Channels {
		if ch == "global" || ch == "page" || strings.Contains(ch, "#") {
			errs = append(errs, fmt.Errorf("hub.channels: invalid channel %q", ch))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q unknown", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q unknown", c.Log.Format))
	}
	if c.Hub.PageTTL < 0 {
		errs = append(errs, errors.New("hub.pageTTL must not be negative"))
	}
	if c.Auth.TokenTTL < 0 {
		errs = append(errs, errors.New("auth.tokenTTL must not be negative"))
	}
	if c.Client.BackoffMax < c.Client.BackoffInitial {
		errs = append(errs, errors.New("client.backoffMax is below client.backoffInitial"))
	}
	if c.Client.QueueSize < 0 {
		errs = append(errs, errors.New("client.queueSize must not be negative"))
	}
	return errors.Join(errs...)
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// BaseURL is the coordinator URL clients use when none is configured.
func (c Config) BaseURL() string {
	if c.Client.URL != "" {
		return strings.TrimSuffix(c.Client.URL, "/")
	}
	host := c.Server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}
