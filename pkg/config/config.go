package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingDefaultProxy is returned when no default backend is configured.
	ErrMissingDefaultProxy = errors.New("missing default proxy")
	// ErrInvalidRule is returned for a malformed routing rule.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidConfig is returned for malformed non-rule settings.
	ErrInvalidConfig = errors.New("invalid config")
)

// Backend is an upstream HTTP server requests are forwarded to
type Backend struct {
	Addr       string `json:"addr" yaml:"addr" toml:"addr"`
	HostHeader string `json:"hostHeader,omitempty" yaml:"hostHeader,omitempty" toml:"hostHeader,omitempty"`
	Timeout    int    `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Throttle   string `json:"throttle,omitempty" yaml:"throttle,omitempty" toml:"throttle,omitempty"`
}

// FileRule serves a single file for one exact URL path
type FileRule struct {
	URL         string `json:"url" yaml:"url" toml:"url"`
	Path        string `json:"path" yaml:"path" toml:"path"`
	ContentType string `json:"contentType" yaml:"contentType" toml:"contentType"`
}

// StaticRule serves a directory under a URL prefix
type StaticRule struct {
	Prefix string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Dir    string `json:"dir" yaml:"dir" toml:"dir"`
}

// SubProxyRule forwards requests under a URL prefix to its own backend
type SubProxyRule struct {
	Prefix  string `json:"prefix" yaml:"prefix" toml:"prefix"`
	Backend `yaml:",inline"`
}

// Config represents the complete devproxy configuration
type Config struct {
	Server     Server         `json:"server" yaml:"server" toml:"server"`
	Logging    Logging        `json:"logging" yaml:"logging" toml:"logging"`
	Defaults   Defaults       `json:"defaults" yaml:"defaults" toml:"defaults"`
	Proxy      Backend        `json:"proxy" yaml:"proxy" toml:"proxy"`
	Files      []FileRule     `json:"files,omitempty" yaml:"files,omitempty" toml:"files,omitempty"`
	Static     []StaticRule   `json:"static,omitempty" yaml:"static,omitempty" toml:"static,omitempty"`
	SubProxies []SubProxyRule `json:"subProxies,omitempty" yaml:"subProxies,omitempty" toml:"subProxies,omitempty"`
	Metrics    Metrics        `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// Defaults contains forwarding settings applied to every backend that does
// not set its own
type Defaults struct {
	Timeout  int    `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Throttle string `json:"throttle,omitempty" yaml:"throttle,omitempty" toml:"throttle,omitempty"`
}

// Server contains listener configuration
type Server struct {
	Host   string `json:"host,omitempty" yaml:"host,omitempty" toml:"host,omitempty"`
	Port   int    `json:"port" yaml:"port" toml:"port"`
	Public bool   `json:"public,omitempty" yaml:"public,omitempty" toml:"public,omitempty"`
}

// Logging contains log output configuration
type Logging struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Metrics contains the optional metrics listener configuration
type Metrics struct {
	Listen string `json:"listen,omitempty" yaml:"listen,omitempty" toml:"listen,omitempty"`
}

// DefaultPort is the port devproxy listens on unless told otherwise
const DefaultPort = 3000

// LoadConfig loads configuration from environment variables and the file
// named by CONFIG_FILE, if any
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(os.Getenv("CONFIG_FILE"))
}

// LoadConfigFrom loads configuration from environment variables and then
// overlays the given config file. An empty filename skips the file.
func LoadConfigFrom(filename string) (*Config, error) {
	config := &Config{
		Server: Server{
			Host:   os.Getenv("DEVPROXY_HOST"),
			Port:   getEnvInt("DEVPROXY_PORT", DefaultPort),
			Public: getEnvBool("DEVPROXY_PUBLIC", false),
		},
		Logging: Logging{
			Level:  getEnv("LOG", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
		Defaults: Defaults{
			Timeout:  getEnvInt("DEVPROXY_TIMEOUT", 0),
			Throttle: os.Getenv("DEVPROXY_THROTTLE"),
		},
		Proxy: Backend{
			Addr:       os.Getenv("DEVPROXY_PROXY"),
			HostHeader: os.Getenv("DEVPROXY_REPLACE_HOST"),
		},
		Metrics: Metrics{
			Listen: os.Getenv("DEVPROXY_METRICS_LISTEN"),
		},
	}

	if filename != "" {
		if err := loadConfigFile(config, filename); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	return config, nil
}

// loadConfigFile decodes filename over config, choosing the format from the
// file extension. Unknown extensions are read as JSON.
func loadConfigFile(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, config)
	case ".toml":
		_, err := toml.Decode(string(data), config)
		return err
	default:
		return json.Unmarshal(data, config)
	}
}

// ApplyDefaults fills unset per-backend settings from the defaults section
func (c *Config) ApplyDefaults() {
	applyDefaults(&c.Proxy, c.Defaults)
	for i := range c.SubProxies {
		applyDefaults(&c.SubProxies[i].Backend, c.Defaults)
	}
}

func applyDefaults(backend *Backend, defaults Defaults) {
	if backend.Timeout == 0 {
		backend.Timeout = defaults.Timeout
	}
	if backend.Throttle == "" {
		backend.Throttle = defaults.Throttle
	}
}

// Validate checks the configuration before anything starts listening
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Proxy.Addr) == "" {
		return ErrMissingDefaultProxy
	}
	if err := c.Proxy.validate(); err != nil {
		return fmt.Errorf("%w: default proxy: %w", ErrInvalidRule, err)
	}

	for i, rule := range c.Files {
		if rule.URL == "" || rule.Path == "" || rule.ContentType == "" {
			return fmt.Errorf("%w: file rule %d needs url, path and content type", ErrInvalidRule, i)
		}
	}

	for i, rule := range c.Static {
		if rule.Dir == "" {
			return fmt.Errorf("%w: static rule %d has no directory", ErrInvalidRule, i)
		}
		info, err := os.Stat(rule.Dir)
		if err != nil {
			return fmt.Errorf("%w: static rule %s: %w", ErrInvalidRule, rule.Prefix, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("%w: static rule %s: %s is not a directory", ErrInvalidRule, rule.Prefix, rule.Dir)
		}
	}

	for i, rule := range c.SubProxies {
		if rule.Prefix == "" {
			return fmt.Errorf("%w: sub-proxy %d has no prefix", ErrInvalidRule, i)
		}
		if err := rule.validate(); err != nil {
			return fmt.Errorf("%w: sub-proxy %s: %w", ErrInvalidRule, rule.Prefix, err)
		}
	}

	if err := c.ValidateServer(); err != nil {
		return err
	}
	if c.Defaults.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidConfig)
	}
	if _, err := ParseRateLimit(c.Defaults.Throttle); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return nil
}

// ValidateServer checks only the listener settings. Browse mode uses it
// since it has no rules to check.
func (c *Config) ValidateServer() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	return nil
}

func (b *Backend) validate() error {
	if _, err := ParseBackendAddr(b.Addr); err != nil {
		return err
	}
	if b.Timeout < 0 {
		return errors.New("negative timeout")
	}
	if _, err := ParseRateLimit(b.Throttle); err != nil {
		return err
	}
	return nil
}

// GetTimeout returns the forwarding timeout for a backend; zero means none
func (b *Backend) GetTimeout() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GetHostHeader returns the Host header sent to the backend: the configured
// override, or the hostname of the backend address without its port.
func (b *Backend) GetHostHeader() string {
	if b.HostHeader != "" {
		return b.HostHeader
	}
	if u, err := ParseBackendAddr(b.Addr); err == nil {
		return u.Hostname()
	}
	return strings.Split(b.Addr, ":")[0]
}

// ListenAddr returns the address the main server binds to
func (c *Config) ListenAddr() string {
	host := c.Server.Host
	if host == "" {
		host = "localhost"
		if c.Server.Public {
			host = "0.0.0.0"
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
}

// ParseBackendAddr parses a backend address of the form host:port, with an
// optional http:// or https:// scheme. The default scheme is http.
func ParseBackendAddr(addr string) (*url.URL, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("Invalid `proxy` address")
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("Invalid `proxy` address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("Invalid `proxy` address: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" || u.Hostname() == "" {
		return nil, errors.New("Invalid `proxy` address")
	}
	if u.Path != "" && u.Path != "/" {
		return nil, fmt.Errorf("Invalid `proxy` address: unexpected path %q", u.Path)
	}
	u.Path = ""
	return u, nil
}

// ParseRateLimit parses a rate like "500k" into bytes per second. The
// suffixes k, m and g are binary multiples. An empty string means no limit.
func ParseRateLimit(rateStr string) (int64, error) {
	rateStr = strings.ToLower(strings.TrimSpace(rateStr))
	if rateStr == "" {
		return 0, nil
	}

	var multiplier int64 = 1
	numStr := rateStr
	switch {
	case strings.HasSuffix(rateStr, "k"):
		multiplier = 1024
		numStr = strings.TrimSuffix(rateStr, "k")
	case strings.HasSuffix(rateStr, "m"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(rateStr, "m")
	case strings.HasSuffix(rateStr, "g"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(rateStr, "g")
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil || num <= 0 {
		return 0, fmt.Errorf("invalid throttle %q", rateStr)
	}
	return num * multiplier, nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
