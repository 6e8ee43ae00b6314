package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	commoncfg "github.com/gaspardpetit/mcp-stdio-bridge/core/config"
	"github.com/gaspardpetit/mcp-stdio-bridge/internal/session"
)

// Defaults documented in the README and in -help.
const (
	DefaultBaseURL        = "http://localhost:5001"
	DefaultPathPrefix     = "/api/mcp/"
	DefaultRequestTimeout = 120 * time.Second
	DefaultDrainGrace     = 5 * time.Second
	DefaultMaxLineBytes   = 10 << 20
)

// BridgeConfig holds configuration for the stdio bridge.
type BridgeConfig struct {
	AccessKey      string        `yaml:"access_key"`
	BaseURL        string        `yaml:"base_url"`
	PathPrefix     string        `yaml:"path_prefix"`
	SessionHeader  string        `yaml:"session_header"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainGrace     time.Duration `yaml:"drain_grace"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	MaxLineBytes   int           `yaml:"max_line_bytes"`
	Stream         bool          `yaml:"stream"`
	Probe          bool          `yaml:"probe"`
	CloseSession   bool          `yaml:"close_session"`
	ClientName     string        `yaml:"client_name"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	ControlAddr    string        `yaml:"control_addr"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	ConfigFile     string        `yaml:"-"`
}

// BindFlags fills the struct from environment variables and binds command
// line flags on fs so the caller can run fs.Parse.
func (c *BridgeConfig) BindFlags(fs *flag.FlagSet) {
	c.ConfigFile = commoncfg.GetEnv("CONFIG_FILE", commoncfg.DefaultConfigPath("bridge.yaml"))
	c.LogLevel = commoncfg.GetEnv("LOG_LEVEL", "info")
	c.LogFormat = commoncfg.GetEnv("LOG_FORMAT", "console")

	c.AccessKey = commoncfg.GetEnv("POSTIZ_API_KEY", "")
	c.BaseURL = commoncfg.GetEnv("POSTIZ_URL", DefaultBaseURL)
	c.PathPrefix = commoncfg.GetEnv("MCP_PATH_PREFIX", DefaultPathPrefix)
	c.SessionHeader = commoncfg.GetEnv("SESSION_HEADER", session.DefaultHeader)
	c.RequestTimeout = commoncfg.GetEnvSeconds("REQUEST_TIMEOUT", DefaultRequestTimeout)
	c.DrainGrace = commoncfg.GetEnvSeconds("DRAIN_GRACE", DefaultDrainGrace)
	c.MaxInFlight = commoncfg.GetEnvInt("MAX_IN_FLIGHT", 1)
	c.MaxLineBytes = commoncfg.GetEnvInt("MAX_LINE_BYTES", DefaultMaxLineBytes)
	c.Stream = commoncfg.GetEnvBool("STREAM_MODE", false)
	c.Probe = commoncfg.GetEnvBool("PROBE_ON_START", true)
	c.CloseSession = commoncfg.GetEnvBool("CLOSE_SESSION", true)
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "bridge-" + uuid.NewString()[:8]
	}
	c.ClientName = commoncfg.GetEnv("CLIENT_NAME", host)
	c.MetricsAddr = portAddr(commoncfg.GetEnv("METRICS_PORT", ""))
	c.ControlAddr = commoncfg.GetEnv("CONTROL_ADDR", "")

	fs.StringVar(&c.ConfigFile, "config", c.ConfigFile, "bridge config file path")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format on stderr (console or json)")
	fs.StringVar(&c.AccessKey, "access-key", c.AccessKey, "upstream access key, appended to the endpoint path")
	fs.StringVar(&c.BaseURL, "base-url", c.BaseURL, "upstream base URL")
	fs.StringVar(&c.PathPrefix, "path-prefix", c.PathPrefix, "path between the base URL and the access key")
	fs.StringVar(&c.SessionHeader, "session-header", c.SessionHeader, "header carrying the upstream session id")
	fs.Func("request-timeout", "seconds a request may wait for its upstream response (default 120)", secondsFlag(&c.RequestTimeout))
	fs.Func("drain-grace", "extra seconds allowed for in-flight requests on shutdown (default 5)", secondsFlag(&c.DrainGrace))
	fs.IntVar(&c.MaxInFlight, "max-in-flight", c.MaxInFlight, "concurrent upstream calls; 1 sends requests one at a time")
	fs.IntVar(&c.MaxLineBytes, "max-line-bytes", c.MaxLineBytes, "longest accepted input line")
	fs.BoolVar(&c.Stream, "stream", c.Stream, "keep a GET event stream open for upstream-initiated messages")
	fs.BoolVar(&c.Probe, "probe", c.Probe, "check that the upstream is reachable before reading input")
	fs.BoolVar(&c.CloseSession, "close-session", c.CloseSession, "send DELETE for the held session on exit")
	fs.StringVar(&c.ClientName, "client-name", c.ClientName, "name reported in User-Agent, logs and status")
	fs.Func("metrics-port", "Prometheus metrics listen address or port (disabled when empty)", func(v string) error {
		c.MetricsAddr = portAddr(v)
		return nil
	})
	fs.StringVar(&c.ControlAddr, "control-addr", c.ControlAddr, "loopback address for /status and /control/drain (disabled when empty)")
}

// LoadFile overlays the YAML file at path. Fields absent from the file keep
// their current values.
func (c *BridgeConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	c.MetricsAddr = portAddr(c.MetricsAddr)
	return nil
}

// Validate reports configuration that cannot start a bridge.
func (c *BridgeConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AccessKey) == "" {
		errs = append(errs, errors.New("access key is required (POSTIZ_API_KEY or -access-key)"))
	}
	if u, err := url.Parse(c.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid base URL %q", c.BaseURL))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request timeout must be positive"))
	}
	if c.MaxInFlight < 1 {
		errs = append(errs, errors.New("max in flight must be at least 1"))
	}
	if c.MaxLineBytes < 1 {
		errs = append(errs, errors.New("max line bytes must be positive"))
	}
	return errors.Join(errs...)
}

// Endpoint joins base URL, path prefix and access key.
func (c *BridgeConfig) Endpoint() string {
	prefix := "/" + strings.Trim(c.PathPrefix, "/") + "/"
	if prefix == "//" {
		prefix = "/"
	}
	return strings.TrimRight(c.BaseURL, "/") + prefix + url.PathEscape(c.AccessKey)
}

func portAddr(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.Contains(v, ":") {
		return ":" + v
	}
	return v
}

func secondsFlag(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := commoncfg.ParseSeconds(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}
