package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a string in TOML, e.g. "100ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Bridge  Bridge  `toml:"bridge"`
	Host    Host    `toml:"host"`
	Peer    Peer    `toml:"peer"`
	Journal Journal `toml:"journal"`
	Log     Log     `toml:"log"`
}

// Bridge configures the host-side communicator.
type Bridge struct {
	// WebSocket endpoint of the pipeline process. Empty disables the bridge.
	URL string `toml:"url"`
	// How often a blocked CallMethod checks for its response.
	PollInterval Duration `toml:"poll_interval"`
	// Upper bound on a CallMethod wait. Zero waits until a response or
	// disconnect.
	CallTimeout      Duration `toml:"call_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	// Inbound queue depth that triggers a backlog warning.
	QueueHighWater int `toml:"queue_high_water"`
	// "reply" or "drop".
	ParseErrors string `toml:"parse_errors"`
}

// Host configures the reference host runtime.
type Host struct {
	// Plugin label shown by the host (AVALON_LABEL).
	Label        string   `toml:"label"`
	TickInterval Duration `toml:"tick_interval"`
	// Command used to run George scripts; the script is passed as the last
	// argument. Empty echoes scripts back.
	ScriptCommand []string `toml:"script_command,omitempty"`
}

// Peer configures the pipeline-side server.
type Peer struct {
	// WebSocket listen address. Port 0 picks a free port.
	Listen string `toml:"listen"`
	// YAML file describing the menu pushed to the host on connect.
	MenuFile    string   `toml:"menu_file,omitempty"`
	CallTimeout Duration `toml:"call_timeout"`
}

// Journal configures the SQLite frame journal.
type Journal struct {
	Enabled   bool     `toml:"enabled"`
	Retention Duration `toml:"retention"`
}

type Log struct {
	// debug, info, warn or error.
	Level string `toml:"level"`
	// auto, text or json. Auto picks text on a terminal.
	Format string `toml:"format"`
}

// Defaults returns the configuration used when config.toml is absent.
func Defaults() *Config {
	return &Config{
		Bridge: Bridge{
			PollInterval:     Duration{100 * time.Millisecond},
			HandshakeTimeout: Duration{10 * time.Second},
			QueueHighWater:   256,
			ParseErrors:      "reply",
		},
		Host: Host{
			Label:        "Avalon",
			TickInterval: Duration{50 * time.Millisecond},
		},
		Peer: Peer{
			Listen:      "127.0.0.1:0",
			CallTimeout: Duration{30 * time.Second},
		},
		Journal: Journal{
			Enabled:   true,
			Retention: Duration{7 * 24 * time.Hour},
		},
		Log: Log{Level: "info", Format: "auto"},
	}
}

// DataDir returns DCCBRIDGE_DIR, or ~/.dccbridge.
func DataDir() (string, error) {
	if dir := os.Getenv("DCCBRIDGE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home dir: %w", err)
	}
	return filepath.Join(home, ".dccbridge"), nil
}

// LoadConfig reads config.toml from dataDir, applies environment variable
// overrides, and validates the result.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")
	cfg := Defaults()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	// WEBSOCKET_URL is exported by the pipeline process that launched us and
	// always wins over the file.
	if u, ok := os.LookupEnv("WEBSOCKET_URL"); ok {
		cfg.Bridge.URL = u
	}
	if label := os.Getenv("AVALON_LABEL"); label != "" {
		cfg.Host.Label = label
	}
	if listen := os.Getenv("DCCBRIDGE_LISTEN"); listen != "" {
		cfg.Peer.Listen = listen
	}
	if level := os.Getenv("DCCBRIDGE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if cfg.Peer.MenuFile != "" && !filepath.IsAbs(cfg.Peer.MenuFile) {
		cfg.Peer.MenuFile = filepath.Join(dataDir, cfg.Peer.MenuFile)
	}

	// A malformed endpoint is left as-is: the bridge reports it when
	// connecting and becomes unusable instead of refusing to start.
	if normalized, err := NormalizeURL(cfg.Bridge.URL); err == nil {
		cfg.Bridge.URL = normalized
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later and far from the
// config file.
func (c *Config) Validate() error {
	switch c.Bridge.ParseErrors {
	case "reply", "drop":
	default:
		return fmt.Errorf("bridge.parse_errors must be \"reply\" or \"drop\", got %q", c.Bridge.ParseErrors)
	}
	if c.Bridge.PollInterval.Duration <= 0 {
		return fmt.Errorf("bridge.poll_interval must be positive")
	}
	if c.Bridge.CallTimeout.Duration < 0 {
		return fmt.Errorf("bridge.call_timeout must not be negative")
	}
	if c.Host.TickInterval.Duration <= 0 {
		return fmt.Errorf("host.tick_interval must be positive")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "auto", "text", "json":
	default:
		return fmt.Errorf("log.format must be auto, text or json, got %q", c.Log.Format)
	}
	return nil
}

// NormalizeURL maps http(s) endpoints to ws(s). An empty URL is returned
// unchanged; it means the bridge is disabled.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid websocket url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("websocket url %q must use ws, wss, http or https", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("websocket url %q has no host", raw)
	}
	return u.String(), nil
}

// Save writes c to config.toml inside dataDir, creating the directory if
// necessary.
func (c *Config) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "config.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encoding config.toml: %w", err)
	}
	return nil
}
