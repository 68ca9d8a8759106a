package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"WEBSOCKET_URL", "AVALON_LABEL", "DCCBRIDGE_LISTEN", "DCCBRIDGE_LOG_LEVEL", "DCCBRIDGE_DIR"} {
		k := k
		old, had := os.LookupEnv(k)
		os.Unsetenv(k)
		t.Cleanup(func() {
			if had {
				os.Setenv(k, old)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bridge.URL != "" {
		t.Errorf("URL = %q, want empty", cfg.Bridge.URL)
	}
	if cfg.Bridge.PollInterval.Duration != 100*time.Millisecond {
		t.Errorf("PollInterval = %v", cfg.Bridge.PollInterval)
	}
	if cfg.Bridge.CallTimeout.Duration != 0 {
		t.Errorf("CallTimeout = %v, want 0", cfg.Bridge.CallTimeout)
	}
	if cfg.Host.Label != "Avalon" {
		t.Errorf("Label = %q", cfg.Host.Label)
	}
	if !cfg.Journal.Enabled || cfg.Journal.Retention.Duration != 168*time.Hour {
		t.Errorf("Journal = %+v", cfg.Journal)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	content := `
[bridge]
url = "http://localhost:9000/ws"
poll_interval = "20ms"
call_timeout = "5s"
parse_errors = "drop"

[host]
label = "Studio"
script_command = ["george-run", "--stdin"]

[peer]
menu_file = "menu.yaml"

[journal]
enabled = false

[log]
level = "debug"
`
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bridge.URL != "ws://localhost:9000/ws" {
		t.Errorf("URL = %q, want normalized ws url", cfg.Bridge.URL)
	}
	if cfg.Bridge.PollInterval.Duration != 20*time.Millisecond || cfg.Bridge.CallTimeout.Duration != 5*time.Second {
		t.Errorf("durations = %v, %v", cfg.Bridge.PollInterval, cfg.Bridge.CallTimeout)
	}
	if cfg.Bridge.ParseErrors != "drop" {
		t.Errorf("ParseErrors = %q", cfg.Bridge.ParseErrors)
	}
	if cfg.Bridge.QueueHighWater != 256 {
		t.Errorf("unset field lost its default: QueueHighWater = %d", cfg.Bridge.QueueHighWater)
	}
	if cfg.Host.Label != "Studio" || len(cfg.Host.ScriptCommand) != 2 {
		t.Errorf("Host = %+v", cfg.Host)
	}
	if cfg.Peer.MenuFile != filepath.Join(dir, "menu.yaml") {
		t.Errorf("MenuFile = %q, want it resolved against the data dir", cfg.Peer.MenuFile)
	}
	if cfg.Journal.Enabled {
		t.Error("journal should be disabled")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[bridge]\nurl = \"ws://file:1\"\n"), 0o644)

	os.Setenv("WEBSOCKET_URL", "wss://pipeline.local:8443")
	os.Setenv("AVALON_LABEL", "Pype")
	os.Setenv("DCCBRIDGE_LISTEN", "0.0.0.0:9100")
	os.Setenv("DCCBRIDGE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Bridge.URL != "wss://pipeline.local:8443" {
		t.Errorf("URL = %q", cfg.Bridge.URL)
	}
	if cfg.Host.Label != "Pype" || cfg.Peer.Listen != "0.0.0.0:9100" || cfg.Log.Level != "warn" {
		t.Errorf("overrides not applied: %+v %+v %+v", cfg.Host, cfg.Peer, cfg.Log)
	}
}

func TestEmptyWebsocketURLDisablesBridge(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.toml"), []byte("[bridge]\nurl = \"ws://file:1\"\n"), 0o644)
	os.Setenv("WEBSOCKET_URL", "")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Bridge.URL != "" {
		t.Errorf("URL = %q, want empty", cfg.Bridge.URL)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", "[bridge\n"},
		{"bad duration", "[bridge]\npoll_interval = \"soon\"\n"},
		{"bad policy", "[bridge]\nparse_errors = \"ignore\"\n"},
		{"zero poll", "[bridge]\npoll_interval = \"0s\"\n"},
		{"bad level", "[log]\nlevel = \"loud\"\n"},
		{"bad format", "[log]\nformat = \"xml\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			dir := t.TempDir()
			os.WriteFile(filepath.Join(dir, "config.toml"), []byte(tt.content), 0o644)
			if _, err := LoadConfig(dir); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"ws://localhost:1234", "ws://localhost:1234", false},
		{"wss://h/ws", "wss://h/ws", false},
		{"http://localhost:1234", "ws://localhost:1234", false},
		{"https://h:443/x", "wss://h:443/x", false},
		{"  ws://trim:1  ", "ws://trim:1", false},
		{"ftp://h", "", true},
		{"ws://", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeURL(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDataDir(t *testing.T) {
	clearEnv(t)
	os.Setenv("DCCBRIDGE_DIR", "/tmp/custom")
	dir, err := DataDir()
	if err != nil || dir != "/tmp/custom" {
		t.Errorf("DataDir = %q, %v", dir, err)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	cfg := Defaults()
	cfg.Bridge.URL = "ws://127.0.0.1:5000"
	cfg.Bridge.CallTimeout = Duration{3 * time.Second}
	if err := cfg.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if got.Bridge.URL != cfg.Bridge.URL || got.Bridge.CallTimeout != cfg.Bridge.CallTimeout {
		t.Errorf("round trip = %+v", got.Bridge)
	}
}
