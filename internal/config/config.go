// Package config handles wacli configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned by FindConfig when no file exists.
var ErrConfigNotFound = errors.New("config file not found")

// OwnerEnvVar is consulted when whatsapp.owner is empty, so existing
// deployments that only export the owner's number keep working.
const OwnerEnvVar = "WHATSAPP_NUMBER"

// DefaultReplyMarker prefixes every generated reply. The router treats
// any self-sent message that starts with it as an echo of its own output.
const DefaultReplyMarker = "🤖 "

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/wacli/config.yaml, /etc/wacli/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "wacli", "config.yaml"))
	}

	paths = append(paths, "/etc/wacli/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("%w: %s", ErrConfigNotFound, explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%w (searched: %v)", ErrConfigNotFound, DefaultSearchPaths())
}

// Config holds all wacli configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	WhatsApp  WhatsAppConfig `yaml:"whatsapp"`
	Brain     BrainConfig    `yaml:"brain"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the control-plane HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// AllowedOrigins limits browser origins for the /events WebSocket.
	// Empty allows all.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WhatsAppConfig defines the transport bridge and the owner identity.
type WhatsAppConfig struct {
	// BridgeURL is the WebSocket endpoint of the whatsapp-web.js sidecar.
	BridgeURL string `yaml:"bridge_url"`
	// Owner is the authorized account's phone number in international
	// format without "+" (e.g. 15551234567). Messages are only routed
	// when they originate from this account.
	Owner string `yaml:"owner"`
	// SelfIDs are extra identifiers known to represent the owner's own
	// session (linked-device ids). They are consulted only until the
	// transport reports its own id.
	SelfIDs []string `yaml:"self_ids"`
	// ReplyMarker prefixes every generated reply (default "🤖 ").
	ReplyMarker string `yaml:"reply_marker"`
	// QRFile is where the pairing QR image is written (default qr.png
	// under data_dir).
	QRFile string `yaml:"qr_file"`
	// TerminalQR also prints the pairing QR to the log output.
	TerminalQR bool `yaml:"terminal_qr"`
}

// BrainConfig defines the downstream reasoning API.
type BrainConfig struct {
	URL        string `yaml:"url"`
	Complexity string `yaml:"complexity"` // hint sent with every request (default: simple)
	TimeoutSec int    `yaml:"timeout_sec"`
	// RetryCount enables transport-level retry on dial errors only.
	// Zero (the default) means a single attempt.
	RetryCount int `yaml:"retry_count"`
	// FormatMarkdown converts Markdown replies to WhatsApp markup.
	FormatMarkdown *bool `yaml:"format_markdown"`
}

// MarkdownEnabled reports whether replies are converted to WhatsApp
// markup. Defaults to true when unset.
func (c BrainConfig) MarkdownEnabled() bool {
	return c.FormatMarkdown == nil || *c.FormatMarkdown
}

// MQTTConfig defines the optional Home Assistant MQTT publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // e.g. mqtt://homeassistant.local:1883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.WhatsApp.BridgeURL == "" {
		c.WhatsApp.BridgeURL = "ws://localhost:3001/rpc"
	}
	if c.WhatsApp.Owner == "" {
		c.WhatsApp.Owner = os.Getenv(OwnerEnvVar)
	}
	c.WhatsApp.Owner = strings.TrimPrefix(strings.TrimSpace(c.WhatsApp.Owner), "+")
	if c.WhatsApp.ReplyMarker == "" {
		c.WhatsApp.ReplyMarker = DefaultReplyMarker
	}
	if c.WhatsApp.QRFile == "" {
		c.WhatsApp.QRFile = filepath.Join(c.DataDir, "qr.png")
	}
	if c.Brain.URL == "" {
		c.Brain.URL = "http://localhost:8000"
	}
	if c.Brain.Complexity == "" {
		c.Brain.Complexity = "simple"
	}
	if c.Brain.TimeoutSec == 0 {
		c.Brain.TimeoutSec = 120
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "wacli"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
}

// Validate checks the configuration for values that would fail at
// runtime. A missing owner is not an error here: the daemon still
// serves status and pairing without one, it just routes nothing.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if !strings.HasPrefix(c.WhatsApp.BridgeURL, "ws://") && !strings.HasPrefix(c.WhatsApp.BridgeURL, "wss://") {
		return fmt.Errorf("whatsapp.bridge_url must be a ws:// or wss:// URL, got %q", c.WhatsApp.BridgeURL)
	}
	if strings.TrimSpace(c.WhatsApp.ReplyMarker) == "" {
		return fmt.Errorf("whatsapp.reply_marker must contain a visible character")
	}
	if !strings.HasPrefix(c.Brain.URL, "http://") && !strings.HasPrefix(c.Brain.URL, "https://") {
		return fmt.Errorf("brain.url must be an http(s) URL, got %q", c.Brain.URL)
	}
	if c.Brain.TimeoutSec < 0 || c.Brain.RetryCount < 0 {
		return fmt.Errorf("brain.timeout_sec and brain.retry_count must not be negative")
	}
	return nil
}
