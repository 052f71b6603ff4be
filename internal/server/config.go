package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/groundstation/internal/link"
	"github.com/shaunagostinho/groundstation/internal/recorder"
)

const defaultConfigPath = "/etc/groundstation/config.yaml"

// Config holds all ground station configuration.
type Config struct {
	mu sync.RWMutex

	// Radio link
	Link LinkConfig `yaml:"link" json:"link"`

	// Plot and console buffers
	History HistoryConfig `yaml:"history" json:"history"`

	// Flight recording
	Logging recorder.Config `yaml:"logging" json:"logging"`

	// MQTT republishing
	Uplink UplinkConfig `yaml:"uplink" json:"uplink"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type LinkConfig struct {
	Type     string            `yaml:"type" json:"type"`         // "serial" or "demo"
	Protocol string            `yaml:"protocol" json:"protocol"` // "binary" or "ascii"
	Ports    []link.PortConfig `yaml:"ports" json:"ports"`
	BaudRate int               `yaml:"baud_rate" json:"baudRate"` // default for ports without their own
	Echo     bool              `yaml:"echo" json:"echo"`          // forward frames between ports
}

type HistoryConfig struct {
	PlotCapacity     int `yaml:"plot_capacity" json:"plotCapacity"`
	TextCapacity     int `yaml:"text_capacity" json:"textCapacity"`
	SampleIntervalMs int `yaml:"sample_interval_ms" json:"sampleIntervalMs"`
	StaleAfterMs     int `yaml:"stale_after_ms" json:"staleAfterMs"`
}

// SampleInterval is the plot sampling and push cadence.
func (h HistoryConfig) SampleInterval() time.Duration {
	if h.SampleIntervalMs <= 0 {
		return 100 * time.Millisecond
	}
	return time.Duration(h.SampleIntervalMs) * time.Millisecond
}

// StaleAfter is the heartbeat threshold.
func (h HistoryConfig) StaleAfter() time.Duration {
	if h.StaleAfterMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(h.StaleAfterMs) * time.Millisecond
}

type UplinkConfig struct {
	URL        string `yaml:"url" json:"url"` // e.g. mqtt://broker:1883/cansat; empty disables
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Link: LinkConfig{
			Type:     "demo",
			Protocol: "binary",
			Ports: []link.PortConfig{
				{Name: "sail", Path: "/dev/ttyUSB0"},
			},
			BaudRate: link.DefaultBaudRate,
			Echo:     false,
		},
		History: HistoryConfig{
			PlotCapacity:     600,
			TextCapacity:     100,
			SampleIntervalMs: 100,
			StaleAfterMs:     2000,
		},
		Logging: recorder.Config{
			Enabled:    false,
			Path:       "/var/log/groundstation",
			IntervalMs: 100,
			Compress:   true,
		},
		Uplink: UplinkConfig{
			IntervalMs: 500,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env file from the same directory as the config, or from CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// setPort overrides the path of port i, growing the list if needed.
func (c *Config) setPort(i int, path, name string) {
	for len(c.Link.Ports) <= i {
		c.Link.Ports = append(c.Link.Ports, link.PortConfig{})
	}
	c.Link.Ports[i].Path = path
	if c.Link.Ports[i].Name == "" {
		c.Link.Ports[i].Name = name
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: LINK_TYPE, LINK_PROTOCOL, LINK_PORT, LINK_PORT_2, LINK_BAUD,
// LINK_ECHO, LISTEN_ADDR, LOG_ENABLED, LOG_PATH, LOG_INTERVAL_MS,
// LOG_COMPRESS, UPLINK_URL
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LINK_TYPE"); v != "" {
		c.Link.Type = v
	}
	if v := os.Getenv("LINK_PROTOCOL"); v != "" {
		c.Link.Protocol = v
	}
	if v := os.Getenv("LINK_PORT"); v != "" {
		c.setPort(0, v, "sail")
	}
	if v := os.Getenv("LINK_PORT_2"); v != "" {
		c.setPort(1, v, "latch")
	}
	if v := os.Getenv("LINK_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.BaudRate = n
		}
	}
	if v := os.Getenv("LINK_ECHO"); v != "" {
		c.Link.Echo = envBool(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	// Logging
	if v := os.Getenv("LOG_ENABLED"); v != "" {
		c.Logging.Enabled = envBool(v)
	}
	if v := os.Getenv("LOG_PATH"); v != "" {
		c.Logging.Path = v
	}
	if v := os.Getenv("LOG_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Logging.IntervalMs = n
		}
	}
	if v := os.Getenv("LOG_COMPRESS"); v != "" {
		c.Logging.Compress = envBool(v)
	}
	if v := os.Getenv("UPLINK_URL"); v != "" {
		c.Uplink.URL = v
	}
}

// SetPort replaces the path of the primary (i=0) or secondary (i=1) port.
func (c *Config) SetPort(i int, path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := "sail"
	if i > 0 {
		name = "latch"
	}
	c.setPort(i, path, name)
}

// LinkPorts returns the configured ports with the link baud rate filled
// in where a port has none of its own.
func (c *Config) LinkPorts() []link.PortConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ports := make([]link.PortConfig, 0, len(c.Link.Ports))
	for _, p := range c.Link.Ports {
		if p.Path == "" {
			continue
		}
		if p.BaudRate <= 0 {
			p.BaudRate = c.Link.BaudRate
		}
		ports = append(ports, p)
	}
	return ports
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = defaultConfigPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved. Link settings only take effect on restart.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
