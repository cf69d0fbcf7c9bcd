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
)

// Config holds all stage configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the stage controller
	Serial SerialConfig `yaml:"serial" json:"serial"`

	// Device backend
	Device DeviceConfig `yaml:"device" json:"device"`

	// Display cadence
	Display DisplayConfig `yaml:"display" json:"display"`

	// MQTT publishing of samples
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`

	// Logging
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Server
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	PortPath       string  `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate       int     `yaml:"baud_rate" json:"baudRate"`
	TimeoutSeconds float64 `yaml:"timeout_seconds" json:"timeoutSeconds"` // read timeout
	Driver         string  `yaml:"driver" json:"driver"`                  // "bugst" or "tarm"
}

type DeviceConfig struct {
	Type string `yaml:"type" json:"type"` // "serial" or "demo"
}

type DisplayConfig struct {
	PlotUpdateIntervalSeconds float64 `yaml:"plot_update_interval_seconds" json:"plotUpdateIntervalSeconds"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker"` // e.g. tcp://localhost:1883
	ClientID string `yaml:"client_id" json:"clientId"`
	Topic    string `yaml:"topic" json:"topic"`
}

type LoggingConfig struct {
	File       string `yaml:"file" json:"file"` // empty logs to stderr only
	MaxSizeMB  int    `yaml:"max_size_mb" json:"maxSizeMb"`
	MaxBackups int    `yaml:"max_backups" json:"maxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"maxAgeDays"`
	Compress   bool   `yaml:"compress" json:"compress"`
	Debug      bool   `yaml:"debug" json:"debug"` // log dropped frames
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			PortPath:       "/dev/ttyUSB0",
			BaudRate:       9600,
			TimeoutSeconds: 0.1,
			Driver:         "bugst",
		},
		Device: DeviceConfig{
			Type: "serial",
		},
		Display: DisplayConfig{
			PlotUpdateIntervalSeconds: 0.1,
		},
		MQTT: MQTTConfig{
			Enabled:  false,
			Broker:   "tcp://localhost:1883",
			ClientID: "drostage",
			Topic:    "drostage",
		},
		Logging: LoggingConfig{
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
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

	// .env next to the config first, then CWD
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
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DRO_PORT, DRO_BAUD, DRO_TIMEOUT, DRO_DRIVER, DEVICE_TYPE,
// PLOT_INTERVAL, LISTEN_ADDR, MQTT_ENABLED, MQTT_BROKER, MQTT_TOPIC,
// LOG_FILE, LOG_DEBUG
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DRO_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("DRO_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Serial.BaudRate = n
		}
	}
	if v := os.Getenv("DRO_TIMEOUT"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Serial.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("DRO_DRIVER"); v != "" {
		c.Serial.Driver = v
	}
	if v := os.Getenv("DEVICE_TYPE"); v != "" {
		c.Device.Type = v
	}
	if v := os.Getenv("PLOT_INTERVAL"); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			c.Display.PlotUpdateIntervalSeconds = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MQTT_ENABLED"); v != "" {
		c.MQTT.Enabled = truthy(v)
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		c.MQTT.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		c.MQTT.Topic = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.Logging.File = v
	}
	if v := os.Getenv("LOG_DEBUG"); v != "" {
		c.Logging.Debug = truthy(v)
	}
}

func truthy(v string) bool {
	return v == "1" || v == "true" || v == "yes"
}

// Timeout returns the serial read timeout.
func (c *Config) Timeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return seconds(c.Serial.TimeoutSeconds, 100*time.Millisecond)
}

// PlotInterval returns the broadcaster period.
func (c *Config) PlotInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return seconds(c.Display.PlotUpdateIntervalSeconds, 100*time.Millisecond)
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		c.path = "/etc/drostage/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
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
// incoming JSON are preserved.
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
