// Package config loads the YAML configuration file for the
// loramac-root binary, following the same flat yaml.v3 struct and
// loadConfig pattern as the teacher's cmd/agsys-controller/main.go.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lora-mesh/loramac-root/internal/loramac"
)

// Config is the top-level configuration file structure.
type Config struct {
	Node struct {
		ID uint16 `yaml:"id"`
	} `yaml:"node"`

	Serial struct {
		Port     string `yaml:"port"`
		BaudRate int    `yaml:"baud_rate"`
	} `yaml:"serial"`

	Radio struct {
		Frequency       string `yaml:"frequency"`
		SpreadingFactor string `yaml:"spreading_factor"`
		Bandwidth       string `yaml:"bandwidth"`
		CodingRate      string `yaml:"coding_rate"`
		Power           string `yaml:"power"`
		Mode            string `yaml:"mode"`
	} `yaml:"radio"`

	Timing struct {
		RetransmitTimeout int `yaml:"retransmit_timeout_seconds"`
		QueryTimeout      int `yaml:"query_timeout_seconds"`
		MaxRetransmit     int `yaml:"max_retransmit"`
		JoinSleepBase     int `yaml:"join_sleep_base_seconds"`
		JoinSleepMax      int `yaml:"join_sleep_max_seconds"`
	} `yaml:"timing"`

	Confirmed bool `yaml:"confirmed"`

	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`

	Monitor struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"monitor"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Serial.Port == "" {
		return nil, fmt.Errorf("config: serial.port is required")
	}
	return &cfg, nil
}

// EngineConfig builds a loramac.Config from the file values, starting
// from loramac.DefaultConfig and overriding the radio and timing
// fields only where the file sets them (a non-empty string or a
// positive number), mirroring the teacher's override-over-defaults
// style in runController. Confirmed is always copied from the file: a
// file that omits it yields false, not the default.
func (c *Config) EngineConfig() loramac.Config {
	cfg := loramac.DefaultConfig()

	if c.Radio.Frequency != "" {
		cfg.Radio.Freq = c.Radio.Frequency
	}
	if c.Radio.SpreadingFactor != "" {
		cfg.Radio.SF = c.Radio.SpreadingFactor
	}
	if c.Radio.Bandwidth != "" {
		cfg.Radio.BW = c.Radio.Bandwidth
	}
	if c.Radio.CodingRate != "" {
		cfg.Radio.CR = c.Radio.CodingRate
	}
	if c.Radio.Power != "" {
		cfg.Radio.Pwr = c.Radio.Power
	}
	if c.Radio.Mode != "" {
		cfg.Radio.Mode = c.Radio.Mode
	}

	if c.Timing.RetransmitTimeout > 0 {
		cfg.RetransmitTimeout = secondsToDuration(c.Timing.RetransmitTimeout)
	}
	if c.Timing.QueryTimeout > 0 {
		cfg.QueryTimeout = secondsToDuration(c.Timing.QueryTimeout)
	}
	if c.Timing.MaxRetransmit > 0 {
		cfg.MaxRetransmit = c.Timing.MaxRetransmit
	}
	if c.Timing.JoinSleepBase > 0 {
		cfg.JoinSleepBase = secondsToDuration(c.Timing.JoinSleepBase)
	}
	if c.Timing.JoinSleepMax > 0 {
		cfg.JoinSleepMax = secondsToDuration(c.Timing.JoinSleepMax)
	}

	cfg.Confirmed = c.Confirmed
	return cfg
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
