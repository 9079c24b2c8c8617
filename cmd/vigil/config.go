package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vigil-agent/vigil/bridge"
	"github.com/vigil-agent/vigil/core"
	"github.com/vigil-agent/vigil/learning"
	"github.com/vigil-agent/vigil/source/filewatch"
	"github.com/vigil-agent/vigil/source/httpmon"
	"github.com/vigil-agent/vigil/source/logmon"
)

// fileConfig is the top-level vigil.yaml layout.
type fileConfig struct {
	LogLevel string `yaml:"log_level"`
	GoalsDir string `yaml:"goals_dir"`

	Memory struct {
		// Backend is "memory" or "redis".
		Backend string `yaml:"backend"`
		Redis   struct {
			URL        string `yaml:"url"`
			KeyPrefix  string `yaml:"key_prefix"`
			MaxRecords int64  `yaml:"max_records"`
		} `yaml:"redis"`
	} `yaml:"memory"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"nats"`

	Sources struct {
		HTTPEndpoints []httpmon.EndpointConfig  `yaml:"http_endpoints"`
		FileWatchers  []filewatch.WatcherConfig `yaml:"file_watchers"`
		LogMonitors   []logmon.MonitorConfig    `yaml:"log_monitors"`
	} `yaml:"sources"`
}

func defaultFileConfig() fileConfig {
	var cfg fileConfig
	cfg.LogLevel = "info"
	cfg.GoalsDir = "./goals"
	cfg.Memory.Backend = "memory"
	cfg.Metrics.Listen = ":9090"
	return cfg
}

// loadConfig reads path; a missing file yields defaults so the agent can
// start with nothing but a goals directory.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultFileConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", core.ErrConfigInvalid, err)
	}
	return cfg, nil
}

func (c fileConfig) redisConfig() learning.RedisConfig {
	rc := learning.DefaultRedisConfig()
	if c.Memory.Redis.URL != "" {
		rc.URL = c.Memory.Redis.URL
	}
	if c.Memory.Redis.KeyPrefix != "" {
		rc.KeyPrefix = c.Memory.Redis.KeyPrefix
	}
	if c.Memory.Redis.MaxRecords > 0 {
		rc.MaxRecords = c.Memory.Redis.MaxRecords
	}
	return rc
}

func (c fileConfig) natsConfig() bridge.Config {
	nc := bridge.DefaultConfig()
	if c.NATS.URL != "" {
		nc.URL = c.NATS.URL
	}
	return nc
}
