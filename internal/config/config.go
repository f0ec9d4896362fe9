// Package config loads process configuration from an optional YAML file
// under the application home plus ORCHESTRA_* environment variables.
package config

import (
	"fmt"
	"os"
	"path"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config is the process-wide configuration.
type Config struct {
	// DataDir is the file store root. Ignored when PostgresDSN is set.
	DataDir     string
	PostgresDSN string

	LLMGatewayURL    string
	LLMTimeout       time.Duration
	CommandRunnerURL string
	CommandTimeout   time.Duration

	// MaxConcurrent bounds concurrently running nodes per run.
	MaxConcurrent int
	// NodeTimeout bounds a single node attempt.
	NodeTimeout time.Duration

	MCPRequestTimeout time.Duration

	Debug     bool
	LogFormat string
}

var cache = &configCache{}

type configCache struct {
	instance *Config
	mu       sync.RWMutex
}

func (cc *configCache) get() *Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.instance
}

func (cc *configCache) set(cfg *Config) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.instance = cfg
}

// Get returns the loaded configuration, loading it on first use.
func Get() *Config {
	if cfg := cache.get(); cfg != nil {
		return cfg
	}
	if err := LoadConfig(); err != nil {
		panic(err)
	}
	return cache.get()
}

// LoadConfig reads <home>/config.yaml when present, applies environment
// overrides, and caches the result.
func LoadConfig() error {
	home := appHomeDir()

	viper.SetConfigFile(path.Join(home, "config.yaml"))
	viper.SetConfigType("yaml")

	_ = viper.BindEnv("dataDir", "ORCHESTRA_DATA_DIR")
	_ = viper.BindEnv("postgresDSN", "ORCHESTRA_POSTGRES_DSN")
	_ = viper.BindEnv("llmGatewayURL", "ORCHESTRA_LLM_GATEWAY_URL")
	_ = viper.BindEnv("llmTimeout", "ORCHESTRA_LLM_TIMEOUT")
	_ = viper.BindEnv("commandRunnerURL", "ORCHESTRA_COMMAND_RUNNER_URL")
	_ = viper.BindEnv("commandTimeout", "ORCHESTRA_COMMAND_TIMEOUT")
	_ = viper.BindEnv("maxConcurrent", "ORCHESTRA_MAX_CONCURRENT")
	_ = viper.BindEnv("nodeTimeout", "ORCHESTRA_NODE_TIMEOUT")
	_ = viper.BindEnv("mcpRequestTimeout", "ORCHESTRA_MCP_REQUEST_TIMEOUT")
	_ = viper.BindEnv("debug", "ORCHESTRA_DEBUG")
	_ = viper.BindEnv("logFormat", "ORCHESTRA_LOG_FORMAT")

	viper.SetDefault("dataDir", path.Join(home, "data"))
	viper.SetDefault("postgresDSN", "")
	viper.SetDefault("llmGatewayURL", "http://127.0.0.1:8081")
	viper.SetDefault("llmTimeout", 120*time.Second)
	viper.SetDefault("commandRunnerURL", "http://127.0.0.1:8082")
	viper.SetDefault("commandTimeout", 300*time.Second)
	viper.SetDefault("maxConcurrent", 5)
	viper.SetDefault("nodeTimeout", 300*time.Second)
	viper.SetDefault("mcpRequestTimeout", 30*time.Second)
	viper.SetDefault("debug", false)
	viper.SetDefault("logFormat", "text")

	viper.AutomaticEnv()

	_ = viper.ReadInConfig()

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cache.set(cfg)
	return nil
}

const (
	appHomeEnv     = "ORCHESTRA_HOME"
	appHomeDefault = ".orchestra"
)

func appHomeDir() string {
	if dir := os.Getenv(appHomeEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return path.Join(home, appHomeDefault)
}
