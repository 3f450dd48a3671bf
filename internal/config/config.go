// Package config loads CLI configuration: defaults, an optional YAML
// config file, and RLM_-prefixed environment overrides, in increasing
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/viplismism/rlm-cli/pyrepl"
	"github.com/viplismism/rlm-cli/rlmloop"
)

const (
	configName = "config"
	configType = "yaml"
	configDir  = ".config/rlm"
	envPrefix  = "RLM"
)

// Config is the full CLI configuration.
type Config struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	// SubQueryModel defaults to Model; sub-queries are single-shot and can
	// run on a cheaper model.
	SubQueryModel string `mapstructure:"sub_query_model"`
	APIKey        string `mapstructure:"api_key"`

	MaxIterations    int `mapstructure:"max_iterations"`
	MaxSubQueries    int `mapstructure:"max_sub_queries"`
	StdoutLimit      int `mapstructure:"stdout_limit"`
	StderrLimit      int `mapstructure:"stderr_limit"`
	ContextPeekLines int `mapstructure:"context_peek_lines"`

	Python             string `mapstructure:"python"`
	ExecTimeoutSeconds int    `mapstructure:"exec_timeout_seconds"`

	Verbose bool `mapstructure:"verbose"`
}

// Load reads configuration from defaults, the config file (an explicit
// path, or $HOME/.config/rlm/config.yaml), and RLM_ environment variables.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(configName)
	v.SetConfigType(configType)

	loopDefaults := rlmloop.DefaultConfig()
	channelDefaults := pyrepl.DefaultConfig()
	v.SetDefault("provider", "openai")
	v.SetDefault("model", "gpt-4o")
	v.SetDefault("max_iterations", loopDefaults.MaxIterations)
	v.SetDefault("max_sub_queries", loopDefaults.MaxSubQueries)
	v.SetDefault("stdout_limit", loopDefaults.StdoutLimit)
	v.SetDefault("stderr_limit", loopDefaults.StderrLimit)
	v.SetDefault("context_peek_lines", loopDefaults.ContextPeekLines)
	v.SetDefault("python", channelDefaults.Python)
	v.SetDefault("exec_timeout_seconds", int(channelDefaults.ExecTimeout/time.Second))

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configFile, err)
		}
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, configDir))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.SubQueryModel == "" {
		cfg.SubQueryModel = cfg.Model
	}
	return &cfg, nil
}

// LoopConfig maps the CLI configuration onto the loop's.
func (c *Config) LoopConfig() rlmloop.Config {
	return rlmloop.Config{
		MaxIterations:    c.MaxIterations,
		MaxSubQueries:    c.MaxSubQueries,
		Model:            c.Model,
		SubQueryModel:    c.SubQueryModel,
		StdoutLimit:      c.StdoutLimit,
		StderrLimit:      c.StderrLimit,
		ContextPeekLines: c.ContextPeekLines,
	}
}

// ChannelConfig maps the CLI configuration onto the interpreter channel's.
func (c *Config) ChannelConfig() pyrepl.Config {
	cfg := pyrepl.DefaultConfig()
	if c.Python != "" {
		cfg.Python = c.Python
	}
	if c.ExecTimeoutSeconds > 0 {
		cfg.ExecTimeout = time.Duration(c.ExecTimeoutSeconds) * time.Second
	}
	return cfg
}
