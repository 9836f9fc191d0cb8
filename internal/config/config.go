// Package config loads the YAML configuration file the CLI reads at
// startup: server profiles, pool/scheduler tuning, and logging/store
// paths, with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root of config.yaml.
type Config struct {
	Servers  []ServerConfig `mapstructure:"servers" yaml:"servers"`
	Download DownloadConfig `mapstructure:"download" yaml:"download"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
}

// ServerConfig is one upstream NNTP server profile. Multiple entries
// are tried in ascending Priority order, each a candidate for the
// failover a missing article triggers.
type ServerConfig struct {
	ID             string `mapstructure:"id" yaml:"id"`
	Host           string `mapstructure:"host" yaml:"host"`
	Port           int    `mapstructure:"port" yaml:"port"`
	Username       string `mapstructure:"username" yaml:"username"`
	Password       string `mapstructure:"password" yaml:"password"`
	TLS            bool   `mapstructure:"tls" yaml:"tls"`
	VerifySSLCerts bool   `mapstructure:"verify_ssl_certs" yaml:"verify_ssl_certs"`
	Connections    int    `mapstructure:"connections" yaml:"connections"`
	Priority       int    `mapstructure:"priority" yaml:"priority"`
}

// DownloadConfig carries the scheduler/writer tuning knobs named in
// the core's configuration surface.
type DownloadConfig struct {
	OutDir                string        `mapstructure:"out_dir" yaml:"out_dir"`
	PipelineSize          int           `mapstructure:"pipeline_size" yaml:"pipeline_size"`
	ConnectionWaitTimeout time.Duration `mapstructure:"connection_wait_timeout" yaml:"connection_wait_timeout"`
	ForceRedownload       bool          `mapstructure:"force_redownload" yaml:"force_redownload"`
	IOBufferSize          int           `mapstructure:"io_buffer_size" yaml:"io_buffer_size"`
}

type LogConfig struct {
	Path          string `mapstructure:"path" yaml:"path"`
	Level         string `mapstructure:"level" yaml:"level"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// StoreConfig points at the resume/availability bookkeeping ledger.
type StoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// Load reads and validates config.yaml (or the given path), applying
// defaults and GONZB_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == "config.yaml" {
			if _, errEx := os.Stat("config.yaml.example"); errEx == nil {
				return nil, fmt.Errorf("configuration file 'config.yaml' not found\n\n" +
					"To fix this, run:\n" +
					"  cp config.yaml.example config.yaml\n" +
					"Then edit it with your Usenet credentials.")
			}
		}
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	v := viper.New()

	v.SetDefault("download.out_dir", "./downloads")
	v.SetDefault("download.pipeline_size", 50)
	v.SetDefault("download.connection_wait_timeout", 300*time.Second)
	v.SetDefault("download.force_redownload", false)
	v.SetDefault("download.io_buffer_size", 256*1024)
	v.SetDefault("log.path", "gonzb.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.include_stdout", true)
	v.SetDefault("store.sqlite_path", "gonzb.db")

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", path, err)
	}

	v.SetEnvPrefix("GONZB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return errors.New("at least one server must be configured")
	}

	for i, s := range c.Servers {
		if s.ID == "" {
			return fmt.Errorf("server[%d] requires a unique ID", i)
		}
		if s.Host == "" {
			return fmt.Errorf("server %s: host is required", s.ID)
		}
		if s.Port == 0 {
			return fmt.Errorf("server %s: port is required", s.ID)
		}
		if s.Connections <= 0 {
			c.Servers[i].Connections = 10
		}
		if s.Priority == 0 {
			c.Servers[i].Priority = 1
		}
	}

	if c.Download.OutDir == "" {
		c.Download.OutDir = "./downloads"
	}
	if c.Download.PipelineSize <= 0 {
		c.Download.PipelineSize = 50
	}
	if c.Download.ConnectionWaitTimeout <= 0 {
		c.Download.ConnectionWaitTimeout = 300 * time.Second
	}

	return nil
}
