// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package config loads the configuration of the jobworker binaries.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	// ConfigName is the base name of the configuration file.
	ConfigName = "jobworker"

	// EnvPrefix is the prefix of environment variables overriding keys,
	// e.g. JOBWORKER_DEBUG=true.
	EnvPrefix = "JOBWORKER"
)

// Config is the root of the configuration file.
type Config struct {
	Default     string                `mapstructure:"default"`
	Debug       bool                  `mapstructure:"debug"`
	Connections map[string]Connection `mapstructure:"connections"`
	Failed      Failed                `mapstructure:"failed"`
	Cache       Cache                 `mapstructure:"cache"`
	Metrics     Metrics               `mapstructure:"metrics"`
	Supervisor  Supervisor            `mapstructure:"supervisor"`
}

// Connection configures a named broker connection. Which fields apply
// depends on Type.
type Connection struct {
	Type  string `mapstructure:"type"` // sync, database, redis or amqp
	Queue string `mapstructure:"queue"`

	// database
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	Table      string `mapstructure:"table"`
	RetryAfter int    `mapstructure:"retry_after"` // seconds

	// redis and amqp
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	Select     int    `mapstructure:"select"`
	Timeout    int    `mapstructure:"timeout"` // seconds
	Persistent bool   `mapstructure:"persistent"`
	BlockFor   int    `mapstructure:"block_for"` // seconds

	// amqp
	Vhost    string `mapstructure:"vhost"`
	Exchange string `mapstructure:"exchange"`
	AutoAck  bool   `mapstructure:"auto_ack"`
}

// Failed configures the failed job store.
type Failed struct {
	Type       string `mapstructure:"type"` // none, memory, database or mongodb
	Table      string `mapstructure:"table"`
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	URL        string `mapstructure:"url"`
	Collection string `mapstructure:"collection"`
}

// Cache configures the cache shared between worker processes.
type Cache struct {
	Type     string `mapstructure:"type"` // memory or redis
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Select   int    `mapstructure:"select"`
}

// Metrics configures the Prometheus event sink.
type Metrics struct {
	Pushgateway string `mapstructure:"pushgateway"`
	Job         string `mapstructure:"job"`
}

// Supervisor configures the listen command.
type Supervisor struct {
	AuxiliaryCommand []string `mapstructure:"auxiliary_command"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default", "sync")
	v.SetDefault("debug", false)
	v.SetDefault("failed.type", "none")
	v.SetDefault("failed.table", "failed_jobs")
	v.SetDefault("failed.collection", "failed_jobs")
	v.SetDefault("cache.type", "memory")
	v.SetDefault("cache.host", "127.0.0.1")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("metrics.job", "jobworker")
}

// Load reads the configuration. If path is empty, jobworker.yaml is
// searched in the working directory, ./config and /etc/jobworker; a
// missing file is not an error then.
func Load(path string, logger *zap.Logger) (*Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/jobworker")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
		logger.Warn("config: no configuration file found, using defaults")
	} else {
		logger.Debug("config: loaded", zap.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if cfg.Connections == nil {
		cfg.Connections = make(map[string]Connection)
	}
	if _, found := cfg.Connections["sync"]; !found {
		cfg.Connections["sync"] = Connection{Type: "sync"}
	}
	return &cfg, nil
}

// Connection returns the configuration of the named connection. An empty
// name returns the default connection.
func (c *Config) Connection(name string) (string, Connection, error) {
	if name == "" {
		name = c.Default
	}
	conn, found := c.Connections[name]
	if !found {
		return name, Connection{}, fmt.Errorf("config: connection %q is not configured", name)
	}
	if conn.Type == "" {
		conn.Type = name
	}
	if conn.Queue == "" {
		conn.Queue = "default"
	}
	return name, conn, nil
}
