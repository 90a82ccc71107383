// Copyright 2026 Quay Labs
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "pylon.config"

const DefaultShutdownTimeout = "30s"

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type Config struct {
	DataDir         string   `yaml:"dataDir"                                        split_words:"true"`
	AuditDataDir    string   `yaml:"auditDataDir"    envconfig:"PYLON_AUDIT_DATA_DIR"`
	BindAddr        string   `yaml:"bindAddr"                                       split_words:"true"`
	ApiPort         uint     `yaml:"apiPort"         envconfig:"port"`
	MetricsPort     uint     `yaml:"metricsPort"                                    split_words:"true"`
	ShutdownTimeout string   `yaml:"shutdownTimeout"                                split_words:"true"`
	Admins          []string `yaml:"admins"`
	Threshold       uint32   `yaml:"threshold"`
	DelaySeconds    uint64   `yaml:"delaySeconds"                                   split_words:"true"`
	AutoInitialize  bool     `yaml:"autoInitialize"                                 split_words:"true"`
	AuditDisabled   bool     `yaml:"auditDisabled"                                  split_words:"true"`
}

var globalConfig = &Config{
	DataDir:         ".pylon",
	BindAddr:        "0.0.0.0",
	ApiPort:         8080,
	MetricsPort:     12789,
	ShutdownTimeout: DefaultShutdownTimeout,
}

func LoadConfig(configFile string) (*Config, error) {
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.pylon/pylon.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".pylon", "pylon.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/pylon/pylon.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/pylon/pylon.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, globalConfig); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	// Process environment variables
	if err := envconfig.Process("pylon", globalConfig); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}

	if globalConfig.AutoInitialize {
		if len(globalConfig.Admins) == 0 {
			return nil, fmt.Errorf(
				"autoInitialize requires at least one admin",
			)
		}
		if globalConfig.Threshold == 0 {
			return nil, fmt.Errorf(
				"autoInitialize requires a non-zero threshold",
			)
		}
	}
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}
