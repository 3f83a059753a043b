/*
SPDX-License-Identifier: Apache-2.0

Copyright 2025 AlertSentinel

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads and validates the sentinel's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ListenerMode selects the ingress transport.
type ListenerMode string

const (
	// ModeStream consumes notices from the Kafka broker.
	ModeStream ListenerMode = "STREAM"
	// ModeSocket consumes notices from a legacy VOEvent Transport Protocol server.
	ModeSocket ListenerMode = "SOCKET"
)

// Site is an observing site used for visibility summaries.
type Site struct {
	Name      string  `yaml:"name"`
	Latitude  float64 `yaml:"latitude"`
	Longitude float64 `yaml:"longitude"`
}

// Slack holds the notification egress settings.
type Slack struct {
	Enabled        bool   `yaml:"enabled"`
	BotToken       string `yaml:"bot_token"`
	DefaultChannel string `yaml:"default_channel"`
	WakeupChannel  string `yaml:"wakeup_channel"`
	IgnoredChannel string `yaml:"ignored_channel"`

	// EventChannels routes reports per event type (GW, GRB, NU).
	EventChannels map[string]string `yaml:"event_channels"`
}

// Kafka holds the STREAM-mode broker settings.
type Kafka struct {
	Broker   string `yaml:"broker"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	GroupID  string `yaml:"group_id"`

	// TokenEndpoint switches SASL from PLAIN to OAUTHBEARER when set.
	TokenEndpoint string `yaml:"token_endpoint"`

	// Backdate starts consumption from the earliest retained offset
	// instead of the latest.
	Backdate bool `yaml:"backdate"`
}

// VOServer holds the SOCKET-mode settings. Multiple hosts are cycled
// through on reconnect.
type VOServer struct {
	Hosts []string `yaml:"hosts"`
	Port  int      `yaml:"port"`
}

// Pyro is accepted for compatibility with legacy deployment configs.
// The Go sentinel has no remote-control RPC; the fields are ignored.
type Pyro struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
}

// Config is the full sentinel configuration. It is loaded once at startup
// and passed explicitly to every component.
type Config struct {
	FilePath string `yaml:"file_path"`
	HTMLPath string `yaml:"html_path"`

	ListenerMode ListenerMode `yaml:"listener_mode"`

	// IgnoredRoles lists notice roles the dispatcher drops. Defaults to
	// {utility}; test is added unless ProcessTestNotices is set.
	IgnoredRoles       []string `yaml:"ignored_roles"`
	ProcessTestNotices bool     `yaml:"process_test_notices"`

	// LocalIVO identifies this node to VOEvent Transport Protocol peers.
	LocalIVO string `yaml:"local_ivo"`

	AlertDBDSN string `yaml:"alertdb_dsn"`
	ObsDBDSN   string `yaml:"obsdb_dsn"`

	Slack    Slack    `yaml:"slack"`
	Kafka    Kafka    `yaml:"kafka"`
	VOServer VOServer `yaml:"voserver"`
	Pyro     Pyro     `yaml:"pyro"`

	Sites []Site `yaml:"sites"`

	// SkymapTimeout bounds a single skymap HTTP download.
	SkymapTimeout time.Duration `yaml:"skymap_timeout"`

	MetricsPort int `yaml:"metrics_port"`
}

// Load reads, parses and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with the documented defaults applied.
func Default() *Config {
	return &Config{
		ListenerMode:  ModeStream,
		LocalIVO:      "ivo://alert-sentinel/default",
		SkymapTimeout: 60 * time.Second,
		MetricsPort:   8080,
	}
}

// Validate checks the invariants the daemon relies on. A violation here is
// a fatal initialization error.
func (c *Config) Validate() error {
	switch c.ListenerMode {
	case ModeStream:
		if c.Kafka.Broker == "" {
			return fmt.Errorf("listener_mode STREAM requires kafka.broker")
		}
		if c.Kafka.GroupID == "" {
			return fmt.Errorf("listener_mode STREAM requires kafka.group_id")
		}
	case ModeSocket:
		if len(c.VOServer.Hosts) == 0 || c.VOServer.Port == 0 {
			return fmt.Errorf("listener_mode SOCKET requires voserver.hosts and voserver.port")
		}
	default:
		return fmt.Errorf("unknown listener_mode %q", c.ListenerMode)
	}
	if c.AlertDBDSN == "" || c.ObsDBDSN == "" {
		return fmt.Errorf("alertdb_dsn and obsdb_dsn are required")
	}
	if c.Slack.Enabled && c.Slack.BotToken == "" {
		return fmt.Errorf("slack.enabled requires slack.bot_token")
	}
	if c.SkymapTimeout <= 0 {
		return fmt.Errorf("skymap_timeout must be positive")
	}
	return nil
}

// IgnoredRoleSet resolves the effective set of dropped roles.
func (c *Config) IgnoredRoleSet() map[string]bool {
	set := make(map[string]bool)
	if len(c.IgnoredRoles) > 0 {
		for _, r := range c.IgnoredRoles {
			set[r] = true
		}
		return set
	}
	set["utility"] = true
	if !c.ProcessTestNotices {
		set["test"] = true
	}
	return set
}
