// Copyright 2025 UMH Systems GmbH
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

// Package config loads cache configuration from YAML. It is the file
// counterpart of the programmatic cache options: hosts that configure the
// cache from deployment manifests parse them here and translate the
// result into options at startup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/tiendc/go-deepcopy"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m" as well as plain nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	// Integers first: a string target would also accept an integer scalar.
	var n int64
	if err := value.Decode(&n); err == nil {
		*d = Duration(n)

		return nil
	}

	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}

	parsed, perr := time.ParseDuration(s)
	if perr != nil {
		return fmt.Errorf("invalid duration %q: %w", s, perr)
	}

	*d = Duration(parsed)

	return nil
}

// AsDuration converts to the standard library type.
func (d Duration) AsDuration() time.Duration {
	return time.Duration(d)
}

// PaginationConfig renames the reserved cursor arguments.
type PaginationConfig struct {
	First  string `yaml:"first,omitempty"`
	Last   string `yaml:"last,omitempty"`
	After  string `yaml:"after,omitempty"`
	Before string `yaml:"before,omitempty"`
}

// Config is the YAML-facing cache configuration.
type Config struct {
	// HTTPEndpoint is the GraphQL HTTP endpoint URL.
	HTTPEndpoint string `yaml:"httpEndpoint"`

	// WSEndpoint is the optional websocket endpoint for the priority
	// transport.
	WSEndpoint string `yaml:"wsEndpoint,omitempty"`

	// IDFieldName is the entity identity field. Defaults to "id".
	IDFieldName string `yaml:"idFieldName,omitempty"`

	// CursorFieldName is the per-item cursor field. Defaults to
	// "cursor".
	CursorFieldName string `yaml:"cursorFieldName,omitempty"`

	// Pagination renames the reserved cursor arguments.
	Pagination PaginationConfig `yaml:"paginationWords,omitempty"`

	// RequestTimeout bounds one transport request. Defaults to 30s.
	RequestTimeout Duration `yaml:"requestTimeout,omitempty"`

	// RetryWindow bounds transport-level retries of failed connections.
	// Zero disables retries.
	RetryWindow Duration `yaml:"retryWindow,omitempty"`

	// LogLevel sets the default logger level (DEBUG, INFO, WARN, ERROR).
	LogLevel string `yaml:"logLevel,omitempty"`
}

// Default values applied by Validate.
const (
	DefaultIDFieldName     = "id"
	DefaultCursorFieldName = "cursor"
	DefaultRequestTimeout  = 30 * time.Second
)

// Parse decodes a YAML document into a Config and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Load reads and parses a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.HTTPEndpoint == "" && c.WSEndpoint == "" {
		return fmt.Errorf("config must name at least one endpoint")
	}

	if c.IDFieldName == "" {
		c.IDFieldName = DefaultIDFieldName
	}

	if c.CursorFieldName == "" {
		c.CursorFieldName = DefaultCursorFieldName
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(DefaultRequestTimeout)
	}

	return nil
}

// Clone returns a deep copy, so callers can derive variants without
// mutating shared configuration.
func (c *Config) Clone() (*Config, error) {
	var out Config
	if err := deepcopy.Copy(&out, c); err != nil {
		return nil, fmt.Errorf("failed to clone config: %w", err)
	}

	return &out, nil
}
