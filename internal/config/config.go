/*
SPDX-License-Identifier: Apache-2.0

Copyright 2026 Genome Research Ltd.

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

// Package config loads and validates the service's YAML configuration.
// Every option has a default apart from the cookie jar's store path, so a
// minimal file is one line.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Measurement sink choices for Logging.Sink.
const (
	SinkNone   = "none"
	SinkLogr   = "logr"
	SinkInflux = "influx"
)

// Config is the root of the configuration file.
type Config struct {
	Retrieval   Retrieval `yaml:"retrieval"`
	CookieJar   CookieJar `yaml:"cookiejar"`
	Processor   Processor `yaml:"processor"`
	Rules       PluginDir `yaml:"rules"`
	Enrichments PluginDir `yaml:"enrichments"`
	Receivers   PluginDir `yaml:"receivers"`
	API         API       `yaml:"api"`
	Metrics     Metrics   `yaml:"metrics"`
	Logging     Logging   `yaml:"logging"`
}

// Retrieval tunes the periodic retrieval manager.
type Retrieval struct {
	// Source names the update source adapter to retrieve from. An empty
	// name disables retrieval; cookies then arrive through the admin API
	// only.
	Source Source `yaml:"source"`

	// PeriodSeconds is the gap between retrieval cycles.
	PeriodSeconds int `yaml:"period_seconds" validate:"min=1"`

	// StartFrom is the timestamp the first cycle retrieves from. Updates
	// older than this are never seen.
	StartFrom time.Time `yaml:"start_from"`

	// LogDSN is the PostgreSQL DSN retrieval cycles are logged to. Empty
	// disables the durable log.
	LogDSN string `yaml:"log_dsn"`
}

// Source selects a registered update source adapter and carries its
// adapter-specific options.
type Source struct {
	Name    string            `yaml:"name"`
	Options map[string]string `yaml:"options"`
}

// Period returns the cycle period as a duration.
func (r Retrieval) Period() time.Duration {
	return time.Duration(r.PeriodSeconds) * time.Second
}

// Buffer tunes a write buffer's discharge policy.
type Buffer struct {
	MaxSize   int `yaml:"max_size" validate:"min=1"`
	LatencyMS int `yaml:"latency_ms" validate:"min=1"`
}

// Latency returns the discharge latency as a duration.
func (b Buffer) Latency() time.Duration {
	return time.Duration(b.LatencyMS) * time.Millisecond
}

// CookieJar locates the jar's store and tunes its write path.
type CookieJar struct {
	// StorePath is the bbolt database file. The only option without a
	// default.
	StorePath string `yaml:"store_path" validate:"required"`

	// DatabaseName namespaces the jar inside the store.
	DatabaseName string `yaml:"database_name" validate:"required"`

	Buffer Buffer `yaml:"buffer"`

	// RateLimitPerSecond caps jar operations per second. Zero means no
	// limit.
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" validate:"min=0"`
}

// Processor tunes the worker pool.
type Processor struct {
	Workers           int `yaml:"workers" validate:"min=1"`
	RetryDelaySeconds int `yaml:"retry_delay_seconds" validate:"min=0"`
}

// RetryDelay returns how long a failed cookie stays off the queue.
func (p Processor) RetryDelay() time.Duration {
	return time.Duration(p.RetryDelaySeconds) * time.Second
}

// PluginDir locates one kind of plug-in. An empty Dir leaves the
// corresponding registry empty; an empty Pattern takes the registry
// package's default for that kind.
type PluginDir struct {
	Dir     string `yaml:"dir"`
	Pattern string `yaml:"pattern"`
}

// API tunes the admin HTTP API.
type API struct {
	Port int `yaml:"port" validate:"min=0,max=65535"`
}

// Metrics tunes the Prometheus endpoint.
type Metrics struct {
	Port int `yaml:"port" validate:"min=0,max=65535"`
}

// Influx locates an InfluxDB 1.x endpoint for the measurement sink.
type Influx struct {
	Addr     string            `yaml:"addr"`
	Database string            `yaml:"database"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	Tags     map[string]string `yaml:"tags"`
}

// Logging selects the zap encoder and the measurement pipeline.
type Logging struct {
	// Development switches zap to its development encoder.
	Development bool `yaml:"development"`

	// Sink is where measurements go: none, logr or influx.
	Sink string `yaml:"sink" validate:"oneof=none logr influx"`

	Influx Influx `yaml:"influx"`
	Buffer Buffer `yaml:"buffer"`

	// MonitorPeriodSeconds is how often the queue depth and worker count
	// samplers emit.
	MonitorPeriodSeconds int `yaml:"monitor_period_seconds" validate:"min=1"`
}

// MonitorPeriod returns the sampler period as a duration.
func (l Logging) MonitorPeriod() time.Duration {
	return time.Duration(l.MonitorPeriodSeconds) * time.Second
}

// Default returns the configuration used where the file is silent.
func Default() Config {
	return Config{
		Retrieval: Retrieval{
			PeriodSeconds: 10,
			StartFrom:     time.Unix(0, 0).UTC(),
		},
		CookieJar: CookieJar{
			DatabaseName: "cookiemonster",
			Buffer:       Buffer{MaxSize: 1000, LatencyMS: 50},
		},
		Processor: Processor{Workers: 5},
		API:       API{Port: 5000},
		Metrics:   Metrics{Port: 8080},
		Logging: Logging{
			Sink:                 SinkLogr,
			Buffer:               Buffer{MaxSize: 1000, LatencyMS: 10000},
			MonitorPeriodSeconds: 10,
		},
	}
}

var validate = validator.New()

// Load reads the YAML file at path over the defaults and validates the
// result. Unknown keys are errors.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks option ranges and cross-option requirements.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if c.Logging.Sink == SinkInflux && (c.Logging.Influx.Addr == "" || c.Logging.Influx.Database == "") {
		return errors.New("logging sink influx needs logging.influx.addr and logging.influx.database")
	}

	return nil
}
