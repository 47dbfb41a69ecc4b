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

package measure

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	client "github.com/influxdata/influxdb1-client/v2"
)

// InfluxConfig locates an InfluxDB 1.x endpoint and the database
// measurements are written to. StaticTags are attached to every point,
// alongside any per-measurement metadata.
type InfluxConfig struct {
	Addr       string
	Username   string
	Password   string
	Database   string
	StaticTags map[string]string
}

// InfluxSink writes measurement batches as InfluxDB points. Timestamps
// are truncated to whole seconds, matching the precision the batch is
// submitted with.
type InfluxSink struct {
	client     client.Client
	database   string
	staticTags map[string]string
	log        logr.Logger
}

// NewInfluxSink connects to the configured endpoint.
func NewInfluxSink(cfg InfluxConfig, log logr.Logger) (*InfluxSink, error) {
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("connect influxdb: %w", err)
	}

	return &InfluxSink{
		client:     c,
		database:   cfg.Database,
		staticTags: cfg.StaticTags,
		log:        log.WithName("influx"),
	}, nil
}

// Write implements Sink.
func (s *InfluxSink) Write(ms []Measurement) error {
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  s.database,
		Precision: "s",
	})
	if err != nil {
		return err
	}

	for _, m := range ms {
		tags := make(map[string]string, len(s.staticTags)+len(m.Metadata))

		for k, v := range s.staticTags {
			tags[k] = v
		}

		for k, v := range m.Metadata {
			tags[k] = v
		}

		fields := make(map[string]interface{}, len(m.Values))
		for k, v := range m.Values {
			fields[k] = v
		}

		pt, err := client.NewPoint(m.Measured, tags, fields, m.Timestamp.Truncate(time.Second))
		if err != nil {
			s.log.Error(err, "skipping unencodable measurement", "measured", m.Measured)
			continue
		}

		bp.AddPoint(pt)
	}

	return s.client.Write(bp)
}

// Close releases the HTTP client.
func (s *InfluxSink) Close() error {
	return s.client.Close()
}
