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

import "github.com/go-logr/logr"

// LogrSink renders measurements into the structured log. It is the
// fallback sink when no time-series database is configured.
type LogrSink struct {
	log logr.Logger
}

// NewLogrSink builds a sink writing to log.
func NewLogrSink(log logr.Logger) *LogrSink {
	return &LogrSink{log: log.WithName("measurements")}
}

// Write implements Sink.
func (s *LogrSink) Write(ms []Measurement) error {
	for _, m := range ms {
		fields := make([]any, 0, 2*(len(m.Values)+len(m.Metadata))+2)
		fields = append(fields, "at", m.Timestamp)

		for k, v := range m.Values {
			fields = append(fields, k, v)
		}

		for k, v := range m.Metadata {
			fields = append(fields, k, v)
		}

		s.log.V(1).Info(m.Measured, fields...)
	}

	return nil
}
