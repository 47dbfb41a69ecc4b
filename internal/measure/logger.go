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

// Package measure collects operational measurements, buffers them and
// ships them to a pluggable sink. Measurements are advisory; a sink that
// rejects a batch costs a warning, never an operation.
package measure

import (
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Measurement is one named observation with one or more values, optional
// string metadata and a timestamp.
type Measurement struct {
	Measured  string
	Values    map[string]float64
	Metadata  map[string]string
	Timestamp time.Time
}

// Scalar builds a single-valued measurement under the conventional
// "value" field.
func Scalar(measured string, value float64) Measurement {
	return Measurement{
		Measured: measured,
		Values:   map[string]float64{"value": value},
	}
}

// Logger records measurements.
type Logger interface {
	Record(m Measurement)
	Flush()
}

// Sink receives discharged measurement batches.
type Sink interface {
	Write(ms []Measurement) error
}

// Timed runs fn and records its wall time under name + "_time".
func Timed(logger Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()

	logger.Record(Scalar(name+"_time", time.Since(start).Seconds()))

	return err
}

// Discard is a Logger that drops everything.
var Discard Logger = discardLogger{}

type discardLogger struct{}

func (discardLogger) Record(Measurement) {}

func (discardLogger) Flush() {}

// DefaultMaxBufferSize is how many measurements are held before a batch
// is forced to the sink.
const DefaultMaxBufferSize = 1000

// DefaultBufferLatency is how long a quiet measurement buffer waits
// before discharging.
const DefaultBufferLatency = 10 * time.Second

// BufferingLogger buffers measurements on a single collector goroutine
// and ships them to its sink in batches, discharging on size or once the
// buffer has been quiet for the configured latency. Batches the sink
// rejects are dropped with a warning.
type BufferingLogger struct {
	sink    Sink
	log     logr.Logger
	maxSize int
	latency time.Duration

	records chan Measurement
	flush   chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewBufferingLogger wires a buffered logger to sink. Non-positive sizes
// and latencies take the package defaults. The logger is running on
// return; call Close to flush and stop it.
func NewBufferingLogger(sink Sink, maxSize int, latency time.Duration, log logr.Logger) *BufferingLogger {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}

	if latency <= 0 {
		latency = DefaultBufferLatency
	}

	l := &BufferingLogger{
		sink:    sink,
		log:     log.WithName("measure"),
		maxSize: maxSize,
		latency: latency,
		records: make(chan Measurement, 256),
		flush:   make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Record implements Logger. A zero timestamp is stamped with the current
// time. Records arriving after Close are dropped.
func (l *BufferingLogger) Record(m Measurement) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}

	select {
	case l.records <- m:
	case <-l.stop:
	}
}

// Flush implements Logger, nudging the collector to discharge whatever it
// holds. The discharge itself happens asynchronously.
func (l *BufferingLogger) Flush() {
	select {
	case l.flush <- struct{}{}:
	default:
	}
}

// Close discharges the remaining buffer and stops the collector.
func (l *BufferingLogger) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
	l.wg.Wait()
}

func (l *BufferingLogger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.latency / 2)
	defer ticker.Stop()

	var (
		buf        []Measurement
		lastAppend time.Time
	)

	ship := func() {
		if len(buf) == 0 {
			return
		}

		if err := l.sink.Write(buf); err != nil {
			l.log.Error(err, "dropping measurement batch", "measurements", len(buf))
		}

		buf = nil
	}

	for {
		select {
		case m := <-l.records:
			buf = append(buf, m)
			lastAppend = time.Now()

			if len(buf) >= l.maxSize {
				ship()
			}

		case <-l.flush:
			ship()

		case now := <-ticker.C:
			if len(buf) > 0 && now.Sub(lastAppend) >= l.latency {
				ship()
			}

		case <-l.stop:
			for {
				select {
				case m := <-l.records:
					buf = append(buf, m)
					continue
				default:
				}

				break
			}

			ship()

			return
		}
	}
}
