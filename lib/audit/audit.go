/*
Copyright 2024 Otium Labs, Inc.

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

// Package audit implements the audit sink (spec C7): every state transition
// in the core is recorded as an immutable AuditRecord. The default sink
// writes structured log lines through logrus.
package audit

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/otium-labs/opshost/lib/types"
)

// Sink receives audit records as they are produced. Implementations must be
// safe for concurrent use; Record must never block the caller on a slow
// downstream (the logrus sink writes synchronously but cheaply; a future
// network sink should buffer internally rather than pushing backpressure
// into the core).
type Sink interface {
	Record(r types.AuditRecord)
}

// LogSink is the default Sink: one structured log line per record.
type LogSink struct {
	logger *log.Logger
}

// NewLogSink builds a LogSink over the given logger, or logrus's standard
// logger if nil.
func NewLogSink(logger *log.Logger) *LogSink {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(r types.AuditRecord) {
	entry := s.logger.WithFields(log.Fields{
		"audit_action":  string(r.Action),
		"audit_outcome": string(r.Outcome),
		"user_id":       r.UserID,
		"session_id":    r.SessionID,
		"plan_id":       r.PlanID,
		"timestamp":     r.Timestamp,
	})
	if r.StepIndex != nil {
		entry = entry.WithField("step_index", *r.StepIndex)
	}
	switch r.Outcome {
	case types.OutcomeFailed:
		entry.Warn(r.Detail)
	case types.OutcomeDegraded:
		entry.Warn(r.Detail)
	default:
		entry.Info(r.Detail)
	}
}

// RingSink retains the last N records in memory, for tests and for serving
// a recent-activity query without standing up a real audit store.
type RingSink struct {
	mu      sync.Mutex
	records []types.AuditRecord
	cap     int
	next    int
	full    bool
}

// NewRingSink builds a RingSink holding at most capacity records.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingSink{records: make([]types.AuditRecord, capacity), cap: capacity}
}

// Record implements Sink.
func (s *RingSink) Record(r types.AuditRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = r
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.full = true
	}
}

// All returns the retained records in chronological order.
func (s *RingSink) All() []types.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		out := make([]types.AuditRecord, s.next)
		copy(out, s.records[:s.next])
		return out
	}
	out := make([]types.AuditRecord, s.cap)
	copy(out, s.records[s.next:])
	copy(out[s.cap-s.next:], s.records[:s.next])
	return out
}

// MultiSink fans one record out to several sinks, in order.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a MultiSink over the given sinks.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Record implements Sink.
func (s *MultiSink) Record(r types.AuditRecord) {
	for _, sink := range s.sinks {
		sink.Record(r)
	}
}
