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

package types

import (
	"sync/atomic"
	"time"
)

// TransportHandle is the opaque live SSH channel owned by the transport
// package. The registry stores it but never reaches into it directly.
type TransportHandle interface {
	ID() string
}

// Session is a live, registry-owned SSH session. Status and LastActivityAt
// are accessed through atomics so the heartbeat/eviction scanner and the
// hot Run() path never have to take the registry's map lock just to read or
// update them.
type Session struct {
	UserID     string
	SessionID  string
	Hostname   string
	Username   string
	Port       int

	Transport TransportHandle

	CreatedAt time.Time

	// status holds a SessionStatus stored as its string value; see Status/SetStatus.
	status atomic.Value
	// lastActivityAtUnixNano and lastHeartbeatAtUnixNano are Unix nanosecond
	// timestamps, updated without the registry's map lock.
	lastActivityAtUnixNano   int64
	lastHeartbeatAtUnixNano  int64

	// heartbeatFailures counts consecutive failed heartbeat probes; reset to
	// zero on any success. Two consecutive failures evict the session.
	heartbeatFailures int32

	// CachedProfile is set at most once per session by the profiler and never
	// mutated afterward; nil until the first successful (or best-effort)
	// profiling pass completes.
	CachedProfile *HostProfile
}

// NewSession constructs a Session in the "connecting" state.
func NewSession(userID, sessionID, hostname, username string, port int, transport TransportHandle, now time.Time) *Session {
	s := &Session{
		UserID:    userID,
		SessionID: sessionID,
		Hostname:  hostname,
		Username:  username,
		Port:      port,
		Transport: transport,
		CreatedAt: now,
	}
	s.SetStatus(SessionConnecting)
	s.SetLastActivity(now)
	s.SetLastHeartbeat(now)
	return s
}

// Status returns the session's current lifecycle state.
func (s *Session) Status() SessionStatus {
	v, _ := s.status.Load().(SessionStatus)
	if v == "" {
		return SessionConnecting
	}
	return v
}

// SetStatus atomically updates the session's lifecycle state.
func (s *Session) SetStatus(status SessionStatus) {
	s.status.Store(status)
}

// LastActivityAt returns the timestamp of the last successful Run call.
func (s *Session) LastActivityAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivityAtUnixNano))
}

// SetLastActivity atomically records a new last-activity timestamp.
func (s *Session) SetLastActivity(t time.Time) {
	atomic.StoreInt64(&s.lastActivityAtUnixNano, t.UnixNano())
}

// LastHeartbeatAt returns the timestamp of the last successful heartbeat.
func (s *Session) LastHeartbeatAt() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastHeartbeatAtUnixNano))
}

// SetLastHeartbeat atomically records a new last-heartbeat timestamp.
func (s *Session) SetLastHeartbeat(t time.Time) {
	atomic.StoreInt64(&s.lastHeartbeatAtUnixNano, t.UnixNano())
}

// RecordHeartbeatFailure increments the consecutive-failure counter and
// reports the new count.
func (s *Session) RecordHeartbeatFailure() int32 {
	return atomic.AddInt32(&s.heartbeatFailures, 1)
}

// ResetHeartbeatFailures zeroes the consecutive-failure counter.
func (s *Session) ResetHeartbeatFailures() {
	atomic.StoreInt32(&s.heartbeatFailures, 0)
}

// Snapshot is a read-only, race-free copy of a Session's externally visible
// fields, suitable for returning from List/status operations.
type Snapshot struct {
	UserID          string
	SessionID       string
	Hostname        string
	Username        string
	Port            int
	Status          SessionStatus
	CreatedAt       time.Time
	LastActivityAt  time.Time
	LastHeartbeatAt time.Time
	HasProfile      bool
}

// Snapshot captures a point-in-time, race-free view of the session.
func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		UserID:          s.UserID,
		SessionID:       s.SessionID,
		Hostname:        s.Hostname,
		Username:        s.Username,
		Port:            s.Port,
		Status:          s.Status(),
		CreatedAt:       s.CreatedAt,
		LastActivityAt:  s.LastActivityAt(),
		LastHeartbeatAt: s.LastHeartbeatAt(),
		HasProfile:      s.CachedProfile != nil,
	}
}
