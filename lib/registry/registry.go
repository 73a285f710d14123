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

// Package registry implements the session registry (spec C4): a
// thread-safe per-user map of live sessions, a background heartbeat and
// eviction scheduler, and the single write path for session lifecycle.
// It is grounded on lib/srv's heartbeat (heartbeatv2.go) and
// session-tracking (sessiontracker.go) idiom: a clockwork-driven scheduler
// goroutine tied to a cancellable context, per-entity failure counters, and
// sync.RWMutex-guarded maps with atomic hot fields.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	"github.com/otium-labs/opshost/lib/audit"
	"github.com/otium-labs/opshost/lib/config"
	opshosterrors "github.com/otium-labs/opshost/lib/errors"
	"github.com/otium-labs/opshost/lib/transport"
	"github.com/otium-labs/opshost/lib/types"
	"github.com/otium-labs/opshost/lib/vault"
)

// sessionTransport is the slice of transport.Handle's behavior the registry
// depends on, narrowed to an interface so tests can swap in a fake without a
// live SSH connection.
type sessionTransport interface {
	types.TransportHandle
	Heartbeat(ctx context.Context) bool
	Close()
}

// Registry holds every live session, keyed by user then session ID, and
// drives their heartbeat/idle-eviction lifecycle.
type Registry struct {
	cfg   config.Config
	vault *vault.Vault
	sink  audit.Sink
	clock clockwork.Clock

	mu       sync.RWMutex
	sessions map[string]map[string]*types.Session // userID -> sessionID -> session

	closeCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	nextID uint64
	idMu   sync.Mutex
}

// New builds a Registry and starts its background heartbeat/eviction
// scheduler. Callers must call Close to stop the scheduler and release every
// session's transport.
func New(cfg config.Config, v *vault.Vault, sink audit.Sink, clock clockwork.Clock) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		cfg:      cfg,
		vault:    v,
		sink:     sink,
		clock:    clock,
		sessions: make(map[string]map[string]*types.Session),
		closeCtx: ctx,
		cancel:   cancel,
	}
	r.wg.Add(1)
	go r.scheduleLoop()
	return r
}

// Connect opens a new transport, seals the credential, registers the
// session, and returns its ID. After Open returns, the credential is sealed
// through the vault and the private-key bytes are zeroed in place. A
// password is a Go string and cannot be overwritten: only a byte copy of it
// is zeroed, so the password string itself is not cleared.
func (r *Registry) Connect(ctx context.Context, userID, hostname string, port int, username string, cred transport.Credential) (string, error) {
	r.mu.RLock()
	existing := len(r.sessions[userID])
	r.mu.RUnlock()
	if existing >= r.cfg.MaxSessionsPerUser {
		return "", trace.LimitExceeded("user %s already has %d sessions (max %d)", userID, existing, r.cfg.MaxSessionsPerUser)
	}

	handle, err := transport.Open(ctx, hostname, port, username, cred, r.cfg.ConnectDeadline)
	if err != nil {
		r.audit(userID, "", types.ActionSessionConnect, types.OutcomeFailed, err.Error())
		return "", err
	}
	r.sealCredential(cred)

	sessionID := r.newSessionID(userID)
	now := r.clock.Now()
	session := types.NewSession(userID, sessionID, hostname, username, port, handle, now)
	session.SetStatus(types.SessionConnected)

	r.mu.Lock()
	if r.sessions[userID] == nil {
		r.sessions[userID] = make(map[string]*types.Session)
	}
	r.sessions[userID][sessionID] = session
	r.mu.Unlock()

	r.audit(userID, sessionID, types.ActionSessionConnect, types.OutcomeOK, fmt.Sprintf("connected to %s:%d as %s", hostname, port, username))
	return sessionID, nil
}

// sealCredential seals the plaintext credential through the vault and
// discards the sealed form immediately: the registry does not persist
// credentials past the Connect call, it only ensures plaintext does not
// linger in memory any longer than necessary.
func (r *Registry) sealCredential(cred transport.Credential) {
	if r.vault == nil {
		return
	}
	if cred.Password != "" {
		if sealed, err := r.vault.Seal([]byte(cred.Password)); err == nil {
			vault.Zero(sealed)
		}
		vault.Zero([]byte(cred.Password))
	}
	if len(cred.PrivateKey) > 0 {
		if sealed, err := r.vault.Seal(cred.PrivateKey); err == nil {
			vault.Zero(sealed)
		}
		vault.Zero(cred.PrivateKey)
	}
}

func (r *Registry) newSessionID(userID string) string {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	r.nextID++
	return fmt.Sprintf("%s-sess-%d-%d", userID, r.clock.Now().UnixNano(), r.nextID)
}

// Disconnect removes a session and closes its transport. Idempotent.
func (r *Registry) Disconnect(userID, sessionID string) {
	r.mu.Lock()
	byUser := r.sessions[userID]
	session, ok := byUser[sessionID]
	if ok {
		delete(byUser, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.closeSession(session, types.ActionSessionDisconnect, "disconnected")
}

func (r *Registry) closeSession(session *types.Session, action types.AuditAction, detail string) {
	session.SetStatus(types.SessionClosed)
	if h, ok := session.Transport.(sessionTransport); ok {
		h.Close()
	}
	r.audit(session.UserID, session.SessionID, action, types.OutcomeOK, detail)
}

// Lookup returns the live session for userID/sessionID, or NotFound.
func (r *Registry) Lookup(userID, sessionID string) (*types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[userID][sessionID]
	if !ok {
		return nil, &opshosterrors.NotFound{Kind: "session", ID: sessionID}
	}
	return session, nil
}

// List returns read-only snapshots of every session for userID.
func (r *Registry) List(userID string) []types.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Snapshot, 0, len(r.sessions[userID]))
	for _, s := range r.sessions[userID] {
		out = append(out, s.Snapshot())
	}
	return out
}

// TerminateUser disconnects every session belonging to userID.
func (r *Registry) TerminateUser(userID string) {
	r.mu.Lock()
	byUser := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	for _, session := range byUser {
		r.closeSession(session, types.ActionSessionDisconnect, "terminated with user session sweep")
	}
}

// Close stops the background scheduler and closes every live session.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()

	r.mu.Lock()
	all := r.sessions
	r.sessions = make(map[string]map[string]*types.Session)
	r.mu.Unlock()

	for _, byUser := range all {
		for _, session := range byUser {
			r.closeSession(session, types.ActionSessionDisconnect, "registry shutdown")
		}
	}
}

// scheduleLoop drives heartbeat and idle-eviction checks at
// HeartbeatInterval. It is the registry's single background goroutine,
// mirroring the one-scheduler-goroutine-per-registry discipline of this
// codebase's heartbeat scheduler.
func (r *Registry) scheduleLoop() {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCtx.Done():
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

// sweep runs one heartbeat+idle pass over every live session. It snapshots
// the session list under the read lock, then probes outside any lock so a
// slow or hung remote host never blocks Connect/Disconnect/Lookup.
func (r *Registry) sweep() {
	r.mu.RLock()
	var sessions []*types.Session
	for _, byUser := range r.sessions {
		for _, s := range byUser {
			sessions = append(sessions, s)
		}
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	for _, session := range sessions {
		if session.Status() == types.SessionClosed {
			continue
		}
		if now.Sub(session.LastActivityAt()) > r.cfg.IdleTimeout {
			r.audit(session.UserID, session.SessionID, types.ActionSessionEvicted, types.OutcomeOK, "idle timeout exceeded")
			r.Disconnect(session.UserID, session.SessionID)
			continue
		}
		r.heartbeatOne(session)
	}
}

func (r *Registry) heartbeatOne(session *types.Session) {
	handle, ok := session.Transport.(sessionTransport)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.closeCtx, 10*time.Second)
	ok = handle.Heartbeat(ctx)
	cancel()

	if ok {
		session.ResetHeartbeatFailures()
		session.SetLastHeartbeat(r.clock.Now())
		if session.Status() == types.SessionDegraded {
			session.SetStatus(types.SessionConnected)
		}
		return
	}

	failures := session.RecordHeartbeatFailure()
	r.audit(session.UserID, session.SessionID, types.ActionSessionHeartbeatFailed, types.OutcomeDegraded, fmt.Sprintf("consecutive failures: %d", failures))
	if failures >= 2 {
		r.audit(session.UserID, session.SessionID, types.ActionSessionEvicted, types.OutcomeFailed, "two consecutive heartbeat failures")
		r.Disconnect(session.UserID, session.SessionID)
		return
	}
	session.SetStatus(types.SessionDegraded)
}

func (r *Registry) audit(userID, sessionID string, action types.AuditAction, outcome types.AuditOutcome, detail string) {
	if r.sink == nil {
		return
	}
	r.sink.Record(types.AuditRecord{
		Timestamp: r.clock.Now(),
		UserID:    userID,
		SessionID: sessionID,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	})
}
