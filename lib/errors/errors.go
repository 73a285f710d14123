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

// Package errors holds the closed error taxonomy for opshost (spec §7).
// Every value here also satisfies error and can be further wrapped with
// trace.Wrap at call sites that add stack context; the taxonomy below is
// what callers switch on, not what they print.
package errors

import "fmt"

// ConnectError is returned when opening a new SSH transport fails outright
// (TCP connect, protocol negotiation). It is fatal for the session attempt.
type ConnectError struct {
	Hostname string
	Cause    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Hostname, e.Cause)
}

func (e *ConnectError) Unwrap() error { return e.Cause }

// AuthFailure is the narrower sub-case of ConnectError raised when the
// transport connected but credential authentication was rejected.
type AuthFailure struct {
	Hostname string
	Username string
	Cause    error
}

func (e *AuthFailure) Error() string {
	return fmt.Sprintf("authentication as %s@%s failed: %v", e.Username, e.Hostname, e.Cause)
}

func (e *AuthFailure) Unwrap() error { return e.Cause }

// SessionClosed is returned by Run when the underlying transport was torn
// down concurrently with the call (Heartbeat reports the same condition as
// false). It is never retried by the
// orchestrator.
type SessionClosed struct {
	SessionID string
}

func (e *SessionClosed) Error() string {
	return fmt.Sprintf("session %s is closed", e.SessionID)
}

// SessionUnavailable is returned when an operation needs a connected
// session but the session is degraded or closed.
type SessionUnavailable struct {
	SessionID string
	Status    string
}

func (e *SessionUnavailable) Error() string {
	return fmt.Sprintf("session %s is unavailable (status=%s)", e.SessionID, e.Status)
}

// SessionBusy is returned by Submit when a session already has an
// unresolved plan in flight.
type SessionBusy struct {
	SessionID string
	PlanID    string
}

func (e *SessionBusy) Error() string {
	return fmt.Sprintf("session %s already has unresolved plan %s", e.SessionID, e.PlanID)
}

// CommandDeadlineExceeded is returned when a step's per-command deadline
// elapses before the remote command finished.
type CommandDeadlineExceeded struct {
	Command string
}

func (e *CommandDeadlineExceeded) Error() string {
	return fmt.Sprintf("command %q exceeded its deadline", e.Command)
}

// ModelTimeout is returned when the generator deadline elapses before the
// PlanGenerator returns.
type ModelTimeout struct {
	Deadline string
}

func (e *ModelTimeout) Error() string {
	return fmt.Sprintf("plan generation timed out (deadline %s)", e.Deadline)
}

// ModelRefusal is returned when the model explicitly declines to produce a
// plan (empty steps plus an explanation).
type ModelRefusal struct {
	Explanation string
}

func (e *ModelRefusal) Error() string {
	return fmt.Sprintf("model refused: %s", e.Explanation)
}

// ParseFailure is returned when the response recovery pipeline cannot
// coerce the model's output into JSON even after repair. Context is a
// truncated slice (spec: last 200 bytes) around the failure point, never
// the full model output.
type ParseFailure struct {
	Reason  string
	Context string
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("failed to parse model output: %s (near: %q)", e.Reason, e.Context)
}

// ValidationFailure is returned when parsed JSON is missing required
// schema fields.
type ValidationFailure struct {
	MissingFields []string
}

func (e *ValidationFailure) Error() string {
	return fmt.Sprintf("plan failed schema validation, missing fields: %v", e.MissingFields)
}

// OutOfOrder is returned by Respond when step_index does not match the
// smallest pending index.
type OutOfOrder struct {
	Requested int
	Expected  int
}

func (e *OutOfOrder) Error() string {
	return fmt.Sprintf("step %d is out of order, expected %d", e.Requested, e.Expected)
}

// NotFound is returned by lookups against the session, plan, or step store.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// CredentialIntegrityError is returned by the vault when sealed input fails
// authentication (tampering or corruption).
type CredentialIntegrityError struct {
	Cause error
}

func (e *CredentialIntegrityError) Error() string {
	return fmt.Sprintf("credential integrity check failed: %v", e.Cause)
}

func (e *CredentialIntegrityError) Unwrap() error { return e.Cause }
