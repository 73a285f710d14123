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

// Package orchestrator implements the plan orchestrator (spec C6): the
// sequential gated-approval state machine that drives a Plan's steps from
// submission through execution to resolution, plus its explanatory chat
// side-channel. Each plan owns its own mutex and execution token, so
// concurrent plans never contend on a single global lock, mirroring this
// codebase's per-entity-lock discipline in the session registry.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gravitational/trace"

	"github.com/otium-labs/opshost/lib/audit"
	"github.com/otium-labs/opshost/lib/config"
	opshosterrors "github.com/otium-labs/opshost/lib/errors"
	"github.com/otium-labs/opshost/lib/plan"
	"github.com/otium-labs/opshost/lib/profile"
	"github.com/otium-labs/opshost/lib/transport"
	"github.com/otium-labs/opshost/lib/types"
)

// sessionProvider is the slice of the session registry's behavior the
// orchestrator depends on.
type sessionProvider interface {
	Lookup(userID, sessionID string) (*types.Session, error)
}

// handleRunner is what a session's transport must support to execute a
// step's command; types.TransportHandle only promises ID().
type handleRunner interface {
	types.TransportHandle
	Run(ctx context.Context, command string, deadline time.Duration, opts transport.Options) (transport.CommandResult, error)
}

// entry wraps one plan with its own mutex and single-slot execution token,
// per spec §4.6's concurrency model.
type entry struct {
	mu    sync.Mutex
	token chan struct{}
	plan  *types.Plan
}

func newEntry(p *types.Plan) *entry {
	e := &entry{plan: p, token: make(chan struct{}, 1)}
	e.token <- struct{}{}
	return e
}

// StepOutcome is Respond's result.
type StepOutcome struct {
	Step       *types.Step
	PlanStatus types.PlanStatus
}

// Summary is RespondAll's result.
type Summary struct {
	Outcomes []StepOutcome
	Err      error
}

// ChatExchange is Chat's result: the two messages it appended.
type ChatExchange struct {
	UserMessage      types.ChatMessage
	AssistantMessage types.ChatMessage
}

// Orchestrator owns every in-flight and resolved plan.
type Orchestrator struct {
	cfg       config.Config
	sessions  sessionProvider
	generator plan.PlanGenerator
	sink      audit.Sink
	now       func() time.Time

	plans sync.Map // planID -> *entry

	activeMu     sync.Mutex
	activeBySess map[string]string // sessionID -> planID, only while unresolved

	idMu   sync.Mutex
	nextID uint64
}

// New builds an Orchestrator.
func New(cfg config.Config, sessions sessionProvider, generator plan.PlanGenerator, sink audit.Sink) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		sessions:     sessions,
		generator:    generator,
		sink:         sink,
		now:          time.Now,
		activeBySess: make(map[string]string),
	}
}

func (o *Orchestrator) newPlanID(sessionID string) string {
	o.idMu.Lock()
	defer o.idMu.Unlock()
	o.nextID++
	return fmt.Sprintf("plan-%s-%d-%d", sessionID, o.now().UnixNano(), o.nextID)
}

// Submit builds context from the session's host profile (capturing and
// caching it on first use), generates a plan, and persists it.
func (o *Orchestrator) Submit(ctx context.Context, userID, sessionID, requestText string) (*types.Plan, error) {
	session, err := o.sessions.Lookup(userID, sessionID)
	if err != nil {
		return nil, err
	}

	o.activeMu.Lock()
	if existing, busy := o.activeBySess[sessionID]; busy {
		o.activeMu.Unlock()
		return nil, &opshosterrors.SessionBusy{SessionID: sessionID, PlanID: existing}
	}
	o.activeMu.Unlock()

	hostProfile, err := o.hostProfile(ctx, session)
	if err != nil {
		return nil, err
	}

	planID := o.newPlanID(sessionID)
	warnings := func(msg string) {
		o.auditRecord(userID, sessionID, planID, nil, types.ActionPlanGenerationFailed, types.OutcomeDegraded, msg)
	}

	p, err := plan.Generate(ctx, o.generator, o.cfg, planID, userID, sessionID, requestText, hostProfile, o.now(), warnings)
	if err != nil {
		o.auditRecord(userID, sessionID, planID, nil, types.ActionPlanGenerationFailed, types.OutcomeFailed, err.Error())
		return nil, err
	}

	o.plans.Store(planID, newEntry(p))
	o.activeMu.Lock()
	o.activeBySess[sessionID] = planID
	o.activeMu.Unlock()

	o.auditRecord(userID, sessionID, planID, nil, types.ActionPlanSubmitted, types.OutcomeOK, fmt.Sprintf("%d steps, overall risk %s", len(p.Steps), p.OverallRisk))
	return p, nil
}

// hostProfile returns the session's cached profile, capturing it once if
// absent.
func (o *Orchestrator) hostProfile(ctx context.Context, session *types.Session) (types.HostProfile, error) {
	if session.CachedProfile != nil {
		return *session.CachedProfile, nil
	}
	handle, ok := session.Transport.(handleRunner)
	if !ok {
		return types.HostProfile{}, &opshosterrors.SessionUnavailable{SessionID: session.SessionID, Status: string(session.Status())}
	}
	captured := profile.Capture(ctx, handle, o.cfg.ProbeDeadline, func(probeName string, probeErr error) {
		detail := probeName
		if probeErr != nil {
			detail = fmt.Sprintf("%s: %v", probeName, probeErr)
		}
		o.auditRecord(session.UserID, session.SessionID, "", nil, types.ActionSessionHeartbeatFailed, types.OutcomeDegraded, "profile probe degraded: "+detail)
	})
	session.CachedProfile = &captured
	return captured, nil
}

// Get returns a read-only view of a stored plan.
func (o *Orchestrator) Get(userID, planID string) (*types.Plan, error) {
	e, err := o.lookup(userID, planID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan, nil
}

func (o *Orchestrator) lookup(userID, planID string) (*entry, error) {
	v, ok := o.plans.Load(planID)
	if !ok {
		return nil, &opshosterrors.NotFound{Kind: "plan", ID: planID}
	}
	e := v.(*entry)
	e.mu.Lock()
	owner := e.plan.UserID
	e.mu.Unlock()
	if owner != userID {
		return nil, &opshosterrors.NotFound{Kind: "plan", ID: planID}
	}
	return e, nil
}

// Respond drives the sequential approval state machine for one step.
func (o *Orchestrator) Respond(ctx context.Context, userID, planID string, stepIndex int, approved bool, reason string) (StepOutcome, error) {
	e, err := o.lookup(userID, planID)
	if err != nil {
		return StepOutcome{}, err
	}

	select {
	case <-e.token:
	case <-ctx.Done():
		return StepOutcome{}, trace.Wrap(ctx.Err())
	}
	defer func() { e.token <- struct{}{} }()

	e.mu.Lock()
	defer e.mu.Unlock()

	step, pending := e.plan.FirstPending()
	if !pending {
		// Plan already resolved: a repeat respond is a no-op that returns the
		// plan's current state rather than an error, matching the disconnect
		// idempotence law.
		for _, s := range e.plan.Steps {
			if s.Index == stepIndex {
				return StepOutcome{Step: s, PlanStatus: e.plan.Status()}, nil
			}
		}
		return StepOutcome{}, &opshosterrors.NotFound{Kind: "step", ID: fmt.Sprintf("%d", stepIndex)}
	}
	if step.Index != stepIndex {
		return StepOutcome{}, &opshosterrors.OutOfOrder{Requested: stepIndex, Expected: step.Index}
	}

	now := o.now()
	step.Decision = &types.StepDecision{Approved: approved, Reason: reason, At: now}

	if !approved {
		step.State = types.StepRejected
		o.auditStep(e.plan, step, types.ActionStepRejected, types.OutcomeOK, reason)
		o.skipRemaining(e.plan, "preceding-step-failed")
		o.resolveIfDone(e.plan)
		return StepOutcome{Step: step, PlanStatus: e.plan.Status()}, nil
	}

	step.State = types.StepApproved
	o.auditStep(e.plan, step, types.ActionStepApproved, types.OutcomeOK, reason)

	step.State = types.StepExecuting
	o.auditStep(e.plan, step, types.ActionStepExecuting, types.OutcomeOK, step.Command)

	o.executeStep(ctx, e.plan, step)
	o.resolveIfDone(e.plan)

	return StepOutcome{Step: step, PlanStatus: e.plan.Status()}, nil
}

func (o *Orchestrator) executeStep(ctx context.Context, p *types.Plan, step *types.Step) {
	session, err := o.sessions.Lookup(p.UserID, p.SessionID)
	if err != nil || session.Status() != types.SessionConnected {
		status := "unknown"
		if session != nil {
			status = string(session.Status())
		}
		step.State = types.StepFailed
		step.Result = &types.StepResult{ExitCode: -1, Stderr: "session unavailable", StartedAt: o.now(), FinishedAt: o.now()}
		o.auditStep(p, step, types.ActionStepResult, types.OutcomeFailed, fmt.Sprintf("session unavailable (status=%s)", status))
		o.skipRemaining(p, "preceding-step-failed")
		return
	}

	handle, ok := session.Transport.(handleRunner)
	if !ok {
		step.State = types.StepFailed
		step.Result = &types.StepResult{ExitCode: -1, Stderr: "session transport unavailable", StartedAt: o.now(), FinishedAt: o.now()}
		o.auditStep(p, step, types.ActionStepResult, types.OutcomeFailed, "session transport unavailable")
		o.skipRemaining(p, "preceding-step-failed")
		return
	}

	deadline := o.cfg.ClampStepDeadline(step.ExpectedDurationHint)
	started := o.now()
	result, runErr := handle.Run(ctx, step.Command, deadline, transport.Options{
		StdoutCapBytes: o.cfg.StdoutCapBytes,
		StderrCapBytes: o.cfg.StderrCapBytes,
	})
	finished := o.now()
	session.SetLastActivity(finished)

	step.Result = &types.StepResult{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		Duration:   result.Duration,
		StartedAt:  started,
		FinishedAt: finished,
	}

	if runErr == nil && result.ExitCode == 0 {
		step.State = types.StepSucceeded
		o.auditStep(p, step, types.ActionStepResult, types.OutcomeOK, fmt.Sprintf("exit_code=0 duration=%s", result.Duration))
		return
	}

	step.State = types.StepFailed
	detail := fmt.Sprintf("exit_code=%d", result.ExitCode)
	if runErr != nil {
		detail = runErr.Error()
	}
	o.auditStep(p, step, types.ActionStepResult, types.OutcomeFailed, detail)
	o.skipRemaining(p, "preceding-step-failed")
}

func (o *Orchestrator) skipRemaining(p *types.Plan, reason string) {
	for {
		step, pending := p.FirstPending()
		if !pending {
			return
		}
		step.State = types.StepSkipped
		step.Decision = &types.StepDecision{Approved: false, Reason: reason, At: o.now()}
		o.auditStep(p, step, types.ActionStepSkipped, types.OutcomeOK, reason)
	}
}

func (o *Orchestrator) resolveIfDone(p *types.Plan) {
	if !p.Resolved() {
		return
	}
	o.auditRecord(p.UserID, p.SessionID, p.PlanID, nil, types.ActionPlanResolved, types.OutcomeOK, string(p.Status()))
	o.activeMu.Lock()
	if o.activeBySess[p.SessionID] == p.PlanID {
		delete(o.activeBySess, p.SessionID)
	}
	o.activeMu.Unlock()
}

// RespondAll iterates Respond over every remaining pending step.
func (o *Orchestrator) RespondAll(ctx context.Context, userID, planID string, approved bool, reason string) Summary {
	var summary Summary
	for {
		p, err := o.Get(userID, planID)
		if err != nil {
			summary.Err = err
			return summary
		}
		step, pending := p.FirstPending()
		if !pending {
			return summary
		}
		outcome, err := o.Respond(ctx, userID, planID, step.Index, approved, reason)
		if err != nil {
			summary.Err = err
			return summary
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}
}

// Chat appends a user message and a synthesized assistant reply to the
// plan's explanatory discussion log (spec §4.6.4). It never mutates Steps
// and never parses the assistant's reply as JSON: a generator failure or
// timeout yields a fallback assistant message rather than failing the call,
// since an unresponsive assistant must never block a reviewer from
// continuing to approve or reject steps through other operations.
func (o *Orchestrator) Chat(ctx context.Context, userID, planID, message string) (ChatExchange, error) {
	e, err := o.lookup(userID, planID)
	if err != nil {
		return ChatExchange{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := o.now()
	userMsg := types.ChatMessage{Author: "user", Body: message, At: now}
	e.plan.Messages = append(e.plan.Messages, userMsg)
	o.auditRecord(userID, e.plan.SessionID, planID, nil, types.ActionChatMessage, types.OutcomeOK, "user: "+truncateForAudit(message))

	reply, genErr := o.generator.Generate(ctx, chatSystemPrompt(e.plan), message)
	outcome := types.OutcomeOK
	if genErr != nil {
		reply = fmt.Sprintf("unable to respond: %v", genErr)
		outcome = types.OutcomeDegraded
	}

	assistantMsg := types.ChatMessage{Author: "assistant", Body: reply, At: o.now()}
	e.plan.Messages = append(e.plan.Messages, assistantMsg)
	o.auditRecord(userID, e.plan.SessionID, planID, nil, types.ActionChatMessage, outcome, "assistant: "+truncateForAudit(reply))

	return ChatExchange{UserMessage: userMsg, AssistantMessage: assistantMsg}, nil
}

// chatSystemPrompt summarizes the plan's current state for the assistant's
// explanatory reply; the reply itself is never parsed as structured data.
func chatSystemPrompt(p *types.Plan) string {
	return fmt.Sprintf(
		"You are answering follow-up questions about an operations plan already in progress. "+
			"Intent: %s. Action: %s. Overall risk: %s. Status: %s. "+
			"Answer conversationally; do not emit JSON or propose new commands here.",
		p.Intent, p.Action, p.OverallRisk, p.Status(),
	)
}

func truncateForAudit(s string) string {
	const max = 200
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

func (o *Orchestrator) auditStep(p *types.Plan, step *types.Step, action types.AuditAction, outcome types.AuditOutcome, detail string) {
	idx := step.Index
	o.auditRecord(p.UserID, p.SessionID, p.PlanID, &idx, action, outcome, detail)
}

func (o *Orchestrator) auditRecord(userID, sessionID, planID string, stepIndex *int, action types.AuditAction, outcome types.AuditOutcome, detail string) {
	if o.sink == nil {
		return
	}
	o.sink.Record(types.AuditRecord{
		Timestamp: o.now(),
		UserID:    userID,
		SessionID: sessionID,
		PlanID:    planID,
		StepIndex: stepIndex,
		Action:    action,
		Outcome:   outcome,
		Detail:    detail,
	})
}
