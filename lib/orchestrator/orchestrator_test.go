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

package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otium-labs/opshost/lib/audit"
	"github.com/otium-labs/opshost/lib/config"
	opshosterrors "github.com/otium-labs/opshost/lib/errors"
	"github.com/otium-labs/opshost/lib/plan"
	"github.com/otium-labs/opshost/lib/transport"
	"github.com/otium-labs/opshost/lib/types"
)

// fakeSessions is a hand-rolled sessionProvider backed by an in-memory map,
// so orchestrator tests never need a live registry.
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*types.Session // sessionID -> session
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*types.Session)}
}

func (f *fakeSessions) add(s *types.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.SessionID] = s
}

func (f *fakeSessions) Lookup(userID, sessionID string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok || s.UserID != userID {
		return nil, &opshosterrors.NotFound{Kind: "session", ID: sessionID}
	}
	return s, nil
}

// fakeHandle is a hand-rolled handleRunner: it scripts one CommandResult (or
// error) per Run call, in order, and records every command it was asked to
// run.
type fakeHandle struct {
	mu       sync.Mutex
	id       string
	scripted []fakeRunResult
	commands []string
}

type fakeRunResult struct {
	result transport.CommandResult
	err    error
}

func newFakeHandle(id string, results ...fakeRunResult) *fakeHandle {
	return &fakeHandle{id: id, scripted: results}
}

func (h *fakeHandle) ID() string { return h.id }

func (h *fakeHandle) Run(ctx context.Context, command string, deadline time.Duration, opts transport.Options) (transport.CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	if len(h.scripted) == 0 {
		return transport.CommandResult{ExitCode: 0}, nil
	}
	next := h.scripted[0]
	h.scripted = h.scripted[1:]
	return next.result, next.err
}

func testProfile() types.HostProfile {
	return types.NewHostProfile(
		types.OSFamilyDebian, "debian", "12", "Linux 6.1", "x86_64",
		8<<30, 4<<30, 100<<30,
		types.ServiceManagerSystemd, []string{"systemctl", "apt-get"}, nil, time.Now(),
	)
}

func newTestOrchestrator(t *testing.T, gen plan.PlanGenerator) (*Orchestrator, *fakeSessions, *fakeHandle) {
	t.Helper()
	sessions := newFakeSessions()
	handle := newFakeHandle("root@host:22")
	profile := testProfile()
	session := types.NewSession("alice", "sess-1", "host", "root", 22, handle, time.Now())
	session.SetStatus(types.SessionConnected)
	session.CachedProfile = &profile
	sessions.add(session)

	cfg := config.Default()
	orch := New(cfg, sessions, gen, audit.NewRingSink(100))
	return orch, sessions, handle
}

const validPlanJSON = `{
	"intent": "restart nginx",
	"action": "restart_service",
	"risk_level": "low",
	"explanation": "restart the nginx service",
	"steps": [
		{"step": 1, "command": "systemctl restart nginx", "explanation": "restart", "risk_level": "low", "estimated_time": "10s"},
		{"step": 2, "command": "systemctl status nginx", "explanation": "verify", "risk_level": "low", "estimated_time": "5s"}
	]
}`

func TestSubmitBuildsPlanFromCachedProfile(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, _ := newTestOrchestrator(t, gen)

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)
	require.Len(t, p.Steps, 2)
	require.Equal(t, types.StepPending, p.Steps[0].State)
}

func TestSubmitRejectsSecondUnresolvedPlanForSameSession(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON}, plan.FakeResponse{Body: validPlanJSON})
	orch, _, _ := newTestOrchestrator(t, gen)

	_, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	_, err = orch.Submit(context.Background(), "alice", "sess-1", "restart nginx again")
	require.Error(t, err)
	var busy *opshosterrors.SessionBusy
	require.ErrorAs(t, err, &busy)
}

func TestRespondApprovesExecutesAndAdvances(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, handle := newTestOrchestrator(t, gen)
	handle.scripted = []fakeRunResult{
		{result: transport.CommandResult{ExitCode: 0, Stdout: "ok"}},
		{result: transport.CommandResult{ExitCode: 0, Stdout: "active"}},
	}

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	outcome, err := orch.Respond(context.Background(), "alice", p.PlanID, 0, true, "looks safe")
	require.NoError(t, err)
	require.Equal(t, types.StepSucceeded, outcome.Step.State)
	require.Equal(t, types.PlanInProgress, outcome.PlanStatus)

	outcome, err = orch.Respond(context.Background(), "alice", p.PlanID, 1, true, "")
	require.NoError(t, err)
	require.Equal(t, types.StepSucceeded, outcome.Step.State)
	require.Equal(t, types.PlanSucceeded, outcome.PlanStatus)

	require.Equal(t, []string{"systemctl restart nginx", "systemctl status nginx"}, handle.commands)
}

func TestRespondRejectsSkipsRemainingSteps(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, _ := newTestOrchestrator(t, gen)

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	outcome, err := orch.Respond(context.Background(), "alice", p.PlanID, 0, false, "too risky")
	require.NoError(t, err)
	require.Equal(t, types.StepRejected, outcome.Step.State)
	require.Equal(t, types.PlanFailed, outcome.PlanStatus)

	got, err := orch.Get("alice", p.PlanID)
	require.NoError(t, err)
	require.Equal(t, types.StepSkipped, got.Steps[1].State)
}

func TestRespondOutOfOrderRejected(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, _ := newTestOrchestrator(t, gen)

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	_, err = orch.Respond(context.Background(), "alice", p.PlanID, 1, true, "")
	require.Error(t, err)
	var oo *opshosterrors.OutOfOrder
	require.ErrorAs(t, err, &oo)
}

func TestRespondFailedStepCascadesSkip(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, handle := newTestOrchestrator(t, gen)
	handle.scripted = []fakeRunResult{
		{result: transport.CommandResult{ExitCode: 1, Stderr: "nginx: config error"}},
	}

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	outcome, err := orch.Respond(context.Background(), "alice", p.PlanID, 0, true, "")
	require.NoError(t, err)
	require.Equal(t, types.StepFailed, outcome.Step.State)
	require.Equal(t, types.PlanFailed, outcome.PlanStatus)

	got, err := orch.Get("alice", p.PlanID)
	require.NoError(t, err)
	require.Equal(t, types.StepSkipped, got.Steps[1].State)
}

func TestRespondAllApprovesEveryPendingStep(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, handle := newTestOrchestrator(t, gen)
	handle.scripted = []fakeRunResult{
		{result: transport.CommandResult{ExitCode: 0}},
		{result: transport.CommandResult{ExitCode: 0}},
	}

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	summary := orch.RespondAll(context.Background(), "alice", p.PlanID, true, "bulk approve")
	require.NoError(t, summary.Err)
	require.Len(t, summary.Outcomes, 2)
	require.Equal(t, types.PlanSucceeded, summary.Outcomes[1].PlanStatus)
}

func TestSubmitFailsSessionNotFound(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, _ := newTestOrchestrator(t, gen)

	_, err := orch.Submit(context.Background(), "alice", "no-such-session", "restart nginx")
	require.Error(t, err)
	var nf *opshosterrors.NotFound
	require.ErrorAs(t, err, &nf)
}

func TestSubmitSurfacesModelRefusal(t *testing.T) {
	refusal := `{"intent": "x", "action": "y", "risk_level": "low", "explanation": "this request is destructive", "steps": []}`
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: refusal})
	orch, _, _ := newTestOrchestrator(t, gen)

	_, err := orch.Submit(context.Background(), "alice", "sess-1", "wipe the disk")
	require.Error(t, err)
}

func TestRespondFailsWhenSessionNoLongerConnected(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, sessions, _ := newTestOrchestrator(t, gen)

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	session, err := sessions.Lookup("alice", "sess-1")
	require.NoError(t, err)
	session.SetStatus(types.SessionDegraded)

	outcome, err := orch.Respond(context.Background(), "alice", p.PlanID, 0, true, "")
	require.NoError(t, err)
	require.Equal(t, types.StepFailed, outcome.Step.State)
}

// TestRespondAfterResolutionIsANoOp locks in the idempotence law: once a
// plan is resolved, repeating a respond call for any of its steps returns
// that step's current terminal state rather than an error.
func TestRespondAfterResolutionIsANoOp(t *testing.T) {
	gen := plan.NewFakeGenerator(plan.FakeResponse{Body: validPlanJSON})
	orch, _, _ := newTestOrchestrator(t, gen)

	p, err := orch.Submit(context.Background(), "alice", "sess-1", "restart nginx")
	require.NoError(t, err)

	_, err = orch.Respond(context.Background(), "alice", p.PlanID, 0, false, "")
	require.NoError(t, err)

	outcome, err := orch.Respond(context.Background(), "alice", p.PlanID, 1, false, "")
	require.NoError(t, err)
	require.Equal(t, types.StepSkipped, outcome.Step.State)
	require.Equal(t, types.PlanFailed, outcome.PlanStatus)

	outcome, err = orch.Respond(context.Background(), "alice", p.PlanID, 0, true, "retry")
	require.NoError(t, err)
	require.Equal(t, types.StepRejected, outcome.Step.State)
}
