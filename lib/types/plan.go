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

import "time"

// StepDecision records the human reviewer's verdict on one step.
type StepDecision struct {
	Approved bool
	Reason   string
	At       time.Time
}

// StepResult is the outcome of executing one step's command.
type StepResult struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	Duration   time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// Step is one command within a Plan. Its State field is mutated only via
// the orchestrator's state-transition methods; nothing else in the program
// writes it directly.
type Step struct {
	Index                int
	Command              string
	Explanation          string
	ExpectedDurationHint time.Duration

	Risk  RiskLevel
	State StepState

	Decision *StepDecision
	Result   *StepResult
}

// ChatMessage is one entry in a plan's purely explanatory discussion log.
// Appending a ChatMessage never mutates Plan.Steps.
type ChatMessage struct {
	Author string // "user" or "assistant"
	Body   string
	At     time.Time
}

// Plan is an ordered, request-derived sequence of commands against one host
// profile. It is immutable once validated by the generator, except for its
// Steps (mutated only through well-defined state transitions) and Messages
// (append-only).
type Plan struct {
	PlanID      string
	SessionID   string
	UserID      string
	CreatedAt   time.Time

	RequestText string
	Intent      string
	Action      string
	Explanation string

	OverallRisk RiskLevel
	Steps       []*Step
	Messages    []ChatMessage
}

// RecomputeOverallRisk sets OverallRisk to the max of every step's risk,
// per the plan invariant that a plan is at least as risky as its riskiest
// step. Called once at validation time; Steps' risk values never change
// afterward, so this need not be called again.
func (p *Plan) RecomputeOverallRisk() {
	risk := RiskLow
	for _, s := range p.Steps {
		risk = risk.Max(s.Risk)
	}
	p.OverallRisk = risk
}

// Resolved reports whether every step has reached a terminal state.
func (p *Plan) Resolved() bool {
	for _, s := range p.Steps {
		if !s.State.Terminal() {
			return false
		}
	}
	return true
}

// Status derives the plan's resolved-or-not status from its steps: succeeded
// iff every step is succeeded or skipped, failed otherwise, in_progress if
// unresolved.
func (p *Plan) Status() PlanStatus {
	if !p.Resolved() {
		return PlanInProgress
	}
	for _, s := range p.Steps {
		if s.State != StepSucceeded && s.State != StepSkipped {
			return PlanFailed
		}
	}
	return PlanSucceeded
}

// FirstPending returns the smallest-index step still in StepPending, and
// true, or (nil, false) if no step is pending.
func (p *Plan) FirstPending() (*Step, bool) {
	for _, s := range p.Steps {
		if s.State == StepPending {
			return s, true
		}
	}
	return nil, false
}
