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

package plan

import (
	"context"
	"sync"
)

// FakeGenerator is a scripted, in-memory PlanGenerator for tests: each call
// to Generate consumes the next scripted response in order. It exists so
// callers testing C5/C6 never need a mocking framework or a live model
// endpoint.
type FakeGenerator struct {
	mu        sync.Mutex
	responses []FakeResponse
	calls     []FakeCall
}

// FakeResponse is one scripted Generate outcome.
type FakeResponse struct {
	Body string
	Err  error
}

// FakeCall records one observed Generate invocation, for assertions.
type FakeCall struct {
	SystemPrompt string
	UserPrompt   string
}

// NewFakeGenerator builds a FakeGenerator that returns responses in order.
func NewFakeGenerator(responses ...FakeResponse) *FakeGenerator {
	return &FakeGenerator{responses: responses}
}

// Generate implements PlanGenerator.
func (f *FakeGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, FakeCall{SystemPrompt: systemPrompt, UserPrompt: userPrompt})
	if len(f.responses) == 0 {
		return "", context.DeadlineExceeded
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	if next.Err != nil {
		return "", next.Err
	}
	return next.Body, nil
}

// Calls returns every observed invocation so far.
func (f *FakeGenerator) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}
