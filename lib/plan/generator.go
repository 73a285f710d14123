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

// Package plan implements the plan generator and validator (spec C5): a
// PlanGenerator abstraction over an external model, prompt construction
// against a host profile, and the response recovery pipeline that turns a
// model's noisy text output into a validated types.Plan.
package plan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/otium-labs/opshost/lib/config"
	opshosterrors "github.com/otium-labs/opshost/lib/errors"
	"github.com/otium-labs/opshost/lib/types"
)

// PlanGenerator abstracts the external model call: one system prompt, one
// user prompt, one raw text response. Nothing about JSON or repair belongs
// behind this interface; that is the validator's job.
type PlanGenerator interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// sortedTools returns the profile's tool inventory sorted by name, so the
// prompt renders a stable tool list.
func sortedTools(p types.HostProfile) []string {
	tools := p.Tools()
	for i := 1; i < len(tools); i++ {
		for j := i; j > 0 && tools[j-1] > tools[j]; j-- {
			tools[j-1], tools[j] = tools[j], tools[j-1]
		}
	}
	return tools
}

// BuildSystemPrompt renders the host profile, closed output vocabulary,
// safety constraints, and OS-family hints into the system prompt, per
// spec §4.5.2.
func BuildSystemPrompt(profile types.HostProfile) string {
	var b strings.Builder
	b.WriteString("You are an operations planning assistant. You translate a human operator's request into a sequence of shell commands to run on a single target host.\n\n")

	b.WriteString("TARGET HOST PROFILE:\n")
	fmt.Fprintf(&b, "- OS family: %s (%s %s)\n", profile.OSFamily, profile.Distribution, profile.Version)
	fmt.Fprintf(&b, "- Kernel: %s, Arch: %s\n", profile.Kernel, profile.Arch)
	fmt.Fprintf(&b, "- Memory: %d bytes total, %d bytes available\n", profile.MemoryTotalBytes, profile.MemoryAvailableBytes)
	fmt.Fprintf(&b, "- Disk free: %d bytes\n", profile.DiskFreeBytes)
	fmt.Fprintf(&b, "- Service manager: %s\n", profile.ServiceManager)
	fmt.Fprintf(&b, "- Detected tools: %s\n", strings.Join(sortedTools(profile), ", "))
	b.WriteString("\n")

	b.WriteString("OUTPUT FORMAT: respond with exactly one JSON object and nothing else - no prose, no code fences, no trailing commas. The object has this shape:\n")
	b.WriteString(`{"intent": string, "action": string, "risk_level": "low"|"medium"|"high"|"critical", "explanation": string, "steps": [{"step": integer (1-based), "command": string, "explanation": string, "risk_level": "low"|"medium"|"high"|"critical", "estimated_time": string}]}`)
	b.WriteString("\n\n")

	b.WriteString("If the request cannot or should not be carried out, respond with an empty steps array and a non-empty explanation of why.\n\n")

	b.WriteString("SAFETY CONSTRAINTS:\n")
	b.WriteString("- Prefer idempotent operations.\n")
	b.WriteString("- Never replace or recompile the kernel.\n")
	b.WriteString("- Never flush firewall rules without an equivalent reload (e.g. `ufw reload`, not a bare flush).\n")
	b.WriteString("- Never run `rm -rf /` or any command that could wipe the root filesystem.\n")
	b.WriteString("- Never modify the SSH listener configuration or restart sshd in a way that could lock out the operator.\n\n")

	b.WriteString("OS-FAMILY HINTS:\n")
	switch profile.OSFamily {
	case types.OSFamilyDebian:
		b.WriteString("- Use `apt-get` with `-y` for non-interactive package operations.\n")
	case types.OSFamilyRHEL:
		b.WriteString("- Use `dnf` (or `yum` if `dnf` is absent) with `-y` for non-interactive package operations.\n")
	case types.OSFamilyAlpine:
		b.WriteString("- Use `apk` with `--no-cache` for package operations.\n")
	case types.OSFamilyArch:
		b.WriteString("- Use `pacman` with `--noconfirm` for non-interactive package operations.\n")
	case types.OSFamilySUSE:
		b.WriteString("- Use `zypper` with `--non-interactive` for package operations.\n")
	default:
		b.WriteString("- OS family is unknown: favor portable POSIX commands over a specific package manager.\n")
	}
	return b.String()
}

// Generate produces a validated Plan for one submitted request: it builds
// the system prompt from profile, calls gen under cfg's generator deadline,
// and runs the response recovery pipeline over the result. warn receives one
// call per non-fatal repair decision (risk normalization, declared/computed
// risk disagreement) so the caller can audit-log it; warn may be nil.
func Generate(ctx context.Context, gen PlanGenerator, cfg config.Config, planID, userID, sessionID, requestText string, profile types.HostProfile, createdAt time.Time, warn func(string)) (*types.Plan, error) {
	if warn == nil {
		warn = func(string) {}
	}

	systemPrompt := BuildSystemPrompt(profile)

	genCtx, cancel := context.WithTimeout(ctx, cfg.GeneratorDeadline)
	defer cancel()

	raw, err := gen.Generate(genCtx, systemPrompt, requestText)
	if err != nil {
		if errors.Is(genCtx.Err(), context.DeadlineExceeded) {
			return nil, &opshosterrors.ModelTimeout{Deadline: cfg.GeneratorDeadline.String()}
		}
		return nil, fmt.Errorf("plan generator call failed: %w", err)
	}

	return validate(raw, planID, userID, sessionID, requestText, createdAt, warn)
}
