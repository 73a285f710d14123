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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	opshosterrors "github.com/otium-labs/opshost/lib/errors"
	"github.com/otium-labs/opshost/lib/types"
)

type rawStep struct {
	Step          int             `json:"step"`
	Command       string          `json:"command"`
	Explanation   string          `json:"explanation"`
	RiskLevel     string          `json:"risk_level"`
	EstimatedTime json.RawMessage `json:"estimated_time"`
}

type rawPlan struct {
	Intent      string    `json:"intent"`
	Action      string    `json:"action"`
	RiskLevel   string    `json:"risk_level"`
	Explanation string    `json:"explanation"`
	Steps       []rawStep `json:"steps"`
}

// validate runs the full response recovery pipeline (spec §4.5.3) over raw
// model output and produces a validated Plan.
func validate(raw, planID, userID, sessionID, requestText string, createdAt time.Time, warn func(string)) (*types.Plan, error) {
	text := stripFences(raw)
	text, err := extractObject(text)
	if err != nil {
		return nil, &opshosterrors.ParseFailure{Reason: err.Error(), Context: truncateAround(raw, 0)}
	}
	text = stripComments(text)
	text = repairTrailingCommas(text)
	text = escapeControlCharsInStrings(text)

	parsed, err := parseWithBracketRepair(text)
	if err != nil {
		return nil, &opshosterrors.ParseFailure{Reason: err.Error(), Context: truncateAround(text, findErrorOffset(err))}
	}

	if missing := schemaMissingFields(parsed); len(missing) > 0 {
		if len(parsed.Steps) == 0 && strings.TrimSpace(parsed.Explanation) != "" {
			return nil, &opshosterrors.ModelRefusal{Explanation: parsed.Explanation}
		}
		return nil, &opshosterrors.ValidationFailure{MissingFields: missing}
	}

	steps := make([]*types.Step, 0, len(parsed.Steps))
	for i, rs := range parsed.Steps {
		risk := types.RiskLevel(strings.ToLower(strings.TrimSpace(rs.RiskLevel)))
		if !risk.Valid() {
			warn(fmt.Sprintf("step %d: risk level %q is not in the closed vocabulary, normalized to medium", rs.Step, rs.RiskLevel))
			risk = types.RiskMedium
		}
		steps = append(steps, &types.Step{
			Index:                i,
			Command:              rs.Command,
			Explanation:          rs.Explanation,
			ExpectedDurationHint: parseEstimatedTime(rs.EstimatedTime),
			Risk:                 risk,
			State:                types.StepPending,
		})
	}

	p := &types.Plan{
		PlanID:      planID,
		SessionID:   sessionID,
		UserID:      userID,
		CreatedAt:   createdAt,
		RequestText: requestText,
		Intent:      parsed.Intent,
		Action:      parsed.Action,
		Explanation: parsed.Explanation,
		Steps:       steps,
	}
	p.RecomputeOverallRisk()

	if declared := types.RiskLevel(strings.ToLower(strings.TrimSpace(parsed.RiskLevel))); declared.Valid() && declared != p.OverallRisk {
		warn(fmt.Sprintf("model declared overall risk %q, computed %q from steps wins", declared, p.OverallRisk))
	}

	return p, nil
}

func schemaMissingFields(p *rawPlan) []string {
	var missing []string
	if strings.TrimSpace(p.Intent) == "" {
		missing = append(missing, "intent")
	}
	if strings.TrimSpace(p.Action) == "" {
		missing = append(missing, "action")
	}
	if strings.TrimSpace(p.Explanation) == "" {
		missing = append(missing, "explanation")
	}
	if len(p.Steps) == 0 {
		missing = append(missing, "steps")
		return missing
	}
	for i, s := range p.Steps {
		if strings.TrimSpace(s.Command) == "" {
			missing = append(missing, fmt.Sprintf("steps[%d].command", i))
		}
		if s.Step != i+1 {
			missing = append(missing, fmt.Sprintf("steps[%d].step", i))
		}
	}
	return missing
}

func parseEstimatedTime(raw json.RawMessage) time.Duration {
	if len(raw) == 0 {
		return 0
	}
	var asNumber float64
	if err := json.Unmarshal(raw, &asNumber); err == nil {
		return time.Duration(asNumber) * time.Second
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if d, err := time.ParseDuration(asString); err == nil {
			return d
		}
		if n, err := strconv.ParseFloat(strings.TrimSpace(asString), 64); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return 0
}

// stripFences removes a single leading/trailing triple-backtick block with
// an optional "json" language tag.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimPrefix(s, "JSON")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// extractObject keeps the slice from the first '{' to the last '}'.
func extractObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 || end < start {
		return "", fmt.Errorf("no JSON object found in model output")
	}
	return s[start : end+1], nil
}

// stripComments removes //-line and /* */ block comments that are not
// inside a quoted string.
func stripComments(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if inString {
			b.WriteRune(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteRune(c)
			continue
		}
		if c == '/' && i+1 < len(runes) && runes[i+1] == '/' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			if i < len(runes) {
				b.WriteRune('\n')
			}
			continue
		}
		if c == '/' && i+1 < len(runes) && runes[i+1] == '*' {
			i += 2
			for i+1 < len(runes) && !(runes[i] == '*' && runes[i+1] == '/') {
				i++
			}
			i++ // skip the final '/'
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

// repairTrailingCommas removes commas immediately before a closing brace or
// bracket (ignoring whitespace), outside of quoted strings.
func repairTrailingCommas(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if inString {
			b.WriteRune(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			b.WriteRune(c)
			continue
		}
		if c == ',' {
			j := i + 1
			for j < len(runes) && (runes[j] == ' ' || runes[j] == '\t' || runes[j] == '\n' || runes[j] == '\r') {
				j++
			}
			if j < len(runes) && (runes[j] == '}' || runes[j] == ']') {
				continue // drop the comma
			}
		}
		b.WriteRune(c)
	}
	return b.String()
}

// escapeControlCharsInStrings replaces literal ASCII control characters
// (0x00-0x1F) found inside quoted strings with a single space, operating
// string-by-string so structural whitespace outside strings is untouched.
func escapeControlCharsInStrings(s string) string {
	var b strings.Builder
	inString := false
	escaped := false
	for _, c := range s {
		if inString {
			if c < 0x20 {
				b.WriteRune(' ')
				escaped = false
				continue
			}
			b.WriteRune(c)
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteRune(c)
	}
	return b.String()
}

// parseWithBracketRepair attempts to json.Unmarshal text into a rawPlan; on
// failure it computes the outstanding open-bracket stack from the raw
// character stream, appends the missing closers, and retries exactly once.
func parseWithBracketRepair(text string) (*rawPlan, error) {
	var p rawPlan
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		return &p, nil
	}

	repaired := text + missingClosers(text)
	if err := json.Unmarshal([]byte(repaired), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// missingClosers scans text (ignoring bracket characters inside quoted
// strings) and returns the closing characters needed to balance every
// unmatched '{' or '[', in the order they must be appended.
func missingClosers(text string) string {
	var stack []byte
	inString := false
	escaped := false
	for _, c := range text {
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	// Closers are appended in reverse stack order (last opened, first closed).
	out := make([]byte, len(stack))
	for i, c := range stack {
		out[len(stack)-1-i] = c
	}
	return string(out)
}

func findErrorOffset(err error) int {
	if se, ok := err.(*json.SyntaxError); ok {
		return int(se.Offset)
	}
	if ue, ok := err.(*json.UnmarshalTypeError); ok {
		return int(ue.Offset)
	}
	return 0
}

// truncateAround returns up to 200 bytes of context centered on offset, per
// spec §4.5.4's truncated-context-slice requirement.
func truncateAround(s string, offset int) string {
	const window = 200
	if len(s) <= window {
		return s
	}
	start := offset - window/2
	if start < 0 {
		start = 0
	}
	end := start + window
	if end > len(s) {
		end = len(s)
		start = end - window
		if start < 0 {
			start = 0
		}
	}
	return s[start:end]
}
