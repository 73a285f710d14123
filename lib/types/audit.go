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

// AuditRecord is one append-only entry emitted to the audit sink. Action is
// drawn from the closed AuditAction vocabulary; Outcome from AuditOutcome.
type AuditRecord struct {
	Timestamp time.Time
	UserID    string
	SessionID string
	PlanID    string
	StepIndex *int

	Action  AuditAction
	Outcome AuditOutcome
	Detail  string
}
