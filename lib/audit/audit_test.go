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

package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/otium-labs/opshost/lib/types"
)

func record(action types.AuditAction, detail string) types.AuditRecord {
	return types.AuditRecord{
		Timestamp: time.Now(),
		UserID:    "alice",
		SessionID: "sess-1",
		Action:    action,
		Outcome:   types.OutcomeOK,
		Detail:    detail,
	}
}

func TestRingSinkWrapsAtCapacity(t *testing.T) {
	sink := NewRingSink(3)
	sink.Record(record(types.ActionSessionConnect, "one"))
	sink.Record(record(types.ActionSessionConnect, "two"))
	sink.Record(record(types.ActionSessionConnect, "three"))
	sink.Record(record(types.ActionSessionConnect, "four"))

	all := sink.All()
	require.Len(t, all, 3)
	require.Equal(t, "two", all[0].Detail)
	require.Equal(t, "three", all[1].Detail)
	require.Equal(t, "four", all[2].Detail)
}

func TestRingSinkBeforeWrapReturnsInOrder(t *testing.T) {
	sink := NewRingSink(5)
	sink.Record(record(types.ActionSessionConnect, "one"))
	sink.Record(record(types.ActionSessionConnect, "two"))

	all := sink.All()
	require.Len(t, all, 2)
	require.Equal(t, "one", all[0].Detail)
	require.Equal(t, "two", all[1].Detail)
}

func TestMultiSinkFansOutToAll(t *testing.T) {
	a, b := NewRingSink(10), NewRingSink(10)
	multi := NewMultiSink(a, b)
	multi.Record(record(types.ActionChatMessage, "hi"))

	require.Len(t, a.All(), 1)
	require.Len(t, b.All(), 1)
}
