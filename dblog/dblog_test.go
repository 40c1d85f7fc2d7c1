// Copyright 2025 Supabase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dblog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFireDeliversEntry(t *testing.T) {
	var got Entry
	Fire(context.Background(), func(e Entry) { got = e }, Entry{Call: CallQuery, ConnectionTime: Dur(5)})
	assert.Equal(t, CallQuery, got.Call)
	assert.NotNil(t, got.ConnectionTime)
}

func TestFireSurvivesPanickingHook(t *testing.T) {
	assert.NotPanics(t, func() {
		Fire(context.Background(), func(e Entry) { panic("boom") }, Entry{Call: CallBegin})
	})
}

func TestFireNilHookNoop(t *testing.T) {
	assert.NotPanics(t, func() {
		Fire(context.Background(), nil, Entry{})
	})
}
