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

package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpDoublesAndClamps(t *testing.T) {
	b := New(Exp, 100*time.Millisecond, 500*time.Millisecond)

	delay, b, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, 100*time.Millisecond, delay)

	delay, b, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, 200*time.Millisecond, delay)

	delay, b, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, 400*time.Millisecond, delay)

	delay, _, ok = b.Next()
	require.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, delay, "must clamp at max")
}

func TestRandPicksWithinBounds(t *testing.T) {
	b := New(Rand, 10*time.Millisecond, 20*time.Millisecond)
	for i := 0; i < 50; i++ {
		var delay time.Duration
		var ok bool
		delay, b, ok = b.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, 10*time.Millisecond)
		assert.LessOrEqual(t, delay, 20*time.Millisecond)
	}
}

func TestRandExpNeverExceedsExpDelay(t *testing.T) {
	b := New(RandExp, 10*time.Millisecond, 1*time.Second)
	expDelay := 10 * time.Millisecond
	for i := 0; i < 10; i++ {
		var delay time.Duration
		var ok bool
		delay, b, ok = b.Next()
		require.True(t, ok)
		assert.GreaterOrEqual(t, delay, time.Duration(0))
		assert.LessOrEqual(t, delay, expDelay)
		expDelay *= 2
		if expDelay > 1*time.Second {
			expDelay = 1 * time.Second
		}
	}
}

func TestStopNeverRetries(t *testing.T) {
	b := New(Stop, 0, 0)
	_, _, ok := b.Next()
	assert.False(t, ok)
}

func TestDefaultsApplied(t *testing.T) {
	b := New(Exp, 0, 0)
	delay, _, ok := b.Next()
	require.True(t, ok)
	assert.Equal(t, DefaultMin, delay)
}
