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

package holder

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xflagstudio/db-connection/backoff"
	"github.com/xflagstudio/db-connection/connerr"
	"github.com/xflagstudio/db-connection/fakeadapter"
	"github.com/xflagstudio/db-connection/principal"
)

func testOptions() Options {
	return Options{
		SyncConnect:  true,
		BackoffType:  backoff.Exp,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		IdleInterval: time.Hour, // keep pings out of the way of these tests
	}
}

func TestSyncConnectSucceeds(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())

	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsConnected())
	assert.Equal(t, []string{"connect"}, ad.Trace())
}

func TestSyncConnectFailureWithStopAbortsStartup(t *testing.T) {
	ad := fakeadapter.New().Script("connect", fakeadapter.Step{Err: assertErr})
	opts := testOptions()
	opts.BackoffType = backoff.Stop
	h := New[*fakeadapter.State](ad, nil, opts)

	err := h.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, []string{"connect"}, ad.Trace())
}

func TestSyncConnectFailureSchedulesRetry(t *testing.T) {
	ad := fakeadapter.New().Script("connect", fakeadapter.Step{Err: assertErr})
	h := New[*fakeadapter.State](ad, nil, testOptions())

	require.NoError(t, h.Start(context.Background()))
	require.Eventually(t, h.IsConnected, time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, len(ad.Trace()), 2)
}

func TestAcquireAndReleaseRoundTrip(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	p := principal.NewNamed("p1", nil)
	ref, err := h.Acquire(context.Background(), p, nil)
	require.NoError(t, err)
	assert.True(t, h.IsCheckedOut())

	require.NoError(t, h.Release(context.Background(), ref))
	assert.False(t, h.IsCheckedOut())
	assert.Equal(t, []string{"connect", "checkout", "checkin"}, ad.Trace())
}

func TestDoRejectsWrongRef(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	p := principal.NewNamed("p1", nil)
	ref, err := h.Acquire(context.Background(), p, nil)
	require.NoError(t, err)

	err = h.Do(context.Background(), ref+1, func(ctx context.Context, s *fakeadapter.State) (*fakeadapter.State, error) {
		return s, nil
	})
	var cerr *connerr.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "ownership mismatch", cerr.Message)

	require.NoError(t, h.Release(context.Background(), ref))
}

func TestDoRejectsRefFromAPriorCheckoutWindow(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	p := principal.NewNamed("p1", nil)
	staleRef, err := h.Acquire(context.Background(), p, nil)
	require.NoError(t, err)
	require.NoError(t, h.Release(context.Background(), staleRef))

	// A caller that kept the Ref from the checkout window that just ended
	// must not be able to run adapter callbacks with it, even though no
	// other principal has checked the connection out in the meantime.
	err = h.Do(context.Background(), staleRef, func(ctx context.Context, s *fakeadapter.State) (*fakeadapter.State, error) {
		return s, nil
	})
	var cerr *connerr.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "connection is closed", cerr.Message)

	_, err = h.CurrentState(staleRef)
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "connection is closed", cerr.Message)
}

func TestDisconnectDuringDoTriggersReconnect(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	p := principal.NewNamed("p1", nil)
	ref, err := h.Acquire(context.Background(), p, nil)
	require.NoError(t, err)

	cause := assertErr
	err = h.Do(context.Background(), ref, func(ctx context.Context, s *fakeadapter.State) (*fakeadapter.State, error) {
		return s, &connerr.DisconnectError{Err: cause}
	})
	var cerr *connerr.ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "connection is closed", cerr.Message)

	require.Eventually(t, h.IsConnected, time.Second, time.Millisecond)
	assert.False(t, h.IsCheckedOut())
}

func TestProtocolErrorTerminatesHolder(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	p := principal.NewNamed("p1", nil)
	ref, err := h.Acquire(context.Background(), p, nil)
	require.NoError(t, err)

	err = h.Do(context.Background(), ref, func(ctx context.Context, s *fakeadapter.State) (*fakeadapter.State, error) {
		panic("adapter exploded")
	})
	require.Error(t, err)

	select {
	case <-h.Dead():
	case <-time.After(time.Second):
		t.Fatal("holder should have terminated")
	}
	require.Error(t, h.Err())
}

func TestPrincipalDeathTriggersOnDeath(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	done := make(chan struct{})
	p := principal.NewNamed("dying", done)

	invoked := make(chan Ref, 1)
	ref, err := h.Acquire(context.Background(), p, func(r Ref) { invoked <- r })
	require.NoError(t, err)

	close(done)

	select {
	case got := <-invoked:
		assert.Equal(t, ref, got)
	case <-time.After(time.Second):
		t.Fatal("onDeath was not invoked")
	}
}

func TestCloseDisconnectsLiveConnection(t *testing.T) {
	ad := fakeadapter.New()
	h := New[*fakeadapter.State](ad, nil, testOptions())
	require.NoError(t, h.Start(context.Background()))

	require.NoError(t, h.Close())
	assert.Contains(t, ad.Trace(), "disconnect")
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
