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

package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/backoff"
	"github.com/xflagstudio/db-connection/connclient"
	"github.com/xflagstudio/db-connection/connerr"
	"github.com/xflagstudio/db-connection/dblog"
	"github.com/xflagstudio/db-connection/fakeadapter"
	"github.com/xflagstudio/db-connection/holder"
	"github.com/xflagstudio/db-connection/principal"
)

func newTestHandle(t *testing.T, ad *fakeadapter.Adapter) *connclient.Handle[*fakeadapter.State] {
	t.Helper()
	h := holder.New[*fakeadapter.State](ad, nil, holder.Options{
		SyncConnect:  true,
		BackoffType:  backoff.Exp,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		IdleInterval: time.Hour,
	})
	require.NoError(t, h.Start(context.Background()))
	ref, err := h.Acquire(context.Background(), principal.NewNamed("t", nil), nil)
	require.NoError(t, err)
	return connclient.New[*fakeadapter.State](h, ref, ad, connclient.Options{Timeout: time.Second})
}

func withTransaction(t *testing.T, c *connclient.Handle[*fakeadapter.State], body func(ctx context.Context, c *connclient.Handle[*fakeadapter.State])) {
	t.Helper()
	_, err := connclient.Transaction(context.Background(), c, nil, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) connclient.TxOutcome[string] {
		body(ctx, c)
		return connclient.Ok("done")
	})
	require.NoError(t, err)
}

func TestStreamFullConsumptionDeallocatesOnExhaustion(t *testing.T) {
	ad := fakeadapter.New().
		Script("declare", fakeadapter.Step{Cursor: "cur-1"}).
		Script("fetch", fakeadapter.Step{Result: "row1", More: true}).
		Script("fetch", fakeadapter.Step{Result: "row2", More: false})
	c := newTestHandle(t, ad)

	withTransaction(t, c, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) {
		s, err := Open(ctx, c, "select * from t", nil, Options{})
		require.NoError(t, err)

		var rows []any
		for {
			r, ok, err := s.Next(ctx)
			require.NoError(t, err)
			if !ok {
				break
			}
			rows = append(rows, r)
		}
		assert.Equal(t, []any{"row1", "row2"}, rows)
	})
	assert.Equal(t, []string{"connect", "checkout", "begin", "declare", "fetch", "fetch", "deallocate", "commit"}, ad.Trace())
}

func TestStreamAllRangeOverFunc(t *testing.T) {
	ad := fakeadapter.New().
		Script("declare", fakeadapter.Step{Cursor: "cur-1"}).
		Script("fetch", fakeadapter.Step{Result: "only-row", More: false})
	c := newTestHandle(t, ad)

	var rows []any
	withTransaction(t, c, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) {
		s, err := Open(ctx, c, "select 1", nil, Options{})
		require.NoError(t, err)
		for r, err := range s.All() {
			require.NoError(t, err)
			rows = append(rows, r)
		}
	})
	assert.Equal(t, []any{"only-row"}, rows)
	assert.Contains(t, ad.Trace(), "deallocate")
}

func TestStreamPartialConsumptionStillDeallocates(t *testing.T) {
	ad := fakeadapter.New().
		Script("declare", fakeadapter.Step{Cursor: "cur-1"}).
		Script("fetch", fakeadapter.Step{Result: "row1", More: true}).
		Script("fetch", fakeadapter.Step{Result: "row2", More: true})
	c := newTestHandle(t, ad)

	withTransaction(t, c, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) {
		s, err := Open(ctx, c, "select * from t", nil, Options{})
		require.NoError(t, err)
		_, ok, err := s.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Close(ctx))
	})
	assert.Contains(t, ad.Trace(), "deallocate")
}

func TestStreamOpenOutsideTransactionFails(t *testing.T) {
	ad := fakeadapter.New()
	c := newTestHandle(t, ad)

	_, err := Open(context.Background(), c, "select 1", nil, Options{})
	require.ErrorIs(t, err, ErrNotInTransaction)
}

func TestStreamDeclareDisconnectSkipsClose(t *testing.T) {
	ad := fakeadapter.New().Script("declare", fakeadapter.Step{Err: &connerr.DisconnectError{Err: assertErr}})
	c := newTestHandle(t, ad)

	_, err := connclient.Transaction(context.Background(), c, nil, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) connclient.TxOutcome[string] {
		_, err := Open(ctx, c, "select 1", nil, Options{})
		require.Error(t, err)
		return connclient.Ok("done")
	})
	require.ErrorIs(t, err, connerr.ErrRollback)
	assert.NotContains(t, ad.Trace(), "deallocate")
}

func TestStreamFetchDisconnectLogsDeallocateWithoutAdapterCall(t *testing.T) {
	ad := fakeadapter.New().
		Script("declare", fakeadapter.Step{Cursor: "cur-1"}).
		Script("fetch", fakeadapter.Step{Err: &connerr.DisconnectError{Err: assertErr}})

	var entries []dblog.Entry
	h := holder.New[*fakeadapter.State](ad, nil, holder.Options{
		SyncConnect:  true,
		BackoffType:  backoff.Exp,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		IdleInterval: time.Hour,
	})
	require.NoError(t, h.Start(context.Background()))
	ref, err := h.Acquire(context.Background(), principal.NewNamed("t", nil), nil)
	require.NoError(t, err)
	c := connclient.New[*fakeadapter.State](h, ref, ad, connclient.Options{
		Timeout: time.Second,
		Log:     func(e dblog.Entry) { entries = append(entries, e) },
	})

	_, err = connclient.Transaction(context.Background(), c, nil, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) connclient.TxOutcome[string] {
		s, err := Open(ctx, c, "select 1", nil, Options{})
		require.NoError(t, err)
		_, _, fetchErr := s.Next(ctx)
		require.Error(t, fetchErr)
		return connclient.Ok("done")
	})
	require.ErrorIs(t, err, connerr.ErrRollback)

	// deallocate was never sent to the adapter (the disconnect already tore
	// the connection down) but it is still logged as "connection is closed"
	// with no connection time.
	var dealloc *dblog.Entry
	for i := range entries {
		if entries[i].Call == dblog.CallDeallocate {
			dealloc = &entries[i]
		}
	}
	require.NotNil(t, dealloc)
	var cerr *connerr.ConnectionError
	require.ErrorAs(t, dealloc.Err, &cerr)
	assert.Equal(t, "connection is closed", cerr.Message)
	assert.Nil(t, dealloc.ConnectionTime)

	trace := ad.Trace()
	require.GreaterOrEqual(t, len(trace), 6)
	assert.Equal(t, []string{"connect", "checkout", "begin", "declare", "fetch", "disconnect"}, trace[:6])
	assert.NotContains(t, trace, "deallocate")
}

func TestStreamDecodeHookTransformsResults(t *testing.T) {
	ad := fakeadapter.New().
		Script("declare", fakeadapter.Step{Cursor: "cur-1"}).
		Script("fetch", fakeadapter.Step{Result: "raw", More: false})
	c := newTestHandle(t, ad)

	withTransaction(t, c, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) {
		s, err := Open(ctx, c, "select 1", nil, Options{
			Decode: func(q adapter.Query, result adapter.Result) (any, error) {
				return "decoded:" + result.(string), nil
			},
		})
		require.NoError(t, err)
		r, ok, err := s.Next(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "decoded:raw", r)
	})
}

func TestStreamEncodeHookTransformsParams(t *testing.T) {
	ad := fakeadapter.New().Script("declare", fakeadapter.Step{Cursor: "cur-1"}).Script("fetch", fakeadapter.Step{More: false})
	c := newTestHandle(t, ad)

	var seenParams any
	withTransaction(t, c, func(ctx context.Context, c *connclient.Handle[*fakeadapter.State]) {
		_, err := Open(ctx, c, "select 1", map[string]any{"raw": true}, Options{
			Encode: func(p adapter.Params) (adapter.Params, error) {
				seenParams = p
				return map[string]any{"encoded": true}, nil
			},
		})
		require.NoError(t, err)
	})
	assert.Equal(t, map[string]any{"raw": true}, seenParams)
}

var assertErr = &testError{"boom"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
