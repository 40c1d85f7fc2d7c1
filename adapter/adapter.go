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

// Package adapter defines the callback contract a driver must implement to
// plug into the db-connection runtime. An adapter never sees pool,
// ownership, or streaming concerns; it only manages one opaque connection
// state value S and reacts to callbacks invoked serially by a holder.
package adapter

import "context"

// Opts carries per-call options (timeout, encode/decode hooks are handled
// above this layer). Adapters that need driver-specific knobs should define
// their own options type and accept it via a closure captured at
// construction time; Opts is deliberately a generic bag for forward
// compatibility with the begin/commit/rollback/query option surface.
type Opts map[string]any

// Query is the adapter-defined representation of a query. It is opaque to
// the runtime: a string, a prepared-statement handle, anything the driver
// wants. HandleDeclare and HandlePrepare may return a replaced Query that
// subsequent calls must use instead of the original.
type Query any

// Params is the adapter-defined representation of bound parameters.
type Params any

// Result is the adapter-defined representation of a query result.
type Result any

// Cursor is an opaque, adapter-provided handle into a server-side result
// set produced by HandleDeclare and threaded through HandleFetch and
// HandleDeallocate.
type Cursor any

// FetchResult is returned by HandleFetch. More reports whether the cursor
// is still live (spec's "cont") or exhausted (spec's "halt"); Result is
// yielded to the stream consumer either way.
type FetchResult struct {
	Result Result
	More   bool
}

// Adapter is the callback contract for one connection state type S.
//
// Every Handle* method follows the same three-way contract described by
// the specification: a nil error means the call succeeded and state
// advanced to the returned S; a plain (non-disconnect) error means the
// adapter rejected the call but the connection is still usable; an error
// satisfying errors.As into *connerr.DisconnectError means the connection
// must be torn down and reconnected, and the returned S (when present) is
// passed to Disconnect for teardown before being discarded.
type Adapter[S any] interface {
	// Connect establishes a new connection. May block on I/O. Invoked only
	// by the owning holder, never concurrently with any other callback for
	// the same holder.
	Connect(ctx context.Context, opts Opts) (S, error)

	// Disconnect tears down state produced by a prior Connect. Idempotent:
	// it is only ever invoked once per successful Connect, but
	// implementations should not assume state is non-nil.
	Disconnect(ctx context.Context, err error, state S) error

	// Checkout is invoked when a client seizes the connection from the pool.
	Checkout(ctx context.Context, state S) (S, error)

	// Checkin is invoked when the client releases the connection back to
	// the pool.
	Checkin(ctx context.Context, state S) (S, error)

	// Ping performs a periodic liveness check while the connection is idle.
	Ping(ctx context.Context, state S) (S, error)

	HandleBegin(ctx context.Context, opts Opts, state S) (Result, S, error)
	HandleCommit(ctx context.Context, opts Opts, state S) (Result, S, error)
	HandleRollback(ctx context.Context, opts Opts, state S) (Result, S, error)

	HandlePrepare(ctx context.Context, q Query, opts Opts, state S) (Query, S, error)
	HandleExecute(ctx context.Context, q Query, opts Opts, state S) (Result, S, error)
	HandleClose(ctx context.Context, q Query, opts Opts, state S) (S, error)
	HandleQuery(ctx context.Context, q Query, params Params, opts Opts, state S) (Result, S, error)

	// HandleDeclare opens a server-side cursor for q/params. The returned
	// Query may differ from q (e.g. after server-side preparation); callers
	// must use the returned Query for subsequent HandleFetch/HandleDeallocate
	// calls on the same cursor.
	HandleDeclare(ctx context.Context, q Query, params Params, opts Opts, state S) (Query, Cursor, S, error)

	// HandleFetch advances cursor and reports whether more results remain.
	HandleFetch(ctx context.Context, q Query, cursor Cursor, opts Opts, state S) (FetchResult, S, error)

	// HandleDeallocate closes a cursor opened by HandleDeclare. Always
	// invoked exactly once per successful HandleDeclare, unless a disconnect
	// intervened first.
	HandleDeallocate(ctx context.Context, q Query, cursor Cursor, opts Opts, state S) (Result, S, error)

	// HandleInfo delivers an out-of-band message from the environment (e.g.
	// a driver-level async notification) to the adapter.
	HandleInfo(ctx context.Context, msg any, state S) (S, error)
}

// NopAdapter supplies the spec-mandated defaults for optional callbacks:
// Ping is a no-op, HandlePrepare returns the query unchanged, HandleExecute
// forwards to HandleQuery, HandleClose/HandleInfo are no-ops. Embed it in a
// driver-specific adapter and override only what the driver actually needs.
type NopAdapter[S any] struct{}

func (NopAdapter[S]) Ping(ctx context.Context, state S) (S, error) { return state, nil }

func (NopAdapter[S]) HandlePrepare(ctx context.Context, q Query, opts Opts, state S) (Query, S, error) {
	return q, state, nil
}

func (NopAdapter[S]) HandleClose(ctx context.Context, q Query, opts Opts, state S) (S, error) {
	return state, nil
}

func (NopAdapter[S]) HandleInfo(ctx context.Context, msg any, state S) (S, error) {
	return state, nil
}

// ForwardExecute implements the "HandleExecute forwards to HandleQuery"
// default. It is not embeddable directly (Go cannot express "forward to a
// sibling method of the embedder" via embedding alone) so adapters call it
// explicitly from their HandleExecute implementation:
//
//	func (a *MyAdapter) HandleExecute(ctx context.Context, q adapter.Query, opts adapter.Opts, state S) (adapter.Result, S, error) {
//	    return adapter.ForwardExecute(ctx, a, q, nil, opts, state)
//	}
func ForwardExecute[S any](ctx context.Context, a Adapter[S], q Query, params Params, opts Opts, state S) (Result, S, error) {
	return a.HandleQuery(ctx, q, params, opts, state)
}
