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

// Package connclient encodes the legal call sequences over one checked-out
// connection: idle / in-transaction / failed, plus the cursor bookkeeping
// that declare/fetch/deallocate rely on. It is a thin layer over holder.Do
// that enforces call legality before anything reaches the adapter.
package connclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/connerr"
	"github.com/xflagstudio/db-connection/dblog"
	"github.com/xflagstudio/db-connection/holder"
	"github.com/xflagstudio/db-connection/principal"
)

// ContextPrincipal adapts ctx into the principal.Principal that Acquire
// expects, for callers that identify an in-flight request by its context
// rather than by a long-lived process value.
func ContextPrincipal(ctx context.Context) principal.Principal {
	return principal.FromContext(ctx)
}

// TxStatus is the transaction half of a Handle's state.
type TxStatus int

const (
	Idle TxStatus = iota
	InTransaction
	Failed
)

func (s TxStatus) String() string {
	switch s {
	case Idle:
		return "idle"
	case InTransaction:
		return "transaction"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Options configures a Handle.
type Options struct {
	// Timeout bounds a single adapter callback. Default: 15s.
	Timeout time.Duration
	// Log receives one Entry per adapter call this handle makes.
	Log dblog.Hook
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
}

// Handle is a client's capability to operate on one checked-out connection.
// It is valid only for the duration of that checkout; using it afterwards
// fails every call with connerr.ConnectionError("connection is closed").
type Handle[S any] struct {
	h    *holder.Holder[S]
	ref  holder.Ref
	ad   adapter.Adapter[S]
	opts Options

	mu       sync.Mutex
	closed   bool
	txStatus TxStatus
	inTx     int
	cursors  map[adapter.Cursor]adapter.Query
	poolTime *time.Duration
}

// New wraps an already-acquired holder checkout as a Handle. Pool and
// ownership layers call this after holder.Acquire succeeds.
func New[S any](h *holder.Holder[S], ref holder.Ref, ad adapter.Adapter[S], opts Options) *Handle[S] {
	opts.setDefaults()
	return &Handle[S]{h: h, ref: ref, ad: ad, opts: opts, cursors: make(map[adapter.Cursor]adapter.Query)}
}

// SetPoolTime records how long the checkout that produced this handle
// spent waiting in the pool queue. The first log entry this handle emits
// consumes it; every entry after that reports a nil PoolTime, matching the
// specification's "nil iff the call did not perform a pool check-out".
func (c *Handle[S]) SetPoolTime(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poolTime = &d
}

func (c *Handle[S]) takePoolTime() *time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	pt := c.poolTime
	c.poolTime = nil
	return pt
}

// Invalidate marks the handle unusable. Called by the owning pool/ownership
// layer once the checkout window ends (check-in, disconnect, or revoke).
func (c *Handle[S]) Invalidate() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// BestEffortRollback issues a rollback if the handle is currently inside a
// transaction, swallowing any error. It is meant for callers tearing down a
// handle whose owning principal died mid-transaction, where there is no one
// left to observe a rollback failure.
func (c *Handle[S]) BestEffortRollback(ctx context.Context) {
	c.mu.Lock()
	active := c.txStatus != Idle
	c.mu.Unlock()
	if !active {
		return
	}
	_, _ = c.rollbackOrWarn(ctx, nil)
	c.mu.Lock()
	c.txStatus = Idle
	c.inTx = 0
	c.mu.Unlock()
}

// TxStatus reports the current transaction status.
func (c *Handle[S]) TxStatus() TxStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txStatus
}

func (c *Handle[S]) checkAlive() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return connerr.NewConnectionError("connection is closed")
	}
	return nil
}

func (c *Handle[S]) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.Timeout)
}

func (c *Handle[S]) emit(ctx context.Context, call dblog.Call, query, params, result any, err error, connTime *time.Duration) {
	dblog.Fire(ctx, c.opts.Log, dblog.Entry{
		Call:           call,
		Query:          query,
		Params:         params,
		Result:         result,
		Err:            err,
		PoolTime:       c.takePoolTime(),
		ConnectionTime: connTime,
	})
}

// Run gives fn direct access to the checked-out adapter state. It is
// permitted in any status and never changes it; this is the escape hatch
// the specification calls run/3.
func (c *Handle[S]) Run(ctx context.Context, fn func(ctx context.Context, ad adapter.Adapter[S], state S) (adapter.Result, S, error)) (adapter.Result, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := fn(ctx, c.ad, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	c.emit(ctx, "run", nil, nil, result, err, &elapsed)
	return result, err
}

// errRollingBack is returned by Query/Prepare/Execute/Close when the
// enclosing transaction has already failed; per spec, these short-circuit
// without touching the adapter.
var errRollingBack = connerr.NewConnectionError("transaction rolling back")

func (c *Handle[S]) shortCircuited() (error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txStatus == Failed {
		return errRollingBack, true
	}
	return nil, false
}

func (c *Handle[S]) markFailedIfInTransaction() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.txStatus == InTransaction {
		c.txStatus = Failed
	}
}

// Query runs a simple query. Allowed in any status except Failed, where it
// short-circuits with "transaction rolling back".
func (c *Handle[S]) Query(ctx context.Context, q adapter.Query, params adapter.Params, opts adapter.Opts) (adapter.Result, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err, short := c.shortCircuited(); short {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleQuery(ctx, q, params, opts, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	}
	c.emit(ctx, dblog.CallQuery, q, params, result, err, &elapsed)
	return result, err
}

// Prepare prepares q, returning the (possibly adapter-replaced) query.
func (c *Handle[S]) Prepare(ctx context.Context, q adapter.Query, opts adapter.Opts) (adapter.Query, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err, short := c.shortCircuited(); short {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var rq adapter.Query
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		q2, s2, err := c.ad.HandlePrepare(ctx, q, opts, s)
		rq = q2
		return s2, err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	}
	c.emit(ctx, dblog.CallPrepare, q, nil, rq, err, &elapsed)
	return rq, err
}

// Execute runs a previously prepared query.
func (c *Handle[S]) Execute(ctx context.Context, q adapter.Query, opts adapter.Opts) (adapter.Result, error) {
	if err := c.checkAlive(); err != nil {
		return nil, err
	}
	if err, short := c.shortCircuited(); short {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleExecute(ctx, q, opts, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	}
	c.emit(ctx, dblog.CallExecute, q, nil, result, err, &elapsed)
	return result, err
}

// Close releases a prepared query.
func (c *Handle[S]) Close(ctx context.Context, q adapter.Query, opts adapter.Opts) error {
	if err := c.checkAlive(); err != nil {
		return err
	}
	if err, short := c.shortCircuited(); short {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		return c.ad.HandleClose(ctx, q, opts, s)
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	}
	c.emit(ctx, dblog.CallClose, q, nil, nil, err, &elapsed)
	return err
}

// Declare opens a cursor. Allowed only while InTransaction.
func (c *Handle[S]) Declare(ctx context.Context, q adapter.Query, params adapter.Params, opts adapter.Opts) (adapter.Query, adapter.Cursor, error) {
	if err := c.checkAlive(); err != nil {
		return nil, nil, err
	}
	c.mu.Lock()
	status := c.txStatus
	c.mu.Unlock()
	if status == Failed {
		return nil, nil, errRollingBack
	}
	if status != InTransaction {
		return nil, nil, errors.New("connclient: declare is only permitted inside a transaction")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var rq adapter.Query
	var cursor adapter.Cursor
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		q2, cur, s2, err := c.ad.HandleDeclare(ctx, q, params, opts, s)
		rq = q2
		cursor = cur
		return s2, err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	} else {
		c.mu.Lock()
		c.cursors[cursor] = rq
		c.mu.Unlock()
	}
	c.emit(ctx, dblog.CallDeclare, rq, params, cursor, err, &elapsed)
	return rq, cursor, err
}

// Fetch advances cursor. cursor must have been returned by a prior Declare
// on this handle that has not yet been Deallocate'd.
func (c *Handle[S]) Fetch(ctx context.Context, q adapter.Query, cursor adapter.Cursor, opts adapter.Opts) (adapter.FetchResult, error) {
	if err := c.checkAlive(); err != nil {
		return adapter.FetchResult{}, err
	}
	c.mu.Lock()
	_, known := c.cursors[cursor]
	c.mu.Unlock()
	if !known {
		return adapter.FetchResult{}, errors.New("connclient: fetch on an unknown or already-deallocated cursor")
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var fr adapter.FetchResult
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleFetch(ctx, q, cursor, opts, s)
		fr = r
		return s2, err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	}
	c.emit(ctx, dblog.CallFetch, q, nil, fr.Result, err, &elapsed)
	return fr, err
}

// Deallocate closes cursor. If skipAdapterCall is true (the connection has
// already been disconnected), the adapter is not invoked and
// ConnectionTime is logged as nil, matching the stream driver's contract
// for a disconnect that happened mid-fetch.
func (c *Handle[S]) Deallocate(ctx context.Context, q adapter.Query, cursor adapter.Cursor, opts adapter.Opts, skipAdapterCall bool) (adapter.Result, error) {
	c.mu.Lock()
	delete(c.cursors, cursor)
	c.mu.Unlock()

	if skipAdapterCall {
		err := connerr.NewConnectionError("connection is closed")
		c.emit(ctx, dblog.CallDeallocate, q, nil, nil, err, nil)
		return nil, err
	}

	if err := c.checkAlive(); err != nil {
		c.emit(ctx, dblog.CallDeallocate, q, nil, nil, err, nil)
		return nil, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleDeallocate(ctx, q, cursor, opts, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	if err != nil {
		c.markFailedIfInTransaction()
	}
	c.emit(ctx, dblog.CallDeallocate, q, nil, result, err, &elapsed)
	return result, err
}
