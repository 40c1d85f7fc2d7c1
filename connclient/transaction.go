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

package connclient

import (
	"context"
	"time"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/connerr"
	"github.com/xflagstudio/db-connection/dblog"
)

// TxOutcome is what a transaction body returns. Exactly one of the three
// variants applies: a plain success carries Value with Err nil and Rollback
// false; an application error sets Err; an explicit rollback sets Rollback.
//
// Go has no generic methods beyond a receiver's own type parameters, so
// Transaction is a free function rather than a Handle method: T is fixed
// per call site, not per Handle[S].
type TxOutcome[T any] struct {
	Value    T
	Err      error
	Rollback bool
}

// Ok builds a successful TxOutcome.
func Ok[T any](v T) TxOutcome[T] { return TxOutcome[T]{Value: v} }

// ErrOutcome builds a TxOutcome carrying an application error.
func ErrOutcome[T any](err error) TxOutcome[T] { return TxOutcome[T]{Err: err} }

// RollbackOutcome builds a TxOutcome requesting an explicit rollback.
func RollbackOutcome[T any]() TxOutcome[T] { return TxOutcome[T]{Rollback: true} }

// Transaction runs fn within a BEGIN/COMMIT-or-ROLLBACK bracket on c.
//
// Nested calls (fn itself calling Transaction on the same Handle) issue no
// further adapter calls: only the outermost call begins and commits or
// rolls back, matching the specification's "a nested transaction call is a
// no-op with respect to the adapter; it only reflects the inner function's
// return status to the outer transaction."
//
// If any operation on c returns an adapter error while InTransaction, the
// handle's status moves to Failed for the remainder of the body regardless
// of what fn ultimately returns, and the transaction unconditionally rolls
// back with connerr.ErrRollback as the result — the specification's "the
// overall transaction result is {error, :rollback}". A genuine Go panic
// inside fn is treated the same way raising an exception is in the
// original: c rolls back, then the panic is re-raised to the caller rather
// than converted into a returned error.
func Transaction[S any, T any](ctx context.Context, c *Handle[S], opts adapter.Opts, fn func(ctx context.Context, c *Handle[S]) TxOutcome[T]) (result T, err error) {
	if aliveErr := c.checkAlive(); aliveErr != nil {
		return result, aliveErr
	}

	c.mu.Lock()
	nested := c.inTx > 0
	if !nested && c.txStatus != Idle {
		c.mu.Unlock()
		return result, connerr.NewConnectionError("transaction not permitted from the current status")
	}
	c.inTx++
	c.mu.Unlock()

	if !nested {
		if _, beginErr := c.begin(ctx, opts); beginErr != nil {
			c.mu.Lock()
			c.inTx--
			c.mu.Unlock()
			return result, beginErr
		}
		c.mu.Lock()
		c.txStatus = InTransaction
		c.mu.Unlock()
	}

	outcome, panicked := runTxBody(ctx, c, fn)

	c.mu.Lock()
	c.inTx--
	stillNested := c.inTx > 0
	failed := c.txStatus == Failed
	c.mu.Unlock()

	if stillNested {
		if panicked != nil || outcome.Rollback || outcome.Err != nil {
			c.mu.Lock()
			c.txStatus = Failed
			c.mu.Unlock()
		}
		if panicked != nil {
			panic(panicked)
		}
		if outcome.Rollback {
			return outcome.Value, connerr.ErrRollback
		}
		return outcome.Value, outcome.Err
	}

	if failed {
		_, _ = c.rollbackOrWarn(ctx, opts)
		c.mu.Lock()
		c.txStatus = Idle
		c.mu.Unlock()
		if panicked != nil {
			panic(panicked)
		}
		return result, connerr.ErrRollback
	}

	if panicked != nil {
		_, _ = c.rollbackOrWarn(ctx, opts)
		c.mu.Lock()
		c.txStatus = Idle
		c.mu.Unlock()
		panic(panicked)
	}

	if outcome.Rollback || outcome.Err != nil {
		_, _ = c.rollbackOrWarn(ctx, opts)
		c.mu.Lock()
		c.txStatus = Idle
		c.mu.Unlock()
		if outcome.Err != nil {
			return result, outcome.Err
		}
		return result, connerr.ErrRollback
	}

	if _, commitErr := c.commit(ctx, opts); commitErr != nil {
		c.mu.Lock()
		c.txStatus = Idle
		c.mu.Unlock()
		return result, commitErr
	}
	c.mu.Lock()
	c.txStatus = Idle
	c.mu.Unlock()
	return outcome.Value, nil
}

// runTxBody invokes fn, converting a panic into a captured value instead of
// letting it unwind through Transaction's own bookkeeping.
func runTxBody[S any, T any](ctx context.Context, c *Handle[S], fn func(context.Context, *Handle[S]) TxOutcome[T]) (outcome TxOutcome[T], panicked any) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
		}
	}()
	outcome = fn(ctx, c)
	return
}

func (c *Handle[S]) begin(ctx context.Context, opts adapter.Opts) (adapter.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleBegin(ctx, opts, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	c.emit(ctx, dblog.CallBegin, nil, nil, result, err, &elapsed)
	return result, err
}

func (c *Handle[S]) commit(ctx context.Context, opts adapter.Opts) (adapter.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleCommit(ctx, opts, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	c.emit(ctx, dblog.CallCommit, nil, nil, result, err, &elapsed)
	return result, err
}

func (c *Handle[S]) rollbackOrWarn(ctx context.Context, opts adapter.Opts) (adapter.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	start := time.Now()
	var result adapter.Result
	err := c.h.Do(ctx, c.ref, func(ctx context.Context, s S) (S, error) {
		r, s2, err := c.ad.HandleRollback(ctx, opts, s)
		result = r
		return s2, err
	})
	elapsed := time.Since(start)
	c.emit(ctx, dblog.CallRollback, nil, nil, result, err, &elapsed)
	return result, err
}
