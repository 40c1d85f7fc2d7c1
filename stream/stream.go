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

// Package stream builds a lazy, finite sequence of results over a declared
// cursor. Deallocate runs when the cursor is exhausted, when a fetch or
// decode fails, and when Close is called. All defers Close itself, so a
// range over All deallocates on full consumption, on an early break, and
// while a consumer panic unwinds. A stream driven by Next is deallocated on
// an early exit only if the caller calls Close; a rollback of the enclosing
// transaction does not close it.
package stream

import (
	"context"
	"errors"
	"iter"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/connclient"
	"github.com/xflagstudio/db-connection/connerr"
)

// ErrNotInTransaction is returned by Open when c is not currently inside a
// transaction; a stream's cursor only makes sense for the lifetime of the
// transaction that declared it.
var ErrNotInTransaction = errors.New("stream: may only be opened inside a transaction")

// EncodeFunc transforms params before handle_declare.
type EncodeFunc func(adapter.Params) (adapter.Params, error)

// DecodeFunc transforms each fetched result before it is yielded. It
// receives the (possibly replaced) query alongside the result, unifying
// the specification's single- and two-argument decode variants into one
// signature.
type DecodeFunc func(q adapter.Query, result adapter.Result) (any, error)

// Options configures a Stream.
type Options struct {
	Encode EncodeFunc
	Decode DecodeFunc
	Opts   adapter.Opts
}

// Stream is a lazy sequence of results from one declared cursor.
type Stream[S any] struct {
	c    *connclient.Handle[S]
	opts Options

	query  adapter.Query
	cursor adapter.Cursor

	opened bool
	more   bool
	closed bool
	err    error
}

// Open declares a cursor for q/params on c. c must currently be
// InTransaction. If opts.Encode is set, it runs on params before
// handle_declare.
func Open[S any](ctx context.Context, c *connclient.Handle[S], q adapter.Query, params adapter.Params, opts Options) (*Stream[S], error) {
	if c.TxStatus() != connclient.InTransaction {
		return nil, ErrNotInTransaction
	}

	if opts.Encode != nil {
		encoded, err := opts.Encode(params)
		if err != nil {
			return nil, err
		}
		params = encoded
	}

	rq, cursor, err := c.Declare(ctx, q, params, opts.Opts)
	if err != nil {
		// Open failing (including a disconnect, which Declare has already
		// surfaced as connerr.ConnectionError after the holder tore down and
		// began reconnecting) never ran handle_declare successfully, so there
		// is nothing to deallocate.
		return nil, err
	}

	return &Stream[S]{c: c, opts: opts, query: rq, cursor: cursor, opened: true, more: true}, nil
}

// Next advances the stream by one result. The second return is false once
// the stream is exhausted (after which Next returns nil, false and the
// error of the deallocate that closed it, if any); err is non-nil if the
// fetch or decode failed, in which case the stream is also closed before
// returning and later calls return the same error.
func (s *Stream[S]) Next(ctx context.Context) (result any, ok bool, err error) {
	if s.closed {
		return nil, false, s.err
	}
	if !s.more {
		s.closeOnExhaustion(ctx)
		return nil, false, nil
	}

	fr, fetchErr := s.c.Fetch(ctx, s.query, s.cursor, s.opts.Opts)
	if fetchErr != nil {
		s.closeAfterError(ctx, fetchErr)
		return nil, false, fetchErr
	}
	s.more = fr.More

	decoded := fr.Result
	if s.opts.Decode != nil {
		d, decErr := s.opts.Decode(s.query, fr.Result)
		if decErr != nil {
			s.closeAfterError(ctx, decErr)
			return nil, false, decErr
		}
		decoded = d
	}

	if !s.more {
		s.closeOnExhaustion(ctx)
	}
	return decoded, true, nil
}

// All returns an iter.Seq2 over the stream's results, for range-over-func
// consumption: for result, err := range s.All() { ... }. Stopping the range
// early (break, return, panic) still runs Close via the deferred cleanup
// below — range-over-func guarantees the loop body's defer chain unwinds
// before the sequence function regains control, and Close is idempotent.
func (s *Stream[S]) All() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		defer s.Close(context.Background())
		for {
			result, ok, err := s.Next(context.Background())
			if err != nil {
				yield(nil, err)
				return
			}
			if !ok {
				return
			}
			if !yield(result, nil) {
				return
			}
		}
	}
}

// closeOnExhaustion runs deallocate after a halting fetch, the ordinary end
// of a stream's life.
func (s *Stream[S]) closeOnExhaustion(ctx context.Context) {
	if s.closed {
		return
	}
	s.closed = true
	_, s.err = s.c.Deallocate(ctx, s.query, s.cursor, s.opts.Opts, false)
}

// closeAfterError runs deallocate after a fetch or decode failure. If
// cause is a *connerr.ConnectionError (which is how a disconnect surfaces,
// after the holder has already torn the connection down), deallocate is
// logged but never reaches the adapter — matching the specification's "deallocate is logged
// as connection-is-closed with connection_time = nil".
func (s *Stream[S]) closeAfterError(ctx context.Context, cause error) {
	if s.closed {
		return
	}
	s.closed = true
	var cerr *connerr.ConnectionError
	skipAdapter := errors.As(cause, &cerr)
	_, _ = s.c.Deallocate(ctx, s.query, s.cursor, s.opts.Opts, skipAdapter)
	s.err = cause
}

// Close deallocates the cursor if it has not already been deallocated. It
// is safe to call more than once and safe to call after a partial
// consumption, a panic recovered by the caller, or an enclosing rollback:
// callers that cannot rely on All's implicit cleanup (because they are
// driving Next by hand) must defer Close themselves.
func (s *Stream[S]) Close(ctx context.Context) error {
	if !s.opened || s.closed {
		return nil
	}
	s.closed = true
	_, err := s.c.Deallocate(ctx, s.query, s.cursor, s.opts.Opts, false)
	return err
}
