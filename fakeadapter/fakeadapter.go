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

// Package fakeadapter implements adapter.Adapter[*State] by replaying a
// scripted sequence of outcomes, one per callback invocation, exactly like
// the literal call stacks in the specification's testable-properties
// scenarios ("Stack: [connect->ok, begin->ok, declare->(ok C), ...]").
// It is the adapter every other package's test suite is built on.
package fakeadapter

import (
	"context"
	"sync"

	"github.com/xflagstudio/db-connection/adapter"
)

// State is the opaque adapter state value threaded through every callback.
type State struct {
	// Gen increments on every successful Connect, so traces can tell two
	// connection generations apart across a reconnect.
	Gen int
}

// Step scripts the outcome of exactly one adapter callback invocation.
type Step struct {
	// Err, when non-nil, is returned as the callback's error. Wrap it as
	// &connerr.DisconnectError{Err: cause} to script a disconnect.
	Err error

	// Panic, when non-nil, makes the callback panic with this value
	// instead of returning, exercising the holder's protocol-error path.
	Panic any

	Result adapter.Result // HandleBegin/Commit/Rollback/Execute/Query/Deallocate
	Query  adapter.Query  // HandlePrepare/HandleDeclare: replaced query, if non-nil
	Cursor adapter.Cursor // HandleDeclare
	More   bool           // HandleFetch: true = cont, false = halt
}

// Adapter replays a scripted FIFO queue of Steps per callback name and
// records every call it serviced into a trace for assertions.
type Adapter struct {
	mu    sync.Mutex
	steps map[string][]Step
	trace []string
	gen   int
}

// New creates an empty fake adapter. Calls with no scripted step for their
// name succeed with a zero Step (empty result, no error).
func New() *Adapter {
	return &Adapter{steps: make(map[string][]Step)}
}

// Script appends step to the FIFO for the named callback. Valid names:
// connect, disconnect, checkout, checkin, ping, begin, commit, rollback,
// prepare, execute, close, query, declare, fetch, deallocate, info.
func (a *Adapter) Script(call string, step Step) *Adapter {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps[call] = append(a.steps[call], step)
	return a
}

// Trace returns the names of every callback serviced so far, in order.
func (a *Adapter) Trace() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.trace...)
}

func (a *Adapter) next(call string) Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trace = append(a.trace, call)
	q := a.steps[call]
	if len(q) == 0 {
		return Step{}
	}
	step := q[0]
	a.steps[call] = q[1:]
	return step
}

func (a *Adapter) Connect(ctx context.Context, opts adapter.Opts) (*State, error) {
	step := a.next("connect")
	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	a.mu.Lock()
	a.gen++
	s := &State{Gen: a.gen}
	a.mu.Unlock()
	return s, nil
}

func (a *Adapter) Disconnect(ctx context.Context, err error, state *State) error {
	step := a.next("disconnect")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Err
}

func (a *Adapter) Checkout(ctx context.Context, state *State) (*State, error) {
	step := a.next("checkout")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return state, step.Err
}

func (a *Adapter) Checkin(ctx context.Context, state *State) (*State, error) {
	step := a.next("checkin")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return state, step.Err
}

func (a *Adapter) Ping(ctx context.Context, state *State) (*State, error) {
	step := a.next("ping")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return state, step.Err
}

func (a *Adapter) HandleBegin(ctx context.Context, opts adapter.Opts, state *State) (adapter.Result, *State, error) {
	step := a.next("begin")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Result, state, step.Err
}

func (a *Adapter) HandleCommit(ctx context.Context, opts adapter.Opts, state *State) (adapter.Result, *State, error) {
	step := a.next("commit")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Result, state, step.Err
}

func (a *Adapter) HandleRollback(ctx context.Context, opts adapter.Opts, state *State) (adapter.Result, *State, error) {
	step := a.next("rollback")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Result, state, step.Err
}

func (a *Adapter) HandlePrepare(ctx context.Context, q adapter.Query, opts adapter.Opts, state *State) (adapter.Query, *State, error) {
	step := a.next("prepare")
	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Err != nil {
		return q, state, step.Err
	}
	if step.Query != nil {
		q = step.Query
	}
	return q, state, nil
}

func (a *Adapter) HandleExecute(ctx context.Context, q adapter.Query, opts adapter.Opts, state *State) (adapter.Result, *State, error) {
	step := a.next("execute")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Result, state, step.Err
}

func (a *Adapter) HandleClose(ctx context.Context, q adapter.Query, opts adapter.Opts, state *State) (*State, error) {
	step := a.next("close")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return state, step.Err
}

func (a *Adapter) HandleQuery(ctx context.Context, q adapter.Query, params adapter.Params, opts adapter.Opts, state *State) (adapter.Result, *State, error) {
	step := a.next("query")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Result, state, step.Err
}

func (a *Adapter) HandleDeclare(ctx context.Context, q adapter.Query, params adapter.Params, opts adapter.Opts, state *State) (adapter.Query, adapter.Cursor, *State, error) {
	step := a.next("declare")
	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Err != nil {
		return q, step.Cursor, state, step.Err
	}
	rq := q
	if step.Query != nil {
		rq = step.Query
	}
	return rq, step.Cursor, state, nil
}

func (a *Adapter) HandleFetch(ctx context.Context, q adapter.Query, cursor adapter.Cursor, opts adapter.Opts, state *State) (adapter.FetchResult, *State, error) {
	step := a.next("fetch")
	if step.Panic != nil {
		panic(step.Panic)
	}
	if step.Err != nil {
		return adapter.FetchResult{}, state, step.Err
	}
	return adapter.FetchResult{Result: step.Result, More: step.More}, state, nil
}

func (a *Adapter) HandleDeallocate(ctx context.Context, q adapter.Query, cursor adapter.Cursor, opts adapter.Opts, state *State) (adapter.Result, *State, error) {
	step := a.next("deallocate")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return step.Result, state, step.Err
}

func (a *Adapter) HandleInfo(ctx context.Context, msg any, state *State) (*State, error) {
	step := a.next("info")
	if step.Panic != nil {
		panic(step.Panic)
	}
	return state, step.Err
}
