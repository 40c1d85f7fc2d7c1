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

// Package principal generalizes "the calling process" from the original
// actor-model design into something a Go program can supply: any value
// with a stable identity and a channel that closes on termination. Pools,
// holders, and the ownership proxy all watch Done() the way the original
// watches a process monitor.
package principal

import (
	"context"

	"github.com/google/uuid"
)

// Principal is an identifiable caller whose liveness can be observed.
type Principal interface {
	// ID returns a stable identifier for this principal, unique among
	// principals concurrently known to a given pool or ownership proxy.
	ID() string

	// Done returns a channel that is closed when the principal terminates.
	// A principal that never terminates (e.g. a process-lifetime singleton)
	// may return nil; callers must treat a nil channel as "never fires".
	Done() <-chan struct{}
}

// contextPrincipal adapts a context.Context into a Principal by using a
// generated UUID as identity and ctx.Done() as the liveness channel.
type contextPrincipal struct {
	id  string
	ctx context.Context
}

// FromContext wraps ctx as a Principal. Distinct calls with distinct
// contexts get distinct identities; calling it twice with the same ctx
// yields Principals with different IDs, so callers that need a stable
// identity across calls should construct one Principal and reuse it.
func FromContext(ctx context.Context) Principal {
	return contextPrincipal{id: uuid.NewString(), ctx: ctx}
}

func (c contextPrincipal) ID() string             { return c.id }
func (c contextPrincipal) Done() <-chan struct{}  { return c.ctx.Done() }

// Named is a simple static Principal with an explicit identity and an
// explicit termination channel, handy for tests and for callers that
// already manage their own liveness signaling outside of a context.
type Named struct {
	Name string
	done <-chan struct{}
}

// NewNamed creates a Named principal. done may be nil to mean "never
// terminates".
func NewNamed(name string, done <-chan struct{}) Named {
	return Named{Name: name, done: done}
}

func (n Named) ID() string            { return n.Name }
func (n Named) Done() <-chan struct{} { return n.done }
