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

// Package ownership layers principal-owned reservations on top of a pool,
// the way the original's test-isolation mode lets one borrower hold a
// connection across many calls and optionally delegate it to other
// principals. It is modeled closely on the reserved-connection pool's
// ID-keyed active map, substituting principal identity for connection ID.
package ownership

import (
	"context"
	"errors"
	"sync"

	"github.com/xflagstudio/db-connection/connclient"
	"github.com/xflagstudio/db-connection/holder"
	"github.com/xflagstudio/db-connection/pool"
	"github.com/xflagstudio/db-connection/principal"
)

// ErrNoOwnershipProcess is returned by Resolve when p is neither an owner
// nor an allowed principal of any reservation, and the proxy is in Manual
// mode.
var ErrNoOwnershipProcess = errors.New("cannot find ownership process")

// Mode controls whether a reservation must be created explicitly (Manual)
// or is synthesized on first touch (Auto).
type Mode int

const (
	Manual Mode = iota
	Auto
)

type entry[S any] struct {
	owner   principal.Principal
	lease   *pool.Lease[S]
	allowed map[string]principal.Principal
}

// Proxy wraps a *pool.Pool[S], handing reservations to owner principals and
// letting owners delegate access to other principals via Allow.
type Proxy[S any] struct {
	pool *pool.Pool[S]

	mu      sync.Mutex
	mode    Mode
	entries map[string]*entry[S]
}

// NewProxy creates a Proxy over p. mode is the proxy's starting mode; see
// SetMode.
func NewProxy[S any](p *pool.Pool[S], mode Mode) *Proxy[S] {
	return &Proxy[S]{pool: p, mode: mode, entries: make(map[string]*entry[S])}
}

// SetMode switches the proxy's mode.
func (px *Proxy[S]) SetMode(mode Mode) {
	px.mu.Lock()
	defer px.mu.Unlock()
	px.mode = mode
}

// CheckoutStatus is the outcome of Checkout.
type CheckoutStatus int

const (
	CheckedOut CheckoutStatus = iota
	AlreadyOwner
)

// Checkout reserves a connection for owner. If owner already holds a
// reservation, it returns AlreadyOwner without touching the pool; any pool
// error (exhaustion, timeout, closed) propagates unchanged.
func (px *Proxy[S]) Checkout(ctx context.Context, owner principal.Principal) (CheckoutStatus, error) {
	px.mu.Lock()
	if _, ok := px.entries[owner.ID()]; ok {
		px.mu.Unlock()
		return AlreadyOwner, nil
	}
	px.mu.Unlock()

	lease, err := px.pool.Checkout(ctx, owner, func(holder.Ref) { px.revokeOnDeath(owner) })
	if err != nil {
		return 0, err
	}

	px.mu.Lock()
	px.entries[owner.ID()] = &entry[S]{owner: owner, lease: lease, allowed: make(map[string]principal.Principal)}
	px.mu.Unlock()
	return CheckedOut, nil
}

// revokeOnDeath implicitly checks in an owner's reservation when the owner
// principal terminates without an explicit Checkin, mirroring the original
// design note that ownership revokes "automatically on principal
// termination or check-in".
func (px *Proxy[S]) revokeOnDeath(owner principal.Principal) {
	px.mu.Lock()
	e, ok := px.entries[owner.ID()]
	if ok {
		delete(px.entries, owner.ID())
	}
	px.mu.Unlock()
	if ok {
		e.lease.Handle.BestEffortRollback(context.Background())
		_ = e.lease.Checkin(context.Background())
	}
}

// CheckinStatus is the outcome of Checkin.
type CheckinStatus int

const (
	CheckedIn CheckinStatus = iota
	NotOwner
	NotFound
)

// Checkin releases p's reservation. If p only holds allowed access to
// someone else's reservation, it returns NotOwner without changing
// anything. If p is owner, every allowed principal is revoked and the
// underlying connection is checked back into the pool.
func (px *Proxy[S]) Checkin(ctx context.Context, p principal.Principal) (CheckinStatus, error) {
	px.mu.Lock()
	if e, ok := px.entries[p.ID()]; ok {
		delete(px.entries, p.ID())
		px.mu.Unlock()
		return CheckedIn, e.lease.Checkin(ctx)
	}
	for _, e := range px.entries {
		if _, allowed := e.allowed[p.ID()]; allowed {
			px.mu.Unlock()
			return NotOwner, nil
		}
	}
	px.mu.Unlock()
	return NotFound, nil
}

// AllowStatus is the outcome of Allow.
type AllowStatus int

const (
	Allowed AllowStatus = iota
	AlreadyAllowed
	AllowNotOwner
	AllowNotFound
)

// Allow grants allowee the same access to owner's reservation that owner
// has. Only the current owner of a reservation may grant access to it.
func (px *Proxy[S]) Allow(owner, allowee principal.Principal) AllowStatus {
	px.mu.Lock()
	defer px.mu.Unlock()

	e, isOwner := px.entries[owner.ID()]
	if !isOwner {
		for _, other := range px.entries {
			if _, allowedHere := other.allowed[owner.ID()]; allowedHere {
				return AllowNotOwner
			}
		}
		return AllowNotFound
	}
	if _, already := e.allowed[allowee.ID()]; already {
		return AlreadyAllowed
	}
	e.allowed[allowee.ID()] = allowee
	if allowee.Done() != nil {
		go px.watchAlloweeDeath(owner.ID(), allowee)
	}
	return Allowed
}

// watchAlloweeDeath removes allowee from ownerID's allowed set once allowee
// terminates, per the specification's "on allowee death, remove from
// allowed set" (the reservation itself is unaffected; only the allowed
// principal's access is revoked).
func (px *Proxy[S]) watchAlloweeDeath(ownerID string, allowee principal.Principal) {
	<-allowee.Done()
	px.mu.Lock()
	if e, ok := px.entries[ownerID]; ok {
		delete(e.allowed, allowee.ID())
	}
	px.mu.Unlock()
}

// Resolve returns the handle p is entitled to operate on: its own
// reservation, or one it has been allowed into. In Auto mode, a principal
// with no reservation and no allowed access is checked out on first touch
// instead of failing. In Manual mode the same case fails with
// ErrNoOwnershipProcess.
func (px *Proxy[S]) Resolve(ctx context.Context, p principal.Principal) (*connclient.Handle[S], error) {
	px.mu.Lock()
	if e, ok := px.entries[p.ID()]; ok {
		px.mu.Unlock()
		return e.lease.Handle, nil
	}
	for _, e := range px.entries {
		if _, allowed := e.allowed[p.ID()]; allowed {
			px.mu.Unlock()
			return e.lease.Handle, nil
		}
	}
	mode := px.mode
	px.mu.Unlock()

	if mode != Auto {
		return nil, ErrNoOwnershipProcess
	}
	if _, err := px.Checkout(ctx, p); err != nil {
		return nil, err
	}
	return px.Resolve(ctx, p)
}

// registry is the process-wide name-to-proxy lookup table the specification
// calls for: writes go through Register/Unregister, reads through Lookup.
// Values are stored as `any` because Go maps cannot hold differently
// instantiated generic types under one static type; Lookup's type
// assertion restores the caller's S.
var registry sync.Map

// Register makes px resolvable by name from any caller that knows the
// name, regardless of which goroutine created it.
func Register[S any](name string, px *Proxy[S]) {
	registry.Store(name, px)
}

// Unregister removes name from the registry.
func Unregister(name string) {
	registry.Delete(name)
}

// Lookup resolves name to a *Proxy[S]. The second return is false if no
// proxy is registered under name, or if one is but was registered with a
// different S.
func Lookup[S any](name string) (*Proxy[S], bool) {
	v, ok := registry.Load(name)
	if !ok {
		return nil, false
	}
	px, ok := v.(*Proxy[S])
	return px, ok
}
