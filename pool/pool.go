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

// Package pool manages a fixed-size set of holder.Holder supervisors and
// hands out connclient.Handle leases to callers, queueing callers past
// capacity on a FIFO waitlist with a deadline. A dead holder is replaced in
// the background rather than shrinking the pool.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/connclient"
	"github.com/xflagstudio/db-connection/connerr"
	"github.com/xflagstudio/db-connection/holder"
	"github.com/xflagstudio/db-connection/principal"
)

// Options configures a Pool.
type Options struct {
	// Size is the number of holders the pool maintains. Default: 10.
	Size int

	// QueueTimeout bounds how long Checkout waits for a holder to become
	// available once the pool is at capacity. Default: 5000ms.
	QueueTimeout time.Duration

	HolderOptions holder.Options
	ClientOptions connclient.Options
	ConnectOpts   adapter.Opts
}

func (o *Options) setDefaults() {
	if o.Size <= 0 {
		o.Size = 10
	}
	if o.QueueTimeout <= 0 {
		o.QueueTimeout = 5000 * time.Millisecond
	}
}

// Pool is a fixed-size set of holders shared by many callers.
type Pool[S any] struct {
	ad   adapter.Adapter[S]
	opts Options

	mu      sync.Mutex
	idle    []*holder.Holder[S]
	waiters list.List
	closed  bool
	closeCh chan struct{}
}

// New creates a Pool. Call Open to start its holders.
func New[S any](ad adapter.Adapter[S], opts Options) *Pool[S] {
	opts.setDefaults()
	return &Pool[S]{ad: ad, opts: opts, closeCh: make(chan struct{})}
}

// Open starts opts.Size holders. It blocks until every holder's first
// Connect attempt resolves (each holder is started with SyncConnect
// forced on). A failed first attempt makes Open return its error only when
// HolderOptions.BackoffType is backoff.Stop; with any other backoff type
// the holder retries in the background and Open returns nil.
func (p *Pool[S]) Open(ctx context.Context) error {
	holderOpts := p.opts.HolderOptions
	holderOpts.SyncConnect = true

	var g errgroup.Group
	holders := make([]*holder.Holder[S], p.opts.Size)
	for i := range holders {
		i := i
		g.Go(func() error {
			h := holder.New[S](p.ad, p.opts.ConnectOpts, holderOpts)
			if err := h.Start(ctx); err != nil {
				return err
			}
			holders[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	p.mu.Lock()
	p.idle = append(p.idle, holders...)
	p.mu.Unlock()
	return nil
}

// Lease is a checked-out connection. Callers must call Checkin exactly once
// to return it to the pool.
type Lease[S any] struct {
	*connclient.Handle[S]

	pool *Pool[S]
	h    *holder.Holder[S]
	ref  holder.Ref
}

// Checkin releases the lease back to the pool.
func (l *Lease[S]) Checkin(ctx context.Context) error {
	return l.pool.checkin(ctx, l)
}

// Checkout waits for an available holder, checks it out on behalf of p, and
// wraps it as a Lease. onDeath, if non-nil, is invoked if p terminates
// while the lease is outstanding.
func (p *Pool[S]) Checkout(ctx context.Context, pr principal.Principal, onDeath func(holder.Ref)) (*Lease[S], error) {
	start := time.Now()

	h, err := p.acquireHolder(ctx)
	if err != nil {
		return nil, err
	}

	ref, err := h.Acquire(ctx, pr, onDeath)
	if err != nil {
		p.returnHolder(h)
		return nil, err
	}

	handle := connclient.New[S](h, ref, p.ad, p.opts.ClientOptions)
	handle.SetPoolTime(time.Since(start))
	return &Lease[S]{Handle: handle, pool: p, h: h, ref: ref}, nil
}

func (p *Pool[S]) checkin(ctx context.Context, l *Lease[S]) error {
	err := l.h.Release(ctx, l.ref)
	l.Handle.Invalidate()
	p.returnHolder(l.h)
	return err
}

// acquireHolder pops an idle holder or, if none is available, waits on the
// FIFO waitlist until one is handed to it, the context is done, or
// QueueTimeout elapses. Grounded on the wait/remove-or-receive race in the
// original waitlist's waitForConn: if we lose the race to remove ourselves
// from the list, a handoff is already in flight and we must receive it
// rather than returning empty-handed.
func (p *Pool[S]) acquireHolder(ctx context.Context) (*holder.Holder[S], error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, connerr.NewConnectionError("pool is closed")
		}
		if n := len(p.idle); n > 0 {
			h := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()

			select {
			case <-h.Dead():
				p.spawnReplacement()
				continue
			default:
				return h, nil
			}
		}

		ch := make(chan *holder.Holder[S], 1)
		elem := p.waiters.PushBack(ch)
		p.mu.Unlock()

		timer := time.NewTimer(p.opts.QueueTimeout)
		select {
		case h := <-ch:
			timer.Stop()
			return h, nil
		case <-ctx.Done():
			timer.Stop()
			if !p.removeWaiter(elem) {
				return <-ch, nil
			}
			return nil, ctx.Err()
		case <-timer.C:
			if !p.removeWaiter(elem) {
				return <-ch, nil
			}
			return nil, connerr.ErrTimeout
		case <-p.closeCh:
			timer.Stop()
			if !p.removeWaiter(elem) {
				return <-ch, nil
			}
			return nil, connerr.NewConnectionError("pool is closed")
		}
	}
}

func (p *Pool[S]) removeWaiter(elem *list.Element) (removed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			p.waiters.Remove(elem)
			return true
		}
	}
	return false
}

// returnHolder hands h to the longest-waiting caller, or stores it back in
// the idle set if nobody is waiting. A dead holder is never returned;
// instead a replacement is spawned in the background.
func (p *Pool[S]) returnHolder(h *holder.Holder[S]) {
	select {
	case <-h.Dead():
		p.spawnReplacement()
		return
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = h.Close()
		return
	}
	elem := p.waiters.Front()
	if elem == nil {
		p.idle = append(p.idle, h)
		p.mu.Unlock()
		return
	}
	p.waiters.Remove(elem)
	p.mu.Unlock()

	elem.Value.(chan *holder.Holder[S]) <- h
}

// spawnReplacement starts a new holder to replace one that died, handing it
// off through the normal returnHolder path once it is connected (or
// discarding it if it dies before ever connecting).
func (p *Pool[S]) spawnReplacement() {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return
	}

	h := holder.New[S](p.ad, p.opts.ConnectOpts, p.opts.HolderOptions)
	go func() {
		_ = h.Start(context.Background())
		for {
			if h.IsConnected() {
				p.returnHolder(h)
				return
			}
			select {
			case <-h.Dead():
				return
			case <-p.closeCh:
				_ = h.Close()
				return
			case <-time.After(20 * time.Millisecond):
			}
		}
	}()
}

// Close closes every idle holder and marks the pool closed; any caller
// still waiting in the queue observes connerr.ConnectionError("pool is
// closed"), and any outstanding lease's holder is closed as soon as it is
// checked back in.
func (p *Pool[S]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	close(p.closeCh)

	var g errgroup.Group
	var mu sync.Mutex
	var errs error
	for _, h := range idle {
		h := h
		g.Go(func() error {
			err := h.Close()
			if err != nil {
				mu.Lock()
				errs = multierr.Append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Waiting reports how many callers are currently queued for a holder.
func (p *Pool[S]) Waiting() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}
