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

// Package holder implements the connection supervisor: a single logical
// owner of one adapter state that performs backoff, pings, and
// connect/disconnect cycling on failure without losing in-flight client
// context. A Holder never runs two adapter callbacks concurrently for the
// same connection, mirroring the specification's single-threaded actor
// model; that invariant holds here because only one principal may ever be
// checked out at a time and all bookkeeping mutations happen under a mutex.
package holder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/backoff"
	"github.com/xflagstudio/db-connection/connerr"
	"github.com/xflagstudio/db-connection/principal"
)

// Ref is a unique token identifying one checkout window. A Handle compares
// its Ref against the holder's current checkout on every call; mismatches
// surface connerr.ConnectionError("ownership mismatch").
type Ref uint64

// Options configures a Holder's connect/reconnect/ping behavior. Zero
// values are replaced with the specification's defaults.
type Options struct {
	// SyncConnect blocks Start until the first Connect attempt resolves.
	SyncConnect bool

	BackoffType backoff.Type
	BackoffMin  time.Duration
	BackoffMax  time.Duration

	// IdleInterval is how long the connection must sit unchecked-out before
	// a Ping is scheduled. Default: 1000ms.
	IdleInterval time.Duration

	// ConnectTimeout bounds a single Connect attempt. Default: 15s.
	ConnectTimeout time.Duration

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.IdleInterval <= 0 {
		o.IdleInterval = 1000 * time.Millisecond
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnected
)

// Holder owns one adapter connection state S and the machinery to keep it
// alive.
type Holder[S any] struct {
	ad          adapter.Adapter[S]
	connectOpts adapter.Opts
	opts        Options
	logger      *slog.Logger

	mu         sync.Mutex
	st         connState
	connState  S
	bo         backoff.Backoff
	checkedOut bool
	curRef     Ref
	onDeath    func(Ref)
	closed     bool

	nextRef   atomic.Uint64
	pingTimer *time.Timer
	closeOnce sync.Once
	closeCh   chan struct{}

	deadOnce sync.Once
	deadCh   chan struct{}
	deadErr  error
}

// New creates a Holder. Call Start to begin connecting.
func New[S any](ad adapter.Adapter[S], connectOpts adapter.Opts, opts Options) *Holder[S] {
	opts.setDefaults()
	h := &Holder[S]{
		ad:          ad,
		connectOpts: connectOpts,
		opts:        opts,
		logger:      opts.Logger,
		closeCh:     make(chan struct{}),
		deadCh:      make(chan struct{}),
	}
	h.bo = backoff.New(opts.BackoffType, opts.BackoffMin, opts.BackoffMax)
	return h
}

// Start begins connecting. If Options.SyncConnect is set, it blocks for the
// first Connect attempt and returns its error (unless the backoff type is
// Stop, a failure here is scheduled for retry rather than returned).
func (h *Holder[S]) Start(ctx context.Context) error {
	if h.opts.SyncConnect {
		state, err := h.safeConnect(ctx)
		if err == nil {
			h.mu.Lock()
			h.st = stateConnected
			h.connState = state
			h.mu.Unlock()
			h.schedulePing()
			return nil
		}
		if h.opts.BackoffType == backoff.Stop {
			return err
		}
		h.logger.WarnContext(ctx, "sync connect failed, scheduling retry", "error", err)
		go h.reconnectLoop(false)
		return nil
	}
	go h.reconnectLoop(true)
	return nil
}

func (h *Holder[S]) safeConnect(ctx context.Context) (state S, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = connerr.ClientStopped("holder", panicKind(r), fmt.Sprint(r))
		}
	}()
	return h.ad.Connect(ctx, h.connectOpts)
}

// reconnectLoop drives the disconnected state: wait for backoff, call
// Connect, repeat on failure. When firstImmediate is true the first attempt
// is made with no delay (the async-startup case: "schedule connect and
// return immediately"); otherwise every attempt, including the first,
// waits out the current backoff delay.
func (h *Holder[S]) reconnectLoop(firstImmediate bool) {
	if firstImmediate && h.tryConnect() {
		return
	}
	for {
		delay, nextBO, ok := h.bo.Next()
		if !ok {
			h.terminate(errors.New("holder: backoff stopped, giving up"))
			return
		}
		h.logger.Debug("waiting before reconnect attempt", "delay", delay, "backoff", h.opts.BackoffType.String())
		select {
		case <-h.closeCh:
			return
		case <-time.After(delay):
		}
		h.mu.Lock()
		h.bo = nextBO
		h.mu.Unlock()
		if h.tryConnect() {
			return
		}
	}
}

// tryConnect attempts one Connect call. It returns true when the loop
// should stop (either because the connect succeeded, or because the holder
// was closed while connecting).
func (h *Holder[S]) tryConnect() bool {
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ConnectTimeout)
	defer cancel()

	state, err := h.safeConnect(ctx)
	if err != nil {
		var perr *connerr.ProtocolError
		if errors.As(err, &perr) {
			h.terminate(err)
			return true
		}
		h.logger.WarnContext(ctx, "connect attempt failed", "error", err)
		return false
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = h.ad.Disconnect(context.Background(), nil, state)
		return true
	}
	h.st = stateConnected
	h.connState = state
	h.bo = backoff.New(h.opts.BackoffType, h.opts.BackoffMin, h.opts.BackoffMax)
	h.mu.Unlock()

	h.logger.Debug("connected")
	h.schedulePing()
	return true
}

// Acquire checks out the connection on behalf of p. onDeath is invoked
// (from a goroutine owned by the holder) if p terminates while still
// checked out; it is the caller's responsibility to perform any implicit
// cleanup (e.g. a best-effort rollback) and then call Release.
func (h *Holder[S]) Acquire(ctx context.Context, p principal.Principal, onDeath func(Ref)) (Ref, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, connerr.NewConnectionError("connection is closed")
	}
	if h.st != stateConnected {
		h.mu.Unlock()
		return 0, connerr.NewConnectionError("connection is closed")
	}
	if h.checkedOut {
		h.mu.Unlock()
		return 0, errors.New("holder: already checked out")
	}
	state := h.connState
	h.mu.Unlock()

	h.stopPing()

	newState, err := h.invoke(ctx, state, h.ad.Checkout)
	if outcome := h.absorb(newState, err); outcome != nil {
		h.schedulePing()
		return 0, outcome
	}

	ref := Ref(h.nextRef.Add(1))
	h.mu.Lock()
	h.checkedOut = true
	h.curRef = ref
	h.onDeath = onDeath
	h.mu.Unlock()

	if p != nil && p.Done() != nil {
		go h.watchDeath(ref, p)
	}

	return ref, nil
}

func (h *Holder[S]) watchDeath(ref Ref, p principal.Principal) {
	select {
	case <-p.Done():
		h.mu.Lock()
		stillOurs := h.checkedOut && h.curRef == ref
		onDeath := h.onDeath
		h.mu.Unlock()
		if stillOurs && onDeath != nil {
			onDeath(ref)
		}
	case <-h.closeCh:
	}
}

// Release checks the connection back in. ref must match the Ref returned
// by the Acquire call that is being released.
func (h *Holder[S]) Release(ctx context.Context, ref Ref) error {
	h.mu.Lock()
	if !h.checkedOut || h.curRef != ref {
		h.mu.Unlock()
		return connerr.NewConnectionError("connection is closed")
	}
	if h.st != stateConnected {
		h.checkedOut = false
		h.onDeath = nil
		h.mu.Unlock()
		return nil
	}
	state := h.connState
	h.mu.Unlock()

	newState, err := h.invoke(ctx, state, h.ad.Checkin)

	h.mu.Lock()
	h.checkedOut = false
	h.onDeath = nil
	h.mu.Unlock()

	if outcome := h.absorb(newState, err); outcome != nil {
		return outcome
	}
	h.schedulePing()
	return nil
}

// Do runs fn against the current adapter state, enforcing that ref still
// owns the checkout. A plain adapter error is returned as-is (the
// connection remains usable); a disconnect error triggers teardown and
// reconnect and the caller observes connerr.ConnectionError. An error
// returned once ctx is done (deadline or cancellation) is treated as a
// disconnect, since the adapter state is then unknown.
func (h *Holder[S]) Do(ctx context.Context, ref Ref, fn func(context.Context, S) (S, error)) error {
	h.mu.Lock()
	if h.closed || h.st != stateConnected {
		h.mu.Unlock()
		return connerr.NewConnectionError("connection is closed")
	}
	if !h.checkedOut {
		h.mu.Unlock()
		return connerr.NewConnectionError("connection is closed")
	}
	if h.curRef != ref {
		h.mu.Unlock()
		return connerr.NewConnectionError("ownership mismatch")
	}
	state := h.connState
	h.mu.Unlock()

	newState, err := h.invoke(ctx, state, fn)
	if err != nil && ctx.Err() != nil {
		var perr *connerr.ProtocolError
		if _, isDisconnect := connerr.AsDisconnect(err); !isDisconnect && !errors.As(err, &perr) {
			err = &connerr.DisconnectError{Err: err}
		}
	}
	return h.absorb(newState, err)
}

// CurrentState returns the adapter state currently visible to ref's
// checkout, for callers that need read-only access without mutating it
// (e.g. stream decode hooks inspecting driver-specific context).
func (h *Holder[S]) CurrentState(ref Ref) (S, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var zero S
	if h.st != stateConnected {
		return zero, connerr.NewConnectionError("connection is closed")
	}
	if !h.checkedOut {
		return zero, connerr.NewConnectionError("connection is closed")
	}
	if h.curRef != ref {
		return zero, connerr.NewConnectionError("ownership mismatch")
	}
	return h.connState, nil
}

// invoke calls fn with panic recovery, converting panics into
// *connerr.ProtocolError with a "client holder stopped: ** (<kind>) <msg>"
// message; the message names the literal "holder", not the checked-out
// principal.
func (h *Holder[S]) invoke(ctx context.Context, state S, fn func(context.Context, S) (S, error)) (result S, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = connerr.ClientStopped("holder", panicKind(r), fmt.Sprint(r))
		}
	}()
	return fn(ctx, state)
}

// absorb classifies the result of an adapter call: nil on success
// (updating connState), the original error on a plain adapter error
// (updating connState), connerr.ConnectionError on disconnect or protocol
// failure (after tearing the holder down and scheduling a reconnect).
func (h *Holder[S]) absorb(newState S, err error) error {
	if err == nil {
		h.mu.Lock()
		if h.st == stateConnected {
			h.connState = newState
		}
		h.mu.Unlock()
		return nil
	}

	if dErr, ok := connerr.AsDisconnect(err); ok {
		h.handleDisconnect(dErr.Err, newState)
		return connerr.NewConnectionError("connection is closed")
	}

	var perr *connerr.ProtocolError
	if errors.As(err, &perr) {
		h.terminate(err)
		return connerr.NewConnectionError("connection is closed")
	}

	h.mu.Lock()
	if h.st == stateConnected {
		h.connState = newState
	}
	h.mu.Unlock()
	return err
}

func (h *Holder[S]) handleDisconnect(cause error, state S) {
	h.mu.Lock()
	if h.st != stateConnected {
		h.mu.Unlock()
		return
	}
	h.st = stateDisconnected
	h.checkedOut = false
	h.onDeath = nil
	closed := h.closed
	h.mu.Unlock()

	h.stopPing()

	disErr := h.ad.Disconnect(context.Background(), cause, state)
	if disErr != nil {
		h.logger.Warn("disconnect callback returned an error", "error", disErr)
	}

	if closed {
		return
	}

	h.logger.Warn("connection disconnected, scheduling reconnect", "cause", cause)
	go h.reconnectLoop(false)
}

func (h *Holder[S]) schedulePing() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.checkedOut || h.st != stateConnected {
		return
	}
	if h.pingTimer != nil {
		h.pingTimer.Stop()
	}
	h.pingTimer = time.AfterFunc(h.opts.IdleInterval, h.pingOnce)
}

func (h *Holder[S]) stopPing() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pingTimer != nil {
		h.pingTimer.Stop()
		h.pingTimer = nil
	}
}

func (h *Holder[S]) pingOnce() {
	h.mu.Lock()
	if h.closed || h.checkedOut || h.st != stateConnected {
		h.mu.Unlock()
		return
	}
	state := h.connState
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ConnectTimeout)
	defer cancel()
	newState, err := h.invoke(ctx, state, h.ad.Ping)
	_ = h.absorb(newState, err)
	h.schedulePing()
}

// Close tears the holder down permanently: stops the reconnect loop,
// cancels pending pings, and disconnects the adapter if currently
// connected.
func (h *Holder[S]) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		connected := h.st == stateConnected
		state := h.connState
		h.mu.Unlock()

		close(h.closeCh)
		h.stopPing()

		if connected {
			_ = h.ad.Disconnect(context.Background(), nil, state)
		}
	})
	return nil
}

// terminate marks the holder permanently dead due to a protocol error or
// exhausted backoff. A supervising pool observes Dead() and replaces the
// holder.
func (h *Holder[S]) terminate(err error) {
	h.deadOnce.Do(func() {
		h.mu.Lock()
		h.deadErr = err
		h.closed = true
		h.mu.Unlock()
		close(h.closeCh)
		close(h.deadCh)
	})
}

// Dead returns a channel that closes when the holder has permanently
// terminated (protocol error or exhausted backoff). Err reports why.
func (h *Holder[S]) Dead() <-chan struct{} { return h.deadCh }

func (h *Holder[S]) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deadErr
}

// IsCheckedOut reports whether a principal currently holds this connection.
func (h *Holder[S]) IsCheckedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.checkedOut
}

// IsConnected reports whether the holder currently has a live adapter
// state.
func (h *Holder[S]) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.st == stateConnected
}

func panicKind(r any) string {
	if err, ok := r.(error); ok {
		return fmt.Sprintf("%T", err)
	}
	return fmt.Sprintf("%T", r)
}
