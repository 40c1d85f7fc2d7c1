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

// Package dblog defines the structured timing record emitted once per
// adapter call to an optional user-supplied hook.
package dblog

import (
	"context"
	"log/slog"
	"time"
)

// Call identifies which adapter callback an Entry describes.
type Call string

const (
	CallQuery       Call = "query"
	CallPrepare     Call = "prepare"
	CallExecute     Call = "execute"
	CallClose       Call = "close"
	CallBegin       Call = "begin"
	CallCommit      Call = "commit"
	CallRollback    Call = "rollback"
	CallDeclare     Call = "declare"
	CallFetch       Call = "fetch"
	CallDeallocate  Call = "deallocate"
)

// Entry is the structured record passed to a Hook.
//
// PoolTime is nil when the call reused an already-held connection (e.g.
// inside a transaction or between stream steps) rather than performing a
// fresh pool checkout. ConnectionTime is nil when the adapter callback did
// not run (e.g. deallocate after a disconnect). DecodeTime is not populated
// by this runtime and is always nil: a stream's decode hook runs after the
// fetch entry has been emitted, and no entry records its duration.
type Entry struct {
	Call           Call
	Query          any
	Params         any
	Result         any
	Err            error
	PoolTime       *time.Duration
	ConnectionTime *time.Duration
	DecodeTime     *time.Duration
}

// Hook receives one Entry per adapter call. A nil Hook disables logging.
type Hook func(Entry)

// Dur returns a pointer to d, for building Entry values inline:
// dblog.Entry{ConnectionTime: dblog.Dur(elapsed)}.
func Dur(d time.Duration) *time.Duration { return &d }

// Fire invokes hook, recovering and logging any panic so a misbehaving user
// hook never interrupts the calling operation. Grounded on the same
// isolate-and-continue contract as event.Hooks.Fire in the wider pool
// stack: logging hooks are diagnostics, not control flow.
func Fire(ctx context.Context, hook Hook, entry Entry) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "log hook panicked", "call", entry.Call, "panic", r)
		}
	}()
	hook(entry)
}
