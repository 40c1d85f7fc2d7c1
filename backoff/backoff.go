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

// Package backoff implements a deterministic retry-delay generator used by
// the connection holder to space out reconnect attempts.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Type selects the delay strategy.
type Type int

const (
	// Exp doubles the delay on every attempt, clamped to Max.
	Exp Type = iota
	// Rand picks a delay uniformly at random in [Min, Max] on every attempt.
	Rand
	// RandExp doubles like Exp but then jitters uniformly in [0, delay].
	RandExp
	// Stop tells the caller there is no next attempt; the holder should
	// terminate rather than retry.
	Stop
)

func (t Type) String() string {
	switch t {
	case Exp:
		return "exp"
	case Rand:
		return "rand"
	case RandExp:
		return "rand_exp"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// DefaultMin and DefaultMax match the specification's defaults for
// backoff_min/backoff_max.
const (
	DefaultMin = 1000 * time.Millisecond
	DefaultMax = 30000 * time.Millisecond
)

// Backoff is an immutable cursor over a delay sequence. Next returns the
// delay to wait before the next attempt along with the advanced cursor;
// callers thread the returned Backoff into their next call, mirroring the
// spec's functional "next() -> (delay, backoff')" contract.
type Backoff struct {
	typ      Type
	min, max time.Duration
	attempt  int
	current  time.Duration // last computed delay, used by Exp/RandExp to double from
	rng      *rand.Rand
}

// New creates a Backoff of the given type with the given bounds. A zero
// min/max is replaced with the package defaults. The returned Backoff has
// not advanced any attempts yet; its first Next() call yields Min for Exp, a
// value in [0, Min] for RandExp, and a value in [Min, Max] for Rand.
func New(typ Type, min, max time.Duration) Backoff {
	if min <= 0 {
		min = DefaultMin
	}
	if max <= 0 {
		max = DefaultMax
	}
	if max < min {
		max = min
	}
	return Backoff{
		typ: typ,
		min: min,
		max: max,
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0xdb)),
	}
}

// Next returns the delay to wait before the next connection attempt, the
// advanced Backoff to use for the attempt after that, and ok=false when typ
// is Stop (meaning: do not retry, terminate instead).
func (b Backoff) Next() (time.Duration, Backoff, bool) {
	if b.typ == Stop {
		return 0, b, false
	}

	next := b
	next.attempt++

	switch b.typ {
	case Rand:
		delay := b.min + time.Duration(b.rng.Int64N(int64(b.max-b.min)+1))
		next.current = delay
		return delay, next, true

	case RandExp:
		delay := b.nextExpDelay()
		next.current = delay
		jittered := time.Duration(b.rng.Int64N(int64(delay) + 1))
		return jittered, next, true

	default: // Exp
		delay := b.nextExpDelay()
		next.current = delay
		return delay, next, true
	}
}

// nextExpDelay doubles b.current (starting from Min on the first call),
// clamped to Max.
func (b Backoff) nextExpDelay() time.Duration {
	if b.attempt == 0 {
		return b.min
	}
	delay := b.current * 2
	if delay <= 0 || delay > b.max {
		delay = b.max
	}
	return delay
}

// Attempt returns how many times Next has been called.
func (b Backoff) Attempt() int { return b.attempt }

// Type returns the configured strategy.
func (b Backoff) Type() Type { return b.typ }
