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

// dbconndemo exercises the full db-connection stack end to end: it opens a
// pool, runs a transaction with a streamed cursor, and prints the timing
// log entries the runtime emits along the way. With no -dsn it talks to an
// in-memory fakeadapter scripted to behave like a cooperative server; with
// -dsn (or DBCONN_DSN) it drives a real PostgreSQL connection through
// pqadapter instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xflagstudio/db-connection/adapter"
	"github.com/xflagstudio/db-connection/backoff"
	"github.com/xflagstudio/db-connection/connclient"
	"github.com/xflagstudio/db-connection/dblog"
	"github.com/xflagstudio/db-connection/fakeadapter"
	"github.com/xflagstudio/db-connection/holder"
	"github.com/xflagstudio/db-connection/pool"
	"github.com/xflagstudio/db-connection/pqadapter"
	"github.com/xflagstudio/db-connection/principal"
	"github.com/xflagstudio/db-connection/stream"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("dbconn")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "dbconndemo",
		Short: "Exercise the db-connection runtime against a fake or real adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("dsn", "", "PostgreSQL DSN; empty uses an in-memory fake adapter")
	flags.Int("pool-size", 2, "number of pooled connections")
	flags.Duration("queue-timeout", 5*time.Second, "how long Checkout waits for a holder")
	flags.Int("rows", 5, "number of rows the demo transaction streams")
	_ = v.BindPFlag("dsn", flags.Lookup("dsn"))
	_ = v.BindPFlag("pool_size", flags.Lookup("pool-size"))
	_ = v.BindPFlag("queue_timeout", flags.Lookup("queue-timeout"))
	_ = v.BindPFlag("rows", flags.Lookup("rows"))

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	dsn := v.GetString("dsn")
	if dsn != "" {
		return runAgainst(ctx, v, pqadapter.New, dsn)
	}
	return runFake(ctx, v)
}

// runFake drives the demo against a scripted fakeadapter so the binary is
// useful (and deterministic) with no database available.
func runFake(ctx context.Context, v *viper.Viper) error {
	rows := v.GetInt("rows")
	ad := fakeadapter.New()
	ad.Script("connect", fakeadapter.Step{})
	ad.Script("begin", fakeadapter.Step{})
	ad.Script("declare", fakeadapter.Step{Cursor: "demo-cursor"})
	for i := 0; i < rows; i++ {
		more := i < rows-1
		ad.Script("fetch", fakeadapter.Step{Result: i, More: more})
	}
	ad.Script("deallocate", fakeadapter.Step{})
	ad.Script("commit", fakeadapter.Step{})

	return demo[*fakeadapter.State](ctx, v, ad, nil, func(r any) (any, error) { return r, nil })
}

// runAgainst drives the demo against a real adapter constructed by newFn
// (currently only pqadapter.New, kept as a parameter so a future driver
// slots in without touching demo's generic plumbing).
func runAgainst(ctx context.Context, v *viper.Viper, newFn func(string) (*pqadapter.Adapter, error), dsn string) error {
	ad, err := newFn(dsn)
	if err != nil {
		return fmt.Errorf("dbconndemo: %w", err)
	}
	defer ad.Close()

	decode := func(r any) (any, error) {
		qr, ok := r.(*pqadapter.QueryResult)
		if !ok {
			return r, nil
		}
		return qr.Rows, nil
	}
	return demo[*pqadapter.State](ctx, v, ad, "SELECT generate_series(1, $1::int) AS n", decode)
}

// demo opens a pool, checks out a connection, runs one transaction that
// declares, streams, and deallocates a cursor, and prints every dblog.Entry
// the stack emits along the way.
func demo[S any](ctx context.Context, v *viper.Viper, ad adapter.Adapter[S], query any, decode func(any) (any, error)) error {
	rows := v.GetInt("rows")
	if query == nil {
		query = "demo-query"
	}

	p := pool.New[S](ad, pool.Options{
		Size:         v.GetInt("pool_size"),
		QueueTimeout: v.GetDuration("queue_timeout"),
		HolderOptions: holder.Options{
			BackoffType: backoff.Exp,
		},
		ClientOptions: connclient.Options{
			Log: func(e dblog.Entry) {
				fmt.Printf("log: call=%-10s err=%v pool_time=%v conn_time=%v\n", e.Call, e.Err, e.PoolTime, e.ConnectionTime)
			},
		},
	})
	if err := p.Open(ctx); err != nil {
		return fmt.Errorf("dbconndemo: open pool: %w", err)
	}
	defer p.Close()

	caller := principal.NewNamed("dbconndemo", nil)
	lease, err := p.Checkout(ctx, caller, nil)
	if err != nil {
		return fmt.Errorf("dbconndemo: checkout: %w", err)
	}
	defer lease.Checkin(ctx)

	total, err := connclient.Transaction[S, int](ctx, lease.Handle, nil, func(ctx context.Context, c *connclient.Handle[S]) connclient.TxOutcome[int] {
		var params adapter.Params
		if _, isPQ := any(ad).(*pqadapter.Adapter); isPQ {
			params = []any{rows}
		}

		s, err := stream.Open[S](ctx, c, query, params, stream.Options{Decode: func(q adapter.Query, r adapter.Result) (any, error) {
			return decode(r)
		}})
		if err != nil {
			return connclient.ErrOutcome[int](err)
		}
		defer s.Close(ctx)

		n := 0
		for {
			result, ok, err := s.Next(ctx)
			if err != nil {
				return connclient.ErrOutcome[int](err)
			}
			if !ok {
				break
			}
			fmt.Printf("row: %v\n", result)
			n++
		}
		return connclient.Ok(n)
	})
	if err != nil {
		return fmt.Errorf("dbconndemo: transaction: %w", err)
	}

	fmt.Printf("streamed %d rows\n", total)
	return nil
}
