// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package tm

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/asch/cowstore/internal/store/cache"
	"github.com/asch/cowstore/internal/store/types"
)

// RepeatEagain calls fn until it does not fail with a conflict. fn has to be
// idempotent, typically it creates its own transaction.
func RepeatEagain(ctx context.Context, fn func() error) error {
	_, err := Repeat(ctx, func() (struct{}, error) {
		return struct{}{}, fn()
	})

	return err
}

// Repeat is RepeatEagain for functions returning a value.
func Repeat[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	for attempt := 1; ; attempt++ {
		v, err := fn()
		if !types.Conflict.Has(err) {
			return v, err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return v, types.Interrupted.Wrap(ctxErr)
		}

		log.Trace().Err(err).Int("attempt", attempt).Msg("Retrying after conflict.")
	}
}

// Run executes fn in a new transaction and submits it. Conflicts start over
// with a fresh transaction.
func (tm *TransactionManager) Run(ctx context.Context, src types.Source, name string,
	fn func(t *cache.Transaction) error) error {

	return RepeatEagain(ctx, func() error {
		t := tm.CreateTransaction(src, name)
		if err := fn(t); err != nil {
			tm.DropTransaction(t)
			return err
		}

		return tm.SubmitTransaction(ctx, t)
	})
}

// View executes fn in a transaction which is dropped afterwards. Conflicts
// start over.
func (tm *TransactionManager) View(ctx context.Context, name string, fn func(t *cache.Transaction) error) error {
	return RepeatEagain(ctx, func() error {
		t := tm.CreateTransaction(types.SourceRead, name)
		defer tm.DropTransaction(t)

		return fn(t)
	})
}
