// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package types

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/errs"
)

var (
	// Error is the class of invalid arguments and settings.
	Error = errs.Class("types")

	// NotFound is returned for lookups of addresses without live mapping.
	NotFound = errs.Class("not found")

	// IO wraps failures of the device or the journal.
	IO = errs.Class("io error")

	// Conflict is the optimistic concurrency failure. The transaction has
	// to be discarded and retried from scratch.
	Conflict = errs.Class("eagain")

	// Interrupted is returned when the owning transaction was invalidated
	// or its context canceled while the operation was in progress.
	Interrupted = errs.Class("interrupted")

	// NoSpace is returned when the placement layer cannot find room for
	// a new extent.
	NoSpace = errs.Class("no space")

	// Corrupt is returned for persistent data failing verification.
	Corrupt = errs.Class("corrupt")
)

// Assert panics when cond does not hold. It is used for preconditions whose
// violation is a caller bug, never for runtime failures.
func Assert(cond bool, msg string) {
	if !cond {
		log.Error().Str("assertion", msg).Msg("Invariant violated.")
		panic("assertion failed: " + msg)
	}
}

// Assertf is Assert with formatting.
func Assertf(cond bool, format string, args ...interface{}) {
	if !cond {
		Assert(false, fmt.Sprintf(format, args...))
	}
}
