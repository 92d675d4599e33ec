package panicerr

import (
	"context"
	"log/slog"

	"github.com/sourcegraph/conc/panics"
)

// SafeContext wraps a function so that panics are caught and returned as an error.
// Used for background loops whose crash must not take the process down.
func SafeContext(fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		var (
			catcher panics.Catcher
			err     error
		)
		catcher.Try(func() {
			err = fn(ctx)
		})
		if err != nil {
			return err
		}
		return catcher.Recovered().AsError()
	}
}

// Go runs fn on a new goroutine, logging any panic or returned error.
func Go(ctx context.Context, name string, fn func(context.Context) error) {
	safe := SafeContext(fn)
	go func() {
		if err := safe(ctx); err != nil {
			slog.Error("background goroutine failed", "name", name, "error", err)
		}
	}()
}
