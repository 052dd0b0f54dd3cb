// Package errhandler turns skip errors into log lines.
package errhandler

import (
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/internal/pipeline/middleware"
	"github.com/blacktop/destringer/internal/pipeline/pipe"
)

// Handle ignores and logs pipe skipped errors. Other errors are returned
// as is; when the run was interrupted the progress made so far is logged.
func Handle(action middleware.Action) middleware.Action {
	return func(ctx *context.Context) error {
		err := action(ctx)
		switch {
		case err == nil:
			return nil
		case pipe.IsSkip(err):
			log.WithField("reason", err.Error()).Warn("pipe skipped")
			return nil
		case ctx.Err() != nil:
			log.WithFields(log.Fields{
				"decrypted": ctx.Stats.Decrypted,
				"failed":    ctx.Stats.Failed,
			}).Warn("interrupted, nothing written")
		}
		return err
	}
}
