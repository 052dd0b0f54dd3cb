// Package skip lets a pipe sit out a decrypt run it has no work in.
package skip

import (
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/internal/pipeline/middleware"
)

// Skipper is a pipe that is idle for some runs, like the writer on a dry run
// or the report without a destination.
type Skipper interface {
	Skip(ctx *context.Context) bool
	fmt.Stringer
}

// Maybe wraps next so that it does not run when p is a Skipper that declines
// ctx. Pipes that are not Skippers always run.
func Maybe(p any, next middleware.Action) middleware.Action {
	skipper, ok := p.(Skipper)
	if !ok {
		return next
	}
	return func(ctx *context.Context) error {
		if !skipper.Skip(ctx) {
			return next(ctx)
		}
		log.WithFields(log.Fields{
			"pipe":    skipper.String(),
			"dry_run": ctx.Config.Decrypt.DryRun,
		}).Debug("nothing to do")
		return nil
	}
}
