// Package logging prints a title line for every pipe and indents what the
// pipe logs underneath it.
package logging

import (
	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/internal/pipeline/middleware"
)

// Padding used by the cli handler.
const (
	DefaultInitialPadding = 3
	ExtraPadding          = DefaultInitialPadding * 2
)

// Log pretty prints the given action and its title.
func Log(title string, next middleware.Action) middleware.Action {
	return func(ctx *context.Context) error {
		defer func() {
			cli.Default.Padding = DefaultInitialPadding
		}()
		cli.Default.Padding = DefaultInitialPadding
		log.Info(colors.Bold().Sprint(title))
		cli.Default.Padding = ExtraPadding
		return next(ctx)
	}
}
