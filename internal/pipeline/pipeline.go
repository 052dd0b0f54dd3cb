// Package pipeline provides the sequence of pipes a decrypt run goes through.
package pipeline

import (
	"fmt"

	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/internal/pipeline/middleware/errhandler"
	"github.com/blacktop/destringer/internal/pipeline/middleware/logging"
	"github.com/blacktop/destringer/internal/pipeline/middleware/skip"
	"github.com/blacktop/destringer/internal/pipeline/pipe/archive"
	"github.com/blacktop/destringer/internal/pipeline/pipe/decrypt"
	"github.com/blacktop/destringer/internal/pipeline/pipe/report"
	"github.com/blacktop/destringer/internal/pipeline/pipe/write"
)

// Piper defines a pipe, which can be part of a pipeline (a series of pipes).
type Piper interface {
	fmt.Stringer

	// Run the pipe
	Run(ctx *context.Context) error
}

// Pipeline contains all pipe implementations in order.
// nolint: gochecknoglobals
var Pipeline = []Piper{
	archive.Pipe{}, // read the input archive and parse candidate classes
	decrypt.Pipe{}, // rewrite decrypt call sites
	write.Pipe{},   // emit the output archive
	report.Pipe{},  // write the json report
}

// Run runs every pipe of the pipeline and returns the accumulated stats.
// Failures of single call sites do not stop the run; they are kept in
// ctx.Errors.
func Run(ctx *context.Context) (*context.Stats, error) {
	for _, pipe := range Pipeline {
		if err := logging.Log(
			pipe.String(),
			errhandler.Handle(skip.Maybe(pipe, pipe.Run)),
		)(ctx); err != nil {
			return ctx.Stats, err
		}
	}
	return ctx.Stats, nil
}
