// Package write implements the pipe that emits the output archive.
package write

import (
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/internal/pipeline/pipe"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Pipe for write.
type Pipe struct{}

func (Pipe) String() string { return "writing archive" }

// Skip on dry runs.
func (Pipe) Skip(ctx *context.Context) bool { return ctx.Config.Decrypt.DryRun }

// Run writes every entry of the input, in order, to the output archive.
// Rewritten classes are serialized here, once; every other entry keeps its
// original bytes.
func (Pipe) Run(ctx *context.Context) error {
	if ctx.Output == "" {
		return pipe.Skipf("no output archive given for %s", ctx.Input)
	}
	w, err := jar.Create(ctx.Output)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", ctx.Output)
	}

	var size uint64
	for _, e := range ctx.Entries {
		out := e
		if c, ok := ctx.Classes.ForEntry(e); ok && c.Modified {
			data, err := c.File.Bytes()
			if err != nil {
				w.Close()
				return errors.Wrapf(err, "failed to serialize %s", c.Name())
			}
			out = &jar.Entry{Name: e.Name, Data: data, Header: e.Header}
		}
		if err := w.WriteEntry(out); err != nil {
			w.Close()
			return errors.Wrap(err, "failed to write archive")
		}
		size += uint64(len(out.Data))
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", ctx.Output)
	}

	log.WithFields(log.Fields{
		"entries": len(ctx.Entries),
		"patched": ctx.Stats.Patched,
		"size":    humanize.Bytes(size),
	}).Info(ctx.Output)
	return nil
}
