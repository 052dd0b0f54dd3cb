// Package archive implements the pipe that reads the input archive and parses
// the classes that may call a decrypt routine.
package archive

import (
	"net/url"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/pkg/harness"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Pipe for archive.
type Pipe struct{}

func (Pipe) String() string {
	return "reading archive"
}

// Run the pipe.
func (Pipe) Run(ctx *context.Context) error {
	r, err := jar.Open(ctx.Input)
	if err != nil {
		return err
	}
	defer r.Close()

	entries, err := r.Entries()
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", ctx.Input)
	}
	var size uint64
	for _, e := range entries {
		size += uint64(len(e.Data))
	}
	ctx.Entries = entries
	ctx.Stats.Entries = len(entries)

	classes, err := jar.LoadClasses(ctx, entries, ctx.Parallelism)
	if err != nil {
		return errors.Wrapf(err, "failed to load classes from %s", ctx.Input)
	}
	ctx.Classes = classes
	ctx.Stats.Classes = classes.Len()

	log.WithFields(log.Fields{
		"entries":    len(entries),
		"size":       humanize.Bytes(size),
		"candidates": classes.Len(),
	}).Info(filepath.Base(ctx.Input))

	if ctx.Harness == nil {
		codeSource, err := CodeSource(ctx.Input)
		if err != nil {
			return err
		}
		conf := ctx.Config.Decrypt
		ctx.Harness, err = harness.New(&harness.Config{
			CodeSource: codeSource,
			Timeout:    conf.Timeout,
			MaxSteps:   conf.MaxSteps,
			CacheSize:  conf.CacheSize,
			Raw:        conf.Raw,
			Verbose:    conf.Trace,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// CodeSource returns the file: URL a class loaded from path reports as its
// code source location.
func CodeSource(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	u := url.URL{Path: p}
	return "file:" + u.EscapedPath(), nil
}
