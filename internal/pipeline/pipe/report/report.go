// Package report implements the pipe that writes the JSON report.
package report

import (
	"encoding/json"
	"os"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/pkg/errors"
)

// Pipe for report.
type Pipe struct{}

func (Pipe) String() string                 { return "writing report" }
func (Pipe) Skip(ctx *context.Context) bool { return ctx.Config.Decrypt.JSON == "" }

// Run writes the accumulated stats as JSON. "-" writes to stdout.
func (Pipe) Run(ctx *context.Context) error {
	report := struct {
		Input  string         `json:"input"`
		Output string         `json:"output,omitempty"`
		Date   string         `json:"date"`
		Stats  *context.Stats `json:"stats"`
	}{
		Input: ctx.Input,
		Date:  ctx.Date.UTC().Format("2006-01-02T15:04:05Z"),
		Stats: ctx.Stats,
	}
	if !ctx.Config.Decrypt.DryRun {
		report.Output = ctx.Output
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}
	data = append(data, '\n')

	path := ctx.Config.Decrypt.JSON
	if path == "-" {
		if colors.Enabled() {
			return quick.Highlight(os.Stdout, string(data), "json", "terminal256", "nord")
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write report %s", path)
	}
	log.WithField("results", len(ctx.Stats.Results)).Info(path)
	return nil
}
