package skip

import (
	"testing"

	"github.com/blacktop/destringer/internal/config"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/stretchr/testify/assert"
)

type dryRunPipe struct{}

func (dryRunPipe) String() string                 { return "writing archive" }
func (dryRunPipe) Skip(ctx *context.Context) bool { return ctx.Config.Decrypt.DryRun }
func (dryRunPipe) Run(ctx *context.Context) error { return nil }

func TestMaybe(t *testing.T) {
	var ran int
	next := func(ctx *context.Context) error {
		ran++
		return nil
	}

	dry := context.New(&config.Config{Decrypt: config.Decrypt{DryRun: true}})
	assert.NoError(t, Maybe(dryRunPipe{}, next)(dry))
	assert.Zero(t, ran)

	assert.NoError(t, Maybe(dryRunPipe{}, next)(context.New(nil)))
	assert.Equal(t, 1, ran)

	// not a Skipper
	assert.NoError(t, Maybe(struct{}{}, next)(dry))
	assert.Equal(t, 2, ran)
}
