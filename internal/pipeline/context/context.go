// Package context provides destringer context which is passed through the
// pipeline.
//
// The context extends the standard library context and add a few more
// fields and other things, so pipes can gather data provided by previous
// pipes without really knowing each other.
package context

import (
	stdctx "context"
	"fmt"
	"sync"
	"time"

	"github.com/blacktop/destringer/internal/config"
	"github.com/blacktop/destringer/pkg/harness"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/hashicorp/go-multierror"
)

// Result is the outcome of one decrypt call site.
type Result struct {
	Class   string `json:"class"`
	Method  string `json:"method"`
	Offset  int    `json:"offset"`
	Routine string `json:"routine"`
	Literal string `json:"literal"`
	Value   string `json:"value,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Stats accumulates what the pipes did.
type Stats struct {
	mu sync.Mutex

	Entries   int      `json:"entries"`
	Classes   int      `json:"classes"`
	Patched   int      `json:"patched"`
	Decrypted int      `json:"decrypted"`
	Failed    int      `json:"failed"`
	Results   []Result `json:"results,omitempty"`
}

// Add records r.
func (s *Stats) Add(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.Error != "" {
		s.Failed++
	} else {
		s.Decrypted++
	}
	s.Results = append(s.Results, r)
}

// Context carries along some data through the pipes.
type Context struct {
	stdctx.Context
	Config *config.Config
	// Input and Output are archive paths.
	Input  string
	Output string

	Entries []*jar.Entry
	Classes *jar.ClassPool
	Harness *harness.Harness

	Stats       *Stats
	Errors      *multierror.Error
	Parallelism int
	Date        time.Time
}

// New context.
func New(conf *config.Config) *Context {
	return Wrap(stdctx.Background(), conf)
}

// NewWithTimeout new context with the given timeout.
func NewWithTimeout(conf *config.Config, timeout time.Duration) (*Context, stdctx.CancelFunc) {
	ctx, cancel := stdctx.WithTimeout(stdctx.Background(), timeout)
	return Wrap(ctx, conf), cancel
}

// Wrap wraps an existing context.
func Wrap(ctx stdctx.Context, conf *config.Config) *Context {
	if conf == nil {
		conf = &config.Config{}
	}
	parallelism := conf.Decrypt.Parallelism
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Context{
		Context:     ctx,
		Config:      conf,
		Output:      conf.Decrypt.Output,
		Stats:       &Stats{},
		Parallelism: parallelism,
		Date:        time.Now(),
	}
}

// Fail records a non-fatal failure attributed to a location in the input.
func (ctx *Context) Fail(class, method string, offset int, err error) {
	ctx.Errors = multierror.Append(ctx.Errors, fmt.Errorf("%s.%s@%d: %w", class, method, offset, err))
}

// Failures returns the accumulated non-fatal failures, if any.
func (ctx *Context) Failures() error {
	return ctx.Errors.ErrorOrNil()
}
