// Package middleware wraps the pipes of a decrypt run with shared behaviour
// such as titles, skipping and error triage.
package middleware

import "github.com/blacktop/destringer/internal/pipeline/context"

// Action runs one step of a decrypt run against the shared context. Pipe
// Run methods satisfy it without knowing about the wrappers around them.
type Action func(ctx *context.Context) error
