// Package harness runs the decrypt routine of an obfuscated class in
// isolation: the routine's class is lifted into a standalone copy, its caller
// checks are replaced by the values the genuine caller would produce, and the
// result is executed in a fresh single-use emulation.
package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/emu"
	"github.com/blacktop/destringer/pkg/match"
)

const (
	// DefaultTimeout bounds one decrypt call.
	DefaultTimeout = 5 * time.Second
	// DefaultCacheSize is the number of prepared classes kept.
	DefaultCacheSize = 256
)

// ErrIsolation is returned when a decrypt routine cannot be lifted, neutralized
// or loaded.
var ErrIsolation = errors.New("isolation failed")

// Config is a harness configuration object
type Config struct {
	// CodeSource is the location reported to the routine, usually the file:
	// URL of the input archive.
	CodeSource string
	Timeout    time.Duration
	MaxSteps   int
	CacheSize  int
	// Raw skips neutralization and relies on the forged runtime identity only.
	Raw     bool
	Verbose bool
}

// Harness prepares and executes decrypt routines.
type Harness struct {
	conf  Config
	cache *preparedCache
}

// New returns a harness for conf.
func New(conf *Config) (*Harness, error) {
	h := &Harness{}
	if conf != nil {
		h.conf = *conf
	}
	if h.conf.Timeout <= 0 {
		h.conf.Timeout = DefaultTimeout
	}
	if h.conf.CacheSize <= 0 {
		h.conf.CacheSize = DefaultCacheSize
	}
	cache, err := newPreparedCache(h.conf.CacheSize)
	if err != nil {
		return nil, err
	}
	h.cache = cache
	return h, nil
}

// Prepare returns the lifted and neutralized bytes of the decrypt routine
// method of cf as called from caller.
func (h *Harness) Prepare(cf *classfile.ClassFile, method string, caller Identity) ([]byte, error) {
	key := cacheKey{class: cf.Name(), method: method, caller: caller}
	if data, ok := h.cache.Get(key); ok {
		return data, nil
	}
	lifted, err := Lift(cf, method)
	if err != nil {
		return nil, err
	}
	if !h.conf.Raw {
		n, err := Neutralize(lifted, caller)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			if err := shrink(lifted); err != nil {
				return nil, err
			}
		}
	}
	data, err := lifted.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	h.cache.Add(key, data)
	return data, nil
}

// Forget drops the prepared copies of class. It must be called once class
// has been rewritten.
func (h *Harness) Forget(class string) {
	h.cache.Forget(class)
}

// Execute loads prepared class bytes into a fresh emulation and calls method
// with literal. Failures of the routine itself are returned as *emu.Fault.
func (h *Harness) Execute(ctx context.Context, data []byte, method string, caller Identity, literal []uint16) ([]uint16, error) {
	e, err := emu.Load(data, &emu.Config{
		CodeSource: h.conf.CodeSource,
		Caller:     emu.StackFrame{Class: caller.Class, Method: caller.Method},
		PoolSize:   caller.PoolSize,
		MaxSteps:   h.conf.MaxSteps,
		Verbose:    h.conf.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading prepared class: %w", ErrIsolation, err)
	}
	defer e.Close()

	ctx, cancel := context.WithTimeout(ctx, h.conf.Timeout)
	defer cancel()

	ret, err := e.Invoke(ctx, method, match.DecryptDescriptor, &emu.String{Chars: literal})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"class":  e.Class().Name(),
		"method": method,
		"steps":  e.Steps(),
	}).Debug("decrypt routine returned")
	s, ok := ret.(*emu.String)
	if !ok {
		return nil, &emu.Fault{Class: e.Class().Name(), Method: method, Reason: "routine did not return a string", Err: emu.ErrUnsupported}
	}
	return s.Chars, nil
}

// Decrypt prepares the routine method of cf and executes it on literal as if
// called from caller.
func (h *Harness) Decrypt(ctx context.Context, cf *classfile.ClassFile, method string, caller Identity, literal []uint16) ([]uint16, error) {
	data, err := h.Prepare(cf, method, caller)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, data, method, caller, literal)
}

func externalName(internal string) string { return strings.ReplaceAll(internal, "/", ".") }
