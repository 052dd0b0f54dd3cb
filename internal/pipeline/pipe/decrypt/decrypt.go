// Package decrypt implements the pipe that replaces every decrypt call site
// with the plaintext literal it evaluates to.
package decrypt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/apex/log"
	"github.com/blacktop/destringer/internal/colors"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/internal/pipeline/pipe/archive"
	"github.com/blacktop/destringer/internal/utils"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/emu"
	"github.com/blacktop/destringer/pkg/harness"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/blacktop/destringer/pkg/patch"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// ErrNoRoutine is recorded when a call site names a class that is not in the
// archive.
var ErrNoRoutine = errors.New("decrypt routine not found")

// Pipe for decrypt.
type Pipe struct{}

func (Pipe) String() string { return "decrypting strings" }

// Skip when no class may call a decrypt routine.
func (Pipe) Skip(ctx *context.Context) bool { return ctx.Classes == nil || ctx.Classes.Len() == 0 }

// Run decrypts the classes in archive order. Cancellation is checked before
// each class.
func (Pipe) Run(ctx *context.Context) error {
	if ctx.Harness == nil {
		return fmt.Errorf("decrypt: no harness configured")
	}

	var (
		p   *mpb.Progress
		bar *mpb.Bar
	)
	if ctx.Config.Decrypt.Progress {
		p = mpb.New(
			mpb.WithWidth(60),
			mpb.WithRefreshRate(180*time.Millisecond),
		)
		bar = p.AddBar(int64(ctx.Classes.Len()),
			mpb.PrependDecorators(
				decor.Name("classes "),
				decor.CountersNoUnit("%d / %d"),
			),
			mpb.AppendDecorators(
				decor.Percentage(decor.WCSyncSpace),
				decor.Name(" ] "),
				decor.OnComplete(decor.Spinner(nil), "✅"),
			),
		)
	}

	var err error
	for _, c := range ctx.Classes.Classes() {
		if err = ctx.Err(); err != nil {
			break
		}
		if err = decryptClass(ctx, c); err != nil {
			break
		}
		if bar != nil {
			bar.Increment()
		}
	}
	if p != nil {
		if err != nil {
			bar.Abort(false)
		}
		p.Wait()
	}
	if err != nil {
		return err
	}

	log.Infof("decrypted %d strings", ctx.Stats.Decrypted)
	if ctx.Stats.Failed > 0 {
		log.WithField("failed", ctx.Stats.Failed).Warn("some call sites were left encrypted")
	}
	return nil
}

// classRun holds the outcomes of one class until its edits are kept or
// dropped.
type classRun struct {
	ctx     *context.Context
	c       *jar.Class
	results []context.Result
}

func decryptClass(ctx *context.Context, c *jar.Class) error {
	run := &classRun{ctx: ctx, c: c}
	edits := 0
	for _, m := range c.File.Methods {
		code := m.Code()
		if code == nil {
			continue
		}
		n, err := run.method(m, code)
		if err != nil {
			var serr *patch.StructuralError
			if !errors.As(err, &serr) {
				return err
			}
			ctx.Fail(c.Name(), m.Name(), serr.Offset, err)
			return run.abandon(err)
		}
		edits += n
	}
	if edits > 0 {
		if err := classfile.Shrink(c.File); errors.Is(err, classfile.ErrUnknownAttribute) {
			log.WithError(err).WithField("class", c.Name()).Warn("leaving constant pool unshrunk")
		} else if err != nil {
			ctx.Fail(c.Name(), "", 0, err)
			return run.abandon(err)
		}
		c.Modified = true
		ctx.Stats.Patched++
		ctx.Harness.Forget(c.Name())
	}
	for _, res := range run.results {
		ctx.Stats.Add(res)
	}
	return nil
}

// abandon drops every edit made to the class by re-reading its original bytes.
// Values already decrypted in it are reported as failed.
func (r *classRun) abandon(cause error) error {
	log.WithError(cause).WithField("class", r.c.Name()).Warn("leaving class unchanged")
	for _, res := range r.results {
		if res.Error == "" {
			res.Value = ""
			res.Error = "class left unchanged: " + cause.Error()
		}
		r.ctx.Stats.Add(res)
	}
	cf, err := classfile.Parse(r.c.Entry.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", r.c.Entry.Name, err)
	}
	r.c.File = cf
	r.c.Modified = false
	return nil
}

func (r *classRun) method(m *classfile.Member, code *classfile.Code) (int, error) {
	pool := r.c.File.Pool
	ed, err := patch.New(pool, code)
	if err != nil {
		return 0, &patch.StructuralError{Reason: err.Error()}
	}
	caller := harness.Identity{Class: r.c.Name(), Method: m.Name(), PoolSize: r.c.PoolCount}

	n := 0
	for site := range match.Scan(ed.Instructions(), pool, match.DecryptCall, match.WithBarriers(code)) {
		ok, err := r.site(ed, caller, &site)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	if err := ed.Commit(); err != nil {
		var serr *patch.StructuralError
		if !errors.As(err, &serr) {
			err = &patch.StructuralError{Reason: err.Error()}
		}
		return 0, err
	}
	return n, nil
}

// site runs the routine named by a call site and stages the rewrite. Failures
// of the routine are recorded and leave the call site as is.
func (r *classRun) site(ed *patch.Editor, caller harness.Identity, site *match.Match) (bool, error) {
	routine, _ := site.Text(match.BindClass)
	method, _ := site.Text(match.BindMethod)
	literal, _ := site.Chars(match.BindLiteral)
	ldc, call := site.Instructions[0], site.Instructions[1]

	res := context.Result{
		Class:   r.c.Name(),
		Method:  caller.Method,
		Offset:  ldc.Offset,
		Routine: routine + "." + method,
		Literal: classfile.UTF16String(literal),
	}
	fail := func(err error) (bool, error) {
		res.Error = err.Error()
		r.results = append(r.results, res)
		r.ctx.Fail(r.c.Name(), caller.Method, ldc.Offset, err)
		log.WithFields(log.Fields{
			"class":   r.c.Name(),
			"method":  caller.Method,
			"routine": res.Routine,
		}).WithError(err).Debug("decryption failed")
		if dir := r.ctx.Config.Decrypt.StateDir; dir != "" {
			if err := r.saveState(dir, routine, method, caller, ldc.Offset, literal); err != nil {
				log.WithError(err).Warn("failed to save state")
			}
		}
		return false, nil
	}

	owner, ok := r.ctx.Classes.Lookup(routine)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrNoRoutine, routine))
	}
	value, err := r.ctx.Harness.Decrypt(r.ctx, owner.File, method, caller, literal)
	if err != nil {
		return fail(err)
	}

	idx, err := r.c.File.Pool.AddStringChars(value)
	if err != nil {
		return false, &patch.StructuralError{Offset: ldc.Offset, Reason: err.Error()}
	}
	if err := ed.Replace(ldc.Offset, classfile.Ldc(idx)); err != nil {
		return false, err
	}
	if err := ed.Delete(call.Offset); err != nil {
		return false, err
	}

	res.Value = classfile.UTF16String(value)
	r.results = append(r.results, res)
	utils.Indent(log.WithFields(log.Fields{
		"class":   r.c.Name(),
		"method":  caller.Method,
		"literal": utils.Quote(res.Literal),
	}).Info, 3)(colors.Value().Sprint(utils.Quote(res.Value)))
	return true, nil
}

// saveState writes the failed call as a state file the emu command replays.
func (r *classRun) saveState(dir, routine, method string, caller harness.Identity, offset int, literal []uint16) error {
	codeSource, err := archive.CodeSource(r.ctx.Input)
	if err != nil {
		return err
	}
	state := &emu.State{
		Class:      routine,
		Method:     method,
		Descriptor: match.DecryptDescriptor,
		Caller:     emu.StackFrame{Class: caller.Class, Method: caller.Method},
		PoolSize:   caller.PoolSize,
		CodeSource: codeSource,
	}
	state.AddArg("Ljava/lang/Object;", &emu.String{Chars: literal})

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := filepath.Join(dir, fmt.Sprintf("%s.%s@%d.yaml", utils.ExternalName(caller.Class), caller.Method, offset))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	defer f.Close()
	return state.DumpYaml(f)
}
