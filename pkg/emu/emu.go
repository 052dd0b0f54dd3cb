// Package emu runs methods of a single class file in an embedded interpreter
// for the subset of the JVM a string decrypt routine needs. Library classes
// are emulated natively and the runtime identity seen by the interpreted code
// (call stack, caller constant pool size, code source) is forged from Config.
package emu

import (
	"context"
	"errors"
	"fmt"

	"github.com/blacktop/destringer/pkg/classfile"
)

const (
	// DefaultMaxSteps bounds the instructions executed by one Invoke.
	DefaultMaxSteps = 5_000_000
	// DefaultMaxDepth bounds the interpreted call depth.
	DefaultMaxDepth = 256

	contextCheckInterval = 1024
)

var (
	// ErrTimeout is reported when the context is done before the call returns.
	ErrTimeout = errors.New("emulation timed out")
	// ErrStepLimit is reported when the instruction budget is exhausted.
	ErrStepLimit = errors.New("instruction budget exhausted")
	// ErrStackDepth is reported when the call depth limit is hit.
	ErrStackDepth = errors.New("call depth limit reached")
	// ErrUnsupported is reported for opcodes, library methods and fields the
	// interpreter does not emulate.
	ErrUnsupported = errors.New("unsupported")
	// ErrThrown is reported when a Java exception escapes the invoked method.
	ErrThrown = errors.New("uncaught exception")
	// ErrNoMethod is returned when the requested method does not exist.
	ErrNoMethod = errors.New("no such method")
	// ErrSpent is returned when an emulation is invoked a second time.
	ErrSpent = errors.New("emulation already used")
)

// StackFrame names a method on the forged call stack.
type StackFrame struct {
	Class  string `yaml:"class"`  // internal name, e.g. "a/b/C"
	Method string `yaml:"method"` // method name
}

// Config is a emulation configuration object
type Config struct {
	// CodeSource is the location reported by ProtectionDomain.getCodeSource.
	CodeSource string
	// Caller is the frame reported directly below the interpreted frames.
	Caller StackFrame
	// PoolSize is the constant_pool_count reported for the caller class.
	PoolSize int
	MaxSteps int
	MaxDepth int
	Verbose  bool
}

// Fault is an invocation failure attributed to the interpreted method and pc
// it happened at.
type Fault struct {
	Class  string
	Method string
	PC     int
	Reason string
	Err    error
}

func (f *Fault) Error() string {
	if f.Reason == "" {
		return fmt.Sprintf("%s.%s at pc %d: %v", f.Class, f.Method, f.PC, f.Err)
	}
	return fmt.Sprintf("%s.%s at pc %d: %s: %v", f.Class, f.Method, f.PC, f.Reason, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Emulation is a single-use execution context for one class.
type Emulation struct {
	class *classfile.ClassFile
	name  string
	conf  Config

	statics     map[string]Value
	initialized bool
	spent       bool

	mirrors  map[string]*Object
	thread   *Object
	interned map[string]*String
	hashes   map[any]int32
	decoded  map[*classfile.Code]map[int]classfile.Instruction

	ctx    context.Context
	frames []*frame
	steps  int
	where  *Fault
}

// Load parses data and returns an emulation for it.
func Load(data []byte, conf *Config) (*Emulation, error) {
	cf, err := classfile.Parse(data)
	if err != nil {
		return nil, err
	}
	return NewEmulation(cf, conf)
}

// NewEmulation creates a new emulation instance. The emulation takes ownership
// of cf.
func NewEmulation(cf *classfile.ClassFile, conf *Config) (*Emulation, error) {
	if cf == nil {
		return nil, errors.New("emu: nil class")
	}
	e := &Emulation{
		class:    cf,
		name:     cf.Name(),
		statics:  make(map[string]Value),
		mirrors:  make(map[string]*Object),
		interned: make(map[string]*String),
		hashes:   make(map[any]int32),
		decoded:  make(map[*classfile.Code]map[int]classfile.Instruction),
	}
	if conf != nil {
		e.conf = *conf
	}
	if e.conf.MaxSteps <= 0 {
		e.conf.MaxSteps = DefaultMaxSteps
	}
	if e.conf.MaxDepth <= 0 {
		e.conf.MaxDepth = DefaultMaxDepth
	}
	if e.name == "" {
		return nil, fmt.Errorf("emu: %w: unnamed class", classfile.ErrFormat)
	}
	for _, f := range cf.Fields {
		if !f.IsStatic() {
			continue
		}
		v, err := e.constantValue(f)
		if err != nil {
			return nil, err
		}
		e.statics[f.Name()] = v
	}
	return e, nil
}

// constantValue returns the initial value of a static field.
func (e *Emulation) constantValue(f *classfile.Member) (Value, error) {
	a := f.Attribute("ConstantValue")
	if a == nil || len(a.Info) != 2 {
		return zeroValue(f.Descriptor()), nil
	}
	v, err := e.class.Pool.Value(uint16(a.Info[0])<<8 | uint16(a.Info[1]))
	if err != nil {
		return nil, fmt.Errorf("emu: ConstantValue of %s: %w", f.Name(), err)
	}
	return e.constant(v), nil
}

// Close releases the emulation state.
func (e *Emulation) Close() error {
	e.spent = true
	e.statics = nil
	e.mirrors = nil
	e.interned = nil
	e.hashes = nil
	e.decoded = nil
	e.frames = nil
	return nil
}

// Class returns the loaded class.
func (e *Emulation) Class() *classfile.ClassFile { return e.class }

// Steps returns the number of instructions executed so far.
func (e *Emulation) Steps() int { return e.steps }

// Invoke runs the class initializer and then the static method name with
// descriptor desc. The emulation cannot be invoked again afterwards. Every
// failure of the interpreted code is returned as a *Fault.
func (e *Emulation) Invoke(ctx context.Context, name, desc string, args ...Value) (ret Value, err error) {
	if e.spent {
		return nil, ErrSpent
	}
	e.spent = true
	m := e.class.Method(name, desc)
	if m == nil || m.Code() == nil {
		return nil, fmt.Errorf("%w: %s.%s%s", ErrNoMethod, e.name, name, desc)
	}
	if !m.IsStatic() {
		return nil, fmt.Errorf("%w: %s.%s%s is not static", ErrUnsupported, e.name, name, desc)
	}
	e.ctx = ctx
	e.where = nil
	defer func() {
		if r := recover(); r != nil {
			err = e.fault(fmt.Errorf("%w: %v", ErrUnsupported, r))
			ret = nil
		}
	}()
	if err := e.initialize(); err != nil {
		return nil, e.fault(err)
	}
	ret, err = e.call(m, args)
	if err != nil {
		return nil, e.fault(err)
	}
	return ret, nil
}

func (e *Emulation) initialize() error {
	if e.initialized {
		return nil
	}
	e.initialized = true
	clinit := e.class.Method("<clinit>", "()V")
	if clinit == nil || clinit.Code() == nil {
		return nil
	}
	_, err := e.call(clinit, nil)
	return err
}

func (e *Emulation) fault(err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}
	f = &Fault{Class: e.name, Err: err}
	if e.where != nil {
		f.Class, f.Method, f.PC = e.where.Class, e.where.Method, e.where.PC
	}
	var t *thrown
	if errors.As(err, &t) {
		f.Reason = t.Error()
		f.Err = ErrThrown
	}
	return f
}

// at records where an unhandled error first surfaced.
func (e *Emulation) at(f *frame, pc int) {
	if e.where == nil {
		e.where = &Fault{Class: e.name, Method: f.method.Name(), PC: pc}
	}
}

// tick charges one instruction against the budget and polls the context.
func (e *Emulation) tick() error {
	e.steps++
	if e.steps > e.conf.MaxSteps {
		return fmt.Errorf("%w (%d)", ErrStepLimit, e.conf.MaxSteps)
	}
	if e.steps%contextCheckInterval == 0 && e.ctx != nil {
		select {
		case <-e.ctx.Done():
			return fmt.Errorf("%w: %w", ErrTimeout, e.ctx.Err())
		default:
		}
	}
	return nil
}

// trace returns the forged stack, innermost first: the interpreted frames
// followed by the configured caller.
func (e *Emulation) trace() []StackFrame {
	out := make([]StackFrame, 0, len(e.frames)+1)
	for i := len(e.frames) - 1; i >= 0; i-- {
		out = append(out, StackFrame{Class: e.name, Method: e.frames[i].method.Name()})
	}
	if e.conf.Caller.Class != "" {
		out = append(out, e.conf.Caller)
	}
	return out
}
