package emu

import (
	"fmt"

	"github.com/blacktop/destringer/pkg/classfile"
)

// frame is the activation record of one interpreted method.
type frame struct {
	method *classfile.Member
	code   *classfile.Code
	locals []Value
	stack  []Value
	pc     int
}

// verifyError is raised (as a panic) when the interpreted code uses a value
// of the wrong kind. Invoke recovers it into a Fault.
type verifyError struct {
	pc  int
	msg string
}

func (v verifyError) Error() string { return fmt.Sprintf("pc %d: %s", v.pc, v.msg) }

func (f *frame) fail(format string, args ...any) {
	panic(verifyError{pc: f.pc, msg: fmt.Sprintf(format, args...)})
}

func (f *frame) push(v Value) { f.stack = append(f.stack, v) }

func (f *frame) pop() Value {
	if len(f.stack) == 0 {
		f.fail("operand stack underflow")
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v
}

func (f *frame) peek() Value {
	if len(f.stack) == 0 {
		f.fail("operand stack underflow")
	}
	return f.stack[len(f.stack)-1]
}

// popN pops n values and returns them in push order.
func (f *frame) popN(n int) []Value {
	if len(f.stack) < n {
		f.fail("operand stack underflow")
	}
	out := make([]Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

func popAs[T any](f *frame) T {
	v := f.pop()
	t, ok := v.(T)
	if !ok {
		var zero T
		f.fail("expected %T on the operand stack, found %T", zero, v)
	}
	return t
}

func (f *frame) popInt() int32      { return popAs[int32](f) }
func (f *frame) popLong() int64     { return popAs[int64](f) }
func (f *frame) popFloat() float32  { return popAs[float32](f) }
func (f *frame) popDouble() float64 { return popAs[float64](f) }
func (f *frame) popRef() Value {
	v := f.pop()
	switch v.(type) {
	case nil, *String, *Array, *Object, retAddr:
		return v
	}
	f.fail("expected a reference on the operand stack, found %T", v)
	return nil
}

func (f *frame) load(i uint16) Value {
	if int(i) >= len(f.locals) {
		f.fail("local %d out of range", i)
	}
	return f.locals[i]
}

func (f *frame) store(i uint16, v Value) {
	if int(i) >= len(f.locals) || wide(v) && int(i)+1 >= len(f.locals) {
		f.fail("local %d out of range", i)
	}
	f.locals[i] = v
	if wide(v) {
		f.locals[i+1] = nil
	}
}

// span returns how many entries from the top (after skipping skip entries)
// make up the given number of stack slots.
func (f *frame) span(skip, slots int) int {
	n := 0
	for i := len(f.stack) - 1 - skip; slots > 0; i-- {
		if i < 0 {
			f.fail("operand stack underflow")
		}
		if wide(f.stack[i]) {
			slots -= 2
		} else {
			slots--
		}
		n++
	}
	if slots < 0 {
		f.fail("instruction splits a category 2 value")
	}
	return n
}

// dup copies the values making up the top dupSlots slots and inserts the
// copy below the next skipSlots slots.
func (f *frame) dup(dupSlots, skipSlots int) {
	n := f.span(0, dupSlots)
	m := 0
	if skipSlots > 0 {
		m = f.span(n, skipSlots)
	}
	top := append([]Value(nil), f.stack[len(f.stack)-n:]...)
	at := len(f.stack) - n - m
	f.stack = append(f.stack[:at], append(top, f.stack[at:]...)...)
}

func (f *frame) drop(slots int) {
	f.stack = f.stack[:len(f.stack)-f.span(0, slots)]
}
