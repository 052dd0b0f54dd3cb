package emu

import (
	"fmt"
	"strings"

	"github.com/blacktop/destringer/pkg/classfile"
)

// Value is a JVM value: int32 (also boolean, byte, char and short), int64,
// float32, float64, or a reference (nil, *String, *Array, *Object).
type Value any

// String is a java/lang/String. Chars is set once by the constructor and
// never mutated afterwards.
type String struct {
	Chars []uint16
}

// NewString returns a string holding s.
func NewString(s string) *String { return &String{Chars: classfile.UTF16(s)} }

func (s *String) String() string { return classfile.UTF16String(s.Chars) }

// Array is a JVM array. Type is the component descriptor; elements of the
// int-like component types are stored as int32.
type Array struct {
	Type  string
	Elems []Value
}

func newArray(component string, n int) *Array {
	a := &Array{Type: component, Elems: make([]Value, n)}
	zero := zeroValue(component)
	for i := range a.Elems {
		a.Elems[i] = zero
	}
	return a
}

// Chars returns the elements of a char array.
func (a *Array) Chars() []uint16 {
	out := make([]uint16, len(a.Elems))
	for i, v := range a.Elems {
		c, _ := v.(int32)
		out[i] = uint16(c)
	}
	return out
}

// Bytes returns the elements of a byte array.
func (a *Array) Bytes() []byte {
	out := make([]byte, len(a.Elems))
	for i, v := range a.Elems {
		c, _ := v.(int32)
		out[i] = byte(c)
	}
	return out
}

func charArray(chars []uint16) *Array {
	a := &Array{Type: "C", Elems: make([]Value, len(chars))}
	for i, c := range chars {
		a.Elems[i] = int32(c)
	}
	return a
}

func byteArray(b []byte) *Array {
	a := &Array{Type: "B", Elems: make([]Value, len(b))}
	for i, c := range b {
		a.Elems[i] = int32(int8(c))
	}
	return a
}

// Object is an instance of the loaded class or of an emulated library class.
// Native holds the Go-side state of library objects.
type Object struct {
	Class  string
	Fields map[string]Value
	Native any
}

func (o *Object) String() string {
	return fmt.Sprintf("%s@%p", externalName(o.Class), o)
}

// retAddr is the value pushed by jsr.
type retAddr int

func zeroValue(desc string) Value {
	switch desc {
	case "Z", "B", "C", "S", "I":
		return int32(0)
	case "J":
		return int64(0)
	case "F":
		return float32(0)
	case "D":
		return float64(0)
	}
	return nil
}

// wide reports whether v takes two operand stack slots.
func wide(v Value) bool {
	switch v.(type) {
	case int64, float64:
		return true
	}
	return false
}

func externalName(internal string) string { return strings.ReplaceAll(internal, "/", ".") }

func internalName(external string) string { return strings.ReplaceAll(external, ".", "/") }

// describe renders a value for traces and faults.
func describe(v Value) string {
	switch v := v.(type) {
	case nil:
		return "null"
	case *String:
		return fmt.Sprintf("%q", v.String())
	case *Array:
		return fmt.Sprintf("%s[%d]", v.Type, len(v.Elems))
	case *Object:
		return v.String()
	}
	return fmt.Sprint(v)
}
