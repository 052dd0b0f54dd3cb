// Package match finds instruction sequences described by declarative
// templates in decoded method bodies.
package match

import (
	"fmt"
	"iter"
	"reflect"
	"slices"
	"strings"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
)

type classKind uint8

const (
	kindExact classKind = iota
	kindLoad
	kindPushInt
	kindLoadConst
)

// OpClass selects the instructions a step accepts.
type OpClass struct {
	kind classKind
	code op.Code
}

// Op accepts exactly one opcode.
func Op(c op.Code) OpClass { return OpClass{kind: kindExact, code: c} }

var (
	// ALoad accepts aload and aload_<n>; the operand is the local index.
	ALoad = OpClass{kind: kindLoad, code: op.Aload}
	// ILoad accepts iload and iload_<n>.
	ILoad = OpClass{kind: kindLoad, code: op.Iload}
	// PushInt accepts iconst_<n>, bipush, sipush and ldc of an Integer; the
	// operand is the pushed int32.
	PushInt = OpClass{kind: kindPushInt}
	// LoadConst accepts ldc and ldc_w; the operand is the resolved constant.
	LoadConst = OpClass{kind: kindLoadConst}
)

func (c OpClass) String() string {
	switch c.kind {
	case kindLoad:
		return c.code.String() + "*"
	case kindPushInt:
		return "pushint"
	case kindLoadConst:
		return "ldc*"
	}
	return c.code.String()
}

func (c OpClass) accepts(ins *classfile.Instruction, pool *classfile.ConstantPool) bool {
	switch c.kind {
	case kindExact:
		return ins.Op == c.code
	case kindLoad:
		base, _, short := ins.Op.Implicit()
		return ins.Op == c.code || short && base == c.code
	case kindPushInt:
		_, ok := ins.IntValue(pool)
		return ok
	case kindLoadConst:
		return ins.Op == op.Ldc || ins.Op == op.LdcW
	}
	return false
}

type operandKind uint8

const (
	operandAny operandKind = iota
	operandExact
	operandOneOf
	operandBind
	operandRef
)

// Operand constrains the resolved operand of a matched instruction.
type Operand struct {
	kind    operandKind
	values  []any
	name    string
	strOnly bool
	owner   *Operand
	member  *Operand
	desc    *Operand
}

// Any accepts every operand.
func Any() Operand { return Operand{} }

// Exact accepts one value. Strings compare equal to string constants.
func Exact(v any) Operand { return Operand{kind: operandExact, values: []any{v}} }

// OneOf accepts any of the given values.
func OneOf(v ...any) Operand { return Operand{kind: operandOneOf, values: v} }

// Bind captures the operand under name on first use; later uses within the
// same window must resolve to the same value.
func Bind(name string) Operand { return Operand{kind: operandBind, name: name} }

// BindString is Bind restricted to string constants.
func BindString(name string) Operand { return Operand{kind: operandBind, name: name, strOnly: true} }

// Ref matches a field or method reference component-wise.
func Ref(owner, name, desc Operand) Operand {
	return Operand{kind: operandRef, owner: &owner, member: &name, desc: &desc}
}

// Method is Ref with exact components.
func Method(owner, name, desc string) Operand {
	return Ref(Exact(owner), Exact(name), Exact(desc))
}

// Step is one instruction shape.
type Step struct {
	Op  OpClass
	Arg Operand
}

// Template is an anchored, contiguous instruction sequence.
type Template struct {
	Name  string
	Steps []Step
}

// Binding is a captured operand. Index is the constant pool index the value
// was resolved from (0 for immediates and locals).
type Binding struct {
	Index uint16
	Value any
}

// Match is one successful template application.
type Match struct {
	Template     *Template
	Bindings     map[string]Binding
	Start        int // offset of the first instruction
	End          int // offset after the last instruction
	Instructions []classfile.Instruction
}

// Text returns a bound string value.
func (m *Match) Text(name string) (string, bool) {
	b, ok := m.Bindings[name]
	if !ok {
		return "", false
	}
	switch v := b.Value.(type) {
	case string:
		return v, true
	case []uint16:
		return classfile.UTF16String(v), true
	}
	return "", false
}

// Chars returns a bound string constant as UTF-16 code units.
func (m *Match) Chars(name string) ([]uint16, bool) {
	b, ok := m.Bindings[name]
	if !ok {
		return nil, false
	}
	v, ok := b.Value.([]uint16)
	return v, ok
}

type options struct {
	barriers *classfile.Code
}

// Option configures Scan.
type Option func(*options)

// WithBarriers rejects windows that contain a branch target or an exception
// handler entry after their first instruction, since such a window is not a
// straight-line sequence.
func WithBarriers(code *classfile.Code) Option {
	return func(o *options) { o.barriers = code }
}

// Scan lazily yields the matches of templates over insns. At every anchor the
// templates are tried in order and the first complete match wins; scanning
// resumes after the matched window. The sequence may be iterated repeatedly.
func Scan(insns []classfile.Instruction, pool *classfile.ConstantPool, templates []*Template, opts ...Option) iter.Seq[Match] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return func(yield func(Match) bool) {
		var barriers map[int]bool
		if o.barriers != nil {
			barriers = make(map[int]bool)
			for i := range insns {
				for _, t := range insns[i].BranchTargets() {
					barriers[t] = true
				}
			}
			for _, h := range o.barriers.ExceptionTable {
				barriers[int(h.HandlerPC)] = true
			}
		}
	anchors:
		for i := 0; i < len(insns); {
			for _, t := range templates {
				m, ok := try(t, insns[i:], pool, barriers)
				if !ok {
					continue
				}
				if !yield(m) {
					return
				}
				i += len(t.Steps)
				continue anchors
			}
			i++
		}
	}
}

func try(t *Template, window []classfile.Instruction, pool *classfile.ConstantPool, barriers map[int]bool) (Match, bool) {
	if len(t.Steps) == 0 || len(window) < len(t.Steps) {
		return Match{}, false
	}
	bindings := make(map[string]Binding)
	for n, step := range t.Steps {
		ins := &window[n]
		if n > 0 && barriers[ins.Offset] {
			return Match{}, false
		}
		if !step.Op.accepts(ins, pool) {
			return Match{}, false
		}
		if step.Arg.kind == operandAny {
			continue
		}
		index, value, ok := resolve(step.Op, ins, pool)
		if !ok || !step.Arg.check(index, value, bindings) {
			return Match{}, false
		}
	}
	last := &window[len(t.Steps)-1]
	return Match{
		Template:     t,
		Bindings:     bindings,
		Start:        window[0].Offset,
		End:          last.Next(),
		Instructions: slices.Clone(window[:len(t.Steps)]),
	}, true
}

// resolve returns the value an operand constraint is checked against.
func resolve(c OpClass, ins *classfile.Instruction, pool *classfile.ConstantPool) (uint16, any, bool) {
	switch c.kind {
	case kindLoad:
		if _, local, short := ins.Op.Implicit(); short {
			return 0, local, true
		}
		return 0, ins.Local, true
	case kindPushInt:
		v, ok := ins.IntValue(pool)
		return 0, v, ok
	}
	switch ins.Op.Operand() {
	case op.Byte, op.Short:
		return 0, ins.Const, true
	case op.Local, op.Increment:
		return 0, ins.Local, true
	case op.ArrayType:
		return 0, ins.AType, true
	}
	if !ins.Op.UsesPool() {
		return 0, nil, false
	}
	switch ins.Op {
	case op.Ldc, op.LdcW, op.Ldc2W:
		v, err := pool.Value(ins.Index)
		return ins.Index, v, err == nil
	case op.New, op.Anewarray, op.Checkcast, op.Instanceof, op.Multianewarray:
		v, err := pool.ClassName(ins.Index)
		return ins.Index, v, err == nil
	case op.Invokedynamic:
		c, err := pool.Get(ins.Index)
		if err != nil {
			return 0, nil, false
		}
		d, ok := c.(*classfile.Dynamic)
		if !ok {
			return 0, nil, false
		}
		name, desc, err := pool.NameAndType(d.NameAndTypeIndex)
		return ins.Index, classfile.Ref{Kind: d.Kind, Name: name, Descriptor: desc}, err == nil
	}
	v, err := pool.Ref(ins.Index)
	return ins.Index, v, err == nil
}

func (o *Operand) check(index uint16, value any, bindings map[string]Binding) bool {
	switch o.kind {
	case operandAny:
		return true
	case operandExact, operandOneOf:
		return slices.ContainsFunc(o.values, func(v any) bool { return equal(v, value) })
	case operandBind:
		if o.strOnly {
			if _, ok := value.([]uint16); !ok {
				return false
			}
		}
		if b, ok := bindings[o.name]; ok {
			return equal(b.Value, value)
		}
		bindings[o.name] = Binding{Index: index, Value: value}
		return true
	case operandRef:
		r, ok := value.(classfile.Ref)
		if !ok {
			return false
		}
		return o.owner.check(index, r.Owner, bindings) &&
			o.member.check(index, r.Name, bindings) &&
			o.desc.check(index, r.Descriptor, bindings)
	}
	return false
}

func equal(a, b any) bool {
	if s, ok := a.(string); ok {
		if c, ok := b.([]uint16); ok {
			return classfile.UTF16String(c) == s
		}
	}
	if s, ok := b.(string); ok {
		if c, ok := a.([]uint16); ok {
			return classfile.UTF16String(c) == s
		}
	}
	if x, ok := a.([]uint16); ok {
		y, ok := b.([]uint16)
		return ok && slices.Equal(x, y)
	}
	if x, ok := asInt(a); ok {
		y, ok := asInt(b)
		return ok && x == y
	}
	return reflect.DeepEqual(a, b)
}

// asInt widens any integer kind so that Exact(2) matches an int32 or a
// uint16 local index alike.
func asInt(v any) (int64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	}
	return 0, false
}

func (t *Template) String() string {
	parts := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		parts[i] = s.Op.String()
	}
	return fmt.Sprintf("%s[%s]", t.Name, strings.Join(parts, " "))
}
