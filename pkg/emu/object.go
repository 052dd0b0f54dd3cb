package emu

import (
	"fmt"
	"slices"
	"strings"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
)

// superclasses is the hierarchy of the emulated library classes.
var superclasses = map[string]string{
	"java/lang/String":                          "java/lang/Object",
	"java/lang/Class":                           "java/lang/Object",
	"java/lang/Thread":                          "java/lang/Object",
	"java/lang/StackTraceElement":               "java/lang/Object",
	"java/lang/AbstractStringBuilder":           "java/lang/Object",
	"java/lang/StringBuilder":                   "java/lang/AbstractStringBuilder",
	"java/lang/StringBuffer":                    "java/lang/AbstractStringBuilder",
	"java/lang/Number":                          "java/lang/Object",
	"java/lang/Integer":                         "java/lang/Number",
	"java/lang/Long":                            "java/lang/Number",
	"java/lang/Character":                       "java/lang/Object",
	"java/util/AbstractMap":                     "java/lang/Object",
	"java/util/HashMap":                         "java/util/AbstractMap",
	"java/security/ProtectionDomain":            "java/lang/Object",
	"java/security/CodeSource":                  "java/lang/Object",
	"java/net/URL":                              "java/lang/Object",
	"sun/misc/JavaLangAccess":                   "java/lang/Object",
	"sun/reflect/ConstantPool":                  "java/lang/Object",
	"java/lang/Throwable":                       "java/lang/Object",
	"java/lang/Exception":                       "java/lang/Throwable",
	"java/lang/Error":                           "java/lang/Throwable",
	"java/lang/RuntimeException":                "java/lang/Exception",
	"java/lang/ReflectiveOperationException":    "java/lang/Exception",
	"java/lang/ClassNotFoundException":          "java/lang/ReflectiveOperationException",
	"java/lang/ArithmeticException":             "java/lang/RuntimeException",
	"java/lang/NullPointerException":            "java/lang/RuntimeException",
	"java/lang/ClassCastException":              "java/lang/RuntimeException",
	"java/lang/IllegalArgumentException":        "java/lang/RuntimeException",
	"java/lang/NumberFormatException":           "java/lang/IllegalArgumentException",
	"java/lang/IllegalStateException":           "java/lang/RuntimeException",
	"java/lang/NegativeArraySizeException":      "java/lang/RuntimeException",
	"java/lang/UnsupportedOperationException":   "java/lang/RuntimeException",
	"java/lang/IndexOutOfBoundsException":       "java/lang/RuntimeException",
	"java/lang/ArrayIndexOutOfBoundsException":  "java/lang/IndexOutOfBoundsException",
	"java/lang/StringIndexOutOfBoundsException": "java/lang/IndexOutOfBoundsException",
	"java/io/IOException":                       "java/lang/Exception",
	"java/io/UnsupportedEncodingException":      "java/io/IOException",
}

// interfaces lists the library interfaces each emulated class implements.
var interfaces = map[string][]string{
	"java/lang/String":                {"java/lang/CharSequence", "java/lang/Comparable", "java/io/Serializable"},
	"java/lang/AbstractStringBuilder": {"java/lang/CharSequence", "java/lang/Appendable"},
	"java/util/HashMap":               {"java/util/Map", "java/lang/Cloneable", "java/io/Serializable"},
	"java/lang/Throwable":             {"java/io/Serializable"},
	"java/lang/Number":                {"java/io/Serializable"},
}

// thrown carries a Java exception object through Go error returns.
type thrown struct {
	obj *Object
}

func (t *thrown) Error() string {
	msg := ""
	if th, ok := t.obj.Native.(*throwable); ok && th.message != nil {
		msg = ": " + th.message.String()
	}
	return externalName(t.obj.Class) + msg
}

type throwable struct {
	message *String
	trace   []StackFrame
}

// throw builds an exception of class with message and returns it as an error.
func (e *Emulation) throw(class, message string) error {
	th := &throwable{trace: e.trace()}
	if message != "" {
		th.message = NewString(message)
	}
	return &thrown{obj: &Object{Class: class, Native: th}}
}

// super returns the superclass of an interpreted or emulated class.
func (e *Emulation) super(class string) (string, bool) {
	if class == e.name {
		s := e.class.SuperName()
		return s, s != ""
	}
	s, ok := superclasses[class]
	return s, ok
}

// ancestors returns class and its superclasses, nearest first.
func (e *Emulation) ancestors(class string) []string {
	out := []string{class}
	for c := class; ; {
		s, ok := e.super(c)
		if !ok || slices.Contains(out, s) {
			return out
		}
		out = append(out, s)
		c = s
	}
}

func (e *Emulation) assignable(from, to string) bool {
	if to == "java/lang/Object" {
		return true
	}
	for _, c := range e.ancestors(from) {
		if c == to || slices.Contains(interfaces[c], to) {
			return true
		}
	}
	return false
}

// runtimeClass returns the internal class name of a reference.
func (e *Emulation) runtimeClass(v Value) string {
	switch v := v.(type) {
	case *String:
		return "java/lang/String"
	case *Array:
		return "[" + v.Type
	case *Object:
		return v.Class
	}
	return "java/lang/Object"
}

func (e *Emulation) className(v Value) string { return externalName(e.runtimeClass(v)) }

func (e *Emulation) instanceOf(v Value, class string) bool {
	if a, ok := v.(*Array); ok {
		if strings.HasPrefix(class, "[") {
			return class == "["+a.Type || class[1] == 'L' && a.Type[0] == 'L' && e.assignable(a.Type[1:len(a.Type)-1], class[2:len(class)-1])
		}
		return class == "java/lang/Object" || class == "java/lang/Cloneable" || class == "java/io/Serializable"
	}
	return e.assignable(e.runtimeClass(v), class)
}

// mirror returns the java/lang/Class object for an internal class name.
func (e *Emulation) mirror(class string) *Object {
	if m, ok := e.mirrors[class]; ok {
		return m
	}
	m := &Object{Class: "java/lang/Class", Native: class}
	e.mirrors[class] = m
	return m
}

func (e *Emulation) newObject(class string) (Value, error) {
	switch {
	case class == e.name:
		obj := &Object{Class: class, Fields: make(map[string]Value)}
		for _, f := range e.class.Fields {
			if !f.IsStatic() {
				obj.Fields[f.Name()] = zeroValue(f.Descriptor())
			}
		}
		return obj, nil
	case class == "java/lang/String":
		return &String{}, nil
	case class == "java/lang/Object":
		return &Object{Class: class}, nil
	}
	if _, ok := superclasses[class]; ok {
		return &Object{Class: class}, nil
	}
	return nil, fmt.Errorf("%w class %s", ErrUnsupported, class)
}

func (e *Emulation) field(f *frame, c op.Code, index uint16) error {
	ref, err := e.class.Pool.Ref(index)
	if err != nil {
		return err
	}
	if ref.Owner != e.name {
		return fmt.Errorf("%w field %s", ErrUnsupported, ref)
	}
	switch c {
	case op.Getstatic:
		v, ok := e.statics[ref.Name]
		if !ok {
			return fmt.Errorf("%w: no static field %s", ErrUnsupported, ref)
		}
		f.push(v)
	case op.Putstatic:
		e.statics[ref.Name] = f.pop()
	case op.Getfield:
		obj, err := e.fieldOwner(f.popRef())
		if err != nil {
			return err
		}
		f.push(obj.Fields[ref.Name])
	case op.Putfield:
		v := f.pop()
		obj, err := e.fieldOwner(f.popRef())
		if err != nil {
			return err
		}
		obj.Fields[ref.Name] = v
	}
	return nil
}

func (e *Emulation) fieldOwner(v Value) (*Object, error) {
	obj, ok := v.(*Object)
	switch {
	case v == nil:
		return nil, e.throw("java/lang/NullPointerException", "")
	case !ok || obj.Fields == nil:
		return nil, fmt.Errorf("%w: field access on %s", ErrUnsupported, e.className(v))
	}
	return obj, nil
}

func (e *Emulation) invoke(f *frame, c op.Code, index uint16) error {
	ref, err := e.class.Pool.Ref(index)
	if err != nil {
		return err
	}
	md, err := classfile.ParseMethodDescriptor(ref.Descriptor)
	if err != nil {
		return err
	}
	n := len(md.Params)
	if c != op.Invokestatic {
		n++
	}
	args := f.popN(n)
	if c != op.Invokestatic && args[0] == nil {
		return e.throw("java/lang/NullPointerException", fmt.Sprintf("calling %s.%s on null", externalName(ref.Owner), ref.Name))
	}

	// interpreted methods of the loaded class
	owner := ref.Owner
	if c == op.Invokevirtual || c == op.Invokeinterface {
		owner = e.runtimeClass(args[0])
	}
	if owner == e.name {
		if m := e.class.Method(ref.Name, ref.Descriptor); m != nil && m.Code() != nil {
			ret, err := e.call(m, args)
			if err != nil {
				return err
			}
			if md.Return != "V" {
				f.push(ret)
			}
			return nil
		}
	}

	fn, ok := e.resolveNative(owner, ref)
	if !ok {
		return fmt.Errorf("%w method %s", ErrUnsupported, ref)
	}
	ret, err := fn(e, args)
	if err != nil {
		return err
	}
	if md.Return != "V" {
		f.push(ret)
	}
	return nil
}

// resolveNative looks a library method up on owner, its superclasses and then
// the declared owner.
func (e *Emulation) resolveNative(owner string, ref classfile.Ref) (native, bool) {
	sig := "." + ref.Name + ref.Descriptor
	if strings.HasPrefix(owner, "[") {
		if fn, ok := natives["[."+ref.Name+ref.Descriptor]; ok {
			return fn, true
		}
		owner = "java/lang/Object"
	}
	for _, c := range append(e.ancestors(owner), e.ancestors(ref.Owner)...) {
		if fn, ok := natives[c+sig]; ok {
			return fn, true
		}
	}
	return nil, false
}

const stringConcatFactory = "java/lang/invoke/StringConcatFactory"

// invokeDynamic supports the string concatenation bootstraps only.
func (e *Emulation) invokeDynamic(f *frame, index uint16) error {
	c, err := e.class.Pool.Get(index)
	if err != nil {
		return err
	}
	d, ok := c.(*classfile.Dynamic)
	if !ok || d.Kind != classfile.TagInvokeDynamic {
		return fmt.Errorf("%w: #%d is not an InvokeDynamic constant", classfile.ErrBadIndex, index)
	}
	name, desc, err := e.class.Pool.NameAndType(d.NameAndTypeIndex)
	if err != nil {
		return err
	}
	bsm, args, err := e.bootstrap(d.BootstrapMethodAttrIndex)
	if err != nil {
		return err
	}
	if bsm.Owner != stringConcatFactory || (bsm.Name != "makeConcatWithConstants" && bsm.Name != "makeConcat") {
		return fmt.Errorf("%w invokedynamic bootstrap %s", ErrUnsupported, bsm)
	}
	md, err := classfile.ParseMethodDescriptor(desc)
	if err != nil {
		return err
	}
	values := f.popN(len(md.Params))

	var recipe []uint16
	if bsm.Name == "makeConcat" {
		for range values {
			recipe = append(recipe, 1)
		}
	} else {
		if len(args) == 0 {
			return fmt.Errorf("%w: %s without a recipe", classfile.ErrFormat, name)
		}
		r, err := e.class.Pool.StringChars(args[0])
		if err != nil {
			return err
		}
		recipe = r
		args = args[1:]
	}
	var out []uint16
	next := 0
	for _, ch := range recipe {
		switch ch {
		case 1:
			if next == len(values) {
				return fmt.Errorf("%w: concat recipe needs more arguments", classfile.ErrFormat)
			}
			s, err := e.stringOf(values[next], md.Params[next])
			if err != nil {
				return err
			}
			out = append(out, s...)
			next++
		case 2:
			if len(args) == 0 {
				return fmt.Errorf("%w: concat recipe needs more constants", classfile.ErrFormat)
			}
			v, err := e.class.Pool.Value(args[0])
			if err != nil {
				return err
			}
			s, err := e.stringOf(e.constant(v), "")
			if err != nil {
				return err
			}
			out = append(out, s...)
			args = args[1:]
		default:
			out = append(out, ch)
		}
	}
	f.push(&String{Chars: out})
	return nil
}

// bootstrap reads entry i of the BootstrapMethods attribute.
func (e *Emulation) bootstrap(i uint16) (classfile.Ref, []uint16, error) {
	a := e.class.Attribute("BootstrapMethods")
	if a == nil {
		return classfile.Ref{}, nil, fmt.Errorf("%w: missing BootstrapMethods", classfile.ErrFormat)
	}
	b := a.Info
	u2 := func(pos int) (uint16, error) {
		if pos+2 > len(b) {
			return 0, fmt.Errorf("%w: truncated BootstrapMethods", classfile.ErrFormat)
		}
		return uint16(b[pos])<<8 | uint16(b[pos+1]), nil
	}
	count, err := u2(0)
	if err != nil {
		return classfile.Ref{}, nil, err
	}
	if i >= count {
		return classfile.Ref{}, nil, fmt.Errorf("%w: bootstrap method %d of %d", classfile.ErrBadIndex, i, count)
	}
	pos := 2
	for j := uint16(0); ; j++ {
		handle, err := u2(pos)
		if err != nil {
			return classfile.Ref{}, nil, err
		}
		n, err := u2(pos + 2)
		if err != nil {
			return classfile.Ref{}, nil, err
		}
		if j < i {
			pos += 4 + 2*int(n)
			continue
		}
		args := make([]uint16, n)
		for k := range args {
			if args[k], err = u2(pos + 4 + 2*k); err != nil {
				return classfile.Ref{}, nil, err
			}
		}
		c, err := e.class.Pool.Get(handle)
		if err != nil {
			return classfile.Ref{}, nil, err
		}
		mh, ok := c.(*classfile.MethodHandle)
		if !ok {
			return classfile.Ref{}, nil, fmt.Errorf("%w: bootstrap #%d is %s", classfile.ErrBadIndex, handle, c.Tag())
		}
		ref, err := e.class.Pool.Ref(mh.ReferenceIndex)
		return ref, args, err
	}
}
