package classfile

import (
	"encoding/binary"
	"fmt"
)

// visitor receives the positions of interesting u2 fields inside an attribute
// body. Nil callbacks are skipped.
type visitor struct {
	// ref is called for every non-zero constant pool index.
	ref func(b []byte, pos int) error
	// pc is called for every absolute code offset.
	pc func(b []byte, pos int) error
	// span is called for a start_pc u2 immediately followed by a length u2.
	span func(b []byte, pos int) error
	// handler is called for exception_table indices (type annotation catch targets).
	handler func(b []byte, pos int) error
}

type walker struct {
	pool *ConstantPool
	v    *visitor
	d    *decoder
}

// walkAttribute visits the body of a non-Code attribute.
func walkAttribute(pool *ConstantPool, name string, info []byte, v *visitor) error {
	w := &walker{pool: pool, v: v, d: newDecoder(info)}
	if err := w.attribute(name); err != nil {
		return err
	}
	if w.d.err != nil {
		return fmt.Errorf("%s attribute: %w", name, w.d.err)
	}
	if w.d.remaining() != 0 {
		return fmt.Errorf("%w: %s attribute has %d trailing bytes", ErrFormat, name, w.d.remaining())
	}
	return nil
}

func (w *walker) call(fn func([]byte, int) error, pos int) {
	if fn == nil || w.d.err != nil {
		return
	}
	if err := fn(w.d.b, pos); err != nil {
		w.d.err = err
	}
}

// ref reads a pool index and reports it when non-zero. The value read before
// the callback runs is returned.
func (w *walker) ref() uint16 {
	pos := w.d.off
	x := w.d.u2()
	if w.d.err == nil && x != 0 {
		w.call(w.v.ref, pos)
	}
	return x
}

func (w *walker) refs(n int) {
	for i := 0; i < n && w.d.err == nil; i++ {
		w.ref()
	}
}

func (w *walker) pc() {
	pos := w.d.off
	w.d.u2()
	if w.d.err == nil {
		w.call(w.v.pc, pos)
	}
}

func (w *walker) span() {
	pos := w.d.off
	w.d.u2()
	w.d.u2()
	if w.d.err == nil {
		w.call(w.v.span, pos)
	}
}

func (w *walker) attribute(name string) error {
	d := w.d
	switch name {
	case "ConstantValue", "Signature", "SourceFile", "NestHost", "ModuleMainClass":
		w.ref()
	case "Synthetic", "Deprecated", "SourceDebugExtension":
		d.off = len(d.b)
	case "Exceptions", "NestMembers", "PermittedSubclasses", "ModulePackages":
		w.refs(int(d.u2()))
	case "InnerClasses":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.refs(3)
			d.u2()
		}
	case "EnclosingMethod":
		w.refs(2)
	case "LineNumberTable":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.pc()
			d.u2()
		}
	case "LocalVariableTable", "LocalVariableTypeTable":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.span()
			w.refs(2)
			d.u2()
		}
	case "StackMapTable":
		w.stackMap()
	case "BootstrapMethods":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.ref()
			w.refs(int(d.u2()))
		}
	case "MethodParameters":
		for n := int(d.u1()); n > 0 && d.err == nil; n-- {
			w.ref()
			d.u2()
		}
	case "Record":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.refs(2)
			if err := w.nested(); err != nil {
				return err
			}
		}
	case "Module":
		w.module()
	case "RuntimeVisibleAnnotations", "RuntimeInvisibleAnnotations":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.annotation()
		}
	case "RuntimeVisibleParameterAnnotations", "RuntimeInvisibleParameterAnnotations":
		for p := int(d.u1()); p > 0 && d.err == nil; p-- {
			for n := int(d.u2()); n > 0 && d.err == nil; n-- {
				w.annotation()
			}
		}
	case "RuntimeVisibleTypeAnnotations", "RuntimeInvisibleTypeAnnotations":
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.typeAnnotation()
		}
	case "AnnotationDefault":
		w.elementValue()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAttribute, name)
	}
	return nil
}

// nested walks an attribute table embedded in another attribute body.
func (w *walker) nested() error {
	d := w.d
	for n := int(d.u2()); n > 0 && d.err == nil; n-- {
		idx := w.ref()
		length := int(d.u4())
		if d.err != nil || !d.need(length) {
			break
		}
		name, err := w.pool.Utf8(idx)
		if err != nil {
			return fmt.Errorf("%w: nested attribute name: %v", ErrFormat, err)
		}
		sub := &walker{pool: w.pool, v: w.v, d: &decoder{b: d.b[:d.off+length], off: d.off}}
		if err := sub.attribute(name); err != nil {
			return err
		}
		if sub.d.err != nil {
			return sub.d.err
		}
		if sub.d.remaining() != 0 {
			return fmt.Errorf("%w: nested %s attribute has %d trailing bytes", ErrFormat, name, sub.d.remaining())
		}
		d.off += length
	}
	return nil
}

func (w *walker) stackMap() {
	d := w.d
	for n := int(d.u2()); n > 0 && d.err == nil; n-- {
		ft := d.u1()
		switch {
		case ft <= 63:
		case ft <= 127:
			w.verificationType()
		case ft == 247:
			d.u2()
			w.verificationType()
		case ft >= 248 && ft <= 251:
			d.u2()
		case ft >= 252 && ft <= 254:
			d.u2()
			for k := 0; k < int(ft)-251; k++ {
				w.verificationType()
			}
		case ft == 255:
			d.u2()
			for k := int(d.u2()); k > 0 && d.err == nil; k-- {
				w.verificationType()
			}
			for k := int(d.u2()); k > 0 && d.err == nil; k-- {
				w.verificationType()
			}
		default:
			if d.err == nil {
				d.err = fmt.Errorf("%w: reserved stack map frame type %d", ErrFormat, ft)
			}
		}
	}
}

func (w *walker) verificationType() {
	switch tag := w.d.u1(); tag {
	case VerifyObject:
		w.ref()
	case VerifyUninitialized:
		w.pc()
	default:
		if tag > VerifyUninitialized && w.d.err == nil {
			w.d.err = fmt.Errorf("%w: bad verification type tag %d", ErrFormat, tag)
		}
	}
}

func (w *walker) module() {
	d := w.d
	w.ref()
	d.u2()
	w.ref()
	for n := int(d.u2()); n > 0 && d.err == nil; n-- { // requires
		w.ref()
		d.u2()
		w.ref()
	}
	for range 2 { // exports, opens
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.ref()
			d.u2()
			w.refs(int(d.u2()))
		}
	}
	w.refs(int(d.u2())) // uses
	for n := int(d.u2()); n > 0 && d.err == nil; n-- { // provides
		w.ref()
		w.refs(int(d.u2()))
	}
}

func (w *walker) annotation() {
	w.ref()
	for n := int(w.d.u2()); n > 0 && w.d.err == nil; n-- {
		w.ref()
		w.elementValue()
	}
}

func (w *walker) elementValue() {
	d := w.d
	switch tag := d.u1(); tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		w.ref()
	case 'e':
		w.refs(2)
	case '@':
		w.annotation()
	case '[':
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.elementValue()
		}
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: bad element_value tag %q", ErrFormat, tag)
		}
	}
}

func (w *walker) typeAnnotation() {
	d := w.d
	switch target := d.u1(); {
	case target == 0x00 || target == 0x01 || target == 0x16:
		d.u1()
	case target == 0x10 || target == 0x17:
		d.u2()
	case target == 0x11 || target == 0x12:
		d.u1()
		d.u1()
	case target >= 0x13 && target <= 0x15:
	case target == 0x40 || target == 0x41:
		for n := int(d.u2()); n > 0 && d.err == nil; n-- {
			w.span()
			d.u2()
		}
	case target == 0x42:
		pos := d.off
		d.u2()
		w.call(w.v.handler, pos)
	case target >= 0x43 && target <= 0x46:
		w.pc()
	case target >= 0x47 && target <= 0x4b:
		w.pc()
		d.u1()
	default:
		if d.err == nil {
			d.err = fmt.Errorf("%w: bad type annotation target %#02x", ErrFormat, target)
		}
	}
	d.need(1)
	if d.err == nil {
		d.off += 1 + 2*int(d.b[d.off]) // type_path
	}
	w.annotation()
}

// putU2 overwrites the u2 at pos.
func putU2(b []byte, pos int, v uint16) { binary.BigEndian.PutUint16(b[pos:], v) }

func getU2(b []byte, pos int) uint16 { return binary.BigEndian.Uint16(b[pos:]) }
