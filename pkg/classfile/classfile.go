// Package classfile decodes, edits and encodes JVM class files.
package classfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Magic is the class file signature.
const Magic = 0xCAFEBABE

var (
	// ErrFormat is returned (wrapped) for any malformed class file.
	ErrFormat = errors.New("malformed class file")
	// ErrBadIndex is returned when a constant pool index is out of range or
	// names an entry of the wrong kind.
	ErrBadIndex = errors.New("bad constant pool index")
	// ErrPoolFull is returned when a constant would not fit in 65535 slots.
	ErrPoolFull = errors.New("constant pool is full")
	// ErrUnknownAttribute is returned by Shrink for attributes whose layout is
	// not known and therefore cannot be remapped.
	ErrUnknownAttribute = errors.New("unknown attribute")
)

// Access flags.
const (
	AccPublic       = 0x0001
	AccPrivate      = 0x0002
	AccProtected    = 0x0004
	AccStatic       = 0x0008
	AccFinal        = 0x0010
	AccSuper        = 0x0020
	AccSynchronized = 0x0020
	AccVolatile     = 0x0040
	AccBridge       = 0x0040
	AccTransient    = 0x0080
	AccVarargs      = 0x0080
	AccNative       = 0x0100
	AccInterface    = 0x0200
	AccAbstract     = 0x0400
	AccStrict       = 0x0800
	AccSynthetic    = 0x1000
	AccAnnotation   = 0x2000
	AccEnum         = 0x4000
)

// ClassFile is a decoded class file. It owns its pool, members and attributes.
type ClassFile struct {
	MinorVersion uint16
	MajorVersion uint16
	Pool         *ConstantPool
	AccessFlags  uint16
	ThisClass    uint16
	SuperClass   uint16
	Interfaces   []uint16
	Fields       []*Member
	Methods      []*Member
	Attributes   []*Attribute
}

// Member is a field or a method.
type Member struct {
	class           *ClassFile
	AccessFlags     uint16
	NameIndex       uint16
	DescriptorIndex uint16
	Attributes      []*Attribute
}

// Attribute is a named attribute. Code attributes are decoded into Code; every
// other kind is kept as an opaque Info blob.
type Attribute struct {
	NameIndex uint16
	Name      string
	Info      []byte
	Code      *Code
}

// ExceptionHandler is one exception_table row. EndPC is exclusive.
type ExceptionHandler struct {
	StartPC   uint16
	EndPC     uint16
	HandlerPC uint16
	CatchType uint16
}

// Code is a decoded Code attribute.
type Code struct {
	MaxStack       uint16
	MaxLocals      uint16
	Bytecode       []byte
	ExceptionTable []ExceptionHandler
	Attributes     []*Attribute
}

// Parse decodes a class file. The returned model never aliases data.
func Parse(data []byte) (*ClassFile, error) {
	d := newDecoder(data)
	if magic := d.u4(); d.err == nil && magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %#08x", ErrFormat, magic)
	}
	cf := &ClassFile{}
	cf.MinorVersion = d.u2()
	cf.MajorVersion = d.u2()
	if cf.Pool = readPool(d); d.err != nil {
		return nil, d.err
	}
	cf.AccessFlags = d.u2()
	cf.ThisClass = d.u2()
	cf.SuperClass = d.u2()
	n := int(d.u2())
	for i := 0; i < n && d.err == nil; i++ {
		cf.Interfaces = append(cf.Interfaces, d.u2())
	}
	cf.Fields = cf.readMembers(d)
	cf.Methods = cf.readMembers(d)
	cf.Attributes = cf.readAttributes(d)
	if d.err != nil {
		return nil, d.err
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrFormat, d.remaining())
	}
	if _, err := cf.Pool.ClassName(cf.ThisClass); err != nil {
		return nil, fmt.Errorf("%w: this_class: %v", ErrFormat, err)
	}
	return cf, nil
}

func (cf *ClassFile) readMembers(d *decoder) []*Member {
	n := int(d.u2())
	var members []*Member
	for i := 0; i < n && d.err == nil; i++ {
		m := &Member{class: cf}
		m.AccessFlags = d.u2()
		m.NameIndex = d.u2()
		m.DescriptorIndex = d.u2()
		m.Attributes = cf.readAttributes(d)
		members = append(members, m)
	}
	return members
}

func (cf *ClassFile) readAttributes(d *decoder) []*Attribute {
	n := int(d.u2())
	var attrs []*Attribute
	for i := 0; i < n && d.err == nil; i++ {
		a := &Attribute{NameIndex: d.u2()}
		a.Info = d.bytes(int(d.u4()))
		if d.err != nil {
			break
		}
		name, err := cf.Pool.Utf8(a.NameIndex)
		if err != nil {
			d.err = fmt.Errorf("%w: attribute name: %v", ErrFormat, err)
			break
		}
		a.Name = name
		if name == "Code" {
			code, err := cf.readCode(a.Info)
			if err != nil {
				d.err = err
				break
			}
			a.Code = code
			a.Info = nil
		}
		attrs = append(attrs, a)
	}
	return attrs
}

func (cf *ClassFile) readCode(info []byte) (*Code, error) {
	d := newDecoder(info)
	c := &Code{MaxStack: d.u2(), MaxLocals: d.u2()}
	c.Bytecode = d.bytes(int(d.u4()))
	n := int(d.u2())
	for i := 0; i < n && d.err == nil; i++ {
		c.ExceptionTable = append(c.ExceptionTable, ExceptionHandler{
			StartPC:   d.u2(),
			EndPC:     d.u2(),
			HandlerPC: d.u2(),
			CatchType: d.u2(),
		})
	}
	c.Attributes = cf.readAttributes(d)
	if d.err != nil {
		return nil, fmt.Errorf("Code attribute: %w", d.err)
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in Code attribute", ErrFormat, d.remaining())
	}
	return c, nil
}

// Bytes encodes the class file.
func (cf *ClassFile) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := cf.Serialize(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Serialize writes the encoded class file to w.
func (cf *ClassFile) Serialize(w io.Writer) error {
	e := &encoder{}
	e.u4(Magic)
	e.u2(cf.MinorVersion)
	e.u2(cf.MajorVersion)
	cf.Pool.write(e)
	e.u2(cf.AccessFlags)
	e.u2(cf.ThisClass)
	e.u2(cf.SuperClass)
	e.u2(uint16(len(cf.Interfaces)))
	for _, i := range cf.Interfaces {
		e.u2(i)
	}
	for _, members := range [][]*Member{cf.Fields, cf.Methods} {
		e.u2(uint16(len(members)))
		for _, m := range members {
			e.u2(m.AccessFlags)
			e.u2(m.NameIndex)
			e.u2(m.DescriptorIndex)
			if err := writeAttributes(e, m.Attributes); err != nil {
				return err
			}
		}
	}
	if err := writeAttributes(e, cf.Attributes); err != nil {
		return err
	}
	_, err := w.Write(e.b)
	return err
}

func writeAttributes(e *encoder, attrs []*Attribute) error {
	e.u2(uint16(len(attrs)))
	for _, a := range attrs {
		info := a.Info
		if a.Code != nil {
			var err error
			if info, err = a.Code.encode(); err != nil {
				return err
			}
		}
		e.u2(a.NameIndex)
		e.u4(uint32(len(info)))
		e.write(info)
	}
	return nil
}

func (c *Code) encode() ([]byte, error) {
	if len(c.Bytecode) == 0 || len(c.Bytecode) >= 65536 {
		return nil, fmt.Errorf("code length %d out of range", len(c.Bytecode))
	}
	e := &encoder{}
	e.u2(c.MaxStack)
	e.u2(c.MaxLocals)
	e.u4(uint32(len(c.Bytecode)))
	e.write(c.Bytecode)
	e.u2(uint16(len(c.ExceptionTable)))
	for _, h := range c.ExceptionTable {
		e.u2(h.StartPC)
		e.u2(h.EndPC)
		e.u2(h.HandlerPC)
		e.u2(h.CatchType)
	}
	if err := writeAttributes(e, c.Attributes); err != nil {
		return nil, err
	}
	return e.b, nil
}

// Name returns the internal name of the class, e.g. "com/example/Foo".
func (cf *ClassFile) Name() string {
	name, _ := cf.Pool.ClassName(cf.ThisClass)
	return name
}

// SuperName returns the internal name of the superclass, or "" for none.
func (cf *ClassFile) SuperName() string {
	if cf.SuperClass == 0 {
		return ""
	}
	name, _ := cf.Pool.ClassName(cf.SuperClass)
	return name
}

// Method returns the method with the given name and descriptor.
func (cf *ClassFile) Method(name, desc string) *Member {
	for _, m := range cf.Methods {
		if m.Name() == name && m.Descriptor() == desc {
			return m
		}
	}
	return nil
}

// Field returns the field with the given name and descriptor.
func (cf *ClassFile) Field(name, desc string) *Member {
	for _, f := range cf.Fields {
		if f.Name() == name && f.Descriptor() == desc {
			return f
		}
	}
	return nil
}

// Attribute returns the first class-level attribute with the given name.
func (cf *ClassFile) Attribute(name string) *Attribute {
	return findAttribute(cf.Attributes, name)
}

func findAttribute(attrs []*Attribute, name string) *Attribute {
	for _, a := range attrs {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Class returns the owning class.
func (m *Member) Class() *ClassFile { return m.class }

func (m *Member) Name() string {
	s, _ := m.class.Pool.Utf8(m.NameIndex)
	return s
}

func (m *Member) Descriptor() string {
	s, _ := m.class.Pool.Utf8(m.DescriptorIndex)
	return s
}

// Code returns the method body, or nil for abstract and native methods.
func (m *Member) Code() *Code {
	if a := findAttribute(m.Attributes, "Code"); a != nil {
		return a.Code
	}
	return nil
}

// Attribute returns the first attribute of the member with the given name.
func (m *Member) Attribute(name string) *Attribute {
	return findAttribute(m.Attributes, name)
}

func (m *Member) IsStatic() bool { return m.AccessFlags&AccStatic != 0 }

func (m *Member) String() string {
	return m.class.Name() + "." + m.Name() + m.Descriptor()
}

// Attribute returns the first nested attribute with the given name.
func (c *Code) Attribute(name string) *Attribute {
	return findAttribute(c.Attributes, name)
}

// Clone returns a deep copy of the class via an encode/decode cycle.
func (cf *ClassFile) Clone() (*ClassFile, error) {
	data, err := cf.Bytes()
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
