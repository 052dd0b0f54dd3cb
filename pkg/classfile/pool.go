package classfile

import (
	"fmt"
	"iter"
	"math"
	"strconv"
)

// Tag identifies the kind of a constant pool entry.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

func (t Tag) String() string {
	switch t {
	case TagUtf8:
		return "Utf8"
	case TagInteger:
		return "Integer"
	case TagFloat:
		return "Float"
	case TagLong:
		return "Long"
	case TagDouble:
		return "Double"
	case TagClass:
		return "Class"
	case TagString:
		return "String"
	case TagFieldref:
		return "Fieldref"
	case TagMethodref:
		return "Methodref"
	case TagInterfaceMethodref:
		return "InterfaceMethodref"
	case TagNameAndType:
		return "NameAndType"
	case TagMethodHandle:
		return "MethodHandle"
	case TagMethodType:
		return "MethodType"
	case TagDynamic:
		return "Dynamic"
	case TagInvokeDynamic:
		return "InvokeDynamic"
	case TagModule:
		return "Module"
	case TagPackage:
		return "Package"
	default:
		return fmt.Sprintf("Tag(%d)", uint8(t))
	}
}

// Wide reports whether entries with this tag take two pool slots.
func (t Tag) Wide() bool { return t == TagLong || t == TagDouble }

// Constant is a single constant pool entry.
type Constant interface {
	Tag() Tag
	// refs returns pointers to the pool indices held by the entry.
	refs() []*uint16
	clone() Constant
}

type Utf8 struct{ Raw []byte }
type Integer struct{ Value int32 }
type Float struct{ Bits uint32 }
type Long struct{ Value int64 }
type Double struct{ Bits uint64 }
type Class struct{ NameIndex uint16 }
type String struct{ StringIndex uint16 }
type NameAndType struct{ NameIndex, DescriptorIndex uint16 }
type MethodType struct{ DescriptorIndex uint16 }
type Module struct{ NameIndex uint16 }
type Package struct{ NameIndex uint16 }

// MemberRef is a Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Kind             Tag
	ClassIndex       uint16
	NameAndTypeIndex uint16
}

type MethodHandle struct {
	Kind           uint8
	ReferenceIndex uint16
}

// Dynamic is a Dynamic or InvokeDynamic entry. The bootstrap index points into
// the BootstrapMethods attribute, not into the pool.
type Dynamic struct {
	Kind                     Tag
	BootstrapMethodAttrIndex uint16
	NameAndTypeIndex         uint16
}

func (*Utf8) Tag() Tag         { return TagUtf8 }
func (*Integer) Tag() Tag      { return TagInteger }
func (*Float) Tag() Tag        { return TagFloat }
func (*Long) Tag() Tag         { return TagLong }
func (*Double) Tag() Tag       { return TagDouble }
func (*Class) Tag() Tag        { return TagClass }
func (*String) Tag() Tag       { return TagString }
func (*NameAndType) Tag() Tag  { return TagNameAndType }
func (*MethodType) Tag() Tag   { return TagMethodType }
func (*Module) Tag() Tag       { return TagModule }
func (*Package) Tag() Tag      { return TagPackage }
func (c *MemberRef) Tag() Tag  { return c.Kind }
func (*MethodHandle) Tag() Tag { return TagMethodHandle }
func (c *Dynamic) Tag() Tag    { return c.Kind }

func (*Utf8) refs() []*uint16          { return nil }
func (*Integer) refs() []*uint16       { return nil }
func (*Float) refs() []*uint16         { return nil }
func (*Long) refs() []*uint16          { return nil }
func (*Double) refs() []*uint16        { return nil }
func (c *Class) refs() []*uint16       { return []*uint16{&c.NameIndex} }
func (c *String) refs() []*uint16      { return []*uint16{&c.StringIndex} }
func (c *NameAndType) refs() []*uint16 { return []*uint16{&c.NameIndex, &c.DescriptorIndex} }
func (c *MethodType) refs() []*uint16  { return []*uint16{&c.DescriptorIndex} }
func (c *Module) refs() []*uint16      { return []*uint16{&c.NameIndex} }
func (c *Package) refs() []*uint16     { return []*uint16{&c.NameIndex} }
func (c *MemberRef) refs() []*uint16 {
	return []*uint16{&c.ClassIndex, &c.NameAndTypeIndex}
}
func (c *MethodHandle) refs() []*uint16 { return []*uint16{&c.ReferenceIndex} }
func (c *Dynamic) refs() []*uint16      { return []*uint16{&c.NameAndTypeIndex} }

func (c *Utf8) clone() Constant {
	raw := make([]byte, len(c.Raw))
	copy(raw, c.Raw)
	return &Utf8{Raw: raw}
}
func (c *Integer) clone() Constant      { v := *c; return &v }
func (c *Float) clone() Constant        { v := *c; return &v }
func (c *Long) clone() Constant         { v := *c; return &v }
func (c *Double) clone() Constant       { v := *c; return &v }
func (c *Class) clone() Constant        { v := *c; return &v }
func (c *String) clone() Constant       { v := *c; return &v }
func (c *NameAndType) clone() Constant  { v := *c; return &v }
func (c *MethodType) clone() Constant   { v := *c; return &v }
func (c *Module) clone() Constant       { v := *c; return &v }
func (c *Package) clone() Constant      { v := *c; return &v }
func (c *MemberRef) clone() Constant    { v := *c; return &v }
func (c *MethodHandle) clone() Constant { v := *c; return &v }
func (c *Dynamic) clone() Constant      { v := *c; return &v }

// Chars decodes the entry into UTF-16 code units.
func (c *Utf8) Chars() ([]uint16, error) { return DecodeMUTF8(c.Raw) }

func (c *Utf8) String() string {
	chars, err := c.Chars()
	if err != nil {
		return string(c.Raw)
	}
	return UTF16String(chars)
}

// constantKey renders c as an equality key. ref renders the key component of
// a referenced pool entry.
func constantKey(c Constant, ref func(uint16) string) string {
	switch c := c.(type) {
	case *Utf8:
		return "\x01" + string(c.Raw)
	case *Integer:
		return "\x03" + strconv.FormatInt(int64(c.Value), 10)
	case *Float:
		return "\x04" + strconv.FormatUint(uint64(c.Bits), 10)
	case *Long:
		return "\x05" + strconv.FormatInt(c.Value, 10)
	case *Double:
		return "\x06" + strconv.FormatUint(c.Bits, 10)
	case *Class:
		return "\x07" + ref(c.NameIndex)
	case *String:
		return "\x08" + ref(c.StringIndex)
	case *MemberRef:
		return string(rune(c.Kind)) + ref(c.ClassIndex) + ref(c.NameAndTypeIndex)
	case *NameAndType:
		return "\x0c" + ref(c.NameIndex) + ref(c.DescriptorIndex)
	case *MethodHandle:
		return "\x0f" + strconv.Itoa(int(c.Kind)) + ref(c.ReferenceIndex)
	case *MethodType:
		return "\x10" + ref(c.DescriptorIndex)
	case *Dynamic:
		return string(rune(c.Kind)) + strconv.Itoa(int(c.BootstrapMethodAttrIndex)) + ref(c.NameAndTypeIndex)
	case *Module:
		return "\x13" + ref(c.NameIndex)
	case *Package:
		return "\x14" + ref(c.NameIndex)
	}
	return fmt.Sprintf("%T", c)
}

func indexKey(i uint16) string { return "#" + strconv.Itoa(int(i)) + ";" }

// Ref is a resolved Fieldref, Methodref or InterfaceMethodref.
type Ref struct {
	Kind       Tag
	Owner      string
	Name       string
	Descriptor string
}

func (r Ref) String() string { return r.Owner + "." + r.Name + ":" + r.Descriptor }

// ConstantPool is the per-class table of constants. Index 0 and the slot after
// every Long/Double are unusable and hold nil.
type ConstantPool struct {
	entries []Constant
	lookup  map[string]uint16
}

// NewConstantPool returns an empty pool.
func NewConstantPool() *ConstantPool {
	return &ConstantPool{entries: []Constant{nil}}
}

// Count returns constant_pool_count, i.e. the number of slots including the
// unusable slot 0.
func (p *ConstantPool) Count() int { return len(p.entries) }

// Get returns the entry at index.
func (p *ConstantPool) Get(index uint16) (Constant, error) {
	if index == 0 || int(index) >= len(p.entries) || p.entries[index] == nil {
		return nil, fmt.Errorf("%w: #%d (pool has %d slots)", ErrBadIndex, index, len(p.entries))
	}
	return p.entries[index], nil
}

// All yields every usable entry in index order.
func (p *ConstantPool) All() iter.Seq2[uint16, Constant] {
	return func(yield func(uint16, Constant) bool) {
		for i, c := range p.entries {
			if c == nil {
				continue
			}
			if !yield(uint16(i), c) {
				return
			}
		}
	}
}

// Clone returns a deep copy of the pool.
func (p *ConstantPool) Clone() *ConstantPool {
	out := &ConstantPool{entries: make([]Constant, len(p.entries))}
	for i, c := range p.entries {
		if c != nil {
			out.entries[i] = c.clone()
		}
	}
	return out
}

func get[T Constant](p *ConstantPool, index uint16) (T, error) {
	var zero T
	c, err := p.Get(index)
	if err != nil {
		return zero, err
	}
	t, ok := c.(T)
	if !ok {
		return zero, fmt.Errorf("%w: #%d is %s, expected %s", ErrBadIndex, index, c.Tag(), zero.Tag())
	}
	return t, nil
}

// Utf8 resolves a CONSTANT_Utf8 entry to a Go string.
func (p *ConstantPool) Utf8(index uint16) (string, error) {
	c, err := get[*Utf8](p, index)
	if err != nil {
		return "", err
	}
	chars, err := c.Chars()
	if err != nil {
		return "", err
	}
	return UTF16String(chars), nil
}

// Utf8Chars resolves a CONSTANT_Utf8 entry to UTF-16 code units.
func (p *ConstantPool) Utf8Chars(index uint16) ([]uint16, error) {
	c, err := get[*Utf8](p, index)
	if err != nil {
		return nil, err
	}
	return c.Chars()
}

// ClassName resolves a CONSTANT_Class entry to its internal name.
func (p *ConstantPool) ClassName(index uint16) (string, error) {
	c, err := get[*Class](p, index)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.NameIndex)
}

// StringChars resolves a CONSTANT_String entry to UTF-16 code units.
func (p *ConstantPool) StringChars(index uint16) ([]uint16, error) {
	c, err := get[*String](p, index)
	if err != nil {
		return nil, err
	}
	return p.Utf8Chars(c.StringIndex)
}

// StringValue resolves a CONSTANT_String entry to a Go string.
func (p *ConstantPool) StringValue(index uint16) (string, error) {
	chars, err := p.StringChars(index)
	if err != nil {
		return "", err
	}
	return UTF16String(chars), nil
}

// NameAndType resolves a CONSTANT_NameAndType entry.
func (p *ConstantPool) NameAndType(index uint16) (name, desc string, err error) {
	c, err := get[*NameAndType](p, index)
	if err != nil {
		return "", "", err
	}
	if name, err = p.Utf8(c.NameIndex); err != nil {
		return "", "", err
	}
	if desc, err = p.Utf8(c.DescriptorIndex); err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// Ref resolves a field or method reference.
func (p *ConstantPool) Ref(index uint16) (Ref, error) {
	c, err := get[*MemberRef](p, index)
	if err != nil {
		return Ref{}, err
	}
	owner, err := p.ClassName(c.ClassIndex)
	if err != nil {
		return Ref{}, err
	}
	name, desc, err := p.NameAndType(c.NameAndTypeIndex)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Kind: c.Kind, Owner: owner, Name: name, Descriptor: desc}, nil
}

// Value resolves a loadable constant (the operand of ldc, ldc_w and ldc2_w).
// Strings come back as []uint16, classes as ClassValue.
func (p *ConstantPool) Value(index uint16) (any, error) {
	c, err := p.Get(index)
	if err != nil {
		return nil, err
	}
	switch c := c.(type) {
	case *Integer:
		return c.Value, nil
	case *Float:
		return math.Float32frombits(c.Bits), nil
	case *Long:
		return c.Value, nil
	case *Double:
		return math.Float64frombits(c.Bits), nil
	case *String:
		return p.Utf8Chars(c.StringIndex)
	case *Class:
		name, err := p.Utf8(c.NameIndex)
		if err != nil {
			return nil, err
		}
		return ClassValue(name), nil
	}
	return nil, fmt.Errorf("%w: #%d (%s) is not loadable", ErrBadIndex, index, c.Tag())
}

// ClassValue is the resolved value of a CONSTANT_Class loaded with ldc.
type ClassValue string

func (p *ConstantPool) reindex() {
	p.lookup = make(map[string]uint16, len(p.entries))
	for i, c := range p.entries {
		if c == nil {
			continue
		}
		k := constantKey(c, indexKey)
		if _, ok := p.lookup[k]; !ok {
			p.lookup[k] = uint16(i)
		}
	}
}

// Add appends c unless an equal entry already exists, and returns its index.
func (p *ConstantPool) Add(c Constant) (uint16, error) {
	if p.lookup == nil {
		p.reindex()
	}
	k := constantKey(c, indexKey)
	if i, ok := p.lookup[k]; ok {
		return i, nil
	}
	width := 1
	if c.Tag().Wide() {
		width = 2
	}
	if len(p.entries)+width > math.MaxUint16 {
		return 0, ErrPoolFull
	}
	i := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if width == 2 {
		p.entries = append(p.entries, nil)
	}
	p.lookup[k] = i
	return i, nil
}

func (p *ConstantPool) AddUtf8(s string) (uint16, error) {
	return p.Add(&Utf8{Raw: EncodeMUTF8(UTF16(s))})
}

func (p *ConstantPool) AddUtf8Chars(chars []uint16) (uint16, error) {
	return p.Add(&Utf8{Raw: EncodeMUTF8(chars)})
}

func (p *ConstantPool) AddInteger(v int32) (uint16, error) { return p.Add(&Integer{Value: v}) }
func (p *ConstantPool) AddLong(v int64) (uint16, error)    { return p.Add(&Long{Value: v}) }
func (p *ConstantPool) AddFloat(v float32) (uint16, error) {
	return p.Add(&Float{Bits: math.Float32bits(v)})
}
func (p *ConstantPool) AddDouble(v float64) (uint16, error) {
	return p.Add(&Double{Bits: math.Float64bits(v)})
}

func (p *ConstantPool) AddClass(name string) (uint16, error) {
	n, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	return p.Add(&Class{NameIndex: n})
}

func (p *ConstantPool) AddString(s string) (uint16, error) {
	return p.AddStringChars(UTF16(s))
}

func (p *ConstantPool) AddStringChars(chars []uint16) (uint16, error) {
	n, err := p.AddUtf8Chars(chars)
	if err != nil {
		return 0, err
	}
	return p.Add(&String{StringIndex: n})
}

func (p *ConstantPool) AddNameAndType(name, desc string) (uint16, error) {
	n, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	d, err := p.AddUtf8(desc)
	if err != nil {
		return 0, err
	}
	return p.Add(&NameAndType{NameIndex: n, DescriptorIndex: d})
}

func (p *ConstantPool) addRef(kind Tag, owner, name, desc string) (uint16, error) {
	c, err := p.AddClass(owner)
	if err != nil {
		return 0, err
	}
	nt, err := p.AddNameAndType(name, desc)
	if err != nil {
		return 0, err
	}
	return p.Add(&MemberRef{Kind: kind, ClassIndex: c, NameAndTypeIndex: nt})
}

func (p *ConstantPool) AddFieldref(owner, name, desc string) (uint16, error) {
	return p.addRef(TagFieldref, owner, name, desc)
}

func (p *ConstantPool) AddMethodref(owner, name, desc string) (uint16, error) {
	return p.addRef(TagMethodref, owner, name, desc)
}

func (p *ConstantPool) AddInterfaceMethodref(owner, name, desc string) (uint16, error) {
	return p.addRef(TagInterfaceMethodref, owner, name, desc)
}

func readPool(d *decoder) *ConstantPool {
	count := int(d.u2())
	if d.err != nil {
		return nil
	}
	if count == 0 {
		d.err = fmt.Errorf("%w: constant_pool_count is zero", ErrFormat)
		return nil
	}
	p := &ConstantPool{entries: make([]Constant, 1, count)}
	for i := 1; i < count && d.err == nil; i++ {
		tag := Tag(d.u1())
		var c Constant
		switch tag {
		case TagUtf8:
			c = &Utf8{Raw: d.bytes(int(d.u2()))}
		case TagInteger:
			c = &Integer{Value: int32(d.u4())}
		case TagFloat:
			c = &Float{Bits: d.u4()}
		case TagLong:
			c = &Long{Value: int64(d.u8())}
		case TagDouble:
			c = &Double{Bits: d.u8()}
		case TagClass:
			c = &Class{NameIndex: d.u2()}
		case TagString:
			c = &String{StringIndex: d.u2()}
		case TagFieldref, TagMethodref, TagInterfaceMethodref:
			c = &MemberRef{Kind: tag, ClassIndex: d.u2(), NameAndTypeIndex: d.u2()}
		case TagNameAndType:
			c = &NameAndType{NameIndex: d.u2(), DescriptorIndex: d.u2()}
		case TagMethodHandle:
			c = &MethodHandle{Kind: d.u1(), ReferenceIndex: d.u2()}
		case TagMethodType:
			c = &MethodType{DescriptorIndex: d.u2()}
		case TagDynamic, TagInvokeDynamic:
			c = &Dynamic{Kind: tag, BootstrapMethodAttrIndex: d.u2(), NameAndTypeIndex: d.u2()}
		case TagModule:
			c = &Module{NameIndex: d.u2()}
		case TagPackage:
			c = &Package{NameIndex: d.u2()}
		default:
			if d.err == nil {
				d.err = fmt.Errorf("%w: unknown constant tag %d at pool index %d", ErrFormat, tag, i)
			}
			return nil
		}
		p.entries = append(p.entries, c)
		if tag.Wide() {
			if i+1 >= count {
				d.err = fmt.Errorf("%w: %s at last pool index %d", ErrFormat, tag, i)
				return nil
			}
			p.entries = append(p.entries, nil)
			i++
		}
	}
	if d.err != nil {
		return nil
	}
	for i, c := range p.entries {
		if c == nil {
			continue
		}
		for _, r := range c.refs() {
			if _, err := p.Get(*r); err != nil {
				d.err = fmt.Errorf("%w: pool entry #%d (%s) references invalid index %d", ErrFormat, i, c.Tag(), *r)
				return nil
			}
		}
	}
	return p
}

func (p *ConstantPool) write(e *encoder) {
	e.u2(uint16(len(p.entries)))
	for _, c := range p.entries {
		if c == nil {
			continue
		}
		e.u1(uint8(c.Tag()))
		switch c := c.(type) {
		case *Utf8:
			e.u2(uint16(len(c.Raw)))
			e.write(c.Raw)
		case *Integer:
			e.u4(uint32(c.Value))
		case *Float:
			e.u4(c.Bits)
		case *Long:
			e.u8(uint64(c.Value))
		case *Double:
			e.u8(c.Bits)
		case *Class:
			e.u2(c.NameIndex)
		case *String:
			e.u2(c.StringIndex)
		case *MemberRef:
			e.u2(c.ClassIndex)
			e.u2(c.NameAndTypeIndex)
		case *NameAndType:
			e.u2(c.NameIndex)
			e.u2(c.DescriptorIndex)
		case *MethodHandle:
			e.u1(c.Kind)
			e.u2(c.ReferenceIndex)
		case *MethodType:
			e.u2(c.DescriptorIndex)
		case *Dynamic:
			e.u2(c.BootstrapMethodAttrIndex)
			e.u2(c.NameAndTypeIndex)
		case *Module:
			e.u2(c.NameIndex)
		case *Package:
			e.u2(c.NameIndex)
		}
	}
}
