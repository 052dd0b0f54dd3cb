package classfile

// NewClass returns an empty public class. super may be "" for none.
func NewClass(name, super string) (*ClassFile, error) {
	cf := &ClassFile{
		MajorVersion: 52,
		Pool:         NewConstantPool(),
		AccessFlags:  AccPublic | AccSuper,
	}
	var err error
	if cf.ThisClass, err = cf.Pool.AddClass(name); err != nil {
		return nil, err
	}
	if super != "" {
		if cf.SuperClass, err = cf.Pool.AddClass(super); err != nil {
			return nil, err
		}
	}
	return cf, nil
}

// NewMember returns a member owned by cf without adding it to the class.
func (cf *ClassFile) NewMember(flags uint16, name, desc string) (*Member, error) {
	n, err := cf.Pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	d, err := cf.Pool.AddUtf8(desc)
	if err != nil {
		return nil, err
	}
	return &Member{class: cf, AccessFlags: flags, NameIndex: n, DescriptorIndex: d}, nil
}

// AddField appends a field.
func (cf *ClassFile) AddField(flags uint16, name, desc string) (*Member, error) {
	f, err := cf.NewMember(flags, name, desc)
	if err != nil {
		return nil, err
	}
	cf.Fields = append(cf.Fields, f)
	return f, nil
}

// AddMethod appends a method. code may be nil for abstract and native methods.
func (cf *ClassFile) AddMethod(flags uint16, name, desc string, code *Code) (*Member, error) {
	m, err := cf.NewMember(flags, name, desc)
	if err != nil {
		return nil, err
	}
	if code != nil {
		a, err := cf.NewAttribute("Code", nil)
		if err != nil {
			return nil, err
		}
		a.Code = code
		m.Attributes = append(m.Attributes, a)
	}
	cf.Methods = append(cf.Methods, m)
	return m, nil
}

// NewAttribute returns an attribute whose name is interned in the pool.
func (cf *ClassFile) NewAttribute(name string, info []byte) (*Attribute, error) {
	n, err := cf.Pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	return &Attribute{NameIndex: n, Name: name, Info: info}, nil
}

// NewCode assembles insns into a Code attribute body.
func NewCode(maxStack, maxLocals uint16, insns []Instruction) (*Code, error) {
	b, err := Assemble(insns)
	if err != nil {
		return nil, err
	}
	return &Code{MaxStack: maxStack, MaxLocals: maxLocals, Bytecode: b}, nil
}
