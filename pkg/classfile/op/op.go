// Package op defines the JVM opcodes understood by the class file decoder,
// the pattern matcher and the emulator.
package op

// Code is a single byte JVM opcode.
type Code uint8

const (
	Nop             Code = 0x00
	AconstNull      Code = 0x01
	IconstM1        Code = 0x02
	Iconst0         Code = 0x03
	Iconst1         Code = 0x04
	Iconst2         Code = 0x05
	Iconst3         Code = 0x06
	Iconst4         Code = 0x07
	Iconst5         Code = 0x08
	Lconst0         Code = 0x09
	Lconst1         Code = 0x0a
	Fconst0         Code = 0x0b
	Fconst1         Code = 0x0c
	Fconst2         Code = 0x0d
	Dconst0         Code = 0x0e
	Dconst1         Code = 0x0f
	Bipush          Code = 0x10
	Sipush          Code = 0x11
	Ldc             Code = 0x12
	LdcW            Code = 0x13
	Ldc2W           Code = 0x14
	Iload           Code = 0x15
	Lload           Code = 0x16
	Fload           Code = 0x17
	Dload           Code = 0x18
	Aload           Code = 0x19
	Iload0          Code = 0x1a
	Iload1          Code = 0x1b
	Iload2          Code = 0x1c
	Iload3          Code = 0x1d
	Lload0          Code = 0x1e
	Lload1          Code = 0x1f
	Lload2          Code = 0x20
	Lload3          Code = 0x21
	Fload0          Code = 0x22
	Fload1          Code = 0x23
	Fload2          Code = 0x24
	Fload3          Code = 0x25
	Dload0          Code = 0x26
	Dload1          Code = 0x27
	Dload2          Code = 0x28
	Dload3          Code = 0x29
	Aload0          Code = 0x2a
	Aload1          Code = 0x2b
	Aload2          Code = 0x2c
	Aload3          Code = 0x2d
	Iaload          Code = 0x2e
	Laload          Code = 0x2f
	Faload          Code = 0x30
	Daload          Code = 0x31
	Aaload          Code = 0x32
	Baload          Code = 0x33
	Caload          Code = 0x34
	Saload          Code = 0x35
	Istore          Code = 0x36
	Lstore          Code = 0x37
	Fstore          Code = 0x38
	Dstore          Code = 0x39
	Astore          Code = 0x3a
	Istore0         Code = 0x3b
	Istore1         Code = 0x3c
	Istore2         Code = 0x3d
	Istore3         Code = 0x3e
	Lstore0         Code = 0x3f
	Lstore1         Code = 0x40
	Lstore2         Code = 0x41
	Lstore3         Code = 0x42
	Fstore0         Code = 0x43
	Fstore1         Code = 0x44
	Fstore2         Code = 0x45
	Fstore3         Code = 0x46
	Dstore0         Code = 0x47
	Dstore1         Code = 0x48
	Dstore2         Code = 0x49
	Dstore3         Code = 0x4a
	Astore0         Code = 0x4b
	Astore1         Code = 0x4c
	Astore2         Code = 0x4d
	Astore3         Code = 0x4e
	Iastore         Code = 0x4f
	Lastore         Code = 0x50
	Fastore         Code = 0x51
	Dastore         Code = 0x52
	Aastore         Code = 0x53
	Bastore         Code = 0x54
	Castore         Code = 0x55
	Sastore         Code = 0x56
	Pop             Code = 0x57
	Pop2            Code = 0x58
	Dup             Code = 0x59
	DupX1           Code = 0x5a
	DupX2           Code = 0x5b
	Dup2            Code = 0x5c
	Dup2X1          Code = 0x5d
	Dup2X2          Code = 0x5e
	Swap            Code = 0x5f
	Iadd            Code = 0x60
	Ladd            Code = 0x61
	Fadd            Code = 0x62
	Dadd            Code = 0x63
	Isub            Code = 0x64
	Lsub            Code = 0x65
	Fsub            Code = 0x66
	Dsub            Code = 0x67
	Imul            Code = 0x68
	Lmul            Code = 0x69
	Fmul            Code = 0x6a
	Dmul            Code = 0x6b
	Idiv            Code = 0x6c
	Ldiv            Code = 0x6d
	Fdiv            Code = 0x6e
	Ddiv            Code = 0x6f
	Irem            Code = 0x70
	Lrem            Code = 0x71
	Frem            Code = 0x72
	Drem            Code = 0x73
	Ineg            Code = 0x74
	Lneg            Code = 0x75
	Fneg            Code = 0x76
	Dneg            Code = 0x77
	Ishl            Code = 0x78
	Lshl            Code = 0x79
	Ishr            Code = 0x7a
	Lshr            Code = 0x7b
	Iushr           Code = 0x7c
	Lushr           Code = 0x7d
	Iand            Code = 0x7e
	Land            Code = 0x7f
	Ior             Code = 0x80
	Lor             Code = 0x81
	Ixor            Code = 0x82
	Lxor            Code = 0x83
	Iinc            Code = 0x84
	I2l             Code = 0x85
	I2f             Code = 0x86
	I2d             Code = 0x87
	L2i             Code = 0x88
	L2f             Code = 0x89
	L2d             Code = 0x8a
	F2i             Code = 0x8b
	F2l             Code = 0x8c
	F2d             Code = 0x8d
	D2i             Code = 0x8e
	D2l             Code = 0x8f
	D2f             Code = 0x90
	I2b             Code = 0x91
	I2c             Code = 0x92
	I2s             Code = 0x93
	Lcmp            Code = 0x94
	Fcmpl           Code = 0x95
	Fcmpg           Code = 0x96
	Dcmpl           Code = 0x97
	Dcmpg           Code = 0x98
	Ifeq            Code = 0x99
	Ifne            Code = 0x9a
	Iflt            Code = 0x9b
	Ifge            Code = 0x9c
	Ifgt            Code = 0x9d
	Ifle            Code = 0x9e
	IfIcmpeq        Code = 0x9f
	IfIcmpne        Code = 0xa0
	IfIcmplt        Code = 0xa1
	IfIcmpge        Code = 0xa2
	IfIcmpgt        Code = 0xa3
	IfIcmple        Code = 0xa4
	IfAcmpeq        Code = 0xa5
	IfAcmpne        Code = 0xa6
	Goto            Code = 0xa7
	Jsr             Code = 0xa8
	Ret             Code = 0xa9
	Tableswitch     Code = 0xaa
	Lookupswitch    Code = 0xab
	Ireturn         Code = 0xac
	Lreturn         Code = 0xad
	Freturn         Code = 0xae
	Dreturn         Code = 0xaf
	Areturn         Code = 0xb0
	Return          Code = 0xb1
	Getstatic       Code = 0xb2
	Putstatic       Code = 0xb3
	Getfield        Code = 0xb4
	Putfield        Code = 0xb5
	Invokevirtual   Code = 0xb6
	Invokespecial   Code = 0xb7
	Invokestatic    Code = 0xb8
	Invokeinterface Code = 0xb9
	Invokedynamic   Code = 0xba
	New             Code = 0xbb
	Newarray        Code = 0xbc
	Anewarray       Code = 0xbd
	Arraylength     Code = 0xbe
	Athrow          Code = 0xbf
	Checkcast       Code = 0xc0
	Instanceof      Code = 0xc1
	Monitorenter    Code = 0xc2
	Monitorexit     Code = 0xc3
	Wide            Code = 0xc4
	Multianewarray  Code = 0xc5
	Ifnull          Code = 0xc6
	Ifnonnull       Code = 0xc7
	GotoW           Code = 0xc8
	JsrW            Code = 0xc9
)

// Operand describes how an opcode's operands are encoded.
type Operand uint8

const (
	None            Operand = iota // no operands
	Byte                           // signed 8-bit immediate (bipush)
	Short                          // signed 16-bit immediate (sipush)
	Local                          // u1 local index (u2 when wide)
	Pool8                          // u1 constant pool index (ldc)
	Pool16                         // u2 constant pool index
	Branch16                       // s2 relative branch
	Branch32                       // s4 relative branch
	Increment                      // iinc: u1 local + s1 const (u2 + s2 when wide)
	ArrayType                      // newarray: u1 primitive type
	Interface                      // invokeinterface: u2 index, u1 count, u1 zero
	Dynamic                        // invokedynamic: u2 index, u2 zero
	Dimensions                     // multianewarray: u2 index, u1 dimensions
	TableSwitch                    // padded tableswitch
	LookupSwitch                   // padded lookupswitch
	WidePrefix                     // wide prefix
	Invalid                        // not a defined opcode
)

type info struct {
	name    string
	operand Operand
}

var table [256]info

func init() {
	for i := range table {
		table[i] = info{name: "", operand: Invalid}
	}
	set := func(c Code, name string, o Operand) { table[c] = info{name, o} }

	simple := []string{
		"nop", "aconst_null", "iconst_m1", "iconst_0", "iconst_1", "iconst_2", "iconst_3",
		"iconst_4", "iconst_5", "lconst_0", "lconst_1", "fconst_0", "fconst_1", "fconst_2",
		"dconst_0", "dconst_1",
	}
	for i, n := range simple {
		set(Code(i), n, None)
	}
	set(Bipush, "bipush", Byte)
	set(Sipush, "sipush", Short)
	set(Ldc, "ldc", Pool8)
	set(LdcW, "ldc_w", Pool16)
	set(Ldc2W, "ldc2_w", Pool16)
	for i, n := range []string{"iload", "lload", "fload", "dload", "aload"} {
		set(Iload+Code(i), n, Local)
		for j := 0; j < 4; j++ {
			set(Iload0+Code(i*4+j), n+"_"+string(rune('0'+j)), None)
		}
	}
	for i, n := range []string{"iaload", "laload", "faload", "daload", "aaload", "baload", "caload", "saload"} {
		set(Iaload+Code(i), n, None)
	}
	for i, n := range []string{"istore", "lstore", "fstore", "dstore", "astore"} {
		set(Istore+Code(i), n, Local)
		for j := 0; j < 4; j++ {
			set(Istore0+Code(i*4+j), n+"_"+string(rune('0'+j)), None)
		}
	}
	rest := []string{
		"iastore", "lastore", "fastore", "dastore", "aastore", "bastore", "castore", "sastore",
		"pop", "pop2", "dup", "dup_x1", "dup_x2", "dup2", "dup2_x1", "dup2_x2", "swap",
		"iadd", "ladd", "fadd", "dadd", "isub", "lsub", "fsub", "dsub",
		"imul", "lmul", "fmul", "dmul", "idiv", "ldiv", "fdiv", "ddiv",
		"irem", "lrem", "frem", "drem", "ineg", "lneg", "fneg", "dneg",
		"ishl", "lshl", "ishr", "lshr", "iushr", "lushr", "iand", "land",
		"ior", "lor", "ixor", "lxor",
	}
	for i, n := range rest {
		set(Iastore+Code(i), n, None)
	}
	set(Iinc, "iinc", Increment)
	conv := []string{
		"i2l", "i2f", "i2d", "l2i", "l2f", "l2d", "f2i", "f2l", "f2d", "d2i", "d2l", "d2f",
		"i2b", "i2c", "i2s", "lcmp", "fcmpl", "fcmpg", "dcmpl", "dcmpg",
	}
	for i, n := range conv {
		set(I2l+Code(i), n, None)
	}
	branches := []string{
		"ifeq", "ifne", "iflt", "ifge", "ifgt", "ifle", "if_icmpeq", "if_icmpne",
		"if_icmplt", "if_icmpge", "if_icmpgt", "if_icmple", "if_acmpeq", "if_acmpne",
		"goto", "jsr",
	}
	for i, n := range branches {
		set(Ifeq+Code(i), n, Branch16)
	}
	set(Ret, "ret", Local)
	set(Tableswitch, "tableswitch", TableSwitch)
	set(Lookupswitch, "lookupswitch", LookupSwitch)
	for i, n := range []string{"ireturn", "lreturn", "freturn", "dreturn", "areturn", "return"} {
		set(Ireturn+Code(i), n, None)
	}
	for i, n := range []string{"getstatic", "putstatic", "getfield", "putfield", "invokevirtual", "invokespecial", "invokestatic"} {
		set(Getstatic+Code(i), n, Pool16)
	}
	set(Invokeinterface, "invokeinterface", Interface)
	set(Invokedynamic, "invokedynamic", Dynamic)
	set(New, "new", Pool16)
	set(Newarray, "newarray", ArrayType)
	set(Anewarray, "anewarray", Pool16)
	set(Arraylength, "arraylength", None)
	set(Athrow, "athrow", None)
	set(Checkcast, "checkcast", Pool16)
	set(Instanceof, "instanceof", Pool16)
	set(Monitorenter, "monitorenter", None)
	set(Monitorexit, "monitorexit", None)
	set(Wide, "wide", WidePrefix)
	set(Multianewarray, "multianewarray", Dimensions)
	set(Ifnull, "ifnull", Branch16)
	set(Ifnonnull, "ifnonnull", Branch16)
	set(GotoW, "goto_w", Branch32)
	set(JsrW, "jsr_w", Branch32)
}

func (c Code) String() string {
	if n := table[c].name; n != "" {
		return n
	}
	return "invalid"
}

// Operand returns the operand encoding of the opcode.
func (c Code) Operand() Operand { return table[c].operand }

// Valid reports whether c is a defined opcode.
func (c Code) Valid() bool { return table[c].operand != Invalid }

// IsBranch reports whether c carries a relative branch offset (switches excluded).
func (c Code) IsBranch() bool {
	o := c.Operand()
	return o == Branch16 || o == Branch32
}

// IsSwitch reports whether c is a tableswitch or lookupswitch.
func (c Code) IsSwitch() bool { return c == Tableswitch || c == Lookupswitch }

// UsesPool reports whether c carries a constant pool index.
func (c Code) UsesPool() bool {
	switch c.Operand() {
	case Pool8, Pool16, Interface, Dynamic, Dimensions:
		return true
	}
	return false
}

// IsReturn reports whether c returns from the current method.
func (c Code) IsReturn() bool { return c >= Ireturn && c <= Return }

// Unconditional reports whether execution never falls through c.
func (c Code) Unconditional() bool {
	switch c {
	case Goto, GotoW, Athrow, Ret, Tableswitch, Lookupswitch:
		return true
	}
	return c.IsReturn()
}

// CanWiden reports whether c may be prefixed with wide.
func (c Code) CanWiden() bool {
	return c.Operand() == Local || c == Iinc
}

// Implicit maps the short load/store forms (e.g. aload_1) to their explicit
// opcode and local index.
func (c Code) Implicit() (Code, uint16, bool) {
	switch {
	case c >= Iload0 && c <= Aload3:
		n := c - Iload0
		return Iload + n/4, uint16(n % 4), true
	case c >= Istore0 && c <= Astore3:
		n := c - Istore0
		return Istore + n/4, uint16(n % 4), true
	}
	return c, 0, false
}

// Short returns the implicit short form of an explicit load/store for index
// 0..3, if one exists.
func (c Code) Short(index uint16) (Code, bool) {
	if index > 3 {
		return c, false
	}
	switch {
	case c >= Iload && c <= Aload:
		return Iload0 + (c-Iload)*4 + Code(index), true
	case c >= Istore && c <= Astore:
		return Istore0 + (c-Istore)*4 + Code(index), true
	}
	return c, false
}
