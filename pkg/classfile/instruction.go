package classfile

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/blacktop/destringer/pkg/classfile/op"
)

// ErrOperandRange is returned when an operand does not fit its encoding.
var ErrOperandRange = errors.New("operand out of range")

// Instruction is one decoded bytecode instruction. Branch offsets are
// relative to Offset, as in the encoding.
type Instruction struct {
	Offset int
	Op     op.Code
	Wide   bool

	Index  uint16 // constant pool index
	Local  uint16 // local variable slot (also iinc, ret)
	Const  int32  // bipush/sipush immediate, iinc delta
	Branch int32
	Count  uint8 // invokeinterface arg count
	Dims   uint8 // multianewarray
	AType  uint8 // newarray

	Default int32
	Low     int32
	High    int32
	Keys    []int32 // lookupswitch match keys
	Targets []int32 // switch offsets, relative to Offset
}

func switchPad(offset int) int { return 3 - offset%4 }

// Size returns the encoded length of the instruction if placed at offset.
func (i *Instruction) Size(offset int) int {
	switch i.Op.Operand() {
	case op.None:
		return 1
	case op.Byte, op.Pool8, op.ArrayType:
		return 2
	case op.Short, op.Pool16, op.Branch16:
		return 3
	case op.Local:
		if i.Wide {
			return 4
		}
		return 2
	case op.Increment:
		if i.Wide {
			return 6
		}
		return 3
	case op.Dimensions:
		return 4
	case op.Branch32, op.Interface, op.Dynamic:
		return 5
	case op.TableSwitch:
		return 1 + switchPad(offset) + 12 + 4*len(i.Targets)
	case op.LookupSwitch:
		return 1 + switchPad(offset) + 8 + 8*len(i.Targets)
	}
	return 1
}

// Len returns the encoded length at the instruction's own offset.
func (i *Instruction) Len() int { return i.Size(i.Offset) }

// Next returns the offset of the following instruction.
func (i *Instruction) Next() int { return i.Offset + i.Len() }

// DecodeInstruction decodes the instruction at offset.
func DecodeInstruction(code []byte, offset int) (Instruction, error) {
	d := &decoder{b: code, off: offset}
	ins := Instruction{Offset: offset, Op: op.Code(d.u1())}
	if ins.Op == op.Wide {
		ins.Wide = true
		ins.Op = op.Code(d.u1())
		if d.err == nil && !ins.Op.CanWiden() {
			return ins, fmt.Errorf("%w: wide %s at %d", ErrFormat, ins.Op, offset)
		}
	}
	switch ins.Op.Operand() {
	case op.None:
	case op.Byte:
		ins.Const = int32(int8(d.u1()))
	case op.Short:
		ins.Const = int32(int16(d.u2()))
	case op.Local:
		if ins.Wide {
			ins.Local = d.u2()
		} else {
			ins.Local = uint16(d.u1())
		}
	case op.Pool8:
		ins.Index = uint16(d.u1())
	case op.Pool16:
		ins.Index = d.u2()
	case op.Branch16:
		ins.Branch = int32(int16(d.u2()))
	case op.Branch32:
		ins.Branch = int32(d.u4())
	case op.Increment:
		if ins.Wide {
			ins.Local = d.u2()
			ins.Const = int32(int16(d.u2()))
		} else {
			ins.Local = uint16(d.u1())
			ins.Const = int32(int8(d.u1()))
		}
	case op.ArrayType:
		ins.AType = d.u1()
	case op.Interface:
		ins.Index = d.u2()
		ins.Count = d.u1()
		d.u1()
	case op.Dynamic:
		ins.Index = d.u2()
		d.u2()
	case op.Dimensions:
		ins.Index = d.u2()
		ins.Dims = d.u1()
	case op.TableSwitch:
		d.need(switchPad(offset))
		d.off += switchPad(offset)
		ins.Default = int32(d.u4())
		ins.Low = int32(d.u4())
		ins.High = int32(d.u4())
		if d.err == nil && (ins.High < ins.Low || int64(ins.High)-int64(ins.Low) >= 65536) {
			return ins, fmt.Errorf("%w: tableswitch bounds [%d, %d] at %d", ErrFormat, ins.Low, ins.High, offset)
		}
		for n := int64(ins.Low); n <= int64(ins.High) && d.err == nil; n++ {
			ins.Targets = append(ins.Targets, int32(d.u4()))
		}
	case op.LookupSwitch:
		d.need(switchPad(offset))
		d.off += switchPad(offset)
		ins.Default = int32(d.u4())
		n := int32(d.u4())
		if d.err == nil && (n < 0 || n >= 65536) {
			return ins, fmt.Errorf("%w: lookupswitch npairs %d at %d", ErrFormat, n, offset)
		}
		for j := int32(0); j < n && d.err == nil; j++ {
			ins.Keys = append(ins.Keys, int32(d.u4()))
			ins.Targets = append(ins.Targets, int32(d.u4()))
		}
	default:
		if d.err == nil {
			return ins, fmt.Errorf("%w: invalid opcode %#02x at %d", ErrFormat, uint8(ins.Op), offset)
		}
	}
	if d.err != nil {
		return ins, fmt.Errorf("%s at %d: %w", ins.Op, offset, d.err)
	}
	return ins, nil
}

// DecodeInstructions decodes a whole code region.
func DecodeInstructions(code []byte) ([]Instruction, error) {
	var insns []Instruction
	for off := 0; off < len(code); {
		ins, err := DecodeInstruction(code, off)
		if err != nil {
			return nil, err
		}
		insns = append(insns, ins)
		off += ins.Len()
	}
	return insns, nil
}

// Encode encodes the instruction as if placed at offset. Branch and switch
// offsets are written as stored.
func (i *Instruction) Encode(offset int) ([]byte, error) {
	e := &encoder{}
	if i.Wide {
		if !i.Op.CanWiden() {
			return nil, fmt.Errorf("%w: %s cannot be widened", ErrOperandRange, i.Op)
		}
		e.u1(uint8(op.Wide))
	}
	e.u1(uint8(i.Op))
	switch i.Op.Operand() {
	case op.None:
	case op.Byte:
		if i.Const < math.MinInt8 || i.Const > math.MaxInt8 {
			return nil, fmt.Errorf("%w: bipush %d", ErrOperandRange, i.Const)
		}
		e.u1(uint8(int8(i.Const)))
	case op.Short:
		if i.Const < math.MinInt16 || i.Const > math.MaxInt16 {
			return nil, fmt.Errorf("%w: sipush %d", ErrOperandRange, i.Const)
		}
		e.u2(uint16(int16(i.Const)))
	case op.Local:
		if i.Wide {
			e.u2(i.Local)
		} else {
			if i.Local > math.MaxUint8 {
				return nil, fmt.Errorf("%w: %s local %d needs wide", ErrOperandRange, i.Op, i.Local)
			}
			e.u1(uint8(i.Local))
		}
	case op.Pool8:
		if i.Index > math.MaxUint8 {
			return nil, fmt.Errorf("%w: ldc index %d", ErrOperandRange, i.Index)
		}
		e.u1(uint8(i.Index))
	case op.Pool16:
		e.u2(i.Index)
	case op.Branch16:
		if i.Branch < math.MinInt16 || i.Branch > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %s offset %d", ErrOperandRange, i.Op, i.Branch)
		}
		e.u2(uint16(int16(i.Branch)))
	case op.Branch32:
		e.u4(uint32(i.Branch))
	case op.Increment:
		if i.Wide {
			e.u2(i.Local)
			e.u2(uint16(int16(i.Const)))
		} else {
			if i.Local > math.MaxUint8 || i.Const < math.MinInt8 || i.Const > math.MaxInt8 {
				return nil, fmt.Errorf("%w: iinc %d %d needs wide", ErrOperandRange, i.Local, i.Const)
			}
			e.u1(uint8(i.Local))
			e.u1(uint8(int8(i.Const)))
		}
	case op.ArrayType:
		e.u1(i.AType)
	case op.Interface:
		e.u2(i.Index)
		e.u1(i.Count)
		e.u1(0)
	case op.Dynamic:
		e.u2(i.Index)
		e.u2(0)
	case op.Dimensions:
		e.u2(i.Index)
		e.u1(i.Dims)
	case op.TableSwitch:
		for range switchPad(offset) {
			e.u1(0)
		}
		e.u4(uint32(i.Default))
		e.u4(uint32(i.Low))
		e.u4(uint32(i.High))
		if int64(len(i.Targets)) != int64(i.High)-int64(i.Low)+1 {
			return nil, fmt.Errorf("%w: tableswitch has %d targets for [%d, %d]", ErrOperandRange, len(i.Targets), i.Low, i.High)
		}
		for _, t := range i.Targets {
			e.u4(uint32(t))
		}
	case op.LookupSwitch:
		for range switchPad(offset) {
			e.u1(0)
		}
		if len(i.Keys) != len(i.Targets) {
			return nil, fmt.Errorf("%w: lookupswitch has %d keys and %d targets", ErrOperandRange, len(i.Keys), len(i.Targets))
		}
		e.u4(uint32(i.Default))
		e.u4(uint32(len(i.Keys)))
		for j, k := range i.Keys {
			e.u4(uint32(k))
			e.u4(uint32(i.Targets[j]))
		}
	default:
		return nil, fmt.Errorf("%w: invalid opcode %#02x", ErrOperandRange, uint8(i.Op))
	}
	return e.b, nil
}

// Assemble lays out insns back to back from offset 0, updating each Offset,
// and returns the encoded code region.
func Assemble(insns []Instruction) ([]byte, error) {
	var out []byte
	for n := range insns {
		insns[n].Offset = len(out)
		b, err := insns[n].Encode(len(out))
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", n, insns[n].Op, err)
		}
		out = append(out, b...)
	}
	return out, nil
}

// BranchTargets returns the absolute offsets the instruction may jump to.
func (i *Instruction) BranchTargets() []int {
	switch {
	case i.Op.IsBranch():
		return []int{i.Offset + int(i.Branch)}
	case i.Op.IsSwitch():
		targets := []int{i.Offset + int(i.Default)}
		for _, t := range i.Targets {
			targets = append(targets, i.Offset+int(t))
		}
		return targets
	}
	return nil
}

// Ldc returns ldc or ldc_w for index.
func Ldc(index uint16) Instruction {
	if index > math.MaxUint8 {
		return Instruction{Op: op.LdcW, Index: index}
	}
	return Instruction{Op: op.Ldc, Index: index}
}

// PushInt returns the shortest instruction pushing v, adding an Integer
// constant to pool when no immediate form fits.
func PushInt(pool *ConstantPool, v int32) (Instruction, error) {
	switch {
	case v >= -1 && v <= 5:
		return Instruction{Op: op.Iconst0 + op.Code(v)}, nil
	case v >= math.MinInt8 && v <= math.MaxInt8:
		return Instruction{Op: op.Bipush, Const: v}, nil
	case v >= math.MinInt16 && v <= math.MaxInt16:
		return Instruction{Op: op.Sipush, Const: v}, nil
	}
	idx, err := pool.AddInteger(v)
	if err != nil {
		return Instruction{}, err
	}
	return Ldc(idx), nil
}

// IntValue returns the int pushed by iconst/bipush/sipush/ldc Integer.
func (i *Instruction) IntValue(pool *ConstantPool) (int32, bool) {
	switch {
	case i.Op >= op.IconstM1 && i.Op <= op.Iconst5:
		return int32(i.Op) - int32(op.Iconst0), true
	case i.Op == op.Bipush || i.Op == op.Sipush:
		return i.Const, true
	case i.Op == op.Ldc || i.Op == op.LdcW:
		if pool == nil {
			return 0, false
		}
		if c, err := pool.Get(i.Index); err == nil {
			if n, ok := c.(*Integer); ok {
				return n.Value, true
			}
		}
	}
	return 0, false
}

// Format renders the instruction in javap style. pool may be nil.
func (i *Instruction) Format(pool *ConstantPool) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%5d: ", i.Offset)
	if i.Wide {
		sb.WriteString("wide ")
	}
	sb.WriteString(i.Op.String())
	switch i.Op.Operand() {
	case op.Byte, op.Short:
		fmt.Fprintf(&sb, " %d", i.Const)
	case op.Local:
		fmt.Fprintf(&sb, " %d", i.Local)
	case op.Increment:
		fmt.Fprintf(&sb, " %d, %d", i.Local, i.Const)
	case op.Branch16, op.Branch32:
		fmt.Fprintf(&sb, " %d", i.Offset+int(i.Branch))
	case op.ArrayType:
		fmt.Fprintf(&sb, " %s", arrayTypeName(i.AType))
	case op.Pool8, op.Pool16, op.Interface, op.Dynamic, op.Dimensions:
		fmt.Fprintf(&sb, " #%d", i.Index)
		if i.Op == op.Invokeinterface {
			fmt.Fprintf(&sb, ", %d", i.Count)
		}
		if i.Op == op.Multianewarray {
			fmt.Fprintf(&sb, ", %d", i.Dims)
		}
		if pool != nil {
			if s := describeConstant(pool, i.Index); s != "" {
				sb.WriteString(" // " + s)
			}
		}
	case op.TableSwitch:
		fmt.Fprintf(&sb, " { %d..%d", i.Low, i.High)
		for j, t := range i.Targets {
			fmt.Fprintf(&sb, "; %d: %d", i.Low+int32(j), i.Offset+int(t))
		}
		fmt.Fprintf(&sb, "; default: %d }", i.Offset+int(i.Default))
	case op.LookupSwitch:
		sb.WriteString(" {")
		for j, t := range i.Targets {
			fmt.Fprintf(&sb, " %d: %d;", i.Keys[j], i.Offset+int(t))
		}
		fmt.Fprintf(&sb, " default: %d }", i.Offset+int(i.Default))
	}
	return sb.String()
}

func arrayTypeName(t uint8) string {
	switch t {
	case 4:
		return "boolean"
	case 5:
		return "char"
	case 6:
		return "float"
	case 7:
		return "double"
	case 8:
		return "byte"
	case 9:
		return "short"
	case 10:
		return "int"
	case 11:
		return "long"
	}
	return fmt.Sprintf("atype(%d)", t)
}

// describeConstant renders a pool entry for disassembly comments.
func describeConstant(pool *ConstantPool, index uint16) string {
	c, err := pool.Get(index)
	if err != nil {
		return ""
	}
	switch c := c.(type) {
	case *String:
		s, _ := pool.StringValue(index)
		return fmt.Sprintf("String %q", s)
	case *Class:
		s, _ := pool.ClassName(index)
		return "class " + s
	case *MemberRef:
		r, err := pool.Ref(index)
		if err != nil {
			return ""
		}
		return c.Kind.String() + " " + r.String()
	case *Integer:
		return fmt.Sprintf("int %d", c.Value)
	case *Long:
		return fmt.Sprintf("long %dl", c.Value)
	case *Float:
		return fmt.Sprintf("float %gf", math.Float32frombits(c.Bits))
	case *Double:
		return fmt.Sprintf("double %gd", math.Float64frombits(c.Bits))
	case *Dynamic:
		name, desc, err := pool.NameAndType(c.NameAndTypeIndex)
		if err != nil {
			return ""
		}
		return fmt.Sprintf("%s #%d:%s:%s", c.Kind, c.BootstrapMethodAttrIndex, name, desc)
	case *MethodHandle, *MethodType:
		return c.Tag().String()
	}
	return ""
}
