package emu

import (
	"errors"
	"fmt"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
)

// call runs an interpreted method of the loaded class with args (receiver
// first for instance methods).
func (e *Emulation) call(m *classfile.Member, args []Value) (Value, error) {
	if len(e.frames) >= e.conf.MaxDepth {
		return nil, fmt.Errorf("%w (%d)", ErrStackDepth, e.conf.MaxDepth)
	}
	code := m.Code()
	if code == nil {
		return nil, fmt.Errorf("%w: %s.%s%s has no code", ErrUnsupported, e.name, m.Name(), m.Descriptor())
	}
	f := &frame{
		method: m,
		code:   code,
		locals: make([]Value, max(int(code.MaxLocals), 1)),
		stack:  make([]Value, 0, code.MaxStack),
	}
	slot := 0
	for _, a := range args {
		if slot >= len(f.locals) {
			return nil, fmt.Errorf("%w: %s.%s%s: arguments exceed max_locals", classfile.ErrFormat, e.name, m.Name(), m.Descriptor())
		}
		f.locals[slot] = a
		slot++
		if wide(a) {
			slot++
		}
	}
	e.frames = append(e.frames, f)
	defer func() { e.frames = e.frames[:len(e.frames)-1] }()
	return e.execute(f)
}

func (e *Emulation) decode(code *classfile.Code, pc int) (*classfile.Instruction, error) {
	insns, ok := e.decoded[code]
	if !ok {
		insns = make(map[int]classfile.Instruction)
		e.decoded[code] = insns
	}
	ins, ok := insns[pc]
	if !ok {
		var err error
		if ins, err = classfile.DecodeInstruction(code.Bytecode, pc); err != nil {
			return nil, err
		}
		insns[pc] = ins
	}
	return &ins, nil
}

// execute is the interpreter loop for one frame.
func (e *Emulation) execute(f *frame) (Value, error) {
	for {
		if f.pc < 0 || f.pc >= len(f.code.Bytecode) {
			e.at(f, f.pc)
			return nil, fmt.Errorf("%w: pc %d outside the code", classfile.ErrFormat, f.pc)
		}
		if err := e.tick(); err != nil {
			e.at(f, f.pc)
			return nil, err
		}
		ins, err := e.decode(f.code, f.pc)
		if err != nil {
			e.at(f, f.pc)
			return nil, err
		}
		if e.conf.Verbose {
			log.WithFields(log.Fields{
				"method": f.method.Name(),
				"depth":  len(e.frames),
				"stack":  len(f.stack),
			}).Debug(ins.Format(e.class.Pool))
		}
		ret, done, err := e.step(f, ins)
		if err != nil {
			var t *thrown
			if errors.As(err, &t) {
				if handler, ok := e.handler(f, t.obj); ok {
					f.stack = append(f.stack[:0], t.obj)
					f.pc = handler
					continue
				}
			}
			e.at(f, ins.Offset)
			return nil, err
		}
		if done {
			return ret, nil
		}
	}
}

// handler returns the first exception_table entry of f covering the current
// pc that catches obj.
func (e *Emulation) handler(f *frame, obj *Object) (int, bool) {
	for _, h := range f.code.ExceptionTable {
		if f.pc < int(h.StartPC) || f.pc >= int(h.EndPC) {
			continue
		}
		if h.CatchType == 0 {
			return int(h.HandlerPC), true
		}
		name, err := e.class.Pool.ClassName(h.CatchType)
		if err == nil && e.instanceOf(obj, name) {
			return int(h.HandlerPC), true
		}
	}
	return 0, false
}

// step executes one instruction. done is set when the method returns.
func (e *Emulation) step(f *frame, ins *classfile.Instruction) (ret Value, done bool, err error) {
	next := ins.Next()
	c := ins.Op
	if base, local, ok := c.Implicit(); ok {
		c = base
		ins.Local = local
	}
	switch c {
	case op.Nop:
	case op.AconstNull:
		f.push(nil)
	case op.IconstM1, op.Iconst0, op.Iconst1, op.Iconst2, op.Iconst3, op.Iconst4, op.Iconst5:
		f.push(int32(c) - int32(op.Iconst0))
	case op.Lconst0, op.Lconst1:
		f.push(int64(c - op.Lconst0))
	case op.Fconst0, op.Fconst1, op.Fconst2:
		f.push(float32(c - op.Fconst0))
	case op.Dconst0, op.Dconst1:
		f.push(float64(c - op.Dconst0))
	case op.Bipush, op.Sipush:
		f.push(ins.Const)
	case op.Ldc, op.LdcW, op.Ldc2W:
		v, err := e.class.Pool.Value(ins.Index)
		if err != nil {
			return nil, false, err
		}
		f.push(e.constant(v))

	case op.Iload, op.Lload, op.Fload, op.Dload, op.Aload:
		f.push(f.load(ins.Local))
	case op.Istore:
		f.store(ins.Local, f.popInt())
	case op.Lstore:
		f.store(ins.Local, f.popLong())
	case op.Fstore:
		f.store(ins.Local, f.popFloat())
	case op.Dstore:
		f.store(ins.Local, f.popDouble())
	case op.Astore:
		f.store(ins.Local, f.popRef())
	case op.Iinc:
		v, ok := f.load(ins.Local).(int32)
		if !ok {
			f.fail("iinc on a non-int local")
		}
		f.locals[ins.Local] = v + ins.Const

	case op.Iaload, op.Laload, op.Faload, op.Daload, op.Aaload, op.Baload, op.Caload, op.Saload:
		i := f.popInt()
		a, err := e.array(f.popRef(), i)
		if err != nil {
			return nil, false, err
		}
		f.push(a.Elems[i])
	case op.Iastore, op.Lastore, op.Fastore, op.Dastore, op.Aastore, op.Bastore, op.Castore, op.Sastore:
		v := f.pop()
		i := f.popInt()
		a, err := e.array(f.popRef(), i)
		if err != nil {
			return nil, false, err
		}
		a.Elems[i] = narrow(a.Type, v)

	case op.Pop:
		f.drop(1)
	case op.Pop2:
		f.drop(2)
	case op.Dup:
		f.dup(1, 0)
	case op.DupX1:
		f.dup(1, 1)
	case op.DupX2:
		f.dup(1, 2)
	case op.Dup2:
		f.dup(2, 0)
	case op.Dup2X1:
		f.dup(2, 1)
	case op.Dup2X2:
		f.dup(2, 2)
	case op.Swap:
		b, a := f.pop(), f.pop()
		f.push(b)
		f.push(a)

	case op.Iadd, op.Isub, op.Imul, op.Idiv, op.Irem, op.Ishl, op.Ishr, op.Iushr, op.Iand, op.Ior, op.Ixor:
		b, a := f.popInt(), f.popInt()
		v, err := e.intOp(c, a, b)
		if err != nil {
			return nil, false, err
		}
		f.push(v)
	case op.Ladd, op.Lsub, op.Lmul, op.Ldiv, op.Lrem, op.Land, op.Lor, op.Lxor:
		b, a := f.popLong(), f.popLong()
		v, err := e.longOp(c, a, b)
		if err != nil {
			return nil, false, err
		}
		f.push(v)
	case op.Lshl, op.Lshr, op.Lushr:
		s, a := f.popInt()&63, f.popLong()
		switch c {
		case op.Lshl:
			f.push(a << s)
		case op.Lshr:
			f.push(a >> s)
		default:
			f.push(int64(uint64(a) >> s))
		}
	case op.Fadd, op.Fsub, op.Fmul, op.Fdiv, op.Frem:
		b, a := f.popFloat(), f.popFloat()
		f.push(float32(floatOp(c-op.Fadd+op.Dadd, float64(a), float64(b))))
	case op.Dadd, op.Dsub, op.Dmul, op.Ddiv, op.Drem:
		b, a := f.popDouble(), f.popDouble()
		f.push(floatOp(c, a, b))
	case op.Ineg:
		f.push(-f.popInt())
	case op.Lneg:
		f.push(-f.popLong())
	case op.Fneg:
		f.push(-f.popFloat())
	case op.Dneg:
		f.push(-f.popDouble())

	case op.I2l:
		f.push(int64(f.popInt()))
	case op.I2f:
		f.push(float32(f.popInt()))
	case op.I2d:
		f.push(float64(f.popInt()))
	case op.L2i:
		f.push(int32(f.popLong()))
	case op.L2f:
		f.push(float32(f.popLong()))
	case op.L2d:
		f.push(float64(f.popLong()))
	case op.F2i:
		f.push(int32(toInt(float64(f.popFloat()), math.MinInt32, math.MaxInt32)))
	case op.F2l:
		f.push(toInt(float64(f.popFloat()), math.MinInt64, math.MaxInt64))
	case op.F2d:
		f.push(float64(f.popFloat()))
	case op.D2i:
		f.push(int32(toInt(f.popDouble(), math.MinInt32, math.MaxInt32)))
	case op.D2l:
		f.push(toInt(f.popDouble(), math.MinInt64, math.MaxInt64))
	case op.D2f:
		f.push(float32(f.popDouble()))
	case op.I2b:
		f.push(int32(int8(f.popInt())))
	case op.I2c:
		f.push(int32(uint16(f.popInt())))
	case op.I2s:
		f.push(int32(int16(f.popInt())))

	case op.Lcmp:
		b, a := f.popLong(), f.popLong()
		f.push(compare(a, b))
	case op.Fcmpl, op.Fcmpg:
		b, a := f.popFloat(), f.popFloat()
		f.push(compareFloat(float64(a), float64(b), c == op.Fcmpg))
	case op.Dcmpl, op.Dcmpg:
		b, a := f.popDouble(), f.popDouble()
		f.push(compareFloat(a, b, c == op.Dcmpg))

	case op.Ifeq, op.Ifne, op.Iflt, op.Ifge, op.Ifgt, op.Ifle:
		if cond(c-op.Ifeq, compare(f.popInt(), 0)) {
			next = ins.Offset + int(ins.Branch)
		}
	case op.IfIcmpeq, op.IfIcmpne, op.IfIcmplt, op.IfIcmpge, op.IfIcmpgt, op.IfIcmple:
		b, a := f.popInt(), f.popInt()
		if cond(c-op.IfIcmpeq, compare(a, b)) {
			next = ins.Offset + int(ins.Branch)
		}
	case op.IfAcmpeq, op.IfAcmpne:
		b, a := f.popRef(), f.popRef()
		if (a == b) == (c == op.IfAcmpeq) {
			next = ins.Offset + int(ins.Branch)
		}
	case op.Ifnull, op.Ifnonnull:
		if (f.popRef() == nil) == (c == op.Ifnull) {
			next = ins.Offset + int(ins.Branch)
		}
	case op.Goto, op.GotoW:
		next = ins.Offset + int(ins.Branch)
	case op.Jsr, op.JsrW:
		f.push(retAddr(next))
		next = ins.Offset + int(ins.Branch)
	case op.Ret:
		r, ok := f.load(ins.Local).(retAddr)
		if !ok {
			f.fail("ret through a non-address local")
		}
		next = int(r)
	case op.Tableswitch:
		i := f.popInt()
		rel := ins.Default
		if i >= ins.Low && i <= ins.High {
			rel = ins.Targets[i-ins.Low]
		}
		next = ins.Offset + int(rel)
	case op.Lookupswitch:
		k := f.popInt()
		rel := ins.Default
		for j, key := range ins.Keys {
			if key == k {
				rel = ins.Targets[j]
				break
			}
		}
		next = ins.Offset + int(rel)

	case op.Ireturn, op.Lreturn, op.Freturn, op.Dreturn, op.Areturn:
		return f.pop(), true, nil
	case op.Return:
		return nil, true, nil

	case op.Getstatic, op.Putstatic, op.Getfield, op.Putfield:
		if err := e.field(f, c, ins.Index); err != nil {
			return nil, false, err
		}
	case op.Invokevirtual, op.Invokespecial, op.Invokestatic, op.Invokeinterface:
		if err := e.invoke(f, c, ins.Index); err != nil {
			return nil, false, err
		}
	case op.Invokedynamic:
		if err := e.invokeDynamic(f, ins.Index); err != nil {
			return nil, false, err
		}

	case op.New:
		name, err := e.class.Pool.ClassName(ins.Index)
		if err != nil {
			return nil, false, err
		}
		v, err := e.newObject(name)
		if err != nil {
			return nil, false, err
		}
		f.push(v)
	case op.Newarray:
		n := f.popInt()
		if n < 0 {
			return nil, false, e.throw("java/lang/NegativeArraySizeException", fmt.Sprint(n))
		}
		t, ok := primitiveArrayTypes[ins.AType]
		if !ok {
			f.fail("bad newarray type %d", ins.AType)
		}
		f.push(newArray(t, int(n)))
	case op.Anewarray:
		name, err := e.class.Pool.ClassName(ins.Index)
		if err != nil {
			return nil, false, err
		}
		n := f.popInt()
		if n < 0 {
			return nil, false, e.throw("java/lang/NegativeArraySizeException", fmt.Sprint(n))
		}
		f.push(newArray(descriptorOf(name), int(n)))
	case op.Multianewarray:
		name, err := e.class.Pool.ClassName(ins.Index)
		if err != nil {
			return nil, false, err
		}
		dims := f.popN(int(ins.Dims))
		counts := make([]int, len(dims))
		for i, d := range dims {
			n, ok := d.(int32)
			if !ok {
				f.fail("multianewarray dimension is %T", d)
			}
			if n < 0 {
				return nil, false, e.throw("java/lang/NegativeArraySizeException", fmt.Sprint(n))
			}
			counts[i] = int(n)
		}
		f.push(multiArray(name, counts))
	case op.Arraylength:
		switch a := f.popRef().(type) {
		case *Array:
			f.push(int32(len(a.Elems)))
		case nil:
			return nil, false, e.throw("java/lang/NullPointerException", "")
		default:
			f.fail("arraylength of %T", a)
		}
	case op.Athrow:
		switch v := f.popRef().(type) {
		case *Object:
			if !e.instanceOf(v, "java/lang/Throwable") {
				f.fail("athrow of %s", v.Class)
			}
			return nil, false, &thrown{obj: v}
		case nil:
			return nil, false, e.throw("java/lang/NullPointerException", "")
		default:
			f.fail("athrow of %T", v)
		}
	case op.Checkcast, op.Instanceof:
		name, err := e.class.Pool.ClassName(ins.Index)
		if err != nil {
			return nil, false, err
		}
		v := f.popRef()
		ok := v != nil && e.instanceOf(v, name)
		if c == op.Instanceof {
			f.push(boolInt(ok))
			break
		}
		if v != nil && !ok {
			return nil, false, e.throw("java/lang/ClassCastException", fmt.Sprintf("%s cannot be cast to %s", e.className(v), externalName(name)))
		}
		f.push(v)
	case op.Monitorenter, op.Monitorexit:
		if f.popRef() == nil {
			return nil, false, e.throw("java/lang/NullPointerException", "")
		}
	default:
		return nil, false, fmt.Errorf("%w opcode %s", ErrUnsupported, ins.Op)
	}
	f.pc = next
	return nil, false, nil
}

var primitiveArrayTypes = map[uint8]string{
	4: "Z", 5: "C", 6: "F", 7: "D", 8: "B", 9: "S", 10: "I", 11: "J",
}

// constant converts a resolved pool value into an operand stack value.
func (e *Emulation) constant(v any) Value {
	switch v := v.(type) {
	case []uint16:
		return e.intern(v)
	case classfile.ClassValue:
		return e.mirror(string(v))
	}
	return v
}

func (e *Emulation) intern(chars []uint16) *String {
	key := classfile.UTF16String(chars)
	if s, ok := e.interned[key]; ok && slicesEqual(s.Chars, chars) {
		return s
	}
	s := &String{Chars: chars}
	e.interned[key] = s
	return s
}

func slicesEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (e *Emulation) array(v Value, i int32) (*Array, error) {
	switch a := v.(type) {
	case *Array:
		if i < 0 || int(i) >= len(a.Elems) {
			return nil, e.throw("java/lang/ArrayIndexOutOfBoundsException", fmt.Sprintf("Index %d out of bounds for length %d", i, len(a.Elems)))
		}
		return a, nil
	case nil:
		return nil, e.throw("java/lang/NullPointerException", "")
	}
	return nil, fmt.Errorf("%w: array access on %T", ErrUnsupported, v)
}

// narrow truncates a stored value to the array component type.
func narrow(component string, v Value) Value {
	n, ok := v.(int32)
	if !ok {
		return v
	}
	switch component {
	case "Z":
		return n & 1
	case "B":
		return int32(int8(n))
	case "C":
		return int32(uint16(n))
	case "S":
		return int32(int16(n))
	}
	return n
}

// descriptorOf returns the component descriptor for an anewarray class operand.
func descriptorOf(name string) string {
	if len(name) > 0 && name[0] == '[' {
		return name
	}
	return "L" + name + ";"
}

func multiArray(desc string, counts []int) *Array {
	component := desc[1:]
	a := newArray(component, counts[0])
	if len(counts) > 1 {
		for i := range a.Elems {
			a.Elems[i] = multiArray(component, counts[1:])
		}
	}
	return a
}

func (e *Emulation) intOp(c op.Code, a, b int32) (int32, error) {
	switch c {
	case op.Iadd:
		return a + b, nil
	case op.Isub:
		return a - b, nil
	case op.Imul:
		return a * b, nil
	case op.Idiv, op.Irem:
		if b == 0 {
			return 0, e.throw("java/lang/ArithmeticException", "/ by zero")
		}
		if c == op.Idiv {
			return a / b, nil
		}
		return a % b, nil
	case op.Ishl:
		return a << (b & 31), nil
	case op.Ishr:
		return a >> (b & 31), nil
	case op.Iushr:
		return int32(uint32(a) >> (b & 31)), nil
	case op.Iand:
		return a & b, nil
	case op.Ior:
		return a | b, nil
	}
	return a ^ b, nil
}

func (e *Emulation) longOp(c op.Code, a, b int64) (int64, error) {
	switch c {
	case op.Ladd:
		return a + b, nil
	case op.Lsub:
		return a - b, nil
	case op.Lmul:
		return a * b, nil
	case op.Ldiv, op.Lrem:
		if b == 0 {
			return 0, e.throw("java/lang/ArithmeticException", "/ by zero")
		}
		if c == op.Ldiv {
			return a / b, nil
		}
		return a % b, nil
	case op.Land:
		return a & b, nil
	case op.Lor:
		return a | b, nil
	}
	return a ^ b, nil
}

func floatOp(c op.Code, a, b float64) float64 {
	switch c {
	case op.Dadd:
		return a + b
	case op.Dsub:
		return a - b
	case op.Dmul:
		return a * b
	case op.Ddiv:
		return a / b
	}
	return math.Mod(a, b)
}

// toInt converts with the JVM's saturating semantics: NaN becomes 0.
func toInt(v float64, lo, hi int64) int64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v <= float64(lo):
		return lo
	case v >= float64(hi):
		return hi
	}
	return int64(v)
}

func compare[T int32 | int64](a, b T) int32 {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareFloat(a, b float64, nanIsGreater bool) int32 {
	if math.IsNaN(a) || math.IsNaN(b) {
		if nanIsGreater {
			return 1
		}
		return -1
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// cond evaluates the n-th of eq, ne, lt, ge, gt, le against a comparison.
func cond(n op.Code, cmp int32) bool {
	switch n {
	case 0:
		return cmp == 0
	case 1:
		return cmp != 0
	case 2:
		return cmp < 0
	case 3:
		return cmp >= 0
	case 4:
		return cmp > 0
	}
	return cmp <= 0
}

func boolInt(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
