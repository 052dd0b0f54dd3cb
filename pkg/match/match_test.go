package match

import (
	"slices"
	"testing"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	pool  *classfile.ConstantPool
	insns []classfile.Instruction
}

func build(t *testing.T, fn func(p *classfile.ConstantPool) []classfile.Instruction) fixture {
	t.Helper()
	p := classfile.NewConstantPool()
	insns := fn(p)
	_, err := classfile.Assemble(insns)
	require.NoError(t, err)
	return fixture{pool: p, insns: insns}
}

func must(i uint16, err error) uint16 {
	if err != nil {
		panic(err)
	}
	return i
}

func TestDecryptCallExactness(t *testing.T) {
	f := build(t, func(p *classfile.ConstantPool) []classfile.Instruction {
		lit := must(p.AddString("abc"))
		other := must(p.AddString("not a call"))
		dec := must(p.AddMethodref("C", "m", DecryptDescriptor))
		log := must(p.AddMethodref("L", "log", "(Ljava/lang/String;)V"))
		return []classfile.Instruction{
			{Op: op.Ldc, Index: other},
			{Op: op.Invokestatic, Index: log},
			{Op: op.Ldc, Index: lit},
			{Op: op.Invokestatic, Index: dec},
			{Op: op.Astore1},
			{Op: op.Return},
		}
	})

	matches := slices.Collect(Scan(f.insns, f.pool, DecryptCall))
	require.Len(t, matches, 1)
	m := matches[0]
	assert.Equal(t, "decrypt-ldc", m.Template.Name)
	cls, _ := m.Text(BindClass)
	method, _ := m.Text(BindMethod)
	lit, _ := m.Text(BindLiteral)
	assert.Equal(t, "C", cls)
	assert.Equal(t, "m", method)
	assert.Equal(t, "abc", lit)
	assert.Equal(t, f.insns[2].Offset, m.Start)
	assert.Equal(t, f.insns[4].Offset, m.End)
	assert.Len(t, m.Instructions, 2)
	assert.Equal(t, f.insns[2].Index, m.Bindings[BindLiteral].Index)

	again := slices.Collect(Scan(f.insns, f.pool, DecryptCall))
	assert.Equal(t, matches, again, "scan must be restartable")
}

func TestDecryptCallWide(t *testing.T) {
	f := build(t, func(p *classfile.ConstantPool) []classfile.Instruction {
		for i := range int32(300) {
			must(p.AddInteger(i+1000))
		}
		lit := must(p.AddString("wide"))
		dec := must(p.AddMethodref("a/B", "z", DecryptDescriptor))
		return []classfile.Instruction{
			{Op: op.LdcW, Index: lit},
			{Op: op.Invokestatic, Index: dec},
			{Op: op.Areturn},
		}
	})
	matches := slices.Collect(Scan(f.insns, f.pool, DecryptCall))
	require.Len(t, matches, 1)
	assert.Equal(t, "decrypt-ldc_w", matches[0].Template.Name)
}

func TestNoMatch(t *testing.T) {
	tests := []struct {
		name  string
		build func(p *classfile.ConstantPool) []classfile.Instruction
	}{
		{"wrong descriptor", func(p *classfile.ConstantPool) []classfile.Instruction {
			return []classfile.Instruction{
				{Op: op.Ldc, Index: must(p.AddString("abc"))},
				{Op: op.Invokestatic, Index: must(p.AddMethodref("C", "m", "(Ljava/lang/String;)Ljava/lang/String;"))},
			}
		}},
		{"integer literal", func(p *classfile.ConstantPool) []classfile.Instruction {
			return []classfile.Instruction{
				{Op: op.Ldc, Index: must(p.AddInteger(99999))},
				{Op: op.Invokestatic, Index: must(p.AddMethodref("C", "m", DecryptDescriptor))},
			}
		}},
		{"not contiguous", func(p *classfile.ConstantPool) []classfile.Instruction {
			return []classfile.Instruction{
				{Op: op.Ldc, Index: must(p.AddString("abc"))},
				{Op: op.Nop},
				{Op: op.Invokestatic, Index: must(p.AddMethodref("C", "m", DecryptDescriptor))},
			}
		}},
		{"virtual call", func(p *classfile.ConstantPool) []classfile.Instruction {
			return []classfile.Instruction{
				{Op: op.Ldc, Index: must(p.AddString("abc"))},
				{Op: op.Invokevirtual, Index: must(p.AddMethodref("C", "m", DecryptDescriptor))},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := build(t, tt.build)
			assert.Empty(t, slices.Collect(Scan(f.insns, f.pool, DecryptCall)))
		})
	}
}

func TestRepeatedBinding(t *testing.T) {
	tmpl := &Template{Name: "twice", Steps: []Step{
		{Op: ALoad, Arg: Bind("x")},
		{Op: ALoad, Arg: Bind("x")},
	}}
	f := build(t, func(p *classfile.ConstantPool) []classfile.Instruction {
		return []classfile.Instruction{
			{Op: op.Aload1},
			{Op: op.Aload2},
			{Op: op.Aload, Local: 2},
			{Op: op.Aload, Local: 9},
		}
	})
	matches := slices.Collect(Scan(f.insns, f.pool, []*Template{tmpl}))
	require.Len(t, matches, 1)
	assert.Equal(t, f.insns[1].Offset, matches[0].Start)
	assert.Equal(t, uint16(2), matches[0].Bindings["x"].Value)
}

func TestPriorityAndResume(t *testing.T) {
	long := &Template{Name: "long", Steps: []Step{{Op: PushInt, Arg: Exact(2)}, {Op: Op(op.Aaload)}}}
	short := &Template{Name: "short", Steps: []Step{{Op: PushInt, Arg: Any()}}}
	f := build(t, func(p *classfile.ConstantPool) []classfile.Instruction {
		return []classfile.Instruction{
			{Op: op.Iconst2},
			{Op: op.Aaload},
			{Op: op.Bipush, Const: 2},
			{Op: op.Pop},
		}
	})
	var names []string
	for m := range Scan(f.insns, f.pool, []*Template{long, short}) {
		names = append(names, m.Template.Name)
	}
	assert.Equal(t, []string{"long", "short"}, names)

	n := 0
	for range Scan(f.insns, f.pool, []*Template{long, short}) {
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestBarriers(t *testing.T) {
	f := build(t, func(p *classfile.ConstantPool) []classfile.Instruction {
		return []classfile.Instruction{
			{Op: op.Iload0},
			{Op: op.Ifeq, Branch: 5}, // jumps onto the invokestatic
			{Op: op.Ldc, Index: must(p.AddString("abc"))},
			{Op: op.Invokestatic, Index: must(p.AddMethodref("C", "m", DecryptDescriptor))},
			{Op: op.Areturn},
		}
	})
	code := &classfile.Code{}
	assert.Len(t, slices.Collect(Scan(f.insns, f.pool, DecryptCall)), 1)
	assert.Empty(t, slices.Collect(Scan(f.insns, f.pool, DecryptCall, WithBarriers(code))))

	code.ExceptionTable = []classfile.ExceptionHandler{{HandlerPC: uint16(f.insns[2].Offset)}}
	f.insns[1].Branch = 3
	assert.Len(t, slices.Collect(Scan(f.insns, f.pool, DecryptCall, WithBarriers(code))), 1, "handler at the window start is allowed")
}

func TestRefOperands(t *testing.T) {
	tmpl := &Template{Name: "append", Steps: []Step{
		{Op: Op(op.Invokevirtual), Arg: Method("java/lang/StackTraceElement", "getClassName", "()Ljava/lang/String;")},
		{Op: Op(op.Invokevirtual), Arg: Ref(OneOf("java/lang/StringBuilder", "java/lang/StringBuffer"), Exact("append"), Any())},
	}}
	f := build(t, func(p *classfile.ConstantPool) []classfile.Instruction {
		return []classfile.Instruction{
			{Op: op.Invokevirtual, Index: must(p.AddMethodref("java/lang/StackTraceElement", "getClassName", "()Ljava/lang/String;"))},
			{Op: op.Invokevirtual, Index: must(p.AddMethodref("java/lang/StringBuffer", "append", "(Ljava/lang/String;)Ljava/lang/StringBuffer;"))},
		}
	})
	assert.Len(t, slices.Collect(Scan(f.insns, f.pool, []*Template{tmpl})), 1)
}
