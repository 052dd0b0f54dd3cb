package classfile

import (
	"errors"
	"testing"

	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sampleClass builds a class with a branching method, an exception table,
// line numbers, a stack map and a few constants of every width.
func sampleClass(t *testing.T) *ClassFile {
	t.Helper()
	cf, err := NewClass("com/example/Sample", "java/lang/Object")
	require.NoError(t, err)

	hello, err := cf.Pool.AddString("hello\x00wörld")
	require.NoError(t, err)
	_, err = cf.Pool.AddLong(1 << 40)
	require.NoError(t, err)
	printFn, err := cf.Pool.AddMethodref("java/io/PrintStream", "println", "(Ljava/lang/String;)V")
	require.NoError(t, err)
	out, err := cf.Pool.AddFieldref("java/lang/System", "out", "Ljava/io/PrintStream;")
	require.NoError(t, err)

	code, err := NewCode(2, 1, []Instruction{
		{Op: op.Iload0},
		{Op: op.Ifeq, Branch: 13},
		{Op: op.Getstatic, Index: out},
		{Op: op.Ldc, Index: hello},
		{Op: op.Invokevirtual, Index: printFn},
		{Op: op.Iconst1},
		{Op: op.Ireturn},
		{Op: op.Iconst0},
		{Op: op.Ireturn},
	})
	require.NoError(t, err)
	require.Len(t, code.Bytecode, 16)
	catch, err := cf.Pool.AddClass("java/lang/RuntimeException")
	require.NoError(t, err)
	code.ExceptionTable = []ExceptionHandler{{StartPC: 4, EndPC: 12, HandlerPC: 14, CatchType: catch}}

	lnt, err := cf.NewAttribute("LineNumberTable", []byte{0, 2, 0, 0, 0, 10, 0, 14, 0, 12})
	require.NoError(t, err)
	smt, err := cf.NewAttribute("StackMapTable", []byte{0, 1, 14})
	require.NoError(t, err)
	code.Attributes = []*Attribute{lnt, smt}

	_, err = cf.AddMethod(AccPublic|AccStatic, "check", "(I)I", code)
	require.NoError(t, err)
	_, err = cf.AddField(AccPrivate|AccStatic, "counter", "I")
	require.NoError(t, err)
	src, err := cf.Pool.AddUtf8("Sample.java")
	require.NoError(t, err)
	sf, err := cf.NewAttribute("SourceFile", []byte{byte(src >> 8), byte(src)})
	require.NoError(t, err)
	cf.Attributes = append(cf.Attributes, sf)
	return cf
}

func TestRoundTrip(t *testing.T) {
	data, err := sampleClass(t).Bytes()
	require.NoError(t, err)

	cf, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "com/example/Sample", cf.Name())
	assert.Equal(t, "java/lang/Object", cf.SuperName())

	again, err := cf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, data, again)

	m := cf.Method("check", "(I)I")
	require.NotNil(t, m)
	require.NotNil(t, m.Code())
	assert.Same(t, cf, m.Class())
	assert.Len(t, m.Code().ExceptionTable, 1)
	assert.NotNil(t, m.Code().Attribute("StackMapTable"))
}

func TestParseDoesNotAlias(t *testing.T) {
	data, err := sampleClass(t).Bytes()
	require.NoError(t, err)
	cf, err := Parse(data)
	require.NoError(t, err)
	cf.Method("check", "(I)I").Code().Bytecode[0] = byte(op.Nop)

	fresh, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, byte(op.Iload0), fresh.Method("check", "(I)I").Code().Bytecode[0])
}

func TestParseErrors(t *testing.T) {
	data, err := sampleClass(t).Bytes()
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"header only", []byte{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00, 0x34}},
		{"zero pool", []byte{0xca, 0xfe, 0xba, 0xbe, 0x00, 0x00, 0x00, 0x34, 0x00, 0x00}},
		{"bad magic", append([]byte{0xde, 0xad, 0xbe, 0xef}, data[4:]...)},
		{"truncated", data[:len(data)-3]},
		{"trailing", append(append([]byte{}, data...), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			require.NotPanics(t, func() { _, err = Parse(tt.data) })
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestPoolDedupe(t *testing.T) {
	p := NewConstantPool()
	a, err := p.AddString("abc")
	require.NoError(t, err)
	b, err := p.AddString("abc")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 3, p.Count())

	l, err := p.AddLong(7)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Count(), "long takes two slots")
	_, err = p.Get(l + 1)
	assert.ErrorIs(t, err, ErrBadIndex)

	m, err := p.AddMethodref("C", "m", "(Ljava/lang/Object;)Ljava/lang/String;")
	require.NoError(t, err)
	ref, err := p.Ref(m)
	require.NoError(t, err)
	assert.Equal(t, Ref{Kind: TagMethodref, Owner: "C", Name: "m", Descriptor: "(Ljava/lang/Object;)Ljava/lang/String;"}, ref)

	_, err = p.ClassName(a)
	assert.ErrorIs(t, err, ErrBadIndex)
}

func TestPoolFull(t *testing.T) {
	p := NewConstantPool()
	var err error
	for i := int32(0); err == nil; i++ {
		_, err = p.AddInteger(i)
	}
	assert.ErrorIs(t, err, ErrPoolFull)
	assert.Equal(t, 65535, p.Count())
}

func TestShrink(t *testing.T) {
	cf := sampleClass(t)
	p := cf.Pool
	_, err := p.AddString("unused")
	require.NoError(t, err)
	_, err = p.AddDouble(2.5)
	require.NoError(t, err)
	// a duplicate the editor would never create on its own
	p.entries = append(p.entries, &Utf8{Raw: []byte("check")})
	dup := uint16(len(p.entries) - 1)
	cf.Method("check", "(I)I").NameIndex = dup
	before := p.Count()

	require.NoError(t, Shrink(cf))
	assert.Less(t, p.Count(), before)

	seen := map[string]uint16{}
	for i, c := range p.All() {
		k := constantKey(c, indexKey)
		if j, ok := seen[k]; ok {
			t.Fatalf("entries #%d and #%d are equal after shrink", j, i)
		}
		seen[k] = i
	}
	require.NoError(t, forEachRef(cf, func(i uint16) (uint16, error) {
		if int(i) >= p.Count() {
			t.Fatalf("reference #%d beyond pool of %d", i, p.Count())
		}
		return i, nil
	}))

	data, err := cf.Bytes()
	require.NoError(t, err)
	out, err := Parse(data)
	require.NoError(t, err)
	m := out.Method("check", "(I)I")
	require.NotNil(t, m)
	insns, err := DecodeInstructions(m.Code().Bytecode)
	require.NoError(t, err)
	s, err := out.Pool.StringValue(insns[3].Index)
	require.NoError(t, err)
	assert.Equal(t, "hello\x00wörld", s)
	assert.Equal(t, "Sample.java", func() string {
		a := out.Attribute("SourceFile")
		v, _ := out.Pool.Utf8(getU2(a.Info, 0))
		return v
	}())
	catch, err := out.Pool.ClassName(m.Code().ExceptionTable[0].CatchType)
	require.NoError(t, err)
	assert.Equal(t, "java/lang/RuntimeException", catch)
}

func TestShrinkUnknownAttribute(t *testing.T) {
	cf := sampleClass(t)
	a, err := cf.NewAttribute("com.example.Custom", []byte{0, 1})
	require.NoError(t, err)
	cf.Attributes = append(cf.Attributes, a)
	_, err = cf.Pool.AddString("unused")
	require.NoError(t, err)
	before, err := cf.Bytes()
	require.NoError(t, err)

	err = Shrink(cf)
	assert.True(t, errors.Is(err, ErrUnknownAttribute))
	after, err := cf.Bytes()
	require.NoError(t, err)
	assert.Equal(t, before, after, "class must be left untouched")
}

func TestMUTF8(t *testing.T) {
	tests := []struct {
		name  string
		chars []uint16
		want  []byte
	}{
		{"ascii", UTF16("abc"), []byte("abc")},
		{"nul", []uint16{0}, []byte{0xc0, 0x80}},
		{"two byte", UTF16("é"), []byte{0xc3, 0xa9}},
		{"supplementary", UTF16("😀"), []byte{0xed, 0xa0, 0xbd, 0xed, 0xb8, 0x80}},
		{"lone surrogate", []uint16{0xd800}, []byte{0xed, 0xa0, 0x80}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeMUTF8(tt.chars)
			assert.Equal(t, tt.want, got)
			back, err := DecodeMUTF8(got)
			require.NoError(t, err)
			assert.Equal(t, tt.chars, back)
		})
	}
	_, err := DecodeMUTF8([]byte{0xe0, 0x80})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestParseMethodDescriptor(t *testing.T) {
	md, err := ParseMethodDescriptor("(IJ[Ljava/lang/String;D)Ljava/lang/Object;")
	require.NoError(t, err)
	assert.Equal(t, []string{"I", "J", "[Ljava/lang/String;", "D"}, md.Params)
	assert.Equal(t, "Ljava/lang/Object;", md.Return)
	assert.Equal(t, 6, md.ArgSlots)

	for _, bad := range []string{"", "V", "(I", "(Q)V", "(Ljava/lang/String)V", "()"} {
		_, err := ParseMethodDescriptor(bad)
		assert.ErrorIs(t, err, ErrFormat, bad)
	}
}
