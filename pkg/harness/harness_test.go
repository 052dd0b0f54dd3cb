package harness

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/blacktop/destringer/pkg/emu"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const owner = "com/example/Strings"

var caller = Identity{Class: "com/example/Main", Method: "run", PoolSize: 77}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

type builder struct {
	t  *testing.T
	cf *classfile.ClassFile
}

func newBuilder(t *testing.T) *builder {
	t.Helper()
	return &builder{t: t, cf: must(classfile.NewClass(owner, "java/lang/Object"))}
}

func (b *builder) method(name, desc string, maxStack, maxLocals uint16, insns ...classfile.Instruction) {
	b.t.Helper()
	code := must(classfile.NewCode(maxStack, maxLocals, insns))
	must(b.cf.AddMethod(classfile.AccStatic, name, desc, code))
}

func (b *builder) ref(owner, name, desc string) uint16 {
	return must(b.cf.Pool.AddMethodref(owner, name, desc))
}

func (b *builder) iface(owner, name, desc string) uint16 {
	return must(b.cf.Pool.AddInterfaceMethodref(owner, name, desc))
}

func (b *builder) class(name string) uint16 {
	return must(b.cf.Pool.AddClass(name))
}

// guardedRoutine builds a decrypt routine keyed on its caller: it derives a
// prefix from the caller class, its constant pool size and the caller method,
// appends the literal and a salt set by the class initializer, and reverses
// the result in a helper.
func guardedRoutine(t *testing.T) *classfile.ClassFile {
	t.Helper()
	b := newBuilder(t)
	sb := "java/lang/StringBuilder"
	appendStr := b.ref(sb, "append", "(Ljava/lang/String;)Ljava/lang/StringBuilder;")
	appendInt := b.ref(sb, "append", "(I)Ljava/lang/StringBuilder;")
	className := b.ref("java/lang/StackTraceElement", "getClassName", "()Ljava/lang/String;")
	methodName := b.ref("java/lang/StackTraceElement", "getMethodName", "()Ljava/lang/String;")
	toString := b.ref(sb, "toString", "()Ljava/lang/String;")
	salt := must(b.cf.Pool.AddFieldref(owner, "salt", "Ljava/lang/String;"))
	must(b.cf.AddField(classfile.AccStatic, "salt", "Ljava/lang/String;"))
	must(b.cf.AddField(classfile.AccStatic, "unused", "I"))

	b.method("<clinit>", "()V", 1, 0,
		classfile.Instruction{Op: op.Ldc, Index: must(b.cf.Pool.AddString("!"))},
		classfile.Instruction{Op: op.Putstatic, Index: salt},
		classfile.Instruction{Op: op.Return},
	)
	b.method("a", match.DecryptDescriptor, 4, 2,
		classfile.Instruction{Op: op.Invokestatic, Index: b.ref("java/lang/Thread", "currentThread", "()Ljava/lang/Thread;")},
		classfile.Instruction{Op: op.Invokevirtual, Index: b.ref("java/lang/Thread", "getStackTrace", "()[Ljava/lang/StackTraceElement;")},
		classfile.Instruction{Op: op.Astore1},
		classfile.Instruction{Op: op.New, Index: b.class(sb)},
		classfile.Instruction{Op: op.Dup},
		classfile.Instruction{Op: op.Invokespecial, Index: b.ref(sb, "<init>", "()V")},
		// pool size query
		classfile.Instruction{Op: op.Invokestatic, Index: b.ref("sun/misc/SharedSecrets", "getJavaLangAccess", "()Lsun/misc/JavaLangAccess;")},
		classfile.Instruction{Op: op.Aload1},
		classfile.Instruction{Op: op.Iconst2},
		classfile.Instruction{Op: op.Aaload},
		classfile.Instruction{Op: op.Invokevirtual, Index: className},
		classfile.Instruction{Op: op.Invokestatic, Index: b.ref("java/lang/Class", "forName", "(Ljava/lang/String;)Ljava/lang/Class;")},
		classfile.Instruction{Op: op.Invokeinterface, Index: b.iface("sun/misc/JavaLangAccess", "getConstantPool", "(Ljava/lang/Class;)Lsun/reflect/ConstantPool;"), Count: 2},
		classfile.Instruction{Op: op.Invokevirtual, Index: b.ref("sun/reflect/ConstantPool", "getSize", "()I")},
		classfile.Instruction{Op: op.Invokevirtual, Index: appendInt},
		// caller class
		classfile.Instruction{Op: op.Aload1},
		classfile.Instruction{Op: op.Iconst2},
		classfile.Instruction{Op: op.Aaload},
		classfile.Instruction{Op: op.Invokevirtual, Index: className},
		classfile.Instruction{Op: op.Invokevirtual, Index: appendStr},
		// caller method
		classfile.Instruction{Op: op.Aload1},
		classfile.Instruction{Op: op.Iconst2},
		classfile.Instruction{Op: op.Aaload},
		classfile.Instruction{Op: op.Invokevirtual, Index: methodName},
		classfile.Instruction{Op: op.Invokevirtual, Index: appendStr},
		// literal and salt
		classfile.Instruction{Op: op.Aload0},
		classfile.Instruction{Op: op.Checkcast, Index: b.class("java/lang/String")},
		classfile.Instruction{Op: op.Invokevirtual, Index: appendStr},
		classfile.Instruction{Op: op.Getstatic, Index: salt},
		classfile.Instruction{Op: op.Invokevirtual, Index: appendStr},
		classfile.Instruction{Op: op.Invokevirtual, Index: toString},
		classfile.Instruction{Op: op.Invokestatic, Index: b.ref(owner, "b", "(Ljava/lang/String;)Ljava/lang/String;")},
		classfile.Instruction{Op: op.Areturn},
	)
	b.method("b", "(Ljava/lang/String;)Ljava/lang/String;", 3, 1,
		classfile.Instruction{Op: op.New, Index: b.class(sb)},
		classfile.Instruction{Op: op.Dup},
		classfile.Instruction{Op: op.Aload0},
		classfile.Instruction{Op: op.Invokespecial, Index: b.ref(sb, "<init>", "(Ljava/lang/String;)V")},
		classfile.Instruction{Op: op.Invokevirtual, Index: b.ref(sb, "reverse", "()Ljava/lang/StringBuilder;")},
		classfile.Instruction{Op: op.Invokevirtual, Index: toString},
		classfile.Instruction{Op: op.Areturn},
	)
	b.method("main", "([Ljava/lang/String;)V", 0, 1, classfile.Instruction{Op: op.Return})

	b.cf.Interfaces = append(b.cf.Interfaces, b.class("java/lang/Runnable"))
	src := must(b.cf.Pool.AddUtf8("Strings.java"))
	b.cf.Attributes = append(b.cf.Attributes, must(b.cf.NewAttribute("SourceFile", []byte{byte(src >> 8), byte(src)})))
	return b.cf
}

func reverse(s string) string {
	r := []rune(s)
	slices.Reverse(r)
	return string(r)
}

func chars(s string) []uint16 { return classfile.UTF16(s) }

func methodNames(cf *classfile.ClassFile) []string {
	var names []string
	for _, m := range cf.Methods {
		names = append(names, m.Name())
	}
	return names
}

func TestLift(t *testing.T) {
	cf := guardedRoutine(t)
	lifted, err := Lift(cf, "a")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"<clinit>", "a", "b"}, methodNames(lifted))
	require.Len(t, lifted.Fields, 1)
	assert.Equal(t, "salt", lifted.Fields[0].Name())
	assert.Empty(t, lifted.Interfaces)
	assert.Nil(t, lifted.Attribute("SourceFile"))
	assert.Equal(t, "java/lang/Object", lifted.SuperName())
	assert.Equal(t, owner, lifted.Name())

	// the original is untouched
	assert.Len(t, cf.Methods, 4)
	assert.Len(t, cf.Interfaces, 1)

	_, err = Lift(cf, "missing")
	assert.ErrorIs(t, err, ErrIsolation)
}

func TestNeutralize(t *testing.T) {
	lifted, err := Lift(guardedRoutine(t), "a")
	require.NoError(t, err)

	n, err := Neutralize(lifted, caller)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	insns, err := classfile.DecodeInstructions(lifted.Method("a", match.DecryptDescriptor).Code().Bytecode)
	require.NoError(t, err)
	var pushed []any
	for _, ins := range insns {
		switch ins.Op {
		case op.Invokevirtual, op.Invokestatic, op.Invokeinterface:
			ref, err := lifted.Pool.Ref(ins.Index)
			require.NoError(t, err)
			assert.NotEqual(t, "sun/misc/SharedSecrets", ref.Owner)
			assert.NotEqual(t, "java/lang/StackTraceElement", ref.Owner)
		case op.Ldc, op.LdcW:
			v, err := lifted.Pool.Value(ins.Index)
			require.NoError(t, err)
			if s, ok := v.([]uint16); ok {
				pushed = append(pushed, classfile.UTF16String(s))
			}
		case op.Bipush:
			pushed = append(pushed, ins.Const)
		}
	}
	assert.Equal(t, []any{int32(77), "com.example.Main", "run"}, pushed)

	_, err = Neutralize(guardedRoutine(t), Identity{Class: "com/example/Main", Method: "run"})
	assert.ErrorIs(t, err, ErrIsolation)
}

func TestEquivalence(t *testing.T) {
	want := reverse("77com.example.Mainrunsecret!")

	// the untouched routine under a forged identity
	raw := must(emu.NewEmulation(must(guardedRoutine(t).Clone()), &emu.Config{
		Caller:   emu.StackFrame{Class: caller.Class, Method: caller.Method},
		PoolSize: caller.PoolSize,
	}))
	got, err := raw.Invoke(context.Background(), "a", match.DecryptDescriptor, emu.NewString("secret"))
	require.NoError(t, err)
	assert.Equal(t, want, got.(*emu.String).String())

	for _, tt := range []struct {
		name string
		raw  bool
	}{
		{"neutralized", false},
		{"forged", true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			h := must(New(&Config{Raw: tt.raw}))
			got, err := h.Decrypt(context.Background(), guardedRoutine(t), "a", caller, chars("secret"))
			require.NoError(t, err)
			assert.Equal(t, want, classfile.UTF16String(got))
		})
	}
}

func TestNeutralizedIgnoresRuntimeIdentity(t *testing.T) {
	h := must(New(nil))
	data, err := h.Prepare(guardedRoutine(t), "a", caller)
	require.NoError(t, err)

	// the captured values are baked in; the runtime stack is not consulted
	got, err := h.Execute(context.Background(), data, "a", Identity{Class: "x/Other", Method: "other"}, chars("secret"))
	require.NoError(t, err)
	assert.Equal(t, reverse("77com.example.Mainrunsecret!"), classfile.UTF16String(got))
}

func TestPreparedCache(t *testing.T) {
	h := must(New(&Config{CacheSize: 8}))
	cf := guardedRoutine(t)

	first, err := h.Prepare(cf, "a", caller)
	require.NoError(t, err)
	again, err := h.Prepare(cf, "a", caller)
	require.NoError(t, err)
	assert.Same(t, &first[0], &again[0])
	assert.Equal(t, 1, h.cache.Len())

	other := caller
	other.PoolSize = 78
	_, err = h.Prepare(cf, "a", other)
	require.NoError(t, err)
	assert.Equal(t, 2, h.cache.Len())

	h.Forget("com/example/Unrelated")
	assert.Equal(t, 2, h.cache.Len())
	h.Forget(owner)
	assert.Equal(t, 0, h.cache.Len())
}

func TestFaults(t *testing.T) {
	t.Run("thrown", func(t *testing.T) {
		b := newBuilder(t)
		b.method("a", match.DecryptDescriptor, 2, 1,
			classfile.Instruction{Op: op.AconstNull},
			classfile.Instruction{Op: op.Invokevirtual, Index: b.ref("java/lang/String", "length", "()I")},
			classfile.Instruction{Op: op.Pop},
			classfile.Instruction{Op: op.AconstNull},
			classfile.Instruction{Op: op.Areturn},
		)
		h := must(New(nil))
		_, err := h.Decrypt(context.Background(), b.cf, "a", caller, chars("x"))
		var fault *emu.Fault
		require.ErrorAs(t, err, &fault)
		assert.ErrorIs(t, err, emu.ErrThrown)
		assert.Contains(t, fault.Reason, "NullPointerException")
	})
	t.Run("not a string", func(t *testing.T) {
		b := newBuilder(t)
		b.method("a", match.DecryptDescriptor, 1, 1,
			classfile.Instruction{Op: op.AconstNull},
			classfile.Instruction{Op: op.Areturn},
		)
		h := must(New(nil))
		_, err := h.Decrypt(context.Background(), b.cf, "a", caller, chars("x"))
		var fault *emu.Fault
		assert.ErrorAs(t, err, &fault)
	})
	t.Run("timeout", func(t *testing.T) {
		b := newBuilder(t)
		b.method("a", match.DecryptDescriptor, 0, 1, classfile.Instruction{Op: op.Goto, Branch: 0})
		h := must(New(&Config{Timeout: time.Millisecond, MaxSteps: 1 << 30}))
		_, err := h.Decrypt(context.Background(), b.cf, "a", caller, chars("x"))
		assert.ErrorIs(t, err, emu.ErrTimeout)
	})
	t.Run("identity check", func(t *testing.T) {
		b := newBuilder(t)
		b.method("a", match.DecryptDescriptor, 1, 1,
			classfile.Instruction{Op: op.Ldc, Index: b.class(owner)},
			classfile.Instruction{Op: op.Invokevirtual, Index: b.ref("java/lang/Class", "getSigners", "()[Ljava/lang/Object;")},
			classfile.Instruction{Op: op.Areturn},
		)
		h := must(New(nil))
		_, err := h.Decrypt(context.Background(), b.cf, "a", caller, chars("x"))
		assert.ErrorIs(t, err, emu.ErrUnsupported)
	})
	t.Run("missing routine", func(t *testing.T) {
		h := must(New(nil))
		_, err := h.Decrypt(context.Background(), newBuilder(t).cf, "a", caller, chars("x"))
		assert.ErrorIs(t, err, ErrIsolation)
	})
}
