package pipeline

import (
	"archive/zip"
	stdctx "context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blacktop/destringer/internal/config"
	"github.com/blacktop/destringer/internal/pipeline/context"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/blacktop/destringer/pkg/jar"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	routineClass = "com/example/Strings"
	callerClass  = "com/example/Main"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// routines builds a class with two decrypt routines: a, which returns the
// caller's pool size, the caller's class name and the reversed literal, and
// c, which always throws.
func routines(t *testing.T) []byte {
	t.Helper()
	cf := must(classfile.NewClass(routineClass, "java/lang/Object"))
	p := cf.Pool
	sb := "java/lang/StringBuilder"
	ref := func(owner, name, desc string) uint16 { return must(p.AddMethodref(owner, name, desc)) }
	className := ref("java/lang/StackTraceElement", "getClassName", "()Ljava/lang/String;")
	appendStr := ref(sb, "append", "(Ljava/lang/String;)Ljava/lang/StringBuilder;")
	toString := ref(sb, "toString", "()Ljava/lang/String;")

	a := must(classfile.NewCode(4, 2, []classfile.Instruction{
		{Op: op.Invokestatic, Index: ref("java/lang/Thread", "currentThread", "()Ljava/lang/Thread;")},
		{Op: op.Invokevirtual, Index: ref("java/lang/Thread", "getStackTrace", "()[Ljava/lang/StackTraceElement;")},
		{Op: op.Astore1},
		{Op: op.New, Index: must(p.AddClass(sb))},
		{Op: op.Dup},
		{Op: op.Invokespecial, Index: ref(sb, "<init>", "()V")},
		{Op: op.Invokestatic, Index: ref("jdk/internal/misc/SharedSecrets", "getJavaLangAccess", "()Ljdk/internal/misc/JavaLangAccess;")},
		{Op: op.Aload1},
		{Op: op.Iconst2},
		{Op: op.Aaload},
		{Op: op.Invokevirtual, Index: className},
		{Op: op.Invokestatic, Index: ref("java/lang/Class", "forName", "(Ljava/lang/String;)Ljava/lang/Class;")},
		{Op: op.Invokeinterface, Index: must(p.AddInterfaceMethodref("jdk/internal/misc/JavaLangAccess", "getConstantPool", "(Ljava/lang/Class;)Ljdk/internal/reflect/ConstantPool;")), Count: 2},
		{Op: op.Invokevirtual, Index: ref("jdk/internal/reflect/ConstantPool", "getSize", "()I")},
		{Op: op.Invokevirtual, Index: ref(sb, "append", "(I)Ljava/lang/StringBuilder;")},
		{Op: op.Aload1},
		{Op: op.Iconst2},
		{Op: op.Aaload},
		{Op: op.Invokevirtual, Index: className},
		{Op: op.Invokevirtual, Index: appendStr},
		{Op: op.New, Index: must(p.AddClass(sb))},
		{Op: op.Dup},
		{Op: op.Aload0},
		{Op: op.Checkcast, Index: must(p.AddClass("java/lang/String"))},
		{Op: op.Invokespecial, Index: ref(sb, "<init>", "(Ljava/lang/String;)V")},
		{Op: op.Invokevirtual, Index: ref(sb, "reverse", "()Ljava/lang/StringBuilder;")},
		{Op: op.Invokevirtual, Index: toString},
		{Op: op.Invokevirtual, Index: appendStr},
		{Op: op.Invokevirtual, Index: toString},
		{Op: op.Areturn},
	}))
	must(cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "a", match.DecryptDescriptor, a))

	c := must(classfile.NewCode(1, 1, []classfile.Instruction{
		{Op: op.AconstNull},
		{Op: op.Athrow},
	}))
	must(cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "c", match.DecryptDescriptor, c))
	return must(cf.Bytes())
}

// caller builds a class whose run method decrypts three literals: one that
// succeeds, one whose routine throws and one whose routine class is missing.
// It returns the class bytes and its constant_pool_count.
func caller(t *testing.T) ([]byte, int) {
	t.Helper()
	cf := must(classfile.NewClass(callerClass, "java/lang/Object"))
	p := cf.Pool
	call := func(owner, name string) classfile.Instruction {
		return classfile.Instruction{Op: op.Invokestatic, Index: must(p.AddMethodref(owner, name, match.DecryptDescriptor))}
	}
	ldc := func(s string) classfile.Instruction {
		return classfile.Ldc(must(p.AddString(s)))
	}
	run := must(classfile.NewCode(1, 0, []classfile.Instruction{
		ldc("terces"),
		call(routineClass, "a"),
		{Op: op.Pop},
		ldc("boom"),
		call(routineClass, "c"),
		{Op: op.Pop},
		ldc("gone"),
		call("com/example/Gone", "a"),
		{Op: op.Pop},
		{Op: op.Return},
	}))
	must(cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "run", "()V", run))
	return must(cf.Bytes()), cf.Pool.Count()
}

type entry struct {
	name string
	data []byte
}

func writeJar(t *testing.T, path string, entries []entry) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     e.name,
			Method:   zip.Deflate,
			Modified: time.Date(2021, 6, 1, 12, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		_, err = w.Write(e.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func readJar(t *testing.T, path string) []*jar.Entry {
	t.Helper()
	r, err := jar.Open(path)
	require.NoError(t, err)
	defer r.Close()
	entries, err := r.Entries()
	require.NoError(t, err)
	return entries
}

func newContext(t *testing.T, input, output string, mod func(*config.Decrypt)) *context.Context {
	t.Helper()
	conf := &config.Config{Decrypt: config.Decrypt{
		Output:      output,
		Timeout:     5 * time.Second,
		MaxSteps:    100_000,
		CacheSize:   16,
		Parallelism: 2,
	}}
	if mod != nil {
		mod(&conf.Decrypt)
	}
	ctx := context.Wrap(stdctx.Background(), conf)
	ctx.Input = input
	return ctx
}

func fixture(t *testing.T) (string, []entry, int) {
	t.Helper()
	main, poolCount := caller(t)
	entries := []entry{
		{name: "META-INF/MANIFEST.MF", data: []byte("Manifest-Version: 1.0\nMain-Class: com.example.Main\n")},
		{name: "com/example/Main.class", data: main},
		{name: "com/example/Strings.class", data: routines(t)},
		{name: "assets/readme.txt", data: []byte("(Ljava/lang/Object;)Ljava/lang/String;")},
	}
	input := filepath.Join(t.TempDir(), "app.jar")
	writeJar(t, input, entries)
	return input, entries, poolCount
}

func decodeRun(t *testing.T, data []byte) (*classfile.ClassFile, []classfile.Instruction) {
	t.Helper()
	cf, err := classfile.Parse(data)
	require.NoError(t, err)
	m := cf.Method("run", "()V")
	require.NotNil(t, m)
	insns, err := classfile.DecodeInstructions(m.Code().Bytecode)
	require.NoError(t, err)
	return cf, insns
}

func TestDecryptArchive(t *testing.T) {
	input, entries, poolCount := fixture(t)
	output := filepath.Join(t.TempDir(), "out.jar")

	ctx := newContext(t, input, output, nil)
	stats, err := Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, len(entries), stats.Entries)
	assert.Equal(t, 2, stats.Classes)
	assert.Equal(t, 1, stats.Patched)
	assert.Equal(t, 1, stats.Decrypted)
	assert.Equal(t, 2, stats.Failed)

	want := fmt.Sprintf("%dcom.example.Mainsecret", poolCount)
	require.Len(t, stats.Results, 3)
	assert.Equal(t, context.Result{
		Class:   callerClass,
		Method:  "run",
		Offset:  0,
		Routine: routineClass + ".a",
		Literal: "terces",
		Value:   want,
	}, stats.Results[0])
	assert.Equal(t, "boom", stats.Results[1].Literal)
	assert.Contains(t, stats.Results[1].Error, "NullPointerException")
	assert.Equal(t, "gone", stats.Results[2].Literal)
	assert.Contains(t, stats.Results[2].Error, "decrypt routine not found")

	require.Error(t, ctx.Failures())
	assert.Contains(t, ctx.Failures().Error(), "com/example/Main.run@")

	out := readJar(t, output)
	require.Len(t, out, len(entries))
	for i, e := range out {
		assert.Equal(t, entries[i].name, e.Name)
		if e.Name != "com/example/Main.class" {
			assert.Equal(t, entries[i].data, e.Data, e.Name)
		}
	}

	cf, insns := decodeRun(t, out[1].Data)
	require.Equal(t, op.Ldc, insns[0].Op)
	v, err := cf.Pool.Value(insns[0].Index)
	require.NoError(t, err)
	assert.Equal(t, classfile.UTF16(want), v)
	assert.Equal(t, op.Pop, insns[1].Op)

	// the failed call sites are kept as they were
	var kept []string
	for _, ins := range insns {
		if ins.Op != op.Invokestatic {
			continue
		}
		ref, err := cf.Pool.Ref(ins.Index)
		require.NoError(t, err)
		kept = append(kept, ref.Owner+"."+ref.Name)
	}
	assert.Equal(t, []string{routineClass + ".c", "com/example/Gone.a"}, kept)
}

func TestIdempotent(t *testing.T) {
	input, _, _ := fixture(t)
	first := filepath.Join(t.TempDir(), "first.jar")
	_, err := Run(newContext(t, input, first, nil))
	require.NoError(t, err)

	second := filepath.Join(t.TempDir(), "second.jar")
	stats, err := Run(newContext(t, first, second, nil))
	require.NoError(t, err)
	assert.Zero(t, stats.Decrypted)
	assert.Zero(t, stats.Patched)

	a, b := readJar(t, first), readJar(t, second)
	require.Len(t, b, len(a))
	for i := range a {
		assert.Equal(t, a[i].Name, b[i].Name)
		assert.Equal(t, a[i].Data, b[i].Data, a[i].Name)
	}
}

func TestDryRun(t *testing.T) {
	input, _, _ := fixture(t)
	output := filepath.Join(t.TempDir(), "out.jar")
	report := filepath.Join(t.TempDir(), "report.json")

	stats, err := Run(newContext(t, input, output, func(d *config.Decrypt) {
		d.DryRun = true
		d.JSON = report
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Decrypted)
	assert.NoFileExists(t, output)

	data, err := os.ReadFile(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"decrypted": 1`)
	assert.Contains(t, string(data), `"literal": "terces"`)
	assert.NotContains(t, string(data), `"output"`)
}

func TestRawMode(t *testing.T) {
	input, _, poolCount := fixture(t)
	stats, err := Run(newContext(t, input, "", func(d *config.Decrypt) {
		d.Raw = true
	}))
	require.NoError(t, err)
	require.NotEmpty(t, stats.Results)
	assert.Equal(t, fmt.Sprintf("%dcom.example.Mainsecret", poolCount), stats.Results[0].Value)
}

func TestCancelled(t *testing.T) {
	input, _, _ := fixture(t)
	ctx := newContext(t, input, filepath.Join(t.TempDir(), "out.jar"), nil)
	cctx, cancel := stdctx.WithCancel(stdctx.Background())
	cancel()
	ctx.Context = cctx

	_, err := Run(ctx)
	assert.ErrorIs(t, err, stdctx.Canceled)
}

func TestMalformedClass(t *testing.T) {
	main, _ := caller(t)
	input := filepath.Join(t.TempDir(), "bad.jar")
	writeJar(t, input, []entry{{name: "com/example/Main.class", data: main[:len(main)-4]}})
	output := filepath.Join(t.TempDir(), "out.jar")

	_, err := Run(newContext(t, input, output, nil))
	assert.ErrorIs(t, err, classfile.ErrFormat)
	assert.NoFileExists(t, output)
}

// single builds a class whose run method decrypts one literal with routine.
func single(t *testing.T, name, literal, routine string) []byte {
	t.Helper()
	cf := must(classfile.NewClass(name, "java/lang/Object"))
	p := cf.Pool
	run := must(classfile.NewCode(1, 0, []classfile.Instruction{
		classfile.Ldc(must(p.AddString(literal))),
		{Op: op.Invokestatic, Index: must(p.AddMethodref(routineClass, routine, match.DecryptDescriptor))},
		{Op: op.Pop},
		{Op: op.Return},
	}))
	must(cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "run", "()V", run))
	return must(cf.Bytes())
}

func TestFaultIsolation(t *testing.T) {
	good := single(t, "com/example/Good", "olleh", "a")
	bad := single(t, "com/example/Bad", "boom", "c")
	input := filepath.Join(t.TempDir(), "app.jar")
	writeJar(t, input, []entry{
		{name: "com/example/Good.class", data: good},
		{name: "com/example/Bad.class", data: bad},
		{name: "com/example/Strings.class", data: routines(t)},
	})
	output := filepath.Join(t.TempDir(), "out.jar")

	ctx := newContext(t, input, output, nil)
	stats, err := Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Decrypted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Patched)

	var merr interface{ WrappedErrors() []error }
	require.ErrorAs(t, ctx.Failures(), &merr)
	require.Len(t, merr.WrappedErrors(), 1)
	assert.Contains(t, merr.WrappedErrors()[0].Error(), "com/example/Bad.run@0")

	out := readJar(t, output)
	require.Len(t, out, 3)
	assert.NotEqual(t, good, out[0].Data)
	assert.Equal(t, bad, out[1].Data)

	_, insns := decodeRun(t, out[0].Data)
	require.Len(t, insns, 3)
	assert.Equal(t, op.Ldc, insns[0].Op)
	assert.Equal(t, op.Pop, insns[1].Op)
}

func TestUnknownAttributeKeepsDecryptions(t *testing.T) {
	cf := must(classfile.NewClass("com/example/Custom", "java/lang/Object"))
	p := cf.Pool
	run := must(classfile.NewCode(1, 0, []classfile.Instruction{
		classfile.Ldc(must(p.AddString("terces"))),
		{Op: op.Invokestatic, Index: must(p.AddMethodref(routineClass, "a", match.DecryptDescriptor))},
		{Op: op.Pop},
		{Op: op.Return},
	}))
	must(cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "run", "()V", run))
	cf.Attributes = append(cf.Attributes, must(cf.NewAttribute("com.vendor.Custom", []byte{0, 1})))
	custom := must(cf.Bytes())

	input := filepath.Join(t.TempDir(), "app.jar")
	writeJar(t, input, []entry{
		{name: "com/example/Custom.class", data: custom},
		{name: "com/example/Strings.class", data: routines(t)},
	})
	output := filepath.Join(t.TempDir(), "out.jar")

	ctx := newContext(t, input, output, nil)
	stats, err := Run(ctx)
	require.NoError(t, err)
	assert.NoError(t, ctx.Failures())
	assert.Equal(t, 1, stats.Decrypted)
	assert.Equal(t, 1, stats.Patched)
	assert.Zero(t, stats.Failed)
	require.Len(t, stats.Results, 1)
	assert.Empty(t, stats.Results[0].Error)
	assert.Contains(t, stats.Results[0].Value, "com.example.Customsecret")

	out := readJar(t, output)
	require.Len(t, out, 2)
	got, insns := decodeRun(t, out[0].Data)
	require.Len(t, insns, 3)
	require.Equal(t, op.Ldc, insns[0].Op)
	v, err := got.Pool.Value(insns[0].Index)
	require.NoError(t, err)
	assert.Equal(t, classfile.UTF16(stats.Results[0].Value), v)

	// the vendor attribute survives with the pool left unshrunk
	var names []string
	for _, a := range got.Attributes {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "com.vendor.Custom")
}

func TestStructuralFailureLeavesClass(t *testing.T) {
	cf := must(classfile.NewClass("com/example/Broken", "java/lang/Object"))
	p := cf.Pool
	run := must(classfile.NewCode(2, 0, []classfile.Instruction{
		classfile.Ldc(must(p.AddString("terces"))),
		{Op: op.Invokestatic, Index: must(p.AddMethodref(routineClass, "a", match.DecryptDescriptor))},
		{Op: op.Pop},
		{Op: op.Sipush, Const: 7},
		{Op: op.Pop},
		{Op: op.Return},
	}))
	// the range ends inside sipush, which cannot be remapped once the call
	// before it is deleted
	run.ExceptionTable = []classfile.ExceptionHandler{{StartPC: 0, EndPC: 7, HandlerPC: 10}}
	must(cf.AddMethod(classfile.AccPublic|classfile.AccStatic, "run", "()V", run))
	broken := must(cf.Bytes())
	good := single(t, "com/example/Good", "olleh", "a")

	input := filepath.Join(t.TempDir(), "app.jar")
	writeJar(t, input, []entry{
		{name: "com/example/Broken.class", data: broken},
		{name: "com/example/Good.class", data: good},
		{name: "com/example/Strings.class", data: routines(t)},
	})
	output := filepath.Join(t.TempDir(), "out.jar")

	ctx := newContext(t, input, output, nil)
	stats, err := Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Decrypted)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Patched)

	var abandoned *context.Result
	for i, res := range stats.Results {
		if res.Class == "com/example/Broken" {
			abandoned = &stats.Results[i]
		}
	}
	require.NotNil(t, abandoned)
	assert.Equal(t, "terces", abandoned.Literal)
	assert.Empty(t, abandoned.Value)
	assert.Contains(t, abandoned.Error, "class left unchanged")

	require.Error(t, ctx.Failures())
	assert.Contains(t, ctx.Failures().Error(), "com/example/Broken.run@7")

	out := readJar(t, output)
	require.Len(t, out, 3)
	assert.Equal(t, broken, out[0].Data)
	assert.NotEqual(t, good, out[1].Data)

	_, insns := decodeRun(t, out[1].Data)
	require.Len(t, insns, 3)
	assert.Equal(t, op.Ldc, insns[0].Op)
}
