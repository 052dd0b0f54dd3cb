package jar

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func classBytes(t *testing.T, name string, decrypt bool) []byte {
	t.Helper()
	cf, err := classfile.NewClass(name, "java/lang/Object")
	require.NoError(t, err)
	if decrypt {
		_, err = cf.Pool.AddMethodref("com/example/Strings", "a", match.DecryptDescriptor)
		require.NoError(t, err)
	}
	data, err := cf.Bytes()
	require.NoError(t, err)
	return data
}

type fixture struct {
	name   string
	data   []byte
	method uint16
}

func writeArchive(t *testing.T, files []fixture) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "in.jar")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, fx := range files {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     fx.name,
			Method:   fx.method,
			Modified: time.Date(2020, 1, 2, 3, 4, 6, 0, time.UTC),
		})
		require.NoError(t, err)
		_, err = w.Write(fx.data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestFilter(t *testing.T) {
	assert.True(t, IsClassName("a/b/C.class"))
	assert.False(t, IsClassName("META-INF/MANIFEST.MF"))

	plain := classBytes(t, "a/Plain", false)
	caller := classBytes(t, "a/Caller", true)
	assert.True(t, IsClass(plain))
	assert.False(t, MayUseDecrypt(plain))
	assert.True(t, MayUseDecrypt(caller))
	assert.False(t, MayUseDecrypt([]byte("(Ljava/lang/Object;)Ljava/lang/String;")))
}

func TestRoundTrip(t *testing.T) {
	files := []fixture{
		{name: "META-INF/MANIFEST.MF", data: []byte("Manifest-Version: 1.0\n"), method: zip.Deflate},
		{name: "a/Caller.class", data: classBytes(t, "a/Caller", true), method: zip.Deflate},
		{name: "a/Plain.class", data: classBytes(t, "a/Plain", false), method: zip.Store},
		{name: "a/Fake.class", data: []byte("not a class"), method: zip.Store},
	}
	r, err := Open(writeArchive(t, files))
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, len(files), r.Len())

	var names []string
	require.NoError(t, r.ForEachEntry(func(name string, data []byte) error {
		names = append(names, name)
		return nil
	}))
	assert.Equal(t, []string{"META-INF/MANIFEST.MF", "a/Caller.class", "a/Plain.class", "a/Fake.class"}, names)

	entries, err := r.Entries()
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "out.jar")
	w, err := Create(out)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.WriteEntry(e))
	}
	require.NoError(t, w.Close())

	again, err := Open(out)
	require.NoError(t, err)
	defer again.Close()
	copied, err := again.Entries()
	require.NoError(t, err)
	require.Len(t, copied, len(files))
	for i, e := range copied {
		assert.Equal(t, files[i].name, e.Name)
		assert.Equal(t, files[i].data, e.Data)
		assert.Equal(t, files[i].method, e.Header.Method)
		assert.True(t, entries[i].Header.Modified.Equal(e.Header.Modified))
	}
}

func TestLoadClasses(t *testing.T) {
	entries := []*Entry{
		{Name: "a/Plain.class", Data: classBytes(t, "a/Plain", false)},
		{Name: "a/Caller.class", Data: classBytes(t, "a/Caller", true)},
		{Name: "a/Other.class", Data: classBytes(t, "a/Other", true)},
		{Name: "copy/Caller.class", Data: classBytes(t, "a/Caller", true)},
		{Name: "a/Fake.class", Data: []byte("nope")},
		{Name: "README", Data: []byte("(Ljava/lang/Object;)Ljava/lang/String;")},
	}
	pool, err := LoadClasses(context.Background(), entries, 2)
	require.NoError(t, err)
	require.Equal(t, 2, pool.Len())
	assert.Equal(t, "a/Caller", pool.Classes()[0].Name())
	assert.Equal(t, "a/Other", pool.Classes()[1].Name())

	c, ok := pool.Lookup("a/Caller")
	require.True(t, ok)
	assert.Equal(t, "a/Caller.class", c.Entry.Name)
	assert.Equal(t, c.File.Pool.Count(), c.PoolCount)
	_, ok = pool.Lookup("a/Plain")
	assert.False(t, ok)
}

func TestLoadClassesMalformed(t *testing.T) {
	data := classBytes(t, "a/Caller", true)
	entries := []*Entry{{Name: "a/Caller.class", Data: data[:len(data)-3]}}
	_, err := LoadClasses(context.Background(), entries, 0)
	assert.ErrorIs(t, err, classfile.ErrFormat)
}
