package utils

import (
	"bytes"
	"strings"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/stretchr/testify/assert"
)

func TestQuote(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", `"hello"`},
		{"control", "a\tb\n", `"a\tb\n"`},
		{"unicode", "héllo", `"héllo"`},
		{"empty", "", `""`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Quote(tt.in))
		})
	}

	long := strings.Repeat("x", MaxQuoted+10)
	got := Quote(long)
	assert.True(t, strings.HasSuffix(got, `"...`))
	assert.Len(t, got, MaxQuoted+2+3)
}

func TestNames(t *testing.T) {
	assert.Equal(t, "com.example.Main", ExternalName("com/example/Main"))
	assert.Equal(t, "com/example/Main", InternalName("com.example.Main"))
	assert.Equal(t, "com/example/Main", InternalName("com/example/Main.class"))
}

func TestIndent(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Log.(*log.Logger).Handler
	defer log.SetHandler(orig)
	log.SetHandler(cli.New(&buf))

	cli.Default.Padding = normalPadding * 2
	defer func() { cli.Default.Padding = normalPadding }()
	Indent(log.Info, 3)("nested")
	assert.Equal(t, normalPadding*2, cli.Default.Padding)
	assert.Contains(t, buf.String(), "nested")
	assert.Equal(t, " ", Pad(0))
	assert.Equal(t, "   ", Pad(3))
}
