package emu

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateYaml = `class: com/example/Strings
method: d
descriptor: (Ljava/lang/String;IJZC)Ljava/lang/String;
caller:
  class: com/example/Main
  method: main
pool_size: 212
code_source: file:/tmp/app.jar
args:
  - type: Ljava/lang/String;
    value: "BC"
  - type: I
    value: "-17"
  - type: J
    value: 4294967296
  - type: Z
    value: true
  - type: C
    value: x
`

func TestParseState(t *testing.T) {
	name := filepath.Join(t.TempDir(), "state.yml")
	require.NoError(t, os.WriteFile(name, []byte(stateYaml), 0o644))

	state, err := ParseState(name)
	require.NoError(t, err)

	conf := state.Config()
	assert.Equal(t, StackFrame{Class: "com/example/Main", Method: "main"}, conf.Caller)
	assert.Equal(t, 212, conf.PoolSize)
	assert.Equal(t, "file:/tmp/app.jar", conf.CodeSource)

	values, err := state.Values()
	require.NoError(t, err)
	require.Len(t, values, 5)
	assert.Equal(t, "BC", values[0].(*String).String())
	assert.Equal(t, int32(-17), values[1])
	assert.Equal(t, int64(1)<<32, values[2])
	assert.Equal(t, int32(1), values[3])
	assert.Equal(t, int32('x'), values[4])
}

func TestStateRoundTrip(t *testing.T) {
	state := &State{
		Class:      "com/example/Strings",
		Method:     "d",
		Descriptor: "(Ljava/lang/String;I)Ljava/lang/String;",
		Caller:     StackFrame{Class: "com/example/Main", Method: "main"},
		PoolSize:   9,
	}
	state.AddArg("Ljava/lang/String;", NewString("abc"))
	state.AddArg("I", int32(3))

	var buf bytes.Buffer
	require.NoError(t, state.DumpYaml(&buf))
	name := filepath.Join(t.TempDir(), "state.yml")
	require.NoError(t, os.WriteFile(name, buf.Bytes(), 0o644))

	again, err := ParseState(name)
	require.NoError(t, err)
	values, err := again.Values()
	require.NoError(t, err)
	assert.Equal(t, "abc", values[0].(*String).String())
	assert.Equal(t, int32(3), values[1])
}

func TestStateSurrogates(t *testing.T) {
	chars := []uint16{0xd800, 'a', 0xdfff}
	state := &State{Class: "com/example/Strings", Method: "d"}
	state.AddArg("Ljava/lang/Object;", &String{Chars: chars})
	state.AddArg("Ljava/lang/String;", NewString("\U0001f600"))

	var buf bytes.Buffer
	require.NoError(t, state.DumpYaml(&buf))
	name := filepath.Join(t.TempDir(), "state.yml")
	require.NoError(t, os.WriteFile(name, buf.Bytes(), 0o644))

	again, err := ParseState(name)
	require.NoError(t, err)
	values, err := again.Values()
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, chars, values[0].(*String).Chars)
	assert.Equal(t, []uint16{0xd83d, 0xde00}, values[1].(*String).Chars)
	// well-formed strings stay readable
	assert.Equal(t, "\U0001f600", again.Args[1].Value)
}

func TestStateBadArgument(t *testing.T) {
	state := &State{}
	state.AddArg("[I", []int{1})
	_, err := state.Values()
	assert.ErrorIs(t, err, ErrUnsupported)

	state = &State{}
	state.AddArg("Ljava/lang/String;", []any{"x"})
	_, err = state.Values()
	assert.Error(t, err)

	state = &State{}
	state.AddArg("I", "nope")
	_, err = state.Values()
	assert.Error(t, err)
}
