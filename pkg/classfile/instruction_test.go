package classfile

import (
	"testing"

	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSwitchPadding(t *testing.T) {
	sw := Instruction{Op: op.Tableswitch, Default: 20, Low: 0, High: 1, Targets: []int32{16, 18}}
	for offset := 0; offset < 4; offset++ {
		want := 1 + (3 - offset%4) + 12 + 8
		assert.Equal(t, want, sw.Size(offset), "offset %d", offset)
		b, err := sw.Encode(offset)
		require.NoError(t, err)
		assert.Len(t, b, want)
	}
}

func TestAssembleDecode(t *testing.T) {
	insns := []Instruction{
		{Op: op.Iload0},
		{Op: op.Lookupswitch, Default: 19, Keys: []int32{1, 7}, Targets: []int32{17, 18}},
		{Op: op.Nop},
		{Op: op.Nop},
		{Op: op.Return},
		{Op: op.Iinc, Wide: true, Local: 300, Const: -1000},
		{Op: op.Aload, Wide: true, Local: 256},
		{Op: op.Bipush, Const: -7},
		{Op: op.Sipush, Const: 1234},
		{Op: op.Invokeinterface, Index: 9, Count: 2},
		{Op: op.Multianewarray, Index: 4, Dims: 3},
		{Op: op.Newarray, AType: 10},
		{Op: op.GotoW, Branch: -40},
	}
	code, err := Assemble(insns)
	require.NoError(t, err)

	got, err := DecodeInstructions(code)
	require.NoError(t, err)
	require.Len(t, got, len(insns))
	for i := range insns {
		assert.Equal(t, insns[i], got[i], "instruction %d", i)
	}
	assert.Equal(t, []int{1 + 19, 1 + 17, 1 + 18}, got[1].BranchTargets())
}

func TestEncodeRange(t *testing.T) {
	tests := []struct {
		name string
		ins  Instruction
	}{
		{"ldc index", Instruction{Op: op.Ldc, Index: 256}},
		{"bipush", Instruction{Op: op.Bipush, Const: 128}},
		{"branch", Instruction{Op: op.Goto, Branch: 40000}},
		{"local", Instruction{Op: op.Iload, Local: 300}},
		{"wide nop", Instruction{Op: op.Nop, Wide: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.ins.Encode(0)
			assert.ErrorIs(t, err, ErrOperandRange)
		})
	}
}

func TestDecodeInvalid(t *testing.T) {
	_, err := DecodeInstructions([]byte{0xba + 0x10})
	assert.ErrorIs(t, err, ErrFormat)
	_, err = DecodeInstructions([]byte{byte(op.Sipush), 0})
	assert.ErrorIs(t, err, ErrFormat)
}

func TestLdcAndPushInt(t *testing.T) {
	assert.Equal(t, op.Ldc, Ldc(255).Op)
	assert.Equal(t, op.LdcW, Ldc(256).Op)

	p := NewConstantPool()
	for _, v := range []int32{-1, 0, 5, 6, -128, 200, 40000, -40000} {
		ins, err := PushInt(p, v)
		require.NoError(t, err)
		got, ok := ins.IntValue(p)
		require.True(t, ok)
		assert.Equal(t, v, got)
	}
	ins, err := PushInt(p, 3)
	require.NoError(t, err)
	assert.Equal(t, op.Iconst3, ins.Op)
}

func TestStackMapRoundTrip(t *testing.T) {
	info := []byte{
		0, 5,
		3,                              // same at 3
		64 + 2, 1,                      // same_locals_1 at 6, int
		251, 0, 0,                      // same_frame_extended at 7
		252, 0, 4, 8, 0, 2,             // append at 12, uninitialized(2)
		255, 0, 1, 0, 1, 7, 0, 9, 0, 0, // full at 14
	}
	frames, err := ParseStackMap(info)
	require.NoError(t, err)
	require.Len(t, frames, 5)
	assert.Equal(t, []int{3, 6, 7, 12, 14}, []int{frames[0].Offset, frames[1].Offset, frames[2].Offset, frames[3].Offset, frames[4].Offset})
	assert.True(t, frames[2].Extended)
	assert.Equal(t, uint16(2), frames[3].Locals[0].Offset)
	assert.Equal(t, uint16(9), frames[4].Locals[0].Index)

	out, err := EncodeStackMap(frames)
	require.NoError(t, err)
	assert.Equal(t, info, out)

	frames[4].Offset = 100
	out, err = EncodeStackMap(frames)
	require.NoError(t, err)
	again, err := ParseStackMap(out)
	require.NoError(t, err)
	assert.Equal(t, 100, again[4].Offset)

	frames[2].Offset = 50
	_, err = EncodeStackMap(frames)
	assert.ErrorIs(t, err, ErrOperandRange)
}
