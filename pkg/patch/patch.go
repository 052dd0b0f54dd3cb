// Package patch stages instruction edits against a method body and applies
// them in one pass, re-deriving every offset that depends on the layout.
package patch

import (
	"errors"
	"fmt"
	"math"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
)

// StructuralError reports an edit that would leave a branch, an exception
// range or a nested attribute pointing outside the code or into the middle
// of an instruction.
type StructuralError struct {
	Offset int
	Reason string
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("structural error at offset %d: %s", e.Offset, e.Reason)
}

func structural(offset int, format string, args ...any) error {
	return &StructuralError{Offset: offset, Reason: fmt.Sprintf(format, args...)}
}

// Editor collects edits for one Code attribute. Offsets passed to Replace,
// Delete and Insert, and branch offsets inside staged instructions, are in
// the original layout: a staged branch is relative to the original offset of
// the instruction it replaces or is inserted before.
type Editor struct {
	pool     *classfile.ConstantPool
	code     *classfile.Code
	insns    []classfile.Instruction
	index    map[int]int // offset -> instruction index
	replaced map[int]classfile.Instruction
	deleted  map[int]bool
	inserted map[int][]classfile.Instruction
}

// New decodes code and returns an editor for it.
func New(pool *classfile.ConstantPool, code *classfile.Code) (*Editor, error) {
	insns, err := classfile.DecodeInstructions(code.Bytecode)
	if err != nil {
		return nil, err
	}
	e := &Editor{
		pool:     pool,
		code:     code,
		insns:    insns,
		index:    make(map[int]int, len(insns)),
		replaced: make(map[int]classfile.Instruction),
		deleted:  make(map[int]bool),
		inserted: make(map[int][]classfile.Instruction),
	}
	for i, ins := range insns {
		e.index[ins.Offset] = i
	}
	return e, nil
}

// Instructions returns the decoded original instructions.
func (e *Editor) Instructions() []classfile.Instruction { return e.insns }

func (e *Editor) at(offset int) (int, error) {
	i, ok := e.index[offset]
	if !ok {
		return 0, structural(offset, "not an instruction start")
	}
	return i, nil
}

// Replace substitutes the instruction at offset.
func (e *Editor) Replace(offset int, ins classfile.Instruction) error {
	i, err := e.at(offset)
	if err != nil {
		return err
	}
	delete(e.deleted, i)
	e.replaced[i] = ins
	return nil
}

// Delete removes the instruction at offset.
func (e *Editor) Delete(offset int) error {
	i, err := e.at(offset)
	if err != nil {
		return err
	}
	delete(e.replaced, i)
	e.deleted[i] = true
	return nil
}

// Insert places insns before the instruction at offset. Jumps to offset land
// on the first inserted instruction.
func (e *Editor) Insert(offset int, insns ...classfile.Instruction) error {
	i, err := e.at(offset)
	if err != nil {
		return err
	}
	e.inserted[i] = append(e.inserted[i], insns...)
	return nil
}

// Modified reports whether any edit is staged.
func (e *Editor) Modified() bool {
	return len(e.replaced) > 0 || len(e.deleted) > 0 || len(e.inserted) > 0
}

type placed struct {
	ins    classfile.Instruction
	anchor int // original offset branches are relative to
}

// Commit applies the staged edits to the Code attribute. On error the
// attribute is left unchanged.
func (e *Editor) Commit() error {
	if !e.Modified() {
		return nil
	}
	oldLen := len(e.code.Bytecode)

	// lay out the new sequence, remembering where each original offset went
	var out []placed
	first := make([]int, len(e.insns)+1) // original index -> first new index
	for i, orig := range e.insns {
		first[i] = len(out)
		for _, ins := range e.inserted[i] {
			out = append(out, placed{ins: ins, anchor: orig.Offset})
		}
		if e.deleted[i] {
			continue
		}
		ins := orig
		if r, ok := e.replaced[i]; ok {
			ins = r
		}
		out = append(out, placed{ins: ins, anchor: orig.Offset})
	}
	first[len(e.insns)] = len(out)

	offset := 0
	for n := range out {
		ins := &out[n].ins
		if ins.Op == op.Ldc && ins.Index > math.MaxUint8 {
			ins.Op = op.LdcW
		}
		ins.Offset = offset
		offset += ins.Size(offset)
	}
	newLen := offset
	if newLen == 0 || newLen >= 65536 {
		return structural(0, "code length %d out of range", newLen)
	}

	pcs := func(old int) (int, error) {
		if old == oldLen {
			return newLen, nil
		}
		if old < 0 || old > oldLen {
			return 0, structural(old, "offset outside the code region")
		}
		i, ok := e.index[old]
		if !ok {
			return 0, structural(old, "offset inside an instruction")
		}
		if n := first[i]; n < len(out) {
			return out[n].ins.Offset, nil
		}
		return newLen, nil
	}
	target := func(old int) (int, error) {
		n, err := pcs(old)
		if err == nil && n == newLen {
			err = structural(old, "branch target runs off the end of the code")
		}
		return n, err
	}

	var code []byte
	for n := range out {
		p := &out[n]
		ins := &p.ins
		switch {
		case ins.Op.IsBranch():
			t, err := target(p.anchor + int(ins.Branch))
			if err != nil {
				return err
			}
			ins.Branch = int32(t - ins.Offset)
			if ins.Op.Operand() == op.Branch16 && (ins.Branch < math.MinInt16 || ins.Branch > math.MaxInt16) {
				return structural(p.anchor, "%s offset %d overflows 16 bits", ins.Op, ins.Branch)
			}
		case ins.Op.IsSwitch():
			t, err := target(p.anchor + int(ins.Default))
			if err != nil {
				return err
			}
			ins.Default = int32(t - ins.Offset)
			targets := make([]int32, len(ins.Targets))
			for j, rel := range ins.Targets {
				t, err := target(p.anchor + int(rel))
				if err != nil {
					return err
				}
				targets[j] = int32(t - ins.Offset)
			}
			ins.Targets = targets
		}
		b, err := ins.Encode(ins.Offset)
		if err != nil {
			return structural(p.anchor, "%v", err)
		}
		code = append(code, b...)
	}

	var table []classfile.ExceptionHandler
	handlerIndex := make([]int, len(e.code.ExceptionTable))
	for i, h := range e.code.ExceptionTable {
		start, err := pcs(int(h.StartPC))
		if err != nil {
			return err
		}
		end, err := pcs(int(h.EndPC))
		if err != nil {
			return err
		}
		handler, err := target(int(h.HandlerPC))
		if err != nil {
			return err
		}
		if start >= end {
			handlerIndex[i] = -1
			continue
		}
		handlerIndex[i] = len(table)
		table = append(table, classfile.ExceptionHandler{
			StartPC:   uint16(start),
			EndPC:     uint16(end),
			HandlerPC: uint16(handler),
			CatchType: h.CatchType,
		})
	}
	handlers := func(old int) (int, error) {
		if old < 0 || old >= len(handlerIndex) || handlerIndex[old] < 0 {
			return 0, structural(0, "type annotation refers to dropped exception handler %d", old)
		}
		return handlerIndex[old], nil
	}

	if err := e.code.RemapAttributes(e.pool, pcs, handlers); err != nil {
		var se *StructuralError
		if errors.As(err, &se) {
			return err
		}
		return structural(0, "%v", err)
	}
	e.code.Bytecode = code
	e.code.ExceptionTable = table

	e.reset()
	return nil
}

// reset re-decodes the committed code so the editor can be reused.
func (e *Editor) reset() {
	insns, _ := classfile.DecodeInstructions(e.code.Bytecode)
	e.insns = insns
	clear(e.index)
	for i, ins := range insns {
		e.index[ins.Offset] = i
	}
	clear(e.replaced)
	clear(e.deleted)
	clear(e.inserted)
}
