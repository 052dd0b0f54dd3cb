package classfile

import (
	"fmt"
	"io"
	"math"
	"strings"
)

// DumpPool writes one line per pool entry.
func (cf *ClassFile) DumpPool(w io.Writer) {
	p := cf.Pool
	for i, c := range p.All() {
		var val string
		switch c := c.(type) {
		case *Utf8:
			val = fmt.Sprintf("%q", c.String())
		case *Integer:
			val = fmt.Sprint(c.Value)
		case *Float:
			val = fmt.Sprint(math.Float32frombits(c.Bits))
		case *Long:
			val = fmt.Sprint(c.Value)
		case *Double:
			val = fmt.Sprint(math.Float64frombits(c.Bits))
		default:
			refs := make([]string, 0, 2)
			for _, r := range c.refs() {
				refs = append(refs, fmt.Sprintf("#%d", *r))
			}
			val = strings.Join(refs, ".")
			if s := describeConstant(p, i); s != "" {
				val += " // " + s
			}
		}
		fmt.Fprintf(w, "%6s = %-18s %s\n", fmt.Sprintf("#%d", i), c.Tag(), val)
	}
}

// DumpCode writes the disassembly of every method body.
func (cf *ClassFile) DumpCode(w io.Writer) error {
	for _, m := range cf.Methods {
		fmt.Fprintf(w, "%s%s\n", m.Name(), m.Descriptor())
		code := m.Code()
		if code == nil {
			continue
		}
		fmt.Fprintf(w, "  stack=%d, locals=%d, length=%d\n", code.MaxStack, code.MaxLocals, len(code.Bytecode))
		insns, err := DecodeInstructions(code.Bytecode)
		if err != nil {
			return fmt.Errorf("%s: %w", m, err)
		}
		for _, ins := range insns {
			fmt.Fprintf(w, "  %s\n", ins.Format(cf.Pool))
		}
		for _, h := range code.ExceptionTable {
			catch := "any"
			if h.CatchType != 0 {
				catch, _ = cf.Pool.ClassName(h.CatchType)
			}
			fmt.Fprintf(w, "  try [%d, %d) -> %d %s\n", h.StartPC, h.EndPC, h.HandlerPC, catch)
		}
	}
	return nil
}
