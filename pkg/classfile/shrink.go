package classfile

import (
	"fmt"
	"strconv"

	"github.com/blacktop/destringer/pkg/classfile/op"
)

// forEachRef calls fn for every constant pool index held by the class outside
// the pool itself, replacing each with the returned value. Zero ("none")
// indices are skipped where the format allows them.
func forEachRef(cf *ClassFile, fn func(uint16) (uint16, error)) error {
	upd := func(p *uint16) error {
		if *p == 0 {
			return nil
		}
		v, err := fn(*p)
		if err != nil {
			return err
		}
		*p = v
		return nil
	}
	v := &visitor{ref: func(b []byte, pos int) error {
		x, err := fn(getU2(b, pos))
		if err != nil {
			return err
		}
		putU2(b, pos, x)
		return nil
	}}
	var attrs func(as []*Attribute) error
	attrs = func(as []*Attribute) error {
		for _, a := range as {
			if err := upd(&a.NameIndex); err != nil {
				return err
			}
			if a.Code == nil {
				if err := walkAttribute(cf.Pool, a.Name, a.Info, v); err != nil {
					return err
				}
				continue
			}
			if err := codeRefs(a.Code, fn); err != nil {
				return err
			}
			for i := range a.Code.ExceptionTable {
				if err := upd(&a.Code.ExceptionTable[i].CatchType); err != nil {
					return err
				}
			}
			if err := attrs(a.Code.Attributes); err != nil {
				return err
			}
		}
		return nil
	}

	if err := upd(&cf.ThisClass); err != nil {
		return err
	}
	if err := upd(&cf.SuperClass); err != nil {
		return err
	}
	for i := range cf.Interfaces {
		if err := upd(&cf.Interfaces[i]); err != nil {
			return err
		}
	}
	for _, members := range [][]*Member{cf.Fields, cf.Methods} {
		for _, m := range members {
			if err := upd(&m.NameIndex); err != nil {
				return err
			}
			if err := upd(&m.DescriptorIndex); err != nil {
				return err
			}
			if err := attrs(m.Attributes); err != nil {
				return err
			}
		}
	}
	return attrs(cf.Attributes)
}

// codeRefs rewrites pool operands in place. Remapped indices never grow, so
// the code layout is unchanged.
func codeRefs(c *Code, fn func(uint16) (uint16, error)) error {
	insns, err := DecodeInstructions(c.Bytecode)
	if err != nil {
		return err
	}
	for _, ins := range insns {
		if !ins.Op.UsesPool() {
			continue
		}
		x, err := fn(ins.Index)
		if err != nil {
			return fmt.Errorf("%s at %d: %w", ins.Op, ins.Offset, err)
		}
		if ins.Op.Operand() == op.Pool8 {
			if x > 0xff {
				return fmt.Errorf("%w: ldc index %d at %d", ErrOperandRange, x, ins.Offset)
			}
			c.Bytecode[ins.Offset+1] = uint8(x)
		} else {
			putU2(c.Bytecode, ins.Offset+1, x)
		}
	}
	return nil
}

// Shrink drops pool entries that nothing in the class references, merges
// entries with equal values and remaps every index. Surviving entries keep
// their relative order, so no index grows. Shrink validates the whole class
// before changing anything; a class with an attribute it cannot walk is left
// untouched and ErrUnknownAttribute is returned.
func Shrink(cf *ClassFile) error {
	p := cf.Pool
	live := make([]bool, len(p.entries))
	var mark func(i uint16) error
	mark = func(i uint16) error {
		c, err := p.Get(i)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}
		if live[i] {
			return nil
		}
		live[i] = true
		for _, r := range c.refs() {
			if err := mark(*r); err != nil {
				return err
			}
		}
		return nil
	}
	if err := forEachRef(cf, func(i uint16) (uint16, error) { return i, mark(i) }); err != nil {
		return err
	}

	keys := make([]string, len(p.entries))
	state := make([]uint8, len(p.entries)) // 0 unseen, 1 in progress, 2 done
	var keyErr error
	var key func(i uint16) string
	key = func(i uint16) string {
		switch state[i] {
		case 1:
			keyErr = fmt.Errorf("%w: constant pool cycle at #%d", ErrFormat, i)
			return ""
		case 2:
			return keys[i]
		}
		state[i] = 1
		k := constantKey(p.entries[i], func(j uint16) string {
			s := key(j)
			return strconv.Itoa(len(s)) + ":" + s
		})
		state[i] = 2
		keys[i] = k
		return k
	}

	remap := make([]uint16, len(p.entries))
	first := make(map[string]uint16)
	entries := []Constant{nil}
	var kept []Constant
	for i, c := range p.entries {
		if c == nil || !live[i] {
			continue
		}
		k := key(uint16(i))
		if keyErr != nil {
			return keyErr
		}
		if n, ok := first[k]; ok {
			remap[i] = n
			continue
		}
		n := uint16(len(entries))
		first[k] = n
		remap[i] = n
		entries = append(entries, c)
		if c.Tag().Wide() {
			entries = append(entries, nil)
		}
		kept = append(kept, c)
	}

	for _, c := range kept {
		for _, r := range c.refs() {
			*r = remap[*r]
		}
	}
	if err := forEachRef(cf, func(i uint16) (uint16, error) { return remap[i], nil }); err != nil {
		// validated above; only reachable on an internal inconsistency
		return err
	}
	p.entries = entries
	p.lookup = nil
	return nil
}
