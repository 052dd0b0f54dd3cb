package classfile

import (
	"errors"
	"fmt"
)

// OffsetMap translates a code offset from an old layout into a new one.
type OffsetMap func(old int) (int, error)

// RemapAttributes rewrites every code offset held by the nested attributes of
// c: LineNumberTable, LocalVariable(Type)Table, StackMapTable and code type
// annotations. handlers translates exception_table indices. Attributes whose
// layout is unknown are carried over unchanged. Nothing is modified unless
// every attribute remaps cleanly.
func (c *Code) RemapAttributes(pool *ConstantPool, pcs OffsetMap, handlers OffsetMap) error {
	infos := make([][]byte, len(c.Attributes))
	for i, a := range c.Attributes {
		if a.Code != nil {
			return fmt.Errorf("%w: Code attribute nested in Code", ErrFormat)
		}
		if a.Name == "StackMapTable" {
			info, err := remapStackMap(a.Info, pcs)
			if err != nil {
				return err
			}
			infos[i] = info
			continue
		}
		info := make([]byte, len(a.Info))
		copy(info, a.Info)
		err := walkAttribute(pool, a.Name, info, &visitor{
			pc: func(b []byte, pos int) error {
				n, err := pcs(int(getU2(b, pos)))
				if err != nil {
					return err
				}
				putU2(b, pos, uint16(n))
				return nil
			},
			span: func(b []byte, pos int) error {
				start := int(getU2(b, pos))
				end := start + int(getU2(b, pos+2))
				ns, err := pcs(start)
				if err != nil {
					return err
				}
				ne, err := pcs(end)
				if err != nil {
					return err
				}
				putU2(b, pos, uint16(ns))
				putU2(b, pos+2, uint16(ne-ns))
				return nil
			},
			handler: func(b []byte, pos int) error {
				n, err := handlers(int(getU2(b, pos)))
				if err != nil {
					return err
				}
				putU2(b, pos, uint16(n))
				return nil
			},
		})
		switch {
		case errors.Is(err, ErrUnknownAttribute):
			infos[i] = a.Info
		case err != nil:
			return fmt.Errorf("%s: %w", a.Name, err)
		default:
			infos[i] = info
		}
	}
	for i, a := range c.Attributes {
		a.Info = infos[i]
	}
	return nil
}

func remapStackMap(info []byte, pcs OffsetMap) ([]byte, error) {
	frames, err := ParseStackMap(info)
	if err != nil {
		return nil, err
	}
	remapTypes := func(vs []VerificationType) error {
		for i := range vs {
			if vs[i].Tag != VerifyUninitialized {
				continue
			}
			n, err := pcs(int(vs[i].Offset))
			if err != nil {
				return err
			}
			vs[i].Offset = uint16(n)
		}
		return nil
	}
	for i := range frames {
		if frames[i].Offset, err = pcs(frames[i].Offset); err != nil {
			return nil, err
		}
		if err := remapTypes(frames[i].Locals); err != nil {
			return nil, err
		}
		if err := remapTypes(frames[i].Stack); err != nil {
			return nil, err
		}
	}
	return EncodeStackMap(frames)
}
