package classfile

import "fmt"

// Verification type tags.
const (
	VerifyTop               = 0
	VerifyInteger           = 1
	VerifyFloat             = 2
	VerifyDouble            = 3
	VerifyLong              = 4
	VerifyNull              = 5
	VerifyUninitializedThis = 6
	VerifyObject            = 7
	VerifyUninitialized     = 8
)

// VerificationType is one stack map slot.
type VerificationType struct {
	Tag    uint8
	Index  uint16 // VerifyObject
	Offset uint16 // VerifyUninitialized
}

// FrameKind is the shape of a stack map frame.
type FrameKind uint8

const (
	FrameSame FrameKind = iota
	FrameSameLocals1
	FrameChop
	FrameAppend
	FrameFull
)

// StackMapFrame is a decoded frame with its absolute bytecode offset.
type StackMapFrame struct {
	Kind     FrameKind
	Offset   int
	Extended bool // same/same_locals_1 encoded with an explicit u2 delta
	Chop     int
	Locals   []VerificationType
	Stack    []VerificationType
}

// ParseStackMap decodes a StackMapTable body.
func ParseStackMap(info []byte) ([]StackMapFrame, error) {
	d := newDecoder(info)
	n := int(d.u2())
	frames := make([]StackMapFrame, 0, n)
	prev := -1
	for i := 0; i < n && d.err == nil; i++ {
		var f StackMapFrame
		var delta int
		ft := d.u1()
		switch {
		case ft <= 63:
			f.Kind, delta = FrameSame, int(ft)
		case ft <= 127:
			f.Kind, delta = FrameSameLocals1, int(ft)-64
			f.Stack = []VerificationType{readVerificationType(d)}
		case ft == 247:
			f.Kind, f.Extended, delta = FrameSameLocals1, true, int(d.u2())
			f.Stack = []VerificationType{readVerificationType(d)}
		case ft >= 248 && ft <= 250:
			f.Kind, f.Chop, delta = FrameChop, 251-int(ft), int(d.u2())
		case ft == 251:
			f.Kind, f.Extended, delta = FrameSame, true, int(d.u2())
		case ft >= 252 && ft <= 254:
			f.Kind, delta = FrameAppend, int(d.u2())
			for k := 0; k < int(ft)-251; k++ {
				f.Locals = append(f.Locals, readVerificationType(d))
			}
		case ft == 255:
			f.Kind, delta = FrameFull, int(d.u2())
			for k := int(d.u2()); k > 0 && d.err == nil; k-- {
				f.Locals = append(f.Locals, readVerificationType(d))
			}
			for k := int(d.u2()); k > 0 && d.err == nil; k-- {
				f.Stack = append(f.Stack, readVerificationType(d))
			}
		default:
			return nil, fmt.Errorf("%w: reserved stack map frame type %d", ErrFormat, ft)
		}
		f.Offset = prev + 1 + delta
		prev = f.Offset
		frames = append(frames, f)
	}
	if d.err != nil {
		return nil, fmt.Errorf("StackMapTable: %w", d.err)
	}
	if d.remaining() != 0 {
		return nil, fmt.Errorf("%w: StackMapTable has %d trailing bytes", ErrFormat, d.remaining())
	}
	return frames, nil
}

func readVerificationType(d *decoder) VerificationType {
	v := VerificationType{Tag: d.u1()}
	switch v.Tag {
	case VerifyObject:
		v.Index = d.u2()
	case VerifyUninitialized:
		v.Offset = d.u2()
	}
	if d.err == nil && v.Tag > VerifyUninitialized {
		d.err = fmt.Errorf("%w: bad verification type tag %d", ErrFormat, v.Tag)
	}
	return v
}

// EncodeStackMap encodes frames. Offsets must be strictly increasing.
func EncodeStackMap(frames []StackMapFrame) ([]byte, error) {
	e := &encoder{}
	e.u2(uint16(len(frames)))
	prev := -1
	for _, f := range frames {
		delta := f.Offset - prev - 1
		if delta < 0 || delta > 0xffff {
			return nil, fmt.Errorf("%w: stack map frame at %d follows frame at %d", ErrOperandRange, f.Offset, prev)
		}
		prev = f.Offset
		compact := !f.Extended && delta <= 63
		switch f.Kind {
		case FrameSame:
			if compact {
				e.u1(uint8(delta))
			} else {
				e.u1(251)
				e.u2(uint16(delta))
			}
		case FrameSameLocals1:
			if len(f.Stack) != 1 {
				return nil, fmt.Errorf("%w: same_locals_1 frame with %d stack items", ErrOperandRange, len(f.Stack))
			}
			if compact {
				e.u1(uint8(64 + delta))
			} else {
				e.u1(247)
				e.u2(uint16(delta))
			}
			writeVerificationType(e, f.Stack[0])
		case FrameChop:
			if f.Chop < 1 || f.Chop > 3 {
				return nil, fmt.Errorf("%w: chop frame drops %d locals", ErrOperandRange, f.Chop)
			}
			e.u1(uint8(251 - f.Chop))
			e.u2(uint16(delta))
		case FrameAppend:
			if len(f.Locals) < 1 || len(f.Locals) > 3 {
				return nil, fmt.Errorf("%w: append frame adds %d locals", ErrOperandRange, len(f.Locals))
			}
			e.u1(uint8(251 + len(f.Locals)))
			e.u2(uint16(delta))
			for _, v := range f.Locals {
				writeVerificationType(e, v)
			}
		case FrameFull:
			e.u1(255)
			e.u2(uint16(delta))
			e.u2(uint16(len(f.Locals)))
			for _, v := range f.Locals {
				writeVerificationType(e, v)
			}
			e.u2(uint16(len(f.Stack)))
			for _, v := range f.Stack {
				writeVerificationType(e, v)
			}
		}
	}
	return e.b, nil
}

func writeVerificationType(e *encoder, v VerificationType) {
	e.u1(v.Tag)
	switch v.Tag {
	case VerifyObject:
		e.u2(v.Index)
	case VerifyUninitialized:
		e.u2(v.Offset)
	}
}
