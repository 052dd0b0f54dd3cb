package emu

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/blacktop/destringer/pkg/classfile"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"
)

// native emulates a library method. args holds the receiver first for
// instance methods.
type native func(e *Emulation, args []Value) (Value, error)

var natives = map[string]native{}

func register(owner string, methods map[string]native) {
	for sig, fn := range methods {
		natives[owner+"."+sig] = fn
	}
}

func init() {
	register("java/lang/Object", objectNatives)
	register("java/lang/String", stringNatives)
	register("java/lang/StringBuilder", builderNatives("java/lang/StringBuilder"))
	register("java/lang/StringBuffer", builderNatives("java/lang/StringBuffer"))
	register("java/lang/Integer", integerNatives)
	register("java/lang/Long", longNatives)
	register("java/lang/Character", characterNatives)
	register("java/lang/Math", mathNatives)
	register("java/lang/System", systemNatives)
	register("java/lang/Thread", threadNatives)
	register("java/lang/Throwable", throwableNatives)
	register("java/lang/StackTraceElement", stackTraceElementNatives)
	register("java/lang/Class", classNatives)
	register("java/security/ProtectionDomain", protectionDomainNatives)
	register("java/security/CodeSource", codeSourceNatives)
	register("java/net/URL", urlNatives)
	register("java/util/HashMap", hashMapNatives)
	natives["[.clone()Ljava/lang/Object;"] = func(e *Emulation, args []Value) (Value, error) {
		a := args[0].(*Array)
		return &Array{Type: a.Type, Elems: append([]Value(nil), a.Elems...)}, nil
	}
	registerPoolLookup()
}

func intArg(v Value) int32 {
	n, _ := v.(int32)
	return n
}

func (e *Emulation) str(v Value) (*String, error) {
	switch s := v.(type) {
	case *String:
		return s, nil
	case nil:
		return nil, e.throw("java/lang/NullPointerException", "")
	}
	return nil, fmt.Errorf("%w: expected a string, found %s", ErrUnsupported, e.className(v))
}

func (e *Emulation) arr(v Value) (*Array, error) {
	switch a := v.(type) {
	case *Array:
		return a, nil
	case nil:
		return nil, e.throw("java/lang/NullPointerException", "")
	}
	return nil, fmt.Errorf("%w: expected an array, found %s", ErrUnsupported, e.className(v))
}

func nativeOf[T any](e *Emulation, v Value) (T, error) {
	var zero T
	if v == nil {
		return zero, e.throw("java/lang/NullPointerException", "")
	}
	obj, ok := v.(*Object)
	if !ok {
		return zero, fmt.Errorf("%w: %s has no native state", ErrUnsupported, e.className(v))
	}
	t, ok := obj.Native.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s is not initialized", ErrUnsupported, externalName(obj.Class))
	}
	return t, nil
}

func (e *Emulation) identityHash(v Value) int32 {
	if h, ok := e.hashes[v]; ok {
		return h
	}
	h := int32(len(e.hashes)*0x61c88647 + 0x1b873593)
	e.hashes[v] = h
	return h
}

func stringHash(chars []uint16) int32 {
	var h int32
	for _, c := range chars {
		h = 31*h + int32(c)
	}
	return h
}

func (e *Emulation) boxed(class string, v Value) *Object {
	return &Object{Class: class, Native: v}
}

// stringOf renders v the way String.valueOf does. desc is the static type of
// v when known; it decides how an int32 is rendered.
func (e *Emulation) stringOf(v Value, desc string) ([]uint16, error) {
	switch v := v.(type) {
	case nil:
		return classfile.UTF16("null"), nil
	case *String:
		return v.Chars, nil
	case int32:
		switch desc {
		case "C":
			return []uint16{uint16(v)}, nil
		case "Z":
			return classfile.UTF16(strconv.FormatBool(v != 0)), nil
		}
		return classfile.UTF16(strconv.Itoa(int(v))), nil
	case int64:
		return classfile.UTF16(strconv.FormatInt(v, 10)), nil
	case float32:
		return classfile.UTF16(javaFloat(float64(v), 32)), nil
	case float64:
		return classfile.UTF16(javaFloat(v, 64)), nil
	case *Array:
		return classfile.UTF16(fmt.Sprintf("[%s@%x", strings.ReplaceAll(v.Type, "/", "."), uint32(e.identityHash(v)))), nil
	case *Object:
		switch n := v.Native.(type) {
		case *builder:
			return append([]uint16(nil), n.chars...), nil
		case *throwable:
			s := externalName(v.Class)
			if n.message != nil {
				s += ": " + n.message.String()
			}
			return classfile.UTF16(s), nil
		}
		switch v.Class {
		case "java/lang/Integer", "java/lang/Long":
			return e.stringOf(v.Native, "")
		case "java/lang/Character":
			return e.stringOf(v.Native, "C")
		case "java/lang/Class":
			return classfile.UTF16("class " + externalName(v.Native.(string))), nil
		case "java/net/URL":
			return classfile.UTF16(v.Native.(string)), nil
		}
		return classfile.UTF16(fmt.Sprintf("%s@%x", externalName(v.Class), uint32(e.identityHash(v)))), nil
	}
	return nil, fmt.Errorf("%w: cannot render %T", ErrUnsupported, v)
}

// javaFloat formats like Float.toString and Double.toString.
func javaFloat(f float64, bits int) string {
	switch {
	case math.IsNaN(f):
		return "NaN"
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0 && math.Signbit(f):
		return "-0.0"
	case f == 0:
		return "0.0"
	}
	if abs := math.Abs(f); abs >= 1e-3 && abs < 1e7 {
		s := strconv.FormatFloat(f, 'f', -1, bits)
		if !strings.Contains(s, ".") {
			s += ".0"
		}
		return s
	}
	mant, exp, _ := strings.Cut(strconv.FormatFloat(f, 'E', -1, bits), "E")
	if !strings.Contains(mant, ".") {
		mant += ".0"
	}
	n, _ := strconv.Atoi(exp)
	return mant + "E" + strconv.Itoa(n)
}

var objectNatives = map[string]native{
	"<init>()V": func(e *Emulation, args []Value) (Value, error) { return nil, nil },
	"hashCode()I": func(e *Emulation, args []Value) (Value, error) {
		return e.identityHash(args[0]), nil
	},
	"equals(Ljava/lang/Object;)Z": func(e *Emulation, args []Value) (Value, error) {
		return boolInt(args[0] == args[1]), nil
	},
	"getClass()Ljava/lang/Class;": func(e *Emulation, args []Value) (Value, error) {
		return e.mirror(e.runtimeClass(args[0])), nil
	},
	"toString()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		s, err := e.stringOf(args[0], "")
		return &String{Chars: s}, err
	},
}

func (e *Emulation) substring(s *String, begin, end int32) (Value, error) {
	if begin < 0 || end > int32(len(s.Chars)) || begin > end {
		return nil, e.throw("java/lang/StringIndexOutOfBoundsException", fmt.Sprintf("begin %d, end %d, length %d", begin, end, len(s.Chars)))
	}
	return &String{Chars: append([]uint16(nil), s.Chars[begin:end]...)}, nil
}

func (e *Emulation) charset(name *String) (encoding.Encoding, error) {
	if name == nil {
		return ianaindex.IANA.Encoding("UTF-8")
	}
	enc, err := ianaindex.IANA.Encoding(name.String())
	if err != nil || enc == nil {
		return nil, e.throw("java/io/UnsupportedEncodingException", name.String())
	}
	return enc, nil
}

func (e *Emulation) encode(s *String, charset *String) (Value, error) {
	enc, err := e.charset(charset)
	if err != nil {
		return nil, err
	}
	b, err := encoding.ReplaceUnsupported(enc.NewEncoder()).Bytes([]byte(s.String()))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %q: %v", ErrUnsupported, s.String(), err)
	}
	return byteArray(b), nil
}

func (e *Emulation) decodeBytes(b []byte, charset *String) ([]uint16, error) {
	enc, err := e.charset(charset)
	if err != nil {
		return nil, err
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding: %v", ErrUnsupported, err)
	}
	return classfile.UTF16(string(out)), nil
}

// initString fills a String allocated by new.
func (e *Emulation) initString(v Value, chars []uint16) (Value, error) {
	s, err := e.str(v)
	if err != nil {
		return nil, err
	}
	s.Chars = chars
	return nil, nil
}

func (e *Emulation) charRange(a *Array, off, n int32) ([]uint16, error) {
	if off < 0 || n < 0 || int(off)+int(n) > len(a.Elems) {
		return nil, e.throw("java/lang/StringIndexOutOfBoundsException", fmt.Sprintf("offset %d, count %d, length %d", off, n, len(a.Elems)))
	}
	return (&Array{Elems: a.Elems[off : off+n]}).Chars(), nil
}

var stringNatives = map[string]native{
	"<init>()V": func(e *Emulation, args []Value) (Value, error) {
		return e.initString(args[0], []uint16{})
	},
	"<init>(Ljava/lang/String;)V": func(e *Emulation, args []Value) (Value, error) {
		s, err := e.str(args[1])
		if err != nil {
			return nil, err
		}
		return e.initString(args[0], s.Chars)
	},
	"<init>([C)V": func(e *Emulation, args []Value) (Value, error) {
		a, err := e.arr(args[1])
		if err != nil {
			return nil, err
		}
		return e.initString(args[0], a.Chars())
	},
	"<init>([CII)V": func(e *Emulation, args []Value) (Value, error) {
		a, err := e.arr(args[1])
		if err != nil {
			return nil, err
		}
		chars, err := e.charRange(a, intArg(args[2]), intArg(args[3]))
		if err != nil {
			return nil, err
		}
		return e.initString(args[0], chars)
	},
	"<init>([B)V": func(e *Emulation, args []Value) (Value, error) {
		a, err := e.arr(args[1])
		if err != nil {
			return nil, err
		}
		chars, err := e.decodeBytes(a.Bytes(), nil)
		if err != nil {
			return nil, err
		}
		return e.initString(args[0], chars)
	},
	"<init>([BLjava/lang/String;)V": func(e *Emulation, args []Value) (Value, error) {
		a, err := e.arr(args[1])
		if err != nil {
			return nil, err
		}
		cs, err := e.str(args[2])
		if err != nil {
			return nil, err
		}
		chars, err := e.decodeBytes(a.Bytes(), cs)
		if err != nil {
			return nil, err
		}
		return e.initString(args[0], chars)
	},
	"length()I": func(e *Emulation, args []Value) (Value, error) {
		return int32(len(args[0].(*String).Chars)), nil
	},
	"isEmpty()Z": func(e *Emulation, args []Value) (Value, error) {
		return boolInt(len(args[0].(*String).Chars) == 0), nil
	},
	"charAt(I)C": func(e *Emulation, args []Value) (Value, error) {
		s, i := args[0].(*String), intArg(args[1])
		if i < 0 || int(i) >= len(s.Chars) {
			return nil, e.throw("java/lang/StringIndexOutOfBoundsException", fmt.Sprintf("index %d, length %d", i, len(s.Chars)))
		}
		return int32(s.Chars[i]), nil
	},
	"toCharArray()[C": func(e *Emulation, args []Value) (Value, error) {
		return charArray(args[0].(*String).Chars), nil
	},
	"getBytes()[B": func(e *Emulation, args []Value) (Value, error) {
		return e.encode(args[0].(*String), nil)
	},
	"getBytes(Ljava/lang/String;)[B": func(e *Emulation, args []Value) (Value, error) {
		cs, err := e.str(args[1])
		if err != nil {
			return nil, err
		}
		return e.encode(args[0].(*String), cs)
	},
	"equals(Ljava/lang/Object;)Z": func(e *Emulation, args []Value) (Value, error) {
		o, ok := args[1].(*String)
		return boolInt(ok && slicesEqual(args[0].(*String).Chars, o.Chars)), nil
	},
	"hashCode()I": func(e *Emulation, args []Value) (Value, error) {
		return stringHash(args[0].(*String).Chars), nil
	},
	"intern()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		return e.intern(args[0].(*String).Chars), nil
	},
	"toString()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		return args[0], nil
	},
	"substring(I)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		s := args[0].(*String)
		return e.substring(s, intArg(args[1]), int32(len(s.Chars)))
	},
	"substring(II)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		return e.substring(args[0].(*String), intArg(args[1]), intArg(args[2]))
	},
	"indexOf(I)I": func(e *Emulation, args []Value) (Value, error) {
		for i, c := range args[0].(*String).Chars {
			if int32(c) == intArg(args[1]) {
				return int32(i), nil
			}
		}
		return int32(-1), nil
	},
	"indexOf(Ljava/lang/String;)I": func(e *Emulation, args []Value) (Value, error) {
		sub, err := e.str(args[1])
		if err != nil {
			return nil, err
		}
		s := args[0].(*String).Chars
		for i := 0; i+len(sub.Chars) <= len(s); i++ {
			if slicesEqual(s[i:i+len(sub.Chars)], sub.Chars) {
				return int32(i), nil
			}
		}
		return int32(-1), nil
	},
	"concat(Ljava/lang/String;)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		o, err := e.str(args[1])
		if err != nil {
			return nil, err
		}
		s := args[0].(*String)
		return &String{Chars: append(append([]uint16(nil), s.Chars...), o.Chars...)}, nil
	},
	"replace(CC)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		s := args[0].(*String)
		out := make([]uint16, len(s.Chars))
		for i, c := range s.Chars {
			if int32(c) == intArg(args[1]) {
				c = uint16(intArg(args[2]))
			}
			out[i] = c
		}
		return &String{Chars: out}, nil
	},
	"valueOf(C)Ljava/lang/String;":                  valueOf("C"),
	"valueOf(I)Ljava/lang/String;":                  valueOf("I"),
	"valueOf(J)Ljava/lang/String;":                  valueOf("J"),
	"valueOf(Z)Ljava/lang/String;":                  valueOf("Z"),
	"valueOf(Ljava/lang/Object;)Ljava/lang/String;": valueOf(""),
	"valueOf([C)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		a, err := e.arr(args[0])
		if err != nil {
			return nil, err
		}
		return &String{Chars: a.Chars()}, nil
	},
}

func valueOf(desc string) native {
	return func(e *Emulation, args []Value) (Value, error) {
		s, err := e.stringOf(args[0], desc)
		if err != nil {
			return nil, err
		}
		return &String{Chars: s}, nil
	}
}

// builder is the native state of StringBuilder and StringBuffer.
type builder struct {
	chars []uint16
}

func builderNatives(class string) map[string]native {
	self := "L" + class + ";"
	build := func(e *Emulation, v Value) (*builder, error) { return nativeOf[*builder](e, v) }
	appender := func(desc string) native {
		return func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			s, err := e.stringOf(args[1], desc)
			if err != nil {
				return nil, err
			}
			b.chars = append(b.chars, s...)
			return args[0], nil
		}
	}
	initWith := func(e *Emulation, args []Value) (Value, error) {
		b := &builder{}
		if len(args) > 1 {
			switch v := args[1].(type) {
			case int32:
			case nil:
				return nil, e.throw("java/lang/NullPointerException", "")
			default:
				s, err := e.stringOf(v, "")
				if err != nil {
					return nil, err
				}
				b.chars = append(b.chars, s...)
			}
		}
		args[0].(*Object).Native = b
		return nil, nil
	}
	index := func(e *Emulation, b *builder, i int32, inclusive bool) error {
		n := int32(len(b.chars))
		if inclusive {
			n++
		}
		if i < 0 || i >= n {
			return e.throw("java/lang/StringIndexOutOfBoundsException", fmt.Sprintf("index %d, length %d", i, len(b.chars)))
		}
		return nil
	}
	return map[string]native{
		"<init>()V":                               initWith,
		"<init>(I)V":                              initWith,
		"<init>(Ljava/lang/String;)V":             initWith,
		"<init>(Ljava/lang/CharSequence;)V":       initWith,
		"append(C)" + self:                        appender("C"),
		"append(I)" + self:                        appender("I"),
		"append(J)" + self:                        appender("J"),
		"append(Z)" + self:                        appender("Z"),
		"append(F)" + self:                        appender("F"),
		"append(D)" + self:                        appender("D"),
		"append(Ljava/lang/String;)" + self:       appender(""),
		"append(Ljava/lang/Object;)" + self:       appender(""),
		"append(Ljava/lang/CharSequence;)" + self: appender(""),
		"append([C)" + self: func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			a, err := e.arr(args[1])
			if err != nil {
				return nil, err
			}
			b.chars = append(b.chars, a.Chars()...)
			return args[0], nil
		},
		"toString()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			return &String{Chars: append([]uint16(nil), b.chars...)}, nil
		},
		"length()I": func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			return int32(len(b.chars)), nil
		},
		"charAt(I)C": func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			i := intArg(args[1])
			if err := index(e, b, i, false); err != nil {
				return nil, err
			}
			return int32(b.chars[i]), nil
		},
		"setCharAt(IC)V": func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			i := intArg(args[1])
			if err := index(e, b, i, false); err != nil {
				return nil, err
			}
			b.chars[i] = uint16(intArg(args[2]))
			return nil, nil
		},
		"deleteCharAt(I)" + self: func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			i := intArg(args[1])
			if err := index(e, b, i, false); err != nil {
				return nil, err
			}
			b.chars = append(b.chars[:i], b.chars[i+1:]...)
			return args[0], nil
		},
		"insert(IC)" + self: func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			i := intArg(args[1])
			if err := index(e, b, i, true); err != nil {
				return nil, err
			}
			b.chars = append(b.chars[:i], append([]uint16{uint16(intArg(args[2]))}, b.chars[i:]...)...)
			return args[0], nil
		},
		"setLength(I)V": func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			n := intArg(args[1])
			if n < 0 {
				return nil, e.throw("java/lang/StringIndexOutOfBoundsException", fmt.Sprint(n))
			}
			for int(n) > len(b.chars) {
				b.chars = append(b.chars, 0)
			}
			b.chars = b.chars[:n]
			return nil, nil
		},
		"reverse()" + self: func(e *Emulation, args []Value) (Value, error) {
			b, err := build(e, args[0])
			if err != nil {
				return nil, err
			}
			reverseChars(b.chars)
			return args[0], nil
		},
	}
}

// reverseChars reverses in place, keeping surrogate pairs in order.
func reverseChars(s []uint16) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
	for i := 0; i+1 < len(s); i++ {
		if s[i] >= 0xdc00 && s[i] <= 0xdfff && s[i+1] >= 0xd800 && s[i+1] <= 0xdbff {
			s[i], s[i+1] = s[i+1], s[i]
			i++
		}
	}
}

func (e *Emulation) parseInt(v Value, radix int32) (Value, error) {
	s, err := e.str(v)
	if err != nil {
		return nil, e.throw("java/lang/NumberFormatException", "Cannot parse null string")
	}
	if radix < 2 || radix > 36 {
		return nil, e.throw("java/lang/NumberFormatException", fmt.Sprintf("radix %d out of range", radix))
	}
	n, perr := strconv.ParseInt(s.String(), int(radix), 32)
	if perr != nil || strings.Contains(s.String(), "_") {
		return nil, e.throw("java/lang/NumberFormatException", fmt.Sprintf("For input string: %q", s.String()))
	}
	return int32(n), nil
}

var integerNatives = map[string]native{
	"valueOf(I)Ljava/lang/Integer;": func(e *Emulation, args []Value) (Value, error) {
		return e.boxed("java/lang/Integer", intArg(args[0])), nil
	},
	"intValue()I": func(e *Emulation, args []Value) (Value, error) {
		return nativeOf[int32](e, args[0])
	},
	"parseInt(Ljava/lang/String;)I": func(e *Emulation, args []Value) (Value, error) {
		return e.parseInt(args[0], 10)
	},
	"parseInt(Ljava/lang/String;I)I": func(e *Emulation, args []Value) (Value, error) {
		return e.parseInt(args[0], intArg(args[1]))
	},
	"toString(I)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		return NewString(strconv.Itoa(int(intArg(args[0])))), nil
	},
	"toString(II)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		radix := int(intArg(args[1]))
		if radix < 2 || radix > 36 {
			radix = 10
		}
		return NewString(strconv.FormatInt(int64(intArg(args[0])), radix)), nil
	},
	"toHexString(I)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		return NewString(strconv.FormatUint(uint64(uint32(intArg(args[0]))), 16)), nil
	},
}

var longNatives = map[string]native{
	"valueOf(J)Ljava/lang/Long;": func(e *Emulation, args []Value) (Value, error) {
		n, _ := args[0].(int64)
		return e.boxed("java/lang/Long", n), nil
	},
	"longValue()J": func(e *Emulation, args []Value) (Value, error) {
		return nativeOf[int64](e, args[0])
	},
	"toString(J)Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		n, _ := args[0].(int64)
		return NewString(strconv.FormatInt(n, 10)), nil
	},
}

var characterNatives = map[string]native{
	"valueOf(C)Ljava/lang/Character;": func(e *Emulation, args []Value) (Value, error) {
		return e.boxed("java/lang/Character", intArg(args[0])), nil
	},
	"charValue()C": func(e *Emulation, args []Value) (Value, error) {
		return nativeOf[int32](e, args[0])
	},
	"isDigit(C)Z": func(e *Emulation, args []Value) (Value, error) {
		c := intArg(args[0])
		return boolInt(c >= '0' && c <= '9'), nil
	},
}

var mathNatives = map[string]native{
	"abs(I)I": func(e *Emulation, args []Value) (Value, error) {
		n := intArg(args[0])
		if n < 0 {
			n = -n
		}
		return n, nil
	},
	"abs(J)J": func(e *Emulation, args []Value) (Value, error) {
		n, _ := args[0].(int64)
		if n < 0 {
			n = -n
		}
		return n, nil
	},
	"max(II)I": func(e *Emulation, args []Value) (Value, error) {
		return max(intArg(args[0]), intArg(args[1])), nil
	},
	"min(II)I": func(e *Emulation, args []Value) (Value, error) {
		return min(intArg(args[0]), intArg(args[1])), nil
	},
}

var systemNatives = map[string]native{
	"arraycopy(Ljava/lang/Object;ILjava/lang/Object;II)V": func(e *Emulation, args []Value) (Value, error) {
		src, err := e.arr(args[0])
		if err != nil {
			return nil, err
		}
		dst, err := e.arr(args[2])
		if err != nil {
			return nil, err
		}
		sp, dp, n := intArg(args[1]), intArg(args[3]), intArg(args[4])
		if sp < 0 || dp < 0 || n < 0 || int(sp)+int(n) > len(src.Elems) || int(dp)+int(n) > len(dst.Elems) {
			return nil, e.throw("java/lang/ArrayIndexOutOfBoundsException", "arraycopy: last source index out of bounds")
		}
		copy(dst.Elems[dp:dp+n], src.Elems[sp:sp+n])
		return nil, nil
	},
	"identityHashCode(Ljava/lang/Object;)I": func(e *Emulation, args []Value) (Value, error) {
		if args[0] == nil {
			return int32(0), nil
		}
		return e.identityHash(args[0]), nil
	},
}

// stackTrace builds a StackTraceElement[] from frames.
func stackTrace(frames []StackFrame) *Array {
	a := &Array{Type: "Ljava/lang/StackTraceElement;", Elems: make([]Value, len(frames))}
	for i, f := range frames {
		a.Elems[i] = &Object{Class: "java/lang/StackTraceElement", Native: f}
	}
	return a
}

var threadNatives = map[string]native{
	"currentThread()Ljava/lang/Thread;": func(e *Emulation, args []Value) (Value, error) {
		if e.thread == nil {
			e.thread = &Object{Class: "java/lang/Thread"}
		}
		return e.thread, nil
	},
	"getStackTrace()[Ljava/lang/StackTraceElement;": func(e *Emulation, args []Value) (Value, error) {
		frames := append([]StackFrame{{Class: "java/lang/Thread", Method: "getStackTrace"}}, e.trace()...)
		return stackTrace(frames), nil
	},
}

var throwableNatives = map[string]native{
	"<init>()V": func(e *Emulation, args []Value) (Value, error) {
		args[0].(*Object).Native = &throwable{trace: e.trace()}
		return nil, nil
	},
	"<init>(Ljava/lang/String;)V": func(e *Emulation, args []Value) (Value, error) {
		msg, _ := args[1].(*String)
		args[0].(*Object).Native = &throwable{message: msg, trace: e.trace()}
		return nil, nil
	},
	"getMessage()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		th, err := nativeOf[*throwable](e, args[0])
		if err != nil || th.message == nil {
			return nil, err
		}
		return th.message, nil
	},
	"getStackTrace()[Ljava/lang/StackTraceElement;": func(e *Emulation, args []Value) (Value, error) {
		th, err := nativeOf[*throwable](e, args[0])
		if err != nil {
			return nil, err
		}
		return stackTrace(th.trace), nil
	},
	"fillInStackTrace()Ljava/lang/Throwable;": func(e *Emulation, args []Value) (Value, error) {
		th, err := nativeOf[*throwable](e, args[0])
		if err != nil {
			return nil, err
		}
		th.trace = e.trace()
		return args[0], nil
	},
}

var stackTraceElementNatives = map[string]native{
	"getClassName()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		f, err := nativeOf[StackFrame](e, args[0])
		if err != nil {
			return nil, err
		}
		return NewString(externalName(f.Class)), nil
	},
	"getMethodName()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		f, err := nativeOf[StackFrame](e, args[0])
		if err != nil {
			return nil, err
		}
		return NewString(f.Method), nil
	},
	"getLineNumber()I": func(e *Emulation, args []Value) (Value, error) {
		return int32(-1), nil
	},
	"getFileName()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		return nil, nil
	},
}

var classNatives = map[string]native{
	"forName(Ljava/lang/String;)Ljava/lang/Class;": func(e *Emulation, args []Value) (Value, error) {
		s, err := e.str(args[0])
		if err != nil {
			return nil, err
		}
		return e.mirror(internalName(s.String())), nil
	},
	"getName()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		name, err := nativeOf[string](e, args[0])
		if err != nil {
			return nil, err
		}
		return NewString(externalName(name)), nil
	},
	"getSimpleName()Ljava/lang/String;": func(e *Emulation, args []Value) (Value, error) {
		name, err := nativeOf[string](e, args[0])
		if err != nil {
			return nil, err
		}
		if i := strings.LastIndexAny(name, "/$"); i >= 0 {
			name = name[i+1:]
		}
		return NewString(name), nil
	},
	"desiredAssertionStatus()Z": func(e *Emulation, args []Value) (Value, error) {
		return int32(0), nil
	},
	"getProtectionDomain()Ljava/security/ProtectionDomain;": func(e *Emulation, args []Value) (Value, error) {
		name, err := nativeOf[string](e, args[0])
		if err != nil {
			return nil, err
		}
		return &Object{Class: "java/security/ProtectionDomain", Native: name}, nil
	},
}

var protectionDomainNatives = map[string]native{
	"getCodeSource()Ljava/security/CodeSource;": func(e *Emulation, args []Value) (Value, error) {
		if e.conf.CodeSource == "" {
			return nil, nil
		}
		return &Object{Class: "java/security/CodeSource", Native: e.conf.CodeSource}, nil
	},
}

var codeSourceNatives = map[string]native{
	"getLocation()Ljava/net/URL;": func(e *Emulation, args []Value) (Value, error) {
		loc, err := nativeOf[string](e, args[0])
		if err != nil {
			return nil, err
		}
		return &Object{Class: "java/net/URL", Native: loc}, nil
	},
}

func urlPart(part func(*url.URL) string) native {
	return func(e *Emulation, args []Value) (Value, error) {
		s, err := nativeOf[string](e, args[0])
		if err != nil {
			return nil, err
		}
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("%w: code source %q: %v", ErrUnsupported, s, err)
		}
		return NewString(part(u)), nil
	}
}

var urlNatives = map[string]native{
	"toString()Ljava/lang/String;":       urlPart((*url.URL).String),
	"toExternalForm()Ljava/lang/String;": urlPart((*url.URL).String),
	"getProtocol()Ljava/lang/String;":    urlPart(func(u *url.URL) string { return u.Scheme }),
	"getPath()Ljava/lang/String;":        urlPart(func(u *url.URL) string { return u.EscapedPath() }),
	"getFile()Ljava/lang/String;":        urlPart((*url.URL).RequestURI),
}

// registerPoolLookup installs the SharedSecrets route to the constant pool
// size of a class, for each package it has lived in.
func registerPoolLookup() {
	for _, pkg := range []struct{ access, reflect string }{
		{"sun/misc", "sun/reflect"},
		{"jdk/internal/misc", "jdk/internal/reflect"},
		{"jdk/internal/access", "jdk/internal/reflect"},
	} {
		access := pkg.access + "/JavaLangAccess"
		pool := pkg.reflect + "/ConstantPool"
		natives[pkg.access+"/SharedSecrets.getJavaLangAccess()L"+access+";"] = func(e *Emulation, args []Value) (Value, error) {
			return &Object{Class: access}, nil
		}
		natives[access+".getConstantPool(Ljava/lang/Class;)L"+pool+";"] = func(e *Emulation, args []Value) (Value, error) {
			name, err := nativeOf[string](e, args[1])
			if err != nil {
				return nil, err
			}
			return &Object{Class: pool, Native: name}, nil
		}
		natives[pool+".getSize()I"] = func(e *Emulation, args []Value) (Value, error) {
			name, err := nativeOf[string](e, args[0])
			if err != nil {
				return nil, err
			}
			if name != e.conf.Caller.Class || e.conf.PoolSize <= 0 {
				return nil, fmt.Errorf("%w: constant pool size of %s is unknown", ErrUnsupported, externalName(name))
			}
			return int32(e.conf.PoolSize), nil
		}
	}
}

// mapKey gives strings and boxed values value semantics as map keys.
func mapKey(v Value) any {
	switch v := v.(type) {
	case *String:
		return "s:" + string(classfile.EncodeMUTF8(v.Chars))
	case *Object:
		switch v.Class {
		case "java/lang/Integer", "java/lang/Long", "java/lang/Character":
			return [2]any{v.Class, v.Native}
		}
	}
	return v
}

type hashMap map[any][2]Value

var hashMapNatives = map[string]native{
	"<init>()V": func(e *Emulation, args []Value) (Value, error) {
		args[0].(*Object).Native = hashMap{}
		return nil, nil
	},
	"<init>(I)V": func(e *Emulation, args []Value) (Value, error) {
		args[0].(*Object).Native = hashMap{}
		return nil, nil
	},
	"get(Ljava/lang/Object;)Ljava/lang/Object;": func(e *Emulation, args []Value) (Value, error) {
		m, err := nativeOf[hashMap](e, args[0])
		if err != nil {
			return nil, err
		}
		return m[mapKey(args[1])][1], nil
	},
	"put(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;": func(e *Emulation, args []Value) (Value, error) {
		m, err := nativeOf[hashMap](e, args[0])
		if err != nil {
			return nil, err
		}
		k := mapKey(args[1])
		old := m[k][1]
		m[k] = [2]Value{args[1], args[2]}
		return old, nil
	},
	"containsKey(Ljava/lang/Object;)Z": func(e *Emulation, args []Value) (Value, error) {
		m, err := nativeOf[hashMap](e, args[0])
		if err != nil {
			return nil, err
		}
		_, ok := m[mapKey(args[1])]
		return boolInt(ok), nil
	},
	"size()I": func(e *Emulation, args []Value) (Value, error) {
		m, err := nativeOf[hashMap](e, args[0])
		if err != nil {
			return nil, err
		}
		return int32(len(m)), nil
	},
}
