package classfile

import (
	"fmt"
	"unicode/utf16"
)

// DecodeMUTF8 decodes the "modified UTF-8" used by CONSTANT_Utf8 entries into
// UTF-16 code units. Unpaired surrogates and embedded NULs survive untouched.
func DecodeMUTF8(b []byte) ([]uint16, error) {
	out := make([]uint16, 0, len(b))
	for i := 0; i < len(b); {
		x := b[i]
		switch {
		case x&0x80 == 0:
			out = append(out, uint16(x))
			i++
		case x&0xe0 == 0xc0:
			if i+1 >= len(b) || b[i+1]&0xc0 != 0x80 {
				return nil, fmt.Errorf("%w: truncated 2-byte sequence at %d", ErrFormat, i)
			}
			out = append(out, uint16(x&0x1f)<<6|uint16(b[i+1]&0x3f))
			i += 2
		case x&0xf0 == 0xe0:
			if i+2 >= len(b) || b[i+1]&0xc0 != 0x80 || b[i+2]&0xc0 != 0x80 {
				return nil, fmt.Errorf("%w: truncated 3-byte sequence at %d", ErrFormat, i)
			}
			out = append(out, uint16(x&0x0f)<<12|uint16(b[i+1]&0x3f)<<6|uint16(b[i+2]&0x3f))
			i += 3
		default:
			return nil, fmt.Errorf("%w: invalid modified UTF-8 byte %#02x at %d", ErrFormat, x, i)
		}
	}
	return out, nil
}

// EncodeMUTF8 encodes UTF-16 code units as modified UTF-8.
func EncodeMUTF8(chars []uint16) []byte {
	out := make([]byte, 0, len(chars))
	for _, c := range chars {
		switch {
		case c != 0 && c < 0x80:
			out = append(out, byte(c))
		case c < 0x800:
			out = append(out, 0xc0|byte(c>>6), 0x80|byte(c&0x3f))
		default:
			out = append(out, 0xe0|byte(c>>12), 0x80|byte(c>>6&0x3f), 0x80|byte(c&0x3f))
		}
	}
	return out
}

// UTF16 converts a Go string into UTF-16 code units.
func UTF16(s string) []uint16 {
	return utf16.Encode([]rune(s))
}

// UTF16String converts UTF-16 code units into a Go string. Unpaired surrogates
// become U+FFFD.
func UTF16String(chars []uint16) string {
	return string(utf16.Decode(chars))
}
