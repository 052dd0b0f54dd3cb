package jar

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/match"
	"rsc.io/binaryregexp"
)

// decryptUtf8 finds the constant pool Utf8 entry holding the descriptor of
// the decrypt routine.
var decryptUtf8 = binaryregexp.MustCompile(
	binaryregexp.QuoteMeta("\x01") +
		binaryregexp.QuoteMeta(string(binary.BigEndian.AppendUint16(nil, uint16(len(match.DecryptDescriptor))))) +
		binaryregexp.QuoteMeta(match.DecryptDescriptor))

var magic = binary.BigEndian.AppendUint32(nil, classfile.Magic)

// IsClassName reports whether an entry name denotes a class file.
func IsClassName(name string) bool {
	return strings.HasSuffix(name, ".class")
}

// IsClass reports whether data starts with the class file magic.
func IsClass(data []byte) bool {
	return bytes.HasPrefix(data, magic)
}

// MayUseDecrypt reports whether a class may declare or call a decrypt
// routine. Classes without the descriptor in their pool do neither.
func MayUseDecrypt(data []byte) bool {
	return IsClass(data) && decryptUtf8.Match(data)
}
