package classfile

import "fmt"

// MethodDescriptor is a parsed method descriptor such as "(ILjava/lang/String;)V".
type MethodDescriptor struct {
	Params []string
	Return string
	// ArgSlots is the number of local slots the parameters occupy, not counting
	// the receiver.
	ArgSlots int
}

// ParseMethodDescriptor parses a method descriptor.
func ParseMethodDescriptor(desc string) (MethodDescriptor, error) {
	var md MethodDescriptor
	if len(desc) < 3 || desc[0] != '(' {
		return md, fmt.Errorf("%w: bad method descriptor %q", ErrFormat, desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldTypeLen(desc[i:])
		if err != nil {
			return md, fmt.Errorf("method descriptor %q: %w", desc, err)
		}
		t := desc[i : i+n]
		md.Params = append(md.Params, t)
		md.ArgSlots += TypeSlots(t)
		i += n
	}
	if i >= len(desc) {
		return md, fmt.Errorf("%w: unterminated method descriptor %q", ErrFormat, desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		n, err := fieldTypeLen(ret)
		if err != nil || n != len(ret) {
			return md, fmt.Errorf("%w: bad return type in %q", ErrFormat, desc)
		}
	}
	md.Return = ret
	return md, nil
}

func fieldTypeLen(s string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, fmt.Errorf("%w: truncated field type", ErrFormat)
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		for j := i + 1; j < len(s); j++ {
			if s[j] == ';' {
				return j + 1, nil
			}
		}
		return 0, fmt.Errorf("%w: unterminated class type", ErrFormat)
	}
	return 0, fmt.Errorf("%w: bad field type %q", ErrFormat, s[i])
}

// TypeSlots returns the local/stack slots taken by a value of field type t.
func TypeSlots(t string) int {
	switch t {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}
