package emu

import (
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/blacktop/destringer/pkg/classfile"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

type field struct {
	Type  string `yaml:"type"`
	Value any    `yaml:"value"`
}

// State is a replayable decrypt call: the method to run, the identity to
// forge and the arguments to pass.
type State struct {
	Class      string     `yaml:"class"`
	Method     string     `yaml:"method"`
	Descriptor string     `yaml:"descriptor"`
	Caller     StackFrame `yaml:"caller"`
	PoolSize   int        `yaml:"pool_size"`
	CodeSource string     `yaml:"code_source,omitempty"`
	Args       []field    `yaml:"args"`
}

func ParseState(name string) (*State, error) {
	var state State

	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("error reading state file: %v", err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("error unmarshalling state file: %v", err)
	}

	return &state, nil
}

// AddArg appends an argument of the given field descriptor. Strings that
// are not well-formed UTF-16 are stored as a list of code units.
func (state *State) AddArg(desc string, v any) {
	if s, ok := v.(*String); ok {
		if str := s.String(); slices.Equal(classfile.UTF16(str), s.Chars) {
			v = str
		} else {
			v = codeUnits(s.Chars)
		}
	}
	state.Args = append(state.Args, field{Type: desc, Value: v})
}

// Config returns the emulation configuration the state describes.
func (state *State) Config() *Config {
	return &Config{
		CodeSource: state.CodeSource,
		Caller:     state.Caller,
		PoolSize:   state.PoolSize,
	}
}

// Values converts the YAML arguments into interpreter values.
func (state *State) Values() ([]Value, error) {
	out := make([]Value, 0, len(state.Args))
	for i, arg := range state.Args {
		v, err := toValue(arg.Type, arg.Value)
		if err != nil {
			return nil, fmt.Errorf("argument %d (%s): %w", i, arg.Type, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func toValue(desc string, v any) (Value, error) {
	switch desc {
	case "I", "S", "B":
		return cast.ToInt32E(v)
	case "C":
		if s, ok := v.(string); ok && len([]rune(s)) == 1 {
			return int32([]rune(s)[0]), nil
		}
		return cast.ToInt32E(v)
	case "Z":
		b, err := cast.ToBoolE(v)
		return boolInt(b), err
	case "J":
		return cast.ToInt64E(v)
	case "F":
		return cast.ToFloat32E(v)
	case "D":
		return cast.ToFloat64E(v)
	case "Ljava/lang/String;", "Ljava/lang/Object;":
		if v == nil {
			return nil, nil
		}
		if units, ok := v.([]any); ok {
			chars := make([]uint16, len(units))
			for i, u := range units {
				c, err := cast.ToUint16E(u)
				if err != nil {
					return nil, fmt.Errorf("code unit %d: %w", i, err)
				}
				chars[i] = c
			}
			return &String{Chars: chars}, nil
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, err
		}
		return NewString(s), nil
	}
	return nil, fmt.Errorf("%w argument type %s", ErrUnsupported, desc)
}

func codeUnits(chars []uint16) []int {
	out := make([]int, len(chars))
	for i, c := range chars {
		out[i] = int(c)
	}
	return out
}

func (state *State) Dump() {
	fmt.Printf("Class:  %s\n", state.Class)
	fmt.Printf("Method: %s%s\n", state.Method, state.Descriptor)
	fmt.Printf("Caller: %s.%s (pool size %d)\n", state.Caller.Class, state.Caller.Method, state.PoolSize)
	fmt.Printf("Args:   %v\n", state.Args)
}

func (state *State) DumpYaml(w io.Writer) error {
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
