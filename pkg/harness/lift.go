package harness

import (
	"errors"
	"fmt"

	"github.com/apex/log"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/blacktop/destringer/pkg/match"
)

type memberKey struct {
	name string
	desc string
}

// Lift returns a standalone copy of the class declaring the decrypt routine
// method. The copy keeps the routine, the class initializer and the methods
// and fields they reach within the class. Interfaces and class attributes
// other than BootstrapMethods are dropped and the superclass is reset to
// java/lang/Object.
func Lift(cf *classfile.ClassFile, method string) (*classfile.ClassFile, error) {
	lifted, err := cf.Clone()
	if err != nil {
		return nil, fmt.Errorf("%w: copying %s: %w", ErrIsolation, cf.Name(), err)
	}
	name := lifted.Name()
	if m := lifted.Method(method, match.DecryptDescriptor); m == nil || m.Code() == nil {
		return nil, fmt.Errorf("%w: %s has no decrypt routine %s", ErrIsolation, name, method)
	}

	methods := map[memberKey]bool{}
	fields := map[memberKey]bool{}
	queue := []memberKey{{method, match.DecryptDescriptor}}
	if lifted.Method("<clinit>", "()V") != nil {
		queue = append(queue, memberKey{"<clinit>", "()V"})
	}
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if methods[k] {
			continue
		}
		m := lifted.Method(k.name, k.desc)
		if m == nil {
			// inherited or missing: the interpreter reports it if reached
			continue
		}
		methods[k] = true
		if m.Code() == nil {
			continue
		}
		insns, err := classfile.DecodeInstructions(m.Code().Bytecode)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %w", ErrIsolation, name, k.name, err)
		}
		for _, ins := range insns {
			switch ins.Op {
			case op.Invokestatic, op.Invokespecial, op.Invokevirtual, op.Invokeinterface:
				ref, err := lifted.Pool.Ref(ins.Index)
				if err == nil && ref.Owner == name {
					queue = append(queue, memberKey{ref.Name, ref.Descriptor})
				}
			case op.Getstatic, op.Putstatic, op.Getfield, op.Putfield:
				ref, err := lifted.Pool.Ref(ins.Index)
				if err == nil && ref.Owner == name {
					fields[memberKey{ref.Name, ref.Descriptor}] = true
				}
			}
		}
	}

	var keptMethods []*classfile.Member
	for _, m := range lifted.Methods {
		if methods[memberKey{m.Name(), m.Descriptor()}] {
			keptMethods = append(keptMethods, m)
		}
	}
	var keptFields []*classfile.Member
	for _, f := range lifted.Fields {
		if fields[memberKey{f.Name(), f.Descriptor()}] {
			keptFields = append(keptFields, f)
		}
	}
	lifted.Methods = keptMethods
	lifted.Fields = keptFields
	lifted.Interfaces = nil
	var attrs []*classfile.Attribute
	for _, a := range lifted.Attributes {
		if a.Name == "BootstrapMethods" {
			attrs = append(attrs, a)
		}
	}
	lifted.Attributes = attrs
	if lifted.SuperClass, err = lifted.Pool.AddClass("java/lang/Object"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	lifted.AccessFlags = classfile.AccPublic | classfile.AccSuper

	if err := shrink(lifted); err != nil {
		return nil, err
	}
	return lifted, nil
}

// shrink compacts the pool of a prepared class. An attribute the walker does
// not understand leaves the pool as it is.
func shrink(cf *classfile.ClassFile) error {
	err := classfile.Shrink(cf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, classfile.ErrUnknownAttribute):
		log.WithField("class", cf.Name()).WithError(err).Debug("leaving constant pool unshrunk")
		return nil
	}
	return fmt.Errorf("%w: %w", ErrIsolation, err)
}
