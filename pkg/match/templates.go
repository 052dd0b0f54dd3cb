package match

import "github.com/blacktop/destringer/pkg/classfile/op"

// DecryptDescriptor is the descriptor of every injected decrypt routine.
const DecryptDescriptor = "(Ljava/lang/Object;)Ljava/lang/String;"

// Binding names produced by DecryptCall.
const (
	BindClass   = "class"
	BindMethod  = "method"
	BindLiteral = "literal"
)

func decryptCall(name string, ldc op.Code) *Template {
	return &Template{
		Name: name,
		Steps: []Step{
			{Op: Op(ldc), Arg: BindString(BindLiteral)},
			{Op: Op(op.Invokestatic), Arg: Ref(Bind(BindClass), Bind(BindMethod), Exact(DecryptDescriptor))},
		},
	}
}

// DecryptCall matches `ldc "<cipher>"; invokestatic C.m(Object)String` in its
// ldc and ldc_w forms.
var DecryptCall = []*Template{
	decryptCall("decrypt-ldc", op.Ldc),
	decryptCall("decrypt-ldc_w", op.LdcW),
}
