package harness

import (
	"fmt"
	"math"

	"github.com/apex/log"
	"github.com/blacktop/destringer/pkg/classfile"
	"github.com/blacktop/destringer/pkg/classfile/op"
	"github.com/blacktop/destringer/pkg/match"
	"github.com/blacktop/destringer/pkg/patch"
)

// Identity is the call site a decrypt routine authenticates against.
type Identity struct {
	Class    string // internal name of the calling class
	Method   string // name of the calling method
	PoolSize int    // original constant_pool_count of the calling class
}

func (id Identity) String() string {
	return fmt.Sprintf("%s.%s#%d", id.Class, id.Method, id.PoolSize)
}

// Names of the anti-tamper idioms.
const (
	QueryPoolSize   = "query-pool-size"
	QueryCallerName = "query-caller-class"
	QueryMethodName = "query-caller-method"
)

var (
	builders = match.OneOf("java/lang/StringBuilder", "java/lang/StringBuffer")
	traceGet = []match.Step{
		{Op: match.ALoad, Arg: match.Any()},
		{Op: match.PushInt, Arg: match.Exact(2)},
		{Op: match.Op(op.Aaload), Arg: match.Any()},
	}
)

func appendStep(param string) match.Step {
	return match.Step{
		Op: match.Op(op.Invokevirtual),
		Arg: match.Ref(builders, match.Exact("append"), match.OneOf(
			"("+param+")Ljava/lang/StringBuilder;",
			"("+param+")Ljava/lang/StringBuffer;",
		)),
	}
}

func traceElement(getter string) match.Step {
	return match.Step{
		Op:  match.Op(op.Invokevirtual),
		Arg: match.Method("java/lang/StackTraceElement", getter, "()Ljava/lang/String;"),
	}
}

func concat(parts ...[]match.Step) []match.Step {
	var out []match.Step
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ProtectionTemplates match the caller checks of a decrypt routine. Each one
// ends in the StringBuilder append that consumes the queried value; the
// instructions before it compute the value and are side effect free.
var ProtectionTemplates = []*match.Template{
	{
		Name: QueryPoolSize,
		Steps: concat(
			[]match.Step{{
				Op: match.Op(op.Invokestatic),
				Arg: match.Ref(
					match.OneOf("sun/misc/SharedSecrets", "jdk/internal/misc/SharedSecrets", "jdk/internal/access/SharedSecrets"),
					match.Exact("getJavaLangAccess"),
					match.Any(),
				),
			}},
			traceGet,
			[]match.Step{
				traceElement("getClassName"),
				{Op: match.Op(op.Invokestatic), Arg: match.Method("java/lang/Class", "forName", "(Ljava/lang/String;)Ljava/lang/Class;")},
				{Op: match.Op(op.Invokeinterface), Arg: match.Ref(match.Any(), match.Exact("getConstantPool"), match.Any())},
				{Op: match.Op(op.Invokevirtual), Arg: match.Ref(
					match.OneOf("sun/reflect/ConstantPool", "jdk/internal/reflect/ConstantPool"),
					match.Exact("getSize"),
					match.Exact("()I"),
				)},
				appendStep("I"),
			},
		),
	},
	{
		Name:  QueryCallerName,
		Steps: concat(traceGet, []match.Step{traceElement("getClassName"), appendStep("Ljava/lang/String;")}),
	},
	{
		Name:  QueryMethodName,
		Steps: concat(traceGet, []match.Step{traceElement("getMethodName"), appendStep("Ljava/lang/String;")}),
	},
}

// Neutralize replaces every caller check in cf by a push of the value it
// would observe when called from caller, followed by the original append. It
// returns the number of checks replaced.
func Neutralize(cf *classfile.ClassFile, caller Identity) (int, error) {
	total := 0
	for _, m := range cf.Methods {
		code := m.Code()
		if code == nil {
			continue
		}
		ed, err := patch.New(cf.Pool, code)
		if err != nil {
			return total, fmt.Errorf("%w: %s.%s: %w", ErrIsolation, cf.Name(), m.Name(), err)
		}
		for mt := range match.Scan(ed.Instructions(), cf.Pool, ProtectionTemplates, match.WithBarriers(code)) {
			push, err := captured(cf.Pool, mt.Template.Name, caller)
			if err != nil {
				return total, err
			}
			window := mt.Instructions
			if err := ed.Replace(window[0].Offset, push); err != nil {
				return total, fmt.Errorf("%w: %w", ErrIsolation, err)
			}
			for _, ins := range window[1 : len(window)-1] {
				if err := ed.Delete(ins.Offset); err != nil {
					return total, fmt.Errorf("%w: %w", ErrIsolation, err)
				}
			}
			log.WithFields(log.Fields{
				"method":  m.Name(),
				"offset":  mt.Start,
				"pattern": mt.Template.Name,
			}).Debug("neutralized caller check")
			total++
		}
		if err := ed.Commit(); err != nil {
			return total, fmt.Errorf("%w: %s.%s: %w", ErrIsolation, cf.Name(), m.Name(), err)
		}
	}
	return total, nil
}

// captured returns the instruction pushing what the check named template
// observes for caller.
func captured(pool *classfile.ConstantPool, template string, caller Identity) (classfile.Instruction, error) {
	switch template {
	case QueryPoolSize:
		if caller.PoolSize <= 0 || caller.PoolSize > math.MaxUint16 {
			return classfile.Instruction{}, fmt.Errorf("%w: no constant pool size captured for %s", ErrIsolation, caller.Class)
		}
		return pushInt(pool, int32(caller.PoolSize))
	case QueryCallerName:
		return pushString(pool, externalName(caller.Class))
	case QueryMethodName:
		return pushString(pool, caller.Method)
	}
	return classfile.Instruction{}, fmt.Errorf("%w: unknown caller check %s", ErrIsolation, template)
}

func pushInt(pool *classfile.ConstantPool, v int32) (classfile.Instruction, error) {
	ins, err := classfile.PushInt(pool, v)
	if err != nil {
		return classfile.Instruction{}, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	return ins, nil
}

func pushString(pool *classfile.ConstantPool, s string) (classfile.Instruction, error) {
	if s == "" {
		return classfile.Instruction{}, fmt.Errorf("%w: caller identity is incomplete", ErrIsolation)
	}
	i, err := pool.AddString(s)
	if err != nil {
		return classfile.Instruction{}, fmt.Errorf("%w: %w", ErrIsolation, err)
	}
	return classfile.Ldc(i), nil
}
