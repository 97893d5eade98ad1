// Package frame implements the per-invocation execution unit (C2): a
// Frame owns one method activation's operand stack and locals array and
// advances it via Step, which runs instructions until one produces a
// StepAction that tells the driver what happened and, where relevant,
// what it must do before the frame can continue. This is the bespoke interpreter core
// the rest of the module exists to drive; its opcode dispatch is adapted
// line-by-line from original_source's frame.rs, the only place in the
// retrieval pack that implements this exact step contract.
package frame

import (
	"fmt"

	"pantomime/internal/classfile"
	"pantomime/internal/store"
	"pantomime/internal/value"
)

// ActionKind tags which variant a StepAction holds.
type ActionKind int

const (
	// ActionEndOfMethod means the method returned void, either via the
	// return opcode or by running off the end of its code.
	ActionEndOfMethod ActionKind = iota
	// ActionReturnValue means ireturn/areturn popped a value to hand back
	// to the caller.
	ActionReturnValue
	// ActionInitializeClass means a getstatic/putstatic touched a class
	// whose statics are not yet registered; the frame has rewound itself
	// so the instruction re-executes once the driver registers it.
	ActionInitializeClass
	// ActionAllocateString means an ldc resolved a String constant; the
	// driver must materialize it on the heap and push a Reference back.
	ActionAllocateString
	// ActionAllocateClass means new resolved a class; the driver ensures
	// the class is initialized, allocates the object, and pushes a
	// Reference back.
	ActionAllocateClass
	// ActionAllocateArray means newarray popped a length; the driver
	// allocates the array and pushes a Reference back.
	ActionAllocateArray
	// ActionInvokeStatic, ActionInvokeSpecial, ActionInvokeVirtual mean an
	// invoke* opcode resolved a method ref and built its argument list;
	// the driver must push a new frame (or run the native intrinsic) and
	// resume this one with the result.
	ActionInvokeStatic
	ActionInvokeSpecial
	ActionInvokeVirtual
)

// StepAction is the single return value of Step: a tagged union of every
// thing a single instruction can ask the driver to do. Only the fields
// relevant to Kind are populated.
type StepAction struct {
	Kind ActionKind

	// ActionReturnValue
	Value value.Value

	// ActionInitializeClass, ActionAllocateClass
	ClassName string

	// ActionAllocateString
	StringLiteral string

	// ActionAllocateArray
	ArrayLength int32

	// ActionInvoke{Static,Special,Virtual}
	MethodName string
	Descriptor string
	Args       []value.Value
}

// Frame is one method activation: its defining class, its operand stack,
// and its locals array, positioned at a code offset.
type Frame struct {
	class  *classfile.Class
	method classfile.Method
	code   []byte
	ip     int
	stack  []value.Value
	locals []value.Value
}

// New creates a frame for method on class, with args placed into locals
// slots 0..len(args) and every remaining slot initialized to Empty.
func New(class *classfile.Class, method classfile.Method, args []value.Value) (*Frame, error) {
	codeAttr, ok, err := method.CodeAttribute()
	if err != nil {
		return nil, &ParserError{Err: err}
	}
	if !ok {
		return nil, &ParserError{Err: &UnexpectedConstantPoolItemError{Got: "method " + method.Name + " has no Code attribute"}}
	}

	locals := make([]value.Value, codeAttr.MaxLocals)
	for i := range locals {
		locals[i] = value.Empty
	}
	copy(locals, args)

	return &Frame{
		class:  class,
		method: method,
		code:   codeAttr.Code,
		locals: locals,
	}, nil
}

// Class returns the class the frame's method belongs to.
func (f *Frame) Class() *classfile.Class { return f.class }

// Method returns the method this frame is executing.
func (f *Frame) Method() classfile.Method { return f.method }

func (f *Frame) push(v value.Value) { f.stack = append(f.stack, v) }

// PushReturnValue places v on top of f's operand stack. It is exported
// for the driver, which uses it to hand a callee's return value (or a
// freshly allocated reference) back to the frame that is about to resume.
func (f *Frame) PushReturnValue(v value.Value) { f.push(v) }

func (f *Frame) pop() (value.Value, error) {
	if len(f.stack) == 0 {
		return value.Value{}, &UnexpectedEmptyVecError{}
	}
	v := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	return v, nil
}

func (f *Frame) popInt() (int32, error) {
	v, err := f.pop()
	if err != nil {
		return 0, err
	}
	i, ok := v.Int()
	if !ok {
		return 0, &UnexpectedJavaTypeError{Got: v.Kind().String()}
	}
	return i, nil
}

func (f *Frame) popLong() (int64, error) {
	v, err := f.pop()
	if err != nil {
		return 0, err
	}
	l, ok := v.Long()
	if !ok {
		return 0, &UnexpectedJavaTypeError{Got: v.Kind().String()}
	}
	return l, nil
}

func (f *Frame) u1() (byte, error) {
	if f.ip >= len(f.code) {
		return 0, &CodeIndexOutOfBoundsError{Position: f.ip}
	}
	b := f.code[f.ip]
	f.ip++
	return b, nil
}

func (f *Frame) u2() (uint16, error) {
	hi, err := f.u1()
	if err != nil {
		return 0, err
	}
	lo, err := f.u1()
	if err != nil {
		return 0, err
	}
	return uint16(hi)<<8 | uint16(lo), nil
}

// calculateOffset reads a signed 16-bit branch operand and returns it
// adjusted by the 3 bytes (opcode + 2-byte operand) the branch
// instruction itself occupies, so that adding the result to the code
// pointer immediately after the operand lands on the true branch target.
func (f *Frame) calculateOffset() (int, error) {
	raw, err := f.u2()
	if err != nil {
		return 0, err
	}
	return int(int16(raw)) - 3, nil
}

// buildInstanceArgs pops count values off the stack and returns them in
// source-push order: the deepest popped value (pushed first, the
// receiver for invokevirtual/invokespecial) ends up at index 0.
func (f *Frame) buildInstanceArgs(count int) ([]value.Value, error) {
	args := make([]value.Value, count)
	for i := count - 1; i >= 0; i-- {
		v, err := f.pop()
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return args, nil
}

// buildStaticArgs pops count values off the stack and appends each in pop
// order. Deliberately not reversed: this mirrors original_source's
// build_static_arguments exactly, including its inverted ordering
// relative to buildInstanceArgs for multi-argument descriptors (spec §9's
// preserved instance/static argument-order asymmetry).
func (f *Frame) buildStaticArgs(count int) ([]value.Value, error) {
	args := make([]value.Value, 0, count)
	for i := 0; i < count; i++ {
		v, err := f.pop()
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}
	return args, nil
}

// Step decodes and executes instructions until one produces a StepAction
// the driver needs to see: a return, a class-initialization request, an
// allocation, or an invocation. The frame's code pointer, stack, and
// locals are left in whatever state the last instruction produced; on
// ActionInitializeClass the code pointer is rewound so a retried Step
// re-executes the same instruction.
func (f *Frame) Step(dataStore *store.Store) (StepAction, error) {
	for {
		if f.ip >= len(f.code) {
			return StepAction{Kind: ActionEndOfMethod}, nil
		}

		action, done, err := f.step1(dataStore)
		if err != nil {
			return StepAction{}, err
		}
		if done {
			return action, nil
		}
	}
}

// step1 decodes and executes exactly one instruction. done is false when
// the instruction produced no StepAction the driver needs to see (e.g. a
// plain arithmetic op), meaning Step should decode the next instruction.
func (f *Frame) step1(dataStore *store.Store) (StepAction, bool, error) {
	opStart := f.ip
	opcode, err := f.u1()
	if err != nil {
		return StepAction{}, true, err
	}

	switch int(opcode) {
	case opAconstNull:
		f.push(value.Null)

	case opIconst0, opIconst1, opIconst2, opIconst3, opIconst4, opIconst5:
		f.push(value.NewInt(int32(opcode) - opIconst0))

	case opLconst0:
		f.push(value.NewLong(0))
		f.push(value.Filler)
	case opLconst1:
		f.push(value.NewLong(1))
		f.push(value.Filler)

	case opBipush:
		b, err := f.u1()
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(value.NewInt(int32(b)))

	case opSipush:
		raw, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(value.NewInt(int32(int16(raw))))

	case opLdc:
		idx, err := f.u1()
		if err != nil {
			return StepAction{}, true, err
		}
		item, err := f.class.ConstantPool.Item(uint16(idx))
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		switch item.Tag {
		case classfile.TagString:
			s, err := f.class.ConstantPool.StringConstant(uint16(idx))
			if err != nil {
				return StepAction{}, true, &ParserError{Err: err}
			}
			return StepAction{Kind: ActionAllocateString, StringLiteral: s}, true, nil
		case classfile.TagInteger:
			i, err := f.class.ConstantPool.IntegerConstant(uint16(idx))
			if err != nil {
				return StepAction{}, true, &ParserError{Err: err}
			}
			f.push(value.NewInt(i))
		default:
			return StepAction{}, true, &UnexpectedConstantPoolItemError{Got: item.FriendlyName()}
		}

	case opLdc2W:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		l, err := f.class.ConstantPool.LongConstant(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		f.push(value.NewLong(l))
		f.push(value.Filler)

	case opIload0, opIload1, opIload2, opIload3:
		i := int(opcode) - opIload0
		f.push(f.locals[i])

	case opLload0:
		f.push(f.locals[1])
	case opLload1:
		f.push(f.locals[2])
	case opLload2:
		f.push(f.locals[3])

	case opAload0, opAload1, opAload2:
		i := int(opcode) - opAload0
		f.push(f.locals[i])

	case opIaload:
		idx, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		ref, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		arr, err := dataStore.GetArray(ref)
		if err != nil {
			return StepAction{}, true, &DataStoreError{Err: err}
		}
		v, err := arrayGet(arr, idx)
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(v)

	case opPop:
		if _, err := f.pop(); err != nil {
			return StepAction{}, true, err
		}

	case opDup:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(v)
		f.push(v)

	case opSwap:
		a, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		b, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(a)
		f.push(b)

	case opIadd, opIsub, opImul, opIdiv:
		b, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		a, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		result, err := intArith(int(opcode), a, b)
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(value.NewInt(result))

	case opLadd, opLsub, opLmul, opLdiv:
		if _, err := f.pop(); err != nil { // top Filler
			return StepAction{}, true, err
		}
		b, err := f.popLong()
		if err != nil {
			return StepAction{}, true, err
		}
		if _, err := f.pop(); err != nil { // bottom Filler
			return StepAction{}, true, err
		}
		a, err := f.popLong()
		if err != nil {
			return StepAction{}, true, err
		}
		result, err := longArith(int(opcode), a, b)
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(value.NewLong(result))
		f.push(value.Filler)

	case opIstore1:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		f.locals[1] = v
	case opIstore2:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		f.locals[2] = v
	case opAstore1:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		f.locals[1] = v

	case opIastore:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		idx, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		ref, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		arr, err := dataStore.GetArray(ref)
		if err != nil {
			return StepAction{}, true, &DataStoreError{Err: err}
		}
		if err := arraySet(arr, idx, v); err != nil {
			return StepAction{}, true, err
		}

	case opIinc:
		idx, err := f.u1()
		if err != nil {
			return StepAction{}, true, err
		}
		delta, err := f.u1()
		if err != nil {
			return StepAction{}, true, err
		}
		cur, ok := f.locals[idx].Int()
		if !ok {
			return StepAction{}, true, &UnexpectedJavaTypeError{Got: f.locals[idx].Kind().String()}
		}
		f.locals[idx] = value.NewInt(cur + int32(int8(delta)))

	case opI2b:
		v, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		f.push(value.NewByte(int8(v)))

	case opIfeq, opIfne, opIflt, opIfge, opIfgt, opIfle:
		v, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		offset, err := f.calculateOffset()
		if err != nil {
			return StepAction{}, true, err
		}
		if compareToZero(int(opcode), v) {
			f.ip += offset
		}

	case opIfIcmpeq, opIfIcmpne, opIfIcmplt, opIfIcmpge, opIfIcmpgt, opIfIcmple:
		v2, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		v1, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		offset, err := f.calculateOffset()
		if err != nil {
			return StepAction{}, true, err
		}
		if compareInts(int(opcode), v1, v2) {
			f.ip += offset
		}

	case opIfnull, opIfnonnull:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		offset, err := f.calculateOffset()
		if err != nil {
			return StepAction{}, true, err
		}
		isNull := v.IsNull()
		if (opcode == opIfnull) == isNull {
			f.ip += offset
		}

	case opGoto:
		offset, err := f.calculateOffset()
		if err != nil {
			return StepAction{}, true, err
		}
		f.ip += offset

	case opIreturn, opAreturn:
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		return StepAction{Kind: ActionReturnValue, Value: v}, true, nil

	case opReturn:
		return StepAction{Kind: ActionEndOfMethod}, true, nil

	case opGetstatic, opPutstatic:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		className, name, _, err := f.class.ConstantPool.MemberRef(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		if !dataStore.HasClassStatics(className) {
			f.ip = opStart
			return StepAction{Kind: ActionInitializeClass, ClassName: className}, true, nil
		}
		if opcode == opGetstatic {
			v, err := dataStore.GetClassStatic(className, name)
			if err != nil {
				return StepAction{}, true, &DataStoreError{Err: err}
			}
			f.push(v)
		} else {
			v, err := f.pop()
			if err != nil {
				return StepAction{}, true, err
			}
			if err := dataStore.SetClassStatic(className, name, v); err != nil {
				return StepAction{}, true, &DataStoreError{Err: err}
			}
		}

	case opGetfield:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		_, name, _, err := f.class.ConstantPool.MemberRef(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		ref, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		v, err := dataStore.GetField(ref, name)
		if err != nil {
			return StepAction{}, true, &DataStoreError{Err: err}
		}
		f.push(v)

	case opPutfield:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		_, name, _, err := f.class.ConstantPool.MemberRef(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		v, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		ref, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		if err := dataStore.SetField(ref, name, v); err != nil {
			return StepAction{}, true, &DataStoreError{Err: err}
		}

	case opInvokevirtual, opInvokespecial:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		className, name, descriptor, err := f.class.ConstantPool.MemberRef(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		args, err := f.buildInstanceArgs(value.DescriptorArity(descriptor) + 1)
		if err != nil {
			return StepAction{}, true, err
		}
		kind := ActionInvokeVirtual
		if opcode == opInvokespecial {
			kind = ActionInvokeSpecial
		}
		return StepAction{Kind: kind, ClassName: className, MethodName: name, Descriptor: descriptor, Args: args}, true, nil

	case opInvokestatic:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		className, name, descriptor, err := f.class.ConstantPool.MemberRef(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		args, err := f.buildStaticArgs(value.DescriptorArity(descriptor))
		if err != nil {
			return StepAction{}, true, err
		}
		return StepAction{Kind: ActionInvokeStatic, ClassName: className, MethodName: name, Descriptor: descriptor, Args: args}, true, nil

	case opNew:
		idx, err := f.u2()
		if err != nil {
			return StepAction{}, true, err
		}
		className, err := f.class.ConstantPool.ClassName(idx)
		if err != nil {
			return StepAction{}, true, &ParserError{Err: err}
		}
		return StepAction{Kind: ActionAllocateClass, ClassName: className}, true, nil

	case opNewarray:
		count, err := f.popInt()
		if err != nil {
			return StepAction{}, true, err
		}
		if _, err := f.u1(); err != nil { // atype, unused: every element is Null regardless
			return StepAction{}, true, err
		}
		return StepAction{Kind: ActionAllocateArray, ArrayLength: count}, true, nil

	case opArraylength:
		ref, err := f.pop()
		if err != nil {
			return StepAction{}, true, err
		}
		arr, err := dataStore.GetArray(ref)
		if err != nil {
			return StepAction{}, true, &DataStoreError{Err: err}
		}
		f.push(value.NewInt(int32(len(arr.Elements))))

	default:
		return StepAction{}, true, &UnknownOpcodeError{Opcode: opcode}
	}

	return StepAction{}, false, nil
}

func arrayGet(arr *store.Array, idx int32) (value.Value, error) {
	if idx < 0 || int(idx) >= len(arr.Elements) {
		return value.Value{}, &DataStoreError{Err: &indexOutOfBoundsError{idx}}
	}
	return arr.Elements[idx], nil
}

func arraySet(arr *store.Array, idx int32, v value.Value) error {
	if idx < 0 || int(idx) >= len(arr.Elements) {
		return &DataStoreError{Err: &indexOutOfBoundsError{idx}}
	}
	arr.Elements[idx] = v
	return nil
}

type indexOutOfBoundsError struct{ idx int32 }

func (e *indexOutOfBoundsError) Error() string {
	return fmt.Sprintf("array index out of bounds: %d", e.idx)
}

func intArith(opcode int, a, b int32) (int32, error) {
	switch opcode {
	case opIadd:
		return a + b, nil
	case opIsub:
		return a - b, nil
	case opImul:
		return a * b, nil
	case opIdiv:
		if b == 0 {
			return 0, &DivisionByZeroError{}
		}
		return a / b, nil
	default:
		panic("unreachable")
	}
}

func longArith(opcode int, a, b int64) (int64, error) {
	switch opcode {
	case opLadd:
		return a + b, nil
	case opLsub:
		return a - b, nil
	case opLmul:
		return a * b, nil
	case opLdiv:
		if b == 0 {
			return 0, &DivisionByZeroError{}
		}
		return a / b, nil
	default:
		panic("unreachable")
	}
}

func compareToZero(opcode int, v int32) bool {
	switch opcode {
	case opIfeq:
		return v == 0
	case opIfne:
		return v != 0
	case opIflt:
		return v < 0
	case opIfge:
		return v >= 0
	case opIfgt:
		return v > 0
	case opIfle:
		return v <= 0
	default:
		panic("unreachable")
	}
}

func compareInts(opcode int, v1, v2 int32) bool {
	switch opcode {
	case opIfIcmpeq:
		return v1 == v2
	case opIfIcmpne:
		return v1 != v2
	case opIfIcmplt:
		return v1 < v2
	case opIfIcmpge:
		return v1 >= v2
	case opIfIcmpgt:
		return v1 > v2
	case opIfIcmple:
		return v1 <= v2
	default:
		panic("unreachable")
	}
}
