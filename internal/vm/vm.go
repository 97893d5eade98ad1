// Package vm implements the VM driver (C5): the component that owns the
// explicit frame stack, interprets every frame.StepAction a Frame can
// produce (class initialization, heap allocation, string materialization,
// method invocation, return), and runs the native print intrinsic. It is
// grounded on the teacher's (*VM).exec/callMethod/Class driving loop in
// zserge-tojvm's vm.go and on original_source's lib.rs
// VirtualMachine::start/call_static_method for the overall push/step/pop
// shape; the class-initialization and allocation handling follows
// spec.md §4.4's algorithm directly, since no original_source iteration
// shows a driver built against frame.rs's final StepAction design.
package vm

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"unicode/utf16"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"pantomime/internal/classfile"
	"pantomime/internal/classloader"
	"pantomime/internal/frame"
	"pantomime/internal/store"
	"pantomime/internal/value"
)

// maxFrameDepth bounds the explicit frame stack, the equivalent of a
// StackOverflowError in a real JVM.
const maxFrameDepth = 256

// ErrStackOverflow is returned when a call chain would exceed
// maxFrameDepth.
var ErrStackOverflow = errors.New("frame stack exceeded maximum depth")

// stringClass is the synthetic classfile.Class used to back every
// materialized java/lang/String: a single "value" field holding a
// reference to a Char array, mirroring the real JVM's internal layout.
var stringClass = &classfile.Class{
	Name:   "java/lang/String",
	Fields: []classfile.Field{{Name: "value", Descriptor: "[C"}},
}

// VM owns the class loader and data store for a single run and drives
// frames to completion.
type VM struct {
	Loader *classloader.Loader
	Store  *store.Store
	Stdout io.Writer
	log    *logrus.Entry
}

// New returns a VM with a fresh data store, wired to loader and logger.
// If logger is nil, a default logrus.Logger writing to stderr is used;
// if stdout is nil, os.Stdout is used (spec.md's "OUT: " lines and the
// ambient logger are kept on separate streams).
func New(loader *classloader.Loader, logger *logrus.Logger, stdout io.Writer) *VM {
	if logger == nil {
		logger = logrus.New()
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	return &VM{
		Loader: loader,
		Store:  store.New(),
		Stdout: stdout,
		log:    logger.WithField("component", "vm"),
	}
}

// Run locates mainClass's "main" method and drives it to completion.
func (vm *VM) Run(mainClass string) error {
	class, err := vm.Loader.Load(mainClass)
	if err != nil {
		return errors.Wrapf(err, "loading main class %s", mainClass)
	}
	method, err := class.ResolveMainMethod()
	if err != nil {
		return err
	}

	mainFrame, err := frame.New(class, method, nil)
	if err != nil {
		return errors.Wrap(err, "creating main frame")
	}

	_, err = vm.runStack([]*frame.Frame{mainFrame}, 0)
	return err
}

// runStack drives the topmost frame of an explicit call stack until the
// stack empties, handling every frame.StepAction kind along the way.
// Class initialization recurses into a fresh call to runStack for the
// <clinit> method, so a class's static initializer can itself allocate,
// invoke, and (transitively) trigger further class initialization using
// the exact same machinery as ordinary program execution. baseDepth is
// the number of frames already stacked below frames[0] in the overall
// call chain (0 at the program's root); it lets maxFrameDepth bound the
// whole chain rather than just whichever runStack call is innermost, so
// a recursive <clinit> chain is bounded exactly like ordinary invokes.
func (vm *VM) runStack(frames []*frame.Frame, baseDepth int) (value.Value, error) {
	for len(frames) > 0 {
		top := frames[len(frames)-1]

		action, err := top.Step(vm.Store)
		if err != nil {
			return value.Value{}, vm.fatal(top, err)
		}

		switch action.Kind {
		case frame.ActionEndOfMethod:
			frames = frames[:len(frames)-1]

		case frame.ActionReturnValue:
			frames = frames[:len(frames)-1]
			if len(frames) == 0 {
				return action.Value, nil
			}
			frames[len(frames)-1].PushReturnValue(action.Value)

		case frame.ActionInitializeClass:
			if err := vm.ensureInitialized(action.ClassName, baseDepth+len(frames)); err != nil {
				return value.Value{}, err
			}

		case frame.ActionAllocateString:
			ref, err := vm.allocateString(action.StringLiteral)
			if err != nil {
				return value.Value{}, err
			}
			top.PushReturnValue(ref)

		case frame.ActionAllocateClass:
			if err := vm.ensureInitialized(action.ClassName, baseDepth+len(frames)); err != nil {
				return value.Value{}, err
			}
			class, ok := vm.Loader.Resolve(action.ClassName)
			if !ok {
				return value.Value{}, errors.Errorf("class %s vanished after initialization", action.ClassName)
			}
			handle := vm.Store.AllocateObject(class)
			top.PushReturnValue(value.NewReference(handle))

		case frame.ActionAllocateArray:
			handle := vm.Store.AllocateArray(action.ArrayLength)
			top.PushReturnValue(value.NewReference(handle))

		case frame.ActionInvokeStatic, frame.ActionInvokeSpecial, frame.ActionInvokeVirtual:
			var err error
			frames, err = vm.invoke(frames, action, baseDepth)
			if err != nil {
				return value.Value{}, err
			}

		default:
			return value.Value{}, errors.Errorf("unhandled step action kind: %d", action.Kind)
		}
	}
	return value.Empty, nil
}

// ensureInitialized guarantees that className's statics are registered,
// loading the class and running its <clinit> (if any) to completion
// first. depth is the total number of frames already stacked across the
// whole call chain at the point of the triggering instruction, used to
// keep a recursive <clinit> chain within maxFrameDepth.
func (vm *VM) ensureInitialized(className string, depth int) error {
	if vm.Store.HasClassStatics(className) {
		return nil
	}

	class, ok := vm.Loader.Resolve(className)
	if !ok {
		var err error
		class, err = vm.Loader.Load(className)
		if err != nil {
			return errors.Wrapf(err, "initializing class %s", className)
		}
	}

	vm.Store.RegisterClass(className)
	vm.log.WithField("class", className).Debug("registered class statics")

	if !class.HasClinit() {
		return nil
	}

	if depth >= maxFrameDepth {
		return ErrStackOverflow
	}

	clinit, _ := class.Method("<clinit>", "()V")
	clinitFrame, err := frame.New(class, clinit, nil)
	if err != nil {
		return errors.Wrapf(err, "creating <clinit> frame for %s", className)
	}

	vm.log.WithField("class", className).Debug("running <clinit>")
	_, err = vm.runStack([]*frame.Frame{clinitFrame}, depth)
	return err
}

// invoke resolves an invoke* StepAction's target method and either runs
// the native print intrinsic in place or pushes a new callee frame onto
// frames. baseDepth is the depth of frames below frames[0] in the
// overall call chain, so the maxFrameDepth check accounts for the whole
// chain even when frames is a nested <clinit> stack.
func (vm *VM) invoke(frames []*frame.Frame, action frame.StepAction, baseDepth int) ([]*frame.Frame, error) {
	if baseDepth+len(frames) >= maxFrameDepth {
		return nil, ErrStackOverflow
	}

	class, ok := vm.Loader.Resolve(action.ClassName)
	if !ok {
		var err error
		class, err = vm.Loader.Load(action.ClassName)
		if err != nil {
			return nil, errors.Wrapf(err, "resolving invoke target %s", action.ClassName)
		}
	}

	targetClass, method, err := resolveMethod(vm.Loader, class, action.MethodName, action.Descriptor)
	if err != nil {
		return nil, err
	}

	vm.log.WithFields(logrus.Fields{
		"class":  targetClass.Name,
		"method": action.MethodName,
	}).Debug("invoking method")

	if classfile.IsNative(method.AccessFlags) {
		if err := vm.runPrintIntrinsic(action.Args); err != nil {
			return nil, err
		}
		return frames, nil
	}

	callee, err := frame.New(targetClass, method, action.Args)
	if err != nil {
		return nil, errors.Wrapf(err, "creating frame for %s.%s", targetClass.Name, action.MethodName)
	}
	return append(frames, callee), nil
}

// resolveMethod looks up name/descriptor on class, walking the
// SuperName chain (loading super classes as needed) when class does not
// declare it directly. There is no dynamic dispatch in either direction:
// invokevirtual and invokespecial resolve exactly like invokestatic,
// using the method ref's own class name as the search root.
func resolveMethod(loader *classloader.Loader, class *classfile.Class, name, descriptor string) (*classfile.Class, classfile.Method, error) {
	for class != nil {
		if m, ok := class.Method(name, descriptor); ok {
			return class, m, nil
		}
		if class.SuperName == "" {
			break
		}
		super, ok := loader.Resolve(class.SuperName)
		if !ok {
			var err error
			super, err = loader.Load(class.SuperName)
			if err != nil {
				return nil, classfile.Method{}, errors.Wrapf(err, "resolving superclass %s", class.SuperName)
			}
		}
		class = super
	}
	return nil, classfile.Method{}, errors.Errorf("method not found: %s%s", name, descriptor)
}

// allocateString materializes s as a java/lang/String object: a Char
// array holding its UTF-16 code units, referenced by the object's
// "value" field.
func (vm *VM) allocateString(s string) (value.Value, error) {
	units := utf16.Encode([]rune(s))
	arrHandle := vm.Store.AllocateArray(int32(len(units)))
	arrRef := value.NewReference(arrHandle)
	arr, err := vm.Store.GetArray(arrRef)
	if err != nil {
		return value.Value{}, err
	}
	for i, u := range units {
		arr.Elements[i] = value.NewChar(u)
	}

	objHandle := vm.Store.AllocateObject(stringClass)
	objRef := value.NewReference(objHandle)
	if err := vm.Store.SetField(objRef, "value", arrRef); err != nil {
		return value.Value{}, err
	}
	return objRef, nil
}

// decodeString reads back the UTF-16 content of a materialized String
// object, the inverse of allocateString.
func (vm *VM) decodeString(ref value.Value) (string, error) {
	arrRef, err := vm.Store.GetField(ref, "value")
	if err != nil {
		return "", err
	}
	arr, err := vm.Store.GetArray(arrRef)
	if err != nil {
		return "", err
	}
	units := make([]uint16, len(arr.Elements))
	for i, v := range arr.Elements {
		c, ok := v.Char()
		if !ok {
			return "", errors.New("String.value array contains a non-Char element")
		}
		units[i] = c
	}
	return string(utf16.Decode(units)), nil
}

// runPrintIntrinsic implements the one native method this core
// recognizes: it consumes the last (and expected only) argument and
// writes its decimal or decoded-string form to Stdout prefixed "OUT: ".
func (vm *VM) runPrintIntrinsic(args []value.Value) error {
	if len(args) == 0 {
		return errors.New("native print invoked with no arguments")
	}
	v := args[len(args)-1]

	var rendered string
	switch v.Kind() {
	case value.KindByte:
		b, _ := v.Byte()
		rendered = strconv.FormatInt(int64(b), 10)
	case value.KindInt:
		i, _ := v.Int()
		rendered = strconv.FormatInt(int64(i), 10)
	case value.KindLong:
		l, _ := v.Long()
		rendered = strconv.FormatInt(l, 10)
	case value.KindReference:
		s, err := vm.decodeString(v)
		if err != nil {
			return errors.Wrap(err, "decoding string argument to print")
		}
		rendered = s
	default:
		return errors.Errorf("print intrinsic cannot render value kind %s", v.Kind())
	}

	_, err := fmt.Fprintf(vm.Stdout, "OUT: %s\n", rendered)
	return err
}

// fatal wraps a step error with the class and method name a human
// would need to diagnose it, mirroring original_source's
// handle_step_error.
func (vm *VM) fatal(f *frame.Frame, err error) error {
	return errors.Wrapf(err, "fatal error in %s.%s", f.Class().Name, f.Method().Name)
}
