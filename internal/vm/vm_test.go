package vm

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantomime/internal/classfile"
	"pantomime/internal/classloader"
)

// buildMethod assembles a method_info-shaped classfile.Method with the
// given code as its Code attribute, mirroring the fixture builder used in
// the frame package's own tests.
func buildMethod(name, descriptor string, flags uint16, code []byte) classfile.Method {
	m := classfile.Method{Name: name, Descriptor: descriptor, AccessFlags: flags}
	if code == nil {
		return m
	}
	data := make([]byte, 0, 8+len(code))
	data = append(data, 0, 8, 0, 8)
	n := uint32(len(code))
	data = append(data, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	data = append(data, code...)
	data = append(data, 0, 0, 0, 0)
	m.Attributes = []classfile.Attribute{{Name: "Code", Data: data}}
	return m
}

func TestRunInvokesNativePrint(t *testing.T) {
	cp := classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: "Runtime"},
		{Tag: classfile.TagClass, NameIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "print"},
		{Tag: classfile.TagUTF8, UTF8Value: "(B)V"},
		{Tag: classfile.TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		{Tag: classfile.TagMethodRef, ClassIndex: 2, NameAndTypeIndex: 5},
	}
	mainCode := []byte{
		0x10, 5, // bipush 5
		0xB8, 0, 6, // invokestatic #6
		0xB1, // return
	}
	hello := &classfile.Class{
		Name:         "Hello",
		ConstantPool: cp,
		Methods:      []classfile.Method{buildMethod("main", "([Ljava/lang/String;)V", classfile.AccStatic, mainCode)},
	}
	runtime := &classfile.Class{
		Name:    "Runtime",
		Methods: []classfile.Method{buildMethod("print", "(B)V", classfile.AccStatic|classfile.AccNative, nil)},
	}

	loader := classloader.New(nil)
	loader.Register(hello)
	loader.Register(runtime)

	var out bytes.Buffer
	machine := New(loader, nil, &out)
	require.NoError(t, machine.Run("Hello"))
	assert.Equal(t, "OUT: 5\n", out.String())
}

func TestRunTriggersClassInitializationBeforeGetstatic(t *testing.T) {
	// Counter.<clinit>: bipush 9; putstatic Counter.count; return
	counterCP := classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: "Counter"},
		{Tag: classfile.TagClass, NameIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "count"},
		{Tag: classfile.TagUTF8, UTF8Value: "I"},
		{Tag: classfile.TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		{Tag: classfile.TagFieldRef, ClassIndex: 2, NameAndTypeIndex: 5},
	}
	clinitCode := []byte{0x10, 9, 0xB3, 0, 6, 0xB1} // bipush 9; putstatic #6; return
	counter := &classfile.Class{
		Name:         "Counter",
		ConstantPool: counterCP,
		Fields:       []classfile.Field{{Name: "count", Descriptor: "I", AccessFlags: classfile.AccStatic}},
		Methods:      []classfile.Method{buildMethod("<clinit>", "()V", classfile.AccStatic, clinitCode)},
	}

	runtimeCP := classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: "Runtime"},
		{Tag: classfile.TagClass, NameIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "print"},
		{Tag: classfile.TagUTF8, UTF8Value: "(I)V"},
		{Tag: classfile.TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		{Tag: classfile.TagMethodRef, ClassIndex: 2, NameAndTypeIndex: 5},
	}
	// main: getstatic Counter.count; invokestatic Runtime.print(I)V; return
	mainCP := classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: "Counter"},
		{Tag: classfile.TagClass, NameIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "count"},
		{Tag: classfile.TagUTF8, UTF8Value: "I"},
		{Tag: classfile.TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		{Tag: classfile.TagFieldRef, ClassIndex: 2, NameAndTypeIndex: 5},
		{Tag: classfile.TagUTF8, UTF8Value: "Runtime"},
		{Tag: classfile.TagClass, NameIndex: 7},
		{Tag: classfile.TagUTF8, UTF8Value: "print"},
		{Tag: classfile.TagUTF8, UTF8Value: "(I)V"},
		{Tag: classfile.TagNameAndType, NameIndex: 9, DescriptorIndex: 10},
		{Tag: classfile.TagMethodRef, ClassIndex: 8, NameAndTypeIndex: 11},
	}
	mainCode := []byte{
		0xB2, 0, 6, // getstatic #6 (Counter.count)
		0xB8, 0, 12, // invokestatic #12 (Runtime.print)
		0xB1, // return
	}
	main := &classfile.Class{
		Name:         "Main2",
		ConstantPool: mainCP,
		Methods:      []classfile.Method{buildMethod("main", "()V", classfile.AccStatic, mainCode)},
	}
	runtime := &classfile.Class{
		Name:         "Runtime",
		ConstantPool: runtimeCP,
		Methods:      []classfile.Method{buildMethod("print", "(I)V", classfile.AccStatic|classfile.AccNative, nil)},
	}

	loader := classloader.New(nil)
	loader.Register(main)
	loader.Register(counter)
	loader.Register(runtime)

	var out bytes.Buffer
	machine := New(loader, nil, &out)
	require.NoError(t, machine.Run("Main2"))
	assert.Equal(t, "OUT: 9\n", out.String())
	assert.True(t, machine.Store.HasClassStatics("Counter"))
}

func TestRunMaterializesStringLiteral(t *testing.T) {
	cp := classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: "hi"},
		{Tag: classfile.TagString, StringIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "Runtime"},
		{Tag: classfile.TagClass, NameIndex: 3},
		{Tag: classfile.TagUTF8, UTF8Value: "print"},
		{Tag: classfile.TagUTF8, UTF8Value: "(Ljava/lang/String;)V"},
		{Tag: classfile.TagNameAndType, NameIndex: 5, DescriptorIndex: 6},
		{Tag: classfile.TagMethodRef, ClassIndex: 4, NameAndTypeIndex: 7},
	}
	mainCode := []byte{
		0x12, 2, // ldc #2 ("hi")
		0xB8, 0, 8, // invokestatic #8
		0xB1, // return
	}
	hello := &classfile.Class{
		Name:         "Hello",
		ConstantPool: cp,
		Methods:      []classfile.Method{buildMethod("main", "()V", classfile.AccStatic, mainCode)},
	}
	runtime := &classfile.Class{
		Name:    "Runtime",
		Methods: []classfile.Method{buildMethod("print", "(Ljava/lang/String;)V", classfile.AccStatic|classfile.AccNative, nil)},
	}

	loader := classloader.New(nil)
	loader.Register(hello)
	loader.Register(runtime)

	var out bytes.Buffer
	machine := New(loader, nil, &out)
	require.NoError(t, machine.Run("Hello"))
	assert.Equal(t, "OUT: hi\n", out.String())
}

// buildClinitChainLink returns a class named name whose <clinit> touches
// nextName's static field "x" via getstatic, triggering nextName's own
// initialization. When nextName is "", the class has no <clinit> at all,
// terminating the chain.
func buildClinitChainLink(name, nextName string) *classfile.Class {
	class := &classfile.Class{
		Name:   name,
		Fields: []classfile.Field{{Name: "x", Descriptor: "I", AccessFlags: classfile.AccStatic}},
	}
	if nextName == "" {
		return class
	}
	class.ConstantPool = classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: nextName},
		{Tag: classfile.TagClass, NameIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "x"},
		{Tag: classfile.TagUTF8, UTF8Value: "I"},
		{Tag: classfile.TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		{Tag: classfile.TagFieldRef, ClassIndex: 2, NameAndTypeIndex: 5},
	}
	clinitCode := []byte{0xB2, 0, 6, 0x57, 0xB1} // getstatic #6; pop; return
	class.Methods = []classfile.Method{buildMethod("<clinit>", "()V", classfile.AccStatic, clinitCode)}
	return class
}

// TestNestedClassInitializationRespectsFrameDepth builds a chain of
// classes whose <clinit> methods trigger the next class's initialization,
// longer than maxFrameDepth, and checks that the recursive runStack calls
// this drives are bounded by the same limit as ordinary invocations
// rather than each restarting their own independent counter.
func TestNestedClassInitializationRespectsFrameDepth(t *testing.T) {
	const chainLength = maxFrameDepth + 50

	loader := classloader.New(nil)
	names := make([]string, chainLength)
	for i := range names {
		names[i] = fmt.Sprintf("Link%d", i)
	}
	for i, name := range names {
		next := ""
		if i+1 < len(names) {
			next = names[i+1]
		}
		loader.Register(buildClinitChainLink(name, next))
	}

	mainCP := classfile.ConstantPool{
		{Tag: classfile.TagUTF8, UTF8Value: names[0]},
		{Tag: classfile.TagClass, NameIndex: 1},
		{Tag: classfile.TagUTF8, UTF8Value: "x"},
		{Tag: classfile.TagUTF8, UTF8Value: "I"},
		{Tag: classfile.TagNameAndType, NameIndex: 3, DescriptorIndex: 4},
		{Tag: classfile.TagFieldRef, ClassIndex: 2, NameAndTypeIndex: 5},
	}
	mainCode := []byte{0xB2, 0, 6, 0x57, 0xB1} // getstatic #6; pop; return
	main := &classfile.Class{
		Name:         "Main3",
		ConstantPool: mainCP,
		Methods:      []classfile.Method{buildMethod("main", "()V", classfile.AccStatic, mainCode)},
	}
	loader.Register(main)

	var out bytes.Buffer
	machine := New(loader, nil, &out)
	err := machine.Run("Main3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStackOverflow)
}

func TestRunPropagatesFatalStepError(t *testing.T) {
	hello := &classfile.Class{
		Name: "Hello",
		Methods: []classfile.Method{
			buildMethod("main", "()V", classfile.AccStatic, []byte{0x57}), // pop on empty stack
		},
	}
	loader := classloader.New(nil)
	loader.Register(hello)

	var out bytes.Buffer
	machine := New(loader, nil, &out)
	err := machine.Run("Hello")
	require.Error(t, err)
}
