// Package classfile is the classfile parser collaborator (C6): it decodes
// a raw .class byte stream into a constant pool, fields, methods, and
// attributes. The interpreter core treats this as an external collaborator
// (spec.md §1) consumed only through the types and accessors below; no
// other example repo in the retrieval pack ships a reusable classfile
// decoder, so this is adapted from the teacher's loader.go rather than
// wired to a pack dependency.
package classfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
)

// Tag identifies a constant pool entry's kind, per JVM spec Table 4.4-A.
type Tag byte

const (
	TagUTF8              Tag = 1
	TagInteger           Tag = 3
	TagFloat             Tag = 4
	TagLong              Tag = 5
	TagDouble            Tag = 6
	TagClass             Tag = 7
	TagString            Tag = 8
	TagFieldRef          Tag = 9
	TagMethodRef         Tag = 10
	TagInterfaceMethodRef Tag = 11
	TagNameAndType       Tag = 12
	TagMethodHandle      Tag = 15
	TagMethodType        Tag = 16
	TagInvokeDynamic     Tag = 18
)

// AccessFlags are the JVM access_flags bits relevant to this core.
const (
	AccPublic    uint16 = 0x0001
	AccStatic    uint16 = 0x0008
	AccFinal     uint16 = 0x0010
	AccNative    uint16 = 0x0100
	AccAbstract  uint16 = 0x0400
)

// IsNative reports whether flags carries the native access bit.
func IsNative(flags uint16) bool { return flags&AccNative != 0 }

// IsStatic reports whether flags carries the static access bit.
func IsStatic(flags uint16) bool { return flags&AccStatic != 0 }

// ConstantPoolItem is a single constant pool slot. Only the fields
// relevant to the item's Tag are populated.
type ConstantPoolItem struct {
	Tag              Tag
	NameIndex        uint16
	ClassIndex       uint16
	NameAndTypeIndex uint16
	StringIndex      uint16
	DescriptorIndex  uint16
	Integer          int32
	Long             int64
	UTF8Value        string
}

// FriendlyName returns a short, human-readable name for item's tag, used
// in UnexpectedConstantPoolItem-style diagnostics by callers outside this
// package.
func (item ConstantPoolItem) FriendlyName() string { return item.friendlyName() }

func (item ConstantPoolItem) friendlyName() string {
	switch item.Tag {
	case TagUTF8:
		return "Utf8"
	case TagInteger:
		return "Integer"
	case TagFloat:
		return "Float"
	case TagLong:
		return "Long"
	case TagDouble:
		return "Double"
	case TagClass:
		return "Class"
	case TagString:
		return "String"
	case TagFieldRef:
		return "Fieldref"
	case TagMethodRef:
		return "Methodref"
	case TagInterfaceMethodRef:
		return "InterfaceMethodref"
	case TagNameAndType:
		return "NameAndType"
	default:
		return fmt.Sprintf("Tag(%d)", item.Tag)
	}
}

// ConstantPool is the classfile's indexed constant pool. Entries are
// stored 0-indexed internally; all accessors take the classfile's native
// 1-based index, matching the JVM spec and spec.md's opcode table.
type ConstantPool []ConstantPoolItem

// ErrIndexOutOfRange is returned when a constant pool index has no entry.
type ErrIndexOutOfRange struct {
	Index uint16
}

func (e *ErrIndexOutOfRange) Error() string {
	return fmt.Sprintf("constant pool index out of range: %d", e.Index)
}

// ErrUnexpectedTag is returned when a constant pool entry has a tag the
// caller did not expect.
type ErrUnexpectedTag struct {
	Wanted string
	Got    string
}

func (e *ErrUnexpectedTag) Error() string {
	return fmt.Sprintf("expected constant pool item %s, got %s", e.Wanted, e.Got)
}

func (cp ConstantPool) item(index uint16) (ConstantPoolItem, error) {
	if index == 0 || int(index) > len(cp) {
		return ConstantPoolItem{}, &ErrIndexOutOfRange{Index: index}
	}
	return cp[index-1], nil
}

// Item returns the raw constant pool entry at index, for callers (such as
// the frame's ldc handling) that need to branch on the tag themselves.
func (cp ConstantPool) Item(index uint16) (ConstantPoolItem, error) {
	return cp.item(index)
}

// Utf8 resolves a Utf8 constant pool entry to its string value.
func (cp ConstantPool) Utf8(index uint16) (string, error) {
	item, err := cp.item(index)
	if err != nil {
		return "", err
	}
	if item.Tag != TagUTF8 {
		return "", &ErrUnexpectedTag{Wanted: "Utf8", Got: item.friendlyName()}
	}
	return item.UTF8Value, nil
}

// ClassName resolves a Class constant pool entry to its internal name.
func (cp ConstantPool) ClassName(index uint16) (string, error) {
	item, err := cp.item(index)
	if err != nil {
		return "", err
	}
	if item.Tag != TagClass {
		return "", &ErrUnexpectedTag{Wanted: "Class", Got: item.friendlyName()}
	}
	return cp.Utf8(item.NameIndex)
}

// NameAndType resolves a NameAndType constant pool entry.
func (cp ConstantPool) NameAndType(index uint16) (name, descriptor string, err error) {
	item, err := cp.item(index)
	if err != nil {
		return "", "", err
	}
	if item.Tag != TagNameAndType {
		return "", "", &ErrUnexpectedTag{Wanted: "NameAndType", Got: item.friendlyName()}
	}
	name, err = cp.Utf8(item.NameIndex)
	if err != nil {
		return "", "", err
	}
	descriptor, err = cp.Utf8(item.DescriptorIndex)
	if err != nil {
		return "", "", err
	}
	return name, descriptor, nil
}

// MemberRef resolves a Fieldref/Methodref/InterfaceMethodref entry into
// its owning class name, member name, and descriptor.
func (cp ConstantPool) MemberRef(index uint16) (className, name, descriptor string, err error) {
	item, err := cp.item(index)
	if err != nil {
		return "", "", "", err
	}
	switch item.Tag {
	case TagFieldRef, TagMethodRef, TagInterfaceMethodRef:
	default:
		return "", "", "", &ErrUnexpectedTag{Wanted: "Fieldref/Methodref/InterfaceMethodref", Got: item.friendlyName()}
	}

	className, err = cp.ClassName(item.ClassIndex)
	if err != nil {
		return "", "", "", err
	}
	name, descriptor, err = cp.NameAndType(item.NameAndTypeIndex)
	if err != nil {
		return "", "", "", err
	}
	return className, name, descriptor, nil
}

// StringConstant resolves a String entry to the literal it names.
func (cp ConstantPool) StringConstant(index uint16) (string, error) {
	item, err := cp.item(index)
	if err != nil {
		return "", err
	}
	if item.Tag != TagString {
		return "", &ErrUnexpectedTag{Wanted: "String", Got: item.friendlyName()}
	}
	return cp.Utf8(item.StringIndex)
}

// IntegerConstant resolves an Integer entry.
func (cp ConstantPool) IntegerConstant(index uint16) (int32, error) {
	item, err := cp.item(index)
	if err != nil {
		return 0, err
	}
	if item.Tag != TagInteger {
		return 0, &ErrUnexpectedTag{Wanted: "Integer", Got: item.friendlyName()}
	}
	return item.Integer, nil
}

// LongConstant resolves a Long entry.
func (cp ConstantPool) LongConstant(index uint16) (int64, error) {
	item, err := cp.item(index)
	if err != nil {
		return 0, err
	}
	if item.Tag != TagLong {
		return 0, &ErrUnexpectedTag{Wanted: "Long", Got: item.friendlyName()}
	}
	return item.Long, nil
}

// Attribute is a raw, undecoded classfile attribute.
type Attribute struct {
	Name string
	Data []byte
}

// CodeAttribute is the decoded form of a method's "Code" attribute.
type CodeAttribute struct {
	MaxStack  uint16
	MaxLocals uint16
	Code      []byte
}

// decodeCode decodes a raw Code attribute's bytes per the JVM spec's
// Code_attribute layout: max_stack(u2) max_locals(u2) code_length(u4)
// code[code_length] ...
func decodeCode(data []byte) (CodeAttribute, error) {
	if len(data) < 8 {
		return CodeAttribute{}, errors.Errorf("Code attribute too short: %d bytes", len(data))
	}
	maxStack := binary.BigEndian.Uint16(data[0:2])
	maxLocals := binary.BigEndian.Uint16(data[2:4])
	codeLength := binary.BigEndian.Uint32(data[4:8])
	if uint32(len(data)-8) < codeLength {
		return CodeAttribute{}, errors.Errorf("Code attribute declares %d code bytes but only %d remain", codeLength, len(data)-8)
	}
	return CodeAttribute{
		MaxStack:  maxStack,
		MaxLocals: maxLocals,
		Code:      data[8 : 8+codeLength],
	}, nil
}

// Member is the shape shared by classfile field_info and method_info
// structures: access flags, a name, a descriptor, and attributes.
type Member struct {
	AccessFlags uint16
	Name        string
	Descriptor  string
	Attributes  []Attribute
}

// Field is a classfile field_info entry.
type Field = Member

// Method is a classfile method_info entry.
type Method = Member

// CodeAttribute returns the method's decoded Code attribute, if present.
func (m Member) CodeAttribute() (CodeAttribute, bool, error) {
	for _, attr := range m.Attributes {
		if attr.Name != "Code" {
			continue
		}
		code, err := decodeCode(attr.Data)
		if err != nil {
			return CodeAttribute{}, false, errors.Wrapf(err, "decoding Code attribute of %s", m.Name)
		}
		return code, true, nil
	}
	return CodeAttribute{}, false, nil
}

// Class is the parsed form of a single .class file.
type Class struct {
	ConstantPool ConstantPool
	Name         string
	SuperName    string
	AccessFlags  uint16
	Interfaces   []string
	Fields       []Field
	Methods      []Method
	Attributes   []Attribute
}

// Classname returns the class's own internal name, e.g. "java/lang/Foo".
func (c *Class) Classname() string { return c.Name }

// Method looks up a method by name and descriptor. An empty descriptor
// matches the first method with the given name, which is how
// ResolveMainMethod finds "main" without knowing its descriptor.
func (c *Class) Method(name, descriptor string) (Method, bool) {
	for _, m := range c.Methods {
		if m.Name == name && (descriptor == "" || descriptor == m.Descriptor) {
			return m, true
		}
	}
	return Method{}, false
}

// Field looks up a field_info entry by name.
func (c *Class) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// HasClinit reports whether the class declares a <clinit> method.
func (c *Class) HasClinit() bool {
	_, ok := c.Method("<clinit>", "()V")
	return ok
}

// ResolveMainMethod returns the class's "main" method, by convention the
// interpreter's entry point.
func (c *Class) ResolveMainMethod() (Method, error) {
	m, ok := c.Method("main", "")
	if !ok {
		return Method{}, errors.Errorf("class %s has no main method", c.Name)
	}
	return m, nil
}

type reader struct {
	r   io.Reader
	err error
}

func (r *reader) bytes(n int) []byte {
	b := make([]byte, n)
	if r.err == nil {
		_, r.err = io.ReadFull(r.r, b)
	}
	return b
}

func (r *reader) u1() uint8  { return r.bytes(1)[0] }
func (r *reader) u2() uint16 { return binary.BigEndian.Uint16(r.bytes(2)) }
func (r *reader) u4() uint32 { return binary.BigEndian.Uint32(r.bytes(4)) }
func (r *reader) u8() uint64 { return binary.BigEndian.Uint64(r.bytes(8)) }

func (r *reader) constantPool() ConstantPool {
	count := r.u2()
	var pool ConstantPool
	for i := uint16(1); i < count && r.err == nil; i++ {
		item := ConstantPoolItem{Tag: Tag(r.u1())}
		switch item.Tag {
		case TagClass:
			item.NameIndex = r.u2()
		case TagFieldRef, TagMethodRef, TagInterfaceMethodRef:
			item.ClassIndex = r.u2()
			item.NameAndTypeIndex = r.u2()
		case TagString:
			item.StringIndex = r.u2()
		case TagInteger:
			item.Integer = int32(r.u4())
		case TagFloat:
			_ = math.Float32frombits(r.u4())
		case TagLong:
			item.Long = int64(r.u8())
		case TagDouble:
			_ = math.Float64frombits(r.u8())
		case TagNameAndType:
			item.NameIndex = r.u2()
			item.DescriptorIndex = r.u2()
		case TagUTF8:
			item.UTF8Value = string(r.bytes(int(r.u2())))
		case TagMethodHandle:
			r.u1()
			r.u2()
		case TagMethodType:
			r.u2()
		case TagInvokeDynamic:
			r.u2()
			r.u2()
		default:
			r.err = errors.Errorf("unsupported constant pool tag: %d", item.Tag)
		}

		pool = append(pool, item)
		if item.Tag == TagLong || item.Tag == TagDouble {
			// 8-byte constants occupy two entries; the second is unused.
			pool = append(pool, ConstantPoolItem{})
			i++
		}
	}
	return pool
}

func (r *reader) interfaces(cp ConstantPool) []string {
	count := r.u2()
	var names []string
	for i := uint16(0); i < count; i++ {
		name, err := cp.ClassName(r.u2())
		if err != nil && r.err == nil {
			r.err = err
		}
		names = append(names, name)
	}
	return names
}

func (r *reader) attributes(cp ConstantPool) []Attribute {
	count := r.u2()
	attrs := make([]Attribute, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := cp.Utf8(r.u2())
		if err != nil && r.err == nil {
			r.err = err
		}
		attrs = append(attrs, Attribute{Name: name, Data: r.bytes(int(r.u4()))})
	}
	return attrs
}

func (r *reader) members(cp ConstantPool) []Member {
	count := r.u2()
	members := make([]Member, 0, count)
	for i := uint16(0); i < count; i++ {
		flags := r.u2()
		name, err := cp.Utf8(r.u2())
		if err != nil && r.err == nil {
			r.err = err
		}
		descriptor, err := cp.Utf8(r.u2())
		if err != nil && r.err == nil {
			r.err = err
		}
		members = append(members, Member{
			AccessFlags: flags,
			Name:        name,
			Descriptor:  descriptor,
			Attributes:  r.attributes(cp),
		})
	}
	return members
}

// Parse decodes a classfile byte stream into a Class.
func Parse(src io.Reader) (*Class, error) {
	r := &reader{r: src}

	r.u4() // magic
	r.u2() // minor_version
	r.u2() // major_version

	cp := r.constantPool()

	class := &Class{ConstantPool: cp}
	class.AccessFlags = r.u2()

	thisClassName, err := cp.ClassName(r.u2())
	if err != nil && r.err == nil {
		r.err = err
	}
	class.Name = thisClassName

	superIndex := r.u2()
	if superIndex != 0 {
		superName, err := cp.ClassName(superIndex)
		if err != nil && r.err == nil {
			r.err = err
		}
		class.SuperName = superName
	}

	class.Interfaces = r.interfaces(cp)
	class.Fields = r.members(cp)
	class.Methods = r.members(cp)
	class.Attributes = r.attributes(cp)

	if r.err != nil {
		return nil, errors.Wrap(r.err, "parsing classfile")
	}
	return class, nil
}
