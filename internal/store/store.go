// Package store implements the data store (C3): the class-static table
// and the object/array heap, both addressed through the handle/name
// schemes spec.md §4.2 describes. It is touched by one actor at a time
// (the stepping frame, then the VM driver between steps); no locking is
// required (spec.md §5).
package store

import (
	"fmt"

	"pantomime/internal/classfile"
	"pantomime/internal/value"
)

// Error is the data store error kind propagated into StepError's
// DataStore variant.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// ErrUninitializedClass is returned by GetClassStatic when the owning
// class has not been registered yet.
func ErrUninitializedClass(class string) error {
	return errf("class not initialized: %s", class)
}

// ErrStaticFieldNotFound is returned by GetClassStatic for an unknown
// field name.
func ErrStaticFieldNotFound(class, field string) error {
	return errf("static field not found: %s.%s", class, field)
}

// ErrInvalidPointer is returned by any heap accessor given a handle with
// no corresponding entry.
func ErrInvalidPointer(handle uint64) error {
	return errf("invalid pointer: %d", handle)
}

// Object is a heap-allocated instance of a class: its internal class
// name plus a mutable field-name -> Value map, pre-populated with each
// field's descriptor-driven default.
type Object struct {
	ClassName string
	Fields    map[string]value.Value
}

// Array is a heap-allocated fixed-size array. Every element starts as
// Null regardless of element type (spec.md §3).
type Array struct {
	Elements []value.Value
}

// Store owns the class-static table and the object heap for a single VM
// run. Presence of a class name in the statics table is the
// "initialized" flag (spec.md §4.2).
type Store struct {
	statics map[string]map[string]value.Value
	heap    map[uint64]interface{} // *Object or *Array
	nextRef uint64
}

// New returns an empty data store.
func New() *Store {
	return &Store{
		statics: map[string]map[string]value.Value{},
		heap:    map[uint64]interface{}{},
		nextRef: 1,
	}
}

// HasClassStatics reports whether class has been registered.
func (s *Store) HasClassStatics(class string) bool {
	_, ok := s.statics[class]
	return ok
}

// RegisterClass idempotently inserts an empty statics map for class,
// marking it initialized.
func (s *Store) RegisterClass(class string) {
	if _, ok := s.statics[class]; ok {
		return
	}
	s.statics[class] = map[string]value.Value{}
}

// SetClassStatic requires that class already be registered.
func (s *Store) SetClassStatic(class, field string, v value.Value) error {
	fields, ok := s.statics[class]
	if !ok {
		return ErrUninitializedClass(class)
	}
	fields[field] = v
	return nil
}

// GetClassStatic reads a static field, failing if the class is not
// registered or the field has never been set.
func (s *Store) GetClassStatic(class, field string) (value.Value, error) {
	fields, ok := s.statics[class]
	if !ok {
		return value.Value{}, ErrUninitializedClass(class)
	}
	v, ok := fields[field]
	if !ok {
		return value.Value{}, ErrStaticFieldNotFound(class, field)
	}
	return v, nil
}

// AllocateObject allocates a fresh object of the given parsed class, with
// every non-static field initialized to its descriptor's default value.
func (s *Store) AllocateObject(class *classfile.Class) uint64 {
	fields := map[string]value.Value{}
	for _, f := range class.Fields {
		if classfile.IsStatic(f.AccessFlags) {
			continue
		}
		fields[f.Name] = value.DefaultForDescriptor(f.Descriptor)
	}

	handle := s.nextRef
	s.nextRef++
	s.heap[handle] = &Object{ClassName: class.Name, Fields: fields}
	return handle
}

// AllocateArray allocates an array of the given length, every element
// defaulting to Null.
func (s *Store) AllocateArray(count int32) uint64 {
	elements := make([]value.Value, count)
	for i := range elements {
		elements[i] = value.Null
	}

	handle := s.nextRef
	s.nextRef++
	s.heap[handle] = &Array{Elements: elements}
	return handle
}

func (s *Store) entry(ref value.Value) (interface{}, uint64, error) {
	handle, ok := ref.Reference()
	if !ok {
		return nil, 0, errf("heap accessor given a non-Reference value: %s", ref)
	}
	entry, ok := s.heap[handle]
	if !ok {
		return nil, handle, ErrInvalidPointer(handle)
	}
	return entry, handle, nil
}

// GetObject returns the object referenced by ref.
func (s *Store) GetObject(ref value.Value) (*Object, error) {
	entry, handle, err := s.entry(ref)
	if err != nil {
		return nil, err
	}
	obj, ok := entry.(*Object)
	if !ok {
		return nil, errf("handle %d is not an object", handle)
	}
	return obj, nil
}

// GetArray returns the array referenced by ref.
func (s *Store) GetArray(ref value.Value) (*Array, error) {
	entry, handle, err := s.entry(ref)
	if err != nil {
		return nil, err
	}
	arr, ok := entry.(*Array)
	if !ok {
		return nil, errf("handle %d is not an array", handle)
	}
	return arr, nil
}

// GetField reads a field off the object referenced by ref.
func (s *Store) GetField(ref value.Value, name string) (value.Value, error) {
	obj, err := s.GetObject(ref)
	if err != nil {
		return value.Value{}, err
	}
	v, ok := obj.Fields[name]
	if !ok {
		return value.Value{}, errf("field not found: %s.%s", obj.ClassName, name)
	}
	return v, nil
}

// SetField writes a field on the object referenced by ref.
func (s *Store) SetField(ref value.Value, name string, v value.Value) error {
	obj, err := s.GetObject(ref)
	if err != nil {
		return err
	}
	obj.Fields[name] = v
	return nil
}
