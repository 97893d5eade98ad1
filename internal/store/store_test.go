package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pantomime/internal/classfile"
	"pantomime/internal/value"
)

func TestClassStaticsLifecycle(t *testing.T) {
	s := New()
	assert.False(t, s.HasClassStatics("Bar"))

	_, err := s.GetClassStatic("Bar", "f")
	require.Error(t, err)

	err = s.SetClassStatic("Bar", "f", value.NewInt(1))
	require.Error(t, err, "setting a static before the class is registered must fail")

	s.RegisterClass("Bar")
	assert.True(t, s.HasClassStatics("Bar"))

	require.NoError(t, s.SetClassStatic("Bar", "f", value.NewInt(9)))
	got, err := s.GetClassStatic("Bar", "f")
	require.NoError(t, err)
	v, ok := got.Int()
	require.True(t, ok)
	assert.Equal(t, int32(9), v)

	// Idempotent re-registration does not clear existing statics.
	s.RegisterClass("Bar")
	got, err = s.GetClassStatic("Bar", "f")
	require.NoError(t, err)
	v, _ = got.Int()
	assert.Equal(t, int32(9), v)
}

func TestAllocateObjectDefaultsFields(t *testing.T) {
	s := New()
	class := &classfile.Class{
		Name: "Foo",
		Fields: []classfile.Field{
			{Name: "count", Descriptor: "I"},
			{Name: "name", Descriptor: "Ljava/lang/String;"},
			{Name: "CONST", Descriptor: "I", AccessFlags: classfile.AccStatic},
		},
	}

	ref := value.NewReference(s.AllocateObject(class))
	obj, err := s.GetObject(ref)
	require.NoError(t, err)
	assert.Equal(t, "Foo", obj.ClassName)

	count, err := s.GetField(ref, "count")
	require.NoError(t, err)
	iv, _ := count.Int()
	assert.Equal(t, int32(0), iv)

	name, err := s.GetField(ref, "name")
	require.NoError(t, err)
	assert.True(t, name.IsNull())

	_, err = s.GetField(ref, "CONST")
	assert.Error(t, err, "static fields are not part of the instance field map")
}

func TestAllocateArrayDefaultsToNull(t *testing.T) {
	s := New()
	ref := value.NewReference(s.AllocateArray(3))
	arr, err := s.GetArray(ref)
	require.NoError(t, err)
	require.Len(t, arr.Elements, 3)
	for _, v := range arr.Elements {
		assert.True(t, v.IsNull())
	}
}

func TestHandlesAreMonotonicAndDistinguishObjectsFromArrays(t *testing.T) {
	s := New()
	class := &classfile.Class{Name: "Foo"}

	h1 := s.AllocateObject(class)
	h2 := s.AllocateArray(1)
	h3 := s.AllocateObject(class)
	assert.Less(t, h1, h2)
	assert.Less(t, h2, h3)

	_, err := s.GetArray(value.NewReference(h1))
	assert.Error(t, err)
	_, err = s.GetObject(value.NewReference(h2))
	assert.Error(t, err)
}

func TestInvalidPointer(t *testing.T) {
	s := New()
	_, err := s.GetObject(value.NewReference(999))
	require.Error(t, err)
}

func TestSetFieldOnArrayFails(t *testing.T) {
	s := New()
	ref := value.NewReference(s.AllocateArray(1))
	err := s.SetField(ref, "x", value.NewInt(1))
	assert.Error(t, err)
}
