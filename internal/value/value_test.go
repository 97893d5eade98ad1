package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueAccessors(t *testing.T) {
	v := NewInt(42)
	got, ok := v.Int()
	require.True(t, ok)
	assert.Equal(t, int32(42), got)

	_, ok = v.Long()
	assert.False(t, ok)

	assert.Equal(t, KindInt, v.Kind())
}

func TestFillerAndEmptyAreDistinctSingletons(t *testing.T) {
	assert.Equal(t, KindFiller, Filler.Kind())
	assert.Equal(t, KindEmpty, Empty.Kind())
	assert.Equal(t, KindNull, Null.Kind())
	assert.True(t, Null.IsNull())
	assert.False(t, Filler.IsNull())
}

func TestDefaultForDescriptor(t *testing.T) {
	cases := []struct {
		descriptor string
		want       Value
	}{
		{"I", NewInt(0)},
		{"B", NewInt(0)},
		{"Z", NewInt(0)},
		{"J", NewLong(0)},
		{"Ljava/lang/String;", Null},
		{"[I", Null},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DefaultForDescriptor(c.descriptor), c.descriptor)
	}
}

func TestDescriptorArity(t *testing.T) {
	cases := []struct {
		descriptor string
		want       int
	}{
		{"()V", 0},
		{"(I)V", 1},
		{"(IJ)V", 3},
		{"(ILjava/lang/String;)V", 2},
		{"([I)V", 1},
		{"(Ljava/lang/String;I)Ljava/lang/String;", 2},
		{"(JD)V", 4},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DescriptorArity(c.descriptor), c.descriptor)
	}
}
