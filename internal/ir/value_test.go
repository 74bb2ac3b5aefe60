package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromGo(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want IRValue
	}{
		{"nil", nil, IRNull{}},
		{"string", "cart", IRString("cart")},
		{"bool", true, IRBool(true)},
		{"int", 42, IRInt(42)},
		{"int32", int32(-7), IRInt(-7)},
		{"uint16", uint16(9), IRInt(9)},
		{"passthrough", IRString("x"), IRString("x")},
		{"strings", []string{"a", "b"}, IRArray{IRString("a"), IRString("b")}},
		{"ints", []int{1, 2}, IRArray{IRInt(1), IRInt(2)}},
		{"mixed", []any{"a", 1, false}, IRArray{IRString("a"), IRInt(1), IRBool(false)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromGo(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromGo_RejectsFloats(t *testing.T) {
	_, err := FromGo(1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = FromGo([]any{"a", float32(2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "array[1]")
}

func TestFromGo_RejectsUnsupported(t *testing.T) {
	_, err := FromGo(struct{}{})
	assert.Error(t, err)

	_, err = FromGo(uint64(1 << 63))
	assert.Error(t, err)
}

func TestMustFromGo_Panics(t *testing.T) {
	assert.Panics(t, func() { MustFromGo(3.14) })
	assert.Equal(t, IRInt(3), MustFromGo(3))
}

func TestToParam(t *testing.T) {
	p, err := ToParam(IRArray{IRString("a"), IRInt(2), IRNull{}})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", int64(2), nil}, p)

	p, err = ToParam(IRBool(true))
	require.NoError(t, err)
	assert.Equal(t, true, p)
}

func TestIsNull(t *testing.T) {
	assert.True(t, IsNull(nil))
	assert.True(t, IsNull(IRNull{}))
	assert.False(t, IsNull(IRString("")))
}

func TestIRArray_Clone(t *testing.T) {
	a := IRArray{IRInt(1), IRInt(2)}
	c := a.Clone()
	c[0] = IRInt(9)
	assert.Equal(t, IRInt(1), a[0])

	var empty IRArray
	assert.Nil(t, empty.Clone())
}

func TestMarshalCanonical(t *testing.T) {
	tests := []struct {
		name string
		in   IRValue
		want string
	}{
		{"null", IRNull{}, "null"},
		{"nil", nil, "null"},
		{"string", IRString("a<b>&c"), `"a<b>&c"`},
		{"int", IRInt(-12), "-12"},
		{"bool", IRBool(false), "false"},
		{"array", IRArray{IRString("x"), IRInt(1)}, `["x",1]`},
		// e + combining acute normalises to the precomposed form.
		{"nfc", IRString("cafe\u0301"), "\"caf\u00e9\""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MarshalCanonical(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
			assert.Equal(t, tt.want, Format(tt.in))
		})
	}
}

func TestNormalizeString(t *testing.T) {
	assert.Equal(t, "caf\u00e9", NormalizeString("cafe\u0301"))
}
