package address

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsValidName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{"a", true},
		{"", false},
		{"abc-DEF_012()", true},
		{"$reserved", true},
		{"$", true},
		{"has space", false},
		{"has.dot", false},
	}
	for _, c := range cases {
		require.Equalf(t, c.want, IsValidName(c.name), "name %q", c.name)
	}

	// Boundary: exactly 63 and 64 characters.
	require.True(t, IsValidName(repeat("a", 63)))
	require.False(t, IsValidName(repeat("a", 64)))
}

func repeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}

func TestNewAddress(t *testing.T) {
	a, err := New("ctx1", "obj1")
	require.NoError(t, err)
	require.Equal(t, "ctx1.obj1", a.String())

	_, err = New("bad name", "obj1")
	require.Error(t, err)
}

func TestNewRequestIDDistinct(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	require.NotEqual(t, a, b)
}

func TestLockTokenSentinels(t *testing.T) {
	require.True(t, AccessDenied.IsSentinel())
	require.True(t, ObjectLocked.IsSentinel())
	require.False(t, (LockToken{ContextID: "c1", Token: "$lock_1"}).IsSentinel())
	require.True(t, (LockToken{}).IsZero())
}
