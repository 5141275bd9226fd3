package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSource(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"www.EXAMPLE.com/path", "EXAMPLE.com/path"},
		{"https://example.com", "example.com"},
		{"http://www.example.com/a/b", "example.com/a/b"},
		{"my-app", "my-app"},
		{"a.b/c-d.e", "a.b/c-d.e"},
		{"", ""},
		{"https://", ""},
	}
	for _, tc := range cases {
		got, err := NormalizeSource(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestNormalizeSource_Invalid(t *testing.T) {
	for _, in := range []string{"foo bar", "a;b", "x?y=1", "héllo", "a_b"} {
		_, err := NormalizeSource(in)
		assert.Error(t, err, in)
	}
}
