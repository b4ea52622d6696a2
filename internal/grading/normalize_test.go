package grading

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeOutput(t *testing.T) {
	cases := map[string]struct {
		in   string
		want string
	}{
		"crlf":              {in: "1\r\n2\r\n", want: "1\n2"},
		"bare cr":           {in: "a\rb", want: "a\nb"},
		"trailing spaces":   {in: "x  \ny\t\n", want: "x\ny"},
		"trailing blanks":   {in: "done\n\n\n", want: "done"},
		"leading kept":      {in: "  indented\n", want: "  indented"},
		"internal kept":     {in: "a\n\nb", want: "a\n\nb"},
		"empty":             {in: "", want: ""},
		"only whitespace":   {in: " \n\t\n", want: ""},
		"inner spaces kept": {in: "1  2 3", want: "1  2 3"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			require.Equal(t, tc.want, NormalizeOutput(tc.in))
		})
	}
}

func TestNormalizeOutputIsIdempotent(t *testing.T) {
	for _, in := range []string{"a \r\nb\r\n\r\n", "x\n", "  y  \n z \n"} {
		once := NormalizeOutput(in)
		require.Equal(t, once, NormalizeOutput(once))
	}
}

func TestOutputsMatch(t *testing.T) {
	require.True(t, OutputsMatch("42\r\n", "42"))
	require.True(t, OutputsMatch("a \nb\n\n", "a\nb"))
	require.False(t, OutputsMatch(" 42", "42"))
}

func TestDecodeInput(t *testing.T) {
	require.Equal(t, "5\n3 1 4", DecodeInput(`5\n3 1 4`))
	require.Equal(t, "a\tb", DecodeInput(`a\tb`))
	require.Equal(t, "hello\nworld", DecodeInput(`"hello\nworld"`))
	require.Equal(t, `"plain"`, DecodeInput(`"plain"`))
	require.Equal(t, "keep\\n\n", DecodeInput("keep\\n\n"))
}
