package tgui

import "testing"

func TestPreview(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello world", 6, "hello…"},
		{"line one\n\nline  two", 40, "line one line two"},
		{"привет мир", 4, "при…"},
		{"x", 0, ""},
		{"", 3, ""},
	}
	for _, tc := range cases {
		if got := Preview(tc.in, tc.n); got != tc.want {
			t.Errorf("Preview(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
