package cmd

import "testing"

func TestShortID(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want string
	}{
		{"writer-0192f3a8-7b2c", "writer-0"},
		{"w1", "w1"},
		{"12345678", "12345678"},
		{"", ""},
	} {
		if got := shortID(tc.in); got != tc.want {
			t.Errorf("shortID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
