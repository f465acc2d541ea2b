package security

import (
	"strings"
	"testing"
)

func TestSanitizeFilename(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"run-1", "run-1"},
		{"9a3f2c1e-0b4d-4e7a-8f5c-2d1e0a9b8c7d", "9a3f2c1e-0b4d-4e7a-8f5c-2d1e0a9b8c7d"},
		{"", "unknown"},
		{"../../etc/passwd", "etc_passwd"},
		{"sweep/2026-08-23 14:00", "sweep_2026-08-23_14_00"},
		{"___", "unknown"},
		{"..hidden..", "hidden"},
	}
	for _, tc := range cases {
		if got := SanitizeFilename(tc.in); got != tc.want {
			t.Errorf("SanitizeFilename(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeFilenameCapsLength(t *testing.T) {
	got := SanitizeFilename(strings.Repeat("a", 500))
	if len(got) != 128 {
		t.Errorf("len = %d, want 128", len(got))
	}
}
