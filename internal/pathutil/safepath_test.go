package pathutil

import (
	"strings"
	"testing"
)

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/normal/path", false},
		{"/path/./here", true},
		{"/path/../up", true},
		{".", true},
		{"..", true},
		{"/...", false},
		{"/.hidden", false},
		{"/path/to/.", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := HasDotSegments(tt.path); got != tt.want {
				t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"cat.png", "cat.png"},
		{"photos/cat.png", "cat.png"},
		{`C:\Users\me\cat.png`, "cat.png"},
		{"../../etc/passwd", "passwd"},
		{"dir/", ""},
	}
	for _, tt := range tests {
		if got := BaseName(tt.in); got != tt.want {
			t.Errorf("BaseName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsSafeName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"cat.png", true},
		{"2024-01-01T00:00:00.000Z-cat.png", true},
		{"my photo (1).jpg", true},
		{".hidden.png", true},
		{"", false},
		{".", false},
		{"..", false},
		{"a/b.png", false},
		{`a\b.png`, false},
		{"bad\x00name.png", false},
		{"line\nbreak.png", false},
		{"bad\xffutf8.png", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSafeName(tt.name); got != tt.want {
				t.Errorf("IsSafeName(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func FuzzIsSafeName(f *testing.F) {
	f.Add("cat.png")
	f.Add("../x")
	f.Add("..")
	f.Add("a\\b")

	f.Fuzz(func(t *testing.T, name string) {
		if !IsSafeName(name) {
			return
		}
		if strings.ContainsAny(name, `/\`) || HasDotSegments(name) {
			t.Errorf("IsSafeName(%q) accepted a traversal name", name)
		}
	})
}
