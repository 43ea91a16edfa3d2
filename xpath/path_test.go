package xpath_test

import (
	"testing"

	"github.com/benediktbwimmer/apphub-sub006/cmn"
	"github.com/benediktbwimmer/apphub-sub006/xpath"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "already clean", in: "a/b/c", want: "a/b/c"},
		{name: "leading and trailing slashes", in: "/a//b/c/", want: "a/b/c"},
		{name: "backslashes", in: `a\b\c`, want: "a/b/c"},
		{name: "whitespace", in: "  a/b  ", want: "a/b"},
		{name: "dot segments collapse", in: "a/./b", want: "a/b"},
		{name: "empty", in: "", wantErr: true},
		{name: "only slashes", in: "///", wantErr: true},
		{name: "dotdot segment", in: "a/../b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := xpath.Normalize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got none (result %q)", got)
				}
				if cmn.KindOf(err) != cmn.ErrInvalidPath {
					t.Fatalf("expected ErrInvalidPath, got %v", cmn.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	a, err := xpath.Normalize("/a//b/c/")
	if err != nil {
		t.Fatal(err)
	}
	b, err := xpath.Normalize("a/b/c")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatalf("normalize mismatch: %q != %q", a, b)
	}
}

func TestDepthNameParent(t *testing.T) {
	p := "a/b/c"
	if d := xpath.Depth(p); d != 3 {
		t.Fatalf("Depth(%q) = %d, want 3", p, d)
	}
	if n := xpath.Name(p); n != "c" {
		t.Fatalf("Name(%q) = %q, want c", p, n)
	}
	parent, ok := xpath.Parent(p)
	if !ok || parent != "a/b" {
		t.Fatalf("Parent(%q) = (%q, %v), want (a/b, true)", p, parent, ok)
	}
	if _, ok := xpath.Parent("root"); ok {
		t.Fatalf("Parent(root) should have no parent")
	}
}

func TestAncestors(t *testing.T) {
	got := xpath.Ancestors("a/b/c")
	want := []string{"a", "a/b"}
	if len(got) != len(want) {
		t.Fatalf("Ancestors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Ancestors[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestHasPrefix(t *testing.T) {
	if !xpath.HasPrefix("a/b/c", "a/b") {
		t.Fatal("expected a/b/c to have prefix a/b")
	}
	if xpath.HasPrefix("a/bc", "a/b") {
		t.Fatal("a/bc must not match segment prefix a/b")
	}
	if !xpath.HasPrefix("a/b", "a/b") {
		t.Fatal("a path is its own prefix")
	}
}
