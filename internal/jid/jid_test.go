package jid

import "testing"

func TestParseValid(t *testing.T) {
	for _, tc := range []struct {
		in, local, domain, resource string
	}{
		{"example.net", "", "example.net", ""},
		{"example.net/rp", "", "example.net", "rp"},
		{"alice@example.net", "alice", "example.net", ""},
		{"alice@example.net/phone", "alice", "example.net", "phone"},
		{"alice@example.net/rp@rp", "alice", "example.net", "rp@rp"},
		{"[::1]", "", "[::1]", ""},
	} {
		a, err := Parse(tc.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tc.in, err)
		}
		if a.Local() != tc.local || a.Domain() != tc.domain || a.Resource() != tc.resource {
			t.Errorf("Parse(%q) = %q/%q/%q, want %q/%q/%q",
				tc.in, a.Local(), a.Domain(), a.Resource(), tc.local, tc.domain, tc.resource)
		}
	}
}

func TestParseInvalid(t *testing.T) {
	for _, in := range []string{
		"@example.net",
		"alice@example.net/",
		"alice@",
	} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error, got nil", in)
		}
	}
}

func TestBareFoldsCase(t *testing.T) {
	a := MustParse("Alice@Example.COM/phone")
	b := MustParse("alice@example.com/tablet")
	if !SameBare(a, b) {
		t.Fatalf("expected %v and %v to share a bare address", a, b)
	}
	if a.Equal(b) {
		t.Fatalf("full addresses with different resources should not be Equal")
	}
}

func TestBareStripsResource(t *testing.T) {
	a := MustParse("alice@example.com/phone")
	bare := a.Bare()
	if !bare.IsBare() {
		t.Fatalf("Bare() did not strip the resource")
	}
	if bare.Local() != "alice" || bare.Domain() != "example.com" {
		t.Fatalf("Bare() changed local/domain: %v", bare)
	}
}

func TestWithResource(t *testing.T) {
	bare := MustParse("alice@example.com")
	full := bare.WithResource("phone")
	if full.String() != "alice@example.com/phone" {
		t.Fatalf("WithResource: got %q", full.String())
	}
}
