package atom

import "testing"

func TestRoundTrip(t *testing.T) {
	for _, s := range []string{"", "a", "hello", "with spaces", "\x00bytes"} {
		a := FromString(s)
		if got := a.String(); got != s {
			t.Errorf("String(FromString(%q)) = %q", s, got)
		}
	}
}

func TestStability(t *testing.T) {
	a := FromString("stable")
	b := FromString("stable")
	if a != b {
		t.Fatalf("FromString not stable: %d != %d", a, b)
	}
	if FromString("other") == a {
		t.Fatal("distinct strings interned to the same atom")
	}
}

func TestUnique(t *testing.T) {
	a := Unique("anon")
	b := Unique("anon")
	if a == b {
		t.Fatal("Unique returned the same atom twice")
	}
	if a.String() != "anon" || b.String() != "anon" {
		t.Fatal("Unique lost the diagnostic string")
	}
	if FromString("anon") == a || FromString("anon") == b {
		t.Fatal("FromString returned a unique atom")
	}
}

func TestUnknown(t *testing.T) {
	if got := Atom(1 << 30).String(); got != "" {
		t.Fatalf("unknown atom string = %q, want empty", got)
	}
	if Invalid.Valid() {
		t.Fatal("Invalid.Valid() = true")
	}
}
