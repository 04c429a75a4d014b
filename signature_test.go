package dbus

import "testing"

func TestSplitSig(t *testing.T) {
	cases := []struct {
		sig  Signature
		want []string
	}{
		{"", nil},
		{"s", []string{"s"}},
		{"ii", []string{"i", "i"}},
		{"a{sv}s", []string{"a{sv}", "s"}},
		{"(ii)a{su}", []string{"(ii)", "a{su}"}},
		{"a(yv)", []string{"a(yv)"}},
		{"aas", []string{"aas"}},
	}
	for _, c := range cases {
		got, err := SplitSig(c.sig)
		if err != nil {
			t.Fatalf("SplitSig(%q): unexpected error: %v", c.sig, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("SplitSig(%q) = %v, want %v", c.sig, got, c.want)
		}
		for i := range got {
			if string(got[i]) != c.want[i] {
				t.Fatalf("SplitSig(%q)[%d] = %q, want %q", c.sig, i, got[i], c.want[i])
			}
		}
	}
}

func TestSplitSigMalformed(t *testing.T) {
	cases := []Signature{"(ii", "a{sv", "{sv}", "z", "a"}
	for _, sig := range cases {
		if _, err := SplitSig(sig); err == nil {
			t.Errorf("SplitSig(%q): expected error, got nil", sig)
		}
	}
}

func TestSignatureValidate(t *testing.T) {
	if err := Signature("a{sv}").Validate(); err != nil {
		t.Errorf("Validate() on well-formed signature: %v", err)
	}
	if err := Signature("a{s").Validate(); err == nil {
		t.Errorf("Validate() on malformed signature: expected error, got nil")
	}
}

func TestObjectPathValid(t *testing.T) {
	valid := []ObjectPath{"/", "/org/freedesktop/DBus", "/a/b_c/D3"}
	invalid := []ObjectPath{"", "org/foo", "/org//foo", "/org/foo/", "/org/foo-bar"}
	for _, p := range valid {
		if !p.Valid() {
			t.Errorf("Valid() = false for %q, want true", p)
		}
	}
	for _, p := range invalid {
		if p.Valid() {
			t.Errorf("Valid() = true for %q, want false", p)
		}
	}
}

func TestAlignmentOf(t *testing.T) {
	cases := map[byte]int{
		TypeByte: 1, TypeVariant: 1, TypeSignature: 1,
		TypeInt16: 2, TypeUint16: 2,
		TypeBoolean: 4, TypeInt32: 4, TypeUint32: 4, TypeString: 4, TypeObjectPath: 4, TypeArray: 4,
		TypeInt64: 8, TypeUint64: 8, TypeDouble: 8, TypeStructOpen: 8, TypeDictOpen: 8,
	}
	for code, want := range cases {
		if got := alignmentOf(code); got != want {
			t.Errorf("alignmentOf(%q) = %d, want %d", code, got, want)
		}
	}
}
