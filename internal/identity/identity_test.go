package identity

import (
	"strings"
	"testing"
)

func TestCanonicalBytesDeterministicMapOrder(t *testing.T) {
	a := map[string]Value{"zeta": "z", "alpha": int64(1), "mid": true}
	b := map[string]Value{"mid": true, "alpha": int64(1), "zeta": "z"}

	ba, err := CanonicalBytes(a)
	if err != nil {
		t.Fatalf("CanonicalBytes(a): %v", err)
	}
	bb, err := CanonicalBytes(b)
	if err != nil {
		t.Fatalf("CanonicalBytes(b): %v", err)
	}
	if string(ba) != string(bb) {
		t.Fatalf("map key order leaked into canonical bytes:\n%s\n%s", ba, bb)
	}
}

func TestCanonicalBytesPrefixFree(t *testing.T) {
	// "ab"+"c" must not collide with "a"+"bc".
	one, err := CanonicalBytes([]Value{"ab", "c"})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	two, err := CanonicalBytes([]Value{"a", "bc"})
	if err != nil {
		t.Fatalf("CanonicalBytes: %v", err)
	}
	if string(one) == string(two) {
		t.Fatalf("resegmentation collision: %q", one)
	}
}

func TestCanonicalBytesRejectsFloats(t *testing.T) {
	cases := []struct {
		name string
		v    Value
	}{
		{name: "float64", v: 1.5},
		{name: "nested_float", v: map[string]Value{"x": 2.0}},
		{name: "nil", v: nil},
		{name: "struct", v: struct{}{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := CanonicalBytes(tc.v); err == nil {
				t.Fatalf("CanonicalBytes(%#v) accepted non-identity material", tc.v)
			}
		})
	}
}

func TestDigestStability(t *testing.T) {
	v := map[string]Value{
		"context_id": "ctx-1",
		"parts":      []Value{"a", "b"},
		"arity":      int64(2),
	}
	d1, err := Digest(v)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, err := Digest(v)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if d1 != d2 {
		t.Fatalf("digest not stable: %s vs %s", d1, d2)
	}
	if !strings.HasPrefix(d1, DigestPrefix) {
		t.Fatalf("digest missing prefix: %s", d1)
	}
	if !IsDigest(d1) {
		t.Fatalf("IsDigest(%s) = false", d1)
	}
}

func TestIsDigestRejectsJunk(t *testing.T) {
	for _, s := range []string{"", "dg1:", "dg1:zz", "sha256:abcd", "dg1:" + strings.Repeat("g", 64)} {
		if IsDigest(s) {
			t.Fatalf("IsDigest(%q) = true", s)
		}
	}
}

func TestModeValidateAndEqual(t *testing.T) {
	m := Mode{NormalizerID: "norm-1", PolicyDigest: "dg1:abc"}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := (Mode{NormalizerID: "norm-1"}).Validate(); err == nil {
		t.Fatal("Validate accepted missing policyDigest")
	}
	if !m.Equal(m) {
		t.Fatal("Equal(self) = false")
	}
	if m.Equal(Mode{NormalizerID: "norm-1", PolicyDigest: "dg1:def"}) {
		t.Fatal("Equal across policy digests = true")
	}
}

func TestPolicyDigestSensitivity(t *testing.T) {
	base := PolicyParams{
		NormalizerID:    "norm-1",
		OverlapLevel:    "pairwise",
		EquivalenceMode: "canonical",
	}
	d1, err := PolicyDigest(base)
	if err != nil {
		t.Fatalf("PolicyDigest: %v", err)
	}

	higher := base
	higher.OverlapLevel = "higher_cech"
	d2, err := PolicyDigest(higher)
	if err != nil {
		t.Fatalf("PolicyDigest: %v", err)
	}
	if d1 == d2 {
		t.Fatal("overlap level not bound into policy digest")
	}
}
