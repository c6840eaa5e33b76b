package canonical

import "testing"

func TestBytesNormalizesKeyOrderAndWhitespace(t *testing.T) {
	a, err := Bytes([]byte(`{"b": 2,  "a": 1}`))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	b, err := Bytes([]byte(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("canonical forms differ: %q vs %q", a, b)
	}
}

func TestBytesRejectsInvalidJSON(t *testing.T) {
	if _, err := Bytes([]byte(`{"a":`)); err == nil {
		t.Fatal("expected error for truncated json")
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest("wh_1", `{"a":1}`, "1700000000")
	b := Digest("wh_1", `{"a":1}`, "1700000000")
	if a != b {
		t.Fatalf("digest not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(a))
	}
}

func TestDigestSeparatorMatters(t *testing.T) {
	// "ab"+"c" and "a"+"bc" must not collide.
	if Digest("ab", "c") == Digest("a", "bc") {
		t.Fatal("part boundaries must affect the digest")
	}
}
