package verification

import (
	"errors"
	"testing"
)

func TestSum(t *testing.T) {
	cases := map[Algorithm]string{
		SHA256:     "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		SHA3256:    "3a985da74fe225b2045c172d6bd390bd855f086e3e9d525b46bfe24511431532",
		BLAKE2b256: "bddd813c634239723171ef3fee98579b94964e3bb1cb3e427262c8c068d52319",
	}
	for alg, want := range cases {
		if got := Sum(alg, []byte("abc")); got != want {
			t.Errorf("%s: got %s, want %s", alg, got, want)
		}
	}
}

func TestParseDigest(t *testing.T) {
	hexDigest := "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"

	d, err := ParseDigest(hexDigest)
	if err != nil {
		t.Fatalf("bare hex: %v", err)
	}
	if d.Algorithm != SHA256 || d.Prefixed || d.String() != Sum(SHA256, []byte("abc")) {
		t.Fatalf("unexpected digest %+v", d)
	}

	d, err = ParseDigest("SHA3-256:" + hexDigest)
	if err != nil {
		t.Fatalf("prefixed: %v", err)
	}
	if d.Algorithm != SHA3256 || !d.Prefixed || d.String()[:9] != "sha3-256:" {
		t.Fatalf("unexpected digest %+v", d)
	}

	for _, bad := range []string{"", "   ", "md5:" + hexDigest, "sha256:", "sha256:  "} {
		if _, err := ParseDigest(bad); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("%q: expected ErrInvalidRequest, got %v", bad, err)
		}
	}

	// short or non-hex digests parse and simply never match
	for _, odd := range []string{"deadbeef", "sha256:xyz", "blake2b-256:" + hexDigest + hexDigest} {
		if _, err := ParseDigest(odd); err != nil {
			t.Errorf("%q: expected digest to parse, got %v", odd, err)
		}
	}
}

func TestFirstDifference(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"abcd", "abcd", -1},
		{"abcd", "abXd", 2},
		{"abc", "abcd", 3},
		{"", "a", 0},
	}
	for _, tc := range cases {
		if got := firstDifference(tc.a, tc.b); got != tc.want {
			t.Errorf("firstDifference(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestLooksLikePDF(t *testing.T) {
	padding := make([]byte, 2048)
	cases := []struct {
		name string
		doc  []byte
		want bool
	}{
		{"minimal", []byte("%PDF-1.7\n1 0 obj\n%%EOF\n"), true},
		{"no header", []byte("hello %%EOF"), false},
		{"no trailer", []byte("%PDF-1.7\n1 0 obj\n"), false},
		{"trailer too early", append(append([]byte("%PDF-1.7\n%%EOF\n"), padding...), '\n'), false},
		{"empty", nil, false},
	}
	for _, tc := range cases {
		if got := looksLikePDF(tc.doc); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}
