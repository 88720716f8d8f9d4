package verification

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a supported document digest.
type Algorithm string

const (
	SHA256     Algorithm = "sha256"
	SHA3256    Algorithm = "sha3-256"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// Digest is a parsed expected hash. Prefixed records whether the caller wrote
// it as "<algorithm>:<hex>" so the computed digest can be rendered the same way.
type Digest struct {
	Algorithm Algorithm
	Hex       string
	Prefixed  bool
}

// ParseDigest splits an expected hash into algorithm and hex. A bare value is
// taken as sha256. The value itself is not checked for shape: a digest that
// cannot equal the computed one is a mismatch, not a bad request.
func ParseDigest(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, fmt.Errorf("%w: expected hash is empty", ErrInvalidRequest)
	}
	d := Digest{Algorithm: SHA256, Hex: s}
	if alg, value, ok := strings.Cut(s, ":"); ok {
		d = Digest{Algorithm: Algorithm(strings.ToLower(alg)), Hex: value, Prefixed: true}
	}
	switch d.Algorithm {
	case SHA256, SHA3256, BLAKE2b256:
	default:
		return Digest{}, fmt.Errorf("%w: unsupported hash algorithm %q", ErrInvalidRequest, d.Algorithm)
	}
	d.Hex = strings.ToLower(strings.TrimSpace(d.Hex))
	if d.Hex == "" {
		return Digest{}, fmt.Errorf("%w: expected hash has no digest", ErrInvalidRequest)
	}
	return d, nil
}

// String renders the digest in the form it was parsed from.
func (d Digest) String() string {
	if d.Prefixed {
		return string(d.Algorithm) + ":" + d.Hex
	}
	return d.Hex
}

// Sum hashes data with alg and returns lowercase hex.
func Sum(alg Algorithm, data []byte) string {
	var sum [32]byte
	switch alg {
	case SHA3256:
		sum = sha3.Sum256(data)
	case BLAKE2b256:
		sum = blake2b.Sum256(data)
	default:
		sum = sha256.Sum256(data)
	}
	return hex.EncodeToString(sum[:])
}

// firstDifference returns the first index at which a and b differ, or -1.
func firstDifference(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	if len(a) != len(b) {
		return n
	}
	return -1
}

var (
	pdfHeader  = []byte("%PDF-")
	pdfTrailer = []byte("%%EOF")
)

// pdfTrailerWindow is how far from the end the trailer marker may sit.
const pdfTrailerWindow = 1024

// looksLikePDF checks the header and trailer markers of a PDF file.
func looksLikePDF(doc []byte) bool {
	if !bytes.HasPrefix(doc, pdfHeader) {
		return false
	}
	tail := doc
	if len(tail) > pdfTrailerWindow {
		tail = tail[len(tail)-pdfTrailerWindow:]
	}
	return bytes.Contains(tail, pdfTrailer)
}
