package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"hash"
	"io"
	"strings"
)

// DigestLength is the length of a hex encoded SHA-256 digest.
const DigestLength = sha256.Size * 2

func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func HashReader(r io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, r); err != nil {
		return "", err
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// NormalizeHash trims and lowercases a hex digest for storage and comparison.
func NormalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}

// ValidHash reports whether h is a hex encoded SHA-256 digest.
func ValidHash(h string) bool {
	if len(h) != DigestLength {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

// CompareHash compares two hex digests case-insensitively in constant time.
func CompareHash(expected, computed string) bool {
	a, b := NormalizeHash(expected), NormalizeHash(computed)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Verifier computes a SHA-256 digest over everything written to it and
// checks it against an expected value. Tee the assembled stream into it so the
// artifact is never read a second time.
type Verifier struct {
	expected string
	h        hash.Hash
	n        int64
}

func NewVerifier(expected string) *Verifier {
	return &Verifier{expected: NormalizeHash(expected), h: sha256.New()}
}

func (v *Verifier) Write(p []byte) (int, error) {
	n, err := v.h.Write(p)
	v.n += int64(n)
	return n, err
}

// Sum returns the hex digest of the bytes written so far.
func (v *Verifier) Sum() string {
	return hex.EncodeToString(v.h.Sum(nil))
}

// Written returns the number of bytes hashed.
func (v *Verifier) Written() int64 {
	return v.n
}

func (v *Verifier) Verify() bool {
	return CompareHash(v.expected, v.Sum())
}
