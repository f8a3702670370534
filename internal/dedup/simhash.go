// Package dedup rejects exact repeats and near-duplicate content before any
// network call is made.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// NormalizeText lowercases, strips punctuation, and collapses whitespace so
// trivially reworded repeats hash identically.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ContentHash returns the deterministic hash of the normalized text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes a 64-bit SimHash over the normalized tokens. Similar
// texts produce fingerprints with small Hamming distance.
func Fingerprint(text string) uint64 {
	tokens := strings.Fields(NormalizeText(text))
	if len(tokens) == 0 {
		return 0
	}

	var v [64]int
	for _, token := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		tokenHash := h.Sum64()
		for i := 0; i < 64; i++ {
			if tokenHash>>uint(i)&1 == 1 {
				v[i]++
			} else {
				v[i]--
			}
		}
	}

	var fp uint64
	for i := 0; i < 64; i++ {
		if v[i] > 0 {
			fp |= 1 << uint(i)
		}
	}
	return fp
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Similarity converts a Hamming distance to a 0..1 score.
func Similarity(a, b uint64) float64 {
	return 1 - float64(HammingDistance(a, b))/64
}
