// Package similarity provides text normalization, fingerprinting and term
// utilities shared by ingest and family naming.
package similarity

import (
	"encoding/hex"
	"math/bits"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Normalize produces the canonical form of a prompt: lowercased with all
// whitespace runs collapsed to single spaces. Embedding, dedup hashing and
// simhashing all run over this form.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// DedupHash digests normalized text for exact-duplicate detection. The
// caller passes text through Normalize first.
func DedupHash(normalized string) string {
	sum := blake2b.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// SimHash computes a 64-bit similarity-preserving fingerprint over the
// text's tokens. Near-duplicate texts land within a few bits of each other.
func SimHash(text string) uint64 {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return 0
	}

	var weights [64]int
	for _, token := range tokens {
		h := hashTerm(token)
		for bit := 0; bit < 64; bit++ {
			if h&(1<<uint(bit)) != 0 {
				weights[bit]++
			} else {
				weights[bit]--
			}
		}
	}

	var hash uint64
	for bit := 0; bit < 64; bit++ {
		if weights[bit] > 0 {
			hash |= 1 << uint(bit)
		}
	}
	return hash
}

// HammingDistance counts differing bits between two simhashes.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// IsNearDuplicate reports whether two simhashes sit within maxDistance bits.
// Distance 3 on 64-bit hashes is the usual near-duplicate cutoff.
func IsNearDuplicate(a, b uint64, maxDistance int) bool {
	return HammingDistance(a, b) <= maxDistance
}

// hashTerm is FNV-1a over the term bytes. Inlined to keep SimHash free of
// per-token allocations.
func hashTerm(term string) uint64 {
	h := uint64(14695981039346656037)
	for i := 0; i < len(term); i++ {
		h ^= uint64(term[i])
		h *= 1099511628211
	}
	return h
}
