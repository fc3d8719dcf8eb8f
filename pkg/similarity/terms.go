package similarity

import (
	"sort"
	"strings"
)

// stopWords are excluded from term extraction; they carry no topical signal.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "is": true, "are": true,
	"was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true, "do": true, "does": true,
	"did": true, "will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "must": true, "shall": true,
	"this": true, "that": true, "these": true, "those": true,
	"and": true, "or": true, "but": true, "if": true, "then": true,
	"for": true, "from": true, "with": true, "about": true, "into": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "by": true,
	"it": true, "its": true, "which": true, "who": true, "what": true,
	"when": true, "where": true, "how": true, "why": true,
	"please": true, "can": true, "you": true, "your": true, "me": true,
	"my": true, "i": true, "we": true, "our": true, "us": true,
}

// Tokenize splits text into lowercase alphanumeric tokens. Stopwords are
// kept; SimHash wants the full token stream.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_')
	})
}

// ExtractTerms returns the set of meaningful terms in a text: tokenized,
// stopword-filtered, length >= 3.
func ExtractTerms(text string) map[string]bool {
	terms := make(map[string]bool)
	for _, word := range Tokenize(text) {
		if len(word) >= 3 && !stopWords[word] {
			terms[word] = true
		}
	}
	return terms
}

// TermFrequencies counts meaningful terms across a set of texts. Each text
// contributes a term at most once, so frequency means document frequency.
func TermFrequencies(texts []string) map[string]int {
	freq := make(map[string]int)
	for _, text := range texts {
		for term := range ExtractTerms(text) {
			freq[term]++
		}
	}
	return freq
}

// TopTerms returns the n most frequent meaningful terms across the texts,
// most frequent first, ties broken alphabetically. Family naming builds
// labels from these.
func TopTerms(texts []string, n int) []string {
	freq := TermFrequencies(texts)
	if len(freq) == 0 || n <= 0 {
		return nil
	}

	terms := make([]string, 0, len(freq))
	for term := range freq {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})

	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

// JaccardSimilarity calculates set overlap between two term sets. Returns a
// value between 0 (no overlap) and 1 (identical).
func JaccardSimilarity(set1, set2 map[string]bool) float64 {
	if len(set1) == 0 && len(set2) == 0 {
		return 1.0
	}
	if len(set1) == 0 || len(set2) == 0 {
		return 0.0
	}

	intersection := 0
	for term := range set1 {
		if set2[term] {
			intersection++
		}
	}

	union := len(set1) + len(set2) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}
