// Package naming builds human-readable labels for prompt families from
// their member texts. Labels are derived, not stored identity: family_id
// is the key, a label can change between epochs as membership shifts.
package naming

import (
	"fmt"
	"strings"

	"github.com/thebtf/taxon/pkg/similarity"
)

const (
	// labelTerms caps how many dominant terms make it into a label.
	labelTerms = 3
	// describeTerms is the wider term set used for descriptions.
	describeTerms = 5
	// maxLabelLength keeps labels usable in CLI tables and API listings.
	maxLabelLength = 60
)

// Namer generates unique family labels for one batch epoch. Two families in
// the same registry version never share a label; collisions get a numeric
// suffix in discovery order.
type Namer struct {
	used map[string]struct{}
}

// NewNamer creates an empty namer. The batch pipeline uses one per epoch.
func NewNamer() *Namer {
	return &Namer{used: make(map[string]struct{})}
}

// Name labels a family from the dominant terms of its member texts. Members
// that yield no usable terms fall back to family-<ordinal>.
func (n *Namer) Name(texts []string, ordinal int) string {
	label := Label(texts)
	if label == "" {
		label = fmt.Sprintf("family-%d", ordinal)
	}
	return n.dedupe(label)
}

func (n *Namer) dedupe(label string) string {
	if _, taken := n.used[label]; !taken {
		n.used[label] = struct{}{}
		return label
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", label, i)
		if _, taken := n.used[candidate]; !taken {
			n.used[candidate] = struct{}{}
			return candidate
		}
	}
}

// Label joins the top document-frequency terms of the texts into a
// hyphenated label, empty when no term survives the stopword filter.
// Incremental classification names single-member families with this
// directly; uniqueness there comes from the family id, not the label.
func Label(texts []string) string {
	terms := similarity.TopTerms(texts, labelTerms)
	if len(terms) == 0 {
		return ""
	}
	label := strings.Join(terms, "-")
	if len(label) > maxLabelLength {
		label = strings.TrimRight(label[:maxLabelLength], "-")
	}
	return label
}

// Describe summarizes a family for human review of flagged assignments.
func Describe(texts []string, memberCount int) string {
	terms := similarity.TopTerms(texts, describeTerms)
	if len(terms) == 0 {
		return fmt.Sprintf("%d prompts with no dominant terms", memberCount)
	}
	return fmt.Sprintf("%d prompts about %s", memberCount, strings.Join(terms, ", "))
}
