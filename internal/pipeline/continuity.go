package pipeline

import (
	"sort"

	"github.com/thebtf/taxon/internal/db"
	"github.com/thebtf/taxon/internal/similarity"
	"github.com/thebtf/taxon/pkg/models"
)

// reuseFamilyIDs carries outgoing family ids forward onto the epoch's new
// families when their centroids match at or above the threshold. Matching is
// greedy, highest similarity first, one-to-one; ties resolve to the lowest
// outgoing family id so an unchanged corpus maps the same way every run.
// Assignments already built against the fresh ids are rewritten in place.
// Returns the set of continued ids.
func reuseFamilyIDs(previous []*models.Family, epoch *db.EpochCommit, threshold float64) map[string]bool {
	if len(previous) == 0 || len(epoch.Families) == 0 {
		return nil
	}

	type match struct {
		sim  float64
		prev int
		next int
	}
	var matches []match
	for i, old := range previous {
		for j, fresh := range epoch.Families {
			sim := similarity.Cosine(old.Centroid, fresh.Centroid)
			if sim >= threshold {
				matches = append(matches, match{sim: sim, prev: i, next: j})
			}
		}
	}
	if len(matches) == 0 {
		return nil
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].sim != matches[b].sim {
			return matches[a].sim > matches[b].sim
		}
		pa, pb := previous[matches[a].prev].FamilyID, previous[matches[b].prev].FamilyID
		if pa != pb {
			return pa < pb
		}
		return matches[a].next < matches[b].next
	})

	takenPrev := make(map[int]bool, len(previous))
	takenNext := make(map[int]bool, len(epoch.Families))
	renames := make(map[string]string)
	continued := make(map[string]bool)

	for _, m := range matches {
		if takenPrev[m.prev] || takenNext[m.next] {
			continue
		}
		takenPrev[m.prev] = true
		takenNext[m.next] = true

		fresh := epoch.Families[m.next]
		renames[fresh.FamilyID] = previous[m.prev].FamilyID
		fresh.FamilyID = previous[m.prev].FamilyID
		continued[fresh.FamilyID] = true
	}

	for _, a := range epoch.Assignments {
		if !a.FamilyID.Valid {
			continue
		}
		if id, ok := renames[a.FamilyID.String]; ok {
			a.FamilyID.String = id
		}
	}
	return continued
}
