package identify

import (
	"sort"

	"github.com/Ramsey-B/clover/pkg/faults"
	"github.com/Ramsey-B/clover/pkg/models"
)

// ElectPrimary picks the canonical primary for a cluster: the primary with
// the earliest created_at wins, with ascending id as the tie break so the
// election is deterministic even when rows share a timestamp.
func ElectPrimary(cluster []models.Contact) (*models.Contact, error) {
	primaries := make([]models.Contact, 0, 1)
	for i := range cluster {
		if cluster[i].IsPrimary() {
			primaries = append(primaries, cluster[i])
		}
	}
	if len(primaries) == 0 {
		return nil, faults.Invariant("cluster has no primary contact")
	}

	sort.Slice(primaries, func(i, j int) bool {
		if primaries[i].CreatedAt.Equal(primaries[j].CreatedAt) {
			return primaries[i].ID < primaries[j].ID
		}
		return primaries[i].CreatedAt.Before(primaries[j].CreatedAt)
	})

	return &primaries[0], nil
}
