package identify

import (
	"sort"

	"github.com/Ramsey-B/clover/pkg/faults"
	"github.com/Ramsey-B/clover/pkg/models"
)

// Consolidate flattens a cluster into its external view. The primary's email
// and phone number lead their lists, followed by secondary values in
// ascending id order with order-preserving de-duplication; secondary ids are
// sorted ascending and never include the primary id. A cluster without
// exactly one primary is corrupted state and faults.
func Consolidate(cluster []models.Contact) (*models.ConsolidatedContact, error) {
	var primary *models.Contact
	primaryCount := 0
	for i := range cluster {
		if cluster[i].IsPrimary() {
			primary = &cluster[i]
			primaryCount++
		}
	}
	if primaryCount == 0 {
		return nil, faults.Invariant("cluster has no primary contact")
	}
	if primaryCount > 1 {
		return nil, faults.Invariantf("cluster has %d primary contacts", primaryCount)
	}

	secondaries := make([]models.Contact, 0, len(cluster)-1)
	for i := range cluster {
		if !cluster[i].IsPrimary() {
			secondaries = append(secondaries, cluster[i])
		}
	}
	sort.Slice(secondaries, func(i, j int) bool {
		return secondaries[i].ID < secondaries[j].ID
	})

	emails := []string{}
	phoneNumbers := []string{}
	seenEmails := map[string]bool{}
	seenPhones := map[string]bool{}

	appendEmail := func(value *string) {
		if value == nil || *value == "" || seenEmails[*value] {
			return
		}
		seenEmails[*value] = true
		emails = append(emails, *value)
	}
	appendPhone := func(value *string) {
		if value == nil || *value == "" || seenPhones[*value] {
			return
		}
		seenPhones[*value] = true
		phoneNumbers = append(phoneNumbers, *value)
	}

	appendEmail(primary.Email)
	appendPhone(primary.PhoneNumber)

	secondaryIDs := []int64{}
	for i := range secondaries {
		appendEmail(secondaries[i].Email)
		appendPhone(secondaries[i].PhoneNumber)
		secondaryIDs = append(secondaryIDs, secondaries[i].ID)
	}

	return &models.ConsolidatedContact{
		PrimaryContactID:    primary.ID,
		Emails:              emails,
		PhoneNumbers:        phoneNumbers,
		SecondaryContactIDs: secondaryIDs,
	}, nil
}
