// Package identify implements contact identity resolution: matching,
// cluster merging, and the consolidated view returned to callers.
package identify

import (
	"context"
	"database/sql"
	"sort"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/faults"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// ContactStore is the persistence capability the engine needs. Store methods
// must honor the transaction carried by ctx so the whole resolution runs as
// one unit of work.
type ContactStore interface {
	DB() database.DB
	AcquireIdentifierLocks(ctx context.Context, email, phoneNumber *string) error
	FindByIdentifiers(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error)
	GetCluster(ctx context.Context, primaryIDs []int64) ([]models.Contact, error)
	FindExact(ctx context.Context, email, phoneNumber *string) (*models.Contact, error)
	Create(ctx context.Context, contact *models.Contact) (*models.Contact, error)
	Reparent(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error)
	Demote(ctx context.Context, id, canonicalPrimaryID int64) error
}

// Outcome is the headline of what a resolution did, used for metrics and
// event emission. A merge that also inserts a bridging secondary reports
// OutcomeMerged.
type Outcome string

const (
	OutcomeCreatedPrimary   Outcome = "created_primary"
	OutcomeCreatedSecondary Outcome = "created_secondary"
	OutcomeMerged           Outcome = "merged"
	OutcomeNoop             Outcome = "noop"
)

// Result carries the consolidated view plus the facts downstream consumers
// need: the inserted row if any, the primaries demoted by a merge, and the
// final cluster size.
type Result struct {
	Contact           models.ConsolidatedContact
	Outcome           Outcome
	NewContact        *models.Contact
	DemotedPrimaryIDs []int64
	ClusterSize       int
}

// Engine orchestrates one identify call end to end inside a single
// transaction: match, resolve the cluster, elect the canonical primary,
// demote the rest, create a row when the exact input is new, and format the
// consolidated view. No write is observable until commit.
type Engine struct {
	store  ContactStore
	logger ectologger.Logger
}

// NewEngine creates a new identity resolution engine
func NewEngine(store ContactStore, logger ectologger.Logger) *Engine {
	return &Engine{
		store:  store,
		logger: logger,
	}
}

// Identify resolves the given identifiers to a consolidated contact,
// creating and merging rows as needed. At least one identifier must be
// non-empty; the caller is expected to have trimmed and format-validated
// both.
func (e *Engine) Identify(ctx context.Context, email, phoneNumber *string) (*Result, error) {
	ctx, span := tracing.StartSpan(ctx, "identify.Engine.Identify")
	defer span.End()

	if !hasValue(email) && !hasValue(phoneNumber) {
		return nil, faults.Validation("at least one of email or phoneNumber is required")
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"has_email": hasValue(email),
		"has_phone": hasValue(phoneNumber),
	})

	ctxTx, tx, err := e.store.DB().GetTx(ctx, &sql.TxOptions{})
	if err != nil {
		return nil, faults.Store("failed to begin transaction", err)
	}
	// Rollback receives the pre-transaction context so it really fires on
	// every non-commit exit path, including caller cancellation. Commit marks
	// the transaction resolved first, making this a no-op on success.
	defer tx.Rollback(ctx)

	result, err := e.resolve(ctxTx, log, email, phoneNumber)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctxTx); err != nil {
		return nil, faults.Store("failed to commit transaction", err)
	}

	log.WithFields(map[string]any{
		"outcome":      string(result.Outcome),
		"primary_id":   result.Contact.PrimaryContactID,
		"cluster_size": result.ClusterSize,
	}).Info("Resolved identity")

	return result, nil
}

// resolve runs the resolution state machine against the transactional
// context.
func (e *Engine) resolve(ctx context.Context, log ectologger.Logger, email, phoneNumber *string) (*Result, error) {
	if err := e.store.AcquireIdentifierLocks(ctx, email, phoneNumber); err != nil {
		return nil, err
	}

	matches, err := e.store.FindByIdentifiers(ctx, email, phoneNumber)
	if err != nil {
		return nil, err
	}

	// No direct match: the input is a brand new identity.
	if len(matches) == 0 {
		created, err := e.store.Create(ctx, &models.Contact{
			Email:          email,
			PhoneNumber:    phoneNumber,
			LinkPrecedence: models.LinkPrecedencePrimary,
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(map[string]any{"contact_id": created.ID}).Info("Created new primary contact")

		view, err := Consolidate([]models.Contact{*created})
		if err != nil {
			return nil, err
		}
		return &Result{
			Contact:     *view,
			Outcome:     OutcomeCreatedPrimary,
			NewContact:  created,
			ClusterSize: 1,
		}, nil
	}

	cluster, err := e.store.GetCluster(ctx, primaryIDSet(matches))
	if err != nil {
		return nil, err
	}

	canonical, err := ElectPrimary(cluster)
	if err != nil {
		return nil, err
	}

	demoted, err := e.mergeInto(ctx, log, cluster, canonical)
	if err != nil {
		return nil, err
	}

	exact, err := e.store.FindExact(ctx, email, phoneNumber)
	if err != nil {
		return nil, err
	}

	var newContact *models.Contact
	if exact == nil {
		newContact, err = e.store.Create(ctx, &models.Contact{
			Email:          email,
			PhoneNumber:    phoneNumber,
			LinkedID:       &canonical.ID,
			LinkPrecedence: models.LinkPrecedenceSecondary,
		})
		if err != nil {
			return nil, err
		}
		log.WithFields(map[string]any{"contact_id": newContact.ID, "primary_id": canonical.ID}).Info("Created new secondary contact")
	}

	final, err := e.store.GetCluster(ctx, []int64{canonical.ID})
	if err != nil {
		return nil, err
	}

	view, err := Consolidate(final)
	if err != nil {
		return nil, err
	}

	outcome := OutcomeNoop
	switch {
	case len(demoted) > 0:
		outcome = OutcomeMerged
	case newContact != nil:
		outcome = OutcomeCreatedSecondary
	}

	return &Result{
		Contact:           *view,
		Outcome:           outcome,
		NewContact:        newContact,
		DemotedPrimaryIDs: demoted,
		ClusterSize:       len(final),
	}, nil
}

// mergeInto absorbs every non-canonical primary in the cluster into the
// canonical one. Re-parenting a demoted primary's secondaries strictly
// precedes its own demotion so no write ever leaves a secondary pointing at
// another secondary.
func (e *Engine) mergeInto(ctx context.Context, log ectologger.Logger, cluster []models.Contact, canonical *models.Contact) ([]int64, error) {
	demoted := []int64{}
	for i := range cluster {
		if !cluster[i].IsPrimary() || cluster[i].ID == canonical.ID {
			continue
		}

		moved, err := e.store.Reparent(ctx, cluster[i].ID, canonical.ID)
		if err != nil {
			return nil, err
		}
		if err := e.store.Demote(ctx, cluster[i].ID, canonical.ID); err != nil {
			return nil, err
		}

		demoted = append(demoted, cluster[i].ID)
		log.WithFields(map[string]any{
			"demoted_id":  cluster[i].ID,
			"primary_id":  canonical.ID,
			"moved_count": moved,
		}).Info("Merged cluster into canonical primary")
	}
	return demoted, nil
}

// primaryIDSet derives the distinct primary ids referenced by the seed
// matches: a primary contributes its own id, a secondary contributes its
// linked_id. Ids are returned ascending for deterministic queries.
func primaryIDSet(matches []models.Contact) []int64 {
	seen := map[int64]bool{}
	ids := []int64{}
	for i := range matches {
		id := matches[i].ID
		if !matches[i].IsPrimary() && matches[i].LinkedID != nil {
			id = *matches[i].LinkedID
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func hasValue(s *string) bool {
	return s != nil && *s != ""
}
