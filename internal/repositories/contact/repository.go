package contact

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/faults"
	"github.com/Ramsey-B/clover/pkg/metrics"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

// Repository handles contact persistence. Every query runs against the
// transaction carried by ctx when one is open, falling back to the pooled
// connection otherwise, so engine-driven calls stay inside the unit of work.
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new contact repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// DB exposes the underlying database handle for transactional operations.
func (r *Repository) DB() database.DB {
	return r.db
}

// AcquireIdentifierLocks serializes concurrent identify calls that share an
// identifier. Locks are transaction scoped advisory locks taken in a fixed
// order (email before phone) so two calls with overlapping identifiers cannot
// both observe "no match" and create duplicate primaries.
func (r *Repository) AcquireIdentifierLocks(ctx context.Context, email, phoneNumber *string) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.AcquireIdentifierLocks")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.AcquireIdentifierLocks", time.Since(start)) }()

	runner := database.RunnerFromContext(ctx, r.db)

	if email != nil && *email != "" {
		if _, err := runner.ExecContext(ctx, "SELECT pg_advisory_xact_lock(1, hashtext($1))", *email); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to acquire email advisory lock")
			return faults.Store("failed to lock email identifier", err)
		}
	}
	if phoneNumber != nil && *phoneNumber != "" {
		if _, err := runner.ExecContext(ctx, "SELECT pg_advisory_xact_lock(2, hashtext($1))", *phoneNumber); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("Failed to acquire phone advisory lock")
			return faults.Store("failed to lock phone identifier", err)
		}
	}

	return nil
}

// FindByIdentifiers returns every non-deleted contact whose email or phone
// number exactly equals one of the given values, oldest first. Matched rows
// are locked for the remainder of the transaction. Both identifiers absent
// yields an empty result without touching the store.
func (r *Repository) FindByIdentifiers(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindByIdentifiers")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.FindByIdentifiers", time.Since(start)) }()

	conds := []string{}
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	if email != nil && *email != "" {
		conds = append(conds, sb.Equal("email", *email))
	}
	if phoneNumber != nil && *phoneNumber != "" {
		conds = append(conds, sb.Equal("phone_number", *phoneNumber))
	}
	if len(conds) == 0 {
		return nil, nil
	}

	sb.Select("id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at")
	sb.From("contacts")
	sb.Where(
		sb.Or(conds...),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	query += " FOR UPDATE"

	runner := database.RunnerFromContext(ctx, r.db)
	var contacts []models.Contact
	if err := runner.SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find contacts by identifiers")
		return nil, faults.Store("failed to find contacts by identifiers", err)
	}

	return contacts, nil
}

// GetCluster returns every non-deleted contact whose id is in primaryIDs or
// whose linked_id is in primaryIDs, oldest first, locked for the remainder of
// the transaction. Because secondaries always point directly at a primary a
// single query yields the complete cluster.
func (r *Repository) GetCluster(ctx context.Context, primaryIDs []int64) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetCluster")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.GetCluster", time.Since(start)) }()

	return r.fetchCluster(ctx, primaryIDs, true)
}

// GetClusterView returns the same rows as GetCluster without locking them,
// for read-only consolidated views outside the identify transaction.
func (r *Repository) GetClusterView(ctx context.Context, primaryIDs []int64) ([]models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetClusterView")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.GetClusterView", time.Since(start)) }()

	return r.fetchCluster(ctx, primaryIDs, false)
}

func (r *Repository) fetchCluster(ctx context.Context, primaryIDs []int64, forUpdate bool) ([]models.Contact, error) {
	if len(primaryIDs) == 0 {
		return nil, nil
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at")
	sb.From("contacts")
	sb.Where(
		sb.Or(
			sb.In("id", sqlbuilder.Flatten(primaryIDs)...),
			sb.In("linked_id", sqlbuilder.Flatten(primaryIDs)...),
		),
		sb.IsNull("deleted_at"),
	)
	sb.OrderBy("created_at ASC", "id ASC")

	query, args := sb.Build()
	if forUpdate {
		query += " FOR UPDATE"
	}

	runner := database.RunnerFromContext(ctx, r.db)
	var contacts []models.Contact
	if err := runner.SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"primary_ids": primaryIDs}).Error("Failed to get contact cluster")
		return nil, faults.Store("failed to get contact cluster", err)
	}

	return contacts, nil
}

// GetByID retrieves a non-deleted contact by id. Returns nil when no such
// contact exists.
func (r *Repository) GetByID(ctx context.Context, id int64) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.GetByID")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.GetByID", time.Since(start)) }()

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at")
	sb.From("contacts")
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	runner := database.RunnerFromContext(ctx, r.db)
	var contact models.Contact
	if err := runner.GetContext(ctx, &contact, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to get contact")
		return nil, faults.Store("failed to get contact", err)
	}

	return &contact, nil
}

// FindExact returns the oldest non-deleted contact matching the request
// exactly: when both identifiers are given both must match the same row, when
// only one is given that field alone is compared. Returns nil when no row
// matches.
func (r *Repository) FindExact(ctx context.Context, email, phoneNumber *string) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.FindExact")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.FindExact", time.Since(start)) }()

	conds := []string{}
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	if email != nil && *email != "" {
		conds = append(conds, sb.Equal("email", *email))
	}
	if phoneNumber != nil && *phoneNumber != "" {
		conds = append(conds, sb.Equal("phone_number", *phoneNumber))
	}
	if len(conds) == 0 {
		return nil, nil
	}

	sb.Select("id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at")
	sb.From("contacts")
	conds = append(conds, sb.IsNull("deleted_at"))
	sb.Where(conds...)
	sb.OrderBy("created_at ASC", "id ASC")
	sb.Limit(1)

	query, args := sb.Build()
	runner := database.RunnerFromContext(ctx, r.db)
	var contact models.Contact
	if err := runner.GetContext(ctx, &contact, query, args...); err != nil {
		if err.Error() == "sql: no rows in result set" {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("Failed to find exact contact")
		return nil, faults.Store("failed to find exact contact", err)
	}

	return &contact, nil
}

// Create inserts a new contact and fills in its generated id and timestamps.
func (r *Repository) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Create")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.Create", time.Since(start)) }()

	contact.CreatedAt = time.Now().UTC()
	contact.UpdatedAt = contact.CreatedAt

	sb := sqlbuilder.PostgreSQL.NewInsertBuilder()
	sb.InsertInto("contacts")
	sb.Cols("email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at")
	sb.Values(contact.Email, contact.PhoneNumber, contact.LinkedID, contact.LinkPrecedence, contact.CreatedAt, contact.UpdatedAt)

	query, args := sb.Build()
	query += " RETURNING id"

	runner := database.RunnerFromContext(ctx, r.db)
	if err := runner.GetContext(ctx, &contact.ID, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to create contact")
		return nil, faults.Store("failed to create contact", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": contact.ID, "link_precedence": contact.LinkPrecedence}).Info("Created contact")
	return contact, nil
}

// Reparent points every non-deleted contact linked to fromPrimaryID at
// toPrimaryID and returns the number of rows moved. Runs before the demotion
// of fromPrimaryID so no write ever leaves a secondary pointing at another
// secondary.
func (r *Repository) Reparent(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Reparent")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.Reparent", time.Since(start)) }()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(
		sb.Assign("linked_id", toPrimaryID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("linked_id", fromPrimaryID),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	runner := database.RunnerFromContext(ctx, r.db)
	result, err := runner.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"from": fromPrimaryID, "to": toPrimaryID}).Error("Failed to reparent contacts")
		return 0, faults.Store("failed to reparent contacts", err)
	}

	rows, _ := result.RowsAffected()
	return rows, nil
}

// Demote flips a primary contact to secondary precedence and links it to the
// canonical primary.
func (r *Repository) Demote(ctx context.Context, id, canonicalPrimaryID int64) error {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.Demote")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.Demote", time.Since(start)) }()

	now := time.Now().UTC()
	sb := sqlbuilder.PostgreSQL.NewUpdateBuilder()
	sb.Update("contacts")
	sb.Set(
		sb.Assign("link_precedence", models.LinkPrecedenceSecondary),
		sb.Assign("linked_id", canonicalPrimaryID),
		sb.Assign("updated_at", now),
	)
	sb.Where(
		sb.Equal("id", id),
		sb.IsNull("deleted_at"),
	)

	query, args := sb.Build()
	runner := database.RunnerFromContext(ctx, r.db)
	result, err := runner.ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"id": id, "canonical_primary_id": canonicalPrimaryID}).Error("Failed to demote contact")
		return faults.Store("failed to demote contact", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return faults.Store("demote affected no rows", nil)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{"id": id, "canonical_primary_id": canonicalPrimaryID}).Info("Demoted contact to secondary")
	return nil
}

// List returns a page of non-deleted contacts, optionally filtered by exact
// email or phone number, along with the total count for the filter.
func (r *Repository) List(ctx context.Context, email, phoneNumber *string, page, pageSize int) ([]models.Contact, int, error) {
	ctx, span := tracing.StartSpan(ctx, "contact.Repository.List")
	defer span.End()

	start := time.Now()
	defer func() { metrics.ObserveQueryDuration("contact.List", time.Since(start)) }()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}

	countBuilder := sqlbuilder.PostgreSQL.NewSelectBuilder()
	countBuilder.Select("COUNT(*)")
	countBuilder.From("contacts")
	countConds := []string{countBuilder.IsNull("deleted_at")}
	if email != nil && *email != "" {
		countConds = append(countConds, countBuilder.Equal("email", *email))
	}
	if phoneNumber != nil && *phoneNumber != "" {
		countConds = append(countConds, countBuilder.Equal("phone_number", *phoneNumber))
	}
	countBuilder.Where(countConds...)

	runner := database.RunnerFromContext(ctx, r.db)

	query, args := countBuilder.Build()
	var total int
	if err := runner.GetContext(ctx, &total, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count contacts")
		return nil, 0, faults.Store("failed to count contacts", err)
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("id", "email", "phone_number", "linked_id", "link_precedence", "created_at", "updated_at", "deleted_at")
	sb.From("contacts")
	conds := []string{sb.IsNull("deleted_at")}
	if email != nil && *email != "" {
		conds = append(conds, sb.Equal("email", *email))
	}
	if phoneNumber != nil && *phoneNumber != "" {
		conds = append(conds, sb.Equal("phone_number", *phoneNumber))
	}
	sb.Where(conds...)
	sb.OrderBy("created_at ASC", "id ASC")
	sb.Limit(pageSize)
	sb.Offset((page - 1) * pageSize)

	query, args = sb.Build()
	var contacts []models.Contact
	if err := runner.SelectContext(ctx, &contacts, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list contacts")
		return nil, 0, faults.Store("failed to list contacts", err)
	}

	return contacts, total, nil
}
