package contact_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/clover/internal/repositories/contact"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	// Use environment variables or defaults for test DB
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "clover"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

// uniqueEmail and uniquePhone keep runs isolated from each other so the suite
// can run repeatedly against the same database.
func uniqueEmail() string {
	return fmt.Sprintf("%s@repo.test", uuid.New().String())
}

func uniquePhone() string {
	return fmt.Sprintf("%d", uuid.New().ID())
}

func strPtr(s string) *string { return &s }

func TestContactRepository_CreateAndFind(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := contact.NewRepository(db, getTestLogger())

	email := uniqueEmail()
	phone := uniquePhone()

	ctxTx, tx, err := db.GetTx(context.Background(), &sql.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback(context.Background())

	err = repo.AcquireIdentifierLocks(ctxTx, &email, &phone)
	require.NoError(t, err)

	// Nothing matches yet
	matches, err := repo.FindByIdentifiers(ctxTx, &email, &phone)
	require.NoError(t, err)
	assert.Empty(t, matches)

	created, err := repo.Create(ctxTx, &models.Contact{
		Email:          &email,
		PhoneNumber:    &phone,
		LinkPrecedence: models.LinkPrecedencePrimary,
	})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)
	assert.False(t, created.CreatedAt.IsZero())

	// Matches on either identifier
	matches, err = repo.FindByIdentifiers(ctxTx, &email, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, created.ID, matches[0].ID)

	matches, err = repo.FindByIdentifiers(ctxTx, nil, &phone)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	// Exact match requires every given field to hit the same row
	exact, err := repo.FindExact(ctxTx, &email, &phone)
	require.NoError(t, err)
	require.NotNil(t, exact)
	assert.Equal(t, created.ID, exact.ID)

	otherPhone := uniquePhone()
	exact, err = repo.FindExact(ctxTx, &email, &otherPhone)
	require.NoError(t, err)
	assert.Nil(t, exact)

	require.NoError(t, tx.Commit(ctxTx))

	fetched, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, email, *fetched.Email)
	assert.True(t, fetched.IsPrimary())

	missing, err := repo.GetByID(context.Background(), -1)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestContactRepository_ClusterLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := contact.NewRepository(db, getTestLogger())
	ctx := context.Background()

	emailA := uniqueEmail()
	phoneA := uniquePhone()
	emailC := uniqueEmail()

	primaryA, err := repo.Create(ctx, &models.Contact{
		Email:          &emailA,
		PhoneNumber:    &phoneA,
		LinkPrecedence: models.LinkPrecedencePrimary,
	})
	require.NoError(t, err)

	secondaryB, err := repo.Create(ctx, &models.Contact{
		Email:          strPtr(uniqueEmail()),
		PhoneNumber:    &phoneA,
		LinkedID:       &primaryA.ID,
		LinkPrecedence: models.LinkPrecedenceSecondary,
	})
	require.NoError(t, err)

	primaryC, err := repo.Create(ctx, &models.Contact{
		Email:          &emailC,
		LinkPrecedence: models.LinkPrecedencePrimary,
	})
	require.NoError(t, err)

	ctxTx, tx, err := db.GetTx(ctx, &sql.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback(ctx)

	cluster, err := repo.GetCluster(ctxTx, []int64{primaryA.ID})
	require.NoError(t, err)
	require.Len(t, cluster, 2)
	assert.Equal(t, primaryA.ID, cluster[0].ID)
	assert.Equal(t, secondaryB.ID, cluster[1].ID)

	// C has no secondaries yet, so reparenting moves nothing
	moved, err := repo.Reparent(ctxTx, primaryC.ID, primaryA.ID)
	require.NoError(t, err)
	assert.Zero(t, moved)

	err = repo.Demote(ctxTx, primaryC.ID, primaryA.ID)
	require.NoError(t, err)

	cluster, err = repo.GetCluster(ctxTx, []int64{primaryA.ID})
	require.NoError(t, err)
	require.Len(t, cluster, 3)

	primaries := 0
	for _, member := range cluster {
		if member.IsPrimary() {
			primaries++
		}
	}
	assert.Equal(t, 1, primaries)

	require.NoError(t, tx.Commit(ctx))

	// The unlocked view sees the same rows outside the transaction
	view, err := repo.GetClusterView(ctx, []int64{primaryA.ID})
	require.NoError(t, err)
	assert.Len(t, view, 3)

	demoted, err := repo.GetByID(ctx, primaryC.ID)
	require.NoError(t, err)
	require.NotNil(t, demoted)
	assert.False(t, demoted.IsPrimary())
	require.NotNil(t, demoted.LinkedID)
	assert.Equal(t, primaryA.ID, *demoted.LinkedID)

	items, total, err := repo.List(ctx, &emailA, nil, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, primaryA.ID, items[0].ID)
}

func TestContactRepository_DeletedRowsAreInvisible(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := contact.NewRepository(db, getTestLogger())
	ctx := context.Background()

	email := uniqueEmail()
	created, err := repo.Create(ctx, &models.Contact{
		Email:          &email,
		LinkPrecedence: models.LinkPrecedencePrimary,
	})
	require.NoError(t, err)

	// Tombstone the row directly; the repository exposes no delete operation.
	_, err = db.ExecContext(ctx, "UPDATE contacts SET deleted_at = now() WHERE id = $1", created.ID)
	require.NoError(t, err)

	fetched, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, fetched)

	matches, err := repo.FindByIdentifiers(ctx, &email, nil)
	require.NoError(t, err)
	assert.Empty(t, matches)

	exact, err := repo.FindExact(ctx, &email, nil)
	require.NoError(t, err)
	assert.Nil(t, exact)

	cluster, err := repo.GetClusterView(ctx, []int64{created.ID})
	require.NoError(t, err)
	assert.Empty(t, cluster)
}
