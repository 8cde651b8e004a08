package identify

import (
	"context"
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/faults"
	"github.com/Ramsey-B/clover/pkg/models"
)

type fakeTx struct {
	database.Tx
	committed  bool
	rolledBack bool
}

func (t *fakeTx) IsOpen() bool { return !t.committed && !t.rolledBack }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	if t.committed {
		return nil
	}
	t.rolledBack = true
	return nil
}

type fakeDB struct {
	database.DB
	tx *fakeTx
}

func (f *fakeDB) GetTx(ctx context.Context, opts *sql.TxOptions) (context.Context, database.Tx, error) {
	return ctx, f.tx, nil
}

// fakeStore is an in-memory ContactStore that mimics the repository's query
// semantics: exact identifier equality, deleted rows invisible, results
// ordered by created_at then id.
type fakeStore struct {
	db       *fakeDB
	contacts []models.Contact
	nextID   int64
	now      time.Time
	ops      []string
	fail     map[string]error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		db:     &fakeDB{tx: &fakeTx{}},
		nextID: 1,
		now:    time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		fail:   map[string]error{},
	}
}

func (s *fakeStore) seed(c models.Contact) int64 {
	if c.ID == 0 {
		c.ID = s.nextID
	}
	if c.ID >= s.nextID {
		s.nextID = c.ID + 1
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	s.contacts = append(s.contacts, c)
	return c.ID
}

func (s *fakeStore) DB() database.DB { return s.db }

func (s *fakeStore) AcquireIdentifierLocks(ctx context.Context, email, phoneNumber *string) error {
	s.ops = append(s.ops, "lock")
	return s.fail["AcquireIdentifierLocks"]
}

func (s *fakeStore) FindByIdentifiers(ctx context.Context, email, phoneNumber *string) ([]models.Contact, error) {
	if err := s.fail["FindByIdentifiers"]; err != nil {
		return nil, err
	}
	var out []models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		emailHit := email != nil && *email != "" && c.Email != nil && *c.Email == *email
		phoneHit := phoneNumber != nil && *phoneNumber != "" && c.PhoneNumber != nil && *c.PhoneNumber == *phoneNumber
		if emailHit || phoneHit {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out, nil
}

func (s *fakeStore) GetCluster(ctx context.Context, primaryIDs []int64) ([]models.Contact, error) {
	if err := s.fail["GetCluster"]; err != nil {
		return nil, err
	}
	set := map[int64]bool{}
	for _, id := range primaryIDs {
		set[id] = true
	}
	var out []models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if set[c.ID] || (c.LinkedID != nil && set[*c.LinkedID]) {
			out = append(out, c)
		}
	}
	sortContacts(out)
	return out, nil
}

func (s *fakeStore) FindExact(ctx context.Context, email, phoneNumber *string) (*models.Contact, error) {
	if err := s.fail["FindExact"]; err != nil {
		return nil, err
	}
	var candidates []models.Contact
	for _, c := range s.contacts {
		if c.DeletedAt != nil {
			continue
		}
		if email != nil && *email != "" {
			if c.Email == nil || *c.Email != *email {
				continue
			}
		}
		if phoneNumber != nil && *phoneNumber != "" {
			if c.PhoneNumber == nil || *c.PhoneNumber != *phoneNumber {
				continue
			}
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	sortContacts(candidates)
	match := candidates[0]
	return &match, nil
}

func (s *fakeStore) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if err := s.fail["Create"]; err != nil {
		return nil, err
	}
	s.now = s.now.Add(time.Second)
	contact.ID = s.nextID
	s.nextID++
	contact.CreatedAt = s.now
	contact.UpdatedAt = s.now
	s.contacts = append(s.contacts, *contact)
	s.ops = append(s.ops, "create")
	return contact, nil
}

func (s *fakeStore) Reparent(ctx context.Context, fromPrimaryID, toPrimaryID int64) (int64, error) {
	if err := s.fail["Reparent"]; err != nil {
		return 0, err
	}
	var moved int64
	for i := range s.contacts {
		if s.contacts[i].DeletedAt == nil && s.contacts[i].LinkedID != nil && *s.contacts[i].LinkedID == fromPrimaryID {
			s.contacts[i].LinkedID = &toPrimaryID
			moved++
		}
	}
	s.ops = append(s.ops, "reparent")
	return moved, nil
}

func (s *fakeStore) Demote(ctx context.Context, id, canonicalPrimaryID int64) error {
	if err := s.fail["Demote"]; err != nil {
		return err
	}
	for i := range s.contacts {
		if s.contacts[i].ID == id {
			s.contacts[i].LinkPrecedence = models.LinkPrecedenceSecondary
			s.contacts[i].LinkedID = &canonicalPrimaryID
		}
	}
	s.ops = append(s.ops, "demote")
	return nil
}

func sortContacts(contacts []models.Contact) {
	sort.Slice(contacts, func(i, j int) bool {
		if contacts[i].CreatedAt.Equal(contacts[j].CreatedAt) {
			return contacts[i].ID < contacts[j].ID
		}
		return contacts[i].CreatedAt.Before(contacts[j].CreatedAt)
	})
}

func str(s string) *string { return &s }

func testLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func seedTime(minutes int) time.Time {
	return time.Date(2024, 1, 1, 0, minutes, 0, 0, time.UTC)
}

func TestIdentifyNewContactCreatesPrimary(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("a@x.com"), str("1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreatedPrimary, result.Outcome)
	assert.Equal(t, int64(1), result.Contact.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com"}, result.Contact.Emails)
	assert.Equal(t, []string{"1"}, result.Contact.PhoneNumbers)
	assert.Equal(t, []int64{}, result.Contact.SecondaryContactIDs)
	assert.Equal(t, 1, result.ClusterSize)

	require.Len(t, store.contacts, 1)
	assert.Equal(t, models.LinkPrecedencePrimary, store.contacts[0].LinkPrecedence)
	assert.Nil(t, store.contacts[0].LinkedID)

	assert.True(t, store.db.tx.committed)
	assert.False(t, store.db.tx.rolledBack)
}

func TestIdentifyNewInformationCreatesSecondary(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		Email:          str("a@x.com"),
		PhoneNumber:    str("1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("b@x.com"), str("1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreatedSecondary, result.Outcome)
	assert.Equal(t, int64(1), result.Contact.PrimaryContactID)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, result.Contact.Emails)
	assert.Equal(t, []string{"1"}, result.Contact.PhoneNumbers)
	assert.Equal(t, []int64{2}, result.Contact.SecondaryContactIDs)

	require.Len(t, store.contacts, 2)
	created := store.contacts[1]
	assert.Equal(t, models.LinkPrecedenceSecondary, created.LinkPrecedence)
	require.NotNil(t, created.LinkedID)
	assert.Equal(t, int64(1), *created.LinkedID)
}

func TestIdentifyBridgingMergesClusters(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		Email:          str("e1"),
		PhoneNumber:    str("p1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	store.seed(models.Contact{
		Email:          str("e2"),
		PhoneNumber:    str("p2"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(10),
	})
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("e1"), str("p2"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeMerged, result.Outcome)
	assert.Equal(t, int64(1), result.Contact.PrimaryContactID)
	assert.Equal(t, []int64{2}, result.DemotedPrimaryIDs)

	// The older primary's email leads; the newer primary was absorbed.
	assert.Equal(t, []string{"e1", "e2"}, result.Contact.Emails)
	assert.Equal(t, []string{"p1", "p2"}, result.Contact.PhoneNumbers)
	assert.Contains(t, result.Contact.SecondaryContactIDs, int64(2))

	// No single row held (e1, p2), so the bridge is recorded as a new
	// secondary alongside the demoted primary.
	require.NotNil(t, result.NewContact)
	assert.Equal(t, []int64{2, 3}, result.Contact.SecondaryContactIDs)

	for _, c := range store.contacts {
		if c.ID == result.Contact.PrimaryContactID {
			assert.True(t, c.IsPrimary())
			continue
		}
		require.NotNil(t, c.LinkedID, "contact %d must be linked", c.ID)
		assert.Equal(t, int64(1), *c.LinkedID, "contact %d must link to the canonical primary", c.ID)
	}
}

func TestIdentifyRepeatRequestIsNoop(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		Email:          str("a@x.com"),
		PhoneNumber:    str("1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	engine := NewEngine(store, testLogger())

	first, err := engine.Identify(context.Background(), str("b@x.com"), str("1"))
	require.NoError(t, err)
	rowsAfterFirst := len(store.contacts)

	second, err := engine.Identify(context.Background(), str("b@x.com"), str("1"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoop, second.Outcome)
	assert.Nil(t, second.NewContact)
	assert.Equal(t, first.Contact, second.Contact)
	assert.Len(t, store.contacts, rowsAfterFirst)
}

func TestIdentifySingleFieldMatchIsNoop(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		Email:          str("a@x.com"),
		PhoneNumber:    str("1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	engine := NewEngine(store, testLogger())

	// Only email given: the exact check compares email alone, so the
	// existing row satisfies it and nothing is inserted.
	result, err := engine.Identify(context.Background(), str("a@x.com"), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeNoop, result.Outcome)
	assert.Equal(t, []string{"a@x.com"}, result.Contact.Emails)
	assert.Equal(t, []string{"1"}, result.Contact.PhoneNumbers)
	assert.Len(t, store.contacts, 1)
}

func TestIdentifyEmailOnlyNewContact(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("solo@x.com"), nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreatedPrimary, result.Outcome)
	assert.Equal(t, []string{"solo@x.com"}, result.Contact.Emails)
	assert.Equal(t, []string{}, result.Contact.PhoneNumbers)
	require.Len(t, store.contacts, 1)
	assert.Nil(t, store.contacts[0].PhoneNumber)
}

func TestIdentifyBothIdentifiersMissing(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, testLogger())

	_, err := engine.Identify(context.Background(), nil, str(""))
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	// Validation fails before any transaction is opened.
	assert.False(t, store.db.tx.committed)
	assert.False(t, store.db.tx.rolledBack)
	assert.Empty(t, store.ops)
}

func TestIdentifyClusterWithoutPrimaryFaults(t *testing.T) {
	store := newFakeStore()
	// Corrupted state: a secondary pointing at a primary that does not exist.
	store.seed(models.Contact{
		Email:          str("orphan@x.com"),
		PhoneNumber:    str("7"),
		LinkedID:       int64Ptr(99),
		LinkPrecedence: models.LinkPrecedenceSecondary,
		CreatedAt:      seedTime(0),
	})
	engine := NewEngine(store, testLogger())

	_, err := engine.Identify(context.Background(), str("orphan@x.com"), nil)
	require.Error(t, err)
	assert.Equal(t, faults.KindInvariant, faults.KindOf(err))

	assert.False(t, store.db.tx.committed)
	assert.True(t, store.db.tx.rolledBack)
}

func TestIdentifyStoreFaultRollsBack(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		Email:          str("a@x.com"),
		PhoneNumber:    str("1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	store.fail["FindExact"] = faults.Store("store down", nil)
	engine := NewEngine(store, testLogger())

	_, err := engine.Identify(context.Background(), str("b@x.com"), str("1"))
	require.Error(t, err)
	assert.Equal(t, faults.KindStore, faults.KindOf(err))

	assert.False(t, store.db.tx.committed)
	assert.True(t, store.db.tx.rolledBack)
}

func TestIdentifyMergeReparentsBeforeDemoting(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		ID:             1,
		Email:          str("e1"),
		PhoneNumber:    str("p1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	store.seed(models.Contact{
		ID:             2,
		Email:          str("s1@x.com"),
		PhoneNumber:    str("p1"),
		LinkedID:       int64Ptr(1),
		LinkPrecedence: models.LinkPrecedenceSecondary,
		CreatedAt:      seedTime(1),
	})
	store.seed(models.Contact{
		ID:             3,
		Email:          str("e2"),
		PhoneNumber:    str("p2"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(10),
	})
	store.seed(models.Contact{
		ID:             4,
		Email:          str("s2@x.com"),
		PhoneNumber:    str("p2"),
		LinkedID:       int64Ptr(3),
		LinkPrecedence: models.LinkPrecedenceSecondary,
		CreatedAt:      seedTime(11),
	})
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("e1"), str("p2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerged, result.Outcome)
	assert.Equal(t, []int64{3}, result.DemotedPrimaryIDs)

	// The demoted primary's secondaries move first, then the primary itself
	// flips, so no write ever leaves a secondary pointing at a secondary.
	reparentIdx, demoteIdx := -1, -1
	for i, op := range store.ops {
		if op == "reparent" && reparentIdx == -1 {
			reparentIdx = i
		}
		if op == "demote" && demoteIdx == -1 {
			demoteIdx = i
		}
	}
	require.NotEqual(t, -1, reparentIdx)
	require.NotEqual(t, -1, demoteIdx)
	assert.Less(t, reparentIdx, demoteIdx)

	for _, c := range store.contacts {
		if c.ID == 1 {
			assert.True(t, c.IsPrimary())
			continue
		}
		require.NotNil(t, c.LinkedID)
		assert.Equal(t, int64(1), *c.LinkedID)
	}
}

func TestIdentifyTieBreakPrefersLowerID(t *testing.T) {
	store := newFakeStore()
	created := seedTime(5)
	store.seed(models.Contact{
		ID:             1,
		Email:          str("e1"),
		PhoneNumber:    str("p1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      created,
	})
	store.seed(models.Contact{
		ID:             2,
		Email:          str("e2"),
		PhoneNumber:    str("p2"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      created,
	})
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("e1"), str("p2"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Contact.PrimaryContactID)
	assert.Equal(t, []int64{2}, result.DemotedPrimaryIDs)
}

func TestIdentifySequentialMergesStayFlat(t *testing.T) {
	store := newFakeStore()
	store.seed(models.Contact{
		ID:             1,
		Email:          str("a@x.com"),
		PhoneNumber:    str("1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
	})
	store.seed(models.Contact{
		ID:             2,
		Email:          str("b@x.com"),
		PhoneNumber:    str("2"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(10),
	})
	store.seed(models.Contact{
		ID:             3,
		Email:          str("c@x.com"),
		PhoneNumber:    str("3"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(20),
	})
	engine := NewEngine(store, testLogger())

	_, err := engine.Identify(context.Background(), str("a@x.com"), str("2"))
	require.NoError(t, err)

	result, err := engine.Identify(context.Background(), str("b@x.com"), str("3"))
	require.NoError(t, err)

	assert.Equal(t, int64(1), result.Contact.PrimaryContactID)

	// After merging in any order, every secondary links directly to the
	// surviving primary.
	primaries := 0
	for _, c := range store.contacts {
		if c.IsPrimary() {
			primaries++
			assert.Equal(t, int64(1), c.ID)
			continue
		}
		require.NotNil(t, c.LinkedID)
		assert.Equal(t, int64(1), *c.LinkedID)
	}
	assert.Equal(t, 1, primaries)
}

func TestIdentifyIgnoresDeletedContacts(t *testing.T) {
	store := newFakeStore()
	deletedAt := seedTime(1)
	store.seed(models.Contact{
		Email:          str("a@x.com"),
		PhoneNumber:    str("1"),
		LinkPrecedence: models.LinkPrecedencePrimary,
		CreatedAt:      seedTime(0),
		DeletedAt:      &deletedAt,
	})
	engine := NewEngine(store, testLogger())

	result, err := engine.Identify(context.Background(), str("a@x.com"), str("1"))
	require.NoError(t, err)

	// The tombstoned row is invisible, so this is a brand new identity.
	assert.Equal(t, OutcomeCreatedPrimary, result.Outcome)
	assert.Equal(t, int64(2), result.Contact.PrimaryContactID)
}

func int64Ptr(v int64) *int64 { return &v }
