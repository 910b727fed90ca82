package license

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"devlog.app/licenses/models"
	"devlog.app/licenses/storage"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

var keyPattern = regexp.MustCompile(`^DEVLOG-[0-9A-F]{8}-[0-9A-F]{4}-4[0-9A-F]{3}-[89AB][0-9A-F]{3}-[0-9A-F]{12}$`)

// recordingGenerator remembers every key it hands out.
type recordingGenerator struct {
	mu   sync.Mutex
	keys []string
	next Generator
}

func (g *recordingGenerator) Generate() string {
	key := g.next.Generate()
	g.mu.Lock()
	g.keys = append(g.keys, key)
	g.mu.Unlock()
	return key
}

func (g *recordingGenerator) Keys() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.keys...)
}

// faultyStore fails Apply with applyErr while it is set.
type faultyStore struct {
	storage.Store
	mu       sync.Mutex
	applyErr error
}

func (f *faultyStore) Apply(ctx context.Context, batch *storage.Batch) error {
	f.mu.Lock()
	err := f.applyErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Apply(ctx, batch)
}

func (f *faultyStore) heal() {
	f.mu.Lock()
	f.applyErr = nil
	f.mu.Unlock()
}

// racingStore lets a competing issuance for the same email land between
// the caller's index check and its batch write.
type racingStore struct {
	storage.Store
	once      sync.Once
	email     string
	winnerKey string
}

func (r *racingStore) Apply(ctx context.Context, batch *storage.Batch) error {
	r.once.Do(func() {
		raw, _ := models.EncodeRecord(models.NewLicenseRecord(r.email, models.SourceStripe, time.Now()))
		_ = r.Store.Apply(ctx, storage.NewBatch().
			SetIfAbsent(models.EmailIndexKey(r.email), r.winnerKey).
			SetIfAbsent(r.winnerKey, raw))
	})
	return r.Store.Apply(ctx, batch)
}

// blockingStore never answers until the context gives up.
type blockingStore struct {
	storage.Store
}

func (b blockingStore) Get(ctx context.Context, key string) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func storeBackends(t *testing.T) map[string]storage.Store {
	sqlite, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "licenses.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	server := miniredis.RunT(t)
	redisStore := storage.NewRedisStorageFromClient(redis.NewClient(&redis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { redisStore.Close() })

	return map[string]storage.Store{
		"memory": storage.NewMemoryStorage(),
		"sqlite": sqlite,
		"redis":  redisStore,
	}
}

func TestUUIDGenerator_Format(t *testing.T) {
	gen := UUIDGenerator{}
	seen := make(map[string]struct{})

	for i := 0; i < 1000; i++ {
		key := gen.Generate()
		require.Regexp(t, keyPattern, key)
		require.Len(t, key, len(models.KeyPrefix)+36)

		_, dup := seen[key]
		require.False(t, dup, "duplicate key %s", key)
		seen[key] = struct{}{}
	}
}

func TestRepository_FindKeyByEmail_NotFound(t *testing.T) {
	repo := NewRepository(storage.NewMemoryStorage())

	key, found, err := repo.FindKeyByEmail(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, key)
}

func TestRepository_GetRecord_NotFound(t *testing.T) {
	repo := NewRepository(storage.NewMemoryStorage())

	_, found, err := repo.GetRecord(context.Background(), "DEVLOG-MISSING")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepository_Issue_RoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)
	repo := NewRepository(storage.NewMemoryStorage(), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	key, isNew, err := repo.Issue(ctx, "a@example.com", models.SourceManual)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Regexp(t, keyPattern, key)

	record, found, err := repo.GetRecord(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, models.LicenseRecord{
		Email:     "a@example.com",
		CreatedAt: now,
		Status:    models.StatusActive,
		Source:    models.SourceManual,
	}, record)

	indexed, found, err := repo.FindKeyByEmail(ctx, "a@example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, key, indexed)
}

func TestRepository_Issue_IsIdempotent(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			gen := &recordingGenerator{next: UUIDGenerator{}}
			repo := NewRepository(store, WithGenerator(gen))
			ctx := context.Background()

			first, isNew, err := repo.Issue(ctx, "a@example.com", models.SourceManual)
			require.NoError(t, err)
			require.True(t, isNew)

			for i := 0; i < 5; i++ {
				key, isNew, err := repo.Issue(ctx, "a@example.com", models.SourceStripe)
				require.NoError(t, err)
				assert.False(t, isNew)
				assert.Equal(t, first, key)
			}

			assert.Len(t, gen.Keys(), 1, "repeat issuance must not generate keys")

			record, found, err := repo.GetRecord(ctx, first)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, models.SourceManual, record.Source, "original record must not be overwritten")
		})
	}
}

func TestRepository_Issue_ConcurrentSameEmail(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			gen := &recordingGenerator{next: UUIDGenerator{}}
			repo := NewRepository(store, WithGenerator(gen))
			ctx := context.Background()

			const callers = 24
			keys := make([]string, callers)
			created := make([]bool, callers)

			var g errgroup.Group
			for i := 0; i < callers; i++ {
				i := i
				g.Go(func() error {
					key, isNew, err := repo.Issue(ctx, "race@example.com", models.SourceStripe)
					keys[i] = key
					created[i] = isNew
					return err
				})
			}
			require.NoError(t, g.Wait())

			newCount := 0
			for i := range keys {
				assert.Equal(t, keys[0], keys[i])
				if created[i] {
					newCount++
				}
			}
			assert.Equal(t, 1, newCount, "exactly one caller creates the license")

			// Only the winning key may have a record; losers leave nothing behind.
			records := 0
			for _, key := range gen.Keys() {
				record, found, err := repo.GetRecord(ctx, key)
				require.NoError(t, err)
				if found {
					records++
					assert.Equal(t, keys[0], key)
					assert.Equal(t, "race@example.com", record.Email)
				}
			}
			assert.Equal(t, 1, records)
		})
	}
}

func TestRepository_Issue_ConcurrentDistinctEmails(t *testing.T) {
	store := storage.NewMemoryStorage()
	repo := NewRepository(store)
	ctx := context.Background()

	const emails = 20
	var g errgroup.Group
	for i := 0; i < emails; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		g.Go(func() error {
			_, _, err := repo.Issue(ctx, email, models.SourceManual)
			return err
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 2*emails, store.Len())

	for i := 0; i < emails; i++ {
		email := fmt.Sprintf("user%d@example.com", i)
		key, found, err := repo.FindKeyByEmail(ctx, email)
		require.NoError(t, err)
		require.True(t, found)

		record, found, err := repo.GetRecord(ctx, key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, email, record.Email)
	}
}

func TestRepository_Issue_LoserReturnsWinnerKey(t *testing.T) {
	inner := storage.NewMemoryStorage()
	store := &racingStore{Store: inner, email: "b@example.com", winnerKey: "DEVLOG-WINNER"}
	repo := NewRepository(store, WithGenerator(GeneratorFunc(func() string { return "DEVLOG-LOSER" })))

	key, isNew, err := repo.Issue(context.Background(), "b@example.com", models.SourceManual)
	require.NoError(t, err)

	assert.Equal(t, "DEVLOG-WINNER", key)
	assert.False(t, isNew)

	snapshot := inner.Snapshot()
	assert.Len(t, snapshot, 2)
	assert.NotContains(t, snapshot, "DEVLOG-LOSER")
	assert.Equal(t, "DEVLOG-WINNER", snapshot["email:b@example.com"])
}

func TestRepository_Issue_RetriesOnKeyCollision(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()

	existing, err := models.EncodeRecord(models.NewLicenseRecord("first@example.com", models.SourceManual, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Set(ctx, "DEVLOG-TAKEN", existing))

	keys := []string{"DEVLOG-TAKEN", "DEVLOG-FRESH"}
	var n int
	repo := NewRepository(store, WithGenerator(GeneratorFunc(func() string {
		key := keys[n]
		n++
		return key
	})))

	key, isNew, err := repo.Issue(ctx, "second@example.com", models.SourceManual)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, "DEVLOG-FRESH", key)

	record, found, err := repo.GetRecord(ctx, "DEVLOG-TAKEN")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "first@example.com", record.Email, "colliding key must not overwrite another license")
}

func TestRepository_Issue_GivesUpAfterRepeatedCollisions(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "DEVLOG-TAKEN", `{"email":"x@example.com","status":"active"}`))

	repo := NewRepository(store, WithGenerator(GeneratorFunc(func() string { return "DEVLOG-TAKEN" })))

	_, _, err := repo.Issue(ctx, "y@example.com", models.SourceManual)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))

	_, found, err := repo.FindKeyByEmail(ctx, "y@example.com")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRepository_Issue_FailedBatchWritesNothingAndRetrySucceeds(t *testing.T) {
	inner := storage.NewMemoryStorage()
	store := &faultyStore{Store: inner, applyErr: errors.New("connection reset by peer")}
	repo := NewRepository(store)
	ctx := context.Background()

	_, _, err := repo.Issue(ctx, "c@example.com", models.SourceStripe)
	require.Error(t, err)

	var storageErr *StorageError
	require.True(t, errors.As(err, &storageErr))
	assert.Equal(t, "issue", storageErr.Op)
	assert.Equal(t, 0, inner.Len())

	store.heal()

	key, isNew, err := repo.Issue(ctx, "c@example.com", models.SourceStripe)
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Regexp(t, keyPattern, key)
	assert.Equal(t, 2, inner.Len())
}

func TestRepository_StoreTimeout(t *testing.T) {
	repo := NewRepository(blockingStore{Store: storage.NewMemoryStorage()}, WithStoreTimeout(20*time.Millisecond))

	start := time.Now()
	_, _, err := repo.FindKeyByEmail(context.Background(), "slow@example.com")

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, _, err = repo.Issue(context.Background(), "slow@example.com", models.SourceManual)
	assert.True(t, errors.Is(err, ErrStorage))
}

func TestRepository_GetRecord_Corrupt(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "DEVLOG-BROKEN", "{not json"))

	repo := NewRepository(store)
	_, found, err := repo.GetRecord(ctx, "DEVLOG-BROKEN")

	require.Error(t, err)
	assert.False(t, found)
	assert.True(t, errors.Is(err, ErrCorruptRecord))
	assert.True(t, errors.Is(err, models.ErrCorruptRecord))

	var corrupt *CorruptRecordError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, "DEVLOG-BROKEN", corrupt.Key)
}

func TestRepository_Issue_IndexWithCorruptRecordStillCountsAsIssued(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "email:d@example.com", "DEVLOG-BROKEN"))
	require.NoError(t, store.Set(ctx, "DEVLOG-BROKEN", "garbage"))

	repo := NewRepository(store)
	key, isNew, err := repo.Issue(ctx, "d@example.com", models.SourceManual)

	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, "DEVLOG-BROKEN", key)
	assert.Equal(t, 2, store.Len())
}

func TestWithStoreTimeout_IgnoresNonPositive(t *testing.T) {
	repo := NewRepository(storage.NewMemoryStorage(), WithStoreTimeout(0))
	assert.Equal(t, DefaultStoreTimeout, repo.timeout)
}
