package license

import (
	"context"
	"errors"
	"fmt"
	"time"

	"devlog.app/licenses/internal/logger"
	"devlog.app/licenses/models"
	"devlog.app/licenses/storage"
)

const (
	DefaultStoreTimeout = 5 * time.Second

	// maxIssueAttempts bounds retries after a generated key collides with
	// an existing record.
	maxIssueAttempts = 3
)

// Repository keeps two indexes in the store: key -> record and
// email:<email> -> key. Both are written in one batch whose email write is
// conditional, so the first writer for an email wins.
type Repository struct {
	store     storage.Store
	generator Generator
	now       func() time.Time
	timeout   time.Duration
}

type RepositoryOption func(*Repository)

func WithGenerator(g Generator) RepositoryOption {
	return func(r *Repository) {
		r.generator = g
	}
}

func WithClock(now func() time.Time) RepositoryOption {
	return func(r *Repository) {
		r.now = now
	}
}

// WithStoreTimeout bounds every store call. Non-positive values keep the default.
func WithStoreTimeout(d time.Duration) RepositoryOption {
	return func(r *Repository) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func NewRepository(store storage.Store, opts ...RepositoryOption) *Repository {
	r := &Repository{
		store:     store,
		generator: UUIDGenerator{},
		now:       time.Now,
		timeout:   DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FindKeyByEmail returns the key indexed for email. A missing index entry is
// reported as found=false, not as an error.
func (r *Repository) FindKeyByEmail(ctx context.Context, email string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key, err := r.store.Get(ctx, models.EmailIndexKey(email))
	if errors.Is(err, storage.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &StorageError{Op: "find key by email", Err: err}
	}
	return key, true, nil
}

func (r *Repository) GetRecord(ctx context.Context, key string) (models.LicenseRecord, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	raw, err := r.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return models.LicenseRecord{}, false, nil
	}
	if err != nil {
		return models.LicenseRecord{}, false, &StorageError{Op: "get record", Err: err}
	}

	record, err := models.DecodeRecord(raw)
	if err != nil {
		return models.LicenseRecord{}, false, &CorruptRecordError{Key: key, Err: err}
	}
	return record, true, nil
}

// Issue returns the license key for email, creating one when the email has
// none. isNew is false when an existing key was returned, including when a
// concurrent caller won the race for the same email.
func (r *Repository) Issue(ctx context.Context, email string, source models.Source) (key string, isNew bool, err error) {
	key, found, err := r.FindKeyByEmail(ctx, email)
	if err != nil {
		return "", false, err
	}
	if found {
		return key, false, nil
	}

	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		key = r.generator.Generate()
		raw, err := models.EncodeRecord(models.NewLicenseRecord(email, source, r.now()))
		if err != nil {
			return "", false, err
		}

		batch := storage.NewBatch().
			SetIfAbsent(models.EmailIndexKey(email), key).
			SetIfAbsent(key, raw)

		err = r.apply(ctx, batch)
		if err == nil {
			return key, true, nil
		}
		if !errors.Is(err, storage.ErrKeyExists) {
			return "", false, &StorageError{Op: "issue", Err: err}
		}

		// Either another request indexed this email first, or the generated
		// key is already taken. The index tells which.
		winner, found, err := r.FindKeyByEmail(ctx, email)
		if err != nil {
			return "", false, err
		}
		if found {
			logger.Debug("Concurrent issuance resolved to existing key", map[string]interface{}{
				"email":   email,
				"license": winner,
			})
			return winner, false, nil
		}

		logger.Warn("Generated license key already exists, retrying", map[string]interface{}{
			"attempt": attempt,
		})
	}

	return "", false, &StorageError{
		Op:  "issue",
		Err: fmt.Errorf("no unused license key after %d attempts", maxIssueAttempts),
	}
}

func (r *Repository) apply(ctx context.Context, batch *storage.Batch) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.store.Apply(ctx, batch)
}
