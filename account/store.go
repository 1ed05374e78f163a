package account

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmcleod/ironguard/internal/uuid"
	"github.com/jmcleod/ironguard/storage"
)

// DefaultCollection is the collection accounts are stored in unless
// configured otherwise.
const DefaultCollection = "accounts"

// Record types within a collection.
const (
	recordAccount  = "ACCOUNT"
	recordUsername = "USERNAME"
)

// Query selects a single account by exact username, further narrowed by an
// optional Filter.
type Query struct {
	Username string
	Filter   Filter
}

// Store reads and writes accounts in one collection of a repository. Each
// account is stored as an ACCOUNT document keyed by ID plus a USERNAME index
// record mapping the username to that ID. The index is written with a
// create-only compare-and-swap, which makes usernames unique.
type Store struct {
	repo       storage.Repository
	collection string
	logger     *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger used for storage faults.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// NewStore returns a Store over repo. An empty collection selects
// DefaultCollection.
func NewStore(repo storage.Repository, collection string, opts ...StoreOption) *Store {
	if collection == "" {
		collection = DefaultCollection
	}
	s := &Store{repo: repo, collection: collection}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	s.logger = s.logger.With("component", "account_store", "collection", collection)
	return s
}

// Collection returns the collection name the store writes to.
func (s *Store) Collection() string {
	return s.collection
}

type usernameIndex struct {
	ID string `json:"id"`
}

// FindOne returns the account whose username equals q.Username exactly and
// whose document satisfies q.Filter. Storage failures are reported as Fault.
func (s *Store) FindOne(ctx context.Context, q Query) Lookup {
	if q.Username == "" {
		return notFound()
	}
	rec, err := s.repo.Get(ctx, s.collection, recordUsername, q.Username)
	if errors.Is(err, storage.ErrNotFound) {
		return notFound()
	}
	if err != nil {
		return s.fault("find account by username", err)
	}
	var idx usernameIndex
	if err := json.Unmarshal(rec.Data, &idx); err != nil || idx.ID == "" {
		return s.fault("decode username index", fmt.Errorf("malformed index for %q", q.Username))
	}

	a, doc, res := s.load(ctx, idx.ID)
	if res.Status != Found {
		return res
	}
	if a.Username != q.Username {
		s.logger.Warn("username index points at a different account", "account_id", a.ID)
		return notFound()
	}
	if !q.Filter.Match(doc) {
		return notFound()
	}
	return found(a)
}

// Read returns the account with the given ID.
func (s *Store) Read(ctx context.Context, id string) Lookup {
	if id == "" {
		return notFound()
	}
	_, _, res := s.load(ctx, id)
	return res
}

func (s *Store) load(ctx context.Context, id string) (*Account, map[string]any, Lookup) {
	rec, err := s.repo.Get(ctx, s.collection, recordAccount, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, notFound()
	}
	if err != nil {
		return nil, nil, s.fault("read account", err)
	}
	a, doc, err := decodeDocument(rec.Data)
	if err != nil {
		return nil, nil, s.fault("decode account", err)
	}
	return a, doc, found(a)
}

func (s *Store) fault(op string, err error) Lookup {
	s.logger.Error("account store fault", "op", op, "error", err)
	return fault(fmt.Errorf("%s: %w", op, err))
}

// Create assigns a new ID to a and stores it. The username index and the
// document are written in one batch; if the username is already indexed
// nothing is written and ErrUsernameTaken is returned.
func (s *Store) Create(ctx context.Context, a *Account) (*Account, error) {
	if a == nil || a.Username == "" || a.PasswordHash == "" {
		return nil, ErrInvalidAccount
	}
	created := &Account{
		ID:           uuid.New(),
		Username:     a.Username,
		PasswordHash: a.PasswordHash,
		Fields:       a.Fields,
	}
	doc, err := encodeDocument(created)
	if err != nil {
		return nil, fmt.Errorf("encoding account: %w", err)
	}
	idx, err := json.Marshal(usernameIndex{ID: created.ID})
	if err != nil {
		return nil, fmt.Errorf("encoding username index: %w", err)
	}

	err = s.repo.Batch(ctx, s.collection, func(tx storage.BatchTx) error {
		err := tx.PutCAS(recordUsername, created.Username, 0, &storage.Record{Data: idx, Version: 1})
		if errors.Is(err, storage.ErrCASFailed) {
			return ErrUsernameTaken
		}
		if err != nil {
			return err
		}
		return tx.PutCAS(recordAccount, created.ID, 0, &storage.Record{Data: doc, Version: 1})
	})
	if errors.Is(err, ErrUsernameTaken) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("creating account: %w", err)
	}
	return created, nil
}

// Update replaces the stored document for a.ID. The username cannot change.
func (s *Store) Update(ctx context.Context, a *Account) error {
	if a == nil || a.ID == "" {
		return ErrInvalidAccount
	}
	rec, err := s.repo.Get(ctx, s.collection, recordAccount, a.ID)
	if err != nil {
		return fmt.Errorf("reading account: %w", err)
	}
	current, _, err := decodeDocument(rec.Data)
	if err != nil {
		return err
	}
	if current.Username != a.Username {
		return ErrUsernameImmutable
	}
	if a.PasswordHash == "" {
		return ErrInvalidAccount
	}
	doc, err := encodeDocument(a)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}
	if err := s.repo.PutCAS(ctx, s.collection, recordAccount, a.ID, rec.Version, &storage.Record{Data: doc, Version: rec.Version + 1}); err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return nil
}

// Delete removes the account and its username index.
func (s *Store) Delete(ctx context.Context, id string) error {
	rec, err := s.repo.Get(ctx, s.collection, recordAccount, id)
	if err != nil {
		return fmt.Errorf("reading account: %w", err)
	}
	a, _, err := decodeDocument(rec.Data)
	if err != nil {
		return err
	}
	return s.repo.Batch(ctx, s.collection, func(tx storage.BatchTx) error {
		if err := tx.Delete(recordAccount, id); err != nil {
			return err
		}
		return tx.Delete(recordUsername, a.Username)
	})
}

// List returns the IDs of all stored accounts.
func (s *Store) List(ctx context.Context) ([]string, error) {
	return s.repo.List(ctx, s.collection, recordAccount)
}
