package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/dgellow/kvoauth/internal/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore batch write limit
const maxBatchSize = 500

// FirestoreConfig selects the project, database and collection
type FirestoreConfig struct {
	ProjectID  string
	Database   string
	Collection string
}

// FirestoreStore keeps all namespaces in one collection under document ids
// of the form "<namespace>__<id>".
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	now        func() time.Time
}

// Ensure FirestoreStore implements Store
var _ Store = (*FirestoreStore)(nil)

// kvDoc is the stored document shape
type kvDoc struct {
	Namespace string     `firestore:"namespace"`
	ID        string     `firestore:"id"`
	Value     []byte     `firestore:"value"`
	ExpiresAt *time.Time `firestore:"expires_at"`
}

func (d *kvDoc) expired(now time.Time) bool {
	return d.ExpiresAt != nil && !now.Before(*d.ExpiresAt)
}

func (d *kvDoc) entry() Entry {
	e := Entry{Key: Key{Namespace: d.Namespace, ID: d.ID}}
	if d.ExpiresAt != nil {
		e.ExpiresAt = *d.ExpiresAt
	}
	return e
}

// NewFirestoreStore connects to Firestore
func NewFirestoreStore(ctx context.Context, cfg FirestoreConfig) (*FirestoreStore, error) {
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("projectID is required")
	}
	if cfg.Collection == "" {
		return nil, fmt.Errorf("collection is required")
	}

	var client *firestore.Client
	var err error

	if cfg.Database != "" && cfg.Database != "(default)" {
		client, err = firestore.NewClientWithDatabase(ctx, cfg.ProjectID, cfg.Database)
	} else {
		client, err = firestore.NewClient(ctx, cfg.ProjectID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	log.LogInfoWithFields("firestore", "Connected to Firestore", map[string]any{
		"project":    cfg.ProjectID,
		"database":   cfg.Database,
		"collection": cfg.Collection,
	})

	return &FirestoreStore{
		client:     client,
		collection: cfg.Collection,
		now:        time.Now,
	}, nil
}

func (s *FirestoreStore) doc(key Key) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(key.Namespace + "__" + key.ID)
}

// Get reads a document, treating an expired one as absent
func (s *FirestoreStore) Get(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	snap, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s from Firestore: %w", key, err)
	}

	var d kvDoc
	if err := snap.DataTo(&d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	if d.expired(s.now()) {
		return nil, ErrNotFound
	}
	return d.Value, nil
}

// Set overwrites the document for key
func (s *FirestoreStore) Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}

	d := kvDoc{Namespace: key.Namespace, ID: key.ID, Value: value}
	if exp := expiryFor(s.now(), ttl); !exp.IsZero() {
		d.ExpiresAt = &exp
	}

	if _, err := s.doc(key).Set(ctx, d); err != nil {
		return fmt.Errorf("failed to set %s in Firestore: %w", key, err)
	}
	return nil
}

// Replace reads and rewrites the document in one transaction. A delete
// that commits first makes it return ErrNotFound.
func (s *FirestoreStore) Replace(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	if err := key.validate(); err != nil {
		return err
	}

	ref := s.doc(key)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get document: %w", err)
		}

		var d kvDoc
		if err := snap.DataTo(&d); err != nil {
			return fmt.Errorf("failed to unmarshal document: %w", err)
		}
		now := s.now()
		if d.expired(now) {
			return ErrNotFound
		}

		d.Value, d.ExpiresAt = value, nil
		if exp := expiryFor(now, ttl); !exp.IsZero() {
			d.ExpiresAt = &exp
		}
		return tx.Set(ref, d)
	})

	if err != nil {
		if errors.Is(err, ErrNotFound) || status.Code(err) == codes.NotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to replace %s: %w", key, err)
	}
	return nil
}

// Delete removes the document. Firestore deletes of missing documents
// succeed.
func (s *FirestoreStore) Delete(ctx context.Context, key Key) error {
	if err := key.validate(); err != nil {
		return err
	}

	if _, err := s.doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("failed to delete %s from Firestore: %w", key, err)
	}
	return nil
}

// GetDelete reads and deletes the document in one transaction. Firestore
// retries the transaction on contention, so of two concurrent consumers
// only the one whose read committed first sees the document.
func (s *FirestoreStore) GetDelete(ctx context.Context, key Key) ([]byte, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}

	ref := s.doc(key)
	var value []byte
	var live bool

	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		value, live = nil, false

		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return ErrNotFound
			}
			return fmt.Errorf("failed to get document: %w", err)
		}

		var d kvDoc
		if err := snap.DataTo(&d); err != nil {
			return fmt.Errorf("failed to unmarshal document: %w", err)
		}
		if !d.expired(s.now()) {
			value, live = d.Value, true
		}
		return tx.Delete(ref)
	})

	if err != nil {
		if errors.Is(err, ErrNotFound) || status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to consume %s: %w", key, err)
	}
	if !live {
		return nil, ErrNotFound
	}
	return value, nil
}

// List queries every document in namespace
func (s *FirestoreStore) List(ctx context.Context, namespace string) ([]Entry, error) {
	iter := s.client.Collection(s.collection).
		Where("namespace", "==", namespace).
		Documents(ctx)
	defer iter.Stop()

	var entries []Entry
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to iterate %s documents: %w", namespace, err)
		}

		var d kvDoc
		if err := snap.DataTo(&d); err != nil {
			log.LogErrorWithFields("firestore", "Skipping malformed document", map[string]any{
				"doc":   snap.Ref.ID,
				"error": err.Error(),
			})
			continue
		}
		entries = append(entries, d.entry())
	}

	return entries, nil
}

// DeleteExpired removes expired documents in namespace using a bulk
// writer. The query filters on expires_at alone so it is served by the
// single-field index; namespace is checked per document.
func (s *FirestoreStore) DeleteExpired(ctx context.Context, namespace string) (int, error) {
	iter := s.client.Collection(s.collection).
		Where("expires_at", "<=", s.now()).
		Documents(ctx)
	defer iter.Stop()

	count := 0
	batch := s.client.BulkWriter(ctx)
	defer batch.End()

	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return count, fmt.Errorf("failed to iterate expired documents: %w", err)
		}
		if ns, _ := snap.DataAt("namespace"); ns != namespace {
			continue
		}

		if _, err := batch.Delete(snap.Ref); err != nil {
			return count, fmt.Errorf("failed to queue delete: %w", err)
		}
		count++

		if count%maxBatchSize == 0 {
			batch.Flush()
		}
	}

	return count, nil
}

// Close closes the Firestore client
func (s *FirestoreStore) Close() error {
	return s.client.Close()
}
