package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	entriesBucket  = "entries"
	metadataBucket = "metadata"
	schemaVersion  = 1
)

var (
	// ErrEntryNotFound is returned when an entry cannot be found
	ErrEntryNotFound = errors.New("entry not found")
)

// Store keeps manifest entries in a bbolt database keyed by name.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// OpenStore opens or creates the database at dbPath
func OpenStore(dbPath string) (*Store, error) {
	options := &bbolt.Options{
		Timeout: 1 * time.Second,
	}

	db, err := bbolt.Open(dbPath, 0o600, options)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db, now: time.Now}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entriesBucket)); err != nil {
			return fmt.Errorf("failed to create entries bucket: %w", err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		if err := meta.Put([]byte("schema_version"), []byte(fmt.Sprintf("%d", schemaVersion))); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}
		return nil
	})
}

// Save inserts or replaces entries in a single transaction
func (s *Store) Save(entries ...*Entry) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", entriesBucket)
		}
		for _, entry := range entries {
			if entry == nil {
				return errors.New("cannot save nil entry")
			}
			if entry.Name == "" {
				return errors.New("entry name cannot be empty")
			}
			entry.Updated = s.now().UTC()
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("failed to marshal entry: %w", err)
			}
			if err := bucket.Put([]byte(entry.Name), data); err != nil {
				return fmt.Errorf("failed to save entry: %w", err)
			}
		}
		return nil
	})
}

// Find retrieves an entry by name
func (s *Store) Find(name string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", entriesBucket)
		}
		data := bucket.Get([]byte(name))
		if data == nil {
			return ErrEntryNotFound
		}
		entry = &Entry{}
		if err := json.Unmarshal(data, entry); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// FindAll retrieves all entries ordered by name
func (s *Store) FindAll() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", entriesBucket)
		}
		return bucket.ForEach(func(k, v []byte) error {
			entry := &Entry{}
			if err := json.Unmarshal(v, entry); err != nil {
				return fmt.Errorf("failed to unmarshal entry %s: %w", k, err)
			}
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Delete removes an entry
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(entriesBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", entriesBucket)
		}
		if bucket.Get([]byte(name)) == nil {
			return ErrEntryNotFound
		}
		return bucket.Delete([]byte(name))
	})
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}
