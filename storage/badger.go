package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "persona:"

// BadgerStore keeps artifacts in a Badger database. All keys are written in
// a single transaction.
type BadgerStore struct {
	db     *badger.DB
	closer bool
}

// OpenBadgerStore opens (or creates) a Badger database at path. An empty
// path opens an in-memory database.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db for artifacts: %w", err)
	}
	return &BadgerStore{db: db, closer: true}, nil
}

// NewBadgerStoreFromDB wraps an existing database. Close leaves it open.
func NewBadgerStoreFromDB(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

func badgerKey(key string) []byte {
	return []byte(badgerKeyPrefix + key)
}

func (s *BadgerStore) Save(ctx context.Context, a *Artifacts) error {
	if err := a.validate(); err != nil {
		return err
	}
	blobs, manifest, err := encode(a)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, key := range Keys {
			if err := txn.Set(badgerKey(key), blobs[key]); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
		}
		return txn.Set(badgerKey(keyManifest), manifest)
	})
}

func (s *BadgerStore) Load(ctx context.Context) (*Artifacts, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var manifest []byte
	blobs := make(map[string][]byte, len(Keys))

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(keyManifest))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return notFound(keyManifest)
		}
		if err != nil {
			return err
		}
		if manifest, err = item.ValueCopy(nil); err != nil {
			return err
		}
		for _, key := range Keys {
			item, err := txn.Get(badgerKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("get %s: %w", key, err)
			}
			b, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", key, err)
			}
			blobs[key] = b
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	return decode(manifest, blobs)
}

func (s *BadgerStore) Close() error {
	if !s.closer {
		return nil
	}
	return s.db.Close()
}
