package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// BoltFileName is the database written by BoltStore.
const BoltFileName = "node-state.db"

var (
	stateBucket = []byte("state")
	snapshotKey = []byte("snapshot")
)

// BoltStore keeps the snapshot in a single bbolt bucket.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) node-state.db in dir.
func NewBoltStore(dir string) (*BoltStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(filepath.Join(dir, BoltFileName), 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(stateBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Save(snap Snapshot) error {
	data, err := json.Marshal(stamp(snap))
	if err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(stateBucket).Put(snapshotKey, data)
	})
}

func (b *BoltStore) Load() (Snapshot, bool, error) {
	var (
		snap  Snapshot
		found bool
	)
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(stateBucket).Get(snapshotKey)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load state: %w", err)
	}
	if !found {
		return Snapshot{}, false, nil
	}
	if err := checkVersion(snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

// Close closes the underlying BBolt database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
