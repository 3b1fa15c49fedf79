package storage

import (
	"errors"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// Snapshot is a point-in-time copy of every bucket, used for raft snapshots
type Snapshot struct {
	Buckets   map[string]map[string][]byte `json:"buckets"`
	Keystores map[string]map[string][]byte `json:"keystores"`
	Sequences map[string]uint64            `json:"sequences"`
}

// Snapshot copies the full database content
func (s *BoltStore) Snapshot() (*Snapshot, error) {
	snap := &Snapshot{
		Buckets:   make(map[string]map[string][]byte),
		Keystores: make(map[string]map[string][]byte),
		Sequences: make(map[string]uint64),
	}

	err := s.db.View(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			b := tx.Bucket(name)
			snap.Sequences[string(name)] = b.Sequence()

			if string(name) == string(bucketKeystores) {
				err := b.ForEachBucket(func(collection []byte) error {
					entries := make(map[string][]byte)
					err := b.Bucket(collection).ForEach(func(k, v []byte) error {
						entries[string(k)] = append([]byte(nil), v...)
						return nil
					})
					snap.Keystores[string(collection)] = entries
					return err
				})
				if err != nil {
					return err
				}
				continue
			}

			entries := make(map[string][]byte)
			err := b.ForEach(func(k, v []byte) error {
				entries[string(k)] = append([]byte(nil), v...)
				return nil
			})
			if err != nil {
				return err
			}
			snap.Buckets[string(name)] = entries
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to snapshot store: %w", err)
	}
	return snap, nil
}

// Restore replaces the database content with snap
func (s *BoltStore) Restore(snap *Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return fmt.Errorf("failed to drop bucket %s: %w", name, err)
			}
			b, err := tx.CreateBucket(name)
			if err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
			if err := b.SetSequence(snap.Sequences[string(name)]); err != nil {
				return err
			}

			if string(name) == string(bucketKeystores) {
				for collection, entries := range snap.Keystores {
					cb, err := b.CreateBucket([]byte(collection))
					if err != nil {
						return err
					}
					for k, v := range entries {
						if err := cb.Put([]byte(k), v); err != nil {
							return err
						}
					}
				}
				continue
			}

			for k, v := range snap.Buckets[string(name)] {
				if err := b.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
