package tuning

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/yaml.v3"
)

// outcomesBucket holds serialized outcomes keyed by a monotonic sequence.
var outcomesBucket = []byte("outcomes")

// storedOutcomes bounds how many records the store retains on disk.
const storedOutcomes = 100

// Store persists upload outcomes across process restarts so adaptive
// learning does not start cold on every run.
type Store struct {
	db *bolt.DB
}

// OpenStore opens (or creates) the outcome database at path.
func OpenStore(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening outcome store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(outcomesBucket)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing outcome store: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveOutcome appends one outcome, pruning the oldest records past the
// retention bound.
func (s *Store) SaveOutcome(outcome Outcome) error {
	data, err := yaml.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("encoding outcome: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(outcomesBucket)

		seq, serr := bucket.NextSequence()
		if serr != nil {
			return serr
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		if perr := bucket.Put(key, data); perr != nil {
			return perr
		}

		// Prune oldest entries beyond the retention bound. The count walks
		// the cursor rather than bucket stats so the record just written is
		// included, and deletion goes through the cursor so iteration stays
		// valid.
		count := 0
		cursor := bucket.Cursor()
		for k, _ := cursor.First(); k != nil; k, _ = cursor.Next() {
			count++
		}
		for k, _ := cursor.First(); k != nil && count > storedOutcomes; k, _ = cursor.Next() {
			if derr := cursor.Delete(); derr != nil {
				return derr
			}
			count--
		}
		return nil
	})
}

// LoadOutcomes returns all retained outcomes, oldest first. Records that no
// longer decode are skipped rather than failing the whole load.
func (s *Store) LoadOutcomes() ([]Outcome, error) {
	var outcomes []Outcome

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(outcomesBucket)
		return bucket.ForEach(func(_, v []byte) error {
			var outcome Outcome
			if uerr := yaml.Unmarshal(v, &outcome); uerr != nil {
				return nil
			}
			outcomes = append(outcomes, outcome)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading outcomes: %w", err)
	}

	return outcomes, nil
}
