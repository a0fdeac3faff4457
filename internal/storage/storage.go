// Package storage provides the persistent prediction log for the KOI
// classifier. It uses BoltDB to keep every scored record together with the
// model version that scored it, and a small index of batch reports.
//
// Keys sort by timestamp so recent-first listings and time-range queries are
// cursor scans.
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	dbFile = "koi-predictions.db"

	predictionsBucket = "predictions" // scored records
	batchesBucket     = "batches"     // batch report index
)

// Store is the prediction log.
type Store struct {
	db *bbolt.DB
}

// New opens (or creates) the database under dataPath.
func New(dataPath string) (*Store, error) {
	dbPath := filepath.Join(dataPath, dbFile)

	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(predictionsBucket)); err != nil {
			return fmt.Errorf("create predictions bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(batchesBucket)); err != nil {
			return fmt.Errorf("create batches bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// timeKey orders entries by timestamp, then id.
func timeKey(ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", ts.UnixNano(), id))
}

func timePrefix(ts time.Time) []byte {
	return []byte(fmt.Sprintf("%020d", ts.UnixNano()))
}

func (s *Store) put(bucket string, key []byte, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))

		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal %s entry: %w", bucket, err)
		}
		return b.Put(key, data)
	})
}

// scanRange visits values with start <= timestamp < end in ascending order.
func (s *Store) scanRange(bucket string, start, end time.Time, visit func(v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()
		endKey := timePrefix(end)

		for k, v := c.Seek(timePrefix(start)); k != nil && bytes.Compare(k, endKey) < 0; k, v = c.Next() {
			if err := visit(v); err != nil {
				return err
			}
		}
		return nil
	})
}

// scanRecent visits at most limit values, newest first. limit <= 0 visits
// everything.
func (s *Store) scanRecent(bucket string, limit int, visit func(v []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(bucket)).Cursor()
		n := 0
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && n >= limit {
				break
			}
			if err := visit(v); err != nil {
				return err
			}
			n++
		}
		return nil
	})
}
