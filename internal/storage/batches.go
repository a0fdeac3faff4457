package storage

import (
	"bytes"
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

// BatchRecord indexes one uploaded CSV and the report written for it.
type BatchRecord struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	Filename     string         `json:"filename"`
	Rows         int            `json:"rows"`
	Scored       int            `json:"scored"`
	Invalid      int            `json:"invalid"`
	Counts       map[string]int `json:"counts"`
	ModelVersion string         `json:"model_version"`
	ReportDir    string         `json:"report_dir"`
}

// SaveBatch stores a batch entry. ID and CreatedAt must be set.
func (s *Store) SaveBatch(b BatchRecord) error {
	return s.put(batchesBucket, timeKey(b.CreatedAt, b.ID), b)
}

// RecentBatches returns up to limit batch entries, newest first.
func (s *Store) RecentBatches(limit int) ([]BatchRecord, error) {
	var out []BatchRecord
	err := s.scanRecent(batchesBucket, limit, func(v []byte) error {
		var b BatchRecord
		if err := json.Unmarshal(v, &b); err != nil {
			return nil
		}
		out = append(out, b)
		return nil
	})
	return out, err
}

// GetBatch looks a batch up by id.
func (s *Store) GetBatch(id string) (BatchRecord, bool, error) {
	var (
		found BatchRecord
		ok    bool
	)
	suffix := []byte("_" + id)
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(batchesBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !bytes.HasSuffix(k, suffix) {
				continue
			}
			if err := json.Unmarshal(v, &found); err != nil {
				return err
			}
			ok = true
			return nil
		}
		return nil
	})
	return found, ok, err
}
