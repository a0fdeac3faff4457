package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"koi-classifier/internal/features"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

// PredictionRecord is one scored KOI as written to the log.
type PredictionRecord struct {
	ID           string                 `json:"id"`
	Timestamp    time.Time              `json:"timestamp"`
	Source       string                 `json:"source"` // api, form, csv, stream
	Input        features.FeatureRecord `json:"input_data"`
	Label        string                 `json:"prediction"`
	Code         int                    `json:"prediction_code"`
	Confidence   float64                `json:"confidence"`
	ModelVersion string                 `json:"model_version"`
	BatchID      string                 `json:"batch_id,omitempty"`
}

func (r *PredictionRecord) fill() {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
}

// SavePrediction stores one record, assigning an id and timestamp when
// missing.
func (s *Store) SavePrediction(rec PredictionRecord) (PredictionRecord, error) {
	rec.fill()
	if err := s.put(predictionsBucket, timeKey(rec.Timestamp, rec.ID), rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// SavePredictions stores records in a single transaction.
func (s *Store) SavePredictions(recs []PredictionRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(predictionsBucket))
		for i := range recs {
			recs[i].fill()
			data, err := json.Marshal(recs[i])
			if err != nil {
				return fmt.Errorf("marshal prediction %s: %w", recs[i].ID, err)
			}
			if err := b.Put(timeKey(recs[i].Timestamp, recs[i].ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecentPredictions returns up to limit records, newest first.
func (s *Store) RecentPredictions(limit int) ([]PredictionRecord, error) {
	var out []PredictionRecord
	err := s.scanRecent(predictionsBucket, limit, func(v []byte) error {
		var rec PredictionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil // Skip malformed records
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// PredictionsInRange returns records with start <= timestamp < end, oldest
// first.
func (s *Store) PredictionsInRange(start, end time.Time) ([]PredictionRecord, error) {
	var out []PredictionRecord
	err := s.scanRange(predictionsBucket, start, end, func(v []byte) error {
		var rec PredictionRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// CountByLabel tallies every stored record by label.
func (s *Store) CountByLabel() (map[string]int, error) {
	counts := make(map[string]int)
	err := s.scanRecent(predictionsBucket, 0, func(v []byte) error {
		var rec struct {
			Label string `json:"prediction"`
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil
		}
		counts[rec.Label]++
		return nil
	})
	return counts, err
}
