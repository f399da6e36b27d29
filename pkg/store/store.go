package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketElections   = []byte("elections")
	bucketAllocations = []byte("allocations")
	bucketFormations  = []byte("formations")
)

// ReportStore archives engine reports (election outcomes, allocation
// rounds, formation updates) in a BoltDB file so operators can audit
// past coordination decisions. The world model itself is never
// persisted; only the reports the engines hand back to the driver.
type ReportStore struct {
	db *bolt.DB
}

// Open creates or opens the report archive under dataDir.
func Open(dataDir string) (*ReportStore, error) {
	dbPath := filepath.Join(dataDir, "canaswarm.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open report archive: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketElections, bucketAllocations, bucketFormations} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &ReportStore{db: db}, nil
}

// Close closes the archive.
func (s *ReportStore) Close() error {
	return s.db.Close()
}

// SaveElection appends an election report.
func (s *ReportStore) SaveElection(report any) error {
	return s.append(bucketElections, report)
}

// SaveAllocation appends an allocation report.
func (s *ReportStore) SaveAllocation(report any) error {
	return s.append(bucketAllocations, report)
}

// SaveFormation appends a formation report.
func (s *ReportStore) SaveFormation(report any) error {
	return s.append(bucketFormations, report)
}

// append JSON-encodes a report under the bucket's next sequence number.
func (s *ReportStore) append(bucket []byte, report any) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}

		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)

		data, err := json.Marshal(report)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// Elections returns every archived election report in append order as
// raw JSON documents.
func (s *ReportStore) Elections() ([]json.RawMessage, error) {
	return s.list(bucketElections)
}

// Allocations returns every archived allocation report in append order.
func (s *ReportStore) Allocations() ([]json.RawMessage, error) {
	return s.list(bucketAllocations)
}

// Formations returns every archived formation report in append order.
func (s *ReportStore) Formations() ([]json.RawMessage, error) {
	return s.list(bucketFormations)
}

func (s *ReportStore) list(bucket []byte) ([]json.RawMessage, error) {
	var reports []json.RawMessage
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, v []byte) error {
			doc := make(json.RawMessage, len(v))
			copy(doc, v)
			reports = append(reports, doc)
			return nil
		})
	})
	return reports, err
}
