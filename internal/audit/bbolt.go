package audit

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

var eventsBucket = []byte("events")

// BboltStore implements Store on top of an embedded bbolt database. Events
// are appended under monotonically increasing keys from the bucket's
// built-in sequence, so Recent can walk backwards from the newest entry
// without needing a secondary index.
type BboltStore struct {
	db *bbolt.DB
}

// NewBboltStore opens (creating if necessary) a bbolt-backed audit log at
// path.
func NewBboltStore(path string) (*BboltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(eventsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BboltStore{db: db}, nil
}

func (s *BboltStore) record(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal audit event: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(eventsBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

func (s *BboltStore) RecordConnect(clientAddr string) error {
	return s.record(Event{Time: time.Now(), Kind: KindConnect, Client: clientAddr})
}

func (s *BboltStore) RecordSubscribe(clientAddr string, topics []string) error {
	return s.record(Event{Time: time.Now(), Kind: KindSubscribe, Client: clientAddr, Topics: topics})
}

func (s *BboltStore) RecordDisconnect(clientAddr string) error {
	return s.record(Event{Time: time.Now(), Kind: KindDisconnect, Client: clientAddr})
}

func (s *BboltStore) RecordOverflow(clientAddr string) error {
	return s.record(Event{Time: time.Now(), Kind: KindOverflow, Client: clientAddr})
}

// Recent returns up to n of the most recently recorded events, newest
// first.
func (s *BboltStore) Recent(n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}

	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Last(); k != nil && len(events) < n; k, v = c.Prev() {
			var ev Event
			if err := json.Unmarshal(v, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal audit event: %w", err)
			}
			events = append(events, ev)
		}
		return nil
	})
	return events, err
}

func (s *BboltStore) Close() error {
	return s.db.Close()
}
