// Package checkpoint remembers the last completed pagination cursor of a
// run so an aborted window can be resumed instead of restarted.
package checkpoint

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.etcd.io/bbolt"

	"grouparchive/backend/internal/remote"
)

var cursorsBucket = []byte("cursors")

// ErrNotFound is returned by Load when no checkpoint exists for the key.
var ErrNotFound = errors.New("checkpoint: not found")

// Key identifies one resumable run.
type Key struct {
	Credential string
	GroupRef   string
	Window     remote.Window
}

func (k Key) bytes() []byte {
	return []byte(k.Credential + "|" + k.GroupRef + "|" +
		strconv.FormatInt(unix(k.Window.Start), 10) + "|" +
		strconv.FormatInt(unix(k.Window.End), 10) + "|" +
		strconv.FormatBool(k.Window.NewestFirst))
}

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Checkpoint is the saved position of a run.
type Checkpoint struct {
	Cursor  remote.Cursor
	GroupID int64
	Pages   int
	SavedAt time.Time
}

// Store persists checkpoints in a bbolt file.
type Store struct {
	db *bbolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{cursorsBucket, spoolBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Save(key Key, cp Checkpoint) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := encodeToBinary(cp)
		if err != nil {
			return err
		}
		return tx.Bucket(cursorsBucket).Put(key.bytes(), data)
	})
}

func (s *Store) Load(key Key) (*Checkpoint, error) {
	var cp Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(cursorsBucket).Get(key.bytes())
		if data == nil {
			return ErrNotFound
		}
		return decodeBinary(data, &cp)
	})
	if err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) Clear(key Key) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(cursorsBucket).Delete(key.bytes())
	})
}

// Count returns the number of stored checkpoints.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(cursorsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeToBinary(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	err := gob.NewEncoder(&buf).Encode(data)
	return buf.Bytes(), err
}

func decodeBinary(data []byte, target interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(target)
}
