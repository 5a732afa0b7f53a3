package checkpoint

import (
	"bytes"
	"encoding/binary"
	"strconv"

	"go.etcd.io/bbolt"
)

var spoolBucket = []byte("spool")

// SpoolEntry is one platform update held back for a later run.
type SpoolEntry struct {
	UpdateID int64
	Payload  []byte
}

// spoolPrefix scopes entries to one credential and chat. Update ids are
// appended big-endian so a prefix scan yields them in ascending order.
func spoolPrefix(credential string, chatID int64) []byte {
	return []byte(credential + "\x00" + strconv.FormatInt(chatID, 10) + "\x00")
}

func spoolKey(credential string, chatID, updateID int64) []byte {
	key := spoolPrefix(credential, chatID)
	return binary.BigEndian.AppendUint64(key, uint64(updateID))
}

// Stash keeps an update that a session consumed from a shared queue but
// could not deliver. Stashing the same update twice overwrites it.
func (s *Store) Stash(credential string, chatID, updateID int64, payload []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(spoolBucket).Put(spoolKey(credential, chatID, updateID), payload)
	})
}

// List returns the stashed updates of one chat, oldest first.
func (s *Store) List(credential string, chatID int64) ([]SpoolEntry, error) {
	prefix := spoolPrefix(credential, chatID)
	var entries []SpoolEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(spoolBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			entries = append(entries, SpoolEntry{
				UpdateID: int64(binary.BigEndian.Uint64(k[len(prefix):])),
				Payload:  append([]byte(nil), v...),
			})
		}
		return nil
	})
	return entries, err
}

// Delete drops delivered updates.
func (s *Store) Delete(credential string, chatID int64, updateIDs []int64) error {
	if len(updateIDs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(spoolBucket)
		for _, id := range updateIDs {
			if err := b.Delete(spoolKey(credential, chatID, id)); err != nil {
				return err
			}
		}
		return nil
	})
}
