// Package reconcile decides whether a canonical record is new, already
// stored, or previously deleted by the user, and applies that decision.
package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"grouparchive/backend/internal/models"
	"grouparchive/backend/internal/storage"
)

// Outcome is the reconciliation decision for one candidate.
type Outcome int

const (
	Insert Outcome = iota + 1
	UpdateInPlace
	SuppressedBySoftDelete
)

func (o Outcome) String() string {
	switch o {
	case Insert:
		return "insert"
	case UpdateInPlace:
		return "update_in_place"
	case SuppressedBySoftDelete:
		return "suppressed_by_soft_delete"
	}
	return "unknown"
}

// Store is the storage surface the reconciler needs.
type Store interface {
	InTx(ctx context.Context, fn func(tx storage.Tx) error) error
	AppendFetchHistory(ctx context.Context, entry *models.FetchHistoryEntry) error
}

// Reconciler serializes check-then-write per natural key. The database
// transaction covers other processes; the key lock covers this one.
type Reconciler struct {
	store Store
	locks keyedMutex
}

func New(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// ReconcileMessage applies msg unless a tombstone exists for its key.
// A suppressed candidate never touches the messages table.
func (r *Reconciler) ReconcileMessage(ctx context.Context, msg *models.Message) (Outcome, error) {
	key := "m:" + strconv.FormatInt(msg.GroupID, 10) + ":" + strconv.FormatInt(msg.MessageID, 10)
	unlock := r.locks.lock(key)
	defer unlock()

	var outcome Outcome
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		dead, err := tx.MessageTombstoned(msg.GroupID, msg.MessageID)
		if err != nil {
			return err
		}
		if dead {
			outcome = SuppressedBySoftDelete
			return nil
		}
		exists, err := tx.MessageExists(msg.GroupID, msg.MessageID)
		if err != nil {
			return err
		}
		// The latest fetch is authoritative; edit timestamps are not compared.
		if exists {
			outcome = UpdateInPlace
			return tx.UpdateMessage(msg)
		}
		outcome = Insert
		return tx.CreateMessage(msg)
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile message %d/%d: %w", msg.GroupID, msg.MessageID, err)
	}
	return outcome, nil
}

// ReconcileAuthor is the author variant of ReconcileMessage.
func (r *Reconciler) ReconcileAuthor(ctx context.Context, author *models.Author) (Outcome, error) {
	unlock := r.locks.lock("a:" + strconv.FormatInt(author.ID, 10))
	defer unlock()

	var outcome Outcome
	err := r.store.InTx(ctx, func(tx storage.Tx) error {
		dead, err := tx.AuthorTombstoned(author.ID)
		if err != nil {
			return err
		}
		if dead {
			outcome = SuppressedBySoftDelete
			return nil
		}
		exists, err := tx.AuthorExists(author.ID)
		if err != nil {
			return err
		}
		if exists {
			outcome = UpdateInPlace
			return tx.UpdateAuthor(author)
		}
		outcome = Insert
		return tx.CreateAuthor(author)
	})
	if err != nil {
		return 0, fmt.Errorf("reconcile author %d: %w", author.ID, err)
	}
	return outcome, nil
}

// RecordFetch appends the ledger entry of a completed run. Zero yield is a
// valid outcome and is recorded like any other.
func (r *Reconciler) RecordFetch(ctx context.Context, entry *models.FetchHistoryEntry) error {
	if entry.Yielded < 0 {
		return fmt.Errorf("record fetch: negative yield %d", entry.Yielded)
	}
	if err := r.store.AppendFetchHistory(ctx, entry); err != nil {
		return fmt.Errorf("record fetch for group %d: %w", entry.GroupID, err)
	}
	return nil
}

// keyedMutex hands out one mutex per key and drops it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
