package memory

import (
	"context"
	"errors"
)

var errTxDone = errors.New("transaction has already been committed or rolled back")

// journal records how to restore every map entry touched inside a unit of work.
type journal struct {
	undo []func()
}

// remember records the current value of m[key] so rollback can restore it.
// Values are copied, so later in-place changes do not leak into the journal.
func remember[K comparable, V any](j *journal, m map[K]*V, key K) {
	if j == nil {
		return
	}
	old, existed := m[key]
	var saved *V
	if existed {
		c := *old
		saved = &c
	}
	j.undo = append(j.undo, func() {
		if existed {
			m[key] = saved
		} else {
			delete(m, key)
		}
	})
}

func (j *journal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

// tx holds the repository lock from BeginTx until Commit or Rollback.
type tx struct {
	repo    *Repository
	journal journal
	done    bool
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.journal.undo = nil
	t.repo.mu.Unlock()
	return nil
}

// Rollback is a no-op after Commit, so it can be deferred.
func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.journal.rollback()
	t.repo.mu.Unlock()
	return nil
}
