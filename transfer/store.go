package transfer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/buntdb"
)

// store is the Transfer Engine's task table: an in-memory, indexed
// key-value store built on buntdb, chosen for its secondary-key range
// queries (by status) over a small record set — something a bare map
// can't do without a linear scan on every poll.
type store struct {
	db *buntdb.DB
}

const taskKeyPrefix = "task:"

func taskKey(id string) string { return taskKeyPrefix + id }

func newStore() (*store, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("transfer: failed to open task table: %w", err)
	}
	if err := db.CreateIndex("status", taskKeyPrefix+"*", buntdb.IndexJSON("status")); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transfer: failed to create status index: %w", err)
	}
	if err := db.CreateIndex("type", taskKeyPrefix+"*", buntdb.IndexJSON("type")); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("transfer: failed to create type index: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) close() error { return s.db.Close() }

// put writes t inside the caller's transaction, overwriting any existing
// record with the same ID. Each Get and Put wrapper below runs its own
// transaction; engine.go reads a task and writes its new state in two
// separate transactions.
func (s *store) put(tx *buntdb.Tx, t Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(taskKey(t.ID), string(b), nil)
	return err
}

func (s *store) get(tx *buntdb.Tx, id string) (Task, bool, error) {
	val, err := tx.Get(taskKey(id))
	if err == buntdb.ErrNotFound {
		return Task{}, false, nil
	}
	if err != nil {
		return Task{}, false, err
	}
	var t Task
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return Task{}, false, err
	}
	return t, true, nil
}

func (s *store) delete(tx *buntdb.Tx, id string) error {
	_, err := tx.Delete(taskKey(id))
	if err == buntdb.ErrNotFound {
		return nil
	}
	return err
}

// Get is the read-only, auto-transaction convenience wrapper used outside
// state-transition code paths.
func (s *store) Get(id string) (Task, bool, error) {
	var (
		t   Task
		ok  bool
		err error
	)
	viewErr := s.db.View(func(tx *buntdb.Tx) error {
		t, ok, err = s.get(tx, id)
		return err
	})
	if viewErr != nil {
		return Task{}, false, viewErr
	}
	return t, ok, err
}

func (s *store) Put(t Task) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.put(tx, t)
	})
}

func (s *store) Delete(id string) error {
	return s.db.Update(func(tx *buntdb.Tx) error {
		return s.delete(tx, id)
	})
}

// ListByStatus uses the status secondary index so polling for e.g. all
// QUEUED tasks doesn't scan the whole table.
func (s *store) ListByStatus(status Status) ([]Task, error) {
	pivot := fmt.Sprintf(`{"status":%q}`, status)
	var out []Task
	err := s.db.View(func(tx *buntdb.Tx) error {
		var iterErr error
		err := tx.AscendEqual("status", pivot, func(key, value string) bool {
			var t Task
			if e := json.Unmarshal([]byte(value), &t); e != nil {
				iterErr = e
				return false
			}
			out = append(out, t)
			return true
		})
		if err != nil {
			return err
		}
		return iterErr
	})
	return out, err
}

// ListAll returns every task, ordered by key (insertion id order is not
// guaranteed; callers needing CreatedAt order should sort).
func (s *store) ListAll() ([]Task, error) {
	var out []Task
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(taskKeyPrefix+"*", func(key, value string) bool {
			if !strings.HasPrefix(key, taskKeyPrefix) {
				return true
			}
			var t Task
			if json.Unmarshal([]byte(value), &t) == nil {
				out = append(out, t)
			}
			return true
		})
	})
	return out, err
}
