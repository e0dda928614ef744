// Package store implements the DataStore façade of spec §4.5 over
// tidwall/buntdb, an embedded, transactional key/value store whose
// Update/View transactions are exactly spec's begin()/commit()/rollback()
// contract: every write inside one RunTx either all lands, or buntdb rolls
// the whole transaction back when the callback returns an error.
/*
 * Copyright (c) 2024, wesim-project. All rights reserved.
 */
package store

import (
	"fmt"
	"strings"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/wesim-project/wesim/cmn"
	"github.com/wesim-project/wesim/particle"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const keyCurrentIteration = "meta:current_iteration"

// SegmentFilter selects segments by status at minimum (spec §4.5
// query_segments).
type SegmentFilter struct {
	Status    *particle.Status
	ExcludeStatus *particle.Status
}

func (f SegmentFilter) match(s *particle.Segment) bool {
	if f.Status != nil && s.Status != *f.Status {
		return false
	}
	if f.ExcludeStatus != nil && s.Status == *f.ExcludeStatus {
		return false
	}
	return true
}

// Store is the DataStore façade.
type Store struct {
	db *buntdb.DB

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// Open opens (creating if necessary) a buntdb file at path. path == ":memory:"
// opens a volatile in-memory store, used by tests and by cmd/wesimctl's
// default.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, cmn.Wrapf(cmn.ErrStoreTransaction, "opening store at %s: %v", path, err)
	}
	return &Store{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func segKey(nIter, segID uint64) string { return fmt.Sprintf("seg:%020d:%020d", nIter, segID) }
func segPrefix(nIter uint64) string     { return fmt.Sprintf("seg:%020d:", nIter) }
func summaryKey(nIter uint64) string    { return fmt.Sprintf("summary:%020d", nIter) }
func auxKey(nIter uint64, group, name string) string {
	return fmt.Sprintf("aux:%020d:%s:%s", nIter, group, name)
}

// GetCurrentIteration returns the global current_iteration pointer,
// defaulting to 0 before any commit has happened.
func (s *Store) GetCurrentIteration() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(keyCurrentIteration)
		if err == buntdb.ErrNotFound {
			n = 0
			return nil
		}
		if err != nil {
			return err
		}
		_, scanErr := fmt.Sscanf(v, "%d", &n)
		return scanErr
	})
	if err != nil {
		return 0, cmn.Wrap(err, "reading current_iteration")
	}
	return n, nil
}

// Tx is the transaction handle passed to a RunTx callback.
type Tx struct {
	tx *buntdb.Tx
}

// RunTx executes fn inside one buntdb.Update transaction: a single active
// transaction per driver, with no nested calls required (spec §4.5).
func (s *Store) RunTx(fn func(tx *Tx) error) error {
	err := s.db.Update(func(btx *buntdb.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return cmn.Wrap(cmn.ErrStoreTransaction, err.Error())
	}
	return nil
}

// RunView executes fn inside a read-only buntdb.View transaction; writes
// attempted through the Tx it receives fail at the buntdb layer.
func (s *Store) RunView(fn func(tx *Tx) error) error {
	err := s.db.View(func(btx *buntdb.Tx) error {
		return fn(&Tx{tx: btx})
	})
	if err != nil {
		return cmn.Wrap(err, "store view")
	}
	return nil
}

func (t *Tx) InsertSegments(nIter uint64, segs []*particle.Segment) error {
	for _, seg := range segs {
		b, err := json.Marshal(seg)
		if err != nil {
			return cmn.Wrap(err, "marshaling segment")
		}
		if _, _, err := t.tx.Set(segKey(nIter, seg.SegID), string(b), nil); err != nil {
			return cmn.Wrap(err, "inserting segment")
		}
	}
	return nil
}

// UpdateSegments overwrites status/endpoint_type/timing fields of
// already-inserted segments.
func (t *Tx) UpdateSegments(nIter uint64, segs []*particle.Segment) error {
	return t.InsertSegments(nIter, segs) // same key, last-writer-wins
}

func (t *Tx) QuerySegments(nIter uint64, filter SegmentFilter) ([]*particle.Segment, error) {
	var out []*particle.Segment
	prefix := segPrefix(nIter)
	var iterErr error
	err := t.tx.AscendGreaterOrEqual("", prefix, func(key, value string) bool {
		if !strings.HasPrefix(key, prefix) {
			return false
		}
		seg := &particle.Segment{}
		if err := json.Unmarshal([]byte(value), seg); err != nil {
			iterErr = cmn.Wrap(err, "unmarshaling segment")
			return false
		}
		if filter.match(seg) {
			out = append(out, seg)
		}
		return true
	})
	if err != nil {
		return nil, cmn.Wrap(err, "querying segments")
	}
	if iterErr != nil {
		return nil, iterErr
	}
	return out, nil
}

func (t *Tx) InsertIterationSummary(summ *particle.Summary) error {
	b, err := json.Marshal(summ)
	if err != nil {
		return cmn.Wrap(err, "marshaling iteration summary")
	}
	if _, _, err := t.tx.Set(summaryKey(summ.NIter), string(b), nil); err != nil {
		return cmn.Wrap(err, "inserting iteration summary")
	}
	return nil
}

func (t *Tx) UpdateIterationSummary(summ *particle.Summary) error {
	return t.InsertIterationSummary(summ)
}

func (t *Tx) GetIterationSummary(nIter uint64) (*particle.Summary, error) {
	v, err := t.tx.Get(summaryKey(nIter))
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, cmn.Wrap(err, "reading iteration summary")
	}
	summ := &particle.Summary{}
	if err := json.Unmarshal([]byte(v), summ); err != nil {
		return nil, cmn.Wrap(err, "unmarshaling iteration summary")
	}
	return summ, nil
}

func (t *Tx) SetCurrentIteration(n uint64) error {
	_, _, err := t.tx.Set(keyCurrentIteration, fmt.Sprintf("%d", n), nil)
	if err != nil {
		return cmn.Wrap(err, "setting current_iteration")
	}
	return nil
}

// PutAuxiliary stores an arbitrary array of float64s under (n_iter, group,
// name): the driver's per-iteration transition/population datasets and
// ReweightingDriver's avg_transition/avg_population (spec §4.4).
func (t *Tx) PutAuxiliary(nIter uint64, group, name string, data []float64) error {
	b, err := json.Marshal(data)
	if err != nil {
		return cmn.Wrap(err, "marshaling auxiliary dataset")
	}
	if _, _, err := t.tx.Set(auxKey(nIter, group, name), string(b), nil); err != nil {
		return cmn.Wrap(err, "inserting auxiliary dataset")
	}
	return nil
}

func (t *Tx) GetAuxiliary(nIter uint64, group, name string) ([]float64, error) {
	v, err := t.tx.Get(auxKey(nIter, group, name))
	if err == buntdb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, cmn.Wrap(err, "reading auxiliary dataset")
	}
	var out []float64
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, cmn.Wrap(err, "unmarshaling auxiliary dataset")
	}
	return out, nil
}

// RunTxGetAuxiliary reads one auxiliary dataset outside of a write
// transaction, for callers (ReweightingDriver's window scan) that only
// need a point read and would otherwise pay for an Update they don't use.
func (s *Store) RunTxGetAuxiliary(nIter uint64, group, name string) ([]float64, error) {
	var out []float64
	err := s.db.View(func(btx *buntdb.Tx) error {
		tx := &Tx{tx: btx}
		v, err := tx.GetAuxiliary(nIter, group, name)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Lock returns an advisory exclusive lock over an iteration-group
// namespace (spec §4.5 lock()/flushing_lock()); used by ReweightingDriver
// to coordinate its read-modify-write sequence over a group's auxiliary
// datasets, which buntdb itself does not make atomic across separate
// Update calls.
func (s *Store) Lock(nIter uint64, group string) func() {
	key := fmt.Sprintf("%020d:%s", nIter, group)
	s.locksMu.Lock()
	mu, ok := s.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[key] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

// FlushingLock is an alias for Lock: the teacher's data_manager
// distinguishes lock() (administrative) from flushing_lock() (guards a
// flush-to-disk sequence), a distinction that has no separate meaning over
// buntdb since every Set already durably serializes through one writer.
func (s *Store) FlushingLock(nIter uint64, group string) func() {
	return s.Lock(nIter, group)
}
