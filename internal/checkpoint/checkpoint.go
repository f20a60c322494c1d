// Package checkpoint implements the Metadata/Checkpoint component of
// spec.md section 4.7: a durable {resetlogs, sequence, offset, firstScn,
// nextScn} record per pipeline instance, backed by go.etcd.io/bbolt.
package checkpoint

import (
	"encoding/json"
	"sync"

	"go.etcd.io/bbolt"

	"github.com/redopipe/redopipe/internal/rerr"
	"github.com/redopipe/redopipe/internal/types"
)

// currentKey is the single key each instance's bucket stores its latest
// checkpoint under.
var currentKey = []byte("current")

// Checkpoint is the persisted position plus the forward-compatible unknown
// key bag, per spec.md section 6: "unknown keys are preserved on rewrite."
type Checkpoint struct {
	Resetlogs types.Resetlogs `json:"resetlogs"`
	Sequence  types.Seq       `json:"sequence"`
	Offset    types.FileOffset `json:"offset"`
	FirstScn  types.Scn       `json:"first_scn"`
	NextScn   types.Scn       `json:"next_scn"`
	Schema    string          `json:"schema,omitempty"`

	Unknown map[string]json.RawMessage `json:"-"`
}

// MarshalJSON folds Unknown back in alongside the known fields, so a
// checkpoint file written by a newer version round-trips through an older
// one without losing fields it doesn't recognize.
func (c Checkpoint) MarshalJSON() ([]byte, error) {
	type alias Checkpoint
	known, err := json.Marshal(alias(c))
	if err != nil {
		return nil, err
	}
	if len(c.Unknown) == 0 {
		return known, nil
	}
	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range c.Unknown {
		if _, ok := merged[k]; !ok {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON decodes the known fields and stashes everything else into
// Unknown.
func (c *Checkpoint) UnmarshalJSON(data []byte) error {
	type alias Checkpoint
	if err := json.Unmarshal(data, (*alias)(c)); err != nil {
		return err
	}
	raw := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"resetlogs": true, "sequence": true, "offset": true,
		"first_scn": true, "next_scn": true, "schema": true,
	}
	for k, v := range raw {
		if !known[k] {
			if c.Unknown == nil {
				c.Unknown = map[string]json.RawMessage{}
			}
			c.Unknown[k] = v
		}
	}
	return nil
}

// Store is a bbolt-backed checkpoint store, one bucket per pipeline
// instance id. A mutex guards the in-process fast path (spec.md section 5:
// "a single mutex; readers hold it only for microseconds"); bbolt's own
// transaction lock separately serializes the durable write.
type Store struct {
	db *bbolt.DB
	mu sync.Mutex
}

// Open creates or opens the bbolt file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, rerr.Wrap(err, rerr.Boot, 800, "checkpoint: open store")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load reads instance's current checkpoint. ok is false if none has been
// written yet (a fresh instance starting at its configured initial
// position).
func (s *Store) Load(instance string) (cp Checkpoint, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txErr := s.db.View(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket([]byte(instance))
		if bkt == nil {
			return nil
		}
		raw := bkt.Get(currentKey)
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &cp)
	})
	if txErr != nil {
		return Checkpoint{}, false, rerr.Wrap(txErr, rerr.Runtime, 801, "checkpoint: load")
	}
	return cp, ok, nil
}

// Save persists cp for instance inside one db.Update transaction, giving
// the atomicity spec.md section 6 asks of a write-rename without needing
// one: bbolt's own WAL+mmap commit is the atomic swap.
func (s *Store) Save(instance string, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(cp)
	if err != nil {
		return rerr.Wrap(err, rerr.Runtime, 802, "checkpoint: encode")
	}

	txErr := s.db.Update(func(tx *bbolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(instance))
		if err != nil {
			return err
		}
		return bkt.Put(currentKey, raw)
	})
	if txErr != nil {
		return rerr.Wrap(txErr, rerr.Runtime, 803, "checkpoint: save")
	}
	return nil
}

// Position converts cp to the types.Position the parser/reader resume
// from.
func (cp Checkpoint) Position() types.Position {
	return types.Position{Resetlogs: cp.Resetlogs, Sequence: cp.Sequence, Offset: cp.Offset, Scn: cp.NextScn}
}
