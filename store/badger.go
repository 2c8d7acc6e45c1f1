// Package store persists tempo results in an embedded BadgerDB.
package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/RyanBlaney/sonido-tempo/logging"
	"github.com/RyanBlaney/sonido-tempo/tempo"
)

// ErrNotFound is returned when no result exists for a track.
var ErrNotFound = errors.New("store: not found")

// Record is the persisted form of a tempo.TrackResult.
type Record struct {
	RunID      string     `msgpack:"run_id"`
	TrackID    string     `msgpack:"track_id"`
	Path       string     `msgpack:"path"`
	Estimates  []int      `msgpack:"estimates"`
	Summary    *int       `msgpack:"summary,omitempty"`
	ErrorKind  tempo.Kind `msgpack:"error_kind,omitempty"`
	Error      string     `msgpack:"error,omitempty"`
	ElapsedMS  int64      `msgpack:"elapsed_ms"`
	RecordedAt time.Time  `msgpack:"recorded_at"`
}

// OK reports whether the record holds estimates.
func (r *Record) OK() bool {
	return r.Error == ""
}

// NewRecord converts a track result.
func NewRecord(result tempo.TrackResult) Record {
	rec := Record{
		TrackID:    result.Track.ID,
		Path:       result.Track.Path,
		Estimates:  result.Estimates,
		Summary:    result.Summary,
		ElapsedMS:  result.Elapsed.Milliseconds(),
		RecordedAt: time.Now().UTC(),
	}
	if result.RunID != uuid.Nil {
		rec.RunID = result.RunID.String()
	}
	if result.Err != nil {
		rec.ErrorKind = result.Err.Kind
		rec.Error = result.Err.Err.Error()
	}
	return rec
}

// Options configures the Badger store.
type Options struct {
	// Dir is the directory for BadgerDB data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence.
	InMemory bool
}

// Badger stores results under run/<run-id>/<track-id> and keeps the most
// recent result of every track under latest/<track-id>.
type Badger struct {
	db     *badger.DB
	logger logging.Logger
}

// Open opens or creates the store.
func Open(opts Options) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("store: Dir is required for on-disk mode")
	}

	logger := logging.WithFields(logging.Fields{
		"component": "result_store",
	})

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{logger})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}

	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", opts.Dir, err)
	}
	return &Badger{db: db, logger: logger}, nil
}

func runKey(runID, trackID string) []byte {
	return []byte("run/" + runID + "/" + trackID)
}

func latestKey(trackID string) []byte {
	return []byte("latest/" + trackID)
}

// Record implements tempo.ResultSink.
func (b *Badger) Record(ctx context.Context, result tempo.TrackResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if result.Track.ID == "" {
		return errors.New("store: result has no track id")
	}

	rec := NewRecord(result)
	value, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("store: encode %s: %w", rec.TrackID, err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if rec.RunID != "" {
			if err := txn.Set(runKey(rec.RunID, rec.TrackID), value); err != nil {
				return err
			}
		}
		return txn.Set(latestKey(rec.TrackID), value)
	})
	if err != nil {
		return fmt.Errorf("store: write %s: %w", rec.TrackID, err)
	}

	b.logger.Debug("Result stored", logging.Fields{
		"track_id": rec.TrackID,
		"run_id":   rec.RunID,
	})
	return nil
}

func (b *Badger) get(key []byte) (*Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", key, err)
	}
	return &rec, nil
}

// Latest returns the most recent result recorded for trackID.
func (b *Badger) Latest(_ context.Context, trackID string) (*Record, error) {
	return b.get(latestKey(trackID))
}

// Get returns the result of trackID within a run.
func (b *Badger) Get(_ context.Context, runID uuid.UUID, trackID string) (*Record, error) {
	return b.get(runKey(runID.String(), trackID))
}

// Run iterates over every result of a run in key order.
func (b *Badger) Run(_ context.Context, runID uuid.UUID) iter.Seq2[*Record, error] {
	prefix := []byte("run/" + runID.String() + "/")

	return func(yield func(*Record, error) bool) {
		err := b.db.View(func(txn *badger.Txn) error {
			iterOpts := badger.DefaultIteratorOptions
			iterOpts.Prefix = prefix
			it := txn.NewIterator(iterOpts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				var rec Record
				err := it.Item().Value(func(val []byte) error {
					return msgpack.Unmarshal(val, &rec)
				})
				if err != nil {
					if !yield(nil, err) {
						return nil
					}
					continue
				}
				if !yield(&rec, nil) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(nil, err)
		}
	}
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger routes badger's warnings and errors to the component logger.
type badgerLogger struct {
	logger logging.Logger
}

func (l badgerLogger) Errorf(f string, v ...any) {
	l.logger.Error(fmt.Errorf(f, v...), "badger error")
}

func (l badgerLogger) Warningf(f string, v ...any) {
	l.logger.Warn(fmt.Sprintf(f, v...))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
