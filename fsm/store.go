package fsm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"
)

const stateDB = "fsm-state.db"

var (
	runsBucket   = []byte("RUNS")
	eventsBucket = []byte("EVENTS")

	keySeparator = []byte("#")
)

type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusComplete    RunStatus = "complete"
	RunStatusFailed      RunStatus = "failed"
	RunStatusInterrupted RunStatus = "interrupted"
)

type EventType string

const (
	EventTypeStart    EventType = "start"
	EventTypeComplete EventType = "complete"
	EventTypeError    EventType = "error"
	EventTypeFinish   EventType = "finish"
)

// RunRecord is the persisted summary of a run.
type RunRecord struct {
	Version    ulid.ULID `json:"version"`
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	TypeName   string    `json:"type_name"`
	State      string    `json:"state"`
	Status     RunStatus `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event is a single state event of a run.
type Event struct {
	Version    ulid.ULID `json:"version"`
	RunVersion ulid.ULID `json:"run_version"`
	Type       EventType `json:"type"`
	State      string    `json:"state"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

type store struct {
	logger logrus.FieldLogger

	codec Codec

	db *bbolt.DB
}

func newStore(logger logrus.FieldLogger, path string) (*store, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(path, stateDB), 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, err
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(eventsBucket); err != nil {
			return err
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &store{
		logger: logger,
		codec:  &jsonCodec{},
		db:     db,
	}, nil
}

func (s *store) Close() error {
	s.logger.Info("shutting down store")
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close state db, %w", err)
	}
	return nil
}

// PutRun creates or replaces the record for a run.
func (s *store) PutRun(rec RunRecord) error {
	b, err := s.codec.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).Put(rec.Version[:], b)
	})
}

func (s *store) GetRun(version ulid.ULID) (RunRecord, error) {
	var rec RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(runsBucket).Get(version[:])
		if b == nil {
			return ErrRunNotFound
		}
		return s.codec.Unmarshal(b, &rec)
	})
	return rec, err
}

// Runs returns every run record, oldest first.
func (s *store) Runs() ([]RunRecord, error) {
	var recs []RunRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(_, v []byte) error {
			var rec RunRecord
			if err := s.codec.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, rec)
			return nil
		})
	})
	return recs, err
}

// Append records an event for the given run.
func (s *store) Append(run Run, typ EventType, state string, eventErr error) (ulid.ULID, error) {
	switch typ {
	case EventTypeStart, EventTypeComplete, EventTypeError, EventTypeFinish:
	default:
		return ulid.ULID{}, errInvalidEventType
	}

	ev := Event{
		Version:    ulid.Make(),
		RunVersion: run.Version,
		Type:       typ,
		State:      state,
		Time:       time.Now().UTC(),
	}
	if eventErr != nil {
		ev.Error = eventErr.Error()
	}

	b, err := s.codec.Marshal(ev)
	if err != nil {
		return ulid.ULID{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(eventsBucket).Put(eventKey(run.Version, ev.Version), b)
	})
	if err != nil {
		return ulid.ULID{}, err
	}
	return ev.Version, nil
}

// Events returns the events of a run in the order they were appended.
func (s *store) Events(version ulid.ULID) ([]Event, error) {
	prefix := append(version[:], keySeparator...)

	var events []Event
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(eventsBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var ev Event
			if err := s.codec.Unmarshal(v, &ev); err != nil {
				return err
			}
			events = append(events, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := s.GetRun(version); errors.Is(err, ErrRunNotFound) {
			return nil, err
		}
	}
	return events, nil
}

func eventKey(run, event ulid.ULID) []byte {
	key := make([]byte, 0, len(run)+len(keySeparator)+len(event))
	key = append(key, run[:]...)
	key = append(key, keySeparator...)
	return append(key, event[:]...)
}
