// Package state persists the per-instrument strategy state across restarts:
// which mode each instrument is in and, for contrarian holds, when the hold
// started and how long it runs.
package state

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rltjrdbxbqm-dev/autotradebot/internal/util"
)

// Mode is the strategy mode an instrument is in.
type Mode string

const (
	ModeFlat           Mode = "FLAT"
	ModeTrendLong      Mode = "TREND_LONG"
	ModeContrarianHold Mode = "CONTRARIAN_HOLD"
	ModeTrendShort     Mode = "TREND_SHORT"
)

// ErrCorruptEntry marks a persisted record that violates the hold invariant.
var ErrCorruptEntry = errors.New("corrupt position state entry")

// Record is one instrument's persisted strategy state. HoldStartedAt is
// non-nil exactly when Mode is ModeContrarianHold, and HoldDurationHours is
// fixed at hold entry.
type Record struct {
	Mode              Mode       `json:"mode"`
	HoldStartedAt     *time.Time `json:"hold_started_at"`
	HoldDurationHours float64    `json:"hold_duration_hours"`
}

func (r Record) validate() error {
	switch r.Mode {
	case ModeFlat, ModeTrendLong, ModeTrendShort:
		if r.HoldStartedAt != nil {
			return ErrCorruptEntry
		}
	case ModeContrarianHold:
		if r.HoldStartedAt == nil || r.HoldDurationHours <= 0 {
			return ErrCorruptEntry
		}
	default:
		return ErrCorruptEntry
	}
	return nil
}

// Store holds the full per-instrument state map and rewrites the backing
// file atomically on every mutation.
type Store struct {
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	entries map[string]Record
}

func NewStore(path string, log zerolog.Logger) *Store {
	return &Store{path: path, log: log, entries: make(map[string]Record)}
}

// Load reads the persisted map. A missing file is a fresh start; an
// unreadable file is logged and also treated as fresh, since refusing to
// start would be worse than re-deriving state. Entries that violate the hold
// invariant are reset to FLAT individually.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := make(map[string]Record)
	if err := util.ReadJSON(s.path, &loaded); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		s.log.Error().Err(err).Str("path", s.path).Msg("position state unreadable, starting flat")
		return nil
	}
	for instrument, rec := range loaded {
		if err := rec.validate(); err != nil {
			s.log.Warn().Str("instrument", instrument).Str("mode", string(rec.Mode)).
				Msg("invalid persisted state, resetting to FLAT")
			rec = Record{Mode: ModeFlat}
		}
		s.entries[instrument] = rec
	}
	return nil
}

// Initialize adds FLAT records for instruments missing from the store
// without disturbing existing entries, then persists.
func (s *Store) Initialize(instruments []string) error {
	s.mu.Lock()
	added := 0
	for _, instrument := range instruments {
		if _, ok := s.entries[instrument]; !ok {
			s.entries[instrument] = Record{Mode: ModeFlat}
			added++
		}
	}
	s.mu.Unlock()
	if added == 0 {
		return nil
	}
	return s.Save()
}

// Get returns the record for an instrument, defaulting to FLAT.
func (s *Store) Get(instrument string) Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[instrument]
	if !ok {
		return Record{Mode: ModeFlat}
	}
	return rec
}

// Set updates one instrument's record and persists the whole map.
func (s *Store) Set(instrument string, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.entries[instrument] = rec
	s.mu.Unlock()
	return s.Save()
}

// Save writes the full map with temp-then-rename discipline.
func (s *Store) Save() error {
	s.mu.Lock()
	snapshot := make(map[string]Record, len(s.entries))
	for k, v := range s.entries {
		snapshot[k] = v
	}
	s.mu.Unlock()
	return util.WriteJSON(s.path, snapshot)
}
