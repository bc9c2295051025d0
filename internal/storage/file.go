package storage

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"flightcollector/internal/track"
	logx "flightcollector/pkg/logx"

	"github.com/goccy/go-json"
)

const fileCompactEvery = 1000

// fileStore persists to plain files.
//
// Files:
//   - <prefix>.frames.jsonl         (append-only JSON Lines, one record per line)
//   - <prefix>.known.snapshot.json  (periodic snapshot of known ids)
//   - <prefix>.known.journal.jsonl  (append-only journal of ids seen since)
//
// The journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	framesFile *os.File

	snapshotPath string
	journalFile  *os.File
	known        knownIDs

	batches int
}

type knownIDs struct {
	Aircraft map[string]struct{}
	Flights  map[string]struct{}
}

type knownSnapshot struct {
	Aircraft []string `json:"aircraft"`
	Flights  []string `json:"flights"`
}

type knownRecord struct {
	Kind string `json:"kind"` // "aircraft" | "flight"
	ID   string `json:"id"`
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	framesPath := prefix + ".frames.jsonl"
	snapPath := prefix + ".known.snapshot.json"
	journalPath := prefix + ".known.journal.jsonl"

	ff, err := os.OpenFile(framesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	known := knownIDs{Aircraft: map[string]struct{}{}, Flights: map[string]struct{}{}}
	if err := loadKnownSnapshot(snapPath, &known); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("known-id snapshot unreadable", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayKnownJournal(journalPath, &known); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("known-id journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = ff.Close()
		return nil, err
	}

	log.Info("file store opened",
		logx.String("frames", framesPath),
		logx.Int("known_aircraft", len(known.Aircraft)),
		logx.Int("known_flights", len(known.Flights)),
	)
	return &fileStore{
		log:          log,
		framesFile:   ff,
		snapshotPath: snapPath,
		journalFile:  jf,
		known:        known,
	}, nil
}

func (s *fileStore) WriteBatch(ctx context.Context, batch []track.Record) (WriteStats, error) {
	var st WriteStats
	if err := ctx.Err(); err != nil {
		return st, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.framesFile == nil {
		return st, ErrClosed
	}
	if len(batch) == 0 {
		return st, nil
	}

	// Encode everything first so a failing record leaves the files untouched.
	var frames, journal []byte
	var newAircraft, newFlights []string
	seenAircraft := map[string]struct{}{}
	seenFlights := map[string]struct{}{}
	for i := range batch {
		r := &batch[i]
		line, err := json.Marshal(r)
		if err != nil {
			return WriteStats{}, err
		}
		frames = append(append(frames, line...), '\n')

		if r.ICAO24 != "" && !has(s.known.Aircraft, r.ICAO24) && !has(seenAircraft, r.ICAO24) {
			seenAircraft[r.ICAO24] = struct{}{}
			newAircraft = append(newAircraft, r.ICAO24)
			journal = appendKnown(journal, "aircraft", r.ICAO24)
		}
		if !has(s.known.Flights, r.ID) && !has(seenFlights, r.ID) {
			seenFlights[r.ID] = struct{}{}
			newFlights = append(newFlights, r.ID)
			journal = appendKnown(journal, "flight", r.ID)
		}
	}

	if _, err := s.framesFile.Write(frames); err != nil {
		return WriteStats{}, err
	}
	if len(journal) > 0 {
		if _, err := s.journalFile.Write(journal); err != nil {
			return WriteStats{}, err
		}
	}
	for _, id := range newAircraft {
		s.known.Aircraft[id] = struct{}{}
	}
	for _, id := range newFlights {
		s.known.Flights[id] = struct{}{}
	}

	s.batches++
	if s.batches%fileCompactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("known-id compact failed", logx.Err(err))
		}
	}

	st.Frames = len(batch)
	st.NewAircraft = len(newAircraft)
	st.NewFlights = len(newFlights)
	return st, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.framesFile == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.framesFile.Close(); err == nil {
		err = cerr
	}
	if cerr := s.journalFile.Close(); err == nil {
		err = cerr
	}
	s.framesFile = nil
	s.journalFile = nil
	return err
}

func (s *fileStore) compactLocked() error {
	snap := knownSnapshot{
		Aircraft: make([]string, 0, len(s.known.Aircraft)),
		Flights:  make([]string, 0, len(s.known.Flights)),
	}
	for id := range s.known.Aircraft {
		snap.Aircraft = append(snap.Aircraft, id)
	}
	for id := range s.known.Flights {
		snap.Flights = append(snap.Flights, id)
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func appendKnown(buf []byte, kind, id string) []byte {
	line, _ := json.Marshal(knownRecord{Kind: kind, ID: id})
	return append(append(buf, line...), '\n')
}

func has(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}

func loadKnownSnapshot(path string, out *knownIDs) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap knownSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, id := range snap.Aircraft {
		out.Aircraft[id] = struct{}{}
	}
	for _, id := range snap.Flights {
		out.Flights[id] = struct{}{}
	}
	return nil
}

func replayKnownJournal(path string, out *knownIDs) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r knownRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		switch r.Kind {
		case "aircraft":
			out.Aircraft[r.ID] = struct{}{}
		case "flight":
			out.Flights[r.ID] = struct{}{}
		}
	}
	return s.Err()
}
