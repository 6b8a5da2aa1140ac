package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"beacon/internal/model"
)

const (
	journalFile = "queue.jsonl"

	// Compact once the log carries this many more records than live beacons.
	compactThreshold = 256
)

// Journal operations.
const (
	opAdd    = "add"
	opRemove = "remove"
	opClear  = "clear"
)

// journalRecord is one line of the append-only log.
type journalRecord struct {
	Op     string            `json:"op"`
	Beacon *model.WireBeacon `json:"beacon,omitempty"`
	IDs    []string          `json:"ids,omitempty"`
}

// JournalStorage persists the beacon queue as an append-only log of
// JSON lines. Every mutation appends one record and syncs the file. A
// failed write is truncated away; a torn line left by a crash
// mid-write is ignored on load.
// Compaction rewrites the live beacons to a temporary file and renames
// it over the log, so a crash during compaction leaves either the old
// or the new log intact.
type JournalStorage struct {
	mu      sync.Mutex
	dataDir string
	file    *os.File
	// size is the end offset of the last committed record.
	size    int64
	live    int
	records int
}

// rename is replaced in tests to exercise failed compactions.
var rename = os.Rename

// NewJournalStorage opens (creating if needed) the journal in dataDir.
func NewJournalStorage(dataDir string) (*JournalStorage, error) {
	if err := os.MkdirAll(dataDir, secureDirMode); err != nil {
		return nil, err
	}

	s := &JournalStorage{dataDir: dataDir}
	if err := ensureSecureFile(s.journalPath()); err != nil {
		return nil, err
	}
	if err := s.openForAppend(); err != nil {
		return nil, err
	}
	return s, nil
}

// journalPath returns the path to the journal file
func (s *JournalStorage) journalPath() string {
	return filepath.Join(s.dataDir, journalFile)
}

func (s *JournalStorage) openForAppend() error {
	f, err := os.OpenFile(s.journalPath(), os.O_APPEND|os.O_WRONLY|os.O_CREATE, secureFileMode)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	s.file = f
	s.size = info.Size()
	return nil
}

// Close closes the journal file.
func (s *JournalStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// Load replays the journal and returns the live beacons in insertion
// order. A log with dead records is compacted before Load returns.
func (s *JournalStorage) Load() ([]model.WireBeacon, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	beacons, records, torn, err := s.replay()
	if err != nil {
		return nil, err
	}
	s.live = len(beacons)
	s.records = records

	if torn || s.records > s.live {
		if err := s.compactLocked(beacons); err != nil {
			return nil, err
		}
	}
	return beacons, nil
}

// replay reads the journal. torn reports a record that could not be
// decoded.
func (s *JournalStorage) replay() (beacons []model.WireBeacon, records int, torn bool, err error) {
	data, err := os.ReadFile(s.journalPath())
	if err != nil {
		if os.IsNotExist(err) {
			return []model.WireBeacon{}, 0, false, nil
		}
		return nil, 0, false, err
	}

	var (
		order []string
		byID  = make(map[string]model.WireBeacon)
	)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec journalRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			// Torn write. Later lines were written after it was
			// discarded and still count.
			torn = true
			continue
		}
		records++
		switch rec.Op {
		case opAdd:
			if rec.Beacon == nil {
				continue
			}
			if _, exists := byID[rec.Beacon.ID]; !exists {
				order = append(order, rec.Beacon.ID)
			}
			byID[rec.Beacon.ID] = *rec.Beacon
		case opRemove:
			for _, id := range rec.IDs {
				delete(byID, id)
			}
		case opClear:
			byID = make(map[string]model.WireBeacon)
			order = nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, false, err
	}

	beacons = make([]model.WireBeacon, 0, len(byID))
	for _, id := range order {
		if b, ok := byID[id]; ok {
			beacons = append(beacons, b)
			delete(byID, id)
		}
	}
	return beacons, records, torn, nil
}

// Append adds a beacon at the tail of the queue.
func (s *JournalStorage) Append(b model.WireBeacon) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(journalRecord{Op: opAdd, Beacon: &b}); err != nil {
		return err
	}
	s.live++
	return nil
}

// Remove records the removal of the given ids. Unknown ids are
// ignored on replay.
func (s *JournalStorage) Remove(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(journalRecord{Op: opRemove, IDs: ids}); err != nil {
		return err
	}
	s.live = max(s.live-len(ids), 0)
	if s.records-s.live >= compactThreshold {
		beacons, _, _, err := s.replay()
		if err != nil {
			return err
		}
		return s.compactLocked(beacons)
	}
	return nil
}

// Clear truncates the journal.
func (s *JournalStorage) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked(nil)
}

func (s *JournalStorage) writeLocked(rec journalRecord) error {
	if s.file == nil {
		return fmt.Errorf("journal is closed")
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	// Drop bytes left behind by an earlier failed write so the new
	// record starts on a line of its own.
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat journal: %w", err)
	}
	if info.Size() > s.size {
		if err := s.file.Truncate(s.size); err != nil {
			return fmt.Errorf("failed to discard partial journal record: %w", err)
		}
	}

	if _, err := s.file.Write(line); err != nil {
		s.rollbackLocked()
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollbackLocked()
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	s.size += int64(len(line))
	s.records++
	return nil
}

// rollbackLocked removes an unacknowledged record. If truncation fails
// the next write retries it.
func (s *JournalStorage) rollbackLocked() {
	if err := s.file.Truncate(s.size); err == nil {
		_ = s.file.Sync()
	}
}

// compactLocked atomically replaces the journal with one add record
// per live beacon.
func (s *JournalStorage) compactLocked(beacons []model.WireBeacon) error {
	tmp, err := os.CreateTemp(s.dataDir, journalFile+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := writeRecords(tmp, beacons); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(secureFileMode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if err := rename(tmpPath, s.journalPath()); err != nil {
		// The old log is still intact; keep appending to it.
		if reopenErr := s.openForAppend(); reopenErr != nil {
			return errors.Join(fmt.Errorf("failed to replace journal: %w", err), reopenErr)
		}
		return fmt.Errorf("failed to replace journal: %w", err)
	}
	if err := s.openForAppend(); err != nil {
		return err
	}
	s.live = len(beacons)
	s.records = len(beacons)
	return nil
}

func writeRecords(w io.Writer, beacons []model.WireBeacon) error {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	for i := range beacons {
		if err := enc.Encode(journalRecord{Op: opAdd, Beacon: &beacons[i]}); err != nil {
			return err
		}
	}
	return buf.Flush()
}
