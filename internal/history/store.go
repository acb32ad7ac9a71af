package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trainjobs/internal/apperrors"
)

// Store writes and reads per-job history logs. Layout is one JSONL file
// per job id, grouped in a directory per job key:
//
//	<dir>/<key>/<jobID>.log
//
// Files are append-only. The orchestrator is the single writer per
// file, so entries within a file are in append order.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperrors.Internal("history.init", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) logPath(key, jobID string) string {
	return filepath.Join(s.dir, key, jobID+".log")
}

// Append writes one entry to the job's log. A zero Timestamp is filled
// with the current time.
func (s *Store) Append(key, jobID string, entry Entry) error {
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	if err := os.MkdirAll(filepath.Join(s.dir, key), 0o755); err != nil {
		return apperrors.Internal("history.append", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return apperrors.Internal("history.append", err)
	}

	f, err := os.OpenFile(s.logPath(key, jobID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.Internal("history.append", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return apperrors.Internal("history.append", err)
	}
	return nil
}

// Load reads the job's entries in append order. Reading stops at the
// first unparseable line: a torn write truncates the tail, it never
// fails the query.
func (s *Store) Load(key, jobID string) ([]Entry, error) {
	f, err := os.Open(s.logPath(key, jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("job history", jobID)
		}
		return nil, apperrors.Internal("history.load", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			break
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, apperrors.Internal("history.load", err)
	}
	return entries, nil
}

// LoadLatest reads the newest attempt's entries for a key, for status
// queries that outlive the in-memory record.
func (s *Store) LoadLatest(key string) ([]Entry, error) {
	dirEntries, err := os.ReadDir(filepath.Join(s.dir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("job", key)
		}
		return nil, apperrors.Internal("history.load", err)
	}

	var latestID string
	var latestMod time.Time
	for _, de := range dirEntries {
		if de.IsDir() || filepath.Ext(de.Name()) != ".log" {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if latestID == "" || info.ModTime().After(latestMod) {
			latestID = de.Name()[:len(de.Name())-len(".log")]
			latestMod = info.ModTime()
		}
	}
	if latestID == "" {
		return nil, apperrors.NotFound("job", key)
	}
	return s.Load(key, latestID)
}

// Prune removes all logs for a key older than the retention window,
// keeping the newest file so LoadLatest keeps working after eviction.
func (s *Store) Prune(key string, retention time.Duration) error {
	keyDir := filepath.Join(s.dir, key)
	dirEntries, err := os.ReadDir(keyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Internal("history.prune", err)
	}

	var newest string
	var newestMod time.Time
	for _, de := range dirEntries {
		info, err := de.Info()
		if err != nil {
			continue
		}
		if newest == "" || info.ModTime().After(newestMod) {
			newest = de.Name()
			newestMod = info.ModTime()
		}
	}

	cutoff := time.Now().Add(-retention)
	var firstErr error
	for _, de := range dirEntries {
		if de.Name() == newest {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(keyDir, de.Name())); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", de.Name(), err)
		}
	}
	if firstErr != nil {
		return apperrors.Internal("history.prune", firstErr)
	}
	return nil
}
