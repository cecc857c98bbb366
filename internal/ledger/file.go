package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	logx "concallbot/pkg/logx"
)

const (
	fileCompactEvery = 500
	// fileKeepDays bounds the snapshot; older days are dropped on compaction.
	fileKeepDays = 14
)

// fileStore persists entries without a database.
//
// Files:
//   - <prefix>.snapshot.json  (day -> entries, rewritten on compaction)
//   - <prefix>.journal.jsonl  (append-only, one entry per line)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	days         map[string]map[Key]Entry
	writes       int
}

func openFile(path string, log logx.Logger) (*fileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		days:         map[string]map[Key]Entry{},
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger snapshot unreadable; starting from journal", logx.Err(err))
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("ledger journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) Lookup(_ context.Context, day string) (map[Key]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, ErrClosed
	}
	out := make(map[Key]struct{}, len(s.days[day]))
	for k := range s.days[day] {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *fileStore) InsertMany(_ context.Context, day string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.journal)
	for _, e := range entries {
		e.Day = day
		if s.has(e) {
			continue
		}
		if err := enc.Encode(e); err != nil {
			return err
		}
		s.add(e)
		s.writes++
	}
	if s.writes >= fileCompactEvery {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("ledger compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) has(e Entry) bool {
	_, ok := s.days[e.Day][e.Key]
	return ok
}

// add reports whether e was new.
func (s *fileStore) add(e Entry) bool {
	m := s.days[e.Day]
	if m == nil {
		m = map[Key]Entry{}
		s.days[e.Day] = m
	}
	if _, ok := m[e.Key]; ok {
		return false
	}
	m[e.Key] = e
	return true
}

func (s *fileStore) compactLocked() error {
	s.pruneLocked()

	snap := make(map[string][]Entry, len(s.days))
	for day, m := range s.days {
		list := make([]Entry, 0, len(m))
		for _, e := range m {
			list = append(list, e)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Key < list[j].Key })
		snap[day] = list
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
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	s.writes = 0
	_, err = s.journal.Seek(0, 2)
	return err
}

// pruneLocked keeps the most recent fileKeepDays days.
func (s *fileStore) pruneLocked() {
	if len(s.days) <= fileKeepDays {
		return
	}
	days := make([]string, 0, len(s.days))
	for d := range s.days {
		days = append(days, d)
	}
	sort.Strings(days)
	for _, d := range days[:len(days)-fileKeepDays] {
		delete(s.days, d)
	}
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap map[string][]Entry
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for day, list := range snap {
		for _, e := range list {
			e.Day = day
			s.add(e)
		}
	}
	return nil
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.Key == "" || e.Day == "" {
			continue
		}
		s.add(e)
	}
	return sc.Err()
}
