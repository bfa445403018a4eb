package storage

import (
	"context"
	logx "duoshe/pkg/logx"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const snapshotVersion = 1

// fileStore keeps the whole schedule in one JSON snapshot.
//
// Every mutation rewrites <path>.tmp, fsyncs it and renames it over <path>,
// so a reader only ever sees the previous or the new snapshot.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	path   string
	groups map[string]int64 // unix milli
	closed bool
}

type snapshot struct {
	Version int              `json:"version"`
	Groups  map[string]int64 `json:"groups"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: path, groups: map[string]int64{}}
	groups, err := readSnapshot(path)
	switch {
	case err == nil:
		s.groups = groups
	case errors.Is(err, ErrCorruptState):
		// Surfaced again by Load; the next Put replaces the file.
		log.Debug("schedule snapshot unreadable at open", logx.String("path", path), logx.Err(err))
	default:
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Load(ctx context.Context) (map[string]time.Time, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	groups, err := readSnapshot(s.path)
	if err != nil {
		return map[string]time.Time{}, err
	}
	s.groups = groups
	out := make(map[string]time.Time, len(groups))
	for k, v := range groups {
		out[k] = time.UnixMilli(v)
	}
	return out, nil
}

func (s *fileStore) Get(ctx context.Context, groupID string) (time.Time, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return time.Time{}, false, ErrClosed
	}
	ms, ok := s.groups[groupID]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) Put(ctx context.Context, groupID string, nextDue time.Time) error {
	_ = ctx
	if strings.TrimSpace(groupID) == "" {
		return errors.New("group id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.groups[groupID]
	s.groups[groupID] = nextDue.UnixMilli()
	if err := s.writeLocked(); err != nil {
		if had {
			s.groups[groupID] = prev
		} else {
			delete(s.groups, groupID)
		}
		return err
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, groupID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	prev, had := s.groups[groupID]
	if !had {
		return nil
	}
	delete(s.groups, groupID)
	if err := s.writeLocked(); err != nil {
		s.groups[groupID] = prev
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fileStore) writeLocked() error {
	b, err := json.MarshalIndent(snapshot{Version: snapshotVersion, Groups: s.groups}, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	syncDir(filepath.Dir(s.path))
	return nil
}

// syncDir persists the rename itself. Not every platform supports fsync on
// a directory; failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// readSnapshot returns an empty map when the file does not exist.
//
// Besides the versioned format it accepts the legacy flat form
// {"<group>": <unix seconds>} so an existing schedule.json keeps its dates.
func readSnapshot(path string) (map[string]int64, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]int64{}, nil
	}
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrCorruptState, path)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
	}

	if _, ok := raw["version"]; ok {
		var snap snapshot
		if err := json.Unmarshal(b, &snap); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptState, path, err)
		}
		if snap.Version != snapshotVersion {
			return nil, fmt.Errorf("%w: %s: unsupported version %d", ErrCorruptState, path, snap.Version)
		}
		if snap.Groups == nil {
			snap.Groups = map[string]int64{}
		}
		return snap.Groups, nil
	}

	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		var secs float64
		if err := json.Unmarshal(v, &secs); err != nil {
			return nil, fmt.Errorf("%w: %s: group %q has no timestamp", ErrCorruptState, path, k)
		}
		out[k] = int64(secs * 1000)
	}
	return out, nil
}
