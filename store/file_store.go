package store

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskwarden/warden/types"
)

// FileStore is the local Backend: a single-machine filesystem namespace for
// degraded operation. Atomicity of CreateIfAbsent comes from exclusive file
// creation (O_CREATE|O_EXCL). There is no automatic expiry; records store
// their timestamps and TTL, and expiry is computed at read time.
//
// The per-key mutex map serializes the emulated compare-and-act operations
// within this process. Cross-process exclusion holds only for the create
// path, which is the single primitive mutual exclusion depends on.
type FileStore struct {
	root   string
	locks  *mutexMap
	logger *zap.Logger
	now    func() time.Time
}

// NewFileStore creates the namespace rooted at dir.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{
		root:   dir,
		locks:  newMutexMap(),
		logger: logger.With(zap.String("component", "file_store")),
		now:    time.Now,
	}, nil
}

// Close implements Backend. Nothing to release.
func (s *FileStore) Close() error { return nil }

// Ping verifies the namespace is writable.
func (s *FileStore) Ping(ctx context.Context) error {
	probe := filepath.Join(s.root, ".ping")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "store root not writable").WithCause(err)
	}
	_ = os.Remove(probe)
	return nil
}

// recordPath maps a logical key to a file path, one directory per key
// segment, with segments escaped so task ids cannot traverse the tree.
func (s *FileStore) recordPath(key, ext string) string {
	segs := strings.Split(key, ":")
	parts := make([]string, 0, len(segs)+1)
	parts = append(parts, s.root)
	for _, seg := range segs {
		if seg == "" {
			continue
		}
		parts = append(parts, url.PathEscape(seg))
	}
	return filepath.Join(parts...) + ext
}

// keyFromPath reverses recordPath for ListPrefix.
func (s *FileStore) keyFromPath(path, ext string) (string, error) {
	rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, ext))
	if err != nil {
		return "", err
	}
	segs := strings.Split(rel, string(filepath.Separator))
	for i, seg := range segs {
		if segs[i], err = url.PathUnescape(seg); err != nil {
			return "", fmt.Errorf("unescape %q: %w", seg, err)
		}
	}
	return strings.Join(segs, ":"), nil
}

// readLive reads a record, treating expired ones as absent and removing
// them opportunistically.
func (s *FileStore) readLive(path string) ([]byte, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	if probeExpired(data, s.now().UTC()) {
		_ = os.Remove(path)
		return nil, false
	}
	return data, true
}

// CreateIfAbsent implements Backend via O_EXCL. The ttl parameter is
// ignored here: the record's own claimed_at/ttl fields drive read-time
// expiry on this backend.
func (s *FileStore) CreateIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	path := s.recordPath(key, ".json")
	if data, err := os.ReadFile(path); err == nil {
		if !probeExpired(data, s.now().UTC()) {
			return false, nil
		}
		_ = os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "create parent for "+key).WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "create "+key).WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(value); err != nil {
		_ = os.Remove(path)
		return false, types.NewError(types.ErrBackendUnavailable, "write "+key).WithCause(err)
	}
	return true, nil
}

// Get implements Backend.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	data, ok := s.readLive(s.recordPath(key, ".json"))
	if !ok {
		return nil, errNotFound(key)
	}
	return data, nil
}

// Set implements Backend.
func (s *FileStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	path := s.recordPath(key, ".json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "create parent for "+key).WithCause(err)
	}
	if err := os.WriteFile(path, value, 0o600); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "write "+key).WithCause(err)
	}
	return nil
}

// Delete implements Backend. Removes both the record and any set file at
// the same key.
func (s *FileStore) Delete(ctx context.Context, key string) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	for _, ext := range []string{".json", ".set"} {
		if err := os.Remove(s.recordPath(key, ext)); err != nil && !os.IsNotExist(err) {
			return types.NewError(types.ErrBackendUnavailable, "delete "+key).WithCause(err)
		}
	}
	return nil
}

// CompareAndDelete implements Backend. The owner check and removal are
// serialized by the per-key mutex.
func (s *FileStore) CompareAndDelete(ctx context.Context, key, expectedOwner string) (bool, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	path := s.recordPath(key, ".json")
	data, ok := s.readLive(path)
	if !ok {
		return false, nil
	}
	var rec struct {
		OwnerID string `json:"owner_id"`
	}
	if err := json.Unmarshal(data, &rec); err != nil || rec.OwnerID != expectedOwner {
		return false, nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, types.NewError(types.ErrBackendUnavailable, "delete "+key).WithCause(err)
	}
	return true, nil
}

// Refresh implements Backend, rewriting ttl and renewed_at in place while
// preserving every other record field.
func (s *FileStore) Refresh(ctx context.Context, key, expectedOwner string, ttl time.Duration) (bool, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	path := s.recordPath(key, ".json")
	data, ok := s.readLive(path)
	if !ok {
		return false, nil
	}
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, nil
	}
	if owner, _ := rec["owner_id"].(string); owner != expectedOwner {
		return false, nil
	}
	rec["ttl"] = int(ttl / time.Second)
	rec["renewed_at"] = s.now().UTC().Format(time.RFC3339Nano)
	updated, err := json.Marshal(rec)
	if err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "encode "+key).WithCause(err)
	}
	if err := os.WriteFile(path, updated, 0o600); err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "write "+key).WithCause(err)
	}
	return true, nil
}

// ListPrefix implements Backend by walking the prefix directory. Expired
// records are skipped and removed; ages fall back to file modification time
// when a record carries no timestamp.
func (s *FileStore) ListPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	dir := s.recordPath(strings.TrimSuffix(prefix, ":"), "")
	now := s.now().UTC()

	var entries []Entry
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		if probeExpired(data, now) {
			_ = os.Remove(path)
			return nil
		}
		key, err := s.keyFromPath(path, ".json")
		if err != nil {
			s.logger.Warn("unreadable record path", zap.String("path", path), zap.Error(err))
			return nil
		}
		age, ok := probeAge(data, now)
		if !ok {
			age = now.Sub(info.ModTime().UTC())
		}
		entries = append(entries, Entry{Key: key, Value: data, Age: age})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, types.NewError(types.ErrBackendUnavailable, "walk "+prefix).WithCause(err)
	}
	return entries, nil
}

// Held-task indexes are append-only logs per agent: one "+member" or
// "-member" line per mutation, replayed on read.

// SetAdd implements Backend.
func (s *FileStore) SetAdd(ctx context.Context, key, member string) error {
	return s.appendSetLine(key, "+"+member)
}

// SetRemove implements Backend.
func (s *FileStore) SetRemove(ctx context.Context, key, member string) error {
	return s.appendSetLine(key, "-"+member)
}

func (s *FileStore) appendSetLine(key, line string) error {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	path := s.recordPath(key, ".set")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "create parent for "+key).WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return types.NewError(types.ErrBackendUnavailable, "open set "+key).WithCause(err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return types.NewError(types.ErrBackendUnavailable, "append set "+key).WithCause(err)
	}
	return nil
}

// SetMembers implements Backend by replaying the log.
func (s *FileStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	data, err := os.ReadFile(s.recordPath(key, ".set"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "read set "+key).WithCause(err)
	}
	present := make(map[string]struct{})
	var order []string
	for _, line := range strings.Split(string(data), "\n") {
		if len(line) < 2 {
			continue
		}
		member := line[1:]
		switch line[0] {
		case '+':
			if _, ok := present[member]; !ok {
				present[member] = struct{}{}
				order = append(order, member)
			}
		case '-':
			delete(present, member)
		}
	}
	members := make([]string, 0, len(present))
	for _, m := range order {
		if _, ok := present[m]; ok {
			members = append(members, m)
		}
	}
	return members, nil
}

// QueueAdd implements Backend. The marker file is created with O_EXCL and
// carries its own expiry, mirroring the networked marker TTL.
func (s *FileStore) QueueAdd(ctx context.Context, queueKey, markerKey string, member []byte, score float64, markerTTL time.Duration) (bool, error) {
	s.locks.Lock(markerKey)
	created, err := s.createMarker(markerKey, markerTTL)
	s.locks.Unlock(markerKey)
	if err != nil || !created {
		return false, err
	}

	s.locks.Lock(queueKey)
	defer s.locks.Unlock(queueKey)
	path := s.recordPath(queueKey, ".jsonl")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "create parent for "+queueKey).WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "open queue "+queueKey).WithCause(err)
	}
	defer f.Close()
	line := strconv.FormatFloat(score, 'f', -1, 64) + "\t" + string(member) + "\n"
	if _, err := f.WriteString(line); err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "append queue "+queueKey).WithCause(err)
	}
	return true, nil
}

func (s *FileStore) createMarker(markerKey string, ttl time.Duration) (bool, error) {
	path := s.recordPath(markerKey, ".mark")
	now := s.now().UTC()
	if data, err := os.ReadFile(path); err == nil {
		expires, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(data)))
		if perr == nil && now.Before(expires) {
			return false, nil
		}
		_ = os.Remove(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "create parent for "+markerKey).WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if os.IsExist(err) {
		return false, nil
	}
	if err != nil {
		return false, types.NewError(types.ErrBackendUnavailable, "create marker "+markerKey).WithCause(err)
	}
	defer f.Close()
	_, err = f.WriteString(now.Add(ttl).Format(time.RFC3339Nano))
	if err != nil {
		_ = os.Remove(path)
		return false, types.NewError(types.ErrBackendUnavailable, "write marker "+markerKey).WithCause(err)
	}
	return true, nil
}

// QueuePeek implements Backend, lowest score first, stable on insert order.
func (s *FileStore) QueuePeek(ctx context.Context, queueKey string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	s.locks.Lock(queueKey)
	defer s.locks.Unlock(queueKey)

	data, err := os.ReadFile(s.recordPath(queueKey, ".jsonl"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewError(types.ErrBackendUnavailable, "read queue "+queueKey).WithCause(err)
	}

	type scored struct {
		score  float64
		seq    int
		member []byte
	}
	var items []scored
	for i, line := range strings.Split(string(data), "\n") {
		score, member, found := strings.Cut(line, "\t")
		if !found {
			continue
		}
		f, err := strconv.ParseFloat(score, 64)
		if err != nil {
			continue
		}
		items = append(items, scored{score: f, seq: i, member: []byte(member)})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score < items[j].score
		}
		return items[i].seq < items[j].seq
	})
	if n < len(items) {
		items = items[:n]
	}
	out := make([][]byte, 0, len(items))
	for _, it := range items {
		out = append(out, it.member)
	}
	return out, nil
}

// String describes the backend for logs and status output.
func (s *FileStore) String() string {
	return fmt.Sprintf("file(%s)", s.root)
}

// mutexMap hands out one mutex per key so emulated compare-and-act stays
// serialized within the process.
type mutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func newMutexMap() *mutexMap {
	return &mutexMap{mutexes: make(map[string]*sync.Mutex)}
}

func (m *mutexMap) Lock(key string)   { m.get(key).Lock() }
func (m *mutexMap) Unlock(key string) { m.get(key).Unlock() }

func (m *mutexMap) get(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// Ensure FileStore implements Backend.
var _ Backend = (*FileStore)(nil)
