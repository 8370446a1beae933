package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "tierloop/pkg/logx"
)

// maxLineBytes bounds one journal line; stall records carry whole stacks.
const maxLineBytes = 4 << 20

// fileStore is the dependency-free journal backend.
//
// Files:
//   - <prefix>.stalls.jsonl (append-only JSON Lines)
//   - <prefix>.events.jsonl (append-only JSON Lines)
//
// The newest MaxRecords of each are kept in memory for reads. A file is
// compacted down to those once it holds twice as many lines.
type fileStore struct {
	log logx.Logger

	mu     sync.Mutex
	stalls *jsonlLog[StallRecord]
	events *jsonlLog[EventRecord]
}

type record interface {
	where() (loop string, at time.Time)
}

func (r StallRecord) where() (string, time.Time) { return r.Loop, r.At }
func (e EventRecord) where() (string, time.Time) { return e.Loop, e.At }

type jsonlLog[T record] struct {
	path  string
	f     *os.File
	tail  []T
	lines int
	max   int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("journal.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	stalls, err := openLog[StallRecord](prefix+".stalls.jsonl", cfg.maxRecords(), log)
	if err != nil {
		return nil, err
	}
	events, err := openLog[EventRecord](prefix+".events.jsonl", cfg.maxRecords(), log)
	if err != nil {
		_ = stalls.close()
		return nil, err
	}
	log.Debug("journal opened", logx.String("prefix", prefix),
		logx.Int("stalls", len(stalls.tail)), logx.Int("events", len(events.tail)))
	return &fileStore{log: log, stalls: stalls, events: events}, nil
}

func openLog[T record](path string, max int, log logx.Logger) (*jsonlLog[T], error) {
	l := &jsonlLog[T]{path: path, max: max}
	if err := l.replay(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay incomplete", logx.String("path", path), logx.Err(err))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	l.f = f
	return l, nil
}

func (l *jsonlLog[T]) replay() error {
	f, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64<<10), maxLineBytes)
	for s.Scan() {
		l.lines++
		var r T
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		l.push(r)
	}
	return s.Err()
}

func (l *jsonlLog[T]) push(r T) {
	l.tail = append(l.tail, r)
	if n := len(l.tail); n > l.max {
		l.tail = append(l.tail[:0], l.tail[n-l.max:]...)
	}
}

func (l *jsonlLog[T]) append(r T) error {
	if l.f == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(l.f).Encode(r); err != nil {
		return err
	}
	l.push(r)
	l.lines++
	if l.lines >= 2*l.max {
		return l.compact()
	}
	return nil
}

// compact rewrites the file with the in-memory tail.
func (l *jsonlLog[T]) compact() error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range l.tail {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = l.f.Close()
	if err := os.Rename(tmp, l.path); err != nil {
		l.f, _ = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		return err
	}
	l.f, err = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	l.lines = len(l.tail)
	return err
}

func (l *jsonlLog[T]) recent(q Query) []T {
	out := make([]T, 0, min(q.limit(), len(l.tail)))
	for i := len(l.tail) - 1; i >= 0 && len(out) < q.limit(); i-- {
		if loop, at := l.tail[i].where(); q.matches(loop, at) {
			out = append(out, l.tail[i])
		}
	}
	return out
}

func (l *jsonlLog[T]) close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.stalls.close(), s.events.close())
}

func (s *fileStore) AppendStall(_ context.Context, r StallRecord) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalls.append(r)
}

func (s *fileStore) AppendEvent(_ context.Context, e EventRecord) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.append(e)
}

func (s *fileStore) RecentStalls(_ context.Context, q Query) ([]StallRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stalls.recent(q), nil
}

func (s *fileStore) RecentEvents(_ context.Context, q Query) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events.recent(q), nil
}
