// Package filestore keeps personas, scores, and feedback logs as files.
//
// Layout under the root directory:
//
//	personas/<id>.yaml   persona and micro-persona definitions (.yml, .json,
//	                     and .toml are read too)
//	scores/<id>.json     one PersonaScore per file
//	feedback/<id>.json   bounded feedback log, oldest first
//	events.jsonl         append-only usage events
//	personas.order       persona IDs in first-write order, one per line
//
// Writes go through a temp file and rename, so readers never see a partial file.
package filestore

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/personad/internal/persona"
	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

const backend = "file"

const (
	personasDir = "personas"
	scoresDir   = "scores"
	feedbackDir = "feedback"
	eventsFile  = "events.jsonl"
	orderFile   = "personas.order"
)

// recordExts are the definition formats List and Get understand, in lookup order.
var recordExts = []string{".yaml", ".yml", ".json", ".toml"}

// Store is a file-backed persona, score, and event store.
type Store struct {
	root     string
	logger   *zap.Logger
	debounce time.Duration

	// mu serializes writes; reads rely on atomic renames.
	mu sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for skipped files and watch errors.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithDebounce sets how long Watch waits for changes to settle.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.debounce = d
		}
	}
}

// New creates the directory layout under root and returns a Store.
func New(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("filestore: root directory is required")
	}
	s := &Store{
		root:     filepath.Clean(root),
		logger:   zap.NewNop(),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{personasDir, scoresDir, feedbackDir} {
		if err := os.MkdirAll(filepath.Join(s.root, sub), 0o700); err != nil {
			return nil, storage.Wrap(backend, "init", "", err)
		}
	}
	return s, nil
}

// Root returns the root directory.
func (s *Store) Root() string { return s.root }

// Ping reports whether the root directory is still reachable.
func (s *Store) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Join(s.root, personasDir)); err != nil {
		return storage.Wrap(backend, "ping", "", fmt.Errorf("%w: %w", storage.ErrUnavailable, err))
	}
	return nil
}

// List yields every definition file. IDs written through Put come first,
// in first-write order; files added by hand follow in name order. Files
// that cannot be parsed yield an error wrapping persona.ErrMalformedRecord.
func (s *Store) List(_ context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		entries, err := os.ReadDir(filepath.Join(s.root, personasDir))
		if err != nil {
			yield(nil, storage.Wrap(backend, "list", "", err))
			return
		}
		order, err := s.readOrder()
		if err != nil {
			yield(nil, storage.Wrap(backend, "list", "", err))
			return
		}

		// files by ID stem, each in name order
		files := make(map[string][]string)
		var stems []string
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !isRecordFile(name) {
				continue
			}
			stem := strings.TrimSuffix(name, filepath.Ext(name))
			if _, ok := files[stem]; !ok {
				stems = append(stems, stem)
			}
			files[stem] = append(files[stem], name)
		}

		seen := make(map[string]bool, len(stems))
		for _, stem := range append(order, stems...) {
			if seen[stem] {
				continue
			}
			seen[stem] = true
			for _, name := range files[stem] {
				rec, err := s.readRecord(filepath.Join(s.root, personasDir, name))
				if !yield(rec, err) {
					return
				}
			}
		}
	}
}

// Get returns the record for id converted to JSON, or nil when absent.
func (s *Store) Get(_ context.Context, id string) ([]byte, error) {
	if err := storage.ValidateID(id); err != nil {
		return nil, err
	}
	for _, ext := range recordExts {
		path := s.recordPath(id, ext)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		return s.readRecord(path)
	}
	return nil, nil
}

// Put writes record as <id>.yaml and removes any other format of the same id.
func (s *Store) Put(_ context.Context, id string, record []byte) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	e, err := persona.DecodeRecord(record)
	if err != nil {
		return err
	}
	var doc any = e.Persona
	if e.Micro != nil {
		doc = e.Micro
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return storage.Wrap(backend, "put", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.recordPath(id, ".yaml"), data); err != nil {
		return storage.Wrap(backend, "put", id, err)
	}
	for _, ext := range recordExts[1:] {
		if err := removeIfExists(s.recordPath(id, ext)); err != nil {
			return storage.Wrap(backend, "put", id, err)
		}
	}
	return storage.Wrap(backend, "put", id, s.updateOrder(func(ids []string) []string {
		if slices.Contains(ids, id) {
			return ids
		}
		return append(ids, id)
	}))
}

// Delete removes every format of id.
func (s *Store) Delete(_ context.Context, id string) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ext := range recordExts {
		if err := removeIfExists(s.recordPath(id, ext)); err != nil {
			return storage.Wrap(backend, "delete", id, err)
		}
	}
	return storage.Wrap(backend, "delete", id, s.updateOrder(func(ids []string) []string {
		return slices.DeleteFunc(ids, func(v string) bool { return v == id })
	}))
}

func (s *Store) readOrder() ([]string, error) {
	data, err := os.ReadFile(filepath.Join(s.root, orderFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(data)), nil
}

// updateOrder rewrites the order file when fn changes it. Callers hold mu.
func (s *Store) updateOrder(fn func([]string) []string) error {
	ids, err := s.readOrder()
	if err != nil {
		return err
	}
	before := len(ids)
	ids = fn(ids)
	if len(ids) == before {
		return nil
	}
	var b strings.Builder
	for _, id := range ids {
		b.WriteString(id)
		b.WriteByte('\n')
	}
	return writeAtomic(filepath.Join(s.root, orderFile), []byte(b.String()))
}

func (s *Store) GetScore(_ context.Context, personaID string) (*score.PersonaScore, error) {
	if err := storage.ValidateID(personaID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.scorePath(personaID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(backend, "get_score", personaID, err)
	}
	var ps score.PersonaScore
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, storage.Wrap(backend, "get_score", personaID, err)
	}
	return &ps, nil
}

func (s *Store) PutScore(_ context.Context, ps *score.PersonaScore) error {
	if ps == nil || ps.PersonaID == "" {
		return score.ErrEmptyPersonaID
	}
	if err := storage.ValidateID(ps.PersonaID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(ps, "", "  ")
	if err != nil {
		return storage.Wrap(backend, "put_score", ps.PersonaID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Wrap(backend, "put_score", ps.PersonaID, writeAtomic(s.scorePath(ps.PersonaID), data))
}

// DeleteScore removes the score and the feedback log of personaID.
func (s *Store) DeleteScore(_ context.Context, personaID string) error {
	if err := storage.ValidateID(personaID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return storage.Wrap(backend, "delete_score", personaID, errors.Join(
		removeIfExists(s.scorePath(personaID)),
		removeIfExists(s.feedbackPath(personaID)),
	))
}

func (s *Store) AppendFeedback(_ context.Context, personaID string, entry score.FeedbackEntry, max int) error {
	if err := storage.ValidateID(personaID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	log, err := s.readFeedback(personaID)
	if err != nil {
		return storage.Wrap(backend, "append_feedback", personaID, err)
	}
	log = append(log, entry)
	if max > 0 && len(log) > max {
		log = log[len(log)-max:]
	}
	data, err := json.Marshal(log)
	if err != nil {
		return storage.Wrap(backend, "append_feedback", personaID, err)
	}
	return storage.Wrap(backend, "append_feedback", personaID, writeAtomic(s.feedbackPath(personaID), data))
}

func (s *Store) RecentFeedback(_ context.Context, personaID string, n int) ([]score.FeedbackEntry, error) {
	if err := storage.ValidateID(personaID); err != nil {
		return nil, err
	}
	log, err := s.readFeedback(personaID)
	if err != nil {
		return nil, storage.Wrap(backend, "recent_feedback", personaID, err)
	}
	if n > 0 && len(log) > n {
		log = log[len(log)-n:]
	}
	return log, nil
}

// RecordUsageEvent appends ev as one JSON line to events.jsonl.
func (s *Store) RecordUsageEvent(_ context.Context, ev score.UsageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return storage.Wrap(backend, "record_event", ev.PersonaID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(s.root, eventsFile), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return storage.Wrap(backend, "record_event", ev.PersonaID, err)
	}
	_, err = f.Write(append(data, '\n'))
	return storage.Wrap(backend, "record_event", ev.PersonaID, errors.Join(err, f.Close()))
}

// UsageEvents reads back every recorded event, oldest first.
func (s *Store) UsageEvents(_ context.Context) ([]score.UsageEvent, error) {
	f, err := os.Open(filepath.Join(s.root, eventsFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(backend, "usage_events", "", err)
	}
	defer f.Close()

	var events []score.UsageEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ev score.UsageEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			s.logger.Warn("skipping unreadable usage event", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events, storage.Wrap(backend, "usage_events", "", sc.Err())
}

func (s *Store) recordPath(id, ext string) string {
	return filepath.Join(s.root, personasDir, id+ext)
}

func (s *Store) scorePath(id string) string {
	return filepath.Join(s.root, scoresDir, id+".json")
}

func (s *Store) feedbackPath(id string) string {
	return filepath.Join(s.root, feedbackDir, id+".json")
}

func (s *Store) readFeedback(id string) ([]score.FeedbackEntry, error) {
	data, err := os.ReadFile(s.feedbackPath(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var log []score.FeedbackEntry
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, err
	}
	return log, nil
}

// readRecord reads a definition file and converts it to a JSON record.
func (s *Store) readRecord(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", persona.ErrMalformedRecord, filepath.Base(path), err)
	}
	rec, err := toRecord(filepath.Ext(path), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", persona.ErrMalformedRecord, filepath.Base(path), err)
	}
	return rec, nil
}

func toRecord(ext string, data []byte) ([]byte, error) {
	var doc map[string]any
	switch strings.ToLower(ext) {
	case ".json":
		if !json.Valid(data) {
			return nil, errors.New("invalid JSON")
		}
		return data, nil
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", ext)
	}
	if doc == nil {
		return nil, errors.New("empty document")
	}
	return json.Marshal(doc)
}

func isRecordFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return slices.Contains(recordExts, strings.ToLower(filepath.Ext(name)))
}

// writeAtomic writes data to a hidden temp file beside path, syncs it, and
// renames it over path.
func writeAtomic(path string, data []byte) error {
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var (
	_ registry.Store    = (*Store)(nil)
	_ score.Store       = (*Store)(nil)
	_ score.FeedbackLog = (*Store)(nil)
	_ score.EventSink   = (*Store)(nil)
)
