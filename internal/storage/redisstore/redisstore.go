// Package redisstore keeps personas, scores, feedback logs, and usage events
// in Redis.
//
// Keys are namespaced under a prefix (default "personad"):
//
//	{prefix}:persona:{id}    record bytes
//	{prefix}:personas        sorted set of ids, scored by insertion sequence
//	{prefix}:persona_seq     insertion counter
//	{prefix}:score:{id}      PersonaScore JSON
//	{prefix}:feedback:{id}   list of FeedbackEntry JSON, oldest first
//	{prefix}:events          list of UsageEvent JSON, capped
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/personad/internal/registry"
	"github.com/fyrsmithlabs/personad/internal/score"
	"github.com/fyrsmithlabs/personad/internal/storage"
)

const backend = "redis"

// DefaultPrefix namespaces every key.
const DefaultPrefix = "personad"

// DefaultEventCap bounds the usage event list.
const DefaultEventCap = 10000

// Store is a Redis-backed persona, score, and event store.
type Store struct {
	client   redis.UniversalClient
	prefix   string
	eventCap int64
	logger   *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) {
		if p != "" {
			s.prefix = p
		}
	}
}

// WithEventCap sets how many usage events are retained.
func WithEventCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.eventCap = int64(n)
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// New wraps client. The caller keeps ownership of client unless Close is called.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{
		client:   client,
		prefix:   DefaultPrefix,
		eventCap: DefaultEventCap,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to a single Redis server.
func Dial(addr, password string, db int, opts ...Option) *Store {
	return New(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	}), opts...)
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return storage.Wrap(backend, "ping", "", fmt.Errorf("%w: %w", storage.ErrUnavailable, err))
	}
	return nil
}

func (s *Store) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// List yields records in first-insertion order.
func (s *Store) List(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		ids, err := s.client.ZRange(ctx, s.key("personas"), 0, -1).Result()
		if err != nil {
			yield(nil, storage.Wrap(backend, "list", "", err))
			return
		}
		if len(ids) == 0 {
			return
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.key("persona", id)
		}
		vals, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			yield(nil, storage.Wrap(backend, "list", "", err))
			return
		}
		for i, v := range vals {
			str, ok := v.(string)
			if !ok {
				// Deleted between ZRANGE and MGET.
				s.logger.Debug("persona vanished during list", zap.String("id", ids[i]))
				continue
			}
			if !yield([]byte(str), nil) {
				return
			}
		}
	}
}

func (s *Store) Get(ctx context.Context, id string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key("persona", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.Wrap(backend, "get", id, err)
	}
	return val, nil
}

// Put upserts record. An existing id keeps its position in List order.
func (s *Store) Put(ctx context.Context, id string, record []byte) error {
	if err := storage.ValidateID(id); err != nil {
		return err
	}
	seq, err := s.client.Incr(ctx, s.key("persona_seq")).Result()
	if err != nil {
		return storage.Wrap(backend, "put", id, err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, s.key("persona", id), record, 0)
		p.ZAddNX(ctx, s.key("personas"), redis.Z{Score: float64(seq), Member: id})
		return nil
	})
	return storage.Wrap(backend, "put", id, err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.key("persona", id))
		p.ZRem(ctx, s.key("personas"), id)
		return nil
	})
	return storage.Wrap(backend, "delete", id, err)
}

func (s *Store) GetScore(ctx context.Context, personaID string) (*score.PersonaScore, error) {
	data, err := s.client.Get(ctx, s.key("score", personaID)).Bytes()
	if errors.Is(err, redis.Nil) {
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

func (s *Store) PutScore(ctx context.Context, ps *score.PersonaScore) error {
	if ps == nil || ps.PersonaID == "" {
		return score.ErrEmptyPersonaID
	}
	data, err := json.Marshal(ps)
	if err != nil {
		return storage.Wrap(backend, "put_score", ps.PersonaID, err)
	}
	return storage.Wrap(backend, "put_score", ps.PersonaID,
		s.client.Set(ctx, s.key("score", ps.PersonaID), data, 0).Err())
}

// DeleteScore removes the score and the feedback log of personaID.
func (s *Store) DeleteScore(ctx context.Context, personaID string) error {
	err := s.client.Del(ctx, s.key("score", personaID), s.key("feedback", personaID)).Err()
	return storage.Wrap(backend, "delete_score", personaID, err)
}

// AppendFeedback pushes entry and trims the list to max in one transaction.
func (s *Store) AppendFeedback(ctx context.Context, personaID string, entry score.FeedbackEntry, max int) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return storage.Wrap(backend, "append_feedback", personaID, err)
	}
	key := s.key("feedback", personaID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		if max > 0 {
			p.LTrim(ctx, key, int64(-max), -1)
		}
		return nil
	})
	return storage.Wrap(backend, "append_feedback", personaID, err)
}

func (s *Store) RecentFeedback(ctx context.Context, personaID string, n int) ([]score.FeedbackEntry, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	items, err := s.client.LRange(ctx, s.key("feedback", personaID), start, -1).Result()
	if err != nil {
		return nil, storage.Wrap(backend, "recent_feedback", personaID, err)
	}
	out := make([]score.FeedbackEntry, 0, len(items))
	for _, item := range items {
		var e score.FeedbackEntry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			s.logger.Warn("skipping unreadable feedback entry",
				zap.String("persona_id", personaID), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// RecordUsageEvent appends ev to the capped event list.
func (s *Store) RecordUsageEvent(ctx context.Context, ev score.UsageEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return storage.Wrap(backend, "record_event", ev.PersonaID, err)
	}
	key := s.key("events")
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, data)
		p.LTrim(ctx, key, -s.eventCap, -1)
		return nil
	})
	return storage.Wrap(backend, "record_event", ev.PersonaID, err)
}

// UsageEvents returns up to the newest n events, oldest first. n <= 0 means all.
func (s *Store) UsageEvents(ctx context.Context, n int) ([]score.UsageEvent, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	items, err := s.client.LRange(ctx, s.key("events"), start, -1).Result()
	if err != nil {
		return nil, storage.Wrap(backend, "usage_events", "", err)
	}
	out := make([]score.UsageEvent, 0, len(items))
	for _, item := range items {
		var ev score.UsageEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

var (
	_ registry.Store    = (*Store)(nil)
	_ score.Store       = (*Store)(nil)
	_ score.FeedbackLog = (*Store)(nil)
	_ score.EventSink   = (*Store)(nil)
)
