// Package kvstore persists subscriber records in a NATS JetStream KV bucket.
package kvstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/metric"
	"github.com/ximik/rumpy/natsclient"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
)

// DefaultBucket is the bucket used when Config.Bucket is empty
const DefaultBucket = "rumpy_subscribers"

// Config configures the bucket backing the store
type Config struct {
	Bucket   string
	Replicas int
	Timeout  time.Duration
}

// Store implements store.Store over a JetStream KV bucket. Keys are the
// base64url tokens of peer identities; values are JSON records.
type Store struct {
	client  *natsclient.Client
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	mu sync.RWMutex
	kv *natsclient.KVStore

	now func() time.Time
}

// Option configures a Store
type Option func(*Store)

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics counts reconnects on the core metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(s *Store) {
		s.metrics = metrics
	}
}

// New opens (creating if needed) the bucket through client
func New(ctx context.Context, client *natsclient.Client, cfg Config, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "KVStore", "New", "check client")
	}
	if cfg.Bucket == "" {
		cfg.Bucket = DefaultBucket
	}
	if cfg.Replicas < 1 {
		cfg.Replicas = 1
	}

	s := &Store{
		client: client,
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "subscriber-store", "bucket", cfg.Bucket)

	if err := s.open(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) open(ctx context.Context) error {
	bucket, err := s.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      s.cfg.Bucket,
		Description: "rumpy subscriber records",
		History:     1,
		Replicas:    s.cfg.Replicas,
	})
	if err != nil {
		return errors.Wrap(err, "KVStore", "open", "open bucket")
	}

	kv := s.client.NewKVStore(bucket, func(o *natsclient.KVOptions) {
		if s.cfg.Timeout > 0 {
			o.Timeout = s.cfg.Timeout
		}
	})

	s.mu.Lock()
	s.kv = kv
	s.mu.Unlock()
	return nil
}

func (s *Store) bucket() *natsclient.KVStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kv
}

func decode(data []byte) (*store.Subscriber, error) {
	var sub store.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDataCorrupted, err),
			"KVStore", "decode", "unmarshal record")
	}
	if sub.Fields == nil {
		sub.Fields = map[string]string{}
	}
	return &sub, nil
}

func encode(sub *store.Subscriber) ([]byte, error) {
	data, err := json.Marshal(sub)
	if err != nil {
		return nil, errors.WrapInvalid(err, "KVStore", "encode", "marshal record")
	}
	return data, nil
}

// FindByIdentity returns the record for id, or store.ErrNotFound
func (s *Store) FindByIdentity(ctx context.Context, id peer.ID) (*store.Subscriber, error) {
	entry, err := s.bucket().Get(ctx, id.Token())
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "KVStore", "FindByIdentity", "get record")
	}
	return decode(entry.Value)
}

// Create stores a new record for id, or returns the existing one
func (s *Store) Create(ctx context.Context, id peer.ID) (*store.Subscriber, error) {
	if id.IsZero() {
		return nil, errors.WrapInvalid(errors.ErrInvalidPeer, "KVStore", "Create", "check identity")
	}

	sub := store.NewSubscriber(id, s.now().UTC())
	data, err := encode(sub)
	if err != nil {
		return nil, err
	}

	if _, err := s.bucket().Create(ctx, id.Token(), data); err != nil {
		if stderrors.Is(err, natsclient.ErrKVKeyExists) {
			return s.FindByIdentity(ctx, id)
		}
		return nil, errors.Wrap(err, "KVStore", "Create", "create record")
	}
	s.logger.Debug("Subscriber created", "peer", id)
	return sub, nil
}

// Destroy removes the record for id
func (s *Store) Destroy(ctx context.Context, id peer.ID) error {
	if err := s.bucket().Delete(ctx, id.Token()); err != nil {
		return errors.Wrap(err, "KVStore", "Destroy", "delete record")
	}
	s.logger.Debug("Subscriber destroyed", "peer", id)
	return nil
}

// Save replaces the fields of an existing record with compare-and-swap
func (s *Store) Save(ctx context.Context, sub *store.Subscriber) error {
	var saved *store.Subscriber
	err := s.bucket().UpdateWithRetry(ctx, sub.Peer.Token(), func(current []byte) ([]byte, error) {
		if current == nil {
			return nil, errors.WrapInvalid(store.ErrNotFound, "KVStore", "Save", "find record")
		}
		existing, err := decode(current)
		if err != nil {
			return nil, err
		}
		saved = sub.Clone()
		saved.CreatedAt = existing.CreatedAt
		saved.UpdatedAt = s.now().UTC()
		return encode(saved)
	})
	if err != nil {
		return errors.Wrap(err, "KVStore", "Save", "update record")
	}
	sub.UpdatedAt = saved.UpdatedAt
	return nil
}

// ForEach visits every record. Records deleted during iteration are skipped;
// undecodable records are logged and skipped.
func (s *Store) ForEach(ctx context.Context, fn func(*store.Subscriber) error) error {
	kv := s.bucket()
	keys, err := kv.Keys(ctx)
	if err != nil {
		return errors.Wrap(err, "KVStore", "ForEach", "list keys")
	}

	for _, key := range keys {
		entry, err := kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue
			}
			return errors.Wrap(err, "KVStore", "ForEach", "get record")
		}
		sub, err := decode(entry.Value)
		if err != nil {
			s.logger.Warn("Skipping corrupt subscriber record", "key", key, "error", err)
			continue
		}
		if err := fn(sub); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect re-opens the bucket handle, reconnecting the client first when
// its connection is gone for good.
func (s *Store) Reconnect(ctx context.Context) error {
	if s.metrics != nil {
		s.metrics.RecordStoreReconnect()
	}
	if s.client.Status() == natsclient.StatusDisconnected {
		if err := s.client.Connect(ctx); err != nil {
			return errors.Wrap(err, "KVStore", "Reconnect", "connect")
		}
	}
	if err := s.open(ctx); err != nil {
		return errors.Wrap(err, "KVStore", "Reconnect", "re-open bucket")
	}
	s.logger.Info("Subscriber store reconnected")
	return nil
}

// ReleasePooledConnection is a no-op: all operations share the client's
// single multiplexed connection.
func (s *Store) ReleasePooledConnection() {}

var _ store.Store = (*Store)(nil)
