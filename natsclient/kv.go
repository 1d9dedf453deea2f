package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/pkg/retry"
)

// KVEntry wraps a KV entry with its revision for CAS operations
type KVEntry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// KVOptions configures KV operations behavior
type KVOptions struct {
	MaxRetries    int           // Maximum CAS retry attempts
	RetryDelay    time.Duration // Initial delay between retries
	MaxRetryDelay time.Duration // Maximum delay between retries
	Timeout       time.Duration // Per-operation timeout
	MaxValueSize  int           // Maximum size for values
}

// DefaultKVOptions returns sensible defaults
func DefaultKVOptions() KVOptions {
	return KVOptions{
		MaxRetries:    10,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		Timeout:       5 * time.Second,
		MaxValueSize:  1024 * 1024,
	}
}

// KVStore provides KV operations with classified errors and CAS support
type KVStore struct {
	bucket  jetstream.KeyValue
	options KVOptions
	logger  Logger
}

// NewKVStore wraps bucket with the client's logger
func (m *Client) NewKVStore(bucket jetstream.KeyValue, opts ...func(*KVOptions)) *KVStore {
	options := DefaultKVOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &KVStore{
		bucket:  bucket,
		options: options,
		logger:  m.logger,
	}
}

// Bucket returns the bucket name
func (kv *KVStore) Bucket() string {
	return kv.bucket.Bucket()
}

func (kv *KVStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if kv.options.Timeout > 0 {
		return context.WithTimeout(ctx, kv.options.Timeout)
	}
	return ctx, func() {}
}

// Get retrieves a value with its revision. A missing key returns ErrKVKeyNotFound.
func (kv *KVStore) Get(ctx context.Context, key string) (*KVEntry, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	entry, err := kv.bucket.Get(ctx, key)
	if err != nil {
		if IsKVNotFoundError(err) {
			return nil, ErrKVKeyNotFound
		}
		return nil, ClassifyError(err, "KVStore", "Get", "get "+key)
	}

	return &KVEntry{
		Key:      key,
		Value:    entry.Value(),
		Revision: entry.Revision(),
	}, nil
}

// Put creates or updates a key without revision check (last writer wins)
func (kv *KVStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Put(ctx, key, value)
	if err != nil {
		return 0, ClassifyError(err, "KVStore", "Put", "put "+key)
	}

	kv.logger.Debugf("KV Put: key=%s, revision=%d", key, rev)
	return rev, nil
}

// Create only creates if key doesn't exist (returns ErrKVKeyExists if it does)
func (kv *KVStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Create(ctx, key, value)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVKeyExists
		}
		return 0, ClassifyError(err, "KVStore", "Create", "create "+key)
	}

	kv.logger.Debugf("KV Create: key=%s, revision=%d", key, rev)
	return rev, nil
}

// Update performs CAS update with explicit revision
func (kv *KVStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := kv.checkSize(value); err != nil {
		return 0, err
	}

	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	rev, err := kv.bucket.Update(ctx, key, value, revision)
	if err != nil {
		if IsKVConflictError(err) {
			return 0, ErrKVRevisionMismatch
		}
		return 0, ClassifyError(err, "KVStore", "Update", "update "+key)
	}

	kv.logger.Debugf("KV Update: key=%s, oldRev=%d, newRev=%d", key, revision, rev)
	return rev, nil
}

// UpdateWithRetry reads key, applies updateFn and writes the result with CAS,
// retrying on concurrent modification. A missing key is passed to updateFn as
// nil and created.
func (kv *KVStore) UpdateWithRetry(ctx context.Context, key string,
	updateFn func(current []byte) ([]byte, error)) error {

	cfg := retry.Config{
		MaxAttempts:  kv.options.MaxRetries + 1,
		InitialDelay: kv.options.RetryDelay,
		MaxDelay:     kv.options.MaxRetryDelay,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	err := retry.Do(ctx, cfg, func() error {
		var current []byte
		var revision uint64

		entry, err := kv.Get(ctx, key)
		switch {
		case err == nil:
			current = entry.Value
			revision = entry.Revision
		case !IsKVNotFoundError(err):
			return retry.NonRetryable(err)
		}

		next, err := updateFn(current)
		if err != nil {
			return retry.NonRetryable(err)
		}

		if revision == 0 {
			_, err = kv.Create(ctx, key, next)
		} else {
			_, err = kv.Update(ctx, key, next, revision)
		}
		if err != nil && !IsKVConflictError(err) {
			return retry.NonRetryable(err)
		}
		if err != nil {
			kv.logger.Debugf("KV CAS conflict (retrying): key=%s", key)
		}
		return err
	})

	var nre *retry.NonRetryableError
	if stderrors.As(err, &nre) {
		return nre.Err
	}
	if err != nil && IsKVConflictError(err) {
		return ErrKVMaxRetriesExceeded
	}
	return err
}

// Delete removes a key from the bucket. Deleting a missing key is not an error.
func (kv *KVStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	if err := kv.bucket.Delete(ctx, key); err != nil {
		if IsKVNotFoundError(err) {
			return nil
		}
		return ClassifyError(err, "KVStore", "Delete", "delete "+key)
	}

	kv.logger.Debugf("KV Delete: key=%s", key)
	return nil
}

// Keys lists every live key in the bucket. An empty bucket yields an empty slice.
func (kv *KVStore) Keys(ctx context.Context) ([]string, error) {
	ctx, cancel := kv.applyTimeout(ctx)
	defer cancel()

	lister, err := kv.bucket.ListKeys(ctx)
	if err != nil {
		if stderrors.Is(err, jetstream.ErrNoKeysFound) {
			return []string{}, nil
		}
		return nil, ClassifyError(err, "KVStore", "Keys", "list keys")
	}
	defer func() { _ = lister.Stop() }()

	keys := []string{}
	for {
		select {
		case key, ok := <-lister.Keys():
			if !ok {
				return keys, nil
			}
			keys = append(keys, key)
		case <-ctx.Done():
			return nil, ClassifyError(ctx.Err(), "KVStore", "Keys", "list keys")
		}
	}
}

func (kv *KVStore) checkSize(value []byte) error {
	if kv.options.MaxValueSize > 0 && len(value) > kv.options.MaxValueSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: size %d exceeds maximum %d", errors.ErrInvalidData, len(value), kv.options.MaxValueSize),
			"KVStore", "checkSize", "validate value size")
	}
	return nil
}

// IsKVNotFoundError checks if error indicates key not found
func IsKVNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyNotFound) ||
		stderrors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	return strings.Contains(err.Error(), "key not found")
}

// IsKVConflictError checks if error indicates a conflict (key exists or wrong revision)
func IsKVConflictError(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, ErrKVRevisionMismatch) ||
		stderrors.Is(err, ErrKVKeyExists) ||
		stderrors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	var apiErr *jetstream.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	errMsg := err.Error()
	return strings.Contains(errMsg, "wrong last sequence") || strings.Contains(errMsg, "key exists")
}

// Well-known KV errors
var (
	ErrKVKeyNotFound        = fmt.Errorf("kv: %w", errors.ErrKeyNotFound)
	ErrKVKeyExists          = stderrors.New("kv: key already exists")
	ErrKVRevisionMismatch   = stderrors.New("kv: revision mismatch (concurrent update)")
	ErrKVMaxRetriesExceeded = stderrors.New("kv: max retries exceeded")
)
