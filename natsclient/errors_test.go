package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/ximik/rumpy/errors"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected errors.ErrorClass
	}{
		{"connection closed", nats.ErrConnectionClosed, errors.ErrorTransient},
		{"reconnecting", nats.ErrConnectionReconnecting, errors.ErrorTransient},
		{"timeout", nats.ErrTimeout, errors.ErrorTransient},
		{"no responders", nats.ErrNoResponders, errors.ErrorTransient},
		{"bucket gone", jetstream.ErrBucketNotFound, errors.ErrorTransient},
		{"deadline", context.DeadlineExceeded, errors.ErrorTransient},
		{"wrapped timeout", fmt.Errorf("get: %w", nats.ErrTimeout), errors.ErrorTransient},
		{"not connected", ErrNotConnected, errors.ErrorTransient},
		{"max connections", nats.ErrMaxConnectionsExceeded, errors.ErrorExhausted},
		{"slow consumer", nats.ErrSlowConsumer, errors.ErrorExhausted},
		{"insufficient resources", &jetstream.APIError{Code: 500, ErrorCode: 10023, Description: "insufficient resources"}, errors.ErrorExhausted},
		{"storage exceeded", &jetstream.APIError{Code: 500, ErrorCode: 10047}, errors.ErrorExhausted},
		{"rate limited status", &jetstream.APIError{Code: 429}, errors.ErrorExhausted},
		{"authorization", nats.ErrAuthorization, errors.ErrorFatal},
		{"bad subject", nats.ErrBadSubject, errors.ErrorInvalid},
		{"unknown", stderrors.New("boom"), errors.ErrorInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyError(tt.err, "KVStore", "Get", "get key")
			assert.Equal(t, tt.expected, errors.Classify(err))
			assert.ErrorIs(t, err, tt.err)
			assert.Contains(t, err.Error(), "KVStore.Get: get key failed")
		})
	}
}

func TestClassifyError_KeepsExistingClass(t *testing.T) {
	inner := errors.WrapExhausted(nats.ErrTimeout, "Pool", "Get", "borrow")
	err := ClassifyError(inner, "KVStore", "Get", "get key")
	assert.True(t, errors.IsExhausted(err))
}

func TestClassifyError_Nil(t *testing.T) {
	assert.NoError(t, ClassifyError(nil, "A", "b", "c"))
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(ErrKVKeyNotFound))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.True(t, IsKVNotFoundError(fmt.Errorf("get: %w", jetstream.ErrKeyDeleted)))
	assert.False(t, IsKVNotFoundError(nats.ErrTimeout))
	assert.False(t, IsKVNotFoundError(nil))
	assert.ErrorIs(t, ErrKVKeyNotFound, errors.ErrKeyNotFound)

	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflictError(&jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence}))
	assert.False(t, IsKVConflictError(nats.ErrTimeout))
	assert.False(t, IsKVConflictError(nil))
}
