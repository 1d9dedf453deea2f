//go:build integration

package natsclient

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ximik/rumpy/errors"
	"github.com/ximik/rumpy/metric"
)

var shared *TestClient

func TestMain(m *testing.M) {
	var err error
	shared, err = NewSharedTestClient(WithJetStream())
	if err != nil {
		fmt.Fprintf(os.Stderr, "start NATS: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = shared.Terminate()
	os.Exit(code)
}

func TestIntegration_Connect(t *testing.T) {
	assert.True(t, shared.Client.IsHealthy())
	assert.Equal(t, StatusConnected, shared.Client.Status())

	rtt, err := shared.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	sub, err := shared.Client.Subscribe("test.pubsub", func(msg *nats.Msg) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(msg.Data))
		if len(got) == 3 {
			close(done)
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	ctx := context.Background()
	for _, body := range []string{"one", "two", "three"} {
		require.NoError(t, shared.Client.Publish(ctx, "test.pubsub", []byte(body)))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for messages")
	}
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, got)
	mu.Unlock()
}

func TestIntegration_Request(t *testing.T) {
	sub, err := shared.Client.Subscribe("test.request", func(msg *nats.Msg) {
		_ = msg.Respond(append([]byte("re: "), msg.Data...))
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	reply, err := shared.Client.Request(context.Background(), "test.request", []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, "re: ping", string(reply.Data))

	_, err = shared.Client.Request(context.Background(), "test.nobody", []byte("ping"))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "no responders is transient")
}

func TestIntegration_KVStore(t *testing.T) {
	ctx := context.Background()
	bucket, err := shared.CreateKVBucket(ctx, "test_kvstore")
	require.NoError(t, err)
	kv := shared.Client.NewKVStore(bucket)
	assert.Equal(t, "test_kvstore", kv.Bucket())

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Get(ctx, "alice")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	rev, err := kv.Create(ctx, "alice", []byte("1"))
	require.NoError(t, err)

	_, err = kv.Create(ctx, "alice", []byte("2"))
	assert.ErrorIs(t, err, ErrKVKeyExists)

	_, err = kv.Update(ctx, "alice", []byte("2"), rev+10)
	assert.ErrorIs(t, err, ErrKVRevisionMismatch)

	_, err = kv.Update(ctx, "alice", []byte("2"), rev)
	require.NoError(t, err)

	_, err = kv.Put(ctx, "bob", []byte("x"))
	require.NoError(t, err)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, keys)

	require.NoError(t, kv.Delete(ctx, "bob"))
	require.NoError(t, kv.Delete(ctx, "bob"))
	_, err = kv.Get(ctx, "bob")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)

	entry, err := kv.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "2", string(entry.Value))
}

func TestIntegration_UpdateWithRetry_Concurrent(t *testing.T) {
	ctx := context.Background()
	bucket, err := shared.CreateKVBucket(ctx, "test_cas")
	require.NoError(t, err)
	kv := shared.Client.NewKVStore(bucket, func(o *KVOptions) { o.MaxRetries = 50 })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := kv.UpdateWithRetry(ctx, "counter", func(current []byte) ([]byte, error) {
				return append(current, 'x'), nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	entry, err := kv.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Len(t, entry.Value, 10)
}

func TestIntegration_CreateBucketTwice(t *testing.T) {
	ctx := context.Background()
	first, err := shared.CreateKVBucket(ctx, "test_twice")
	require.NoError(t, err)
	second, err := shared.CreateKVBucket(ctx, "test_twice")
	require.NoError(t, err)
	assert.Equal(t, first.Bucket(), second.Bucket())

	require.NoError(t, shared.Client.DeleteKeyValueBucket(ctx, "test_twice"))
	_, err = shared.Client.GetKeyValueBucket(ctx, "test_twice")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestIntegration_BucketMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	client, err := shared.NewClient(WithMetrics(registry), WithMetricsInterval(0))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	defer client.Close(ctx)

	bucket, err := shared.CreateKVBucket(ctx, "test_metrics")
	require.NoError(t, err)
	_, err = bucket.Put(ctx, "k", []byte("v"))
	require.NoError(t, err)

	_, err = client.GetKeyValueBucket(ctx, "test_metrics")
	require.NoError(t, err)
	client.kvMetrics.updateStats(ctx)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	var values float64
	for _, mf := range families {
		if mf.GetName() == "rumpy_kv_bucket_values" {
			for _, m := range mf.GetMetric() {
				values = m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, values)
}
