//go:build integration

package kvstore

import (
	"context"
	"fmt"
	"os"
	"testing"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/ximik/rumpy/metric"
	"github.com/ximik/rumpy/natsclient"
	"github.com/ximik/rumpy/peer"
	"github.com/ximik/rumpy/store"
)

var nc *natsclient.TestClient

func TestMain(m *testing.M) {
	var err error
	nc, err = natsclient.NewSharedTestClient(natsclient.WithJetStream())
	if err != nil {
		fmt.Fprintf(os.Stderr, "start NATS: %v\n", err)
		os.Exit(1)
	}
	code := m.Run()
	_ = nc.Terminate()
	os.Exit(code)
}

type KVStoreSuite struct {
	suite.Suite
	ctx     context.Context
	store   *Store
	metrics *metric.Metrics
	bucket  string
}

func (s *KVStoreSuite) SetupTest() {
	s.ctx = context.Background()
	s.bucket = fmt.Sprintf("subs_%s", s.T().Name()[len("TestKVStoreSuite/"):])
	s.metrics = metric.NewMetrics()

	st, err := New(s.ctx, nc.Client, Config{Bucket: s.bucket}, WithMetrics(s.metrics))
	s.Require().NoError(err)
	s.store = st
}

func (s *KVStoreSuite) TearDownTest() {
	_ = nc.Client.DeleteKeyValueBucket(s.ctx, s.bucket)
}

func (s *KVStoreSuite) TestCreateFindDestroy() {
	alice := peer.MustNormalize("alice@example.org")

	_, err := s.store.FindByIdentity(s.ctx, alice)
	s.ErrorIs(err, store.ErrNotFound)

	created, err := s.store.Create(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(alice, created.Peer)

	again, err := s.store.Create(s.ctx, alice)
	s.Require().NoError(err)
	s.True(created.CreatedAt.Equal(again.CreatedAt))

	found, err := s.store.FindByIdentity(s.ctx, alice)
	s.Require().NoError(err)
	s.Equal(alice, found.Peer)

	s.Require().NoError(s.store.Destroy(s.ctx, alice))
	s.Require().NoError(s.store.Destroy(s.ctx, alice))
	_, err = s.store.FindByIdentity(s.ctx, alice)
	s.ErrorIs(err, store.ErrNotFound)
}

func (s *KVStoreSuite) TestSave() {
	bob := peer.MustNormalize("bob@example.org")
	sub, err := s.store.Create(s.ctx, bob)
	s.Require().NoError(err)

	sub.Set("lang", "de")
	s.Require().NoError(s.store.Save(s.ctx, sub))

	found, err := s.store.FindByIdentity(s.ctx, bob)
	s.Require().NoError(err)
	s.Equal("de", found.Get("lang"))

	ghost := store.NewSubscriber(peer.MustNormalize("ghost@example.org"), sub.CreatedAt)
	s.ErrorIs(s.store.Save(s.ctx, ghost), store.ErrNotFound)
}

func (s *KVStoreSuite) TestForEach() {
	ids := []peer.ID{
		peer.MustNormalize("a@x"),
		peer.MustNormalize("b@x"),
		peer.MustNormalize("c@x"),
	}
	for _, id := range ids {
		_, err := s.store.Create(s.ctx, id)
		s.Require().NoError(err)
	}

	var seen []peer.ID
	s.Require().NoError(s.store.ForEach(s.ctx, func(sub *store.Subscriber) error {
		seen = append(seen, sub.Peer)
		return nil
	}))
	s.ElementsMatch(ids, seen)
}

func (s *KVStoreSuite) TestForEachEmpty() {
	count := 0
	s.Require().NoError(s.store.ForEach(s.ctx, func(*store.Subscriber) error {
		count++
		return nil
	}))
	s.Zero(count)
}

func (s *KVStoreSuite) TestReconnectAfterBucketLoss() {
	alice := peer.MustNormalize("alice@example.org")
	s.Require().NoError(nc.Client.DeleteKeyValueBucket(s.ctx, s.bucket))

	_, err := s.store.Create(s.ctx, alice)
	s.Require().Error(err)

	s.Require().NoError(s.store.Reconnect(s.ctx))
	_, err = s.store.Create(s.ctx, alice)
	s.Require().NoError(err)

	var m dto.Metric
	s.Require().NoError(s.metrics.StoreReconnects.Write(&m))
	s.Equal(1.0, m.GetCounter().GetValue())
}

func TestKVStoreSuite(t *testing.T) {
	suite.Run(t, new(KVStoreSuite))
}

func TestDefaultBucket(t *testing.T) {
	st, err := New(context.Background(), nc.Client, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBucket, st.bucket().Bucket())
}
