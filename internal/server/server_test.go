package server

import (
	"context"
	"fmt"
	"testing"
	"time"

	"novelty-server/internal/cache"
	"novelty-server/internal/db/dbtest"
	"novelty-server/internal/live"
	"novelty-server/internal/lock"
	"novelty-server/internal/model"
	"novelty-server/internal/observability"
	"novelty-server/internal/protocol"
	"novelty-server/internal/session"
	"novelty-server/internal/store"
	"novelty-server/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sharedQueue   = "test.new"
	analysisQueue = "test.analysis"
)

type fixture struct {
	mem     *transport.Memory
	store   *store.Store
	metrics *observability.Metrics
	server  *Server
}

func newFixture(t *testing.T, maxSessions int, timeout time.Duration) *fixture {
	t.Helper()
	s := store.New(dbtest.New(t), store.Options{
		ReconnectInterval: 10 * time.Millisecond,
		DatasetLockWait:   2 * time.Second,
		DatasetLockStale:  time.Second,
	})
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	mem := transport.NewMemory()
	srv := New(mem, session.Deps{
		Store:   s,
		Locks:   lock.NewManager(s, lock.Options{Budget: time.Second, MaxJitter: 5 * time.Millisecond}, metrics),
		Live:    live.DefaultRegistry(),
		Metrics: metrics,
		Options: session.Options{
			Timeout:                   timeout,
			TrainingTimeoutMultiplier: 2,
			Cache:                     cache.Options{WindowSize: 4, ReloadThreshold: 2},
		},
	}, Options{
		NewExperimentQueue: sharedQueue,
		AnalysisQueue:      analysisQueue,
		ReplyQueuePrefix:   "test.session.",
		MaxSessions:        maxSessions,
	})
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		srv.Close()
		mem.Close()
	})
	f := &fixture{mem: mem, store: s, metrics: metrics, server: srv}
	f.seed(t)
	return f
}

func (f *fixture) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, key := range []model.DatasetKey{
		{Domain: "toy", DataType: model.DataRecordedTrain, Difficulty: "easy"},
		{Domain: "toy", DataType: model.DataRecordedTest, Difficulty: "easy", TrialNovelty: 100},
		{Domain: "toy", DataType: model.DataRecordedTest, Novelty: 100, Difficulty: "easy", TrialNovelty: 100},
	} {
		ds, err := f.store.FindOrCreateDataset(ctx, key)
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			rows := []store.Row{{Features: `{"v":1}`, Label: "a"}, {Features: `{"v":2}`, Label: "a"}}
			_, err := f.store.AddRecordedEpisode(ctx, ds.ID, int64(i), rows)
			require.NoError(t, err)
		}
	}
}

type client struct {
	t       *testing.T
	mem     *transport.Memory
	queue   string
	replies chan protocol.Message
}

func newClient(t *testing.T, mem *transport.Memory, queue string) *client {
	t.Helper()
	c := &client{t: t, mem: mem, queue: queue, replies: make(chan protocol.Message, 64)}
	require.NoError(t, mem.Subscribe(queue, transport.QueueOptions{AutoDelete: true}, func(_ context.Context, d transport.Delivery) {
		msg, err := protocol.Decode(d.Body)
		if err != nil {
			t.Errorf("decode reply: %v", err)
			return
		}
		c.replies <- msg
	}))
	return c
}

func (c *client) send(queue string, m protocol.Message) {
	c.t.Helper()
	body, err := protocol.Encode(m)
	require.NoError(c.t, err)
	require.NoError(c.t, c.mem.Publish(context.Background(), queue, transport.Publishing{Body: body, ReplyTo: c.queue}))
}

func (c *client) recv() protocol.Message {
	c.t.Helper()
	select {
	case m := <-c.replies:
		return m
	case <-time.After(3 * time.Second):
		c.t.Fatal("no reply")
		return nil
	}
}

func (c *client) noReply(d time.Duration) {
	c.t.Helper()
	select {
	case m := <-c.replies:
		c.t.Fatalf("unexpected reply %s", m.Kind())
	case <-time.After(d):
	}
}

func benchmarkRequest() *protocol.BenchmarkRequest {
	return &protocol.BenchmarkRequest{
		ModelName:        "m",
		Domain:           "toy",
		DataSource:       protocol.SourceRecorded,
		Novelty:          []int{100},
		TrainingEpisodes: 1,
		TestingEpisodes:  3,
	}
}

// open starts an experiment and returns its private queue.
func (c *client) open(req *protocol.BenchmarkRequest) string {
	c.t.Helper()
	c.send(sharedQueue, req)
	start, ok := c.recv().(*protocol.ExperimentStart)
	require.True(c.t, ok)
	return start.ReplyQueue
}

// play answers replies the way a worker would until the experiment ends.
func (c *client) play(queue string) []protocol.Kind {
	c.t.Helper()
	var kinds []protocol.Kind
	c.send(queue, &protocol.RequestState{})
	for i := 0; i < 500; i++ {
		reply := c.recv()
		kinds = append(kinds, reply.Kind())
		var next protocol.Message = &protocol.RequestState{}
		switch r := reply.(type) {
		case *protocol.ExperimentEnd:
			return kinds
		case *protocol.Error, *protocol.ExperimentException:
			c.t.Fatalf("unexpected %s: %+v", reply.Kind(), reply)
		case *protocol.TrainingEpisodeStart:
			next = &protocol.RequestTrainingData{}
		case *protocol.TrainingData:
			next = &protocol.TrainingDataPrediction{Prediction: protocol.Prediction{Label: r.Label}}
		case *protocol.TrainingDataAck:
			if !r.EpisodeComplete {
				next = &protocol.RequestTrainingData{}
			}
		case *protocol.TestingEpisodeStart:
			next = &protocol.RequestTestingData{}
		case *protocol.TestingData:
			next = &protocol.TestingDataPrediction{Prediction: protocol.Prediction{Label: "a"}}
		case *protocol.TestingDataAck:
			if !r.EpisodeComplete {
				next = &protocol.RequestTestingData{}
			}
		}
		c.send(queue, next)
	}
	c.t.Fatal("experiment did not end")
	return nil
}

func TestExperimentRunsOverPrivateQueue(t *testing.T) {
	f := newFixture(t, 2, time.Second)
	c := newClient(t, f.mem, "client.1")

	queue := c.open(benchmarkRequest())
	assert.Contains(t, queue, "test.session.")
	assert.True(t, f.mem.Subscribed(queue))
	require.Len(t, f.server.Sessions(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ActiveSessions))

	kinds := c.play(queue)
	assert.Contains(t, kinds, protocol.KindTrialEnd)

	assert.Eventually(t, func() bool { return len(f.server.Sessions()) == 0 }, time.Second, 10*time.Millisecond)
	assert.False(t, f.mem.Subscribed(queue))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveSessions))
	assert.Equal(t, 1, f.mem.Pending(analysisQueue))
}

func TestInvalidMessagesGetAnError(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	c := newClient(t, f.mem, "client.1")

	require.NoError(t, f.mem.Publish(context.Background(), sharedQueue, transport.Publishing{Body: []byte(`{"model_name":"m"}`), ReplyTo: c.queue}))
	assert.IsType(t, &protocol.Error{}, c.recv())

	c.send(sharedQueue, &protocol.RequestState{})
	assert.IsType(t, &protocol.Error{}, c.recv())

	bad := benchmarkRequest()
	bad.TestingEpisodes = 1
	c.send(sharedQueue, bad)
	assert.IsType(t, &protocol.Error{}, c.recv())
	assert.Empty(t, f.server.Sessions())
}

func TestSessionLimitPausesSharedQueue(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	first := newClient(t, f.mem, "client.1")
	second := newClient(t, f.mem, "client.2")

	queue := first.open(benchmarkRequest())
	assert.False(t, f.mem.Subscribed(sharedQueue))

	second.send(sharedQueue, benchmarkRequest())
	second.noReply(100 * time.Millisecond)
	assert.Equal(t, 1, f.mem.Pending(sharedQueue))

	first.play(queue)
	start, ok := second.recv().(*protocol.ExperimentStart)
	require.True(t, ok)
	assert.NotEqual(t, queue, start.ReplyQueue)
	assert.True(t, f.mem.Subscribed(start.ReplyQueue))
}

func TestIdleSessionIsTerminated(t *testing.T) {
	f := newFixture(t, 1, 80*time.Millisecond)
	c := newClient(t, f.mem, "client.1")

	queue := c.open(benchmarkRequest())
	exc, ok := c.recv().(*protocol.ExperimentException)
	require.True(t, ok)
	assert.Contains(t, exc.Message, "timed out")

	assert.Eventually(t, func() bool { return f.mem.Subscribed(sharedQueue) }, time.Second, 10*time.Millisecond)
	assert.Empty(t, f.server.Sessions())
	assert.False(t, f.mem.Subscribed(queue))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SessionTimeouts))
}

func TestBusySessionRejectsConcurrentRequest(t *testing.T) {
	f := newFixture(t, 1, time.Second)
	c := newClient(t, f.mem, "client.1")
	queue := c.open(benchmarkRequest())

	f.server.mu.Lock()
	e := f.server.sessions[queue]
	f.server.mu.Unlock()
	require.NotNil(t, e)

	e.mu.Lock()
	c.send(queue, &protocol.RequestState{})
	errMsg, ok := c.recv().(*protocol.Error)
	e.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, []string{"experiment session is busy"}, errMsg.Reasons)
	assert.Equal(t, session.StateExperimentStart.String(), f.server.Sessions()[0].State)

	c.send(queue, &protocol.RequestState{})
	assert.IsType(t, &protocol.TrainingStart{}, c.recv())
}

func TestAnalysisNotifierPublishesSummary(t *testing.T) {
	mem := transport.NewMemory()
	defer mem.Close()
	n := &AnalysisNotifier{Transport: mem, Queue: analysisQueue}

	require.NoError(t, n.PartialAnalysisReady(context.Background(), &protocol.PartialAnalysisReady{ExperimentID: 1, TrialID: 2, Summary: "# Trial 2"}))
	got := make(chan protocol.Message, 1)
	require.NoError(t, mem.Subscribe(analysisQueue, transport.QueueOptions{}, func(_ context.Context, d transport.Delivery) {
		m, err := protocol.Decode(d.Body)
		if err != nil {
			t.Error(err)
			return
		}
		got <- m
	}))
	select {
	case m := <-got:
		ready, ok := m.(*protocol.PartialAnalysisReady)
		require.True(t, ok, fmt.Sprintf("%T", m))
		assert.Equal(t, uint(2), ready.TrialID)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}
