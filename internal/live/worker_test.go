package live

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stuckProducer never answers a step until its context ends.
type stuckProducer struct {
	closed chan struct{}
}

func (s *stuckProducer) Reset(context.Context, Params) (Observation, error) {
	return Observation{Features: json.RawMessage(`{}`)}, nil
}

func (s *stuckProducer) Step(ctx context.Context, _ string) (Observation, error) {
	<-ctx.Done()
	return Observation{}, ctx.Err()
}

func (s *stuckProducer) Close() error {
	close(s.closed)
	return nil
}

func TestWorkerRunsCartPoleEpisode(t *testing.T) {
	w := StartWorker(NewCartPole(), time.Second)
	defer w.Stop()
	ctx := context.Background()

	obs, err := w.Reset(ctx, Params{Domain: CartPoleDomain, Difficulty: "easy", Seed: 3})
	require.NoError(t, err)
	var f cartPoleFeatures
	require.NoError(t, json.Unmarshal(obs.Features, &f))
	assert.LessOrEqual(t, f.X, 0.4)
	assert.GreaterOrEqual(t, f.X, -0.4)

	steps := 0
	for !obs.Done {
		obs, err = w.Step(ctx, obs.Label)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, obs.Reward, 0.0)
		assert.LessOrEqual(t, obs.Reward, 1.0)
		steps++
	}
	assert.Equal(t, cartPoleSteps, steps, "the oracle keeps the cart inside the track")
}

func TestWorkerTimesOutAndStops(t *testing.T) {
	p := &stuckProducer{closed: make(chan struct{})}
	w := StartWorker(p, 50*time.Millisecond)

	_, err := w.Reset(context.Background(), Params{})
	require.NoError(t, err)

	_, err = w.Step(context.Background(), "left")
	assert.ErrorIs(t, err, ErrTimeout)

	w.Stop()
	w.Stop()
	select {
	case <-p.closed:
	default:
		t.Fatal("environment not closed after Stop")
	}

	_, err = w.Step(context.Background(), "left")
	assert.True(t, errors.Is(err, ErrStopped) || errors.Is(err, ErrTimeout))
}

func TestCartPoleNoveltyChangesDynamics(t *testing.T) {
	ctx := context.Background()
	run := func(novelty int) float64 {
		c := NewCartPole()
		_, err := c.Reset(ctx, Params{Novelty: novelty, Difficulty: "hard", Seed: 1})
		require.NoError(t, err)
		var obs Observation
		for i := 0; i < 10; i++ {
			obs, err = c.Step(ctx, "none")
			require.NoError(t, err)
		}
		var f cartPoleFeatures
		require.NoError(t, json.Unmarshal(obs.Features, &f))
		return f.X
	}
	base := run(0)
	for _, level := range []int{100, 300} {
		assert.NotEqual(t, base, run(level), "novelty %d", level)
	}
}

func TestCartPoleRejectsUnknownAction(t *testing.T) {
	c := NewCartPole()
	_, err := c.Step(context.Background(), "left")
	assert.Error(t, err)

	_, err = c.Reset(context.Background(), Params{UseImage: true})
	require.NoError(t, err)
	_, err = c.Step(context.Background(), "jump")
	assert.Error(t, err)

	obs, err := c.Step(context.Background(), "0.5")
	require.NoError(t, err)
	var f cartPoleFeatures
	require.NoError(t, json.Unmarshal(obs.Features, &f))
	assert.Len(t, f.Image, cartPoleImageBins)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()
	assert.True(t, r.Supports(CartPoleDomain))
	assert.Equal(t, []string{CartPoleDomain}, r.Domains())
	_, err := r.New("vizdoom")
	assert.Error(t, err)
	p, err := r.New(CartPoleDomain)
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
