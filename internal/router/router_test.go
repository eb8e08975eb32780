package router_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"novelty-server/internal/config"
	"novelty-server/internal/db/dbtest"
	"novelty-server/internal/model"
	"novelty-server/internal/observability"
	"novelty-server/internal/protocol"
	"novelty-server/internal/router"
	"novelty-server/internal/service"
	"novelty-server/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSessions []session.Info

func (s staticSessions) Sessions() []session.Info { return s }

func setup(t *testing.T) (*gin.Engine, *service.ServiceContext, uint) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := service.NewServiceContext(config.Default(), dbtest.New(t), observability.NewMetrics(prometheus.NewRegistry()))
	ctx := context.Background()

	exp := &model.ModelExperiment{ModelName: "m", Domain: "toy", DataSource: protocol.SourceRecorded, Secret: "s"}
	require.NoError(t, svc.Store.CreateExperiment(ctx, exp, []model.ExperimentTrial{{Novelty: 100, Difficulty: "easy"}}))
	trials, err := svc.Store.Trials(ctx, exp.ID)
	require.NoError(t, err)
	trialID := trials[0].ID

	episodes := []model.TrialEpisode{
		{Sequence: 0, Novelty: 0, TrialNovelty: 100, DataType: model.DataRecordedTest},
		{Sequence: 1, Novelty: 100, TrialNovelty: 100, DataType: model.DataRecordedTest},
		{Sequence: 2, Novelty: 100, TrialNovelty: 100, DataType: model.DataRecordedTest},
	}
	require.NoError(t, svc.Store.PopulateTrial(ctx, trialID, episodes))
	for i, perf := range []float64{1, 0.5, 0.5} {
		require.NoError(t, svc.Store.EndTrialEpisode(ctx, &episodes[i], perf))
	}
	require.NoError(t, svc.Store.RecordEpisodeNovelty(ctx, episodes[1].ID, protocol.NoveltyReport{NoveltyProbability: 0.9, NoveltyThreshold: 0.5, Novelty: 100}))
	require.NoError(t, svc.Store.CompleteTrial(ctx, trialID))

	sessions := staticSessions{{ReplyQueue: "q.1", ExperimentID: exp.ID, State: "TrialStart", StartedAt: time.Now()}}
	return router.SetupRouter(svc, sessions), svc, exp.ID
}

func get(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestListExperiments(t *testing.T) {
	r, _, _ := setup(t)
	w := get(r, http.MethodGet, "/api/experiments?limit=5")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Experiments []model.ModelExperiment `json:"experiments"`
		Total       int                     `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, "m", body.Experiments[0].ModelName)
	assert.NotContains(t, w.Body.String(), `"secret"`)
}

func TestExperimentProgress(t *testing.T) {
	r, _, id := setup(t)
	w := get(r, http.MethodGet, "/api/experiments/"+itoa(id)+"/progress")
	require.Equal(t, http.StatusOK, w.Code)

	var progress service.ExperimentProgress
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &progress))
	require.Len(t, progress.Trials, 1)
	assert.Equal(t, 3, progress.Trials[0].Episodes)
	assert.Equal(t, 3, progress.Trials[0].EpisodesComplete)
	assert.True(t, progress.Trials[0].IsComplete)
}

func TestExperimentStats(t *testing.T) {
	r, _, id := setup(t)
	w := get(r, http.MethodGet, "/api/experiments/"+itoa(id)+"/stats")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Stats service.ExperimentStats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Stats.Episodes)
	assert.Equal(t, 2, body.Stats.Detection.N)
	assert.Equal(t, 1, body.Stats.Detection.Hits)
	assert.Equal(t, 1, body.Stats.FalseAlarm.N)
	assert.Equal(t, 0, body.Stats.FalseAlarm.Hits)
	assert.InDelta(t, 1.0, body.Stats.PreNovelPerformance, 1e-9)
	assert.InDelta(t, 0.5, body.Stats.NovelPerformance, 1e-9)
}

func TestExperimentReportIsMarkdown(t *testing.T) {
	r, _, id := setup(t)
	w := get(r, http.MethodGet, "/api/experiments/"+itoa(id)+"/report")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/markdown")
	assert.Contains(t, w.Body.String(), "# Experiment "+itoa(id))
	assert.Contains(t, w.Body.String(), "| detection | 2 | 0.500 |")
}

func TestBadAndUnknownExperimentIDs(t *testing.T) {
	r, _, _ := setup(t)
	assert.Equal(t, http.StatusBadRequest, get(r, http.MethodGet, "/api/experiments/abc/stats").Code)
	assert.Equal(t, http.StatusNotFound, get(r, http.MethodGet, "/api/experiments/999/stats").Code)
	assert.Equal(t, http.StatusNotFound, get(r, http.MethodGet, "/api/experiments/999/progress").Code)
	assert.Equal(t, http.StatusNotFound, get(r, http.MethodGet, "/api/experiments/999/report").Code)
}

func TestSweepSessionsHealthAndMetrics(t *testing.T) {
	r, _, id := setup(t)

	w := get(r, http.MethodPost, "/api/trials/sweep")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"reset":0}`, w.Body.String())

	w = get(r, http.MethodGet, "/api/sessions")
	require.Equal(t, http.StatusOK, w.Code)
	var sessions struct {
		Sessions []session.Info `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.Equal(t, id, sessions.Sessions[0].ExperimentID)

	w = get(r, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)

	w = get(r, http.MethodOptions, "/api/sessions")
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func itoa(id uint) string {
	b, _ := json.Marshal(id)
	return string(b)
}
