package handler

import (
	"errors"
	"net/http"
	"strconv"

	"novelty-server/internal/service"
	"novelty-server/internal/session"
	"novelty-server/internal/store"

	"github.com/gin-gonic/gin"
)

// SessionLister reports the experiment sessions this process is serving.
type SessionLister interface {
	Sessions() []session.Info
}

type ExperimentHandler struct {
	svc      *service.ServiceContext
	sessions SessionLister
}

func NewExperimentHandler(svc *service.ServiceContext, sessions SessionLister) *ExperimentHandler {
	return &ExperimentHandler{svc: svc, sessions: sessions}
}

// ListExperiments lists the most recent experiments.
func (h *ExperimentHandler) ListExperiments(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	experiments, err := h.svc.Store.ListExperiments(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"experiments": experiments,
		"total":       len(experiments),
	})
}

// GetProgress lists every trial of an experiment with its episode counts.
func (h *ExperimentHandler) GetProgress(c *gin.Context) {
	id, ok := experimentID(c)
	if !ok {
		return
	}
	progress, err := service.ComputeProgress(c.Request.Context(), h.svc.Store, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

// GetStats returns performance and detection statistics of an experiment.
func (h *ExperimentHandler) GetStats(c *gin.Context) {
	id, ok := experimentID(c)
	if !ok {
		return
	}
	if _, err := h.svc.Store.Experiment(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	stats, err := service.ComputeExperimentStats(c.Request.Context(), h.svc.Store, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}

// GetReport renders the experiment statistics as markdown.
func (h *ExperimentHandler) GetReport(c *gin.Context) {
	id, ok := experimentID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	exp, err := h.svc.Store.Experiment(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := service.ComputeExperimentStats(ctx, h.svc.Store, id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(service.RenderExperimentReport(exp, stats)))
}

// SweepAbandoned returns stale trials to the pool right away.
func (h *ExperimentHandler) SweepAbandoned(c *gin.Context) {
	n, err := h.svc.Sweeper.RunNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error(), "reset": n})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": n})
}

// ListSessions lists the sessions served by this process.
func (h *ExperimentHandler) ListSessions(c *gin.Context) {
	sessions := []session.Info{}
	if h.sessions != nil {
		sessions = h.sessions.Sessions()
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"total":    len(sessions),
	})
}

// Healthz reports whether the store answers.
func (h *ExperimentHandler) Healthz(c *gin.Context) {
	if err := h.svc.Store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func experimentID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid experiment id"})
		return 0, false
	}
	return uint(id), true
}

func writeError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "experiment not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
