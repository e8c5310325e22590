// Package httpapi exposes the controller's read model and the lockout
// acknowledgment operation over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mossline/hydrod/internal/config"
	"github.com/mossline/hydrod/internal/engine"
	"github.com/mossline/hydrod/internal/store"
)

// Server serves the status API for all zones.
type Server struct {
	cfg    config.Config
	store  *store.Store
	engine *engine.Engine
	log    *slog.Logger
}

// New builds a server over the shared store and engine.
func New(cfg config.Config, st *store.Store, eng *engine.Engine, log *slog.Logger) *Server {
	return &Server{cfg: cfg, store: st, engine: eng, log: log}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/zones", s.listZones)
		v1.GET("/zones/:zone/status", s.zoneStatus)
		v1.GET("/zones/:zone/cycles", s.zoneCycles)
		v1.GET("/zones/:zone/rollups", s.zoneRollups)
		v1.GET("/zones/:zone/events", s.zoneEvents)
		v1.POST("/zones/:zone/ack", s.acknowledge)
	}
	return r
}

// Run serves until the context is cancelled, then shuts down with a
// short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.APIAddr, Handler: s.Router()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.log.Info("http api started", "addr", s.cfg.APIAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) listZones(c *gin.Context) {
	zones := make([]gin.H, 0, len(s.cfg.Zones))
	for _, zone := range s.cfg.Zones {
		zones = append(zones, gin.H{"id": zone.ID, "grow_phase": zone.GrowPhase})
	}
	c.JSON(http.StatusOK, gin.H{"zones": zones})
}

func (s *Server) zoneStatus(c *gin.Context) {
	zoneID, ok := s.zoneID(c)
	if !ok {
		return
	}

	state, found, err := s.store.LoadState(c.Request.Context(), zoneID)
	if err != nil {
		s.internalError(c, "load state", err)
		return
	}

	events, err := s.store.OpenSafetyEvents(c.Request.Context(), zoneID)
	if err != nil {
		s.internalError(c, "load safety events", err)
		return
	}

	resp := gin.H{
		"zone_id":            zoneID,
		"open_safety_events": events,
	}
	if found {
		resp["state"] = state
	}

	summaries, err := s.store.CycleSummaries(c.Request.Context(), zoneID, 1)
	if err != nil {
		s.internalError(c, "load summaries", err)
		return
	}
	if len(summaries) > 0 {
		resp["last_cycle"] = summaries[0].CycleSeq
		resp["health_score"] = summaries[0].KPIs.HealthScore
		resp["completed_at"] = summaries[0].CompletedAt
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) zoneCycles(c *gin.Context) {
	zoneID, ok := s.zoneID(c)
	if !ok {
		return
	}

	limit := 10
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 200 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer in [1, 200]"})
			return
		}
		limit = parsed
	}

	summaries, err := s.store.CycleSummaries(c.Request.Context(), zoneID, limit)
	if err != nil {
		s.internalError(c, "load summaries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": summaries})
}

// zoneRollups serves the daily KPI trend record. The optional since
// parameter is a YYYY-MM-DD day key; the default covers the last week.
func (s *Server) zoneRollups(c *gin.Context) {
	zoneID, ok := s.zoneID(c)
	if !ok {
		return
	}

	sinceDay := time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02")
	if raw := c.Query("since"); raw != "" {
		if _, err := time.Parse("2006-01-02", raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be a YYYY-MM-DD day"})
			return
		}
		sinceDay = raw
	}

	rollups, err := s.store.KPIRollups(c.Request.Context(), zoneID, sinceDay)
	if err != nil {
		s.internalError(c, "load kpi rollups", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"zone_id": zoneID, "since": sinceDay, "rollups": rollups})
}

func (s *Server) zoneEvents(c *gin.Context) {
	zoneID, ok := s.zoneID(c)
	if !ok {
		return
	}
	events, err := s.store.OpenSafetyEvents(c.Request.Context(), zoneID)
	if err != nil {
		s.internalError(c, "load safety events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

type ackRequest struct {
	Operator string `json:"operator" binding:"required"`
}

func (s *Server) acknowledge(c *gin.Context) {
	zoneID, ok := s.zoneID(c)
	if !ok {
		return
	}

	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator is required"})
		return
	}

	closed, err := s.engine.Acknowledge(c.Request.Context(), zoneID, req.Operator)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"zone_id": zoneID, "events_closed": closed})
}

func (s *Server) zoneID(c *gin.Context) (string, bool) {
	zoneID := c.Param("zone")
	if _, ok := s.cfg.ZoneByID(zoneID); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown zone " + zoneID})
		return "", false
	}
	return zoneID, true
}

func (s *Server) internalError(c *gin.Context, op string, err error) {
	s.log.Error("api error", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
