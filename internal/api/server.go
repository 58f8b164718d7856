// Package api exposes the event store and the two entry points
// (process one report, run a fusion pass) over HTTP for downstream
// review and export collaborators.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/abelbrown/eventline/internal/fusion"
	"github.com/abelbrown/eventline/internal/pipeline"
	"github.com/abelbrown/eventline/internal/store"
	"github.com/abelbrown/eventline/internal/telemetry"
)

// Server wires the HTTP surface over the pipeline, store and fusion
// engine.
type Server struct {
	store        *store.Store
	orchestrator *pipeline.Orchestrator
	engine       *fusion.Engine
	telemetry    *telemetry.Telemetry
}

func NewServer(st *store.Store, orch *pipeline.Orchestrator, eng *fusion.Engine, tel *telemetry.Telemetry) *Server {
	return &Server{store: st, orchestrator: orch, engine: eng, telemetry: tel}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/events", s.listEvents)
	r.GET("/events/:id", s.getEvent)
	r.PATCH("/events/:id", s.patchEvent)
	r.POST("/reports", s.processReport)
	r.POST("/fusion/run", s.runFusion)
	r.GET("/stats", s.stats)

	return r
}

// eventJSON is the wire shape of an event. The embedding is internal
// and never leaves the store.
type eventJSON struct {
	ID             string    `json:"id"`
	OccurredAt     time.Time `json:"occurred_at"`
	Title          string    `json:"title"`
	Dossier        string    `json:"dossier_text"`
	Classification string    `json:"classification,omitempty"`
	TargetType     string    `json:"target_type,omitempty"`
	Reasoning      string    `json:"reasoning,omitempty"`
	Confidence     float64   `json:"extraction_confidence"`
	Lat            *float64  `json:"lat"`
	Lon            *float64  `json:"lon"`
	Status         string    `json:"status"`
	Sources        []string  `json:"sources"`
	SeverityK      int       `json:"severity_k"`
	SeverityT      int       `json:"severity_t"`
	SeverityE      int       `json:"severity_e"`
	TieTotal       int       `json:"tie_total"`
	Reliability    int       `json:"reliability"`
	MergedInto     string    `json:"merged_into,omitempty"`
	Suspect        bool      `json:"suspect"`
}

func toJSON(e *store.Event) eventJSON {
	return eventJSON{
		ID:             e.ID,
		OccurredAt:     e.OccurredAt,
		Title:          e.Title,
		Dossier:        e.Dossier,
		Classification: e.Classification,
		TargetType:     e.TargetType,
		Reasoning:      e.Reasoning,
		Confidence:     e.Confidence,
		Lat:            e.Lat,
		Lon:            e.Lon,
		Status:         string(e.Status),
		Sources:        e.Sources,
		SeverityK:      e.SeverityK,
		SeverityT:      e.SeverityT,
		SeverityE:      e.SeverityE,
		TieTotal:       e.TieTotal,
		Reliability:    e.Reliability,
		MergedInto:     e.MergedInto,
		Suspect:        e.Suspect,
	}
}

func (s *Server) listEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	status := store.Status(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}

	events, err := s.store.ListEvents(limit, status)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]eventJSON, len(events))
	for i := range events {
		out[i] = toJSON(&events[i])
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

func (s *Server) getEvent(c *gin.Context) {
	id := c.Param("id")

	var ev *store.Event
	var err error
	if c.Query("resolve") == "true" {
		ev, err = s.store.ResolveMaster(id)
	} else {
		ev, err = s.store.GetEvent(id)
	}
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, toJSON(ev))
}

// patchEvent applies a review mutation. Mutations addressed to a MERGED
// record land on its master; the response names the record actually
// written.
func (s *Server) patchEvent(c *gin.Context) {
	var req struct {
		Status      *string `json:"status"`
		Title       *string `json:"title"`
		Reliability *int    `json:"reliability"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON payload"})
		return
	}

	var patch store.Patch
	if req.Status != nil {
		st := store.Status(*req.Status)
		patch.Status = &st
	}
	patch.Title = req.Title
	patch.Reliability = req.Reliability

	target, err := s.store.Mutate(c.Param("id"), patch)
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutated": target})
}

func (s *Server) processReport(c *gin.Context) {
	var req struct {
		Text   string `json:"text"`
		Source string `json:"source"`
		Unit   string `json:"unit"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}

	out, err := s.orchestrator.ProcessOne(c.Request.Context(), pipeline.RawItem{
		Text:      req.Text,
		Source:    req.Source,
		Unit:      req.Unit,
		FetchedAt: time.Now().UTC(),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"outcome": out.Kind.String()}
	switch out.Kind {
	case pipeline.Aborted:
		resp["reason"] = out.Err.Error()
		c.JSON(http.StatusUnprocessableEntity, resp)
	case pipeline.Created:
		resp["event"] = toJSON(out.Event)
		c.JSON(http.StatusCreated, resp)
	default:
		c.JSON(http.StatusOK, resp)
	}
}

func (s *Server) runFusion(c *gin.Context) {
	res, err := s.engine.RunPass(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"compared":      res.Compared,
		"merged_count":  res.Merged,
		"void_clusters": res.VoidClusters,
	})
}

func (s *Server) stats(c *gin.Context) {
	counts, err := s.store.EventCount()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	byStatus := make(map[string]int, len(counts))
	for status, n := range counts {
		byStatus[string(status)] = n
	}

	resp := gin.H{"events": byStatus}
	if s.telemetry != nil {
		recent := s.telemetry.Recent()
		resp["recent_stages"] = len(recent)
	}
	c.JSON(http.StatusOK, resp)
}
