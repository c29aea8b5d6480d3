// Package server exposes the engine over HTTP: pipeline catalog management,
// run control, approvals, status, Prometheus metrics and a websocket event
// stream.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ravi-parthasarathy/flowpress/pkg/pipeline"
)

// Server serves the flowpress API for one engine.
type Server struct {
	engine   *pipeline.Engine
	gatherer prometheus.Gatherer
	logger   *slog.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and stream logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithGatherer serves /metrics from g. Without it /metrics is not routed.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// New builds the router.
func New(engine *pipeline.Engine, opts ...Option) *Server {
	s := &Server{
		engine: engine,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	{
		pipelines := v1.Group("/pipelines")
		{
			pipelines.GET("", s.listPipelines)
			pipelines.POST("", s.registerPipeline)
			pipelines.GET("/:id", s.getPipeline)
			pipelines.DELETE("/:id", s.deletePipeline)
			pipelines.GET("/:id/dot", s.getPipelineDOT)
			pipelines.POST("/:id/runs", s.startRun)
		}
		runs := v1.Group("/runs")
		{
			runs.GET("", s.listRuns)
			runs.GET("/:runId", s.getRun)
			runs.POST("/:runId/pause", s.pauseRun)
			runs.POST("/:runId/resume", s.resumeRun)
			runs.POST("/:runId/approvals/:nodeId", s.decideApproval)
		}
		v1.GET("/approvals", s.listApprovals)
		v1.GET("/status", func(c *gin.Context) { c.JSON(http.StatusOK, s.engine.GetStatus()) })
		v1.GET("/events", s.streamEvents)
	}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("http server listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// ─── pipelines ────────────────────────────────────────────────────────────────

type pipelineSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Version     string `json:"version,omitempty"`
	Description string `json:"description,omitempty"`
	EntryNodeID string `json:"entryNodeId"`
	Nodes       int    `json:"nodes"`
	Edges       int    `json:"edges"`
}

func summarize(def *pipeline.Definition) pipelineSummary {
	return pipelineSummary{
		ID:          def.ID,
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		EntryNodeID: def.EntryNodeID,
		Nodes:       len(def.Nodes),
		Edges:       len(def.Edges),
	}
}

func (s *Server) listPipelines(c *gin.Context) {
	defs := s.engine.Catalog().List()
	out := make([]pipelineSummary, 0, len(defs))
	for _, def := range defs {
		out = append(out, summarize(def))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) registerPipeline(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	def, err := pipeline.DecodeJSON(body)
	if err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Catalog().Register(def); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	s.logger.Info("pipeline registered", "pipeline", def.ID, "source", "api")
	c.JSON(http.StatusCreated, summarize(def))
}

func (s *Server) lookup(c *gin.Context) (*pipeline.Definition, bool) {
	id := c.Param("id")
	def, ok := s.engine.Catalog().Get(id)
	if !ok {
		abort(c, http.StatusNotFound, pipeline.ErrPipelineNotFound)
	}
	return def, ok
}

func (s *Server) getPipeline(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	data, err := pipeline.EncodeJSON(def)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", data)
}

func (s *Server) deletePipeline(c *gin.Context) {
	if !s.engine.Catalog().Unregister(c.Param("id")) {
		abort(c, http.StatusNotFound, pipeline.ErrPipelineNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getPipelineDOT(c *gin.Context) {
	def, ok := s.lookup(c)
	if !ok {
		return
	}
	dot, err := pipeline.RenderDOT(def)
	if err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	c.Data(http.StatusOK, "text/vnd.graphviz; charset=utf-8", []byte(dot))
}

// ─── runs ─────────────────────────────────────────────────────────────────────

type startRunRequest struct {
	Input map[string]any `json:"input"`
}

type runSummary struct {
	RunID       string             `json:"runId"`
	PipelineID  string             `json:"pipelineId"`
	ParentRunID string             `json:"parentRunId,omitempty"`
	Status      pipeline.RunStatus `json:"status"`
	StartedAt   time.Time          `json:"startedAt"`
	Error       string             `json:"error,omitempty"`
}

// startRun starts a run in the background. With ?wait=true it responds once
// the run has finished; the run itself outlives the request either way.
func (s *Server) startRun(c *gin.Context) {
	var req startRunRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			abort(c, http.StatusBadRequest, err)
			return
		}
	}
	pctx, err := s.engine.Start(context.Background(), c.Param("id"), req.Input)
	if err != nil {
		abort(c, statusFor(err), err)
		return
	}
	if c.Query("wait") != "true" {
		c.JSON(http.StatusAccepted, pctx.Snapshot())
		return
	}
	if err := pctx.Wait(c.Request.Context()); err != nil {
		abort(c, http.StatusRequestTimeout, err)
		return
	}
	c.JSON(http.StatusOK, pctx.Snapshot())
}

func (s *Server) listRuns(c *gin.Context) {
	pipelineID, status := c.Query("pipeline"), pipeline.RunStatus(c.Query("status"))
	out := []runSummary{}
	for _, pctx := range s.engine.GetAllRuns() {
		snap := pctx.Snapshot()
		if pipelineID != "" && snap.PipelineID != pipelineID {
			continue
		}
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, runSummary{
			RunID:       snap.RunID,
			PipelineID:  snap.PipelineID,
			ParentRunID: snap.ParentRunID,
			Status:      snap.Status,
			StartedAt:   snap.StartedAt,
			Error:       snap.Error,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) getRun(c *gin.Context) {
	pctx, ok := s.engine.GetRun(c.Param("runId"))
	if !ok {
		abort(c, http.StatusNotFound, pipeline.ErrRunNotFound)
		return
	}
	c.JSON(http.StatusOK, pctx.Snapshot())
}

func (s *Server) pauseRun(c *gin.Context)  { s.control(c, s.engine.Pause) }
func (s *Server) resumeRun(c *gin.Context) { s.control(c, s.engine.Resume) }

func (s *Server) control(c *gin.Context, op func(string) error) {
	runID := c.Param("runId")
	if err := op(runID); err != nil {
		abort(c, statusFor(err), err)
		return
	}
	pctx, _ := s.engine.GetRun(runID)
	c.JSON(http.StatusOK, gin.H{"runId": runID, "status": pctx.Status()})
}

// ─── approvals ────────────────────────────────────────────────────────────────

type approvalRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

func (s *Server) listApprovals(c *gin.Context) {
	out := s.engine.PendingApprovals()
	if out == nil {
		out = []pipeline.PendingApproval{}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) decideApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	runID, nodeID := c.Param("runId"), c.Param("nodeId")
	if !s.engine.HandleApproval(runID, nodeID, *req.Approved) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending approval for this run and node"})
		return
	}
	s.logger.Info("approval decided", "run_id", runID, "node", nodeID, "approved", *req.Approved)
	c.JSON(http.StatusOK, gin.H{"runId": runID, "nodeId": nodeID, "approved": *req.Approved})
}

// ─── errors ───────────────────────────────────────────────────────────────────

func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrPipelineNotFound), errors.Is(err, pipeline.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrInvalidDefinition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, pipeline.ErrInvalidRunState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
