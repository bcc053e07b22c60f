// Package httpapi is the HTTP transport collaborator: a thin gin router
// exposing just enough surface to drive a mission end-to-end as a running
// binary. The wire protocol itself is out of scope, so this router carries
// no auth, pagination, or REST completeness.
package httpapi

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/alchemistral/missiond/internal/agentmanager"
	"github.com/alchemistral/missiond/internal/common/logger"
	"github.com/alchemistral/missiond/internal/events/bus"
	"github.com/alchemistral/missiond/internal/mission"
	"github.com/alchemistral/missiond/internal/projectstore"
)

// Handler holds the collaborators the HTTP surface drives.
type Handler struct {
	projects *projectstore.Store
	agents   *agentmanager.Manager
	pipeline *mission.Pipeline
	eventBus bus.EventBus
	logger   *logger.Logger

	// baseCtx outlives any single request; missions launched in the
	// background are bound to it instead of the request context, since
	// the request context is canceled the moment LaunchMission returns.
	baseCtx context.Context
}

// NewHandler constructs a Handler. baseCtx should be the server's own
// lifetime context (canceled on shutdown), not derived from a request.
func NewHandler(
	baseCtx context.Context,
	projects *projectstore.Store,
	agents *agentmanager.Manager,
	pipeline *mission.Pipeline,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.Default()
	}
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Handler{
		projects: projects, agents: agents, pipeline: pipeline, eventBus: eventBus,
		baseCtx: baseCtx,
		logger:  log.WithFields(zap.String("component", "httpapi")),
	}
}

// NewRouter builds the gin engine and registers every route.
func NewRouter(h *Handler) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", h.HealthCheck)

	v1 := router.Group("/projects")
	v1.POST("", h.CreateProject)
	v1.GET("", h.ListProjects)
	v1.POST("/:id/mission", h.LaunchMission)
	v1.GET("/:id/agents", h.ListAgents)

	router.GET("/ws", h.StreamEvents)

	return router
}

// HealthCheck reports liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createProjectRequest struct {
	Name       string `json:"name" binding:"required"`
	LocalPath  string `json:"local_path" binding:"required"`
	CLIAdapter string `json:"cli_adapter"`
}

// CreateProject registers a project the mission pipeline can target.
func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	adapter := req.CLIAdapter
	if adapter == "" {
		adapter = "mock"
	}
	project := h.projects.Create(req.Name, req.LocalPath, adapter)
	c.JSON(http.StatusCreated, project)
}

// ListProjects returns every registered project.
func (h *Handler) ListProjects(c *gin.Context) {
	c.JSON(http.StatusOK, h.projects.List())
}

type launchMissionRequest struct {
	Message string `json:"message" binding:"required"`
}

// LaunchMission kicks off a mission pipeline run in the background and
// returns immediately; progress is observed over the /ws event stream.
func (h *Handler) LaunchMission(c *gin.Context) {
	projectID := c.Param("id")
	var req launchMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := h.projects.Get(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}

	go h.pipeline.Run(h.baseCtx, projectID, req.Message)

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// ListAgents returns every agent state spawned for a project.
func (h *Handler) ListAgents(c *gin.Context) {
	projectID := c.Param("id")
	if _, err := h.projects.Get(projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "project not found"})
		return
	}
	c.JSON(http.StatusOK, h.agents.List(projectID))
}
