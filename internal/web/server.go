package web

import (
	"context"
	"fmt"
	"net/http"

	"github.com/fabriziosalmi/proximity-sub002/internal/alerts"
	"github.com/fabriziosalmi/proximity-sub002/internal/catalog"
	"github.com/fabriziosalmi/proximity-sub002/internal/lifecycle"
	"github.com/fabriziosalmi/proximity-sub002/internal/tasks"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebServer exposes the engine's operations as a JSON management API
type WebServer struct {
	port    uint16
	router  *gin.Engine
	engine  *lifecycle.Engine
	catalog *catalog.Provider
	queue   *tasks.Queue
	alerts  *alerts.Channel
	logger  *logrus.Logger
	server  *http.Server
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// NewWebServer creates a new management API server
func NewWebServer(
	engine *lifecycle.Engine,
	catalogProvider *catalog.Provider,
	queue *tasks.Queue,
	alertChannel *alerts.Channel,
	logger *logrus.Logger,
	port uint16,
) *WebServer {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	ws := &WebServer{
		port:    port,
		router:  router,
		engine:  engine,
		catalog: catalogProvider,
		queue:   queue,
		alerts:  alertChannel,
		logger:  logger,
	}
	ws.setupRoutes()
	return ws
}

func (ws *WebServer) setupRoutes() {
	ws.router.GET("/healthz", ws.handleHealth)

	v1 := ws.router.Group("/api/v1")
	{
		v1.GET("/catalog", ws.handleListCatalog)
		v1.GET("/apps", ws.handleListApps)
		v1.GET("/apps/:id", ws.handleGetApp)
		v1.GET("/apps/:id/events", ws.handleListEvents)
		v1.POST("/apps", ws.handleDeploy)
		v1.POST("/apps/:id/start", ws.handleStart)
		v1.POST("/apps/:id/stop", ws.handleStop)
		v1.POST("/apps/:id/update", ws.handleUpdate)
		v1.POST("/apps/:id/clone", ws.handleClone)
		v1.POST("/apps/:id/retry", ws.handleRetry)
		v1.DELETE("/apps/:id", ws.handleDelete)
		v1.POST("/adopt", ws.handleAdopt)
		v1.GET("/network", ws.handleNetworkStatus)
		v1.GET("/alerts", ws.handleListAlerts)
	}
}

// Start runs the server in the background
func (ws *WebServer) Start() error {
	ws.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", ws.port),
		Handler: ws.router,
	}

	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ws.logger.WithError(err).Error("Management API server failed")
		}
	}()

	ws.logger.Infof("Management API listening on :%d", ws.port)
	return nil
}

// Stop shuts the server down gracefully
func (ws *WebServer) Stop(ctx context.Context) error {
	if ws.server == nil {
		return nil
	}
	return ws.server.Shutdown(ctx)
}
