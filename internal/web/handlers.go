package web

import (
	"net/http"
	"strconv"

	"github.com/fabriziosalmi/proximity-sub002/internal/store"
	"github.com/fabriziosalmi/proximity-sub002/internal/tasks"
	"github.com/fabriziosalmi/proximity-sub002/pkg/api"
	"github.com/gin-gonic/gin"
)

func (ws *WebServer) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (ws *WebServer) handleListCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": ws.catalog.List()})
}

func (ws *WebServer) handleListApps(c *gin.Context) {
	apps, err := ws.engine.ListApps()
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applications": apps})
}

func (ws *WebServer) handleGetApp(c *gin.Context) {
	app, err := ws.engine.GetApp(c.Param("id"))
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (ws *WebServer) handleListEvents(c *gin.Context) {
	events, err := ws.engine.ListEvents(c.Param("id"))
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (ws *WebServer) handleDeploy(c *gin.Context) {
	var req api.DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	app, err := ws.engine.Deploy(c.Request.Context(), req)
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (ws *WebServer) handleStart(c *gin.Context) {
	if err := ws.engine.Start(c.Request.Context(), c.Param("id")); err != nil {
		ws.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (ws *WebServer) handleStop(c *gin.Context) {
	if err := ws.engine.Stop(c.Request.Context(), c.Param("id")); err != nil {
		ws.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleUpdate hands the replace-in-place sequence to the task queue. The
// operation can take minutes (backup, destroy, recreate), so the client gets
// a task ID back and follows progress through the application record and its
// event trail.
func (ws *WebServer) handleUpdate(c *gin.Context) {
	id := c.Param("id")
	if _, err := ws.engine.GetApp(id); err != nil {
		ws.writeError(c, err)
		return
	}

	var body struct {
		Env map[string]string `json:"env"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	taskID, err := ws.queue.Enqueue(tasks.Task{
		Kind:    "update",
		AppID:   id,
		Payload: body.Env,
	})
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "app_id": id})
}

func (ws *WebServer) handleClone(c *gin.Context) {
	var body struct {
		Hostname string `json:"hostname"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	app, err := ws.engine.Clone(c.Request.Context(), c.Param("id"), body.Hostname)
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (ws *WebServer) handleRetry(c *gin.Context) {
	app, err := ws.engine.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, app)
}

func (ws *WebServer) handleDelete(c *gin.Context) {
	if err := ws.engine.Delete(c.Request.Context(), c.Param("id")); err != nil {
		ws.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (ws *WebServer) handleAdopt(c *gin.Context) {
	var body struct {
		VMID     int    `json:"vmid"`
		Hostname string `json:"hostname"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return
	}
	if body.VMID <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "vmid must be a positive container ID, got " + strconv.Itoa(body.VMID)})
		return
	}

	app, err := ws.engine.Adopt(c.Request.Context(), body.VMID, body.Hostname)
	if err != nil {
		ws.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (ws *WebServer) handleNetworkStatus(c *gin.Context) {
	handle := ws.engine.NetworkStatus()
	c.JSON(http.StatusOK, gin.H{
		"mode":      handle.Mode,
		"bridge":    handle.BridgeName,
		"appliance": handle.Appliance,
	})
}

func (ws *WebServer) handleListAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": ws.alerts.Recent()})
}

// writeError maps classified engine errors onto HTTP statuses
func (ws *WebServer) writeError(c *gin.Context, err error) {
	if err == store.ErrNotFound {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	kind := api.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case api.KindValidation:
		status = http.StatusBadRequest
	case api.KindOperationInProgress:
		status = http.StatusConflict
	case api.KindRouteConflict:
		status = http.StatusConflict
	case api.KindResourceExhausted:
		status = http.StatusServiceUnavailable
	case api.KindProvisioning, api.KindOperationTimeout, api.KindReconciliationAnomaly:
		status = http.StatusInternalServerError
	}

	ws.logger.WithError(err).WithField("kind", kind).Warn("Request failed")
	c.JSON(status, ErrorResponse{Error: err.Error(), Kind: string(kind)})
}
