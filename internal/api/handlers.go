package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/agent462/drover/internal/model"
	"github.com/agent462/drover/internal/queue"
	"github.com/agent462/drover/internal/store"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type handlers struct {
	Deps
}

type enqueueRequest struct {
	TaskID    uint   `json:"task_id" binding:"required"`
	ServerIDs []uint `json:"server_ids" binding:"required"`
	Priority  int    `json:"priority"`
}

func (h *handlers) enqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "Invalid or missing request body: "+err.Error())
		return
	}
	id, err := h.Queue.Enqueue(c.Request.Context(), req.TaskID, req.ServerIDs, req.Priority)
	if err != nil {
		if errors.Is(err, queue.ErrNoServers) {
			RespondError(c, http.StatusBadRequest, err.Error())
			return
		}
		h.internalError(c, "enqueue", err)
		return
	}
	RespondSuccess(c, gin.H{"queue_id": id})
}

func (h *handlers) cancel(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.Queue.Cancel(c.Request.Context(), id); err != nil {
		h.storeError(c, "cancel queue item", err)
		return
	}
	RespondSuccess(c, gin.H{"queue_id": id, "status": model.QueueCancelled})
}

func (h *handlers) queueStatus(c *gin.Context) {
	stats, err := h.Queue.Status(c.Request.Context())
	if err != nil {
		h.internalError(c, "queue status", err)
		return
	}
	RespondSuccess(c, stats)
}

func (h *handlers) getQueueItem(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	item, err := h.Queue.Get(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, "get queue item", err)
		return
	}
	execs, err := h.History.ExecutionsByQueue(c.Request.Context(), id)
	if err != nil {
		h.internalError(c, "queue executions", err)
		return
	}
	RespondSuccess(c, gin.H{"item": item, "executions": execs})
}

func (h *handlers) trigger(c *gin.Context) {
	n, err := h.Scheduler.Trigger(c.Request.Context())
	if err != nil {
		if errors.Is(err, queue.ErrBusy) {
			RespondError(c, http.StatusConflict, err.Error())
			return
		}
		h.internalError(c, "trigger", err)
		return
	}
	RespondSuccess(c, gin.H{"dispatched": n})
}

func (h *handlers) taskExecutions(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	execs, err := h.History.ExecutionsByTask(c.Request.Context(), id, limitParam(c))
	if err != nil {
		h.internalError(c, "task executions", err)
		return
	}
	RespondSuccess(c, execs)
}

func (h *handlers) serverExecutions(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	execs, err := h.History.ExecutionsByServer(c.Request.Context(), id, limitParam(c))
	if err != nil {
		h.internalError(c, "server executions", err)
		return
	}
	RespondSuccess(c, execs)
}

type updateTaskRequest struct {
	Name    *string `json:"name"`
	Command *string `json:"command"`
	Timeout *int    `json:"timeout"`
}

// updateTask applies the given fields to a task. A timeout of 0 clears it.
func (h *handlers) updateTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "Invalid or missing request body: "+err.Error())
		return
	}
	if req.Command != nil && *req.Command == "" {
		RespondError(c, http.StatusBadRequest, "command must not be empty")
		return
	}

	ctx := c.Request.Context()
	task, err := h.Editor.FindTask(ctx, id)
	if err != nil {
		h.storeError(c, "load task", err)
		return
	}
	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.Command != nil {
		task.Command = *req.Command
	}
	if req.Timeout != nil {
		task.Timeout = req.Timeout
		if *req.Timeout <= 0 {
			task.Timeout = nil
		}
	}
	if err := h.Editor.UpdateTask(ctx, task); err != nil {
		h.storeError(c, "update task", err)
		return
	}
	h.Tasks.InvalidateTask(id)
	RespondSuccess(c, task)
}

func (h *handlers) deleteTask(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.History.DeleteTask(c.Request.Context(), id); err != nil {
		h.storeError(c, "delete task", err)
		return
	}
	h.Tasks.InvalidateTask(id)
	RespondSuccess(c, gin.H{"task_id": id})
}

func (h *handlers) probe(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	status, err := h.Prober.Probe(c.Request.Context(), id)
	if err != nil {
		h.storeError(c, "probe server", err)
		return
	}
	RespondSuccess(c, gin.H{"server_id": id, "status": status})
}

func (h *handlers) onlineProxies(c *gin.Context) {
	RespondSuccess(c, h.Presence.OnlineAgents())
}

func idParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		RespondError(c, http.StatusBadRequest, "Invalid id: "+c.Param("id"))
		return 0, false
	}
	return uint(id), true
}

func limitParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return defaultHistoryLimit
	}
	if n > maxHistoryLimit {
		return maxHistoryLimit
	}
	return n
}

func (h *handlers) storeError(c *gin.Context, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		RespondError(c, http.StatusNotFound, "Not found")
		return
	}
	h.internalError(c, op, err)
}

func (h *handlers) internalError(c *gin.Context, op string, err error) {
	h.Logger.Error(op, "err", err)
	RespondError(c, http.StatusInternalServerError, op+" failed")
}
