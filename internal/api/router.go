// Package api exposes the queue and execution history over HTTP and mounts
// the relay endpoint agents connect to.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent462/drover/internal/logging"
	"github.com/agent462/drover/internal/model"
)

// Queue is the queue manager surface. *queue.Manager implements it.
type Queue interface {
	Enqueue(ctx context.Context, taskID uint, serverIDs []uint, priority int) (uint, error)
	Cancel(ctx context.Context, id uint) error
	Get(ctx context.Context, id uint) (*model.QueueItem, error)
	Status(ctx context.Context) (model.QueueStats, error)
}

// Scheduler runs a scheduling pass on demand. *queue.Processor implements it.
type Scheduler interface {
	Trigger(ctx context.Context) (int, error)
}

// History reads and prunes execution records. *store.Store implements it.
type History interface {
	ExecutionsByTask(ctx context.Context, taskID uint, limit int) ([]model.Execution, error)
	ExecutionsByServer(ctx context.Context, serverID uint, limit int) ([]model.Execution, error)
	ExecutionsByQueue(ctx context.Context, queueID uint) ([]model.Execution, error)
	DeleteTask(ctx context.Context, id uint) error
}

// TaskEditor loads and edits task definitions. *store.Store implements it.
type TaskEditor interface {
	FindTask(ctx context.Context, id uint) (*model.Task, error)
	UpdateTask(ctx context.Context, task *model.Task) error
}

// TaskCache drops cached task definitions. *cache.ExecutionCache implements it.
type TaskCache interface {
	InvalidateTask(id uint)
}

// Prober checks a server's connectivity. *transport.Transport implements it.
type Prober interface {
	Probe(ctx context.Context, serverID uint) (model.ServerStatus, error)
}

// Presence lists connected proxy agents. *relay.Hub implements it.
type Presence interface {
	OnlineAgents() []string
}

// Deps are the collaborators the router serves.
type Deps struct {
	Queue     Queue
	Scheduler Scheduler
	History   History
	Editor    TaskEditor
	Tasks     TaskCache
	Prober    Prober
	Presence  Presence
	Relay     http.Handler
	Logger    *slog.Logger
}

// NewRouter builds the gin engine.
func NewRouter(d Deps) *gin.Engine {
	h := &handlers{Deps: d}
	h.Logger = logging.OrDefault(d.Logger)

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(h.Logger))

	r.Any("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	if d.Relay != nil {
		r.GET("/relay", gin.WrapH(d.Relay))
	}

	v := r.Group("/api")
	{
		v.POST("/queue", h.enqueue)
		v.GET("/queue/status", h.queueStatus)
		v.POST("/queue/trigger", h.trigger)
		v.GET("/queue/:id", h.getQueueItem)
		v.POST("/queue/:id/cancel", h.cancel)

		v.GET("/tasks/:id/executions", h.taskExecutions)
		v.PUT("/tasks/:id", h.updateTask)
		v.DELETE("/tasks/:id", h.deleteTask)

		v.GET("/servers/:id/executions", h.serverExecutions)
		v.POST("/servers/:id/probe", h.probe)

		v.GET("/proxies/online", h.onlineProxies)
	}
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
