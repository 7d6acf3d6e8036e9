package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/chiscode/orchestrator/internal/models"
	"github.com/chiscode/orchestrator/internal/orchestration"
)

// RunStreamHandler forwards a run's event stream to a WebSocket client.
type RunStreamHandler struct {
	orch     *orchestration.Orchestrator
	log      *zap.Logger
	tracer   trace.Tracer
	upgrader websocket.Upgrader
}

// NewRunStreamHandler creates the WebSocket handler for run event streams.
func NewRunStreamHandler(orch *orchestration.Orchestrator, log *zap.Logger) *RunStreamHandler {
	return &RunStreamHandler{
		orch:   orch,
		log:    log,
		tracer: otel.Tracer("run-stream"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// TODO: restrict origins once the frontend host list is known
				return true
			},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Stream handles WebSocket /api/ws/runs/:id
// @Summary Stream run events
// @Description WebSocket endpoint streaming stage, file, progress and result events for a run
// @Tags runs
// @Param id path string true "Run ID"
// @Param token query string true "JWT token"
// @Success 101 "Switching Protocols"
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security BearerAuth
// @Router /ws/runs/{id} [get]
func (h *RunStreamHandler) Stream(c *gin.Context) {
	_, span := h.tracer.Start(c.Request.Context(), "run_stream.stream")
	defer span.End()

	runID := c.Param("id")
	span.SetAttributes(attribute.String("run.id", runID))

	events, err := h.orch.AttachEvents(runID)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "Run not found or already finished", Code: models.ErrCodeNoActiveRun})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		h.log.Warn("websocket upgrade failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	defer conn.Close()

	h.log.Info("run stream attached", zap.String("run_id", runID))

	// Drain client frames so close handshakes are noticed; clients send no
	// application messages on this stream.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"),
					time.Now().Add(time.Second))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Warn("run stream write failed", zap.String("run_id", runID), zap.Error(err))
				return
			}
		case <-clientGone:
			h.log.Info("run stream client disconnected", zap.String("run_id", runID))
			return
		}
	}
}
