package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sigelo/sigelo/backend/internal/reporting"
	"go.uber.org/zap"
)

const (
	eventReady        = "ready"
	eventInvalidate   = "invalidate"
	eventHeartbeat    = "heartbeat"
	eventSourceServer = "sigelo-api"
)

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleEvents streams the caller tenant's invalidation signals as
// server-sent events until the client goes away. A comma separated "paths"
// query narrows the stream to those views.
func (h *httpHandler) handleEvents(c *gin.Context) {
	member, _ := currentMember(c)
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx, reporting.Subscription{
		TenantID: member.TenantID,
		Paths:    subscribedPaths(c.Query("paths")),
	})
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent(eventReady, heartbeatPayload{Source: eventSourceServer, Timestamp: time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case invalidation, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(eventInvalidate, invalidation)
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, heartbeatPayload{Source: eventSourceServer, Timestamp: now.UTC()})
			return true
		}
	})
	h.logger.Debug("event stream closed", zap.String("tenant_id", member.TenantID))
}

func subscribedPaths(raw string) []string {
	var paths []string
	for _, path := range strings.Split(raw, ",") {
		if path = strings.TrimSpace(path); path != "" {
			paths = append(paths, path)
		}
	}
	return paths
}
