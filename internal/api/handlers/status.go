package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/myysophia/coursevm-backend/internal/upload"
)

// StatusHandler 推送上传后的处理状态
type StatusHandler struct {
	probe    *upload.StatusProbe
	interval time.Duration
}

func NewStatusHandler(probe *upload.StatusProbe, interval time.Duration) *StatusHandler {
	if interval <= 0 {
		interval = 300 * time.Millisecond
	}
	return &StatusHandler{probe: probe, interval: interval}
}

// Stream 每个间隔推送一次 STATUS 或 ERROR，DONE 后结束
func (h *StatusHandler) Stream(c *gin.Context) {
	flowid := c.Param("flowid")
	filename := c.Query("filename")
	ctx := c.Request.Context()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		ev := h.probe.Check(ctx, filename, flowid)
		c.SSEvent(ev.Type, ev)
		c.Writer.Flush()
		if ev.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
