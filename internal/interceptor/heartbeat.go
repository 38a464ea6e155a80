package interceptor

import (
	"context"
	"time"

	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
)

// DefaultHeartbeatInterval keeps tab attribution fresh well inside its TTL
const DefaultHeartbeatInterval = 60 * time.Second

// Heartbeat marks the page's tab as a target tab while it is open
type Heartbeat struct {
	Messenger Messenger
	Logger    *logger.Logger
	TabID     int
	PageURL   string
	// TopLevel is false for frames; only top-level pages send heartbeats
	TopLevel bool
	Interval time.Duration
}

// Run pings immediately and every interval, and sends a clear when ctx
// is done.
func (h *Heartbeat) Run(ctx context.Context) {
	if !h.TopLevel || h.Messenger == nil {
		return
	}
	interval := h.Interval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}

	h.send(ctx, messaging.Message{Type: messaging.TypeTabPing, TabID: h.TabID, URL: h.PageURL})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			clearCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			h.send(clearCtx, messaging.Message{Type: messaging.TypeTabClear, TabID: h.TabID})
			cancel()
			return
		case <-ticker.C:
			h.send(ctx, messaging.Message{Type: messaging.TypeTabPing, TabID: h.TabID, URL: h.PageURL})
		}
	}
}

func (h *Heartbeat) send(ctx context.Context, msg messaging.Message) {
	if err := h.Messenger.Send(ctx, msg); err != nil && h.Logger != nil {
		h.Logger.Debug("heartbeat_error", "Failed to send heartbeat", map[string]interface{}{
			"type":  string(msg.Type),
			"error": err.Error(),
		})
	}
}
