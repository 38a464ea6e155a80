package interceptor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
)

// RemoteSync keeps a Mirror in sync from the daemon's WebSocket state
// stream, reconnecting until its context ends.
type RemoteSync struct {
	URL        string
	Mirror     *Mirror
	Logger     *logger.Logger
	Dialer     *websocket.Dialer
	RetryDelay time.Duration
}

// Run connects and applies state messages until ctx is done
func (r *RemoteSync) Run(ctx context.Context) error {
	dialer := r.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	retry := r.RetryDelay
	if retry <= 0 {
		retry = 2 * time.Second
	}

	for {
		err := r.session(ctx, dialer)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && r.Logger != nil {
			r.Logger.Debug("state_sync_error", "State stream disconnected", map[string]interface{}{
				"url":   r.URL,
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(retry):
		}
	}
}

func (r *RemoteSync) session(ctx context.Context, dialer *websocket.Dialer) error {
	conn, _, err := dialer.DialContext(ctx, r.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial state stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var env messaging.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		if env.Type != messaging.PushState {
			continue
		}
		var state messaging.StatePush
		if err := json.Unmarshal(env.Data, &state); err != nil {
			continue
		}
		r.Mirror.Apply(state)
	}
}

// HTTPMessenger posts messages to the daemon's message endpoint
type HTTPMessenger struct {
	BaseURL string
	Client  *http.Client
}

// Send implements Messenger
func (m *HTTPMessenger) Send(ctx context.Context, msg messaging.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(m.BaseURL, "/")+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := m.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("message %s rejected: %s", msg.Type, resp.Status)
	}
	return nil
}
