package messaging

import (
	"encoding/json"

	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/policy"
)

// PushType names a message the daemon pushes over its WebSocket channel
type PushType string

const (
	PushState           PushType = "state"
	PushNotification    PushType = "notification"
	PushDownloadCommand PushType = "download-command"
)

// Envelope wraps every pushed message
type Envelope struct {
	Type PushType        `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StatePush carries the shared state the page mirror follows. Policy is
// null when none is cached.
type StatePush struct {
	Enabled bool           `json:"enabled"`
	Policy  *policy.Policy `json:"policy"`
}

// DownloadCommand asks the browser shim to act on a download
type DownloadCommand struct {
	Action string `json:"action"` // "cancel" or "erase"
	ID     int64  `json:"id"`
}

// NotificationPush is a notification for the browser to present
type NotificationPush = enforce.Notification

// NewEnvelope encodes data under typ
func NewEnvelope(typ PushType, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: typ, Data: raw}, nil
}
