package enforce

import (
	"context"

	"github.com/zezudoo/wa-download-guard/internal/policy"
)

// DownloadItem is the download manager's read-only view of a download
type DownloadItem struct {
	ID            int64  `json:"id"`
	URL           string `json:"url"`
	FinalURL      string `json:"finalUrl,omitempty"`
	Referrer      string `json:"referrer,omitempty"`
	Filename      string `json:"filename,omitempty"`
	MIME          string `json:"mime,omitempty"`
	TabID         int    `json:"tabId"`
	ByExtensionID string `json:"byExtensionId,omitempty"`
}

// EffectiveURL prefers the post-redirect URL
func (d DownloadItem) EffectiveURL() string {
	if d.FinalURL != "" {
		return d.FinalURL
	}
	return d.URL
}

// DownloadManager is the browser download manager
type DownloadManager interface {
	Cancel(ctx context.Context, id int64) error
	Erase(ctx context.Context, id int64) error
}

// Notifier presents a user-visible notification
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Notification describes a blocked action
type Notification struct {
	Title      string `json:"title"`
	Message    string `json:"message"`
	DownloadID int64  `json:"download_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BlockEvent is handed to the Recorder after a download is cancelled
type BlockEvent struct {
	Source   Source
	Item     DownloadItem
	Decision policy.Decision
}

// Recorder keeps an audit trail of blocks
type Recorder interface {
	RecordBlock(ctx context.Context, ev BlockEvent) error
}

// EnabledSource reports the global kill switch
type EnabledSource interface {
	Enabled(ctx context.Context) (bool, error)
}

// PolicySource returns the policy to decide with
type PolicySource interface {
	GetForDecision(ctx context.Context) (*policy.Policy, error)
}

// Source names the event hook that handled a download
type Source string

const (
	SourceDeterminingFilename Source = "determining-filename"
	SourceCreatedFallback     Source = "created-fallback"
	SourceProxy               Source = "proxy"
)

// Outcome is the result of one handler invocation
type Outcome string

const (
	OutcomeDisabled       Outcome = "disabled"
	OutcomeNotAttributed  Outcome = "not-attributed"
	OutcomeAllowed        Outcome = "allowed"
	OutcomeBlocked        Outcome = "blocked"
	OutcomeAlreadyHandled Outcome = "already-handled"
	OutcomeScheduled      Outcome = "scheduled"
	OutcomeError          Outcome = "error"
)

// Result reports what a handler did
type Result struct {
	Outcome  Outcome          `json:"outcome"`
	Decision *policy.Decision `json:"decision,omitempty"`
}
