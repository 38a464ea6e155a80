package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/zezudoo/wa-download-guard/internal/audit"
	"github.com/zezudoo/wa-download-guard/internal/cache"
	"github.com/zezudoo/wa-download-guard/internal/enforce"
	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/origin"
	"github.com/zezudoo/wa-download-guard/internal/policy"
	"github.com/zezudoo/wa-download-guard/internal/store"
)

// ErrUnknownMessage is returned for an unrecognized message type
var ErrUnknownMessage = errors.New("unknown message type")

// Type names an inter-context message
type Type string

const (
	TypeTabPing       Type = "wa-tab-ping"
	TypeTabClear      Type = "wa-tab-clear"
	TypeBlockedNotify Type = "wa-blocked-notify"
	TypeRefreshPolicy Type = "refresh-policy"
	TypeGetState      Type = "get-state"
)

// Message is the envelope exchanged between the page, the settings UI
// and the background coordinator
type Message struct {
	Type    Type   `json:"type"`
	TabID   int    `json:"tab_id,omitempty"`
	URL     string `json:"url,omitempty"`
	Why     string `json:"why,omitempty"`
	Details string `json:"details,omitempty"`
}

// Ack is the reply to fire-and-forget messages
type Ack struct {
	OK bool `json:"ok"`
}

// State is the reply to get-state
type State struct {
	Enabled   bool            `json:"enabled"`
	HasPolicy bool            `json:"hasPolicy"`
	FetchedAt int64           `json:"fetchedAt"`
	Summary   *policy.Summary `json:"summary"`
	ConfigURL string          `json:"configUrl"`
}

// Refresher performs a blocking policy refresh
type Refresher interface {
	Refresh(ctx context.Context) (cache.RefreshResult, error)
}

// Notifier sends deduplicated notifications
type Notifier interface {
	NotifyOnce(ctx context.Context, key string, n enforce.Notification) bool
}

// PageRecorder stores page-level blocks
type PageRecorder interface {
	Record(ctx context.Context, ev audit.Event) (audit.Event, error)
}

// Config represents router configuration
type Config struct {
	Tabs      *origin.TabTracker
	Matcher   *origin.Matcher
	Refresher Refresher
	Settings  *store.Settings
	Notifier  Notifier
	Recorder  PageRecorder
	Logger    *logger.Logger
}

// Router dispatches inter-context messages to the background components
type Router struct {
	tabs      *origin.TabTracker
	matcher   *origin.Matcher
	refresher Refresher
	settings  *store.Settings
	notifier  Notifier
	recorder  PageRecorder
	logger    *logger.Logger
}

// NewRouter creates a new message router
func NewRouter(config Config) *Router {
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	return &Router{
		tabs:      config.Tabs,
		matcher:   config.Matcher,
		refresher: config.Refresher,
		settings:  config.Settings,
		notifier:  config.Notifier,
		recorder:  config.Recorder,
		logger:    config.Logger,
	}
}

// Handle processes msg and returns its reply
func (r *Router) Handle(ctx context.Context, msg Message) (interface{}, error) {
	switch msg.Type {
	case TypeTabPing:
		return r.handlePing(msg), nil
	case TypeTabClear:
		r.tabs.Clear(msg.TabID)
		return Ack{OK: true}, nil
	case TypeBlockedNotify:
		return r.handleBlockedNotify(ctx, msg), nil
	case TypeRefreshPolicy:
		// failures are reported in the reply, not as a handler error
		result, _ := r.refresher.Refresh(ctx)
		return result, nil
	case TypeGetState:
		return r.State(ctx)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// handlePing marks the tab only for pings from a target page
func (r *Router) handlePing(msg Message) Ack {
	if r.matcher == nil || !r.matcher.URLMatches(msg.URL) {
		return Ack{OK: false}
	}
	r.tabs.Mark(msg.TabID)
	return Ack{OK: true}
}

func (r *Router) handleBlockedNotify(ctx context.Context, msg Message) Ack {
	enabled := true
	if r.settings != nil {
		var err error
		if enabled, err = r.settings.Enabled(ctx); err != nil {
			enabled = true
		}
	}
	if !enabled {
		return Ack{OK: false}
	}

	why := msg.Why
	if why == "" {
		why = "page"
	}

	if r.recorder != nil {
		if _, err := r.recorder.Record(ctx, audit.Event{
			Source: "page:" + why,
			TabID:  msg.TabID,
			URL:    msg.URL,
			Reason: msg.Details,
		}); err != nil {
			r.logger.Debug("audit_error", "Failed to record page block", map[string]interface{}{
				"why":   why,
				"error": err.Error(),
			})
		}
	}

	sent := false
	if r.notifier != nil {
		sent = r.notifier.NotifyOnce(ctx, "page:"+why, enforce.Notification{
			Title:   "WhatsApp Download Guard",
			Message: "Download action blocked on WhatsApp.",
			Reason:  why,
		})
	}

	r.logger.Info("page_block", "Page interceptor blocked a download", map[string]interface{}{
		"why":      why,
		"tab_id":   msg.TabID,
		"details":  msg.Details,
		"notified": sent,
	})
	return Ack{OK: true}
}

// State returns the current enabled flag and policy summary
func (r *Router) State(ctx context.Context) (State, error) {
	enabled, err := r.settings.Enabled(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to read enabled flag: %w", err)
	}
	cached, err := r.settings.CachedPolicy(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to read cached policy: %w", err)
	}
	configURL, err := r.settings.ConfigURL(ctx)
	if err != nil {
		return State{}, fmt.Errorf("failed to read config URL: %w", err)
	}

	state := State{
		Enabled:   enabled,
		HasPolicy: cached.Policy != nil,
		FetchedAt: cached.FetchedAt,
		ConfigURL: configURL,
	}
	if cached.Policy != nil {
		summary := cached.Policy.Summary()
		state.Summary = &summary
	}
	return state, nil
}
