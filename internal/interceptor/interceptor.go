package interceptor

import (
	"context"

	"github.com/zezudoo/wa-download-guard/internal/logger"
	"github.com/zezudoo/wa-download-guard/internal/messaging"
	"github.com/zezudoo/wa-download-guard/internal/origin"
	"github.com/zezudoo/wa-download-guard/internal/policy"
)

// Kind identifies how a download was about to be activated in the page
type Kind string

const (
	KindClick             Kind = "click"
	KindProgrammaticClick Kind = "programmatic-click"
	KindWindowOpen        Kind = "window-open"
	KindEnterKey          Kind = "enter-key"
)

// why values reported to the background
var kindWhy = map[Kind]string{
	KindClick:             "anchor",
	KindProgrammaticClick: "anchor-programmatic",
	KindWindowOpen:        "window-open",
	KindEnterKey:          "anchor-enter",
}

const toastTitle = "Download blocked"

// Activation is one intercepted activation. For anchors Href is the raw
// href attribute; for window opens it is the requested URL.
type Activation struct {
	Kind            Kind
	Href            string
	PageURL         string
	HasDownloadAttr bool
	DownloadAttr    string
}

// Verdict tells the hook what to do with the activation
type Verdict struct {
	Block           bool
	PreventDefault  bool
	StopPropagation bool
	Why             string
	Message         string
}

// Toaster shows an in-page toast
type Toaster interface {
	Toast(title, message string)
}

// Messenger delivers a message to the background coordinator
type Messenger interface {
	Send(ctx context.Context, msg messaging.Message) error
}

// Config represents interceptor configuration
type Config struct {
	Mirror    *Mirror
	Matcher   *origin.Matcher
	Toaster   Toaster
	Messenger Messenger
	Logger    *logger.Logger
	TabID     int
}

// Interceptor makes best-effort block decisions for page activations
// using only the extension. The background coordinator stays
// authoritative.
type Interceptor struct {
	mirror    *Mirror
	matcher   *origin.Matcher
	toaster   Toaster
	messenger Messenger
	logger    *logger.Logger
	tabID     int
}

// New creates a new interceptor
func New(config Config) *Interceptor {
	if config.Mirror == nil {
		config.Mirror = NewMirror()
	}
	if config.Logger == nil {
		config.Logger = logger.Nop()
	}
	return &Interceptor{
		mirror:    config.Mirror,
		matcher:   config.Matcher,
		toaster:   config.Toaster,
		messenger: config.Messenger,
		logger:    config.Logger,
		tabID:     config.TabID,
	}
}

// Mirror returns the state mirror the interceptor decides with
func (i *Interceptor) Mirror() *Mirror {
	return i.mirror
}

// Intercept decides a single activation and, on block, shows a toast and
// notifies the background.
func (i *Interceptor) Intercept(ctx context.Context, a Activation) Verdict {
	enabled, hasPolicy, allows := i.mirror.view()
	if !enabled {
		return Verdict{}
	}

	href := origin.Resolve(a.PageURL, a.Href)
	if !i.isTargetURL(href) {
		return Verdict{}
	}

	ext := ""
	if a.DownloadAttr != "" {
		ext = policy.ExtFromFilename(a.DownloadAttr)
	}
	if ext == "" {
		ext = policy.ExtFromURL(href)
	}

	// no download attribute and nothing that looks like a file: navigation
	if !a.HasDownloadAttr && a.DownloadAttr == "" && ext == "" {
		return Verdict{}
	}

	var message string
	switch {
	case !hasPolicy:
		message = "Blocked: no policy loaded"
	case ext == "":
		// the background sees the MIME type and decides
		return Verdict{}
	case !allows(ext):
		message = "Blocked: ." + ext
	default:
		return Verdict{}
	}

	why := kindWhy[a.Kind]
	if why == "" {
		why = "anchor"
	}
	v := Verdict{
		Block:           true,
		PreventDefault:  true,
		StopPropagation: true,
		Why:             why,
		Message:         message,
	}
	i.report(ctx, href, v)
	return v
}

func (i *Interceptor) isTargetURL(href string) bool {
	if href == "" {
		return false
	}
	if origin.IsBlobOrData(href) {
		return true
	}
	return i.matcher != nil && i.matcher.URLMatches(href)
}

func (i *Interceptor) report(ctx context.Context, href string, v Verdict) {
	if i.toaster != nil {
		i.toaster.Toast(toastTitle, v.Message)
	}
	if i.messenger == nil {
		return
	}
	err := i.messenger.Send(ctx, messaging.Message{
		Type:    messaging.TypeBlockedNotify,
		TabID:   i.tabID,
		URL:     href,
		Why:     v.Why,
		Details: v.Message,
	})
	if err != nil {
		i.logger.Debug("notify_error", "Failed to notify background", map[string]interface{}{
			"why":   v.Why,
			"error": err.Error(),
		})
	}
}
