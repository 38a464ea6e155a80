package enforce

import (
	"github.com/zezudoo/wa-download-guard/internal/origin"
)

// Attributor decides whether a download came from the target application
type Attributor struct {
	matcher     *origin.Matcher
	tabs        *origin.TabTracker
	extensionID string
}

// NewAttributor creates an Attributor. extensionID identifies downloads
// started by this guard itself, which are never attributed.
func NewAttributor(matcher *origin.Matcher, tabs *origin.TabTracker, extensionID string) *Attributor {
	return &Attributor{
		matcher:     matcher,
		tabs:        tabs,
		extensionID: extensionID,
	}
}

// IsFromTarget reports whether item should be enforced
func (a *Attributor) IsFromTarget(item DownloadItem) bool {
	if a.extensionID != "" && item.ByExtensionID == a.extensionID {
		return false
	}

	url := item.EffectiveURL()
	if a.matcher.URLMatches(url) || a.matcher.URLMatches(item.Referrer) {
		return true
	}

	if !origin.IsBlobOrData(url) {
		return false
	}
	// a referrer from elsewhere is decisive; only its absence falls back to the tab hint
	if item.Referrer != "" {
		return false
	}
	return a.tabs != nil && a.tabs.IsRecentlyMarked(item.TabID)
}
