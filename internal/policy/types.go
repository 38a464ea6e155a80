package policy

import "encoding/json"

// Mode represents the policy document mode
type Mode string

const (
	// ModeAllow is the only supported mode: everything not listed is blocked
	ModeAllow Mode = "allow"
)

// Reason explains a decision outcome
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonNoPolicy       Reason = "no-policy"
	ReasonExtMissing     Reason = "ext-missing"
	ReasonExtNotAllowed  Reason = "ext-not-allowed"
	ReasonMIMENotAllowed Reason = "mime-not-allowed"
)

// Allowed holds the permitted extensions and MIME types
type Allowed struct {
	Extensions []string `json:"extensions"`
	MIMETypes  []string `json:"mime_types"`
}

// Policy is a validated and normalized allow-list document
type Policy struct {
	Mode       Mode     `json:"mode"`
	Allowed    Allowed  `json:"allowed"`
	TTLSeconds *float64 `json:"ttl_seconds,omitempty"`

	extSet  map[string]struct{}
	mimeSet map[string]struct{}
}

// HasTTL reports whether the document carries a ttl_seconds value
func (p *Policy) HasTTL() bool {
	return p != nil && p.TTLSeconds != nil
}

// AllowsExtension reports whether ext (already normalized) is permitted
func (p *Policy) AllowsExtension(ext string) bool {
	return contains(p.extSet, p.Allowed.Extensions, ext)
}

// AllowsMIME reports whether mime (already normalized) is permitted
func (p *Policy) AllowsMIME(mime string) bool {
	return contains(p.mimeSet, p.Allowed.MIMETypes, mime)
}

// UnmarshalJSON decodes a persisted policy and rebuilds its lookup sets.
// Persisted policies were normalized before they were written.
func (p *Policy) UnmarshalJSON(data []byte) error {
	type plain Policy
	var decoded plain
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*p = Policy(decoded)
	p.index()
	return nil
}

func (p *Policy) index() {
	p.extSet = toSet(p.Allowed.Extensions)
	p.mimeSet = toSet(p.Allowed.MIMETypes)
}

func contains(set map[string]struct{}, list []string, v string) bool {
	if set != nil {
		_, ok := set[v]
		return ok
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Summary counts the allow-list entries
type Summary struct {
	Ext  int `json:"ext"`
	MIME int `json:"mime"`
}

// Summary returns entry counts for status output
func (p *Policy) Summary() Summary {
	if p == nil {
		return Summary{}
	}
	return Summary{Ext: len(p.Allowed.Extensions), MIME: len(p.Allowed.MIMETypes)}
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
