package policy

// DefaultGenericMIMETypes are MIME types that say nothing about the payload.
// When a download reports one of them, the extension decides.
var DefaultGenericMIMETypes = []string{
	"application/octet-stream",
	"binary/octet-stream",
	"application/unknown",
	"application/x-download",
	"application/force-download",
	"application/download",
}

// Engine makes allow/block decisions
type Engine struct {
	generic map[string]struct{}
}

// NewEngine creates a new decision engine. A nil list uses DefaultGenericMIMETypes.
func NewEngine(genericMIMETypes []string) *Engine {
	if genericMIMETypes == nil {
		genericMIMETypes = DefaultGenericMIMETypes
	}
	generic := make(map[string]struct{}, len(genericMIMETypes))
	for _, m := range genericMIMETypes {
		if n := NormalizeMIME(m); n != "" {
			generic[n] = struct{}{}
		}
	}
	return &Engine{generic: generic}
}

// Input describes a download candidate
type Input struct {
	URL      string
	Filename string
	MIME     string
}

// Decision represents the result of a policy decision
type Decision struct {
	Allow  bool   `json:"allow"`
	Reason Reason `json:"reason"`
	Ext    string `json:"ext"`
	MIME   string `json:"mime"`
}

// ShouldBlock returns true if the decision is to block
func (d Decision) ShouldBlock() bool {
	return !d.Allow
}

// IsGenericMIME reports whether mime carries no useful type information
func (e *Engine) IsGenericMIME(mime string) bool {
	_, ok := e.generic[NormalizeMIME(mime)]
	return ok
}

// Decide evaluates a download against p. A nil policy always blocks.
func (e *Engine) Decide(p *Policy, in Input) Decision {
	ext := ExtFromFilename(in.Filename)
	if ext == "" {
		ext = ExtFromURL(in.URL)
	}
	mime := NormalizeMIME(in.MIME)

	d := Decision{Ext: ext, MIME: mime}

	if p == nil {
		d.Reason = ReasonNoPolicy
		return d
	}

	// A specific MIME type is authoritative, but a derivable extension must pass too.
	if mime != "" && !e.IsGenericMIME(mime) {
		if !p.AllowsMIME(mime) {
			d.Reason = ReasonMIMENotAllowed
			return d
		}
		if ext != "" && !p.AllowsExtension(ext) {
			d.Reason = ReasonExtNotAllowed
			return d
		}
		d.Allow = true
		d.Reason = ReasonAllowed
		return d
	}

	if ext == "" {
		d.Reason = ReasonExtMissing
		return d
	}
	if !p.AllowsExtension(ext) {
		d.Reason = ReasonExtNotAllowed
		return d
	}

	d.Allow = true
	d.Reason = ReasonAllowed
	return d
}
