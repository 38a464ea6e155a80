package policy

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// ErrInvalidDocument is returned when a policy document does not match the schema
var ErrInvalidDocument = errors.New("invalid policy document")

// Parse validates a raw policy document and returns the normalized policy.
// The document is accepted wholesale or rejected; nothing is partially applied.
func Parse(data []byte) (*Policy, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: malformed JSON", ErrInvalidDocument)
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: document is not an object", ErrInvalidDocument)
	}

	mode := root.Get("mode")
	if mode.Type != gjson.String || Mode(mode.Str) != ModeAllow {
		return nil, fmt.Errorf("%w: mode must be %q", ErrInvalidDocument, ModeAllow)
	}

	extensions, err := stringArray(root, "allowed.extensions")
	if err != nil {
		return nil, err
	}
	mimeTypes, err := stringArray(root, "allowed.mime_types")
	if err != nil {
		return nil, err
	}

	p := &Policy{
		Mode: ModeAllow,
		Allowed: Allowed{
			Extensions: extensions,
			MIMETypes:  mimeTypes,
		},
	}

	if ttl := root.Get("ttl_seconds"); ttl.Exists() && ttl.Type != gjson.Null {
		if ttl.Type != gjson.Number || ttl.Num < 0 {
			return nil, fmt.Errorf("%w: ttl_seconds must be a non-negative number", ErrInvalidDocument)
		}
		seconds := ttl.Num
		p.TTLSeconds = &seconds
	}

	return Normalize(p), nil
}

func stringArray(root gjson.Result, path string) ([]string, error) {
	field := root.Get(path)
	if !field.IsArray() {
		return nil, fmt.Errorf("%w: %s must be an array", ErrInvalidDocument, path)
	}

	var out []string
	var bad bool
	field.ForEach(func(_, v gjson.Result) bool {
		if v.Type != gjson.String {
			bad = true
			return false
		}
		out = append(out, v.Str)
		return true
	})
	if bad {
		return nil, fmt.Errorf("%w: %s must contain only strings", ErrInvalidDocument, path)
	}
	return out, nil
}

// Normalize returns a copy of p with lowercase, deduplicated and sorted
// entries: extensions lose leading dots, MIME types lose parameters.
// Normalize is idempotent.
func Normalize(p *Policy) *Policy {
	if p == nil {
		return nil
	}

	out := &Policy{
		Mode: p.Mode,
		Allowed: Allowed{
			Extensions: normalizeList(p.Allowed.Extensions, NormalizeExtension),
			MIMETypes:  normalizeList(p.Allowed.MIMETypes, NormalizeMIME),
		},
	}
	if p.TTLSeconds != nil {
		ttl := *p.TTLSeconds
		out.TTLSeconds = &ttl
	}
	out.index()
	return out
}

func normalizeList(values []string, fn func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := fn(v)
		if n == "" {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
